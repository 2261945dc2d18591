// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package isolation

import (
	"strings"
	"sync"

	wardenerr "github.com/warden-dev/warden/pkg/errors"
)

// Default symbol namespace policy. Deny wins over allow; a symbol matching
// neither list is denied (fail closed).
var (
	defaultAllowPrefixes = []string{
		"sdk.",
		"std.",
		"plugin.",
	}
	defaultDenyPrefixes = []string{
		"host.",
		"runtime.internal.",
		"reflect.",
		"process.",
		"native.",
	}
)

// SymbolFilter screens the import symbols a plugin module declares before the
// module is instantiated. It also enforces the per-plugin cap on distinct
// admitted symbols so a hostile manifest cannot exhaust the loader.
type SymbolFilter struct {
	mu         sync.Mutex
	allow      []string
	deny       []string
	maxSymbols int
	admitted   map[string]map[string]struct{}
}

// SymbolFilterOption configures a SymbolFilter.
type SymbolFilterOption func(*SymbolFilter)

// WithAllowPrefixes replaces the default allow prefix list.
func WithAllowPrefixes(prefixes ...string) SymbolFilterOption {
	return func(f *SymbolFilter) {
		f.allow = append([]string(nil), prefixes...)
	}
}

// WithDenyPrefixes replaces the default deny prefix list.
func WithDenyPrefixes(prefixes ...string) SymbolFilterOption {
	return func(f *SymbolFilter) {
		f.deny = append([]string(nil), prefixes...)
	}
}

// NewSymbolFilter creates a filter enforcing at most maxSymbols distinct
// admitted symbols per plugin.
func NewSymbolFilter(maxSymbols int, opts ...SymbolFilterOption) *SymbolFilter {
	f := &SymbolFilter{
		allow:      defaultAllowPrefixes,
		deny:       defaultDenyPrefixes,
		maxSymbols: maxSymbols,
		admitted:   make(map[string]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Admit decides whether pluginID may import symbol. Admitting a symbol that
// was already admitted is free and always succeeds; a new symbol counts
// against the per-plugin cap.
func (f *SymbolFilter) Admit(pluginID, symbol string) error {
	if pluginID == "" || symbol == "" {
		return wardenerr.New(wardenerr.CodeSecurityInvalidInput,
			"symbol admission requires plugin id and symbol name")
	}

	if prefix, denied := matchPrefix(f.deny, symbol); denied {
		return wardenerr.New(wardenerr.CodeSecuritySymbolDenied,
			"symbol matches denied namespace",
			wardenerr.FieldPlugin(pluginID),
			wardenerr.Field("symbol", symbol),
			wardenerr.Field("prefix", prefix))
	}
	if _, allowed := matchPrefix(f.allow, symbol); !allowed {
		return wardenerr.New(wardenerr.CodeSecuritySymbolDenied,
			"symbol outside allowed namespaces",
			wardenerr.FieldPlugin(pluginID),
			wardenerr.Field("symbol", symbol))
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	seen := f.admitted[pluginID]
	if seen == nil {
		seen = make(map[string]struct{})
		f.admitted[pluginID] = seen
	}
	if _, ok := seen[symbol]; ok {
		return nil
	}
	if len(seen) >= f.maxSymbols {
		return wardenerr.New(wardenerr.CodeSecuritySymbolCap,
			"plugin symbol cap exceeded",
			wardenerr.FieldPlugin(pluginID),
			wardenerr.Field("max_symbols", f.maxSymbols))
	}

	seen[symbol] = struct{}{}
	return nil
}

// AdmitAll admits every symbol or fails on the first rejection. Used at
// module load: a single denied import aborts the load.
func (f *SymbolFilter) AdmitAll(pluginID string, symbols []string) error {
	for _, symbol := range symbols {
		if err := f.Admit(pluginID, symbol); err != nil {
			return err
		}
	}
	return nil
}

// Count returns the number of distinct symbols admitted for pluginID.
func (f *SymbolFilter) Count(pluginID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.admitted[pluginID])
}

// Forget releases the admission bookkeeping for an unloaded plugin.
func (f *SymbolFilter) Forget(pluginID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.admitted, pluginID)
}

func matchPrefix(prefixes []string, symbol string) (string, bool) {
	for _, prefix := range prefixes {
		if strings.HasPrefix(symbol, prefix) {
			return prefix, true
		}
	}
	return "", false
}
