// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

// Package broker routes messages between sandboxed plugins. Both endpoints of
// every exchange run inside the sandbox domain; the broker only validates,
// rate limits, and serializes delivery. Handler failures travel back as
// failed responses, never as transport errors.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/warden-dev/warden/internal/config"
	"github.com/warden-dev/warden/internal/ratelimit"
	wardenerr "github.com/warden-dev/warden/pkg/errors"
)

// methodSendMessage is the rate limit bucket name for broker sends.
const methodSendMessage = "SendMessage"

// Message is one inter-plugin message.
type Message struct {
	ID        string    `json:"id"`
	Sender    string    `json:"sender"`
	Recipient string    `json:"recipient"`
	Topic     string    `json:"topic"`
	Payload   []byte    `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Response is the recipient's answer. Success false with a non-empty Error
// covers handler failures, handler timeouts, and missing handlers; the
// sender sees those as data, not as broker errors.
type Response struct {
	MessageID string `json:"message_id"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
	Payload   []byte `json:"payload,omitempty"`
}

// Handler processes one inbound message inside the recipient plugin.
type Handler func(ctx context.Context, msg *Message) (*Response, error)

// Stats is a snapshot of broker counters.
type Stats struct {
	Sent            uint64 `json:"sent"`
	Delivered       uint64 `json:"delivered"`
	HandlerFailures uint64 `json:"handler_failures"`
	HandlerTimeouts uint64 `json:"handler_timeouts"`
	Rejected        uint64 `json:"rejected"`
}

// Broker owns the per-plugin delivery routes. Each registered plugin gets one
// delivery goroutine, so messages to the same recipient arrive in send order
// while different recipients proceed in parallel.
type Broker struct {
	cfg     config.BrokerConfig
	limiter *ratelimit.Limiter
	logger  *slog.Logger

	mu     sync.RWMutex
	routes map[string]*route
	closed bool

	sent            atomic.Uint64
	delivered       atomic.Uint64
	handlerFailures atomic.Uint64
	handlerTimeouts atomic.Uint64
	rejected        atomic.Uint64
}

type route struct {
	pluginID string
	queue    chan *delivery
	done     chan struct{}

	mu      sync.RWMutex
	handler Handler
}

type delivery struct {
	ctx   context.Context
	msg   *Message
	reply chan *Response
}

// New creates a Broker. limiter may be nil to disable rate limiting (tests).
func New(cfg config.BrokerConfig, limiter *ratelimit.Limiter, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		cfg:     cfg,
		limiter: limiter,
		logger:  logger,
		routes:  make(map[string]*route),
	}
}

// Register opens a delivery route for pluginID. Idempotent.
func (b *Broker) Register(pluginID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	if _, ok := b.routes[pluginID]; ok {
		return
	}

	r := &route{
		pluginID: pluginID,
		queue:    make(chan *delivery, b.cfg.QueueDepth),
		done:     make(chan struct{}),
	}
	b.routes[pluginID] = r

	go b.deliverLoop(r)
}

// SetHandler installs the message handler for a registered plugin. A nil
// handler uninstalls it; inbound messages then fail as responses.
func (b *Broker) SetHandler(pluginID string, handler Handler) error {
	b.mu.RLock()
	r, ok := b.routes[pluginID]
	b.mu.RUnlock()

	if !ok {
		return wardenerr.New(wardenerr.CodeBrokerUnknownRecipient,
			"plugin has no broker route", wardenerr.FieldPlugin(pluginID))
	}

	r.mu.Lock()
	r.handler = handler
	r.mu.Unlock()
	return nil
}

// Unregister tears down the plugin's route. In-flight deliveries drain as
// failed responses.
func (b *Broker) Unregister(pluginID string) {
	b.mu.Lock()
	r, ok := b.routes[pluginID]
	if ok {
		delete(b.routes, pluginID)
	}
	b.mu.Unlock()

	if ok {
		close(r.done)
	}
}

// Send validates, rate limits, and delivers msg, blocking until the
// recipient's response, the handler timeout, or ctx cancellation. The
// returned error covers broker-level rejections only; handler-level failures
// come back as a Response with Success false.
func (b *Broker) Send(ctx context.Context, msg *Message) (*Response, error) {
	if err := b.validate(msg); err != nil {
		b.rejected.Add(1)
		return nil, err
	}

	b.mu.RLock()
	closed := b.closed
	_, senderKnown := b.routes[msg.Sender]
	recipient, recipientKnown := b.routes[msg.Recipient]
	b.mu.RUnlock()

	if closed {
		b.rejected.Add(1)
		return nil, wardenerr.New(wardenerr.CodeBrokerClosed, "broker is shut down")
	}
	if !senderKnown {
		b.rejected.Add(1)
		return nil, wardenerr.New(wardenerr.CodeBrokerUnknownSender,
			"sender is not a registered plugin", wardenerr.FieldPlugin(msg.Sender))
	}
	if !recipientKnown {
		b.rejected.Add(1)
		return nil, wardenerr.New(wardenerr.CodeBrokerUnknownRecipient,
			"recipient is not a registered plugin",
			wardenerr.FieldPlugin(msg.Sender),
			wardenerr.Field("recipient", msg.Recipient))
	}

	if b.limiter != nil {
		if err := b.limiter.Allow(msg.Sender, methodSendMessage); err != nil {
			b.rejected.Add(1)
			return nil, err
		}
	}

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	b.sent.Add(1)

	d := &delivery{ctx: ctx, msg: msg, reply: make(chan *Response, 1)}
	select {
	case recipient.queue <- d:
	case <-recipient.done:
		b.rejected.Add(1)
		return nil, wardenerr.New(wardenerr.CodeBrokerUnknownRecipient,
			"recipient unregistered during send",
			wardenerr.Field("recipient", msg.Recipient))
	case <-ctx.Done():
		b.rejected.Add(1)
		return nil, wardenerr.Wrap(ctx.Err(), wardenerr.CodeBrokerHandlerTimeout,
			"waiting for recipient queue", wardenerr.Field("recipient", msg.Recipient))
	}

	select {
	case resp := <-d.reply:
		return resp, nil
	case <-ctx.Done():
		return nil, wardenerr.Wrap(ctx.Err(), wardenerr.CodeBrokerHandlerTimeout,
			"waiting for response", wardenerr.Field("recipient", msg.Recipient))
	}
}

// Stats returns a snapshot of the broker counters.
func (b *Broker) Stats() Stats {
	return Stats{
		Sent:            b.sent.Load(),
		Delivered:       b.delivered.Load(),
		HandlerFailures: b.handlerFailures.Load(),
		HandlerTimeouts: b.handlerTimeouts.Load(),
		Rejected:        b.rejected.Load(),
	}
}

// Registered reports whether pluginID currently has a route.
func (b *Broker) Registered(pluginID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.routes[pluginID]
	return ok
}

// Close shuts the broker down. All routes drain as failures.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, r := range b.routes {
		close(r.done)
		delete(b.routes, id)
	}
}

func (b *Broker) validate(msg *Message) error {
	if msg == nil {
		return wardenerr.New(wardenerr.CodeSecurityInvalidInput, "nil message")
	}
	if msg.Sender == "" || msg.Recipient == "" {
		return wardenerr.New(wardenerr.CodeSecurityInvalidInput,
			"message requires sender and recipient")
	}
	if len(msg.Payload) > b.cfg.MaxPayloadBytes {
		return wardenerr.New(wardenerr.CodeBrokerPayloadTooLarge,
			"message payload exceeds limit",
			wardenerr.FieldPlugin(msg.Sender),
			wardenerr.Field("payload_bytes", len(msg.Payload)),
			wardenerr.Field("max_payload_bytes", b.cfg.MaxPayloadBytes))
	}
	return nil
}

// deliverLoop is the single consumer for one recipient. One message at a
// time: per-recipient ordering is a delivery invariant.
func (b *Broker) deliverLoop(r *route) {
	for {
		select {
		case d := <-r.queue:
			d.reply <- b.invoke(r, d)
		case <-r.done:
			// Fail whatever is still queued.
			for {
				select {
				case d := <-r.queue:
					d.reply <- &Response{
						MessageID: d.msg.ID,
						Success:   false,
						Error:     "recipient unregistered",
					}
				default:
					return
				}
			}
		}
	}
}

func (b *Broker) invoke(r *route, d *delivery) *Response {
	r.mu.RLock()
	handler := r.handler
	r.mu.RUnlock()

	if handler == nil {
		b.handlerFailures.Add(1)
		return &Response{MessageID: d.msg.ID, Success: false, Error: "recipient has no message handler"}
	}

	ctx, cancel := context.WithTimeout(d.ctx, b.cfg.HandlerTimeout)
	defer cancel()

	type result struct {
		resp *Response
		err  error
	}
	resultCh := make(chan result, 1)

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				resultCh <- result{err: fmt.Errorf("handler panic: %v", rec)}
			}
		}()
		resp, err := handler(ctx, d.msg)
		resultCh <- result{resp: resp, err: err}
	}()

	select {
	case res := <-resultCh:
		if res.err != nil {
			b.handlerFailures.Add(1)
			b.logger.Warn("message handler failed",
				"recipient", r.pluginID, "message_id", d.msg.ID, "error", res.err)
			return &Response{MessageID: d.msg.ID, Success: false, Error: res.err.Error()}
		}
		resp := res.resp
		if resp == nil {
			resp = &Response{Success: true}
		}
		resp.MessageID = d.msg.ID
		b.delivered.Add(1)
		return resp
	case <-ctx.Done():
		b.handlerTimeouts.Add(1)
		b.logger.Warn("message handler timed out",
			"recipient", r.pluginID, "message_id", d.msg.ID, "timeout", b.cfg.HandlerTimeout)
		return &Response{MessageID: d.msg.ID, Success: false, Error: "handler timeout"}
	}
}
