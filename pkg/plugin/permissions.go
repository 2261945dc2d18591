// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package plugin

// PermissionClass ranks how much consent a permission requires.
type PermissionClass int

const (
	// ClassNormal permissions are granted implicitly on load.
	ClassNormal PermissionClass = iota
	// ClassDangerous permissions require an explicit user grant before the
	// plugin may transition to ENABLED.
	ClassDangerous
	// ClassCritical permissions can never be granted. Declaring one blocks
	// enable unconditionally.
	ClassCritical
)

func (c PermissionClass) String() string {
	switch c {
	case ClassNormal:
		return "normal"
	case ClassDangerous:
		return "dangerous"
	case ClassCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Permission names accepted in manifests. The vocabulary is closed: anything
// not listed here fails manifest validation, so the permission pre-checker
// never sees an unclassified name.
const (
	PermStorage    = "STORAGE"
	PermLogger     = "LOGGER"
	PermSystemInfo = "SYSTEM_INFO"

	PermNetwork    = "NETWORK"
	PermFileSystem = "FILESYSTEM"
	PermCamera     = "CAMERA"
	PermBluetooth  = "BLUETOOTH"
	PermPrinter    = "PRINTER"
	PermMessaging  = "MESSAGING"
	PermUIRender   = "UI_RENDER"

	PermHostInternal   = "HOST_INTERNAL"
	PermProcessControl = "PROCESS_CONTROL"
	PermNativeExec     = "NATIVE_EXEC"
)

var permissionClasses = map[string]PermissionClass{
	PermStorage:    ClassNormal,
	PermLogger:     ClassNormal,
	PermSystemInfo: ClassNormal,

	PermNetwork:    ClassDangerous,
	PermFileSystem: ClassDangerous,
	PermCamera:     ClassDangerous,
	PermBluetooth:  ClassDangerous,
	PermPrinter:    ClassDangerous,
	PermMessaging:  ClassDangerous,
	PermUIRender:   ClassDangerous,

	PermHostInternal:   ClassCritical,
	PermProcessControl: ClassCritical,
	PermNativeExec:     ClassCritical,
}

// IsKnownPermission reports whether name is in the closed vocabulary.
func IsKnownPermission(name string) bool {
	_, ok := permissionClasses[name]
	return ok
}

// Classify returns the consent class for a permission name. Unknown names
// classify as critical: fail closed.
func Classify(name string) PermissionClass {
	class, ok := permissionClasses[name]
	if !ok {
		return ClassCritical
	}
	return class
}

// KnownPermissions returns the full permission vocabulary.
func KnownPermissions() []string {
	names := make([]string, 0, len(permissionClasses))
	for name := range permissionClasses {
		names = append(names, name)
	}
	return names
}

// DangerousPermissions filters declared to those requiring explicit consent.
func DangerousPermissions(declared []string) []string {
	var out []string
	for _, p := range declared {
		if Classify(p) == ClassDangerous {
			out = append(out, p)
		}
	}
	return out
}

// CriticalPermissions filters declared to those that can never be granted.
func CriticalPermissions(declared []string) []string {
	var out []string
	for _, p := range declared {
		if Classify(p) == ClassCritical {
			out = append(out, p)
		}
	}
	return out
}
