// Copyright 2026 The Atrium Authors
// SPDX-License-Identifier: Apache-2.0

package capture

import "fmt"

// ErrorKind classifies acquisition failures so callers can show the
// right guidance instead of a raw device error.
type ErrorKind int

const (
	// KindPermissionDenied means the user or OS refused capture
	// permission.
	KindPermissionDenied ErrorKind = iota

	// KindNotFound means the requested device or surface is gone.
	KindNotFound

	// KindNotSupported means the platform cannot capture at all.
	KindNotSupported

	// KindDeviceUnreadable means the device exists but produced no
	// usable media, typically because another process holds it.
	KindDeviceUnreadable
)

func (k ErrorKind) String() string {
	switch k {
	case KindPermissionDenied:
		return "permission_denied"
	case KindNotFound:
		return "not_found"
	case KindNotSupported:
		return "not_supported"
	case KindDeviceUnreadable:
		return "device_unreadable"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// Error is a classified acquisition failure.
type Error struct {
	Kind   ErrorKind
	Device string
	Err    error
}

func (e *Error) Error() string {
	if e.Device != "" {
		return fmt.Sprintf("capture %s: %s: %v", e.Device, e.Kind, e.Err)
	}
	return fmt.Sprintf("capture: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Guidance returns a sentence suitable for showing to the user.
func (e *Error) Guidance() string {
	switch e.Kind {
	case KindPermissionDenied:
		return "Screen capture permission was denied. Grant capture access in your system settings and try again."
	case KindNotFound:
		return "The selected screen or window is no longer available. Pick another source."
	case KindNotSupported:
		return "Screen capture is not supported on this platform."
	case KindDeviceUnreadable:
		return "The capture device did not produce any media. Close other applications using it and try again."
	default:
		return "Screen capture failed."
	}
}
