package main

import (
	"errors"
	"strings"

	"github.com/srg/bleguard/pkg/device"
)

// FormatUserError turns an error chain into a single line a user can act on.
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}

	var cerr *device.ConnectionError
	if errors.As(err, &cerr) && cerr.Kind == device.KindAdapterUnavailable {
		if cerr.AdapterState == device.AdapterPoweredOff {
			return "Bluetooth is turned off. Turn it on and try again."
		}
		return "Bluetooth adapter is unavailable: " + err.Error()
	}
	if errors.Is(err, device.ErrUnsupported) {
		return "Bluetooth is not supported on this platform."
	}

	msg := err.Error()
	if msg == "" {
		return "unknown error"
	}
	// capitalize the first letter
	return strings.ToUpper(msg[:1]) + msg[1:]
}
