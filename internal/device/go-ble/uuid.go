package goble

import (
	"fmt"
	"strings"

	"github.com/go-ble/ble"
)

// sigBaseSuffix is the Bluetooth SIG base UUID after the 16-bit slot, without dashes.
const sigBaseSuffix = "00001000800000805f9b34fb"

// NormalizeUUID converts a UUID string to the go-ble format: lowercase, no dashes,
// no 0x prefix. A full 128-bit UUID in the SIG base range is shortened to its
// 16-bit form, so "0000180d-0000-1000-8000-00805f9b34fb" becomes "180d".
func NormalizeUUID(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.TrimPrefix(s, "0x")
	s = strings.ReplaceAll(s, "-", "")
	if len(s) == 32 && strings.HasPrefix(s, "0000") && strings.HasSuffix(s, sigBaseSuffix) {
		return s[4:8]
	}
	return s
}

// ValidateUUIDs normalizes characteristic UUIDs and rejects malformed ones.
func ValidateUUIDs(uuids ...string) ([]string, error) {
	result := make([]string, 0, len(uuids))
	for i, raw := range uuids {
		if strings.TrimSpace(raw) == "" {
			return nil, fmt.Errorf("UUID at index %d cannot be empty", i)
		}
		normalized := NormalizeUUID(raw)
		if _, err := ble.Parse(normalized); err != nil {
			return nil, fmt.Errorf("invalid UUID format at index %d: %s", i, raw)
		}
		result = append(result, normalized)
	}
	return result, nil
}
