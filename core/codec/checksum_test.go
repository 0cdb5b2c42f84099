package codec

import (
	"testing"
)

func TestChecksum(t *testing.T) {
	tests := []struct {
		name     string
		data     []byte
		expected byte
	}{
		{
			name:     "empty data",
			data:     []byte{},
			expected: 0xFF,
		},
		{
			name:     "single byte zero",
			data:     []byte{0x00},
			expected: 0xFF,
		},
		{
			// AT command "NJ" with frame ID 1, from the radio's API reference.
			name:     "local AT command NJ",
			data:     []byte{0x08, 0x01, 0x4E, 0x4A},
			expected: 0x5E,
		},
		{
			name:     "sum wraps",
			data:     []byte{0xFF, 0x02},
			expected: 0xFE,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Checksum(tt.data)
			if result != tt.expected {
				t.Errorf("Checksum(%v) = %02x, want %02x", tt.data, result, tt.expected)
			}
		})
	}
}

func TestValidChecksum(t *testing.T) {
	data := []byte{0x08, 0x01, 0x4E, 0x4A}
	if !ValidChecksum(data, 0x5E) {
		t.Error("ValidChecksum() = false for correct checksum")
	}
	if ValidChecksum(data, 0x5F) {
		t.Error("ValidChecksum() = true for wrong checksum")
	}
}
