// Package core holds the address types shared by the codec, node table and
// bridge packages.
package core

import (
	"encoding/hex"
	"fmt"
	"net"
	"strings"
)

// MeshAddressSize is the length of an IEEE 64-bit radio address.
const MeshAddressSize = 8

// LinkAddressSize is the length of the Ethernet-style address synthesized
// from the low bytes of a MeshAddress.
const LinkAddressSize = 6

// NetworkAddressUnknown is the 16-bit network address used when the
// destination's short address is not known; the firmware resolves it.
const NetworkAddressUnknown uint16 = 0xFFFE

// MeshAddress is the 8-byte hardware address of a radio node, stored
// big-endian exactly as it appears in API frames.
type MeshAddress [MeshAddressSize]byte

// BroadcastAddress is the reserved mesh-wide broadcast address.
var BroadcastAddress = MeshAddress{0, 0, 0, 0, 0, 0, 0xFF, 0xFF}

// String returns the colon-separated hex form, e.g. 00:13:a2:00:40:0a:01:27.
func (a MeshAddress) String() string {
	var sb strings.Builder
	sb.Grow(MeshAddressSize*3 - 1)
	for i, b := range a {
		if i > 0 {
			sb.WriteByte(':')
		}
		sb.WriteString(hex.EncodeToString([]byte{b}))
	}
	return sb.String()
}

// Bytes returns a copy of the address as a slice.
func (a MeshAddress) Bytes() []byte {
	b := make([]byte, MeshAddressSize)
	copy(b, a[:])
	return b
}

// IsZero returns true if the address is all zeros (uninitialized).
func (a MeshAddress) IsZero() bool {
	return a == MeshAddress{}
}

// IsBroadcast reports whether a is the mesh broadcast address.
func (a MeshAddress) IsBroadcast() bool {
	return a == BroadcastAddress
}

// LinkAddr returns the low 6 bytes of the address as an Ethernet hardware
// address. This is the address the tunnel interface presents for the node.
func (a MeshAddress) LinkAddr() net.HardwareAddr {
	hw := make(net.HardwareAddr, LinkAddressSize)
	copy(hw, a[MeshAddressSize-LinkAddressSize:])
	return hw
}

// HasSuffix reports whether the low n = min(len(b), 8) bytes of the address
// equal b[:n]. An empty b never matches.
func (a MeshAddress) HasSuffix(b []byte) bool {
	n := len(b)
	if n == 0 {
		return false
	}
	if n > MeshAddressSize {
		n = MeshAddressSize
	}
	for i := 0; i < n; i++ {
		if a[MeshAddressSize-n+i] != b[i] {
			return false
		}
	}
	return true
}

// MeshAddressFromBytes copies the first 8 bytes of b into a MeshAddress.
func MeshAddressFromBytes(b []byte) (MeshAddress, error) {
	var a MeshAddress
	if len(b) < MeshAddressSize {
		return a, fmt.Errorf("invalid length: expected %d bytes, got %d", MeshAddressSize, len(b))
	}
	copy(a[:], b)
	return a, nil
}

// ParseMeshAddress parses a hex address with optional ':' or '-' separators.
func ParseMeshAddress(s string) (MeshAddress, error) {
	var a MeshAddress
	clean := strings.NewReplacer(":", "", "-", "").Replace(s)
	raw, err := hex.DecodeString(clean)
	if err != nil {
		return a, fmt.Errorf("invalid hex string: %w", err)
	}
	if len(raw) != MeshAddressSize {
		return a, fmt.Errorf("invalid length: expected %d bytes, got %d", MeshAddressSize, len(raw))
	}
	copy(a[:], raw)
	return a, nil
}
