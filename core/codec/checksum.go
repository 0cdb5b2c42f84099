package codec

// Checksum computes the API frame checksum over the unescaped frame data
// (frame type plus payload): 0xFF minus the low byte of the byte sum.
func Checksum(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum += b
	}
	return 0xFF - sum
}

// ValidChecksum reports whether received is the checksum of data.
// Equivalently, the sum of data plus the checksum byte is 0xFF.
func ValidChecksum(data []byte, received byte) bool {
	return Checksum(data) == received
}
