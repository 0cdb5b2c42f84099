package xbee

import "sync/atomic"

// Counters tracks device traffic using atomic counters.
// All fields are safe for concurrent access.
type Counters struct {
	FramesRx       atomic.Uint64 // Valid API frames received
	FramesTx       atomic.Uint64 // API frames written to the port
	FramesInvalid  atomic.Uint64 // Frames discarded by the decoder
	TxErrors       atomic.Uint64 // Port write failures
	TxDropped      atomic.Uint64 // Frames rejected before transmit (oversized)
	TxNotDelivered atomic.Uint64 // Transmit status reports with a failure
	Unhandled      atomic.Uint64 // Frames of a type nothing consumes
}

// CountersSnapshot is a plain-value copy of Counters for reading.
type CountersSnapshot struct {
	FramesRx       uint64 `json:"frames_rx"`
	FramesTx       uint64 `json:"frames_tx"`
	FramesInvalid  uint64 `json:"frames_invalid"`
	TxErrors       uint64 `json:"tx_errors"`
	TxDropped      uint64 `json:"tx_dropped"`
	TxNotDelivered uint64 `json:"tx_not_delivered"`
	Unhandled      uint64 `json:"unhandled"`
}

// Snapshot returns a point-in-time copy of all counters.
func (c *Counters) Snapshot() CountersSnapshot {
	return CountersSnapshot{
		FramesRx:       c.FramesRx.Load(),
		FramesTx:       c.FramesTx.Load(),
		FramesInvalid:  c.FramesInvalid.Load(),
		TxErrors:       c.TxErrors.Load(),
		TxDropped:      c.TxDropped.Load(),
		TxNotDelivered: c.TxNotDelivered.Load(),
		Unhandled:      c.Unhandled.Load(),
	}
}
