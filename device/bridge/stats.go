package bridge

import "sync/atomic"

type counters struct {
	txFrames    atomic.Uint64
	txBytes     atomic.Uint64
	txBroadcast atomic.Uint64
	txUnicast   atomic.Uint64
	txDropped   atomic.Uint64
	txErrors    atomic.Uint64
	unresolved  atomic.Uint64
	rxFrames    atomic.Uint64
	rxBytes     atomic.Uint64
	rxDropped   atomic.Uint64
	rxErrors    atomic.Uint64
	arpReplies  atomic.Uint64
}

// Stats is a point-in-time copy of the bridge's traffic counters.
type Stats struct {
	TxFrames    uint64 `json:"tx_frames"`
	TxBytes     uint64 `json:"tx_bytes"`
	TxBroadcast uint64 `json:"tx_broadcast"`
	TxUnicast   uint64 `json:"tx_unicast"`
	TxDropped   uint64 `json:"tx_dropped"`
	TxErrors    uint64 `json:"tx_errors"`
	Unresolved  uint64 `json:"unresolved"`
	RxFrames    uint64 `json:"rx_frames"`
	RxBytes     uint64 `json:"rx_bytes"`
	RxDropped   uint64 `json:"rx_dropped"`
	RxErrors    uint64 `json:"rx_errors"`
	ARPReplies  uint64 `json:"arp_replies"`
}

// Stats returns the bridge's counters.
func (b *Bridge) Stats() Stats {
	c := &b.stats
	return Stats{
		TxFrames:    c.txFrames.Load(),
		TxBytes:     c.txBytes.Load(),
		TxBroadcast: c.txBroadcast.Load(),
		TxUnicast:   c.txUnicast.Load(),
		TxDropped:   c.txDropped.Load(),
		TxErrors:    c.txErrors.Load(),
		Unresolved:  c.unresolved.Load(),
		RxFrames:    c.rxFrames.Load(),
		RxBytes:     c.rxBytes.Load(),
		RxDropped:   c.rxDropped.Load(),
		RxErrors:    c.rxErrors.Load(),
		ARPReplies:  c.arpReplies.Load(),
	}
}
