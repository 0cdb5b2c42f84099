// Package bridge translates between Ethernet frames on a tunnel interface
// and radio envelopes.
//
// Outbound frames are classified by the multicast bit of their destination
// address: broadcast and multicast frames go to the mesh broadcast address,
// unicast frames are resolved through the node table and dropped when the
// destination is unknown. Inbound envelopes teach the node table about their
// sender and are written to the tunnel while the interface is up. All drops
// are per-packet; nothing here is fatal to the bridge.
package bridge

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/paralin/xbee-netdev/core"
	"github.com/paralin/xbee-netdev/core/codec"
	"github.com/paralin/xbee-netdev/core/nodetable"
	"github.com/paralin/xbee-netdev/device/xbee"
	"github.com/paralin/xbee-netdev/transport"
)

const (
	// DefaultCluster carries bridged Ethernet frames.
	DefaultCluster uint16 = 0x0E70
	// DefaultEndpoint is the source and destination endpoint for bridged
	// frames.
	DefaultEndpoint byte = 0xE9

	// EthernetHeaderSize is the destination, source and EtherType prefix.
	EthernetHeaderSize = 14
	// DefaultMaxFrameSize is the largest Ethernet frame bridged: the tunnel
	// MTU plus the Ethernet header.
	DefaultMaxFrameSize = codec.DataMTU + EthernetHeaderSize
)

// Reasons HandleOutbound drops a frame.
var (
	ErrNoRadio       = errors.New("bridge: no radio")
	ErrFrameTooShort = errors.New("bridge: frame shorter than ethernet header")
	ErrFrameTooLarge = errors.New("bridge: frame exceeds maximum size")
	ErrUnresolved    = errors.New("bridge: destination not in node table")
	ErrInterfaceDown = errors.New("bridge: interface down")
	ErrNoTunnel      = errors.New("bridge: no tunnel attached")
	ErrEmptyEnvelope = errors.New("bridge: envelope has no payload")
)

// Radio is the transmit side of the radio used by the bridge. *xbee.Device
// implements it.
type Radio interface {
	SendEnvelope(env *xbee.Envelope) error
	Address() core.MeshAddress
}

var _ Radio = (*xbee.Device)(nil)

// Class is the delivery class of an outbound frame.
type Class int

const (
	ClassUnicast Class = iota
	ClassBroadcast
)

func (c Class) String() string {
	if c == ClassBroadcast {
		return "broadcast"
	}
	return "unicast"
}

// Classify returns ClassBroadcast when the group bit of dst is set. Both
// broadcast and multicast destinations are flooded to the mesh.
func Classify(dst net.HardwareAddr) Class {
	if len(dst) > 0 && dst[0]&0x01 != 0 {
		return ClassBroadcast
	}
	return ClassUnicast
}

// Config configures a Bridge.
type Config struct {
	// ARPProxy answers ARP requests for the tunnel's own IPv4 address
	// locally instead of delivering them.
	ARPProxy bool
	// Profile is the envelope profile. Default: codec.ProfileDigi.
	Profile uint16
	// Cluster is the envelope cluster. Default: DefaultCluster.
	Cluster uint16
	// Endpoint is the envelope endpoint. Default: DefaultEndpoint.
	Endpoint byte
	// MaxFrameSize bounds bridged Ethernet frames. Default: DefaultMaxFrameSize.
	MaxFrameSize int
	// Logger for bridge events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Bridge moves frames between one radio and one tunnel interface.
type Bridge struct {
	cfg   Config
	log   *slog.Logger
	radio Radio
	nodes *nodetable.Table

	// txMu allows one envelope submission at a time.
	txMu sync.Mutex

	tunnelMu sync.RWMutex
	tunnel   transport.Tunnel

	up atomic.Bool

	stats counters
}

// New creates a Bridge. The tunnel is attached later with AttachTunnel,
// once the radio's address is known.
func New(radio Radio, nodes *nodetable.Table, cfg Config) *Bridge {
	if cfg.Profile == 0 {
		cfg.Profile = codec.ProfileDigi
	}
	if cfg.Cluster == 0 {
		cfg.Cluster = DefaultCluster
	}
	if cfg.Endpoint == 0 {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = DefaultMaxFrameSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		cfg:   cfg,
		log:   logger.WithGroup("bridge"),
		radio: radio,
		nodes: nodes,
	}
}

// EndpointKey returns the listener registration matching the envelopes this
// bridge sends.
func (b *Bridge) EndpointKey() xbee.EndpointKey {
	return xbee.EndpointKey{Profile: b.cfg.Profile, Cluster: b.cfg.Cluster, Endpoint: b.cfg.Endpoint}
}

// Nodes returns the bridge's node table.
func (b *Bridge) Nodes() *nodetable.Table {
	return b.nodes
}

// AttachTunnel sets the interface inbound frames are written to and marks
// the bridge up if the interface is.
func (b *Bridge) AttachTunnel(t transport.Tunnel) {
	b.tunnelMu.Lock()
	b.tunnel = t
	b.tunnelMu.Unlock()
	b.SetUp(t != nil && t.IsUp())
}

// DetachTunnel removes the tunnel and marks the bridge down.
func (b *Bridge) DetachTunnel() {
	b.SetUp(false)
	b.tunnelMu.Lock()
	b.tunnel = nil
	b.tunnelMu.Unlock()
}

func (b *Bridge) currentTunnel() transport.Tunnel {
	b.tunnelMu.RLock()
	defer b.tunnelMu.RUnlock()
	return b.tunnel
}

// SetUp records the interface state. Inbound frames are only delivered
// while up.
func (b *Bridge) SetUp(up bool) {
	if b.up.Swap(up) != up {
		b.log.Info("interface state changed", "up", up)
	}
}

// IsUp reports the recorded interface state.
func (b *Bridge) IsUp() bool {
	return b.up.Load()
}

// HandleOutbound bridges one Ethernet frame read from the tunnel. A non-nil
// error describes why the frame was dropped; it is never fatal.
func (b *Bridge) HandleOutbound(frame []byte) error {
	if b.radio == nil {
		return b.dropOut(ErrNoRadio)
	}
	if len(frame) < EthernetHeaderSize {
		return b.dropOut(fmt.Errorf("%w: %d bytes", ErrFrameTooShort, len(frame)))
	}
	if len(frame) > b.cfg.MaxFrameSize {
		return b.dropOut(fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(frame), b.cfg.MaxFrameSize))
	}

	dst := net.HardwareAddr(frame[0:6])
	env := b.envelope(frame)
	switch Classify(dst) {
	case ClassBroadcast:
		env.Dest = core.BroadcastAddress
		env.Broadcast = true
		b.stats.txBroadcast.Add(1)
	default:
		node, ok := b.nodes.ResolveByLinkAddress(dst)
		if !ok {
			b.stats.unresolved.Add(1)
			return b.dropOut(fmt.Errorf("%w: %s", ErrUnresolved, dst))
		}
		env.Dest = node.Addr
		env.DestNetwork = node.NetworkAddr
		b.stats.txUnicast.Add(1)
	}
	return b.transmit(env)
}

func (b *Bridge) envelope(payload []byte) *xbee.Envelope {
	return &xbee.Envelope{
		DestNetwork: core.NetworkAddressUnknown,
		Profile:     b.cfg.Profile,
		Cluster:     b.cfg.Cluster,
		SrcEndpoint: b.cfg.Endpoint,
		DstEndpoint: b.cfg.Endpoint,
		Options:     codec.TxOptionNone,
		Payload:     payload,
	}
}

// transmit submits env under the bridge transmit lock.
func (b *Bridge) transmit(env *xbee.Envelope) error {
	b.txMu.Lock()
	err := b.radio.SendEnvelope(env)
	b.txMu.Unlock()

	if err != nil {
		b.stats.txErrors.Add(1)
		b.log.Warn("transmit failed", "dest", env.Dest, "len", len(env.Payload), "error", err)
		return err
	}
	b.stats.txFrames.Add(1)
	b.stats.txBytes.Add(uint64(len(env.Payload)))
	return nil
}

func (b *Bridge) dropOut(err error) error {
	b.stats.txDropped.Add(1)
	b.log.Debug("dropping outbound frame", "reason", err)
	return err
}

// HandleInbound processes an envelope received on the bridge endpoint.
func (b *Bridge) HandleInbound(env *xbee.Envelope) {
	if env == nil || len(env.Payload) == 0 {
		b.dropIn(ErrEmptyEnvelope)
		return
	}

	b.nodes.Observe(nodetable.Entry{Addr: env.Source, NetworkAddr: env.SourceNetwork})
	b.stats.rxFrames.Add(1)

	if b.cfg.ARPProxy && b.proxyARP(env) {
		return
	}

	if !b.up.Load() {
		b.dropIn(ErrInterfaceDown)
		return
	}
	tun := b.currentTunnel()
	if tun == nil {
		b.dropIn(ErrNoTunnel)
		return
	}
	if _, err := tun.Write(env.Payload); err != nil {
		b.stats.rxErrors.Add(1)
		b.log.Warn("tunnel write failed", "interface", tun.Name(), "error", err)
		return
	}
	b.stats.rxBytes.Add(uint64(len(env.Payload)))
}

func (b *Bridge) dropIn(err error) {
	b.stats.rxDropped.Add(1)
	b.log.Debug("dropping inbound envelope", "reason", err)
}
