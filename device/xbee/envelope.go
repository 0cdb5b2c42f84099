package xbee

import (
	"errors"

	"github.com/paralin/xbee-netdev/core"
	"github.com/paralin/xbee-netdev/core/codec"
)

// ErrNoPayload is returned by SendEnvelope for an empty payload.
var ErrNoPayload = errors.New("xbee: envelope has no payload")

// Envelope is a message exchanged with the radio firmware, carrying
// explicit addressing metadata.
type Envelope struct {
	// Source is the sender's mesh address (receive only).
	Source core.MeshAddress
	// SourceNetwork is the sender's 16-bit address (receive only).
	SourceNetwork uint16
	// Dest is the destination mesh address (transmit only).
	Dest core.MeshAddress
	// DestNetwork is the destination's 16-bit address, or
	// core.NetworkAddressUnknown (transmit only).
	DestNetwork uint16

	Profile     uint16
	Cluster     uint16
	SrcEndpoint byte
	DstEndpoint byte
	Options     byte
	// Broadcast marks envelopes received as broadcasts. On transmit it
	// overrides Dest and DestNetwork with the broadcast addresses.
	Broadcast bool
	Payload   []byte
}

// EndpointKey identifies an envelope listener.
type EndpointKey struct {
	Profile  uint16
	Cluster  uint16
	Endpoint byte
}

// EnvelopeHandler receives envelopes for a registered endpoint. It runs on
// the receive path and must not block.
type EnvelopeHandler func(env *Envelope)

// RegisterEndpoint installs fn for envelopes matching key, replacing any
// previous handler. A nil fn removes the registration.
func (d *Device) RegisterEndpoint(key EndpointKey, fn EnvelopeHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if fn == nil {
		delete(d.endpoints, key)
		return
	}
	d.endpoints[key] = fn
}

// SendEnvelope transmits env as an explicit addressing frame. Delivery is
// not confirmed; failures are reported by transmit status frames and
// counted.
func (d *Device) SendEnvelope(env *Envelope) error {
	if len(env.Payload) == 0 {
		d.counters.TxDropped.Add(1)
		return ErrNoPayload
	}

	d.mu.Lock()
	id := d.allocFrameID()
	d.mu.Unlock()

	dest, network := env.Dest, env.DestNetwork
	if env.Broadcast {
		dest, network = core.BroadcastAddress, core.NetworkAddressUnknown
	}
	tx := codec.ExplicitTx{
		FrameID:     id,
		Dest:        dest,
		DestNetwork: network,
		SrcEndpoint: env.SrcEndpoint,
		DstEndpoint: env.DstEndpoint,
		Cluster:     env.Cluster,
		Profile:     env.Profile,
		Radius:      codec.BroadcastRadius,
		Options:     env.Options,
		Data:        env.Payload,
	}
	return d.SendFrame(codec.FrameExplicitTx, tx.Payload())
}

func (d *Device) handleExplicitRx(rx *codec.ExplicitRx) {
	if rx.DstEndpoint == codec.EndpointDigiData && rx.Cluster == codec.ClusterNodeIdentification {
		rec, err := codec.ParseNodeRecord(rx.Data)
		if err != nil {
			d.log.Debug("bad node identification", "source", rx.Source, "error", err)
			return
		}
		d.handleNode(rec)
		return
	}

	key := EndpointKey{Profile: rx.Profile, Cluster: rx.Cluster, Endpoint: rx.DstEndpoint}
	d.mu.Lock()
	fn := d.endpoints[key]
	d.mu.Unlock()
	if fn == nil {
		d.counters.Unhandled.Add(1)
		d.log.Debug("no endpoint for envelope",
			"profile", key.Profile, "cluster", key.Cluster, "endpoint", key.Endpoint)
		return
	}

	fn(&Envelope{
		Source:        rx.Source,
		SourceNetwork: rx.SourceNetwork,
		Profile:       rx.Profile,
		Cluster:       rx.Cluster,
		SrcEndpoint:   rx.SrcEndpoint,
		DstEndpoint:   rx.DstEndpoint,
		Options:       rx.Options,
		Broadcast:     rx.IsBroadcast(),
		Payload:       rx.Data,
	})
}
