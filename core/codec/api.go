package codec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/paralin/xbee-netdev/core"
)

// API frame types.
const (
	FrameATCommand          byte = 0x08 // Local AT command, applied immediately
	FrameATCommandQueue     byte = 0x09 // Local AT command, queued until AC
	FrameTransmitRequest    byte = 0x10 // Data transmit to a 64-bit address
	FrameExplicitTx         byte = 0x11 // Data transmit with explicit addressing
	FrameATResponse         byte = 0x88 // Local AT command response
	FrameModemStatus        byte = 0x8A // Unsolicited modem status
	FrameTxStatus           byte = 0x8B // Delivery status for 0x10/0x11
	FrameReceivePacket      byte = 0x90 // Data received (AO=0)
	FrameExplicitRx         byte = 0x91 // Data received with explicit addressing (AO=1)
	FrameNodeIdentification byte = 0x95 // Node identification broadcast (AO=0)
)

// Profile, endpoint and cluster values used by the firmware.
const (
	// ProfileDigi is the Digi drop-in networking profile.
	ProfileDigi uint16 = 0xC105
	// EndpointDigiData is the endpoint the firmware uses for its own data.
	EndpointDigiData byte = 0xE8
	// ClusterNodeIdentification carries node identification messages when
	// explicit addressing output (AO=1) is enabled.
	ClusterNodeIdentification uint16 = 0x0095

	// BroadcastRadius of zero lets the firmware use its maximum hop count.
	BroadcastRadius byte = 0x00
	// TxOptionNone requests default delivery (acknowledged unicast).
	TxOptionNone byte = 0x00
)

// RX option bits.
const (
	RxOptionAcknowledged byte = 0x01
	RxOptionBroadcast    byte = 0x02
)

var ErrShortFrame = errors.New("api frame too short")

// ATStatus is the command status field of an AT command response.
type ATStatus byte

const (
	ATStatusOK               ATStatus = 0
	ATStatusError            ATStatus = 1
	ATStatusInvalidCommand   ATStatus = 2
	ATStatusInvalidParameter ATStatus = 3
	ATStatusTxFailure        ATStatus = 4
)

func (s ATStatus) String() string {
	switch s {
	case ATStatusOK:
		return "ok"
	case ATStatusError:
		return "error"
	case ATStatusInvalidCommand:
		return "invalid command"
	case ATStatusInvalidParameter:
		return "invalid parameter"
	case ATStatusTxFailure:
		return "tx failure"
	default:
		return fmt.Sprintf("status(%d)", byte(s))
	}
}

// ATCommand is a local AT command frame (0x08).
type ATCommand struct {
	FrameID byte
	Command [2]byte
	Param   []byte
}

// NewATCommand creates an AT command from a two-character name.
func NewATCommand(frameID byte, name string, param []byte) ATCommand {
	var cmd [2]byte
	copy(cmd[:], name)
	return ATCommand{FrameID: frameID, Command: cmd, Param: param}
}

// Payload returns the frame data following the frame type byte.
func (c ATCommand) Payload() []byte {
	out := make([]byte, 0, 3+len(c.Param))
	out = append(out, c.FrameID, c.Command[0], c.Command[1])
	return append(out, c.Param...)
}

// ATResponse is a local AT command response frame (0x88).
type ATResponse struct {
	FrameID byte
	Command [2]byte
	Status  ATStatus
	Data    []byte
}

// Name returns the two-character command name.
func (r *ATResponse) Name() string {
	return string(r.Command[:])
}

// ParseATResponse parses the payload of a 0x88 frame.
func ParseATResponse(payload []byte) (*ATResponse, error) {
	if len(payload) < 4 {
		return nil, fmt.Errorf("%w: at response needs 4 bytes, got %d", ErrShortFrame, len(payload))
	}
	r := &ATResponse{
		FrameID: payload[0],
		Command: [2]byte{payload[1], payload[2]},
		Status:  ATStatus(payload[3]),
		Data:    append([]byte(nil), payload[4:]...),
	}
	return r, nil
}

// ExplicitTx is an explicit addressing transmit request (0x11).
type ExplicitTx struct {
	FrameID     byte
	Dest        core.MeshAddress
	DestNetwork uint16
	SrcEndpoint byte
	DstEndpoint byte
	Cluster     uint16
	Profile     uint16
	Radius      byte
	Options     byte
	Data        []byte
}

// ExplicitTxHeaderSize is the number of payload bytes before Data.
const ExplicitTxHeaderSize = 19

// Payload returns the frame data following the frame type byte.
func (t ExplicitTx) Payload() []byte {
	out := make([]byte, ExplicitTxHeaderSize, ExplicitTxHeaderSize+len(t.Data))
	out[0] = t.FrameID
	copy(out[1:9], t.Dest[:])
	binary.BigEndian.PutUint16(out[9:11], t.DestNetwork)
	out[11] = t.SrcEndpoint
	out[12] = t.DstEndpoint
	binary.BigEndian.PutUint16(out[13:15], t.Cluster)
	binary.BigEndian.PutUint16(out[15:17], t.Profile)
	out[17] = t.Radius
	out[18] = t.Options
	return append(out, t.Data...)
}

// ParseExplicitTx parses the payload of a 0x11 frame.
func ParseExplicitTx(payload []byte) (*ExplicitTx, error) {
	if len(payload) < ExplicitTxHeaderSize {
		return nil, fmt.Errorf("%w: explicit tx needs %d bytes, got %d", ErrShortFrame, ExplicitTxHeaderSize, len(payload))
	}
	t := &ExplicitTx{
		FrameID:     payload[0],
		DestNetwork: binary.BigEndian.Uint16(payload[9:11]),
		SrcEndpoint: payload[11],
		DstEndpoint: payload[12],
		Cluster:     binary.BigEndian.Uint16(payload[13:15]),
		Profile:     binary.BigEndian.Uint16(payload[15:17]),
		Radius:      payload[17],
		Options:     payload[18],
		Data:        append([]byte(nil), payload[ExplicitTxHeaderSize:]...),
	}
	copy(t.Dest[:], payload[1:9])
	return t, nil
}

// ExplicitRx is an explicit addressing receive indicator (0x91).
type ExplicitRx struct {
	Source        core.MeshAddress
	SourceNetwork uint16
	SrcEndpoint   byte
	DstEndpoint   byte
	Cluster       uint16
	Profile       uint16
	Options       byte
	Data          []byte
}

// ExplicitRxHeaderSize is the number of payload bytes before Data.
const ExplicitRxHeaderSize = 17

// IsBroadcast reports whether the packet was sent as a broadcast.
func (r *ExplicitRx) IsBroadcast() bool {
	return r.Options&RxOptionBroadcast != 0
}

// Payload returns the frame data following the frame type byte.
func (r ExplicitRx) Payload() []byte {
	out := make([]byte, ExplicitRxHeaderSize, ExplicitRxHeaderSize+len(r.Data))
	copy(out[0:8], r.Source[:])
	binary.BigEndian.PutUint16(out[8:10], r.SourceNetwork)
	out[10] = r.SrcEndpoint
	out[11] = r.DstEndpoint
	binary.BigEndian.PutUint16(out[12:14], r.Cluster)
	binary.BigEndian.PutUint16(out[14:16], r.Profile)
	out[16] = r.Options
	return append(out, r.Data...)
}

// ParseExplicitRx parses the payload of a 0x91 frame.
func ParseExplicitRx(payload []byte) (*ExplicitRx, error) {
	if len(payload) < ExplicitRxHeaderSize {
		return nil, fmt.Errorf("%w: explicit rx needs %d bytes, got %d", ErrShortFrame, ExplicitRxHeaderSize, len(payload))
	}
	r := &ExplicitRx{
		SourceNetwork: binary.BigEndian.Uint16(payload[8:10]),
		SrcEndpoint:   payload[10],
		DstEndpoint:   payload[11],
		Cluster:       binary.BigEndian.Uint16(payload[12:14]),
		Profile:       binary.BigEndian.Uint16(payload[14:16]),
		Options:       payload[16],
		Data:          append([]byte(nil), payload[ExplicitRxHeaderSize:]...),
	}
	copy(r.Source[:], payload[0:8])
	return r, nil
}

// TxStatus is a transmit status frame (0x8B).
type TxStatus struct {
	FrameID         byte
	DestNetwork     uint16
	Retries         byte
	DeliveryStatus  byte
	DiscoveryStatus byte
}

// Delivered reports whether the firmware acknowledged delivery.
func (s *TxStatus) Delivered() bool {
	return s.DeliveryStatus == 0
}

// ParseTxStatus parses the payload of a 0x8B frame.
func ParseTxStatus(payload []byte) (*TxStatus, error) {
	if len(payload) < 6 {
		return nil, fmt.Errorf("%w: tx status needs 6 bytes, got %d", ErrShortFrame, len(payload))
	}
	return &TxStatus{
		FrameID:         payload[0],
		DestNetwork:     binary.BigEndian.Uint16(payload[1:3]),
		Retries:         payload[3],
		DeliveryStatus:  payload[4],
		DiscoveryStatus: payload[5],
	}, nil
}

// ModemStatus is an unsolicited modem status value (0x8A).
type ModemStatus byte

const (
	ModemHardwareReset     ModemStatus = 0x00
	ModemWatchdogReset     ModemStatus = 0x01
	ModemJoinedNetwork     ModemStatus = 0x02
	ModemDisassociated     ModemStatus = 0x03
	ModemCoordinatorStart  ModemStatus = 0x06
	ModemKeyUpdated        ModemStatus = 0x07
	ModemVoltageExceeded   ModemStatus = 0x0D
	ModemConfigChangedJoin ModemStatus = 0x11
)

func (s ModemStatus) String() string {
	switch s {
	case ModemHardwareReset:
		return "hardware reset"
	case ModemWatchdogReset:
		return "watchdog reset"
	case ModemJoinedNetwork:
		return "joined network"
	case ModemDisassociated:
		return "disassociated"
	case ModemCoordinatorStart:
		return "coordinator started"
	case ModemKeyUpdated:
		return "security key updated"
	case ModemVoltageExceeded:
		return "supply voltage exceeded"
	case ModemConfigChangedJoin:
		return "configuration changed while joining"
	default:
		return fmt.Sprintf("modem status 0x%02x", byte(s))
	}
}

// ParseModemStatus parses the payload of a 0x8A frame.
func ParseModemStatus(payload []byte) (ModemStatus, error) {
	if len(payload) < 1 {
		return 0, fmt.Errorf("%w: modem status is empty", ErrShortFrame)
	}
	return ModemStatus(payload[0]), nil
}

// NodeRecord is a node identification record. The same layout is carried
// by ND responses, 0x95 frames (after their 11-byte sender header) and
// explicit receives on ClusterNodeIdentification.
type NodeRecord struct {
	Network      uint16
	Addr         core.MeshAddress
	Name         string
	Parent       uint16
	DeviceType   byte
	Event        byte
	Profile      uint16
	Manufacturer uint16
}

// nodeRecordMinSize covers the network and IEEE addresses plus the NI
// terminator.
const nodeRecordMinSize = 2 + 8 + 1

// nodeIdentificationHeaderSize is sender64 + sender16 + receive options.
const nodeIdentificationHeaderSize = 11

// ParseNodeRecord parses a node identification record. Fields after the
// node identifier string are optional; older firmware omits them.
func ParseNodeRecord(data []byte) (*NodeRecord, error) {
	if len(data) < nodeRecordMinSize {
		return nil, fmt.Errorf("%w: node record needs %d bytes, got %d", ErrShortFrame, nodeRecordMinSize, len(data))
	}
	rec := &NodeRecord{
		Network: binary.BigEndian.Uint16(data[0:2]),
	}
	copy(rec.Addr[:], data[2:10])

	rest := data[10:]
	end := bytes.IndexByte(rest, 0)
	if end < 0 {
		rec.Name = string(rest)
		return rec, nil
	}
	rec.Name = string(rest[:end])
	rest = rest[end+1:]

	if len(rest) >= 2 {
		rec.Parent = binary.BigEndian.Uint16(rest[0:2])
		rest = rest[2:]
	}
	if len(rest) >= 2 {
		rec.DeviceType = rest[0]
		rec.Event = rest[1]
		rest = rest[2:]
	}
	if len(rest) >= 4 {
		rec.Profile = binary.BigEndian.Uint16(rest[0:2])
		rec.Manufacturer = binary.BigEndian.Uint16(rest[2:4])
	}
	return rec, nil
}

// AppendNodeRecord appends the wire form of rec to dst.
func AppendNodeRecord(dst []byte, rec *NodeRecord) []byte {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], rec.Network)
	dst = append(dst, buf[:]...)
	dst = append(dst, rec.Addr[:]...)
	dst = append(dst, rec.Name...)
	dst = append(dst, 0)
	binary.BigEndian.PutUint16(buf[:], rec.Parent)
	dst = append(dst, buf[:]...)
	dst = append(dst, rec.DeviceType, rec.Event)
	binary.BigEndian.PutUint16(buf[:], rec.Profile)
	dst = append(dst, buf[:]...)
	binary.BigEndian.PutUint16(buf[:], rec.Manufacturer)
	return append(dst, buf[:]...)
}

// ParseNodeIdentification parses the payload of a 0x95 frame.
func ParseNodeIdentification(payload []byte) (*NodeRecord, error) {
	if len(payload) < nodeIdentificationHeaderSize {
		return nil, fmt.Errorf("%w: node identification needs %d bytes, got %d",
			ErrShortFrame, nodeIdentificationHeaderSize, len(payload))
	}
	return ParseNodeRecord(payload[nodeIdentificationHeaderSize:])
}
