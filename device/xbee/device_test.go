package xbee

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/paralin/xbee-netdev/core"
	"github.com/paralin/xbee-netdev/core/clock"
	"github.com/paralin/xbee-netdev/core/codec"
)

// fakePort records every write.
type fakePort struct {
	mu     sync.Mutex
	writes [][]byte
	err    error
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return 0, p.err
	}
	p.writes = append(p.writes, append([]byte(nil), b...))
	return len(b), nil
}

func (p *fakePort) all() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.writes...)
}

func (p *fakePort) last(t *testing.T) []byte {
	t.Helper()
	w := p.all()
	if len(w) == 0 {
		t.Fatal("nothing written to port")
	}
	return w[len(w)-1]
}

// lastFrame decodes the most recent write as an API frame.
func (p *fakePort) lastFrame(t *testing.T) *codec.Frame {
	t.Helper()
	frames, _ := codec.NewDecoder(0).Write(p.last(t))
	if len(frames) != 1 {
		t.Fatalf("last write holds %d frames, want 1", len(frames))
	}
	return frames[0]
}

var epoch = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

func newTestDevice(t *testing.T) (*Device, *fakePort, *clock.Manual) {
	t.Helper()
	port := &fakePort{}
	c := clock.NewManual(epoch)
	return New(port, Config{Clock: c}), port, c
}

func inject(t *testing.T, d *Device, frameType byte, payload []byte) {
	t.Helper()
	raw, err := codec.Encode(frameType, payload)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	d.HandleBytes(raw)
}

func atResponse(frameID byte, name string, status codec.ATStatus, data []byte) []byte {
	out := []byte{frameID, name[0], name[1], byte(status)}
	return append(out, data...)
}

func enterCommandMode(t *testing.T, d *Device, port *fakePort, c *clock.Manual) {
	t.Helper()
	if err := d.EnterCommandMode(); err != nil {
		t.Fatalf("EnterCommandMode() error = %v", err)
	}
	if m := d.CommandModeTick(); m != ModePreEscape {
		t.Fatalf("mode before guard time = %v, want %v", m, ModePreEscape)
	}
	if len(port.all()) != 0 {
		t.Fatal("escape sequence sent before guard time")
	}
	c.Advance(DefaultGuardTime)
	if m := d.CommandModeTick(); m != ModePostEscape {
		t.Fatalf("mode after guard time = %v, want %v", m, ModePostEscape)
	}
	if got := port.last(t); string(got) != "+++" {
		t.Fatalf("escape sequence = %q, want %q", got, "+++")
	}
	d.HandleBytes([]byte("OK\r"))
	if m := d.CommandModeTick(); m != ModeCommand {
		t.Fatalf("mode after OK = %v, want %v", m, ModeCommand)
	}
}

func TestCommandModeExchange(t *testing.T) {
	d, port, c := newTestDevice(t)
	enterCommandMode(t, d, port, c)

	if err := d.SendCommand("AP 2"); err != nil {
		t.Fatalf("SendCommand() error = %v", err)
	}
	if got := port.last(t); string(got) != "ATAP 2\r" {
		t.Errorf("command = %q, want %q", got, "ATAP 2\r")
	}
	if err := d.SendCommand("AP"); !errors.Is(err, ErrBusy) {
		t.Errorf("overlapping SendCommand() error = %v, want %v", err, ErrBusy)
	}

	if _, err := d.ReadResponse(); !errors.Is(err, ErrAgain) {
		t.Fatalf("ReadResponse() before data error = %v, want %v", err, ErrAgain)
	}
	d.HandleBytes([]byte("O"))
	if _, err := d.ReadResponse(); !errors.Is(err, ErrAgain) {
		t.Fatalf("ReadResponse() partial error = %v, want %v", err, ErrAgain)
	}
	d.HandleBytes([]byte("K\r"))
	resp, err := d.ReadResponse()
	if err != nil || resp != "OK" {
		t.Fatalf("ReadResponse() = %q, %v; want OK", resp, err)
	}
	if _, err := d.ReadResponse(); !errors.Is(err, ErrNotWaiting) {
		t.Errorf("second ReadResponse() error = %v, want %v", err, ErrNotWaiting)
	}

	if err := d.ExitCommandMode(); err != nil {
		t.Fatalf("ExitCommandMode() error = %v", err)
	}
	if got := port.last(t); string(got) != "ATCN\r" {
		t.Errorf("exit command = %q", got)
	}
	if m := d.CommandModeTick(); m != ModeExiting {
		t.Errorf("mode = %v, want %v", m, ModeExiting)
	}
	d.HandleBytes([]byte("OK\r"))
	if m := d.CommandModeTick(); m != ModeIdle {
		t.Errorf("mode after exit = %v, want %v", m, ModeIdle)
	}
}

func TestResetCommandMode(t *testing.T) {
	d, port, c := newTestDevice(t)

	d.ResetCommandMode()
	if n := len(port.all()); n != 0 {
		t.Errorf("reset while idle wrote %d times, want 0", n)
	}

	enterCommandMode(t, d, port, c)
	if err := d.SendCommand("AP"); err != nil {
		t.Fatalf("SendCommand() error = %v", err)
	}
	d.HandleBytes([]byte("partial"))

	d.ResetCommandMode()
	if d.Mode() != ModeIdle {
		t.Errorf("Mode() = %v, want %v", d.Mode(), ModeIdle)
	}
	if got := port.last(t); string(got) != "ATCN\r" {
		t.Errorf("reset write = %q, want %q", got, "ATCN\r")
	}
	if _, err := d.ReadResponse(); !errors.Is(err, ErrNotWaiting) {
		t.Errorf("ReadResponse() after reset error = %v, want %v", err, ErrNotWaiting)
	}

	if err := d.EnterCommandMode(); err != nil {
		t.Errorf("EnterCommandMode() after reset error = %v", err)
	}
}

func TestCommandModeNoResponse(t *testing.T) {
	d, _, c := newTestDevice(t)
	if err := d.EnterCommandMode(); err != nil {
		t.Fatalf("EnterCommandMode() error = %v", err)
	}
	if err := d.EnterCommandMode(); !errors.Is(err, ErrBusy) {
		t.Errorf("second EnterCommandMode() error = %v, want %v", err, ErrBusy)
	}
	c.Advance(DefaultGuardTime)
	d.CommandModeTick()
	c.Advance(2*DefaultGuardTime + time.Millisecond)
	if m := d.CommandModeTick(); m != ModeIdle {
		t.Errorf("mode = %v, want %v", m, ModeIdle)
	}
}

func TestCommandModeIdleTimeout(t *testing.T) {
	d, port, c := newTestDevice(t)
	enterCommandMode(t, d, port, c)
	c.Advance(DefaultIdleTimeout + time.Second)
	if m := d.CommandModeTick(); m != ModeIdle {
		t.Errorf("mode = %v, want %v", m, ModeIdle)
	}
	if err := d.SendCommand("AP"); !errors.Is(err, ErrNotCommandMode) {
		t.Errorf("SendCommand() error = %v, want %v", err, ErrNotCommandMode)
	}
}

func TestReadResponseTooLarge(t *testing.T) {
	port := &fakePort{}
	c := clock.NewManual(epoch)
	d := New(port, Config{Clock: c, MaxResponseSize: 4})
	enterCommandMode(t, d, port, c)

	if err := d.SendCommand("NI"); err != nil {
		t.Fatalf("SendCommand() error = %v", err)
	}
	d.HandleBytes([]byte("ROUTER"))
	if _, err := d.ReadResponse(); !errors.Is(err, ErrResponseTooLarge) {
		t.Errorf("ReadResponse() error = %v, want %v", err, ErrResponseTooLarge)
	}
}

// answerQuery responds to every query command the device sends.
func answerQuery(t *testing.T, d *Device, port *fakePort, values map[string][]byte) {
	t.Helper()
	for range queryCommands {
		f := port.lastFrame(t)
		if f.Type != codec.FrameATCommand {
			t.Fatalf("query frame type = 0x%02x", f.Type)
		}
		name := string(f.Payload[1:3])
		inject(t, d, codec.FrameATResponse, atResponse(f.Payload[0], name, codec.ATStatusOK, values[name]))
	}
}

func TestDeviceQuery(t *testing.T) {
	d, port, _ := newTestDevice(t)

	if err := d.QueryStatus(); !errors.Is(err, ErrNoQuery) {
		t.Errorf("QueryStatus() before start = %v, want %v", err, ErrNoQuery)
	}
	if err := d.StartQuery(); err != nil {
		t.Fatalf("StartQuery() error = %v", err)
	}
	if err := d.QueryStatus(); !errors.Is(err, ErrBusy) {
		t.Errorf("QueryStatus() in progress = %v, want %v", err, ErrBusy)
	}
	if err := d.StartQuery(); !errors.Is(err, ErrBusy) {
		t.Errorf("second StartQuery() = %v, want %v", err, ErrBusy)
	}

	answerQuery(t, d, port, map[string][]byte{
		"SH": {0x00, 0x13, 0xA2, 0x00},
		"SL": {0x40, 0x0A, 0x01, 0x27},
		"MY": {0x12, 0x34},
		"NP": {0x00, 0x54},
		"VR": {0x23, 0xA7},
		"HV": {0x1E, 0x42},
		"AP": {0x01},
		"AO": {0x01},
	})

	if err := d.QueryStatus(); err != nil {
		t.Fatalf("QueryStatus() = %v, want nil", err)
	}
	want := Info{
		Addr:            core.MeshAddress{0x00, 0x13, 0xA2, 0x00, 0x40, 0x0A, 0x01, 0x27},
		NetworkAddr:     0x1234,
		MaxPayload:      0x54,
		FirmwareVersion: 0x23A7,
		HardwareVersion: 0x1E42,
		APIMode:         1,
		AddressingMode:  1,
	}
	if diff := cmp.Diff(want, d.Info()); diff != "" {
		t.Errorf("Info() mismatch (-want +got):\n%s", diff)
	}
}

func TestDeviceQueryRequiredFailure(t *testing.T) {
	d, port, _ := newTestDevice(t)
	if err := d.StartQuery(); err != nil {
		t.Fatalf("StartQuery() error = %v", err)
	}
	f := port.lastFrame(t)
	inject(t, d, codec.FrameATResponse, atResponse(f.Payload[0], "SH", codec.ATStatusError, nil))

	err := d.QueryStatus()
	if err == nil || errors.Is(err, ErrBusy) {
		t.Fatalf("QueryStatus() = %v, want failure", err)
	}
}

func TestDeviceQueryTimeout(t *testing.T) {
	d, port, c := newTestDevice(t)
	if err := d.StartQuery(); err != nil {
		t.Fatalf("StartQuery() error = %v", err)
	}

	d.Tick()
	if n := len(port.all()); n != 1 {
		t.Fatalf("writes before timeout = %d, want 1", n)
	}
	for range DefaultQueryRetries {
		c.Advance(DefaultCommandTimeout)
		d.Tick()
	}
	if n := len(port.all()); n != 1+DefaultQueryRetries {
		t.Errorf("writes after retries = %d, want %d", n, 1+DefaultQueryRetries)
	}
	if err := d.QueryStatus(); !errors.Is(err, ErrBusy) {
		t.Fatalf("QueryStatus() = %v, want busy until retries exhausted", err)
	}

	c.Advance(DefaultCommandTimeout)
	d.Tick()
	if err := d.QueryStatus(); !errors.Is(err, ErrQueryTimeout) {
		t.Errorf("QueryStatus() = %v, want %v", err, ErrQueryTimeout)
	}
}

func TestStaleQueryResponseIgnored(t *testing.T) {
	d, port, _ := newTestDevice(t)
	if err := d.StartQuery(); err != nil {
		t.Fatalf("StartQuery() error = %v", err)
	}
	f := port.lastFrame(t)
	inject(t, d, codec.FrameATResponse, atResponse(f.Payload[0]+1, "SH", codec.ATStatusOK, []byte{1, 2, 3, 4}))

	if err := d.QueryStatus(); !errors.Is(err, ErrBusy) {
		t.Errorf("QueryStatus() = %v, want %v", err, ErrBusy)
	}
	if n := len(port.all()); n != 1 {
		t.Errorf("stale response triggered %d writes", n-1)
	}
}

func TestEnvelopeDispatch(t *testing.T) {
	d, _, _ := newTestDevice(t)
	key := EndpointKey{Profile: codec.ProfileDigi, Cluster: 0x0E70, Endpoint: 0xE9}

	var got []*Envelope
	d.RegisterEndpoint(key, func(env *Envelope) { got = append(got, env) })

	src := core.MeshAddress{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF, 0x00, 0x11}
	rx := codec.ExplicitRx{
		Source:        src,
		SourceNetwork: 0x4321,
		SrcEndpoint:   0xE9,
		DstEndpoint:   0xE9,
		Cluster:       0x0E70,
		Profile:       codec.ProfileDigi,
		Options:       codec.RxOptionBroadcast,
		Data:          []byte("payload"),
	}
	inject(t, d, codec.FrameExplicitRx, rx.Payload())

	other := rx
	other.Cluster = 0x0001
	inject(t, d, codec.FrameExplicitRx, other.Payload())

	if len(got) != 1 {
		t.Fatalf("handler called %d times, want 1", len(got))
	}
	if got[0].Source != src || !got[0].Broadcast || string(got[0].Payload) != "payload" {
		t.Errorf("envelope = %+v", got[0])
	}
	if n := d.Counters().Unhandled.Load(); n != 1 {
		t.Errorf("Unhandled = %d, want 1", n)
	}

	d.RegisterEndpoint(key, nil)
	inject(t, d, codec.FrameExplicitRx, rx.Payload())
	if len(got) != 1 {
		t.Error("handler still called after removal")
	}
}

func TestSendEnvelope(t *testing.T) {
	d, port, _ := newTestDevice(t)
	dest := core.MeshAddress{0, 0x13, 0xA2, 0, 0x40, 0x0A, 0x01, 0x27}

	err := d.SendEnvelope(&Envelope{
		Dest:        dest,
		DestNetwork: core.NetworkAddressUnknown,
		Profile:     codec.ProfileDigi,
		Cluster:     0x0E70,
		SrcEndpoint: 0xE9,
		DstEndpoint: 0xE9,
		Payload:     []byte{0x7E, 0x11, 0x01},
	})
	if err != nil {
		t.Fatalf("SendEnvelope() error = %v", err)
	}

	f := port.lastFrame(t)
	if f.Type != codec.FrameExplicitTx {
		t.Fatalf("frame type = 0x%02x, want 0x%02x", f.Type, codec.FrameExplicitTx)
	}
	tx, err := codec.ParseExplicitTx(f.Payload)
	if err != nil {
		t.Fatalf("ParseExplicitTx() error = %v", err)
	}
	if tx.Dest != dest || tx.FrameID == 0 || !bytes.Equal(tx.Data, []byte{0x7E, 0x11, 0x01}) {
		t.Errorf("tx = %+v", tx)
	}

	if err := d.SendEnvelope(&Envelope{Dest: dest}); !errors.Is(err, ErrNoPayload) {
		t.Errorf("empty SendEnvelope() error = %v, want %v", err, ErrNoPayload)
	}
	big := &Envelope{Dest: dest, Payload: make([]byte, codec.DefaultMaxFrameSize)}
	if err := d.SendEnvelope(big); !errors.Is(err, codec.ErrFrameTooLarge) {
		t.Errorf("oversized SendEnvelope() error = %v, want %v", err, codec.ErrFrameTooLarge)
	}
	if n := len(port.all()); n != 1 {
		t.Errorf("port writes = %d, want 1", n)
	}
	if n := d.Counters().TxDropped.Load(); n != 2 {
		t.Errorf("TxDropped = %d, want 2", n)
	}
}

func TestSendEnvelopeBroadcast(t *testing.T) {
	d, port, _ := newTestDevice(t)
	err := d.SendEnvelope(&Envelope{
		Dest:        core.MeshAddress{0, 0x13, 0xA2, 0, 0x40, 0x0A, 0x01, 0x27},
		DestNetwork: 0x1234,
		Broadcast:   true,
		Payload:     []byte{0x01},
	})
	if err != nil {
		t.Fatalf("SendEnvelope() error = %v", err)
	}
	tx, err := codec.ParseExplicitTx(port.lastFrame(t).Payload)
	if err != nil {
		t.Fatalf("ParseExplicitTx() error = %v", err)
	}
	if tx.Dest != core.BroadcastAddress || tx.DestNetwork != core.NetworkAddressUnknown {
		t.Errorf("broadcast tx addressed to %s/0x%04x", tx.Dest, tx.DestNetwork)
	}
}

func TestSendEnvelopeWriteError(t *testing.T) {
	port := &fakePort{err: errors.New("unplugged")}
	d := New(port, Config{})
	err := d.SendEnvelope(&Envelope{Payload: []byte{1}})
	if err == nil {
		t.Fatal("SendEnvelope() should fail on write error")
	}
	if n := d.Counters().TxErrors.Load(); n != 1 {
		t.Errorf("TxErrors = %d, want 1", n)
	}
}

func TestNodeDiscoverySources(t *testing.T) {
	d, port, _ := newTestDevice(t)
	var got []codec.NodeRecord
	d.SetNodeHandler(func(rec *codec.NodeRecord) { got = append(got, *rec) })

	if err := d.Discover(); err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	f := port.lastFrame(t)
	if f.Type != codec.FrameATCommand || string(f.Payload[1:3]) != "ND" {
		t.Fatalf("discover frame = 0x%02x % x", f.Type, f.Payload)
	}

	rec := &codec.NodeRecord{Network: 0x0001, Addr: core.MeshAddress{1, 2, 3, 4, 5, 6, 7, 8}, Name: "A"}

	// ND response.
	inject(t, d, codec.FrameATResponse, atResponse(f.Payload[0], "ND", codec.ATStatusOK, codec.AppendNodeRecord(nil, rec)))
	// ND terminator carries no data.
	inject(t, d, codec.FrameATResponse, atResponse(f.Payload[0], "ND", codec.ATStatusOK, nil))
	// Node identification indicator.
	inject(t, d, codec.FrameNodeIdentification, codec.AppendNodeRecord(make([]byte, 11), rec))
	// Explicit receive on the node identification cluster.
	rx := codec.ExplicitRx{
		Source:      rec.Addr,
		SrcEndpoint: codec.EndpointDigiData,
		DstEndpoint: codec.EndpointDigiData,
		Cluster:     codec.ClusterNodeIdentification,
		Profile:     codec.ProfileDigi,
		Data:        codec.AppendNodeRecord(nil, rec),
	}
	inject(t, d, codec.FrameExplicitRx, rx.Payload())

	if len(got) != 3 {
		t.Fatalf("node handler called %d times, want 3", len(got))
	}
	for i, g := range got {
		if g.Addr != rec.Addr || g.Name != "A" {
			t.Errorf("record %d = %+v", i, g)
		}
	}
}

func TestInvalidFramesCounted(t *testing.T) {
	d, _, _ := newTestDevice(t)
	raw, _ := codec.Encode(codec.FrameModemStatus, []byte{0x02})
	raw[len(raw)-1] ^= 0x01
	d.HandleBytes(raw)
	good, _ := codec.Encode(codec.FrameModemStatus, []byte{0x02})
	d.HandleBytes(good)

	snap := d.Counters().Snapshot()
	if snap.FramesInvalid != 1 || snap.FramesRx != 1 {
		t.Errorf("counters = %+v", snap)
	}
}
