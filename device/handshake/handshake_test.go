package handshake

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/paralin/xbee-netdev/core/clock"
	"github.com/paralin/xbee-netdev/core/codec"
	"github.com/paralin/xbee-netdev/device/xbee"
)

// fakeRadio is a scripted Radio. Responses are returned after a number of
// ErrAgain polls; calls made after ctx is canceled are recorded.
type fakeRadio struct {
	ctx context.Context

	calls         []string
	lateCalls     []string
	enterTicks    int // CommandModeTick calls before command mode
	neverEnter    bool
	exitTicks     int
	responses     map[string]string
	responseDelay int
	responseErr   error
	queryBusy     int
	queryErr      error
	discoverErr   error
	nodeHandler   xbee.NodeHandler

	mode    xbee.Mode
	pending string
	polls   int
}

func newFakeRadio(ctx context.Context) *fakeRadio {
	return &fakeRadio{
		ctx: ctx,
		responses: map[string]string{
			"AP 2": "OK",
			"AP":   "2",
			"AO 1": "OK",
			"AO":   "1",
		},
	}
}

func (r *fakeRadio) record(name string) {
	r.calls = append(r.calls, name)
	if r.ctx != nil && r.ctx.Err() != nil {
		r.lateCalls = append(r.lateCalls, name)
	}
}

func (r *fakeRadio) EnterCommandMode() error {
	r.record("enter")
	r.mode = xbee.ModePreEscape
	return nil
}

func (r *fakeRadio) CommandModeTick() xbee.Mode {
	r.record("tick-mode")
	switch r.mode {
	case xbee.ModePreEscape:
		if r.neverEnter {
			r.mode = xbee.ModeIdle
		} else if r.enterTicks <= 0 {
			r.mode = xbee.ModeCommand
		} else {
			r.enterTicks--
		}
	case xbee.ModeExiting:
		if r.exitTicks <= 0 {
			r.mode = xbee.ModeIdle
		} else {
			r.exitTicks--
		}
	}
	return r.mode
}

func (r *fakeRadio) SendCommand(cmd string) error {
	r.record("send " + cmd)
	r.pending = cmd
	r.polls = 0
	return nil
}

func (r *fakeRadio) ReadResponse() (string, error) {
	r.record("read")
	if r.responseErr != nil {
		return "", r.responseErr
	}
	if r.polls < r.responseDelay {
		r.polls++
		return "", xbee.ErrAgain
	}
	return r.responses[r.pending], nil
}

func (r *fakeRadio) ExitCommandMode() error {
	r.record("exit")
	r.mode = xbee.ModeExiting
	return nil
}

func (r *fakeRadio) ResetCommandMode() {
	r.record("reset")
	r.mode = xbee.ModeIdle
}

func (r *fakeRadio) StartQuery() error {
	r.record("query")
	return nil
}

func (r *fakeRadio) Tick() {
	r.record("tick")
}

func (r *fakeRadio) QueryStatus() error {
	if r.queryBusy > 0 {
		r.queryBusy--
		return xbee.ErrBusy
	}
	return r.queryErr
}

func (r *fakeRadio) SetNodeHandler(fn xbee.NodeHandler) {
	r.record("set-node-handler")
	r.nodeHandler = fn
}

func (r *fakeRadio) Discover() error {
	r.record("discover")
	return r.discoverErr
}

func newTestSession(r *fakeRadio, c clock.Clock) *Session {
	return NewSession(r, Config{Clock: c})
}

func TestRunSuccess(t *testing.T) {
	c := clock.NewManual(time.Unix(0, 0))
	r := newFakeRadio(context.Background())
	r.enterTicks = 2
	r.responseDelay = 1
	r.exitTicks = 1
	r.queryBusy = 3

	var nodes int
	s := NewSession(r, Config{
		Clock:       c,
		NodeHandler: func(*codec.NodeRecord) { nodes++ },
	})
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if s.Step() != StepDone {
		t.Errorf("Step() = %v, want %v", s.Step(), StepDone)
	}

	var sends []string
	for _, c := range r.calls {
		if len(c) > 5 && c[:5] == "send " {
			sends = append(sends, c[5:])
		}
	}
	if diff := cmp.Diff([]string{"AP 2", "AP", "AO 1", "AO"}, sends); diff != "" {
		t.Errorf("commands mismatch (-want +got):\n%s", diff)
	}
	last := r.calls[len(r.calls)-2:]
	if diff := cmp.Diff([]string{"set-node-handler", "discover"}, last); diff != "" {
		t.Errorf("final calls mismatch (-want +got):\n%s", diff)
	}
	if r.nodeHandler == nil {
		t.Fatal("node handler not installed")
	}
	r.nodeHandler(&codec.NodeRecord{})
	if nodes != 1 {
		t.Error("installed handler is not the configured one")
	}

	// 2 enter polls, 4 response polls, 1 exit poll, 3 query polls at their
	// intervals, plus two set settles and the exit settle.
	slept, _ := c.Slept()
	want := 2*DefaultEnterPollInterval + 4*DefaultResponsePollInterval +
		DefaultExitPollInterval + 3*DefaultQueryPollInterval +
		2*DefaultSettleDelay + DefaultExitSettleDelay
	if slept != want {
		t.Errorf("total sleep = %v, want %v", slept, want)
	}
}

func TestVerifyAcceptsDigitInFirstThreeChars(t *testing.T) {
	tests := []struct {
		resp string
		ok   bool
	}{
		{"2", true},
		{" 2", true},
		{"\r\n2", true},
		{"0002", false},
		{"1", false},
		{"0", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.resp, func(t *testing.T) {
			r := newFakeRadio(context.Background())
			r.responses["AP"] = tt.resp
			err := newTestSession(r, clock.NewManual(time.Unix(0, 0))).Run(context.Background())
			if tt.ok && err != nil {
				t.Errorf("Run() error = %v", err)
			}
			if !tt.ok {
				var se *StepError
				if !errors.As(err, &se) || se.Step != StepVerifyAPIMode || !errors.Is(err, ErrProtocol) {
					t.Errorf("Run() error = %v, want protocol error at %v", err, StepVerifyAPIMode)
				}
			}
		})
	}
}

func TestFailureResetsCommandMode(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(r *fakeRadio)
		wantReset bool
	}{
		{"verify mismatch", func(r *fakeRadio) { r.responses["AP"] = "0" }, true},
		{"response timeout", func(r *fakeRadio) { r.responseDelay = DefaultResponsePolls + 1 }, true},
		{"enter timeout", func(r *fakeRadio) { r.enterTicks = DefaultEnterPolls + 10 }, true},
		{"query failure", func(r *fakeRadio) { r.queryErr = xbee.ErrQueryTimeout }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newFakeRadio(context.Background())
			tt.setup(r)
			if err := newTestSession(r, clock.NewManual(time.Unix(0, 0))).Run(context.Background()); err == nil {
				t.Fatal("Run() succeeded, want failure")
			}
			reset := r.calls[len(r.calls)-1] == "reset"
			if reset != tt.wantReset {
				t.Errorf("command mode reset = %v, want %v (calls end %v)", reset, tt.wantReset, r.calls[len(r.calls)-1])
			}
		})
	}
}

func TestEnterTimeout(t *testing.T) {
	r := newFakeRadio(context.Background())
	r.enterTicks = DefaultEnterPolls + 10
	err := newTestSession(r, clock.NewManual(time.Unix(0, 0))).Run(context.Background())

	var se *StepError
	if !errors.As(err, &se) || se.Step != StepEnterCommandMode {
		t.Fatalf("Run() error = %v, want failure at %v", err, StepEnterCommandMode)
	}
	if !errors.Is(err, ErrTimeout) || errors.Is(err, ErrCanceled) {
		t.Errorf("Run() error = %v, want only %v", err, ErrTimeout)
	}
	if OutcomeOf(err) != OutcomeTimeout {
		t.Errorf("OutcomeOf() = %v", OutcomeOf(err))
	}
}

func TestEnterFallsBackToIdle(t *testing.T) {
	r := newFakeRadio(context.Background())
	r.neverEnter = true
	err := newTestSession(r, clock.NewManual(time.Unix(0, 0))).Run(context.Background())
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("Run() error = %v, want %v", err, ErrTimeout)
	}
}

func TestResponseTimeout(t *testing.T) {
	r := newFakeRadio(context.Background())
	r.responseDelay = DefaultResponsePolls + 1
	s := newTestSession(r, clock.NewManual(time.Unix(0, 0)))
	err := s.Run(context.Background())

	var se *StepError
	if !errors.As(err, &se) || se.Step != StepSetAPIMode || !errors.Is(err, ErrTimeout) {
		t.Fatalf("Run() error = %v, want timeout at %v", err, StepSetAPIMode)
	}
	if s.Iterations() != DefaultResponsePolls {
		t.Errorf("Iterations() = %d, want %d", s.Iterations(), DefaultResponsePolls)
	}
}

func TestFatalResponseErrors(t *testing.T) {
	for _, cause := range []error{xbee.ErrResponseTooLarge, xbee.ErrNotWaiting} {
		t.Run(cause.Error(), func(t *testing.T) {
			r := newFakeRadio(context.Background())
			r.responseErr = cause
			err := newTestSession(r, clock.NewManual(time.Unix(0, 0))).Run(context.Background())
			if !errors.Is(err, ErrProtocol) || !errors.Is(err, cause) {
				t.Errorf("Run() error = %v, want %v wrapping %v", err, ErrProtocol, cause)
			}
			if OutcomeOf(err) != OutcomeProtocolError {
				t.Errorf("OutcomeOf() = %v", OutcomeOf(err))
			}
		})
	}
}

func TestQueryFailures(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"timeout", xbee.ErrQueryTimeout, ErrTimeout},
		{"error", errors.New("device query SH: error"), ErrProtocol},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newFakeRadio(context.Background())
			r.queryBusy = 2
			r.queryErr = tt.err
			err := newTestSession(r, clock.NewManual(time.Unix(0, 0))).Run(context.Background())
			var se *StepError
			if !errors.As(err, &se) || se.Step != StepQueryDevice || !errors.Is(err, tt.want) {
				t.Errorf("Run() error = %v, want %v at %v", err, tt.want, StepQueryDevice)
			}
		})
	}
}

func TestQueryNeverCompletes(t *testing.T) {
	r := newFakeRadio(context.Background())
	r.queryBusy = DefaultQueryPolls * 2
	err := newTestSession(r, clock.NewManual(time.Unix(0, 0))).Run(context.Background())
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("Run() error = %v, want %v", err, ErrTimeout)
	}
}

func TestDiscoverErrorIsNotFatal(t *testing.T) {
	r := newFakeRadio(context.Background())
	r.discoverErr = errors.New("write failed")
	if err := newTestSession(r, clock.NewManual(time.Unix(0, 0))).Run(context.Background()); err != nil {
		t.Errorf("Run() error = %v, want nil", err)
	}
}

func TestCancelMidSequence(t *testing.T) {
	// Cancel at several points: during entry polls, during a response wait,
	// and during the exit settle delay.
	for _, cancelAt := range []int{1, 3, 6, 8} {
		t.Run(fmt.Sprintf("sleep-%d", cancelAt), func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			c := clock.NewManual(time.Unix(0, 0))
			c.OnSleep = func(n int) {
				if n == cancelAt {
					cancel()
				}
			}
			r := newFakeRadio(ctx)
			r.enterTicks = 2
			r.responseDelay = 1
			r.exitTicks = 1

			s := newTestSession(r, c)
			err := s.Run(ctx)

			if !errors.Is(err, ErrCanceled) {
				t.Fatalf("Run() error = %v, want %v", err, ErrCanceled)
			}
			if errors.Is(err, ErrTimeout) || errors.Is(err, ErrProtocol) {
				t.Errorf("canceled outcome also matches failure: %v", err)
			}
			if OutcomeOf(err) != OutcomeCanceled {
				t.Errorf("OutcomeOf() = %v", OutcomeOf(err))
			}
			if len(r.lateCalls) != 0 {
				t.Errorf("radio called after cancellation: %v", r.lateCalls)
			}
		})
	}
}

func TestCanceledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := newFakeRadio(ctx)
	err := newTestSession(r, clock.NewManual(time.Unix(0, 0))).Run(ctx)
	if !errors.Is(err, ErrCanceled) {
		t.Errorf("Run() error = %v, want %v", err, ErrCanceled)
	}
	if len(r.calls) != 0 {
		t.Errorf("radio calls = %v, want none", r.calls)
	}
}

func TestAgainstDevice(t *testing.T) {
	// Drive a real Device through the whole handshake with a scripted port.
	c := clock.NewManual(time.Unix(0, 0))
	port := &scriptedPort{}
	dev := xbee.New(port, xbee.Config{Clock: c})
	port.dev = dev
	c.OnSleep = func(int) { port.flush() }

	var found []*codec.NodeRecord
	s := NewSession(dev, Config{
		Clock:       c,
		NodeHandler: func(rec *codec.NodeRecord) { found = append(found, rec) },
	})
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	port.flush()
	if got := dev.Address().String(); got != "00:13:a2:00:40:0a:01:27" {
		t.Errorf("Address() = %s", got)
	}
	if len(found) != 1 || found[0].Name != "PEER" {
		t.Errorf("discovered nodes = %v", found)
	}
}

func TestRetryAfterFailedAttempt(t *testing.T) {
	// The first attempt sees the radio refuse the API mode; the second
	// attempt on the same Device must start from a clean escape sequence.
	c := clock.NewManual(time.Unix(0, 0))
	port := &scriptedPort{overrides: map[string][]string{"ATAP\r": {"0\r"}}}
	dev := xbee.New(port, xbee.Config{Clock: c})
	port.dev = dev
	c.OnSleep = func(int) { port.flush() }

	err := NewSession(dev, Config{Clock: c}).Run(context.Background())
	var se *StepError
	if !errors.As(err, &se) || se.Step != StepVerifyAPIMode || !errors.Is(err, ErrProtocol) {
		t.Fatalf("first Run() error = %v, want protocol error at %v", err, StepVerifyAPIMode)
	}
	if dev.Mode() != xbee.ModeIdle {
		t.Errorf("Mode() after failure = %v, want %v", dev.Mode(), xbee.ModeIdle)
	}
	if got := port.lastWrite(); got != "ATCN\r" {
		t.Errorf("last write after failure = %q, want ATCN", got)
	}
	port.flush()

	if err := NewSession(dev, Config{Clock: c}).Run(context.Background()); err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	port.flush()
	if got := dev.Info().APIMode; got != 2 {
		t.Errorf("Info().APIMode = %d, want 2", got)
	}
}

// scriptedPort answers what a radio would. Replies are queued and delivered
// by flush, outside the device's transmit lock. overrides replace the
// scripted text reply for one write each.
type scriptedPort struct {
	mu        sync.Mutex
	dev       *xbee.Device
	decoder   *codec.Decoder
	queue     [][]byte
	writes    []string
	overrides map[string][]string
}

var scriptedValues = map[string][]byte{
	"SH": {0x00, 0x13, 0xA2, 0x00},
	"SL": {0x40, 0x0A, 0x01, 0x27},
	"MY": {0x00, 0x00},
	"NP": {0x00, 0x54},
	"VR": {0x23, 0xA7},
	"HV": {0x1E, 0x42},
	"AP": {0x02},
	"AO": {0x01},
}

var scriptedText = map[string]string{
	"+++":      "OK\r",
	"ATAP 2\r": "OK\r",
	"ATAP\r":   "2\r",
	"ATAO 1\r": "OK\r",
	"ATAO\r":   "1\r",
	"ATCN\r":   "OK\r",
}

func (p *scriptedPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.writes = append(p.writes, string(b))
	if next := p.overrides[string(b)]; len(next) > 0 {
		p.overrides[string(b)] = next[1:]
		p.queue = append(p.queue, []byte(next[0]))
		return len(b), nil
	}
	if reply, ok := scriptedText[string(b)]; ok {
		p.queue = append(p.queue, []byte(reply))
		return len(b), nil
	}
	if p.decoder == nil {
		p.decoder = codec.NewDecoder(0)
	}
	frames, _ := p.decoder.Write(b)
	for _, f := range frames {
		if f.Type != codec.FrameATCommand || len(f.Payload) < 3 {
			continue
		}
		name := string(f.Payload[1:3])
		data := scriptedValues[name]
		if name == "ND" {
			peer := &codec.NodeRecord{
				Network: 0x0001,
				Addr:    [8]byte{0x00, 0x13, 0xA2, 0x00, 0x41, 0x00, 0x00, 0x01},
				Name:    "PEER",
			}
			data = codec.AppendNodeRecord(nil, peer)
		}
		resp := append([]byte{f.Payload[0], f.Payload[1], f.Payload[2], byte(codec.ATStatusOK)}, data...)
		raw, err := codec.Encode(codec.FrameATResponse, resp)
		if err != nil {
			return 0, err
		}
		p.queue = append(p.queue, raw)
	}
	return len(b), nil
}

func (p *scriptedPort) flush() {
	p.mu.Lock()
	queue := p.queue
	p.queue = nil
	p.mu.Unlock()

	for _, b := range queue {
		p.dev.HandleBytes(b)
	}
}

func (p *scriptedPort) lastWrite() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.writes) == 0 {
		return ""
	}
	return p.writes[len(p.writes)-1]
}
