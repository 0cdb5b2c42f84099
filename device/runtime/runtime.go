// Package runtime owns the lifecycle of one bridge: it drives the radio
// handshake in the background, creates the tunnel interface once the radio
// is known, runs the periodic tick and tunnel read loops, and tears all of
// it down exactly once.
//
// Lifecycle:
//
//	Created -> AwaitingHandshake -> Ready -> TornDown
//	                             -> Failed -> TornDown
//	                             -> Canceled -> TornDown
package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/paralin/xbee-netdev/core/clock"
	"github.com/paralin/xbee-netdev/core/codec"
	"github.com/paralin/xbee-netdev/core/nodetable"
	"github.com/paralin/xbee-netdev/device/bridge"
	"github.com/paralin/xbee-netdev/device/handshake"
	"github.com/paralin/xbee-netdev/device/xbee"
	"github.com/paralin/xbee-netdev/transport"
)

const (
	DefaultSetupAttempts     = 4
	DefaultSetupRetryDelay   = 5 * time.Second
	DefaultTickInterval      = 100 * time.Millisecond
	DefaultDiscoveryInterval = 2 * time.Minute
	DefaultLinkPollInterval  = time.Second
	DefaultEventQueueSize    = 64

	// InterfacePrefix prefixes the default interface name.
	InterfacePrefix = "xbee"

	// readBufSize leaves room to detect frames over the bridge limit.
	readBufSize = 2048
)

var (
	// ErrSetupFailed is returned by Wait when every setup attempt failed.
	ErrSetupFailed = errors.New("runtime: radio setup failed")
	// ErrCanceled is returned by Wait when the runtime was closed before it
	// became ready.
	ErrCanceled = errors.New("runtime: canceled")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("runtime: already started")
	// ErrClosed is returned by Start after Close.
	ErrClosed = errors.New("runtime: closed")
)

// State is the lifecycle state of a Runtime.
type State int32

const (
	StateCreated State = iota
	StateAwaitingHandshake
	StateReady
	StateFailed
	StateCanceled
	StateTornDown
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateAwaitingHandshake:
		return "awaiting-handshake"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	case StateCanceled:
		return "canceled"
	case StateTornDown:
		return "torn-down"
	default:
		return "unknown"
	}
}

// Radio is everything the runtime needs from the radio. *xbee.Device
// implements it.
type Radio interface {
	handshake.Radio
	bridge.Radio
	RegisterEndpoint(key xbee.EndpointKey, fn xbee.EnvelopeHandler)
	Info() xbee.Info
}

var _ Radio = (*xbee.Device)(nil)

// TunnelFactory creates the tunnel interface once the radio address is
// known.
type TunnelFactory func(name string, hw net.HardwareAddr, mtu int) (transport.Tunnel, error)

// SetupFunc performs one setup attempt.
type SetupFunc func(ctx context.Context, radio Radio) error

// EventSink receives bridge events. Node events are delivered in order from
// a runtime goroutine, never from the radio receive path. State events are
// delivered from whichever goroutine changed the state.
type EventSink interface {
	NodeDiscovered(bridge string, node nodetable.Entry, isNew bool)
	StateChanged(bridge string, state State, err error)
}

// Config configures a Runtime.
type Config struct {
	// Name identifies the bridge, usually the serial port short name.
	Name string
	// InterfaceName defaults to "xbee" + Name.
	InterfaceName string

	// SetupAttempts bounds handshake attempts. Default: 4.
	SetupAttempts int
	// SetupRetryDelay separates attempts. Default: 5s.
	SetupRetryDelay time.Duration

	// TickInterval is the period of the radio tick loop. Default: 100ms.
	TickInterval time.Duration
	// DiscoveryInterval repeats node discovery. Default: 2m. Negative
	// disables repeated discovery.
	DiscoveryInterval time.Duration
	// LinkPollInterval is how often the interface up flag is refreshed.
	// Default: 1s.
	LinkPollInterval time.Duration

	Handshake handshake.Config
	Bridge    bridge.Config

	// Store persists the node table. Optional.
	Store nodetable.Store
	// OpenTunnel creates the interface. Nil runs the bridge without one.
	OpenTunnel TunnelFactory
	// Events receives node and state events. Optional.
	Events EventSink
	// EventQueueSize bounds node changes waiting to be stored and
	// published. Changes beyond it are dropped. Default: 64.
	EventQueueSize int
	// Setup overrides the handshake. Default: a handshake.Session run.
	Setup SetupFunc

	// Clock drives retry delays and timers. Default: clock.System.
	Clock clock.Clock
	// Logger for runtime events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Runtime runs one bridge.
type Runtime struct {
	cfg    Config
	log    *slog.Logger
	radio  Radio
	port   io.Closer
	nodes  *nodetable.Table
	bridge *bridge.Bridge

	state atomic.Int32

	nodeEvents    chan nodeEvent
	droppedEvents atomic.Uint64

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	tunnel  transport.Tunnel
	err     error

	ready chan struct{}
	done  chan struct{}
	wg    sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
}

// New creates a Runtime for radio. port is closed during teardown and may
// be nil.
func New(radio Radio, port io.Closer, cfg Config) *Runtime {
	if cfg.InterfaceName == "" {
		cfg.InterfaceName = InterfacePrefix + cfg.Name
	}
	if cfg.SetupAttempts <= 0 {
		cfg.SetupAttempts = DefaultSetupAttempts
	}
	if cfg.SetupRetryDelay <= 0 {
		cfg.SetupRetryDelay = DefaultSetupRetryDelay
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.DiscoveryInterval == 0 {
		cfg.DiscoveryInterval = DefaultDiscoveryInterval
	}
	if cfg.LinkPollInterval <= 0 {
		cfg.LinkPollInterval = DefaultLinkPollInterval
	}
	if cfg.EventQueueSize <= 0 {
		cfg.EventQueueSize = DefaultEventQueueSize
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("bridge", cfg.Name)
	if cfg.Bridge.Logger == nil {
		cfg.Bridge.Logger = logger
	}
	if cfg.Handshake.Logger == nil {
		cfg.Handshake.Logger = logger
	}
	if cfg.Handshake.Clock == nil {
		cfg.Handshake.Clock = cfg.Clock
	}

	nodes := nodetable.New(nodetable.Config{Clock: cfg.Clock, Logger: logger})
	r := &Runtime{
		cfg:    cfg,
		log:    logger.WithGroup("runtime"),
		radio:  radio,
		port:   port,
		nodes:  nodes,
		bridge: bridge.New(radio, nodes, cfg.Bridge),
		ready:  make(chan struct{}),
		done:   make(chan struct{}),

		nodeEvents: make(chan nodeEvent, cfg.EventQueueSize),
	}
	if r.cfg.Setup == nil {
		r.cfg.Setup = r.handshake
	}
	return r
}

// Name returns the bridge name.
func (r *Runtime) Name() string {
	return r.cfg.Name
}

// State returns the current lifecycle state.
func (r *Runtime) State() State {
	return State(r.state.Load())
}

// Nodes returns the bridge's node table.
func (r *Runtime) Nodes() *nodetable.Table {
	return r.nodes
}

// Bridge returns the packet bridge.
func (r *Runtime) Bridge() *bridge.Bridge {
	return r.bridge
}

// Tunnel returns the tunnel interface once ready, or nil.
func (r *Runtime) Tunnel() transport.Tunnel {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tunnel
}

// Err returns the setup error, if any.
func (r *Runtime) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Ready is closed when the bridge is ready.
func (r *Runtime) Ready() <-chan struct{} {
	return r.ready
}

// Done is closed when setup finishes, successfully or not.
func (r *Runtime) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until setup finishes or ctx is done, and returns the setup
// outcome: nil when ready, otherwise an error wrapping ErrSetupFailed or
// ErrCanceled.
func (r *Runtime) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runtime) setState(s State, err error) {
	prev := State(r.state.Swap(int32(s)))
	if prev == s {
		return
	}
	if err != nil {
		r.log.Warn("state changed", "from", prev, "to", s, "error", err)
	} else {
		r.log.Info("state changed", "from", prev, "to", s)
	}
	if r.cfg.Events != nil {
		r.cfg.Events.StateChanged(r.cfg.Name, s, err)
	}
}

// Start restores the node table, wires the radio to the bridge and starts
// setup in the background. It returns without waiting for the handshake.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	if r.started {
		r.mu.Unlock()
		return ErrAlreadyStarted
	}
	r.started = true
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.mu.Unlock()

	if r.cfg.Store != nil {
		n, err := r.nodes.Restore(ctx, r.cfg.Store)
		if err != nil {
			r.log.Warn("restoring node table", "error", err)
		} else if n > 0 {
			r.log.Info("restored node table", "nodes", n)
		}
	}
	r.nodes.SetOnChange(r.onNodeChange)
	r.radio.RegisterEndpoint(r.bridge.EndpointKey(), r.bridge.HandleInbound)

	r.setState(StateAwaitingHandshake, nil)
	r.wg.Add(2)
	go r.eventLoop(ctx)
	go r.run(ctx)
	return nil
}

type nodeEvent struct {
	entry nodetable.Entry
	isNew bool
}

// onNodeChange runs on the radio receive path and only queues the change.
func (r *Runtime) onNodeChange(e nodetable.Entry, isNew bool) {
	if r.cfg.Store == nil && r.cfg.Events == nil {
		return
	}
	select {
	case r.nodeEvents <- nodeEvent{entry: e, isNew: isNew}:
	default:
		r.droppedEvents.Add(1)
		r.log.Warn("node event queue full, dropping change", "node", e.Addr)
	}
}

// DroppedEvents returns the number of node changes dropped because the
// event queue was full.
func (r *Runtime) DroppedEvents() uint64 {
	return r.droppedEvents.Load()
}

// eventLoop stores and publishes node changes until ctx is done.
func (r *Runtime) eventLoop(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-r.nodeEvents:
			if r.cfg.Store != nil {
				if err := r.cfg.Store.SaveNode(ctx, ev.entry); err != nil && ctx.Err() == nil {
					r.log.Warn("saving node", "node", ev.entry.Addr, "error", err)
				}
			}
			if r.cfg.Events != nil {
				r.cfg.Events.NodeDiscovered(r.cfg.Name, ev.entry, ev.isNew)
			}
		}
	}
}

func (r *Runtime) onNode(rec *codec.NodeRecord) {
	r.log.Info("discovered remote node", "node", rec.Addr, "name", rec.Name)
	r.nodes.Observe(nodetable.Entry{Addr: rec.Addr, NetworkAddr: rec.Network, Name: rec.Name})
}

// handshake is the default SetupFunc.
func (r *Runtime) handshake(ctx context.Context, radio Radio) error {
	cfg := r.cfg.Handshake
	if cfg.NodeHandler == nil {
		cfg.NodeHandler = r.onNode
	}
	return handshake.NewSession(radio, cfg).Run(ctx)
}

func (r *Runtime) run(ctx context.Context) {
	defer r.wg.Done()

	err := r.setup(ctx)
	if err == nil {
		err = r.attachTunnel(ctx)
	}
	switch {
	case err == nil:
		r.setState(StateReady, nil)
		close(r.ready)
		close(r.done)
		r.wg.Add(2)
		go r.tickLoop(ctx)
		go r.readLoop(ctx)
	case errors.Is(err, ErrCanceled):
		r.finishSetup(StateCanceled, err)
	default:
		r.finishSetup(StateFailed, err)
	}
}

func (r *Runtime) finishSetup(s State, err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
	r.setState(s, err)
	close(r.done)
}

// setup runs up to SetupAttempts setup attempts.
func (r *Runtime) setup(ctx context.Context) error {
	var last error
	for attempt := 1; attempt <= r.cfg.SetupAttempts; attempt++ {
		if attempt > 1 {
			r.log.Info("setup failed, will try again", "delay", r.cfg.SetupRetryDelay)
			if err := r.cfg.Clock.Sleep(ctx, r.cfg.SetupRetryDelay); err != nil {
				return fmt.Errorf("%w: %w", ErrCanceled, err)
			}
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %w", ErrCanceled, ctx.Err())
		}
		r.log.Info("attempting radio setup", "attempt", attempt, "of", r.cfg.SetupAttempts)

		last = r.cfg.Setup(ctx, r.radio)
		if last == nil {
			info := r.radio.Info()
			r.log.Info("radio ready", "address", info.Addr, "firmware", fmt.Sprintf("%04x", info.FirmwareVersion))
			return nil
		}
		if ctx.Err() != nil || handshake.OutcomeOf(last) == handshake.OutcomeCanceled {
			return fmt.Errorf("%w: %w", ErrCanceled, last)
		}
		r.log.Warn("setup attempt failed", "attempt", attempt, "error", last)
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrSetupFailed, r.cfg.SetupAttempts, last)
}

// attachTunnel opens the interface with the radio's link address. A Close
// racing with this is resolved under r.mu: whichever side sees the other
// closes the tunnel.
func (r *Runtime) attachTunnel(ctx context.Context) error {
	if r.cfg.OpenTunnel == nil {
		return nil
	}
	hw := r.radio.Address().LinkAddr()
	tun, err := r.cfg.OpenTunnel(r.cfg.InterfaceName, hw, codec.DataMTU)
	if err != nil {
		return fmt.Errorf("%w: creating interface %s: %w", ErrSetupFailed, r.cfg.InterfaceName, err)
	}

	r.mu.Lock()
	if ctx.Err() != nil {
		r.mu.Unlock()
		tun.Close()
		return fmt.Errorf("%w: %w", ErrCanceled, ctx.Err())
	}
	r.tunnel = tun
	r.mu.Unlock()

	r.bridge.AttachTunnel(tun)
	r.log.Info("interface attached", "interface", tun.Name(), "hwaddr", hw.String())
	return nil
}

// tickLoop drives the radio's timers, refreshes the interface up flag and
// repeats node discovery.
func (r *Runtime) tickLoop(ctx context.Context) {
	defer r.wg.Done()

	now := r.cfg.Clock.Now()
	nextLink := now.Add(r.cfg.LinkPollInterval)
	var nextDiscovery time.Time
	if r.cfg.DiscoveryInterval > 0 {
		nextDiscovery = now.Add(r.cfg.DiscoveryInterval)
	}

	ticker := time.NewTicker(r.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		r.radio.Tick()
		now := r.cfg.Clock.Now()

		if !now.Before(nextLink) {
			if tun := r.Tunnel(); tun != nil {
				r.bridge.SetUp(tun.IsUp())
			}
			nextLink = now.Add(r.cfg.LinkPollInterval)
		}

		if !nextDiscovery.IsZero() && !now.Before(nextDiscovery) {
			if err := r.radio.Discover(); err != nil {
				r.log.Warn("node discovery failed", "error", err)
			} else {
				r.log.Debug("sent node discovery")
			}
			nextDiscovery = now.Add(r.cfg.DiscoveryInterval)
		}
	}
}

// readLoop moves frames from the tunnel to the bridge until the tunnel is
// closed.
func (r *Runtime) readLoop(ctx context.Context) {
	defer r.wg.Done()

	tun := r.Tunnel()
	if tun == nil {
		return
	}
	buf := make([]byte, readBufSize)
	for {
		n, err := tun.Read(buf)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, io.EOF) {
				r.log.Error("interface read failed", "interface", tun.Name(), "error", err)
			}
			return
		}
		if n == 0 {
			continue
		}
		// Drops are counted by the bridge.
		_ = r.bridge.HandleOutbound(buf[:n])
	}
}

// Close cancels setup, stops the loops and releases the tunnel and port.
// It is safe to call at any time and more than once.
func (r *Runtime) Close() error {
	r.closeOnce.Do(func() {
		r.closeErr = r.close()
	})
	return r.closeErr
}

func (r *Runtime) close() error {
	r.mu.Lock()
	r.closed = true
	cancel := r.cancel
	started := r.started
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	// The reader only returns once the tunnel is closed.
	r.mu.Lock()
	tun := r.tunnel
	r.tunnel = nil
	r.mu.Unlock()

	var errs []error
	if tun != nil {
		r.bridge.DetachTunnel()
		if err := tun.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing interface: %w", err))
		}
	}

	r.wg.Wait()

	if started {
		r.radio.RegisterEndpoint(r.bridge.EndpointKey(), nil)
	}
	if r.port != nil {
		if err := r.port.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing port: %w", err))
		}
	}

	if !started {
		r.mu.Lock()
		r.err = ErrCanceled
		r.mu.Unlock()
		close(r.done)
	}
	r.setState(StateTornDown, nil)
	return errors.Join(errs...)
}
