// Package handshake places a radio into a known operating mode: escaped API
// operation with explicit addressing output, a completed device query, and
// discovery running.
//
// The sequence is an explicit state machine. Session.advance performs one
// poll of the current step and Session.Run drives it to completion. Every
// wait goes through the configured clock with the caller's context, so
// cancellation is observed at each poll and no radio call is made once it
// has been seen.
package handshake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/paralin/xbee-netdev/core/clock"
	"github.com/paralin/xbee-netdev/device/xbee"
)

// Default limits, matching the radio's timing characteristics.
const (
	DefaultEnterPollInterval    = time.Millisecond
	DefaultEnterPolls           = 4000
	DefaultResponsePollInterval = 5 * time.Millisecond
	DefaultResponsePolls        = 200
	DefaultExitPollInterval     = 5 * time.Millisecond
	DefaultExitPolls            = 410
	DefaultQueryPollInterval    = time.Millisecond
	DefaultQueryPolls           = 4000
	DefaultSettleDelay          = 100 * time.Millisecond
	DefaultExitSettleDelay      = 2 * time.Second
)

var (
	// ErrCanceled means the session's context was canceled. The owner is
	// already tearing the bridge down.
	ErrCanceled = errors.New("handshake canceled")
	// ErrTimeout means a step exhausted its poll limit.
	ErrTimeout = errors.New("handshake timed out")
	// ErrProtocol means the radio answered with something unusable or the
	// transport failed.
	ErrProtocol = errors.New("handshake protocol error")
)

// Radio is the device surface the handshake drives. *xbee.Device
// implements it.
type Radio interface {
	EnterCommandMode() error
	CommandModeTick() xbee.Mode
	SendCommand(cmd string) error
	ReadResponse() (string, error)
	ExitCommandMode() error
	ResetCommandMode()
	StartQuery() error
	Tick()
	QueryStatus() error
	SetNodeHandler(fn xbee.NodeHandler)
	Discover() error
}

var _ Radio = (*xbee.Device)(nil)

// Step is a position in the handshake sequence.
type Step int

const (
	StepEnterCommandMode Step = iota
	StepSetAPIMode
	StepVerifyAPIMode
	StepSetAddressingMode
	StepVerifyAddressingMode
	StepExitCommandMode
	StepQueryDevice
	StepRegisterDiscover
	StepDone
)

func (s Step) String() string {
	switch s {
	case StepEnterCommandMode:
		return "enter-command-mode"
	case StepSetAPIMode:
		return "set-api-mode"
	case StepVerifyAPIMode:
		return "verify-api-mode"
	case StepSetAddressingMode:
		return "set-addressing-mode"
	case StepVerifyAddressingMode:
		return "verify-addressing-mode"
	case StepExitCommandMode:
		return "exit-command-mode"
	case StepQueryDevice:
		return "query-device"
	case StepRegisterDiscover:
		return "register-discover"
	case StepDone:
		return "done"
	default:
		return fmt.Sprintf("step(%d)", int(s))
	}
}

// StepError reports the step at which a session ended unsuccessfully.
// Err wraps one of ErrCanceled, ErrTimeout or ErrProtocol.
type StepError struct {
	Step Step
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("handshake %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Config configures a Session. Zero values select the defaults above.
type Config struct {
	EnterPollInterval    time.Duration
	EnterPolls           int
	ResponsePollInterval time.Duration
	ResponsePolls        int
	ExitPollInterval     time.Duration
	ExitPolls            int
	QueryPollInterval    time.Duration
	QueryPolls           int
	// SettleDelay follows each successful set command.
	SettleDelay time.Duration
	// ExitSettleDelay follows leaving command mode.
	ExitSettleDelay time.Duration

	// NodeHandler is installed on the radio before the initial discovery.
	NodeHandler xbee.NodeHandler

	// Clock drives every wait. Default: clock.System.
	Clock clock.Clock
	// Logger for handshake progress. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

func (c *Config) setDefaults() {
	if c.EnterPollInterval <= 0 {
		c.EnterPollInterval = DefaultEnterPollInterval
	}
	if c.EnterPolls <= 0 {
		c.EnterPolls = DefaultEnterPolls
	}
	if c.ResponsePollInterval <= 0 {
		c.ResponsePollInterval = DefaultResponsePollInterval
	}
	if c.ResponsePolls <= 0 {
		c.ResponsePolls = DefaultResponsePolls
	}
	if c.ExitPollInterval <= 0 {
		c.ExitPollInterval = DefaultExitPollInterval
	}
	if c.ExitPolls <= 0 {
		c.ExitPolls = DefaultExitPolls
	}
	if c.QueryPollInterval <= 0 {
		c.QueryPollInterval = DefaultQueryPollInterval
	}
	if c.QueryPolls <= 0 {
		c.QueryPolls = DefaultQueryPolls
	}
	if c.SettleDelay < 0 {
		c.SettleDelay = 0
	} else if c.SettleDelay == 0 {
		c.SettleDelay = DefaultSettleDelay
	}
	if c.ExitSettleDelay < 0 {
		c.ExitSettleDelay = 0
	} else if c.ExitSettleDelay == 0 {
		c.ExitSettleDelay = DefaultExitSettleDelay
	}
	if c.Clock == nil {
		c.Clock = clock.System{}
	}
}

// Session is one run of the handshake sequence. It is not safe for
// concurrent use.
type Session struct {
	cfg   Config
	radio Radio
	log   *slog.Logger

	step    Step
	iter    int
	started bool
}

// NewSession creates a session positioned at StepEnterCommandMode.
// Negative settle delays disable the corresponding delay.
func NewSession(radio Radio, cfg Config) *Session {
	cfg.setDefaults()
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		cfg:   cfg,
		radio: radio,
		log:   logger.WithGroup("handshake"),
	}
}

// Step returns the current step.
func (s *Session) Step() Step {
	return s.step
}

// Iterations returns the number of polls spent in the current step.
func (s *Session) Iterations() int {
	return s.iter
}

// Run drives the session until it completes, fails or ctx is canceled.
// Failures are returned as *StepError.
func (s *Session) Run(ctx context.Context) error {
	for s.step != StepDone {
		if ctx.Err() != nil {
			return s.fail(ErrCanceled, nil)
		}
		if err := s.advance(ctx); err != nil {
			return err
		}
	}
	return nil
}

// advance performs one poll of the current step, moving to the next step on
// success and sleeping one poll interval otherwise.
func (s *Session) advance(ctx context.Context) error {
	switch s.step {
	case StepEnterCommandMode:
		if !s.started {
			s.log.Info("entering command mode")
			if err := s.radio.EnterCommandMode(); err != nil {
				return s.fail(ErrProtocol, err)
			}
			s.started = true
		}
		switch s.radio.CommandModeTick() {
		case xbee.ModeCommand:
			return s.next(ctx, 0)
		case xbee.ModeIdle:
			return s.fail(ErrTimeout, errors.New("radio never entered command mode"))
		}
		return s.wait(ctx, s.cfg.EnterPolls, s.cfg.EnterPollInterval)

	case StepSetAPIMode:
		return s.command(ctx, "AP 2", 0, s.cfg.SettleDelay)

	case StepVerifyAPIMode:
		return s.command(ctx, "AP", '2', 0)

	case StepSetAddressingMode:
		return s.command(ctx, "AO 1", 0, s.cfg.SettleDelay)

	case StepVerifyAddressingMode:
		return s.command(ctx, "AO", '1', 0)

	case StepExitCommandMode:
		if !s.started {
			s.log.Info("exiting command mode")
			if err := s.radio.ExitCommandMode(); err != nil {
				return s.fail(ErrProtocol, err)
			}
			s.started = true
		}
		if s.radio.CommandModeTick() == xbee.ModeIdle {
			return s.next(ctx, s.cfg.ExitSettleDelay)
		}
		return s.wait(ctx, s.cfg.ExitPolls, s.cfg.ExitPollInterval)

	case StepQueryDevice:
		if !s.started {
			s.log.Info("querying device")
			if err := s.radio.StartQuery(); err != nil && !errors.Is(err, xbee.ErrBusy) {
				return s.fail(ErrProtocol, err)
			}
			s.started = true
		}
		s.radio.Tick()
		err := s.radio.QueryStatus()
		switch {
		case err == nil:
			return s.next(ctx, 0)
		case errors.Is(err, xbee.ErrBusy):
			return s.wait(ctx, s.cfg.QueryPolls, s.cfg.QueryPollInterval)
		case errors.Is(err, xbee.ErrQueryTimeout):
			return s.fail(ErrTimeout, err)
		default:
			return s.fail(ErrProtocol, err)
		}

	case StepRegisterDiscover:
		s.radio.SetNodeHandler(s.cfg.NodeHandler)
		if err := s.radio.Discover(); err != nil {
			// The runtime tick loop repeats discovery.
			s.log.Warn("initial discovery request failed", "error", err)
		}
		return s.next(ctx, 0)
	}
	return nil
}

// command sends cmd once, then polls for its response. A non-zero expect
// requires one of the first three response characters to equal it.
func (s *Session) command(ctx context.Context, cmd string, expect byte, settle time.Duration) error {
	if !s.started {
		s.log.Info("sending command", "command", cmd)
		if err := s.radio.SendCommand(cmd); err != nil {
			return s.fail(ErrProtocol, err)
		}
		s.started = true
	}

	resp, err := s.radio.ReadResponse()
	if errors.Is(err, xbee.ErrAgain) {
		return s.wait(ctx, s.cfg.ResponsePolls, s.cfg.ResponsePollInterval)
	}
	if err != nil {
		return s.fail(ErrProtocol, err)
	}
	if expect != 0 && !responseHas(resp, expect) {
		return s.fail(ErrProtocol, fmt.Errorf("AT%s returned %q, want %q", cmd, resp, expect))
	}
	s.log.Debug("command response", "command", cmd, "response", resp)
	return s.next(ctx, settle)
}

func responseHas(resp string, want byte) bool {
	for i := 0; i < 3 && i < len(resp); i++ {
		if resp[i] == want {
			return true
		}
	}
	return false
}

// wait counts one poll against limit and sleeps for interval.
func (s *Session) wait(ctx context.Context, limit int, interval time.Duration) error {
	s.iter++
	if s.iter >= limit {
		return s.fail(ErrTimeout, fmt.Errorf("no progress after %d polls", s.iter))
	}
	if err := s.cfg.Clock.Sleep(ctx, interval); err != nil {
		return s.fail(ErrCanceled, nil)
	}
	return nil
}

// next moves to the following step after an optional settle delay.
func (s *Session) next(ctx context.Context, settle time.Duration) error {
	s.log.Debug("step complete", "step", s.step.String(), "polls", s.iter)
	s.step++
	s.iter = 0
	s.started = false
	if s.step == StepDone {
		s.log.Info("handshake complete")
		return nil
	}
	if settle > 0 {
		if err := s.cfg.Clock.Sleep(ctx, settle); err != nil {
			return s.fail(ErrCanceled, nil)
		}
	}
	return nil
}

func (s *Session) fail(kind, cause error) error {
	err := kind
	if cause != nil {
		err = fmt.Errorf("%w: %w", kind, cause)
	}
	if errors.Is(kind, ErrCanceled) {
		s.log.Info("handshake canceled", "step", s.step.String())
	} else {
		s.log.Error("handshake failed", "step", s.step.String(), "error", err)
		if s.step <= StepExitCommandMode {
			s.radio.ResetCommandMode()
		}
	}
	return &StepError{Step: s.step, Err: err}
}

// Outcome classifies the result of Run.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeCanceled
	OutcomeTimeout
	OutcomeProtocolError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeCanceled:
		return "canceled"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeProtocolError:
		return "protocol-error"
	default:
		return "unknown"
	}
}

// OutcomeOf classifies an error returned by Run.
func OutcomeOf(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, ErrCanceled):
		return OutcomeCanceled
	case errors.Is(err, ErrTimeout):
		return OutcomeTimeout
	default:
		return OutcomeProtocolError
	}
}
