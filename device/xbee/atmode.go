package xbee

import (
	"bytes"
	"time"
)

// Mode is the command mode state of a Device.
type Mode int

const (
	// ModeIdle is normal framed operation.
	ModeIdle Mode = iota
	// ModePreEscape waits out the leading guard time before the escape sequence.
	ModePreEscape
	// ModePostEscape waits for the radio to acknowledge the escape sequence.
	ModePostEscape
	// ModeCommand accepts textual AT requests.
	ModeCommand
	// ModeExiting waits for the radio to acknowledge ATCN.
	ModeExiting
)

func (m Mode) String() string {
	switch m {
	case ModeIdle:
		return "idle"
	case ModePreEscape:
		return "pre-escape"
	case ModePostEscape:
		return "post-escape"
	case ModeCommand:
		return "command"
	case ModeExiting:
		return "exiting"
	default:
		return "unknown"
	}
}

var okLine = []byte("OK\r")

type atState struct {
	mode    Mode
	stamp   time.Time // entry into the current mode
	active  time.Time // last command mode activity
	waiting bool
	buf     []byte
}

// capturing reports whether received bytes belong to command mode text.
func (s *atState) capturing() bool {
	switch s.mode {
	case ModePostEscape, ModeCommand, ModeExiting:
		return true
	}
	return false
}

func (s *atState) enter(m Mode, now time.Time) {
	s.mode = m
	s.stamp = now
	s.active = now
	s.waiting = false
	s.buf = s.buf[:0]
}

// takeLine removes and returns the first CR-terminated line.
func (s *atState) takeLine() ([]byte, bool) {
	i := bytes.IndexByte(s.buf, '\r')
	if i < 0 {
		return nil, false
	}
	line := append([]byte(nil), s.buf[:i]...)
	s.buf = append(s.buf[:0], s.buf[i+1:]...)
	return line, true
}

// Mode returns the current command mode state.
func (d *Device) Mode() Mode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.at.mode
}

// EnterCommandMode starts the escape sequence. Progress is made by calling
// CommandModeTick until it reports ModeCommand, or ModeIdle on failure.
func (d *Device) EnterCommandMode() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.at.mode != ModeIdle {
		return ErrBusy
	}
	d.at.enter(ModePreEscape, d.clock.Now())
	d.log.Debug("entering command mode", "guard_time", d.cfg.GuardTime)
	return nil
}

// CommandModeTick advances the command mode timers and returns the mode.
func (d *Device) CommandModeTick() Mode {
	d.mu.Lock()
	now := d.clock.Now()
	var escape bool
	switch d.at.mode {
	case ModePreEscape:
		if now.Sub(d.at.stamp) >= d.cfg.GuardTime {
			d.at.enter(ModePostEscape, now)
			escape = true
		}

	case ModePostEscape:
		if bytes.Contains(d.at.buf, okLine) {
			d.at.enter(ModeCommand, now)
			d.log.Debug("command mode entered")
		} else if now.Sub(d.at.stamp) > 2*d.cfg.GuardTime {
			d.at.enter(ModeIdle, now)
			d.log.Debug("no response to escape sequence")
		}

	case ModeCommand:
		if now.Sub(d.at.active) > d.cfg.IdleTimeout {
			d.at.enter(ModeIdle, now)
			d.log.Debug("command mode idle timeout")
		}

	case ModeExiting:
		if bytes.Contains(d.at.buf, okLine) || now.Sub(d.at.stamp) > d.cfg.GuardTime {
			d.at.enter(ModeIdle, now)
			d.log.Debug("command mode exited")
		}
	}
	mode := d.at.mode
	d.mu.Unlock()

	if escape {
		seq := []byte{d.cfg.EscapeChar, d.cfg.EscapeChar, d.cfg.EscapeChar}
		if err := d.write(seq); err != nil {
			d.log.Warn("escape sequence write failed", "error", err)
		}
	}
	return mode
}

// ResetCommandMode abandons any command mode exchange and returns the
// Device to ModeIdle. If the radio may still be in command mode, ATCN is
// sent so the next escape sequence starts from framed operation.
func (d *Device) ResetCommandMode() {
	d.mu.Lock()
	prev := d.at.mode
	d.at.enter(ModeIdle, d.clock.Now())
	d.mu.Unlock()

	if prev == ModeIdle {
		return
	}
	d.log.Debug("resetting command mode", "mode", prev.String())
	if prev == ModePostEscape || prev == ModeCommand {
		if err := d.write([]byte("ATCN\r")); err != nil {
			d.log.Warn("command mode exit write failed", "error", err)
		}
	}
}

// SendCommand sends "AT<cmd>\r", for example SendCommand("AP 2").
func (d *Device) SendCommand(cmd string) error {
	d.mu.Lock()
	if d.at.mode != ModeCommand {
		d.mu.Unlock()
		return ErrNotCommandMode
	}
	if d.at.waiting {
		d.mu.Unlock()
		return ErrBusy
	}
	d.at.waiting = true
	d.at.active = d.clock.Now()
	d.at.buf = d.at.buf[:0]
	d.mu.Unlock()

	d.log.Debug("sending command", "command", cmd)
	return d.write([]byte("AT" + cmd + "\r"))
}

// ReadResponse returns the response line for the last SendCommand without
// its terminating carriage return. It returns ErrAgain until the line is
// complete.
func (d *Device) ReadResponse() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.at.waiting {
		return "", ErrNotWaiting
	}
	line, ok := d.at.takeLine()
	if !ok {
		if len(d.at.buf) > d.cfg.MaxResponseSize {
			d.at.waiting = false
			d.at.buf = d.at.buf[:0]
			return "", ErrResponseTooLarge
		}
		return "", ErrAgain
	}
	d.at.waiting = false
	d.at.active = d.clock.Now()
	if len(line) > d.cfg.MaxResponseSize {
		return "", ErrResponseTooLarge
	}
	return string(line), nil
}

// ExitCommandMode sends ATCN. CommandModeTick reports ModeIdle once the
// radio has left command mode.
func (d *Device) ExitCommandMode() error {
	d.mu.Lock()
	if d.at.mode != ModeCommand {
		d.mu.Unlock()
		return ErrNotCommandMode
	}
	d.at.enter(ModeExiting, d.clock.Now())
	d.mu.Unlock()

	return d.write([]byte("ATCN\r"))
}
