package xbee

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/paralin/xbee-netdev/core"
	"github.com/paralin/xbee-netdev/core/codec"
)

// Info holds the values read by the device query.
type Info struct {
	Addr            core.MeshAddress
	NetworkAddr     uint16
	MaxPayload      uint16
	FirmwareVersion uint16
	HardwareVersion uint16
	APIMode         byte
	AddressingMode  byte
}

type queryCommand struct {
	name     string
	required bool
	apply    func(info *Info, data []byte)
}

func be16(data []byte) uint16 {
	if len(data) < 2 {
		if len(data) == 1 {
			return uint16(data[0])
		}
		return 0
	}
	return binary.BigEndian.Uint16(data[len(data)-2:])
}

func lastByte(data []byte) byte {
	if len(data) == 0 {
		return 0
	}
	return data[len(data)-1]
}

// queryCommands are issued in order by StartQuery.
var queryCommands = []queryCommand{
	{"SH", true, func(info *Info, data []byte) {
		if len(data) >= 4 {
			copy(info.Addr[0:4], data[len(data)-4:])
		}
	}},
	{"SL", true, func(info *Info, data []byte) {
		if len(data) >= 4 {
			copy(info.Addr[4:8], data[len(data)-4:])
		}
	}},
	{"MY", false, func(info *Info, data []byte) { info.NetworkAddr = be16(data) }},
	{"NP", false, func(info *Info, data []byte) { info.MaxPayload = be16(data) }},
	{"VR", false, func(info *Info, data []byte) { info.FirmwareVersion = be16(data) }},
	{"HV", false, func(info *Info, data []byte) { info.HardwareVersion = be16(data) }},
	{"AP", false, func(info *Info, data []byte) { info.APIMode = lastByte(data) }},
	{"AO", false, func(info *Info, data []byte) { info.AddressingMode = lastByte(data) }},
}

type queryState struct {
	started bool
	done    bool
	err     error
	index   int
	frameID byte
	sentAt  time.Time
	retries int
}

func (q *queryState) busy() bool {
	return q.started && !q.done
}

// StartQuery begins reading the radio's identity and capabilities. Progress
// is driven by received responses and by Tick; QueryStatus reports the
// outcome.
func (d *Device) StartQuery() error {
	d.mu.Lock()
	if d.query.busy() {
		d.mu.Unlock()
		return ErrBusy
	}
	d.query = queryState{started: true}
	d.mu.Unlock()

	d.log.Debug("starting device query")
	d.sendQueryCommand(queryCommands[0].name)
	return nil
}

// QueryStatus returns nil once the query completed, ErrBusy while it is in
// progress, or the error that ended it.
func (d *Device) QueryStatus() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch {
	case !d.query.started:
		return ErrNoQuery
	case !d.query.done:
		return ErrBusy
	default:
		return d.query.err
	}
}

// sendQueryCommand transmits the current query command with a fresh frame ID.
func (d *Device) sendQueryCommand(name string) {
	d.mu.Lock()
	if !d.query.busy() {
		d.mu.Unlock()
		return
	}
	id := d.allocFrameID()
	d.query.frameID = id
	d.query.sentAt = d.clock.Now()
	d.mu.Unlock()

	cmd := codec.NewATCommand(id, name, nil)
	if err := d.SendFrame(codec.FrameATCommand, cmd.Payload()); err != nil {
		// Retried by Tick after CommandTimeout.
		d.log.Warn("device query send failed", "command", name, "error", err)
	}
}

// queryResponse applies resp if it answers the outstanding query command.
// It returns the next command to send, or "" when the query is finished.
func (d *Device) queryResponse(resp *codec.ATResponse) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.query.busy() || resp.FrameID != d.query.frameID {
		return "", false
	}
	qc := queryCommands[d.query.index]
	if resp.Name() != qc.name {
		return "", false
	}

	if resp.Status == codec.ATStatusOK {
		qc.apply(&d.info, resp.Data)
	} else if qc.required {
		d.query.done = true
		d.query.err = fmt.Errorf("device query %s: %s", qc.name, resp.Status)
		d.log.Warn("device query failed", "command", qc.name, "status", resp.Status.String())
		return "", true
	}

	d.query.index++
	d.query.retries = 0
	if d.query.index >= len(queryCommands) {
		d.query.done = true
		d.log.Info("device query complete",
			"addr", d.info.Addr,
			"network", fmt.Sprintf("0x%04x", d.info.NetworkAddr),
			"firmware", fmt.Sprintf("0x%04x", d.info.FirmwareVersion),
			"max_payload", d.info.MaxPayload)
		return "", true
	}
	return queryCommands[d.query.index].name, true
}

// Tick drives the device's protocol timers: query command timeouts and
// retries. It is called periodically by the owner.
func (d *Device) Tick() {
	d.mu.Lock()
	if !d.query.busy() || d.clock.Now().Sub(d.query.sentAt) < d.cfg.CommandTimeout {
		d.mu.Unlock()
		return
	}
	name := queryCommands[d.query.index].name
	if d.query.retries >= d.cfg.QueryRetries {
		d.query.done = true
		d.query.err = fmt.Errorf("%w: no response to %s", ErrQueryTimeout, name)
		d.mu.Unlock()
		d.log.Warn("device query timed out", "command", name)
		return
	}
	d.query.retries++
	d.mu.Unlock()

	d.log.Debug("retrying device query command", "command", name)
	d.sendQueryCommand(name)
}

// Info returns the values read by the device query.
func (d *Device) Info() Info {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.info
}

// Address returns the radio's own mesh address.
func (d *Device) Address() core.MeshAddress {
	return d.Info().Addr
}
