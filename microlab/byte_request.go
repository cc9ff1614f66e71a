package microlab

import (
	"context"
	"fmt"
	"strings"

	"github.com/DolicaAkelloEgwel/syringeposter/logger"
)

// Status query codes the byte decoders issue.
const (
	instrumentStatusCode = "E1"
	busyStatusCode       = "T1"
	errorStatusCode      = "T2"
	timerStatusCode      = "E3"
)

// BitTable maps the bit positions of a status byte to semantic labels, most
// significant bit first: index 0 documents bit 7. Empty strings mark
// reserved bits.
type BitTable [8]string

// labels returns the entries for the set bits of value in table order,
// skipping reserved bits.
func (t BitTable) labels(value byte) []string {
	var labels []string
	for i, label := range t {
		if label == "" {
			continue
		}
		if value&(1<<(7-i)) != 0 {
			labels = append(labels, label)
		}
	}
	return labels
}

// ByteRequest decodes a query whose reply is one character interpreted as a
// bit-addressable status byte.
type ByteRequest struct {
	transactor Transactor
	log        logger.Logger
	code       string
	name       string
	table      BitTable
}

// NewByteRequest creates a status byte decoder. code is the query body,
// name identifies the request in failure logs, and table supplies the
// per-bit labels reported when bits are set.
func NewByteRequest(t Transactor, code, name string, table BitTable) *ByteRequest {
	return &ByteRequest{
		transactor: t,
		log:        t.GetLogger(),
		code:       code,
		name:       name,
		table:      table,
	}
}

// NewInstrumentStatusRequest creates the decoder for the instrument status
// query, which summarizes error and busy conditions across the instrument.
func NewInstrumentStatusRequest(t Transactor) *ByteRequest {
	return NewByteRequest(t, instrumentStatusCode, "instrument status request", BitTable{
		"",
		"",
		"",
		"Instrument error (valve or syringe error)",
		"Syntax error",
		"Valve drive(s) busy",
		"Syringe drive(s) busy",
		"Instrument idle, command buffer is not empty",
	})
}

// NewInstrumentBusyStatus creates the decoder for the busy status query,
// which reports each drive and input that is currently active.
func NewInstrumentBusyStatus(t Transactor) *ByteRequest {
	return NewByteRequest(t, busyStatusCode, "instrument busy status request", BitTable{
		"",
		"",
		"Handprobe/Foot switch active",
		"Prime/Step active",
		"Right syringe busy",
		"Right valve busy",
		"Left syringe busy",
		"Left valve busy",
	})
}

// NewInstrumentErrorStatus creates the decoder for the error status query,
// which flags which of the four drives is in error.
func NewInstrumentErrorStatus(t Transactor) *ByteRequest {
	return NewByteRequest(t, errorStatusCode, "instrument error status request", BitTable{
		"",
		"",
		"",
		"",
		"Right syringe error",
		"Right valve error",
		"Left syringe error",
		"Left valve error",
	})
}

// Request issues the query and returns the raw status byte. The labels of
// all set bits are reported in one log line; callers mask out the bits they
// need.
func (r *ByteRequest) Request(ctx context.Context) (byte, error) {
	reply, err := r.transactor.Transact(ctx, r.code)
	if err != nil {
		r.log.Error("Unable to carry out "+r.name, "error", err)
		return 0, err
	}

	if len(reply) != 1 {
		err := fmt.Errorf("%w: %s answered %q, want one status character", ErrUnexpectedReply, r.name, reply)
		r.log.Error("Unable to carry out "+r.name, "error", err)
		return 0, err
	}

	value := reply[0]
	if labels := r.table.labels(value); len(labels) > 0 {
		r.log.Info(strings.Join(labels, ", "))
	}

	return value, nil
}

// TimerStatus reports whether the instrument timer is counting down a
// delay. The busy flag is the least significant bit of the reply.
type TimerStatus struct {
	transactor Transactor
	log        logger.Logger
}

// NewTimerStatus creates the timer busy decoder.
func NewTimerStatus(t Transactor) *TimerStatus {
	return &TimerStatus{transactor: t, log: t.GetLogger()}
}

// Request issues the timer query and reports whether the timer is busy.
func (r *TimerStatus) Request(ctx context.Context) (bool, error) {
	reply, err := r.transactor.Transact(ctx, timerStatusCode)
	if err != nil {
		r.log.Error("Unable to carry out timer request", "error", err)
		return false, err
	}

	if len(reply) != 1 {
		err := fmt.Errorf("%w: timer request answered %q, want one status character", ErrUnexpectedReply, reply)
		r.log.Error("Unable to carry out timer request", "error", err)
		return false, err
	}

	busy := reply[0]&0x01 != 0
	if busy {
		r.log.Info("Timer is busy")
	} else {
		r.log.Info("Timer is not busy")
	}

	return busy, nil
}
