package microlab

import (
	"context"
	"errors"
	"fmt"

	"github.com/DolicaAkelloEgwel/syringeposter/logger"
)

// Single-character informational replies the instrument emits.
const (
	// ReplyYes is the affirmative informational reply.
	ReplyYes = "Y"
	// ReplyNo is the negative informational reply.
	ReplyNo = "N"
	// ReplyBusy is emitted by some queries while the instrument is
	// executing commands.
	ReplyBusy = "*"
)

// ErrUnexpectedReply indicates the instrument acknowledged a request but
// answered with a payload the decoder does not recognize.
var ErrUnexpectedReply = errors.New("microlab: unexpected reply")

// Transactor performs one framed request/response exchange with the
// instrument and returns the reply payload. *comms.Conn satisfies it.
type Transactor interface {
	Transact(ctx context.Context, body string) (string, error)
	GetLogger() logger.Logger
}

// addressed prefixes a fixed device address to every request body.
type addressed struct {
	Transactor
	addr string
}

func (a *addressed) Transact(ctx context.Context, body string) (string, error) {
	return a.Transactor.Transact(ctx, a.addr+body)
}

// InformationRequest decodes a query whose reply is a single character
// meaning yes or no. The human-readable meaning of the matched reply is
// reported through the transactor's logger.
type InformationRequest struct {
	transactor  Transactor
	log         logger.Logger
	code        string
	name        string
	yesMeaning  string
	noMeaning   string
	busyMeaning string
}

// InfoOption configures an InformationRequest.
type InfoOption interface {
	apply(*InformationRequest)
}

type infoOptFunc func(*InformationRequest)

func (f infoOptFunc) apply(r *InformationRequest) { f(r) }

// WithBusyMeaning makes the request accept the busy reply and report it as
// a negative answer with the given meaning. Queries configured without it
// treat the busy reply as unexpected.
func WithBusyMeaning(meaning string) InfoOption {
	return infoOptFunc(func(r *InformationRequest) {
		r.busyMeaning = meaning
	})
}

// NewInformationRequest creates a yes/no query decoder. code is the query
// body sent to the instrument, name identifies the request in failure logs,
// and the meanings are reported when the matching reply arrives.
func NewInformationRequest(t Transactor, code, name, yesMeaning, noMeaning string, opts ...InfoOption) *InformationRequest {
	r := &InformationRequest{
		transactor: t,
		log:        t.GetLogger(),
		code:       code,
		name:       name,
		yesMeaning: yesMeaning,
		noMeaning:  noMeaning,
	}

	for _, opt := range opts {
		opt.apply(r)
	}

	return r
}

// Request issues the query and reports whether the instrument answered yes.
// A busy reply, where accepted, reports false.
func (r *InformationRequest) Request(ctx context.Context) (bool, error) {
	reply, err := r.Reply(ctx)
	if err != nil {
		return false, err
	}
	return reply == ReplyYes, nil
}

// Reply issues the query and returns the raw reply character, logging its
// meaning. Callers that need to distinguish the negative reply from the
// busy reply use this instead of Request.
func (r *InformationRequest) Reply(ctx context.Context) (string, error) {
	reply, err := r.transactor.Transact(ctx, r.code)
	if err != nil {
		r.log.Error("Unable to carry out "+r.name, "error", err)
		return "", err
	}

	meaning, ok := r.meaning(reply)
	if !ok {
		err := fmt.Errorf("%w: %s answered %q", ErrUnexpectedReply, r.name, reply)
		r.log.Error("Unable to carry out "+r.name, "error", err)
		return "", err
	}

	r.log.Info(meaning)

	return reply, nil
}

func (r *InformationRequest) meaning(reply string) (string, bool) {
	switch reply {
	case ReplyYes:
		return r.yesMeaning, true
	case ReplyNo:
		return r.noMeaning, true
	case ReplyBusy:
		if r.busyMeaning != "" {
			return r.busyMeaning, true
		}
	}
	return "", false
}
