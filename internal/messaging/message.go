// Package messaging defines the message envelope, processing context, and the
// decorator-chain abstractions that every HeroMessaging component is built on.
package messaging

import (
	"time"

	"go.heromessaging.dev/heromessaging/internal/idgen"
)

// Kind tags the three message variants carried over a single envelope shape.
type Kind int

const (
	KindCommand Kind = iota
	KindQuery
	KindEvent
)

func (k Kind) String() string {
	switch k {
	case KindCommand:
		return "command"
	case KindQuery:
		return "query"
	case KindEvent:
		return "event"
	default:
		return "unknown"
	}
}

// Envelope is the immutable wire representation of a message: payload plus
// headers. Envelopes are never mutated after construction; handlers and
// decorators that need to carry derived state use ProcessingContext's
// attribute bag instead.
type Envelope struct {
	ID              string
	Kind            Kind
	Type            string // concrete payload type name, used for handler resolution
	Payload         any
	CreatedAt       time.Time
	CorrelationID   string
	CausationID     string
	Metadata        map[string]string
}

// NewEnvelope constructs an envelope with a fresh id and timestamp. If
// correlationID is empty, the envelope's own id is used as its correlation
// id (it starts a new logical conversation).
func NewEnvelope(kind Kind, msgType string, payload any, opts ...EnvelopeOption) *Envelope {
	e := &Envelope{
		ID:        idgen.Generate(),
		Kind:      kind,
		Type:      msgType,
		Payload:   payload,
		CreatedAt: time.Now(),
		Metadata:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.CorrelationID == "" {
		e.CorrelationID = e.ID
	}
	return e
}

// EnvelopeOption customizes envelope construction.
type EnvelopeOption func(*Envelope)

func WithCorrelationID(id string) EnvelopeOption {
	return func(e *Envelope) { e.CorrelationID = id }
}

func WithCausationID(id string) EnvelopeOption {
	return func(e *Envelope) { e.CausationID = id }
}

func WithMetadata(key, value string) EnvelopeOption {
	return func(e *Envelope) {
		if e.Metadata == nil {
			e.Metadata = make(map[string]string)
		}
		e.Metadata[key] = value
	}
}

// Result is what a processor returns: either a payload (commands may produce
// one, queries always do, events never do) or a failure.
type Result struct {
	Payload any
	Err     error
}

func Success(payload any) Result { return Result{Payload: payload} }
func Failure(err error) Result   { return Result{Err: err} }

func (r Result) Failed() bool { return r.Err != nil }
