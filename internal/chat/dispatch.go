package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidDestination reports a send that cannot be routed.
	ErrInvalidDestination = errors.New("chat: invalid destination")
	ErrEmptyBody          = errors.New("chat: empty message body")
)

// ThreadKind mirrors the backend's tipo_thread.
type ThreadKind string

const (
	ThreadDM     ThreadKind = "dm"
	ThreadClinic ThreadKind = "clinic"
	ThreadGroup  ThreadKind = "group"
)

// Destination says where an outbound message goes: an existing thread, a
// new direct conversation with RecipientID, or the clinic-wide channel.
type Destination struct {
	Kind        ThreadKind
	ClinicID    int64
	ThreadID    int64
	RecipientID int64
}

// Outbound is the request body of a send.
type Outbound struct {
	Body           string     `json:"texto"`
	ClinicID       int64      `json:"clinica_id"`
	Kind           ThreadKind `json:"tipo_thread"`
	ThreadID       *int64     `json:"thread_id,omitempty"`
	DestinatarioID *int64     `json:"destinatario_id,omitempty"`
}

// BuildOutbound attaches the scope discriminator for dest: thread_id when a
// thread is selected, destinatario_id for a new direct conversation and
// nothing for a clinic-wide message.
func BuildOutbound(body string, dest Destination) (Outbound, error) {
	if strings.TrimSpace(body) == "" {
		return Outbound{}, ErrEmptyBody
	}
	if dest.ClinicID <= 0 {
		return Outbound{}, fmt.Errorf("%w: no clinic", ErrInvalidDestination)
	}
	kind := dest.Kind
	if kind == "" {
		kind = ThreadDM
	}

	out := Outbound{Body: body, ClinicID: dest.ClinicID, Kind: kind}
	switch {
	case dest.ThreadID > 0:
		id := dest.ThreadID
		out.ThreadID = &id
	case kind == ThreadDM && dest.RecipientID > 0:
		id := dest.RecipientID
		out.DestinatarioID = &id
	case kind == ThreadClinic:
	default:
		return Outbound{}, fmt.Errorf("%w: %s message needs a thread or recipient", ErrInvalidDestination, kind)
	}
	return out, nil
}

// Sender performs the send request.
type Sender interface {
	SendMessage(ctx context.Context, out Outbound) (Message, error)
}

// Dispatcher sends messages over the request channel, never the socket.
// Nothing is added to any log: the message shows up once the backend
// broadcasts it.
type Dispatcher struct {
	sender Sender
}

func NewDispatcher(s Sender) *Dispatcher {
	return &Dispatcher{sender: s}
}

// Send validates dest and issues the request. It returns the stored message
// as confirmed by the backend.
func (d *Dispatcher) Send(ctx context.Context, body string, dest Destination) (Message, error) {
	out, err := BuildOutbound(body, dest)
	if err != nil {
		return Message{}, err
	}
	msg, err := d.sender.SendMessage(ctx, out)
	if err != nil {
		return Message{}, fmt.Errorf("send message: %w", err)
	}
	return msg, nil
}
