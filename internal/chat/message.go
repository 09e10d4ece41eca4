package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrMalformedFrame is returned for inbound frames that cannot be applied.
var ErrMalformedFrame = errors.New("chat: malformed frame")

// Message is one chat message. Read is derived locally.
type Message struct {
	ID         int64     `json:"id"`
	ThreadID   int64     `json:"thread_id,omitempty"`
	ClinicID   int64     `json:"clinica_id,omitempty"`
	SenderID   int64     `json:"remetente_id"`
	SenderName string    `json:"remetente_nome,omitempty"`
	Body       string    `json:"texto"`
	CreatedAt  time.Time `json:"created_at"`
	Read       bool      `json:"lida"`
}

// wireMessage keeps field presence so required fields can be checked.
type wireMessage struct {
	ID         *int64  `json:"id"`
	ThreadID   *int64  `json:"thread_id"`
	ClinicID   *int64  `json:"clinica_id"`
	SenderID   *int64  `json:"remetente_id"`
	SenderName *string `json:"remetente_nome"`
	Body       *string `json:"texto"`
	CreatedAt  *string `json:"created_at"`
	Read       *bool   `json:"lida"`
}

// UnmarshalJSON accepts the backend's message and broadcast shapes.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	var missing []string
	if w.ID == nil {
		missing = append(missing, "id")
	}
	if w.SenderID == nil {
		missing = append(missing, "remetente_id")
	}
	if w.Body == nil {
		missing = append(missing, "texto")
	}
	if w.CreatedAt == nil {
		missing = append(missing, "created_at")
	}
	if w.ThreadID == nil && w.ClinicID == nil {
		missing = append(missing, "thread_id|clinica_id")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing %s", strings.Join(missing, ", "))
	}

	created, err := ParseTimestamp(*w.CreatedAt)
	if err != nil {
		return err
	}

	*m = Message{
		ID:        *w.ID,
		SenderID:  *w.SenderID,
		Body:      *w.Body,
		CreatedAt: created,
	}
	if w.ThreadID != nil {
		m.ThreadID = *w.ThreadID
	}
	if w.ClinicID != nil {
		m.ClinicID = *w.ClinicID
	}
	if w.SenderName != nil {
		m.SenderName = *w.SenderName
	}
	if w.Read != nil {
		m.Read = *w.Read
	}
	return nil
}

// ParseFrame decodes one inbound socket frame.
func ParseFrame(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if m.ID <= 0 {
		return Message{}, fmt.Errorf("%w: id %d", ErrMalformedFrame, m.ID)
	}
	return m, nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	// datetime.isoformat() of a naive UTC datetime
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// ParseTimestamp parses an ISO-8601 timestamp. Values without a zone are
// taken as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
}
