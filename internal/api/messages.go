package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/codefionn/clinicchat/internal/chat"
)

// DefaultHistoryLimit is the backend's page size.
const DefaultHistoryLimit = 30

// Thread is a conversation visible to the user.
type Thread struct {
	ID       int64           `json:"id"`
	ClinicID int64           `json:"clinica_id"`
	Kind     chat.ThreadKind `json:"tipo"`
	Name     string          `json:"nome"`
	PeerID   *int64          `json:"outro_participante_id"`
	PeerName string          `json:"outro_participante_nome"`
}

// Title is a human readable label.
func (t Thread) Title() string {
	switch {
	case t.Name != "":
		return t.Name
	case t.PeerName != "":
		return t.PeerName
	default:
		return fmt.Sprintf("%s #%d", t.Kind, t.ID)
	}
}

// SendMessage implements chat.Sender.
func (c *Client) SendMessage(ctx context.Context, out chat.Outbound) (chat.Message, error) {
	var m chat.Message
	if err := c.doJSON(ctx, http.MethodPost, "mensagens", nil, out, c.currentAuth(), &m); err != nil {
		return chat.Message{}, err
	}
	return m, nil
}

// ClinicThread returns the clinic-wide thread, creating it on first use.
func (c *Client) ClinicThread(ctx context.Context, clinicID int64) (Thread, error) {
	var t Thread
	q := url.Values{"clinica_id": {strconv.FormatInt(clinicID, 10)}}
	if err := c.doJSON(ctx, http.MethodGet, "mensagens/clinic-thread", q, nil, c.currentAuth(), &t); err != nil {
		return Thread{}, err
	}
	return t, nil
}

// ListThreads returns the threads of the user in clinicID.
func (c *Client) ListThreads(ctx context.Context, clinicID int64) ([]Thread, error) {
	var threads []Thread
	q := url.Values{"clinica_id": {strconv.FormatInt(clinicID, 10)}}
	if err := c.doJSON(ctx, http.MethodGet, "mensagens/threads", q, nil, c.currentAuth(), &threads); err != nil {
		return nil, err
	}
	return threads, nil
}

// History returns one page of a thread, newest first. beforeID 0 starts at
// the newest message.
func (c *Client) History(ctx context.Context, clinicID, threadID, beforeID int64, limit int) ([]chat.Message, error) {
	q := url.Values{"clinica_id": {strconv.FormatInt(clinicID, 10)}}
	if beforeID > 0 {
		q.Set("before_id", strconv.FormatInt(beforeID, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var msgs []chat.Message
	if err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("mensagens/thread/%d", threadID), q, nil, c.currentAuth(), &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// ResolveScope fills in the clinic-wide thread of a clinic scope.
func (c *Client) ResolveScope(ctx context.Context, scope chat.Scope) (chat.Scope, error) {
	if scope.Kind != chat.ScopeClinic || scope.ThreadID != 0 {
		return scope, nil
	}
	t, err := c.ClinicThread(ctx, scope.ClinicID)
	if err != nil {
		return scope, fmt.Errorf("resolve clinic thread: %w", err)
	}
	scope.ThreadID = t.ID
	return scope, nil
}

// FetchHistory implements chat.HistorySource with the newest page.
func (c *Client) FetchHistory(ctx context.Context, scope chat.Scope) ([]chat.Message, error) {
	scope, err := c.ResolveScope(ctx, scope)
	if err != nil {
		return nil, err
	}
	return c.History(ctx, scope.ClinicID, scope.ThreadID, 0, DefaultHistoryLimit)
}

// SocketURL implements chat.URLBuilder. The backend streams a whole clinic
// over one socket; thread filtering happens locally.
func (c *Client) SocketURL(scope chat.Scope, token string) (string, error) {
	if err := scope.Validate(); err != nil {
		return "", err
	}
	u := c.base.ResolveReference(&url.URL{Path: fmt.Sprintf("mensagens/ws/clinica/%d", scope.ClinicID)})
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.RawQuery = url.Values{"token": {token}}.Encode()
	return u.String(), nil
}
