package chat

import (
	"errors"
	"fmt"
)

// ErrInvalidScope reports a scope that cannot identify a subscription.
var ErrInvalidScope = errors.New("chat: invalid scope")

// ScopeKind selects what a channel subscribes to.
type ScopeKind string

const (
	ScopeThread ScopeKind = "thread"
	ScopeClinic ScopeKind = "clinic"
)

// Scope identifies one socket subscription. It is immutable; switching
// conversations means a new Scope.
type Scope struct {
	Kind     ScopeKind
	ClinicID int64
	// ThreadID is required for thread scopes. For clinic scopes it is the
	// clinic-wide thread once resolved, and 0 before that.
	ThreadID int64
}

// ThreadScope returns the scope of one conversation thread.
func ThreadScope(clinicID, threadID int64) Scope {
	return Scope{Kind: ScopeThread, ClinicID: clinicID, ThreadID: threadID}
}

// ClinicScope returns the clinic-wide scope.
func ClinicScope(clinicID int64) Scope {
	return Scope{Kind: ScopeClinic, ClinicID: clinicID}
}

func (s Scope) Validate() error {
	if s.ClinicID <= 0 {
		return fmt.Errorf("%w: clinic id %d", ErrInvalidScope, s.ClinicID)
	}
	switch s.Kind {
	case ScopeThread:
		if s.ThreadID <= 0 {
			return fmt.Errorf("%w: thread scope without thread id", ErrInvalidScope)
		}
	case ScopeClinic:
		if s.ThreadID < 0 {
			return fmt.Errorf("%w: thread id %d", ErrInvalidScope, s.ThreadID)
		}
	default:
		return fmt.Errorf("%w: kind %q", ErrInvalidScope, s.Kind)
	}
	return nil
}

// Matches reports whether m belongs to s.
func (s Scope) Matches(m Message) bool {
	if m.ClinicID != 0 && m.ClinicID != s.ClinicID {
		return false
	}
	switch s.Kind {
	case ScopeThread:
		return m.ThreadID == s.ThreadID
	case ScopeClinic:
		if s.ThreadID != 0 {
			return m.ThreadID == s.ThreadID
		}
		return m.ClinicID == s.ClinicID
	}
	return false
}

func (s Scope) String() string {
	if s.Kind == ScopeThread || s.ThreadID != 0 {
		return fmt.Sprintf("%s(clinic=%d, thread=%d)", s.Kind, s.ClinicID, s.ThreadID)
	}
	return fmt.Sprintf("%s(clinic=%d)", s.Kind, s.ClinicID)
}
