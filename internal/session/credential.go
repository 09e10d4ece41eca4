package session

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/codefionn/clinicchat/internal/securemem"
)

var (
	// ErrInvalidCredential reports a credential that cannot be used, either
	// because it was built from bad input or because persisted state is
	// incomplete or unparsable.
	ErrInvalidCredential = errors.New("session: invalid credential")
	// ErrUnauthenticated is returned by operations that need a live credential.
	ErrUnauthenticated = errors.New("session: not authenticated")
	// ErrSessionEnded is returned when the session expired or was logged out
	// while an operation was in flight.
	ErrSessionEnded = errors.New("session: ended")
)

// Grant is the backend's answer to a login or refresh request.
type Grant struct {
	AccessToken string
	ExpiresIn   time.Duration
}

// Credential is an immutable access credential. A replaced credential is
// destroyed; reading its token afterwards yields "".
type Credential struct {
	token     *securemem.Secret
	issuedAt  time.Time
	expiresAt time.Time
	expiresIn time.Duration
	userID    int64
}

// NewCredential validates and seals token.
func NewCredential(token string, issuedAt, expiresAt time.Time) (*Credential, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: empty token", ErrInvalidCredential)
	}
	if !expiresAt.After(issuedAt) {
		return nil, fmt.Errorf("%w: expiry %s not after issuance %s",
			ErrInvalidCredential, expiresAt.Format(time.RFC3339), issuedAt.Format(time.RFC3339))
	}
	c := &Credential{
		token:     securemem.NewSecret(token),
		issuedAt:  issuedAt,
		expiresAt: expiresAt,
		expiresIn: expiresAt.Sub(issuedAt).Round(time.Second),
	}
	if claims, ok := inspectToken(token); ok {
		c.userID = claims.userID
	}
	return c, nil
}

// FromGrant builds the credential for a login or refresh response received
// at now.
func FromGrant(g Grant, now time.Time) (*Credential, error) {
	claims, _ := inspectToken(g.AccessToken)

	issued := now
	if !claims.issuedAt.IsZero() && !claims.issuedAt.After(now) {
		issued = claims.issuedAt
	}
	var expires time.Time
	switch {
	case g.ExpiresIn > 0:
		expires = now.Add(g.ExpiresIn)
	case !claims.expiresAt.IsZero():
		expires = claims.expiresAt
	default:
		return nil, fmt.Errorf("%w: grant carries no expiry", ErrInvalidCredential)
	}

	c, err := NewCredential(g.AccessToken, issued, expires)
	if err != nil {
		return nil, err
	}
	if g.ExpiresIn > 0 {
		c.expiresIn = g.ExpiresIn
	}
	return c, nil
}

// FromRecord rebuilds a credential from persisted state read at now. The
// record must not be expired.
func FromRecord(r Record, now time.Time) (*Credential, error) {
	claims, _ := inspectToken(r.Token)

	var issued time.Time
	switch {
	case !claims.issuedAt.IsZero():
		issued = claims.issuedAt
	case r.ExpiresIn > 0:
		issued = r.ExpiresAt.Add(-r.ExpiresIn)
	default:
		// issuance unknown; the expiry is all that matters for scheduling
		issued = now
	}

	c, err := NewCredential(r.Token, issued, r.ExpiresAt)
	if err != nil {
		return nil, err
	}
	if r.ExpiresIn > 0 {
		c.expiresIn = r.ExpiresIn
	}
	return c, nil
}

// Token returns the bearer token, or "" once the credential was destroyed.
func (c *Credential) Token() string {
	if c == nil {
		return ""
	}
	return c.token.String()
}

func (c *Credential) IssuedAt() time.Time  { return c.issuedAt }
func (c *Credential) ExpiresAt() time.Time { return c.expiresAt }

// ExpiresIn is the lifetime announced by the backend.
func (c *Credential) ExpiresIn() time.Duration { return c.expiresIn }

// UserID is the numeric "sub" claim, or 0 if the token carries none.
func (c *Credential) UserID() int64 {
	if c == nil {
		return 0
	}
	return c.userID
}

// Remaining returns the time left until expiry at now, never negative.
func (c *Credential) Remaining(now time.Time) time.Duration {
	if d := c.expiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Record returns the persisted form of c.
func (c *Credential) Record() Record {
	return Record{Token: c.Token(), ExpiresIn: c.expiresIn, ExpiresAt: c.expiresAt}
}

// Matches reports whether r describes the same credential.
func (c *Credential) Matches(r Record) bool {
	if c == nil {
		return false
	}
	return c.expiresAt.UnixMilli() == r.ExpiresAt.UnixMilli() && c.token.Equal(r.Token)
}

// Destroyed reports whether the token was wiped.
func (c *Credential) Destroyed() bool {
	return c == nil || c.token.IsEmpty()
}

func (c *Credential) destroy() {
	if c != nil {
		c.token.Destroy()
	}
}

func (c *Credential) String() string {
	if c == nil {
		return "<no credential>"
	}
	return fmt.Sprintf("credential(user=%d, expires=%s)", c.userID, c.expiresAt.Format(time.RFC3339))
}

type tokenClaims struct {
	userID    int64
	issuedAt  time.Time
	expiresAt time.Time
}

// inspectToken reads the claims of a JWT without verifying its signature;
// the backend is the only party that validates it. Opaque tokens report
// ok=false.
func inspectToken(token string) (tokenClaims, bool) {
	var out tokenClaims
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return out, false
	}

	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
		out.issuedAt = iat.Time
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		out.expiresAt = exp.Time
	}
	switch sub := claims["sub"].(type) {
	case string:
		if id, err := strconv.ParseInt(sub, 10, 64); err == nil {
			out.userID = id
		}
	case float64:
		out.userID = int64(sub)
	}
	return out, true
}
