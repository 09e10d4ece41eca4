package session

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCredentialInvariants(t *testing.T) {
	_, err := NewCredential("", epoch, epoch.Add(time.Minute))
	assert.ErrorIs(t, err, ErrInvalidCredential)

	_, err = NewCredential("tok", epoch, epoch)
	assert.ErrorIs(t, err, ErrInvalidCredential)

	_, err = NewCredential("tok", epoch, epoch.Add(-time.Second))
	assert.ErrorIs(t, err, ErrInvalidCredential)

	c, err := NewCredential("tok", epoch, epoch.Add(15*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "tok", c.Token())
	assert.Equal(t, 15*time.Minute, c.ExpiresIn())
	assert.Zero(t, c.UserID())
}

func TestFromGrantReadsClaims(t *testing.T) {
	token := signedToken(t, jwt.MapClaims{
		"sub":        "42",
		"iat":        epoch.Add(-2 * time.Second).Unix(),
		"exp":        epoch.Add(time.Hour).Unix(),
		"clinica_id": 7,
	})

	c, err := FromGrant(Grant{AccessToken: token, ExpiresIn: 30 * time.Minute}, epoch)
	require.NoError(t, err)

	assert.Equal(t, int64(42), c.UserID())
	assert.True(t, epoch.Add(-2*time.Second).Equal(c.IssuedAt()), "issued at %s", c.IssuedAt())
	// expires_in wins over the exp claim
	assert.Equal(t, epoch.Add(30*time.Minute), c.ExpiresAt())
	assert.Equal(t, 30*time.Minute, c.ExpiresIn())
}

func TestFromGrantFallsBackToExpClaim(t *testing.T) {
	token := signedToken(t, jwt.MapClaims{"sub": float64(9), "exp": epoch.Add(10 * time.Minute).Unix()})

	c, err := FromGrant(Grant{AccessToken: token}, epoch)
	require.NoError(t, err)
	assert.True(t, epoch.Add(10*time.Minute).Equal(c.ExpiresAt()), "expires at %s", c.ExpiresAt())
	assert.Equal(t, int64(9), c.UserID())

	_, err = FromGrant(Grant{AccessToken: "opaque"}, epoch)
	assert.ErrorIs(t, err, ErrInvalidCredential)
}

func TestFromRecord(t *testing.T) {
	c, err := FromRecord(Record{Token: "opaque", ExpiresIn: time.Hour, ExpiresAt: epoch.Add(20 * time.Minute)}, epoch)
	require.NoError(t, err)
	assert.Equal(t, epoch.Add(-40*time.Minute), c.IssuedAt())
	assert.Equal(t, time.Hour, c.ExpiresIn())

	c, err = FromRecord(Record{Token: "opaque", ExpiresAt: epoch.Add(time.Minute)}, epoch)
	require.NoError(t, err)
	assert.Equal(t, epoch, c.IssuedAt())
}

func TestCredentialMatchesAndDestroy(t *testing.T) {
	c := mustCredential(t, "tok", epoch, time.Hour)
	rec := c.Record()

	assert.True(t, c.Matches(rec))
	assert.False(t, c.Matches(Record{Token: "other", ExpiresAt: rec.ExpiresAt}))
	assert.False(t, c.Matches(Record{Token: "tok", ExpiresAt: rec.ExpiresAt.Add(time.Second)}))

	c.destroy()
	assert.True(t, c.Destroyed())
	assert.Empty(t, c.Token())
	assert.Equal(t, time.Duration(0), c.Remaining(epoch.Add(2*time.Hour)))
}
