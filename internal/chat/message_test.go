package chat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFrameBroadcast(t *testing.T) {
	m, err := ParseFrame([]byte(`{"id":12,"texto":"olá","remetente_id":3,"remetente_nome":"Ana","clinica_id":2,"thread_id":8,"created_at":"2026-03-04T09:15:30.123456"}`))
	require.NoError(t, err)

	assert.Equal(t, int64(12), m.ID)
	assert.Equal(t, int64(8), m.ThreadID)
	assert.Equal(t, int64(2), m.ClinicID)
	assert.Equal(t, int64(3), m.SenderID)
	assert.Equal(t, "Ana", m.SenderName)
	assert.Equal(t, "olá", m.Body)
	assert.True(t, time.Date(2026, 3, 4, 9, 15, 30, 123456000, time.UTC).Equal(m.CreatedAt))
}

func TestParseFrameNullThread(t *testing.T) {
	m, err := ParseFrame([]byte(`{"id":1,"texto":"x","remetente_id":3,"clinica_id":2,"thread_id":null,"created_at":"2026-03-04T09:15:30Z","lida":true}`))
	require.NoError(t, err)
	assert.Zero(t, m.ThreadID)
	assert.Equal(t, int64(2), m.ClinicID)
	assert.True(t, m.Read)
}

func TestParseFrameRejects(t *testing.T) {
	for name, data := range map[string]string{
		"not json":     `hello`,
		"array":        `[1,2]`,
		"no id":        `{"texto":"x","remetente_id":3,"thread_id":1,"created_at":"2026-03-04T09:00:00"}`,
		"zero id":      `{"id":0,"texto":"x","remetente_id":3,"thread_id":1,"created_at":"2026-03-04T09:00:00"}`,
		"no sender":    `{"id":1,"texto":"x","thread_id":1,"created_at":"2026-03-04T09:00:00"}`,
		"no body":      `{"id":1,"remetente_id":3,"thread_id":1,"created_at":"2026-03-04T09:00:00"}`,
		"no timestamp": `{"id":1,"texto":"x","remetente_id":3,"thread_id":1}`,
		"no scope":     `{"id":1,"texto":"x","remetente_id":3,"created_at":"2026-03-04T09:00:00"}`,
		"bad time":     `{"id":1,"texto":"x","remetente_id":3,"thread_id":1,"created_at":"04/03/2026"}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseFrame([]byte(data))
			assert.ErrorIs(t, err, ErrMalformedFrame)
		})
	}
}

func TestParseTimestampZones(t *testing.T) {
	want := time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC)
	for _, s := range []string{
		"2026-03-04T09:00:00",
		"2026-03-04 09:00:00",
		"2026-03-04T09:00:00Z",
		"2026-03-04T10:00:00+01:00",
	} {
		got, err := ParseTimestamp(s)
		require.NoError(t, err, s)
		assert.True(t, want.Equal(got), s)
		assert.Equal(t, time.UTC, got.Location(), s)
	}
}

func TestScopeValidate(t *testing.T) {
	assert.NoError(t, ThreadScope(1, 2).Validate())
	assert.NoError(t, ClinicScope(1).Validate())
	assert.ErrorIs(t, ThreadScope(0, 2).Validate(), ErrInvalidScope)
	assert.ErrorIs(t, ThreadScope(1, 0).Validate(), ErrInvalidScope)
	assert.ErrorIs(t, Scope{Kind: "group", ClinicID: 1}.Validate(), ErrInvalidScope)
}

func TestScopeMatches(t *testing.T) {
	thread := ThreadScope(1, 5)
	assert.True(t, thread.Matches(Message{ThreadID: 5, ClinicID: 1}))
	assert.True(t, thread.Matches(Message{ThreadID: 5}))
	assert.False(t, thread.Matches(Message{ThreadID: 6, ClinicID: 1}))
	assert.False(t, thread.Matches(Message{ThreadID: 5, ClinicID: 2}))

	clinic := ClinicScope(1)
	assert.True(t, clinic.Matches(Message{ClinicID: 1}))
	assert.False(t, clinic.Matches(Message{ThreadID: 5}))

	clinic.ThreadID = 40
	assert.True(t, clinic.Matches(Message{ThreadID: 40, ClinicID: 1}))
	assert.False(t, clinic.Matches(Message{ThreadID: 41, ClinicID: 1}))
}
