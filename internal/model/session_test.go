package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSession(t *testing.T) {
	expiresAt := time.Date(2026, 3, 1, 12, 0, 5, 0, time.UTC)
	session := &Session{
		Token:    "token",
		KeyCheck: []byte("check"),
		Envelopes: []FileEnvelope{
			{Name: "a.txt", PlaintextSize: 5},
			{Name: "b.bin", PlaintextSize: 2},
		},
		ExpiresAt: expiresAt,
	}

	t.Run("is expired from the deadline on", func(t *testing.T) {
		assert.False(t, session.IsExpired(expiresAt.Add(-time.Nanosecond)))
		assert.True(t, session.IsExpired(expiresAt))
		assert.True(t, session.IsExpired(expiresAt.Add(time.Second)))
	})

	t.Run("total size sums plaintext sizes", func(t *testing.T) {
		assert.Equal(t, int64(7), session.TotalSize())
		assert.Zero(t, (&Session{}).TotalSize())
	})

	t.Run("snapshot does not share the envelope slice", func(t *testing.T) {
		snap := session.Snapshot()
		snap.Envelopes[0].Name = "changed"
		snap.KeyCheck[0] = 'X'

		assert.Equal(t, "a.txt", session.Envelopes[0].Name)
		assert.Equal(t, []byte("check"), session.KeyCheck)
		assert.Equal(t, session.ExpiresAt, snap.ExpiresAt)
	})
}
