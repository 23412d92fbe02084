package model

import (
	"time"

	"github.com/awnumar/memguard"

	"github.com/openclaw/file-relay-go/internal/envelope"
)

// File is one uploaded file before sealing.
type File struct {
	Name string
	Data []byte
}

// FileEnvelope is the sealed, at-rest form of a File. Name is for display only.
type FileEnvelope struct {
	Name          string          `json:"name"`
	PlaintextSize int64           `json:"size"`
	Digest        string          `json:"digest"`
	Sealed        envelope.Sealed `json:"sealed"`
}

// Session is immutable once stored. Key is nil unless the server holds the
// key on the receiver's behalf.
type Session struct {
	Token     string
	Key       *memguard.Enclave
	KeyCheck  []byte
	Envelopes []FileEnvelope
	CreatedAt time.Time
	ExpiresAt time.Time
	OneShot   bool
}

func (s *Session) IsExpired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

func (s *Session) TotalSize() int64 {
	var total int64
	for _, env := range s.Envelopes {
		total += env.PlaintextSize
	}
	return total
}

// Snapshot returns a copy that shares the read-only ciphertext but not the
// envelope slice.
func (s *Session) Snapshot() *Session {
	cp := *s
	cp.Envelopes = make([]FileEnvelope, len(s.Envelopes))
	copy(cp.Envelopes, s.Envelopes)
	cp.KeyCheck = append([]byte(nil), s.KeyCheck...)
	return &cp
}

type CreateSessionParams struct {
	Key       *memguard.Enclave
	KeyCheck  []byte
	Envelopes []FileEnvelope
	CreatedAt time.Time
	ExpiresAt time.Time
	OneShot   bool
}

// RetrievedFile is a decrypted file as handed back to a receiver.
type RetrievedFile struct {
	Name   string
	Data   []byte
	Size   int64
	Digest string
}
