// Package store owns the table of live sessions. It is the only shared
// mutable state in the relay.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/openclaw/file-relay-go/internal/model"
	"github.com/openclaw/file-relay-go/internal/util"
)

const maxTokenAttempts = 8

var ErrTokenSpace = errors.New("store: could not allocate a unique token")

// SessionStore implementations return nil, nil from Get when the token is not
// live. Delete reports true only to the caller that actually removed the entry.
type SessionStore interface {
	Create(ctx context.Context, params model.CreateSessionParams) (string, error)
	Get(ctx context.Context, token string) (*model.Session, error)
	Delete(ctx context.Context, token string) (bool, error)
	Sweep(ctx context.Context, now time.Time) (int64, error)
	Len(ctx context.Context) (int64, error)
}

// TokenSource produces candidate session tokens.
type TokenSource func() (string, error)

func defaultTokenSource() (string, error) {
	return util.GenerateToken()
}
