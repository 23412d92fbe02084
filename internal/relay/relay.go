// Package relay is the entry point for callers of the file relay. It checks
// input against the configured limits and translates lifecycle outcomes into
// application errors.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/file-relay-go/internal/envelope"
	apperrors "github.com/openclaw/file-relay-go/internal/errors"
	"github.com/openclaw/file-relay-go/internal/model"
	"github.com/openclaw/file-relay-go/internal/service"
	"github.com/openclaw/file-relay-go/internal/store"
	"github.com/openclaw/file-relay-go/internal/util"
)

const transferResource = "Transfer"

type Options struct {
	MinTTL          time.Duration
	MaxTTL          time.Duration
	DefaultTTL      time.Duration
	MaxPayloadBytes int64
	MaxFiles        int
	PublicBaseURL   string
}

type File struct {
	Name string
	Data []byte
}

type CreateResult struct {
	Token     string                `json:"token"`
	Key       string                `json:"key,omitempty"`
	Link      string                `json:"link"`
	ExpiresAt time.Time             `json:"expiresAt"`
	ExpiresIn int                   `json:"expiresIn"`
	OneShot   bool                  `json:"oneShot"`
	Files     []service.FileSummary `json:"files"`
}

type RetrievedFile struct {
	Name      string
	Data      []byte
	Size      int64
	DigestHex string
}

type Relay struct {
	sessions *service.SessionService
	opts     Options
}

func New(sessions *service.SessionService, opts Options) *Relay {
	return &Relay{sessions: sessions, opts: opts}
}

// Create validates files and ttlSeconds and starts a transfer.
func (r *Relay) Create(ctx context.Context, files []File, ttlSeconds int) (*CreateResult, error) {
	ttl, err := r.resolveTTL(ttlSeconds)
	if err != nil {
		return nil, err
	}

	if len(files) == 0 {
		return nil, apperrors.InvalidInput("files", "at least one file is required")
	}
	if len(files) > r.opts.MaxFiles {
		return nil, apperrors.InvalidInput("files", fmt.Sprintf("at most %d files per transfer", r.opts.MaxFiles))
	}

	var total int64
	prepared := make([]model.File, len(files))
	for i, f := range files {
		total += int64(len(f.Data))
		if total > r.opts.MaxPayloadBytes {
			return nil, apperrors.InvalidInput("files", fmt.Sprintf("total payload exceeds %d bytes", r.opts.MaxPayloadBytes))
		}
		prepared[i] = model.File{Name: SanitizeFileName(f.Name, i), Data: f.Data}
	}

	result, err := r.sessions.Submit(ctx, prepared, ttl)
	if err != nil {
		return nil, translate(err)
	}

	return &CreateResult{
		Token:     result.Token,
		Key:       r.deliveredKey(result.Key),
		Link:      r.shareLink(result.Token, result.Key),
		ExpiresAt: result.ExpiresAt,
		ExpiresIn: int(ttl / time.Second),
		OneShot:   result.OneShot,
		Files:     result.Files,
	}, nil
}

// Retrieve returns the files of a live transfer. key may be empty when the
// server holds the key.
func (r *Relay) Retrieve(ctx context.Context, token, key string) ([]RetrievedFile, error) {
	if !util.IsValidToken(token) {
		return nil, apperrors.InvalidInput("token", "must be 32 lowercase hex characters")
	}
	key = strings.ToLower(strings.TrimSpace(key))
	if key != "" && !util.IsValidKey(key) {
		return nil, apperrors.InvalidInput("key", "must be 64 hex characters")
	}

	files, err := r.sessions.Retrieve(ctx, token, key)
	if err != nil {
		return nil, translate(err)
	}

	out := make([]RetrievedFile, len(files))
	for i, f := range files {
		out[i] = RetrievedFile{Name: f.Name, Data: f.Data, Size: f.Size, DigestHex: f.Digest}
	}
	return out, nil
}

// Destroy ends a transfer. Destroying an unknown or finished transfer reports
// false without error.
func (r *Relay) Destroy(ctx context.Context, token string) (bool, error) {
	if !util.IsValidToken(token) {
		return false, apperrors.InvalidInput("token", "must be 32 lowercase hex characters")
	}

	removed, err := r.sessions.Destroy(ctx, token)
	if err != nil {
		return false, translate(err)
	}
	return removed, nil
}

// Lookup reports when a live transfer expires.
func (r *Relay) Lookup(ctx context.Context, token string) (time.Time, error) {
	if !util.IsValidToken(token) {
		return time.Time{}, apperrors.InvalidInput("token", "must be 32 lowercase hex characters")
	}

	expiresAt, err := r.sessions.Lookup(ctx, token)
	if err != nil {
		return time.Time{}, translate(err)
	}
	return expiresAt, nil
}

// Count returns the number of stored transfers, including expired ones not
// yet swept.
func (r *Relay) Count(ctx context.Context) (int64, error) {
	n, err := r.sessions.Count(ctx)
	if err != nil {
		return 0, translate(fmt.Errorf("%w: %w", service.ErrStore, err))
	}
	return n, nil
}

// DefaultTTLSeconds is the TTL callers should pass when the sender chose none.
func (r *Relay) DefaultTTLSeconds() int {
	return int(r.opts.DefaultTTL / time.Second)
}

func (r *Relay) resolveTTL(ttlSeconds int) (time.Duration, error) {
	ttl := time.Duration(ttlSeconds) * time.Second
	if ttlSeconds <= 0 || ttl < r.opts.MinTTL || ttl > r.opts.MaxTTL {
		return 0, apperrors.InvalidInput("ttl", fmt.Sprintf("must be between %d and %d seconds",
			int(r.opts.MinTTL/time.Second), int(r.opts.MaxTTL/time.Second)))
	}
	return ttl, nil
}

func (r *Relay) deliveredKey(key string) string {
	if r.sessions.KeyDelivery() == model.KeyDeliveryLink {
		return ""
	}
	return key
}

func (r *Relay) shareLink(token, key string) string {
	link := strings.TrimRight(r.opts.PublicBaseURL, "/") + "/v1/transfers/" + url.PathEscape(token)
	if r.sessions.KeyDelivery() == model.KeyDeliveryLink && key != "" {
		link += "#key=" + key
	}
	return link
}

func translate(err error) error {
	var integrityErr *service.IntegrityError
	switch {
	case errors.Is(err, service.ErrNotFound):
		return apperrors.NotFound(transferResource)
	case errors.Is(err, service.ErrExpired):
		return apperrors.Expired(transferResource)
	case errors.Is(err, service.ErrInvalidKey):
		return apperrors.InvalidKey()
	case errors.As(err, &integrityErr):
		if errors.Is(integrityErr.Err, envelope.ErrDigestMismatch) {
			return apperrors.DigestMismatch(integrityErr.Name).WithCause(err)
		}
		return apperrors.IntegrityFailure(integrityErr.Name).WithCause(err)
	case errors.Is(err, store.ErrTokenSpace):
		return apperrors.Internal("Could not allocate a transfer token").WithCause(err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, service.ErrStore):
		log.Error().Err(err).Msg("session store failure")
		return apperrors.Store(err)
	}

	log.Error().Err(err).Msg("relay operation failed")
	return apperrors.Internal("Internal error").WithCause(err)
}
