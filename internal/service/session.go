package service

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/awnumar/memguard"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/openclaw/file-relay-go/internal/envelope"
	"github.com/openclaw/file-relay-go/internal/model"
	"github.com/openclaw/file-relay-go/internal/sse"
	"github.com/openclaw/file-relay-go/internal/store"
	"github.com/openclaw/file-relay-go/internal/util"
)

var (
	ErrNotFound   = errors.New("session not found")
	ErrExpired    = errors.New("session expired")
	ErrInvalidKey = errors.New("invalid session key")
	ErrStore      = errors.New("session store failure")
)

// IntegrityError reports the first envelope of a session that failed to open.
// Err is envelope.ErrIntegrity or envelope.ErrDigestMismatch.
type IntegrityError struct {
	Index int
	Name  string
	Err   error
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("file %d (%s): %v", e.Index, e.Name, e.Err)
}

func (e *IntegrityError) Unwrap() error {
	return e.Err
}

type EventPublisher interface {
	Publish(ctx context.Context, topic string, event sse.Event) error
}

type SessionOptions struct {
	KeyDelivery model.KeyDelivery
	OneShot     bool
	// Now defaults to time.Now.
	Now func() time.Time
}

type FileSummary struct {
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	Digest string `json:"digest"`
}

type SubmitResult struct {
	Token string
	// Key is the hex session key, empty when the server holds it.
	Key       string
	CreatedAt time.Time
	ExpiresAt time.Time
	OneShot   bool
	Files     []FileSummary
}

type SessionService struct {
	store       store.SessionStore
	codec       *envelope.Codec
	events      EventPublisher
	keyDelivery model.KeyDelivery
	oneShot     bool
	now         func() time.Time
}

func NewSessionService(
	sessionStore store.SessionStore,
	codec *envelope.Codec,
	events EventPublisher,
	opts SessionOptions,
) *SessionService {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	keyDelivery := opts.KeyDelivery
	if keyDelivery == "" {
		keyDelivery = model.KeyDeliverySeparate
	}
	return &SessionService{
		store:       sessionStore,
		codec:       codec,
		events:      events,
		keyDelivery: keyDelivery,
		oneShot:     opts.OneShot,
		now:         now,
	}
}

func (s *SessionService) KeyDelivery() model.KeyDelivery {
	return s.keyDelivery
}

// Submit seals every file under a fresh session key and stores the session.
// Nothing is stored unless all files seal.
func (s *SessionService) Submit(ctx context.Context, files []model.File, ttl time.Duration) (*SubmitResult, error) {
	key, err := s.codec.NewKey()
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(key)

	envelopes := make([]model.FileEnvelope, len(files))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, file := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			size := int64(len(file.Data))
			sealed, digest, err := s.codec.Seal(file.Data, key, envelope.AAD(i, file.Name, size))
			if err != nil {
				return fmt.Errorf("seal file %d: %w", i, err)
			}
			envelopes[i] = model.FileEnvelope{
				Name:          file.Name,
				PlaintextSize: size,
				Digest:        digest.String(),
				Sealed:        sealed,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	keyCheck, err := envelope.KeyCheck(key)
	if err != nil {
		return nil, err
	}

	var enclave *memguard.Enclave
	var keyHex string
	if s.keyDelivery.ServerHeld() {
		// NewEnclave wipes its argument.
		enclave = memguard.NewEnclave(append([]byte(nil), key...))
	} else {
		keyHex = hex.EncodeToString(key)
	}

	createdAt := s.now()
	expiresAt := createdAt.Add(ttl)

	token, err := s.store.Create(ctx, model.CreateSessionParams{
		Key:       enclave,
		KeyCheck:  keyCheck,
		Envelopes: envelopes,
		CreatedAt: createdAt,
		ExpiresAt: expiresAt,
		OneShot:   s.oneShot,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: create session: %w", ErrStore, err)
	}

	summaries := make([]FileSummary, len(envelopes))
	var total int64
	for i, env := range envelopes {
		summaries[i] = FileSummary{Name: env.Name, Size: env.PlaintextSize, Digest: env.Digest}
		total += env.PlaintextSize
	}

	log.Info().
		Str("tokenHash", util.ShortHash(token)).
		Int("files", len(files)).
		Int64("bytes", total).
		Time("expiresAt", expiresAt).
		Bool("oneShot", s.oneShot).
		Msg("session created")

	return &SubmitResult{
		Token:     token,
		Key:       keyHex,
		CreatedAt: createdAt,
		ExpiresAt: expiresAt,
		OneShot:   s.oneShot,
		Files:     summaries,
	}, nil
}

// Retrieve opens every file of a live session. keyHex is ignored when the
// server holds the key. A one-shot session is delivered to at most one caller.
func (s *SessionService) Retrieve(ctx context.Context, token, keyHex string) ([]model.RetrievedFile, error) {
	session, err := s.store.Get(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("%w: load session: %w", ErrStore, err)
	}
	if session == nil {
		return nil, ErrNotFound
	}

	if session.IsExpired(s.now()) {
		removed, err := s.store.Delete(ctx, token)
		if err != nil {
			log.Warn().Err(err).Str("tokenHash", util.ShortHash(token)).Msg("failed to remove expired session")
		} else if removed {
			s.publish(ctx, token, model.SessionEventExpired)
		}
		return nil, ErrExpired
	}

	key, release, err := s.resolveKey(session, keyHex)
	if err != nil {
		return nil, err
	}
	defer release()

	files := make([]model.RetrievedFile, 0, len(session.Envelopes))
	for i, env := range session.Envelopes {
		digest, err := envelope.ParseDigest(env.Digest)
		if err != nil {
			wipeFiles(files)
			return nil, &IntegrityError{Index: i, Name: env.Name, Err: envelope.ErrDigestMismatch}
		}

		plaintext, err := s.codec.Open(env.Sealed, key, envelope.AAD(i, env.Name, env.PlaintextSize), digest)
		if err != nil {
			wipeFiles(files)
			integrityErr := &IntegrityError{Index: i, Name: env.Name, Err: err}
			if !errors.Is(err, envelope.ErrDigestMismatch) {
				integrityErr.Err = envelope.ErrIntegrity
			}
			log.Warn().
				Str("tokenHash", util.ShortHash(token)).
				Int("index", i).
				Err(err).
				Msg("envelope failed verification")
			return nil, integrityErr
		}

		files = append(files, model.RetrievedFile{
			Name:   env.Name,
			Data:   plaintext,
			Size:   env.PlaintextSize,
			Digest: env.Digest,
		})
	}

	if session.OneShot {
		removed, err := s.store.Delete(ctx, token)
		if err != nil {
			wipeFiles(files)
			return nil, fmt.Errorf("%w: consume session: %w", ErrStore, err)
		}
		if !removed {
			// Another retrieval consumed the session first.
			wipeFiles(files)
			return nil, ErrNotFound
		}
		s.publish(ctx, token, model.SessionEventConsumed)
	} else {
		s.publish(ctx, token, model.SessionEventRetrieved)
	}

	log.Info().
		Str("tokenHash", util.ShortHash(token)).
		Int("files", len(files)).
		Int64("bytes", session.TotalSize()).
		Bool("consumed", session.OneShot).
		Msg("session retrieved")

	return files, nil
}

// Destroy removes a session. It reports whether this call removed it.
func (s *SessionService) Destroy(ctx context.Context, token string) (bool, error) {
	removed, err := s.store.Delete(ctx, token)
	if err != nil {
		return false, fmt.Errorf("%w: destroy session: %w", ErrStore, err)
	}
	if removed {
		s.publish(ctx, token, model.SessionEventDestroyed)
		log.Info().Str("tokenHash", util.ShortHash(token)).Msg("session destroyed")
	}
	return removed, nil
}

// Lookup returns the expiry of a live session. It does not open envelopes or
// consume one-shot sessions.
func (s *SessionService) Lookup(ctx context.Context, token string) (time.Time, error) {
	session, err := s.store.Get(ctx, token)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: load session: %w", ErrStore, err)
	}
	if session == nil {
		return time.Time{}, ErrNotFound
	}
	if session.IsExpired(s.now()) {
		return time.Time{}, ErrExpired
	}
	return session.ExpiresAt, nil
}

// Sweep removes every session expired at the service clock's current time.
func (s *SessionService) Sweep(ctx context.Context) (int64, error) {
	return s.store.Sweep(ctx, s.now())
}

func (s *SessionService) Count(ctx context.Context) (int64, error) {
	return s.store.Len(ctx)
}

func (s *SessionService) resolveKey(session *model.Session, keyHex string) ([]byte, func(), error) {
	if session.Key != nil {
		buf, err := session.Key.Open()
		if err != nil {
			return nil, nil, fmt.Errorf("open key enclave: %w", err)
		}
		return buf.Bytes(), buf.Destroy, nil
	}

	if keyHex == "" {
		return nil, nil, ErrInvalidKey
	}
	key, err := envelope.ParseKey(keyHex)
	if err != nil {
		return nil, nil, ErrInvalidKey
	}
	if !envelope.VerifyKey(key, session.KeyCheck) {
		util.WipeBytes(key)
		return nil, nil, ErrInvalidKey
	}
	return key, func() { util.WipeBytes(key) }, nil
}

func (s *SessionService) publish(ctx context.Context, token string, eventType model.SessionEventType) {
	if s.events == nil {
		return
	}

	data, _ := json.Marshal(map[string]string{
		"at": s.now().UTC().Format(time.RFC3339),
	})
	err := s.events.Publish(ctx, util.HashToken(token), sse.Event{
		Type: string(eventType),
		Data: data,
	})
	if err != nil {
		log.Warn().Err(err).Str("event", string(eventType)).Msg("failed to publish session event")
	}
}

func wipeFiles(files []model.RetrievedFile) {
	for _, f := range files {
		util.WipeBytes(f.Data)
	}
}
