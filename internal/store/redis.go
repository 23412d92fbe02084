package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/awnumar/memguard"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/openclaw/file-relay-go/internal/model"
	redisclient "github.com/openclaw/file-relay-go/internal/redis"
	"github.com/openclaw/file-relay-go/internal/util"
)

const (
	recordVersion = 1

	// expiryGrace keeps an expired record readable for a short while so a late
	// retrieval is reported as expired rather than unknown. Sweep removes it
	// earlier when it runs.
	expiryGrace = 30 * time.Second
)

var ErrNoMasterKey = errors.New("store: server-held keys require an encryption key")

// sessionRecord is the stored form of a session. Keys are only ever written
// wrapped under the master key.
type sessionRecord struct {
	Version    int                  `json:"v"`
	WrappedKey string               `json:"wrappedKey,omitempty"`
	KeyCheck   []byte               `json:"keyCheck,omitempty"`
	Envelopes  []model.FileEnvelope `json:"envelopes"`
	CreatedAt  time.Time            `json:"createdAt"`
	ExpiresAt  time.Time            `json:"expiresAt"`
	OneShot    bool                 `json:"oneShot"`
}

// RedisStore keeps one key per session plus a sorted expiry index used by
// Sweep. Session keys carry a redis TTL slightly past their expiry.
type RedisStore struct {
	redis     *redisclient.Client
	masterKey string
	newToken  TokenSource
}

func NewRedisStore(client *redisclient.Client, masterKey string) *RedisStore {
	return NewRedisStoreWithTokens(client, masterKey, defaultTokenSource)
}

func NewRedisStoreWithTokens(client *redisclient.Client, masterKey string, source TokenSource) *RedisStore {
	return &RedisStore{
		redis:     client,
		masterKey: masterKey,
		newToken:  source,
	}
}

func (s *RedisStore) Create(ctx context.Context, params model.CreateSessionParams) (string, error) {
	record, err := s.encodeRecord(params)
	if err != nil {
		return "", err
	}

	ttl := params.ExpiresAt.Sub(params.CreatedAt) + expiryGrace

	for attempt := 0; attempt < maxTokenAttempts; attempt++ {
		token, err := s.newToken()
		if err != nil {
			return "", fmt.Errorf("generate token: %w", err)
		}

		ok, err := s.redis.SetNX(ctx, redisclient.SessionKey(token), record, ttl).Result()
		if err != nil {
			return "", fmt.Errorf("store session: %w", err)
		}
		if !ok {
			continue
		}

		err = s.redis.ZAdd(ctx, redisclient.ExpiryIndexKey(), goredis.Z{
			Score:  float64(expiryScore(params.ExpiresAt)),
			Member: token,
		}).Err()
		if err != nil {
			s.redis.Del(context.WithoutCancel(ctx), redisclient.SessionKey(token))
			return "", fmt.Errorf("index session: %w", err)
		}

		return token, nil
	}

	return "", ErrTokenSpace
}

func (s *RedisStore) Get(ctx context.Context, token string) (*model.Session, error) {
	raw, err := s.redis.Get(ctx, redisclient.SessionKey(token)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	session, err := s.decodeRecord(raw)
	if err != nil {
		return nil, err
	}
	session.Token = token
	return session, nil
}

func (s *RedisStore) Delete(ctx context.Context, token string) (bool, error) {
	removed, err := s.redis.Del(ctx, redisclient.SessionKey(token)).Result()
	if err != nil {
		return false, fmt.Errorf("delete session: %w", err)
	}
	// A stale index entry is harmless: Sweep skips tokens whose key is gone.
	if err := s.redis.ZRem(ctx, redisclient.ExpiryIndexKey(), token).Err(); err != nil {
		log.Warn().Err(err).Str("tokenHash", util.ShortHash(token)).Msg("failed to unindex session")
	}
	return removed == 1, nil
}

func (s *RedisStore) Sweep(ctx context.Context, now time.Time) (int64, error) {
	tokens, err := s.redis.ZRangeByScore(ctx, redisclient.ExpiryIndexKey(), &goredis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("scan expiry index: %w", err)
	}

	var removed int64
	for _, token := range tokens {
		ok, err := s.Delete(ctx, token)
		if err != nil {
			return removed, err
		}
		if ok {
			removed++
		}
	}
	return removed, nil
}

// expiryScore is t in unix milliseconds, rounded up so that a sweep at any
// instant before t never matches it.
func expiryScore(t time.Time) int64 {
	ms := t.UnixMilli()
	if time.UnixMilli(ms).Before(t) {
		ms++
	}
	return ms
}

// Len counts indexed sessions, which includes expired ones not yet swept.
func (s *RedisStore) Len(ctx context.Context) (int64, error) {
	n, err := s.redis.ZCard(ctx, redisclient.ExpiryIndexKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return n, nil
}

func (s *RedisStore) encodeRecord(params model.CreateSessionParams) ([]byte, error) {
	record := sessionRecord{
		Version:   recordVersion,
		KeyCheck:  params.KeyCheck,
		Envelopes: params.Envelopes,
		CreatedAt: params.CreatedAt,
		ExpiresAt: params.ExpiresAt,
		OneShot:   params.OneShot,
	}

	if params.Key != nil {
		wrapped, err := s.wrapKey(params.Key)
		if err != nil {
			return nil, err
		}
		record.WrappedKey = wrapped
	}

	data, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("encode session: %w", err)
	}
	return data, nil
}

// decodeRecord accepts only the exact record shape this store writes.
func (s *RedisStore) decodeRecord(raw []byte) (*model.Session, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	var record sessionRecord
	if err := dec.Decode(&record); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	if dec.More() {
		return nil, errors.New("decode session: trailing data")
	}
	if record.Version != recordVersion {
		return nil, fmt.Errorf("decode session: unsupported record version %d", record.Version)
	}

	session := &model.Session{
		KeyCheck:  record.KeyCheck,
		Envelopes: record.Envelopes,
		CreatedAt: record.CreatedAt,
		ExpiresAt: record.ExpiresAt,
		OneShot:   record.OneShot,
	}

	if record.WrappedKey != "" {
		key, err := s.unwrapKey(record.WrappedKey)
		if err != nil {
			return nil, err
		}
		session.Key = key
	}
	return session, nil
}

func (s *RedisStore) wrapKey(enclave *memguard.Enclave) (string, error) {
	if s.masterKey == "" {
		return "", ErrNoMasterKey
	}

	buf, err := enclave.Open()
	if err != nil {
		return "", fmt.Errorf("open key enclave: %w", err)
	}
	defer buf.Destroy()

	wrapped, err := util.Encrypt(s.masterKey, buf.Bytes())
	if err != nil {
		return "", fmt.Errorf("wrap key: %w", err)
	}
	return wrapped, nil
}

func (s *RedisStore) unwrapKey(wrapped string) (*memguard.Enclave, error) {
	if s.masterKey == "" {
		return nil, ErrNoMasterKey
	}

	key, err := util.Decrypt(s.masterKey, wrapped)
	if err != nil {
		return nil, fmt.Errorf("unwrap key: %w", err)
	}
	// NewEnclave wipes key.
	return memguard.NewEnclave(key), nil
}
