package handler

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/file-relay-go/internal/envelope"
	apperrors "github.com/openclaw/file-relay-go/internal/errors"
	"github.com/openclaw/file-relay-go/internal/middleware"
	"github.com/openclaw/file-relay-go/internal/model"
	"github.com/openclaw/file-relay-go/internal/relay"
	"github.com/openclaw/file-relay-go/internal/service"
	"github.com/openclaw/file-relay-go/internal/sse"
	"github.com/openclaw/file-relay-go/internal/store"
	"github.com/openclaw/file-relay-go/internal/util"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	router http.Handler
	clock  *testClock
	broker *sse.Broker
}

func newTestEnv(t *testing.T, maxBody int64) *testEnv {
	t.Helper()
	clock := &testClock{now: time.Now()}
	broker := sse.NewBroker(nil)
	t.Cleanup(broker.Close)

	svc := service.NewSessionService(store.NewMemoryStore(), envelope.NewCodec(), broker, service.SessionOptions{
		KeyDelivery: model.KeyDeliverySeparate,
		OneShot:     true,
		Now:         clock.Now,
	})
	rl := relay.New(svc, relay.Options{
		MinTTL:          time.Second,
		MaxTTL:          time.Hour,
		DefaultTTL:      10 * time.Minute,
		MaxPayloadBytes: 1 << 20,
		MaxFiles:        8,
		PublicBaseURL:   "https://relay.example",
	})

	transfers := NewTransferHandler(rl, NewEventsHandler(broker, rl), nil, 5*time.Second)

	r := chi.NewRouter()
	r.Use(middleware.NewBodyLimitMiddleware(maxBody).Handler)
	r.Get("/health", NewHealthHandler(rl, broker).ServeHTTP)
	r.Mount("/v1/transfers", transfers.Routes())

	return &testEnv{router: r, clock: clock, broker: broker}
}

type upload struct {
	name string
	data []byte
}

func multipartBody(t *testing.T, ttl string, files ...upload) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if ttl != "" {
		require.NoError(t, mw.WriteField("ttl", ttl))
	}
	for _, f := range files {
		part, err := mw.CreateFormFile("file", f.name)
		require.NoError(t, err)
		_, err = part.Write(f.data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) create(t *testing.T, ttl string, files ...upload) relay.CreateResult {
	t.Helper()
	body, contentType := multipartBody(t, ttl, files...)
	req := httptest.NewRequest(http.MethodPost, "/v1/transfers", body)
	req.Header.Set("Content-Type", contentType)

	rec := e.do(req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var result relay.CreateResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	return result
}

func (e *testEnv) retrieve(token, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/v1/transfers/"+token, nil)
	if key != "" {
		req.Header.Set(KeyHeader, key)
	}
	return e.do(req)
}

func sampleUploads() []upload {
	return []upload{
		{name: "a.txt", data: []byte("hello")},
		{name: "b.bin", data: []byte{0x00, 0x01}},
	}
}

func TestTransferHandler_Create(t *testing.T) {
	t.Run("returns token key link and manifest", func(t *testing.T) {
		env := newTestEnv(t, 0)

		result := env.create(t, "60", sampleUploads()...)
		assert.Len(t, result.Token, 32)
		assert.Len(t, result.Key, 64)
		assert.Equal(t, "https://relay.example/v1/transfers/"+result.Token, result.Link)
		assert.Equal(t, 60, result.ExpiresIn)
		assert.True(t, result.OneShot)
		require.Len(t, result.Files, 2)
		assert.Equal(t, "a.txt", result.Files[0].Name)
		assert.Equal(t, envelope.Sum([]byte("hello")).String(), result.Files[0].Digest)
	})

	t.Run("missing ttl uses the default", func(t *testing.T) {
		env := newTestEnv(t, 0)

		result := env.create(t, "", sampleUploads()...)
		assert.Equal(t, 600, result.ExpiresIn)
	})

	t.Run("rejects bad input with 400", func(t *testing.T) {
		env := newTestEnv(t, 0)

		tests := []struct {
			name        string
			body        func() (*bytes.Buffer, string)
			wantInError string
		}{
			{"non multipart body", func() (*bytes.Buffer, string) {
				return bytes.NewBufferString(`{"files":[]}`), "application/json"
			}, "multipart"},
			{"no files", func() (*bytes.Buffer, string) { return multipartBody(t, "60") }, "file"},
			{"non numeric ttl", func() (*bytes.Buffer, string) { return multipartBody(t, "soon", sampleUploads()...) }, "ttl"},
			{"ttl out of range", func() (*bytes.Buffer, string) { return multipartBody(t, "7200", sampleUploads()...) }, "ttl"},
			{"explicit zero ttl", func() (*bytes.Buffer, string) { return multipartBody(t, "0", sampleUploads()...) }, "ttl"},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				body, contentType := tt.body()
				req := httptest.NewRequest(http.MethodPost, "/v1/transfers", body)
				req.Header.Set("Content-Type", contentType)

				rec := env.do(req)
				assert.Equal(t, http.StatusBadRequest, rec.Code)
				assert.Contains(t, rec.Body.String(), "INVALID_INPUT")
				assert.Contains(t, rec.Body.String(), tt.wantInError)
			})
		}
	})

	t.Run("oversized bodies are rejected with 413", func(t *testing.T) {
		env := newTestEnv(t, 512)

		body, contentType := multipartBody(t, "60", upload{name: "big", data: make([]byte, 4096)})
		req := httptest.NewRequest(http.MethodPost, "/v1/transfers", body)
		req.Header.Set("Content-Type", contentType)

		rec := env.do(req)
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	})
}

func TestTransferHandler_Retrieve(t *testing.T) {
	t.Run("returns the uploaded files once", func(t *testing.T) {
		env := newTestEnv(t, 0)
		created := env.create(t, "60", sampleUploads()...)

		rec := env.retrieve(created.Token, created.Key)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var body struct {
			Files []fileResponse `json:"files"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		require.Len(t, body.Files, 2)
		assert.Equal(t, "a.txt", body.Files[0].Name)
		assert.Equal(t, []byte("hello"), body.Files[0].Data)
		assert.Equal(t, []byte{0x00, 0x01}, body.Files[1].Data)
		assert.Equal(t, envelope.Sum([]byte{0x00, 0x01}).String(), body.Files[1].Digest)

		rec = env.retrieve(created.Token, created.Key)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("wrong key is forbidden", func(t *testing.T) {
		env := newTestEnv(t, 0)
		created := env.create(t, "60", sampleUploads()...)

		rec := env.retrieve(created.Token, strings.Repeat("0", 64))
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Contains(t, rec.Body.String(), "INVALID_KEY")
	})

	t.Run("malformed token is a bad request", func(t *testing.T) {
		env := newTestEnv(t, 0)

		rec := env.retrieve("not-a-token", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("expired transfer is gone", func(t *testing.T) {
		env := newTestEnv(t, 0)
		created := env.create(t, "5", sampleUploads()...)

		env.clock.Advance(6 * time.Second)

		rec := env.retrieve(created.Token, created.Key)
		assert.Equal(t, http.StatusGone, rec.Code)
		assert.Contains(t, rec.Body.String(), "EXPIRED")
	})
}

func TestTransferHandler_Destroy(t *testing.T) {
	t.Run("reports whether the transfer was destroyed", func(t *testing.T) {
		env := newTestEnv(t, 0)
		created := env.create(t, "60", sampleUploads()...)

		for _, want := range []string{`{"destroyed":true}`, `{"destroyed":false}`} {
			rec := env.do(httptest.NewRequest(http.MethodDelete, "/v1/transfers/"+created.Token, nil))
			assert.Equal(t, http.StatusOK, rec.Code)
			assert.JSONEq(t, want, rec.Body.String())
		}

		rec := env.retrieve(created.Token, created.Key)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestTransferHandler_LookupGuard(t *testing.T) {
	t.Run("repeated failed lookups are throttled", func(t *testing.T) {
		clock := &testClock{now: time.Now()}
		svc := service.NewSessionService(store.NewMemoryStore(), envelope.NewCodec(), nil, service.SessionOptions{
			OneShot: true,
			Now:     clock.Now,
		})
		rl := relay.New(svc, relay.Options{MinTTL: time.Second, MaxTTL: time.Hour, DefaultTTL: time.Minute, MaxPayloadBytes: 1024, MaxFiles: 1})
		guard := middleware.NewLookupGuard(2, time.Hour)

		r := chi.NewRouter()
		r.Mount("/v1/transfers", NewTransferHandler(rl, nil, guard.Handler, 0).Routes())

		codes := make([]int, 3)
		for i := range codes {
			req := httptest.NewRequest(http.MethodGet, "/v1/transfers/"+strings.Repeat("0", 32), nil)
			req.RemoteAddr = "192.0.2.50:1000"
			req.Header.Set(KeyHeader, strings.Repeat("0", 64))
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)
			codes[i] = rec.Code
		}

		assert.Equal(t, []int{http.StatusNotFound, http.StatusNotFound, http.StatusTooManyRequests}, codes)
	})
}

func TestEventsHandler(t *testing.T) {
	t.Run("unknown transfer has no event stream", func(t *testing.T) {
		env := newTestEnv(t, 0)

		rec := env.do(httptest.NewRequest(http.MethodGet, "/v1/transfers/"+strings.Repeat("0", 32)+"/events", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("streams the destroy event and closes", func(t *testing.T) {
		env := newTestEnv(t, 0)
		created := env.create(t, "60", sampleUploads()...)

		server := httptest.NewServer(env.router)
		defer server.Close()

		resp, err := http.Get(server.URL + "/v1/transfers/" + created.Token + "/events")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

		lines := bufio.NewScanner(resp.Body)
		require.True(t, lines.Scan())
		assert.Equal(t, "event: connected", lines.Text())

		assert.Eventually(t, func() bool {
			return env.broker.TotalClients() == 1
		}, 2*time.Second, 10*time.Millisecond)

		req, err := http.NewRequest(http.MethodDelete, server.URL+"/v1/transfers/"+created.Token, nil)
		require.NoError(t, err)
		delResp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		delResp.Body.Close()

		var events []string
		for lines.Scan() {
			if strings.HasPrefix(lines.Text(), "event: ") {
				events = append(events, strings.TrimPrefix(lines.Text(), "event: "))
			}
		}
		assert.Equal(t, []string{"destroyed"}, events)
	})
}

func TestEventsHandler_sendRawEvent(t *testing.T) {
	t.Run("writes event and data lines", func(t *testing.T) {
		handler := &EventsHandler{}
		rec := httptest.NewRecorder()

		err := handler.sendRawEvent(rec, rec, sse.Event{
			Type: "consumed",
			Data: json.RawMessage(`{"at":"2026-03-01T12:00:00Z"}`),
		})

		assert.NoError(t, err)
		assert.Equal(t, "event: consumed\ndata: {\"at\":\"2026-03-01T12:00:00Z\"}\n\n", rec.Body.String())
	})
}

func TestHealthHandler(t *testing.T) {
	t.Run("reports live session count", func(t *testing.T) {
		env := newTestEnv(t, 0)
		env.create(t, "60", sampleUploads()...)

		rec := env.do(httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, http.StatusOK, rec.Code)

		var body map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "ok", body["status"])
		assert.Equal(t, float64(1), body["sessions"])
		assert.Equal(t, float64(0), body["streams"])
	})
}

type lookupRelay struct {
	TransferRelay
	lookup func(ctx context.Context, token string) (time.Time, error)
}

func (r *lookupRelay) Lookup(ctx context.Context, token string) (time.Time, error) {
	return r.lookup(ctx, token)
}

func TestEventsHandler_Subscription(t *testing.T) {
	token := strings.Repeat("a", 32)

	serve := func(h *EventsHandler) *httptest.ResponseRecorder {
		r := chi.NewRouter()
		r.Get("/{token}/events", h.ServeHTTP)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/"+token+"/events", nil))
		return rec
	}

	t.Run("event published during lookup is delivered", func(t *testing.T) {
		broker := sse.NewBroker(nil)
		defer broker.Close()

		h := NewEventsHandler(broker, &lookupRelay{lookup: func(ctx context.Context, token string) (time.Time, error) {
			err := broker.Publish(ctx, util.HashToken(token), sse.Event{
				Type: string(model.SessionEventConsumed),
				Data: json.RawMessage(`{}`),
			})
			return time.Now().Add(time.Hour), err
		}})

		rec := serve(h)

		body := rec.Body.String()
		assert.Contains(t, body, "event: connected\n")
		assert.Contains(t, body, "event: consumed\n")
		assert.Zero(t, broker.TotalClients())
	})

	t.Run("failed lookup leaves no subscriber behind", func(t *testing.T) {
		broker := sse.NewBroker(nil)
		defer broker.Close()

		h := NewEventsHandler(broker, &lookupRelay{lookup: func(ctx context.Context, token string) (time.Time, error) {
			return time.Time{}, apperrors.NotFound("Transfer")
		}})

		rec := serve(h)

		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Zero(t, broker.TotalClients())
	})
}
