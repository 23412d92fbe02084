package handler

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/openclaw/file-relay-go/internal/audit"
	apperrors "github.com/openclaw/file-relay-go/internal/errors"
	"github.com/openclaw/file-relay-go/internal/httputil"
	"github.com/openclaw/file-relay-go/internal/relay"
	"github.com/openclaw/file-relay-go/internal/util"
)

const (
	KeyHeader = "X-Relay-Key"

	filePartName = "file"
	ttlFieldName = "ttl"
	maxFieldSize = 64
)

// TransferRelay is the part of relay.Relay the HTTP layer needs.
type TransferRelay interface {
	Create(ctx context.Context, files []relay.File, ttlSeconds int) (*relay.CreateResult, error)
	Retrieve(ctx context.Context, token, key string) ([]relay.RetrievedFile, error)
	Destroy(ctx context.Context, token string) (bool, error)
	Lookup(ctx context.Context, token string) (time.Time, error)
	DefaultTTLSeconds() int
}

type TransferHandler struct {
	relay          TransferRelay
	events         *EventsHandler
	lookupGuard    func(http.Handler) http.Handler
	requestTimeout time.Duration
}

// NewTransferHandler wires the transfer routes. lookupGuard, when non-nil,
// wraps every route that takes a token. requestTimeout bounds every route
// except the event stream; zero disables it.
func NewTransferHandler(
	r TransferRelay,
	events *EventsHandler,
	lookupGuard func(http.Handler) http.Handler,
	requestTimeout time.Duration,
) *TransferHandler {
	return &TransferHandler{
		relay:          r,
		events:         events,
		lookupGuard:    lookupGuard,
		requestTimeout: requestTimeout,
	}
}

func (h *TransferHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Group(func(r chi.Router) {
		h.useTimeout(r)
		r.Post("/", h.Create)
	})

	r.Group(func(r chi.Router) {
		if h.lookupGuard != nil {
			r.Use(h.lookupGuard)
		}

		r.Group(func(r chi.Router) {
			h.useTimeout(r)
			r.Get("/{token}", h.Retrieve)
			r.Delete("/{token}", h.Destroy)
		})

		if h.events != nil {
			r.Get("/{token}/events", h.events.ServeHTTP)
		}
	})

	return r
}

func (h *TransferHandler) useTimeout(r chi.Router) {
	if h.requestTimeout > 0 {
		r.Use(chimiddleware.Timeout(h.requestTimeout))
	}
}

type fileResponse struct {
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	Digest string `json:"digest"`
	Data   []byte `json:"data"`
}

// POST /v1/transfers
func (h *TransferHandler) Create(w http.ResponseWriter, r *http.Request) {
	files, ttl, err := readUpload(r, h.relay.DefaultTTLSeconds())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	result, err := h.relay.Create(r.Context(), files, ttl)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	var total int64
	for _, f := range result.Files {
		total += f.Size
	}
	audit.LogFromRequest(r, audit.Event{
		Type:      audit.EventTransferCreate,
		TokenHash: util.HashToken(result.Token),
		Details: map[string]interface{}{
			"files":     len(result.Files),
			"bytes":     total,
			"expiresIn": result.ExpiresIn,
			"oneShot":   result.OneShot,
		},
	})

	httputil.WriteJSON(w, http.StatusCreated, result)
}

// GET /v1/transfers/{token}
func (h *TransferHandler) Retrieve(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	tokenHash := util.HashToken(token)

	files, err := h.relay.Retrieve(r.Context(), token, r.Header.Get(KeyHeader))
	if err != nil {
		switch apperrors.GetCode(err) {
		case apperrors.ErrCodeInvalidKey:
			audit.LogFromRequest(r, audit.Event{Type: audit.EventInvalidKey, TokenHash: tokenHash})
		case apperrors.ErrCodeIntegrityFailure, apperrors.ErrCodeDigestMismatch:
			audit.LogFromRequest(r, audit.Event{
				Type:      audit.EventIntegrityFailure,
				TokenHash: tokenHash,
				Details:   map[string]interface{}{"code": string(apperrors.GetCode(err))},
			})
		}
		httputil.WriteError(w, err)
		return
	}

	out := make([]fileResponse, len(files))
	for i, f := range files {
		out[i] = fileResponse{Name: f.Name, Size: f.Size, Digest: f.DigestHex, Data: f.Data}
	}

	audit.LogFromRequest(r, audit.Event{
		Type:      audit.EventTransferRetrieve,
		TokenHash: tokenHash,
		Details:   map[string]interface{}{"files": len(files)},
	})

	httputil.WriteJSON(w, http.StatusOK, map[string]any{"files": out})
}

// DELETE /v1/transfers/{token}
func (h *TransferHandler) Destroy(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	removed, err := h.relay.Destroy(r.Context(), token)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	if removed {
		audit.LogFromRequest(r, audit.Event{
			Type:      audit.EventTransferDestroy,
			TokenHash: util.HashToken(token),
		})
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]bool{"destroyed": removed})
}

// readUpload streams a multipart body into files. A body without a ttl field
// gets defaultTTL. Size limits are enforced by the body limit middleware and
// the relay.
func readUpload(r *http.Request, defaultTTL int) ([]relay.File, int, error) {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/form-data" {
		return nil, 0, apperrors.InvalidInput("body", "expected multipart/form-data")
	}

	reader, err := r.MultipartReader()
	if err != nil {
		return nil, 0, apperrors.InvalidInput("body", "malformed multipart body")
	}

	var files []relay.File
	ttl := defaultTTL
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, 0, uploadError(err)
		}

		switch part.FormName() {
		case filePartName:
			data, err := io.ReadAll(part)
			if err != nil {
				return nil, 0, uploadError(err)
			}
			files = append(files, relay.File{Name: part.FileName(), Data: data})

		case ttlFieldName:
			raw, err := io.ReadAll(io.LimitReader(part, maxFieldSize))
			if err != nil {
				return nil, 0, uploadError(err)
			}
			ttl, err = strconv.Atoi(strings.TrimSpace(string(raw)))
			if err != nil {
				return nil, 0, apperrors.InvalidInput("ttl", "must be an integer number of seconds")
			}

		default:
			log.Debug().Str("part", part.FormName()).Msg("ignoring unknown multipart part")
		}
		part.Close()
	}

	return files, ttl, nil
}

func uploadError(err error) error {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return apperrors.PayloadTooLarge(maxErr.Limit)
	}
	return apperrors.InvalidInput("body", "malformed multipart body")
}
