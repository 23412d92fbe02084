package httputil

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/openclaw/file-relay-go/internal/errors"
)

func TestWriteError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   apperrors.ErrorCode
	}{
		{"invalid input is a bad request", apperrors.InvalidInput("ttl", "out of range"), http.StatusBadRequest, apperrors.ErrCodeInvalidInput},
		{"wrong key is forbidden", apperrors.InvalidKey(), http.StatusForbidden, apperrors.ErrCodeInvalidKey},
		{"unknown transfer is not found", apperrors.NotFound("Transfer"), http.StatusNotFound, apperrors.ErrCodeNotFound},
		{"expired transfer is gone", apperrors.Expired("Transfer"), http.StatusGone, apperrors.ErrCodeExpired},
		{"oversized body is too large", apperrors.PayloadTooLarge(10), http.StatusRequestEntityTooLarge, apperrors.ErrCodePayloadTooLarge},
		{"tampering is unprocessable", apperrors.IntegrityFailure("a.txt"), http.StatusUnprocessableEntity, apperrors.ErrCodeIntegrityFailure},
		{"digest mismatch is unprocessable", apperrors.DigestMismatch("a.txt"), http.StatusUnprocessableEntity, apperrors.ErrCodeDigestMismatch},
		{"rate limit is too many requests", apperrors.RateLimitExceeded(), http.StatusTooManyRequests, apperrors.ErrCodeRateLimitExceeded},
		{"store failure is internal", apperrors.Store(errors.New("down")), http.StatusInternalServerError, apperrors.ErrCodeStore},
		{"plain errors are internal", errors.New("boom"), http.StatusInternalServerError, apperrors.ErrCodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			WriteError(rec, tt.err)

			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

			var body ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.code, body.Code)
			assert.NotEmpty(t, body.Error)
		})
	}

	t.Run("plain errors do not leak their message", func(t *testing.T) {
		rec := httptest.NewRecorder()
		WriteError(rec, errors.New("redis at 10.0.0.5 refused"))
		assert.NotContains(t, rec.Body.String(), "10.0.0.5")
	})

	t.Run("integrity details name the file", func(t *testing.T) {
		rec := httptest.NewRecorder()
		WriteError(rec, apperrors.IntegrityFailure("b.bin"))
		assert.JSONEq(t, `{"error":"Integrity check failed for b.bin","code":"INTEGRITY_FAILURE","details":{"file":"b.bin"}}`, rec.Body.String())
	})
}
