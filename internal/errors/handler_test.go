package errors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var response ErrorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &response))
	return response
}

func TestHandleError(t *testing.T) {
	handler := NewErrorHandler(quietLogger())

	tests := []struct {
		name        string
		err         error
		status      int
		errType     ErrorType
		message     string
		retryAfter  string
		wantDetails map[string]interface{}
	}{
		{
			name:    "validation",
			err:     NewValidationError("manifest_url is required"),
			status:  http.StatusBadRequest,
			errType: ErrorTypeValidation,
			message: "manifest_url is required",
		},
		{
			name:    "unclassified error hides its message",
			err:     errors.New("dial tcp 10.0.0.3:6379: connection refused"),
			status:  http.StatusInternalServerError,
			errType: ErrorTypeInternal,
			message: "An unexpected error occurred",
		},
		{
			name:        "manifest fetch",
			err:         NewManifestFetchError(errors.New("HTTP 500"), "http://origin/tiles.mpd"),
			status:      http.StatusBadGateway,
			errType:     ErrorTypeManifestFetch,
			message:     "failed to fetch manifest http://origin/tiles.mpd",
			wantDetails: map[string]interface{}{"url": "http://origin/tiles.mpd"},
		},
		{
			name:    "wrapped configuration error",
			err:     fmt.Errorf("engine: %w", NewConfigurationError("quality ladder is empty")),
			status:  http.StatusBadRequest,
			errType: ErrorTypeConfiguration,
			message: "quality ladder is empty",
		},
		{
			name:    "invalid state",
			err:     NewInvalidStateError("pause", "stopped"),
			status:  http.StatusConflict,
			errType: ErrorTypeInvalidState,
			message: "cannot pause while stopped",
		},
		{
			name:       "registry down",
			err:        NewServiceDownError("session registry"),
			status:     http.StatusServiceUnavailable,
			errType:    ErrorTypeServiceDown,
			message:    "session registry service is currently unavailable",
			retryAfter: "5",
		},
		{
			name:    "deadline",
			err:     fmt.Errorf("start: %w", context.DeadlineExceeded),
			status:  http.StatusGatewayTimeout,
			errType: ErrorTypeTimeout,
			message: "The operation timed out",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions", nil)
			req.Header.Set("X-Request-ID", "trace-1")
			rr := httptest.NewRecorder()

			handler.HandleError(rr, req, tt.err)

			assert.Equal(t, tt.status, rr.Code)
			assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
			assert.Equal(t, tt.retryAfter, rr.Header().Get("Retry-After"))

			response := decode(t, rr)
			assert.Equal(t, tt.errType, response.Error.Type)
			assert.Equal(t, tt.message, response.Error.Message)
			assert.Equal(t, "trace-1", response.TraceID)
			if tt.wantDetails != nil {
				assert.Equal(t, tt.wantDetails, response.Error.Details)
			}
		})
	}
}

func TestHandleErrorLogLevels(t *testing.T) {
	logger, hook := newHookedLogger()
	handler := NewErrorHandler(logger)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions/x", nil)

	handler.HandleError(httptest.NewRecorder(), req, NewNotFoundError("session x"))
	handler.HandleError(httptest.NewRecorder(), req, NewBufferStarvationError(time.Second, 3*time.Second))

	require.Len(t, hook.levels, 2)
	assert.Equal(t, logrus.WarnLevel, hook.levels[0])
	assert.Equal(t, logrus.ErrorLevel, hook.levels[1])
}

type levelHook struct{ levels []logrus.Level }

func (h *levelHook) Levels() []logrus.Level { return logrus.AllLevels }
func (h *levelHook) Fire(e *logrus.Entry) error {
	h.levels = append(h.levels, e.Level)
	return nil
}

func newHookedLogger() (*logrus.Logger, *levelHook) {
	l := quietLogger()
	h := &levelHook{}
	l.AddHook(h)
	return l, h
}

func TestHandleNotFound(t *testing.T) {
	rr := httptest.NewRecorder()
	NewErrorHandler(quietLogger()).HandleNotFound(rr, httptest.NewRequest(http.MethodGet, "/nope", nil))

	assert.Equal(t, http.StatusNotFound, rr.Code)
	response := decode(t, rr)
	assert.Equal(t, ErrorTypeNotFound, response.Error.Type)
	assert.Contains(t, response.Error.Message, "endpoint")
}

func TestHandleMethodNotAllowed(t *testing.T) {
	rr := httptest.NewRecorder()
	NewErrorHandler(quietLogger()).HandleMethodNotAllowed(rr, httptest.NewRequest(http.MethodPut, "/manifest.mpd", nil))

	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
	assert.Equal(t, ErrorTypeValidation, decode(t, rr).Error.Type)
}

func TestMiddlewareRecoversPanics(t *testing.T) {
	logger, hook := newHookedLogger()
	protected := NewErrorHandler(logger).Middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("tile index out of range")
	}))

	rr := httptest.NewRecorder()
	assert.NotPanics(t, func() {
		protected.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/tiles/99/playlist.m3u8", nil))
	})

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Contains(t, decode(t, rr).Error.Message, "unexpected error")
	assert.NotEmpty(t, hook.levels)
}
