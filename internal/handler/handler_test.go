package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"

	"github.com/maximilianredt/eforms-conversion-uploader/internal/domain"
)

// MockPinger is a mock implementation of Pinger
type MockPinger struct {
	mock.Mock
}

func (m *MockPinger) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func TestHandler_HealthCheck(t *testing.T) {
	pinger := new(MockPinger)
	pinger.On("Ping", mock.Anything).Return(nil)

	h := NewHandler(nil, pinger, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()

	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var response map[string]string
	err := json.Unmarshal(w.Body.Bytes(), &response)
	assert.NoError(t, err)
	assert.Equal(t, "ok", response["status"])
}

func TestHandler_HealthCheck_StoreUnreachable(t *testing.T) {
	pinger := new(MockPinger)
	pinger.On("Ping", mock.Anything).Return(errors.New("connection refused"))

	h := NewHandler(nil, pinger, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()

	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHandler_TriggerRun_Success(t *testing.T) {
	run := func(ctx context.Context) (*domain.RunSummary, error) {
		summary := domain.NewRunSummary("run-123")
		summary.Platforms[domain.PlatformGoogleAds].Sent = 5
		return summary, nil
	}

	h := NewHandler(run, new(MockPinger), zap.NewNop())

	req := httptest.NewRequest(http.MethodPost, "/run", nil)
	w := httptest.NewRecorder()

	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var summary domain.RunSummary
	err := json.Unmarshal(w.Body.Bytes(), &summary)
	assert.NoError(t, err)
	assert.Equal(t, "run-123", summary.RunID)
	assert.Equal(t, 5, summary.Platforms[domain.PlatformGoogleAds].Sent)
}

func TestHandler_TriggerRun_Failure(t *testing.T) {
	run := func(ctx context.Context) (*domain.RunSummary, error) {
		return nil, errors.New("warehouse unreachable")
	}

	h := NewHandler(run, new(MockPinger), zap.NewNop())

	req := httptest.NewRequest(http.MethodPost, "/run", nil)
	w := httptest.NewRecorder()

	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)

	var response ErrorResponse
	err := json.Unmarshal(w.Body.Bytes(), &response)
	assert.NoError(t, err)
	assert.Equal(t, "run_failed", response.Error)
}

func TestHandler_TriggerRun_ConcurrentRunRejected(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})

	run := func(ctx context.Context) (*domain.RunSummary, error) {
		close(started)
		<-release
		return domain.NewRunSummary("run-123"), nil
	}

	h := NewHandler(run, new(MockPinger), zap.NewNop())

	var wg sync.WaitGroup
	wg.Add(1)
	first := httptest.NewRecorder()
	go func() {
		defer wg.Done()
		h.ServeHTTP(first, httptest.NewRequest(http.MethodPost, "/run", nil))
	}()

	<-started

	second := httptest.NewRecorder()
	h.ServeHTTP(second, httptest.NewRequest(http.MethodPost, "/run", nil))
	assert.Equal(t, http.StatusConflict, second.Code)

	var response ErrorResponse
	err := json.Unmarshal(second.Body.Bytes(), &response)
	assert.NoError(t, err)
	assert.Equal(t, "run_in_progress", response.Error)

	close(release)
	wg.Wait()
	assert.Equal(t, http.StatusOK, first.Code)
}
