package adminserver

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkasprzak/freetierd/internal/telemetry"
)

func TestHealthz_ReturnsOK(t *testing.T) {
	s := New("127.0.0.1:0", telemetry.NewRecorder())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.httpSrv.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestSnapshot_ReturnsLatestRecorderState(t *testing.T) {
	r := telemetry.NewRecorder()
	r.Publish(telemetry.Snapshot{ControllerState: "MAINTAINING"})
	s := New("127.0.0.1:0", r)

	req := httptest.NewRequest(http.MethodGet, "/snapshot", nil)
	rec := httptest.NewRecorder()
	s.httpSrv.Handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"controller_state":"MAINTAINING"`)
}
