package app

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shipdesk/backoffice/internal/shared"
)

func actorEcho(t *testing.T, headers map[string]string) (*httptest.ResponseRecorder, shared.Actor, bool) {
	t.Helper()
	var (
		got shared.Actor
		ok  bool
	)
	h := ActorMiddleware(slog.New(slog.DiscardHandler))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok = shared.ActorFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec, got, ok
}

func TestActorMiddleware(t *testing.T) {
	rec, _, ok := actorEcho(t, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.False(t, ok)

	rec, actor, ok := actorEcho(t, map[string]string{HeaderActorID: "7", HeaderActorName: " ops "})
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.True(t, ok)
	require.Equal(t, int64(7), actor.ID)
	require.Equal(t, "ops", actor.Name)
	require.False(t, actor.BranchScoped())

	_, actor, _ = actorEcho(t, map[string]string{HeaderActorID: "7", HeaderActorBranch: "3"})
	require.True(t, actor.BranchScoped())
	require.True(t, actor.CanAccessBranch(3))
	require.False(t, actor.CanAccessBranch(4))
}

func TestActorMiddlewareRejectsMalformedHeaders(t *testing.T) {
	for _, headers := range []map[string]string{
		{HeaderActorID: "abc"},
		{HeaderActorID: "-1"},
		{HeaderActorID: "1", HeaderActorBranch: "north"},
	} {
		rec, _, ok := actorEcho(t, headers)
		require.Equal(t, http.StatusBadRequest, rec.Code)
		require.False(t, ok)
	}
}

func TestNewLoggerHonoursFormatAndLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&Config{LogFormat: "json", LogLevel: "warn", AppEnv: "test"}, &buf)
	logger.Info("hidden")
	logger.Warn("shown")
	require.NotContains(t, buf.String(), "hidden")
	require.Contains(t, buf.String(), `"msg":"shown"`)
	require.Contains(t, buf.String(), `"env":"test"`)
}
