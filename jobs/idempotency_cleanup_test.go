package jobs

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	jobmetrics "github.com/shipdesk/backoffice/internal/jobs"
)

type stubPruner struct {
	olderThan time.Duration
	removed   int64
	err       error
}

func (s *stubPruner) Cleanup(_ context.Context, olderThan time.Duration) (int64, error) {
	s.olderThan = olderThan
	return s.removed, s.err
}

func TestIdempotencyCleanupPrunesWithRetention(t *testing.T) {
	store := &stubPruner{removed: 4}
	job := NewIdempotencyCleanupJob(store, slog.New(slog.DiscardHandler), jobmetrics.NewMetrics(prometheus.NewRegistry()))

	task, err := NewIdempotencyCleanupTask(48 * time.Hour)
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, 48*time.Hour, store.olderThan)
}

func TestIdempotencyCleanupPropagatesStoreError(t *testing.T) {
	boom := errors.New("db down")
	job := NewIdempotencyCleanupJob(&stubPruner{err: boom}, slog.New(slog.DiscardHandler), jobmetrics.NewMetrics(prometheus.NewRegistry()))

	task, err := NewIdempotencyCleanupTask(time.Hour)
	require.NoError(t, err)
	require.ErrorIs(t, job.Handle(context.Background(), task), boom)
}

func TestIdempotencyCleanupRejectsBadPayload(t *testing.T) {
	job := NewIdempotencyCleanupJob(&stubPruner{}, nil, nil)
	err := job.Handle(context.Background(), asynq.NewTask(TaskIdempotencyCleanup, []byte(`{"retention":0}`)))
	require.ErrorIs(t, err, asynq.SkipRetry)

	_, err = NewIdempotencyCleanupTask(0)
	require.Error(t, err)
}

func TestIdempotencyCleanupCron(t *testing.T) {
	regs, err := IdempotencyCleanupCron("", time.Hour)
	require.NoError(t, err)
	require.Empty(t, regs)

	regs, err = IdempotencyCleanupCron("30 3 * * *", time.Hour)
	require.NoError(t, err)
	require.Len(t, regs, 1)
	require.Equal(t, TaskIdempotencyCleanup, regs[0].Task.Type())
}
