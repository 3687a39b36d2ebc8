package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type archiverFunc func(ctx context.Context) (int64, error)

func (f archiverFunc) ArchiveLogs(ctx context.Context) (int64, error) { return f(ctx) }

func TestScheduleNext(t *testing.T) {
	base := time.Date(2026, 10, 19, 10, 7, 30, 0, time.UTC) // Monday

	cases := []struct {
		expr string
		want time.Time
	}{
		{"* * * * *", time.Date(2026, 10, 19, 10, 8, 0, 0, time.UTC)},
		{"*/15 * * * *", time.Date(2026, 10, 19, 10, 15, 0, 0, time.UTC)},
		{"0 3 * * *", time.Date(2026, 10, 20, 3, 0, 0, 0, time.UTC)},
		{"30 2 1 * *", time.Date(2026, 11, 1, 2, 30, 0, 0, time.UTC)},
		{"0 9 * * 6,0", time.Date(2026, 10, 24, 9, 0, 0, 0, time.UTC)},
		{"0 0-4/2 * * *", time.Date(2026, 10, 20, 0, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		t.Run(tc.expr, func(t *testing.T) {
			s, err := ParseCron(tc.expr)
			require.NoError(t, err)
			got, err := s.Next(base)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParseCronRejects(t *testing.T) {
	for _, expr := range []string{"* * * *", "60 * * * *", "* * 0 * *", "*/0 * * * *", "a * * * *", "5-1 * * * *"} {
		_, err := ParseCron(expr)
		assert.Error(t, err, expr)
	}
}

func TestScheduleNeverFires(t *testing.T) {
	s, err := ParseCron("0 0 31 2 *")
	require.NoError(t, err)
	_, err = s.Next(time.Now())
	assert.Error(t, err)
}

func TestArchiveJobRun(t *testing.T) {
	job := NewArchiveJob(archiverFunc(func(context.Context) (int64, error) { return 12, nil }), slog.Default())
	require.NoError(t, job.Run(context.Background()))

	boom := errors.New("bucket gone")
	job = NewArchiveJob(archiverFunc(func(context.Context) (int64, error) { return 3, boom }), slog.Default())
	err := job.Run(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "after 3 archived")
}

func TestRunCronStopsOnCancel(t *testing.T) {
	job := NewArchiveJob(archiverFunc(func(context.Context) (int64, error) { return 0, nil }), slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := job.RunCron(ctx, "0 3 * * *")
	assert.ErrorIs(t, err, context.Canceled)

	assert.Error(t, job.RunCron(context.Background(), "bad"))
}
