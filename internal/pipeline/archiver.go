// Package pipeline runs background jobs that move data out of the primary
// store.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/chainbot/internal/domain"
)

// ArchiveJob runs a domain.Archiver on a cron schedule.
type ArchiveJob struct {
	archiver domain.Archiver
	logger   *slog.Logger
}

// NewArchiveJob creates an ArchiveJob.
func NewArchiveJob(archiver domain.Archiver, logger *slog.Logger) *ArchiveJob {
	return &ArchiveJob{
		archiver: archiver,
		logger:   logger.With(slog.String("component", "archive_job")),
	}
}

// Run performs one archive pass.
func (j *ArchiveJob) Run(ctx context.Context) error {
	start := time.Now()
	n, err := j.archiver.ArchiveLogs(ctx)
	if err != nil {
		return fmt.Errorf("pipeline: archive logs after %d archived: %w", n, err)
	}
	j.logger.InfoContext(ctx, "archive run complete",
		slog.Int64("archived", n),
		slog.Duration("took", time.Since(start)),
	)
	return nil
}

// RunCron runs the job whenever the 5-field cron expression
// "minute hour day-of-month month day-of-week" matches, until ctx is
// cancelled. Failed runs are logged and retried at the next match.
func (j *ArchiveJob) RunCron(ctx context.Context, cronExpr string) error {
	sched, err := ParseCron(cronExpr)
	if err != nil {
		return err
	}
	j.logger.InfoContext(ctx, "archive cron started", slog.String("cron", cronExpr))

	for {
		now := time.Now().UTC()
		next, err := sched.Next(now)
		if err != nil {
			return err
		}
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			if err := j.Run(ctx); err != nil {
				j.logger.ErrorContext(ctx, "archive run failed", slog.String("error", err.Error()))
			}
		}
	}
}

// cronField is the set of values a field accepts; nil means any.
type cronField map[int]struct{}

func (f cronField) matches(v int) bool {
	if f == nil {
		return true
	}
	_, ok := f[v]
	return ok
}

// Schedule is a parsed cron expression.
type Schedule struct {
	minute, hour, dom, month, dow cronField
}

// ParseCron parses a 5-field cron expression. Each field accepts "*",
// single values, lists, ranges ("1-5") and steps ("*/15", "0-30/10").
func ParseCron(expr string) (Schedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return Schedule{}, fmt.Errorf("pipeline: cron %q: want 5 fields, got %d", expr, len(fields))
	}
	bounds := [5][2]int{{0, 59}, {0, 23}, {1, 31}, {1, 12}, {0, 6}}
	names := [5]string{"minute", "hour", "day-of-month", "month", "day-of-week"}

	var parsed [5]cronField
	for i, f := range fields {
		cf, err := parseCronField(f, bounds[i][0], bounds[i][1])
		if err != nil {
			return Schedule{}, fmt.Errorf("pipeline: cron %q: %s: %w", expr, names[i], err)
		}
		parsed[i] = cf
	}
	return Schedule{minute: parsed[0], hour: parsed[1], dom: parsed[2], month: parsed[3], dow: parsed[4]}, nil
}

func parseCronField(field string, lo, hi int) (cronField, error) {
	if field == "*" {
		return nil, nil
	}
	out := make(cronField)
	for _, part := range strings.Split(field, ",") {
		step := 1
		if base, s, ok := strings.Cut(part, "/"); ok {
			n, err := strconv.Atoi(s)
			if err != nil || n <= 0 {
				return nil, fmt.Errorf("bad step %q", s)
			}
			step = n
			part = base
		}

		from, to := lo, hi
		switch {
		case part == "*":
		case strings.Contains(part, "-"):
			a, b, _ := strings.Cut(part, "-")
			var err error
			if from, err = strconv.Atoi(a); err != nil {
				return nil, fmt.Errorf("bad value %q", a)
			}
			if to, err = strconv.Atoi(b); err != nil {
				return nil, fmt.Errorf("bad value %q", b)
			}
		default:
			v, err := strconv.Atoi(part)
			if err != nil {
				return nil, fmt.Errorf("bad value %q", part)
			}
			from, to = v, v
		}
		if from < lo || to > hi || from > to {
			return nil, fmt.Errorf("%q outside %d-%d", part, lo, hi)
		}
		for v := from; v <= to; v += step {
			out[v] = struct{}{}
		}
	}
	return out, nil
}

func (s Schedule) matches(t time.Time) bool {
	return s.minute.matches(t.Minute()) &&
		s.hour.matches(t.Hour()) &&
		s.dom.matches(t.Day()) &&
		s.month.matches(int(t.Month())) &&
		s.dow.matches(int(t.Weekday()))
}

// Next returns the first minute after t that matches, searching one year
// ahead.
func (s Schedule) Next(t time.Time) (time.Time, error) {
	candidate := t.Truncate(time.Minute).Add(time.Minute)
	limit := t.Add(366 * 24 * time.Hour)
	for candidate.Before(limit) {
		if s.matches(candidate) {
			return candidate, nil
		}
		candidate = candidate.Add(time.Minute)
	}
	return time.Time{}, fmt.Errorf("pipeline: cron never fires within a year after %s", t.Format(time.RFC3339))
}
