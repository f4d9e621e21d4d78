package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"watchbot/pkg/logx"
)

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		raw      string
		kind     SpecKind
		source   string
		duration time.Duration
	}{
		{name: "cron", raw: "*/5 * * * *", kind: SpecCron, source: "cron"},
		{name: "descriptor", raw: "@every 30s", kind: SpecCron, source: "cron"},
		{name: "prefixed cron", raw: "cron:0 0 * * *", kind: SpecCron, source: "cron"},
		{name: "duration", raw: "10m", kind: SpecInterval, source: "duration", duration: 10 * time.Minute},
		{name: "prefixed interval", raw: "interval:45s", kind: SpecInterval, source: "duration", duration: 45 * time.Second},
		{name: "every prefix", raw: "every:00:05", kind: SpecInterval, source: "hhmm", duration: 5 * time.Minute},
		{name: "hhmm", raw: "01:30", kind: SpecInterval, source: "hhmm", duration: 90 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSchedule(tt.raw)
			if err != nil {
				t.Fatalf("ParseSchedule(%q) error: %v", tt.raw, err)
			}
			if got.Kind != tt.kind {
				t.Fatalf("Kind = %v, want %v", got.Kind, tt.kind)
			}
			if got.Source != tt.source {
				t.Fatalf("Source = %s, want %s", got.Source, tt.source)
			}
			if tt.kind == SpecInterval && got.Every != tt.duration {
				t.Fatalf("Every = %v, want %v", got.Every, tt.duration)
			}
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "00:00", "01:75", "-5m", "cron:", "interval:"} {
		if _, err := ParseSchedule(raw); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestAddRejectsBadCron(t *testing.T) {
	s := New(Config{}, logx.Nop())
	err := s.Add("flush", "61 * * * *", 0, func(context.Context) error { return nil })
	assert.Error(t, err)
	assert.Empty(t, s.Snapshot())
}

func TestRunNowRecordsOutcome(t *testing.T) {
	s := New(Config{Timezone: "UTC"}, logx.Nop())
	calls := 0
	require.NoError(t, s.Add("prune", "@hourly", time.Second, func(ctx context.Context) error {
		calls++
		if _, ok := ctx.Deadline(); !ok {
			t.Error("job ran without its timeout")
		}
		if calls == 2 {
			return errors.New("disk full")
		}
		return nil
	}))

	require.NoError(t, s.RunNow(context.Background(), "prune"))
	require.Error(t, s.RunNow(context.Background(), "prune"))
	assert.ErrorIs(t, s.RunNow(context.Background(), "missing"), ErrUnknownJob)

	snap := s.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "@hourly", snap[0].Spec)
	assert.Equal(t, uint64(2), snap[0].Runs)
	assert.Equal(t, uint64(1), snap[0].Failures)
	assert.Equal(t, "disk full", snap[0].LastErr)
	assert.True(t, snap[0].Next.After(time.Now()))
}

func TestIntervalJobsRunWhileStarted(t *testing.T) {
	s := New(Config{}, logx.Nop())
	ran := make(chan struct{}, 4)
	require.NoError(t, s.Add("flush", "@every 1s", 0, func(context.Context) error {
		ran <- struct{}{}
		return nil
	}))
	s.Start(context.Background())
	defer s.Stop(context.Background())

	select {
	case <-ran:
	case <-time.After(3 * time.Second):
		t.Fatal("job never triggered")
	}
}

func TestIntervalSpreadDelaysFirstRun(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sched, jitter := intervalWithSpread(time.Minute, now)
	first := sched.Next(now)
	assert.Equal(t, now.Add(time.Minute+jitter), first)
	assert.Less(t, jitter, 30*time.Second)
	assert.Equal(t, first.Add(time.Minute), sched.Next(first))
}
