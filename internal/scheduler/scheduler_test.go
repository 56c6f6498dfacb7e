package scheduler

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"timebrowse/internal/checkpoint"
	tberrors "timebrowse/internal/errors"
	"timebrowse/internal/nilfs"
	"timebrowse/internal/slogutil"
	"timebrowse/internal/storage"
	"timebrowse/internal/testutil"
)

func TestParseExpressionInterval(t *testing.T) {
	tests := []struct {
		expr    string
		want    time.Duration
		wantErr bool
	}{
		{"every 5m", 5 * time.Minute, false},
		{"every 5 minutes", 5 * time.Minute, false},
		{"every 2h", 2 * time.Hour, false},
		{"Every  2 Hours", 2 * time.Hour, false},
		{"every 1d", 24 * time.Hour, false},
		{"every 1 week", 7 * 24 * time.Hour, false},
		{"every 1 minute", time.Minute, false},
		{"every 30s", 0, true},
		{"every m", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			parsed, err := ParseExpression(tt.expr)
			if tt.wantErr {
				if err == nil {
					t.Error("Expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseExpression() error = %v", err)
			}
			if parsed.Kind != KindInterval {
				t.Errorf("Kind = %q, want %q", parsed.Kind, KindInterval)
			}
			if parsed.Interval != tt.want {
				t.Errorf("Interval = %v, want %v", parsed.Interval, tt.want)
			}
		})
	}
}

func TestParseExpressionDaily(t *testing.T) {
	tests := []struct {
		expr      string
		hour, min int
		wantErr   bool
	}{
		{"daily at 03:15", 3, 15, false},
		{"daily at 9:00", 9, 0, false},
		{"daily at 23:59", 23, 59, false},
		{"daily at 24:00", 0, 0, true},
		{"daily at 12:60", 0, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			parsed, err := ParseExpression(tt.expr)
			if tt.wantErr {
				if err == nil {
					t.Error("Expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseExpression() error = %v", err)
			}
			if parsed.Kind != KindDaily || parsed.Hour != tt.hour || parsed.Minute != tt.min {
				t.Errorf("got %s %02d:%02d, want daily %02d:%02d", parsed.Kind, parsed.Hour, parsed.Minute, tt.hour, tt.min)
			}
		})
	}
}

func TestNextRunTime(t *testing.T) {
	// Tuesday
	from := time.Date(2024, 3, 12, 10, 30, 0, 0, time.UTC)

	tests := []struct {
		expr string
		want time.Time
	}{
		{"every 15m", from.Add(15 * time.Minute)},
		{"daily at 11:00", time.Date(2024, 3, 12, 11, 0, 0, 0, time.UTC)},
		{"daily at 10:30", time.Date(2024, 3, 13, 10, 30, 0, 0, time.UTC)},
		{"0 */6 * * *", time.Date(2024, 3, 12, 12, 0, 0, 0, time.UTC)},
		{"*/20 * * * *", time.Date(2024, 3, 12, 10, 40, 0, 0, time.UTC)},
		{"0 0 1 * *", time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)},
		{"30 2 * * 0", time.Date(2024, 3, 17, 2, 30, 0, 0, time.UTC)},
		{"30 2 * * 7", time.Date(2024, 3, 17, 2, 30, 0, 0, time.UTC)},
		{"0 9 * * 1-5", time.Date(2024, 3, 13, 9, 0, 0, 0, time.UTC)},
		// day of month or day of week when both are restricted
		{"0 0 15 * 4", time.Date(2024, 3, 14, 0, 0, 0, 0, time.UTC)},
		{"0 0 29 2 *", time.Date(2028, 2, 29, 0, 0, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := NextRunTime(tt.expr, from)
			if err != nil {
				t.Fatalf("NextRunTime() error = %v", err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("NextRunTime(%q) = %v, want %v", tt.expr, got, tt.want)
			}
		})
	}
}

func TestParseCronErrors(t *testing.T) {
	for _, expr := range []string{
		"60 * * * *",
		"* 24 * * *",
		"* * 0 * *",
		"* * * 13 *",
		"* * * * 8",
		"*/0 * * * *",
		"5-1 * * * *",
		"a * * * *",
		"* * *",
	} {
		t.Run(expr, func(t *testing.T) {
			if _, err := ParseExpression(expr); err == nil {
				t.Errorf("ParseExpression(%q) should fail", expr)
			}
		})
	}
}

func TestParseAge(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"", 0, false},
		{"90d", 90 * 24 * time.Hour, false},
		{"2w", 14 * 24 * time.Hour, false},
		{"36h", 36 * time.Hour, false},
		{"1h30m", 90 * time.Minute, false},
		{"-1h", 0, true},
		{"soon", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseAge(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseAge(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseAge(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

const samplePolicies = `
[[policy]]
id = "hourly"
device = "/dev/sdb1"
action = "snapshot"
schedule = "every 1h"

[[policy]]
id = "prune"
device = "/dev/sdb1"
action = "prune"
schedule = "daily at 03:30"
keep = 48
max_age = "30d"
enabled = false
`

func writePolicies(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policies.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadPolicies(t *testing.T) {
	policies, err := LoadPolicies(writePolicies(t, samplePolicies))
	if err != nil {
		t.Fatalf("LoadPolicies() error = %v", err)
	}
	if len(policies) != 2 {
		t.Fatalf("got %d policies, want 2", len(policies))
	}
	if !policies[0].IsEnabled() {
		t.Error("policy without enabled should default to enabled")
	}
	if policies[1].IsEnabled() {
		t.Error("enabled = false should disable the policy")
	}
	if policies[1].Keep != 48 || policies[1].MaxAge != "30d" {
		t.Errorf("prune limits = %d/%q", policies[1].Keep, policies[1].MaxAge)
	}

	var buf bytes.Buffer
	if err := WritePolicies(&buf, policies); err != nil {
		t.Fatalf("WritePolicies() error = %v", err)
	}
	again, err := LoadPolicies(writePolicies(t, buf.String()))
	if err != nil {
		t.Fatalf("reloading written policies: %v", err)
	}
	if !reflect.DeepEqual(policies, again) {
		t.Errorf("written policies differ:\n%+v\n%+v", policies, again)
	}
}

func TestLoadPoliciesRejects(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown key", "[[policy]]\nid = \"a\"\ndevice = \"/dev/x\"\naction = \"snapshot\"\nschedule = \"every 1h\"\ncolour = \"red\"\n"},
		{"missing id", "[[policy]]\ndevice = \"/dev/x\"\naction = \"snapshot\"\nschedule = \"every 1h\"\n"},
		{"bad action", "[[policy]]\nid = \"a\"\ndevice = \"/dev/x\"\naction = \"explode\"\nschedule = \"every 1h\"\n"},
		{"bad schedule", "[[policy]]\nid = \"a\"\ndevice = \"/dev/x\"\naction = \"snapshot\"\nschedule = \"sometimes\"\n"},
		{"unbounded prune", "[[policy]]\nid = \"a\"\ndevice = \"/dev/x\"\naction = \"prune\"\nschedule = \"every 1h\"\n"},
		{"duplicate", "[[policy]]\nid = \"a\"\ndevice = \"/dev/x\"\naction = \"snapshot\"\nschedule = \"every 1h\"\n" +
			"[[policy]]\nid = \"a\"\ndevice = \"/dev/y\"\naction = \"snapshot\"\nschedule = \"every 2h\"\n"},
		{"not toml", "[[policy\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadPolicies(writePolicies(t, tt.body))
			if !tberrors.Is(err, tberrors.ConfigInvalid) {
				t.Errorf("LoadPolicies() error = %v, want CONFIG_INVALID", err)
			}
		})
	}
}

func TestScheduleMarkRun(t *testing.T) {
	now := time.Date(2024, 3, 12, 10, 0, 0, 0, time.UTC)
	sc := &Schedule{Expression: "every 1h", Enabled: true, NextRun: now}

	if !sc.IsDue(now) {
		t.Error("schedule should be due at its next run")
	}
	if err := sc.MarkRun(now, 1500*time.Millisecond, errors.New("boom")); err != nil {
		t.Fatal(err)
	}
	if sc.LastStatus != StatusFailed || sc.LastError != "boom" || sc.LastDuration != 1500 {
		t.Errorf("failed run recorded as %q %q %d", sc.LastStatus, sc.LastError, sc.LastDuration)
	}
	if !sc.NextRun.Equal(now.Add(time.Hour)) {
		t.Errorf("NextRun = %v", sc.NextRun)
	}
	if sc.IsDue(now.Add(time.Minute)) {
		t.Error("schedule should not be due before its next run")
	}

	sc.Enabled = false
	if sc.IsDue(now.Add(2 * time.Hour)) {
		t.Error("disabled schedule is never due")
	}
}

func setupStore(t *testing.T) *Store {
	t.Helper()
	db, err := storage.Open(t.TempDir(), slogutil.NewDiscardLogger())
	if err != nil {
		t.Fatalf("storage.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db, slogutil.NewDiscardLogger())
}

func TestStoreSyncPolicies(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)
	now := time.Date(2024, 3, 12, 10, 0, 0, 0, time.UTC)

	policies := []Policy{
		{ID: "hourly", Device: "/dev/sdb1", Action: ActionSnapshot, Schedule: "every 1h"},
		{ID: "prune", Device: "/dev/sdb1", Action: ActionPrune, Schedule: "daily at 03:30", Keep: 10, MaxAge: "2w"},
	}
	if err := store.SyncPolicies(ctx, policies, now); err != nil {
		t.Fatalf("SyncPolicies() error = %v", err)
	}

	hourly, err := store.GetSchedule(ctx, "hourly")
	if err != nil || hourly == nil {
		t.Fatalf("GetSchedule() = %v, %v", hourly, err)
	}
	if !hourly.NextRun.Equal(now.Add(time.Hour)) {
		t.Errorf("NextRun = %v", hourly.NextRun)
	}
	prune, _ := store.GetSchedule(ctx, "prune")
	if prune.Keep != 10 || prune.MaxAge != 14*24*time.Hour {
		t.Errorf("prune limits = %d %v", prune.Keep, prune.MaxAge)
	}

	// unchanged expression keeps its next run; removed policies go away
	later := now.Add(30 * time.Minute)
	policies[0].Device = "/dev/sdc1"
	if err := store.SyncPolicies(ctx, policies[:1], later); err != nil {
		t.Fatalf("SyncPolicies() error = %v", err)
	}
	hourly, _ = store.GetSchedule(ctx, "hourly")
	if hourly.Device != "/dev/sdc1" {
		t.Errorf("Device = %q, want /dev/sdc1", hourly.Device)
	}
	if !hourly.NextRun.Equal(now.Add(time.Hour)) {
		t.Errorf("NextRun moved to %v", hourly.NextRun)
	}
	if sc, _ := store.GetSchedule(ctx, "prune"); sc != nil {
		t.Error("removed policy should be deleted")
	}

	// changed expression reschedules
	policies[0].Schedule = "every 2h"
	if err := store.SyncPolicies(ctx, policies[:1], later); err != nil {
		t.Fatal(err)
	}
	hourly, _ = store.GetSchedule(ctx, "hourly")
	if !hourly.NextRun.Equal(later.Add(2 * time.Hour)) {
		t.Errorf("NextRun = %v, want %v", hourly.NextRun, later.Add(2*time.Hour))
	}
}

func TestStoreDueSchedules(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)
	now := time.Date(2024, 3, 12, 10, 0, 0, 0, time.UTC)
	off := false

	err := store.SyncPolicies(ctx, []Policy{
		{ID: "a", Device: "/dev/sdb1", Action: ActionSnapshot, Schedule: "every 5m"},
		{ID: "b", Device: "/dev/sdb1", Action: ActionSnapshot, Schedule: "every 1h"},
		{ID: "c", Device: "/dev/sdb1", Action: ActionSnapshot, Schedule: "every 1m", Enabled: &off},
	}, now)
	if err != nil {
		t.Fatal(err)
	}

	due, err := store.DueSchedules(ctx, now.Add(10*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 || due[0].ID != "a" {
		t.Errorf("due = %+v, want only a", due)
	}
}

type recordingExecutor struct {
	ran []string
	err error
}

func (e *recordingExecutor) Execute(_ context.Context, sc *Schedule) error {
	e.ran = append(e.ran, sc.ID)
	return e.err
}

func TestSchedulerRunDue(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)
	start := time.Date(2024, 3, 12, 10, 0, 0, 0, time.UTC)

	if err := store.SyncPolicies(ctx, []Policy{
		{ID: "snap", Device: "/dev/sdb1", Action: ActionSnapshot, Schedule: "every 5m"},
	}, start); err != nil {
		t.Fatal(err)
	}

	exec := &recordingExecutor{}
	s := New(store, exec, slogutil.NewDiscardLogger(), DefaultConfig())
	now := start.Add(6 * time.Minute)
	s.now = func() time.Time { return now }

	if n := s.RunDue(ctx); n != 1 {
		t.Fatalf("RunDue() = %d, want 1", n)
	}
	if n := s.RunDue(ctx); n != 0 {
		t.Errorf("second RunDue() = %d, want 0", n)
	}

	sc, _ := store.GetSchedule(ctx, "snap")
	if sc.LastStatus != StatusSuccess {
		t.Errorf("LastStatus = %q", sc.LastStatus)
	}
	if !sc.NextRun.Equal(now.Add(5 * time.Minute)) {
		t.Errorf("NextRun = %v", sc.NextRun)
	}

	runs, err := store.ListRuns(ctx, "snap", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].Status != StatusSuccess || runs[0].EndedAt == nil {
		t.Errorf("runs = %+v", runs)
	}
}

func TestSchedulerRunNowRecordsFailure(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)
	now := time.Date(2024, 3, 12, 10, 0, 0, 0, time.UTC)

	if err := store.SyncPolicies(ctx, []Policy{
		{ID: "snap", Device: "/dev/sdb1", Action: ActionSnapshot, Schedule: "daily at 04:00"},
	}, now); err != nil {
		t.Fatal(err)
	}

	exec := &recordingExecutor{err: errors.New("mkcp failed")}
	s := New(store, exec, slogutil.NewDiscardLogger(), DefaultConfig())
	s.now = func() time.Time { return now }

	if err := s.RunNow(ctx, "snap"); err == nil {
		t.Fatal("RunNow() should return the action error")
	}
	if err := s.RunNow(ctx, "missing"); err == nil {
		t.Error("RunNow() of unknown schedule should fail")
	}

	runs, _ := store.ListRuns(ctx, "snap", 10)
	if len(runs) != 1 || runs[0].Status != StatusFailed || runs[0].Error != "mkcp failed" {
		t.Errorf("runs = %+v", runs)
	}
	sc, _ := store.GetSchedule(ctx, "snap")
	if sc.LastError != "mkcp failed" {
		t.Errorf("LastError = %q", sc.LastError)
	}
}

func TestSchedulerStartStop(t *testing.T) {
	store := setupStore(t)
	exec := &recordingExecutor{}
	s := New(store, exec, slogutil.NewDiscardLogger(), Config{CheckInterval: 10 * time.Millisecond})

	s.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	if err := s.Stop(time.Second); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
}

func TestSelectPrune(t *testing.T) {
	now := time.Date(2024, 3, 12, 10, 0, 0, 0, time.UTC)
	day := 24 * time.Hour
	records := []checkpoint.Record{
		{Number: 1, Time: now.Add(-40 * day), Snapshot: true},
		{Number: 2, Time: now.Add(-20 * day), Snapshot: true},
		{Number: 3, Time: now.Add(-10 * day), Snapshot: false},
		{Number: 4, Time: now.Add(-5 * day), Snapshot: true},
		{Number: 5, Time: now.Add(-1 * day), Snapshot: true},
	}

	tests := []struct {
		name   string
		keep   int
		maxAge time.Duration
		want   []uint64
	}{
		{"keep newest two", 2, 0, []uint64{1, 2}},
		{"keep more than exist", 10, 0, nil},
		{"max age", 0, 30 * day, []uint64{1}},
		{"both limits", 3, 7 * day, []uint64{1, 2}},
		{"no limits", 0, 0, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SelectPrune(records, tt.keep, tt.maxAge, now)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("SelectPrune() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestVolumeExecutor(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2024, 3, 12, 10, 0, 0, 0, time.Local)
	now := base.Add(time.Hour)
	vol := testutil.NewFakeVolume("/dev/sdb1", func() time.Time { return now })
	vol.Add(base, true)
	vol.Add(base.Add(time.Minute), true)
	vol.Add(base.Add(2*time.Minute), false)
	vol.Add(base.Add(3*time.Minute), true)

	opened := 0
	exec := NewVolumeExecutor(func(device string) *nilfs.Session {
		opened++
		return nilfs.NewSession(vol, slogutil.NewDiscardLogger())
	}, slogutil.NewDiscardLogger())
	exec.now = func() time.Time { return now }

	if err := exec.Execute(ctx, &Schedule{Device: "/dev/sdb1", Action: ActionPromote}); err != nil {
		t.Fatalf("promote: %v", err)
	}
	if err := exec.Execute(ctx, &Schedule{Device: "/dev/sdb1", Action: ActionPrune, Keep: 2}); err != nil {
		t.Fatalf("prune: %v", err)
	}
	if err := exec.Execute(ctx, &Schedule{Device: "/dev/sdb1", Action: ActionSnapshot}); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if opened != 1 {
		t.Errorf("opened %d sessions, want 1", opened)
	}

	var snapshots []uint64
	for _, r := range vol.Records() {
		if r.Snapshot {
			snapshots = append(snapshots, r.Number)
		}
	}
	// 3 promoted, then 1 and 2 pruned down to two, then 5 created
	if want := []uint64{3, 4, 5}; !reflect.DeepEqual(snapshots, want) {
		t.Errorf("snapshots = %v, want %v", snapshots, want)
	}

	if err := exec.Execute(ctx, &Schedule{Device: "/dev/sdb1", Action: "explode"}); err == nil {
		t.Error("unknown action should fail")
	}
}

// stuckVolume refuses to change the mode of a single checkpoint.
type stuckVolume struct {
	*testutil.FakeVolume
	stuck uint64
}

func (v *stuckVolume) ChangeCheckpoint(ctx context.Context, number uint64, snapshot bool) error {
	if number == v.stuck {
		return errors.New("chcp: device busy")
	}
	return v.FakeVolume.ChangeCheckpoint(ctx, number, snapshot)
}

func TestVolumeExecutorPruneContinuesPastFailure(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2024, 3, 12, 10, 0, 0, 0, time.Local)
	now := base.Add(time.Hour)
	fake := testutil.NewFakeVolume("/dev/sdb1", func() time.Time { return now })
	for i := 0; i < 4; i++ {
		fake.Add(base.Add(time.Duration(i)*time.Minute), true)
	}
	vol := &stuckVolume{FakeVolume: fake, stuck: 2}

	exec := NewVolumeExecutor(func(device string) *nilfs.Session {
		return nilfs.NewSession(vol, slogutil.NewDiscardLogger())
	}, slogutil.NewDiscardLogger())
	exec.now = func() time.Time { return now }

	err := exec.Execute(ctx, &Schedule{Device: "/dev/sdb1", Action: ActionPrune, Keep: 1})
	if err == nil {
		t.Fatal("prune should report the stuck snapshot")
	}
	if !strings.Contains(err.Error(), "demote checkpoint 2") {
		t.Errorf("error = %v, want it to name checkpoint 2", err)
	}

	var snapshots []uint64
	for _, r := range fake.Records() {
		if r.Snapshot {
			snapshots = append(snapshots, r.Number)
		}
	}
	// 1 and 3 demoted despite 2 failing in between
	if want := []uint64{2, 4}; !reflect.DeepEqual(snapshots, want) {
		t.Errorf("snapshots = %v, want %v", snapshots, want)
	}
}
