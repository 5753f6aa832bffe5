package scheduler

import (
	"testing"

	"github.com/stackvault/backupd/internal/model"
)

func TestCronSpecDaily(t *testing.T) {
	sched := model.Schedule{Key: "blog", Frequency: model.FrequencyDaily, Time: "03:30"}
	spec, err := cronSpec(sched)
	if err != nil {
		t.Fatalf("cronSpec: %v", err)
	}
	if spec != "30 3 * * *" {
		t.Errorf("cronSpec = %q, want %q", spec, "30 3 * * *")
	}
}

func TestCronSpecWeekly(t *testing.T) {
	dow := 0
	sched := model.Schedule{Key: "blog", Frequency: model.FrequencyWeekly, Time: "00:00", DayOfWeek: &dow}
	spec, err := cronSpec(sched)
	if err != nil {
		t.Fatalf("cronSpec: %v", err)
	}
	if spec != "0 0 * * 0" {
		t.Errorf("cronSpec = %q, want %q", spec, "0 0 * * 0")
	}
}

func TestCronSpecWeeklyMissingDayOfWeek(t *testing.T) {
	sched := model.Schedule{Key: "blog", Frequency: model.FrequencyWeekly, Time: "00:00"}
	if _, err := cronSpec(sched); err == nil {
		t.Fatal("expected error for missing day of week")
	}
}

func TestRegisterManualFrequencyIsNoOp(t *testing.T) {
	s := New()
	defer s.Stop()

	fired := false
	sched := model.Schedule{Key: "blog", Frequency: model.FrequencyManual}
	if err := s.Register(sched, func(key string) { fired = true }); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if len(s.entries) != 0 {
		t.Errorf("manual schedule should not create a cron entry, got %d entries", len(s.entries))
	}
	_ = fired
}

func TestRegisterReplacesExistingEntry(t *testing.T) {
	s := New()
	defer s.Stop()

	sched := model.Schedule{Key: "blog", Frequency: model.FrequencyDaily, Time: "01:00"}
	if err := s.Register(sched, func(string) {}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if len(s.entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(s.entries))
	}

	sched.Time = "02:00"
	if err := s.Register(sched, func(string) {}); err != nil {
		t.Fatalf("Register (replace): %v", err)
	}
	if len(s.entries) != 1 {
		t.Errorf("entries after replace = %d, want 1 (no duplicate)", len(s.entries))
	}
}
