// Package scheduler drives recurring backups from stored Schedule
// records using robfig/cron, a library taken from the wider example pack
// rather than from the teacher.
package scheduler

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/stackvault/backupd/internal/model"
)

// Scheduler wraps a cron.Cron instance and tracks which cron entry ID
// backs which schedule key, so a schedule can be replaced or removed
// without restarting the whole scheduler.
type Scheduler struct {
	cr *cron.Cron

	mu      sync.Mutex
	entries map[string]cron.EntryID // schedule key -> cron entry
}

// New creates a Scheduler and starts its internal cron runner.
func New() *Scheduler {
	s := &Scheduler{
		cr:      cron.New(),
		entries: make(map[string]cron.EntryID),
	}
	s.cr.Start()
	return s
}

// Stop stops the cron runner, waiting for any in-flight trigger to finish.
func (s *Scheduler) Stop() {
	<-s.cr.Stop().Done()
}

// Register installs or replaces the cron entry for sched, invoking
// enqueue(sched.Key) each time it fires. A manual-frequency schedule is a
// no-op: it has no cron entry and exists only as a stored record.
func (s *Scheduler) Register(sched model.Schedule, enqueue func(key string)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.entries[sched.Key]; ok {
		s.cr.Remove(id)
		delete(s.entries, sched.Key)
	}

	if sched.Frequency == model.FrequencyManual {
		return nil
	}

	spec, err := cronSpec(sched)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", sched.Key, err)
	}

	id, err := s.cr.AddFunc(spec, func() {
		slog.Info("scheduled job fired", "key", sched.Key, "frequency", sched.Frequency)
		enqueue(sched.Key)
	})
	if err != nil {
		return fmt.Errorf("register schedule %s (%s): %w", sched.Key, spec, err)
	}
	s.entries[sched.Key] = id
	return nil
}

// Unregister removes the cron entry for key, if any.
func (s *Scheduler) Unregister(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[key]; ok {
		s.cr.Remove(id)
		delete(s.entries, key)
	}
}

// cronSpec translates a Schedule's Frequency/Time/DayOfWeek into a
// standard 5-field cron expression.
func cronSpec(sched model.Schedule) (string, error) {
	hour, minute, err := parseHHMM(sched.Time)
	if err != nil {
		return "", err
	}

	switch sched.Frequency {
	case model.FrequencyDaily:
		return fmt.Sprintf("%d %d * * *", minute, hour), nil
	case model.FrequencyWeekly:
		if sched.DayOfWeek == nil {
			return "", fmt.Errorf("weekly schedule missing day of week")
		}
		dow := *sched.DayOfWeek
		if dow < 0 || dow > 6 {
			return "", fmt.Errorf("invalid day of week %d", dow)
		}
		return fmt.Sprintf("%d %d * * %d", minute, hour, dow), nil
	default:
		return "", fmt.Errorf("unsupported frequency %q for cron translation", sched.Frequency)
	}
}

func parseHHMM(hhmm string) (hour, minute int, err error) {
	_, err = fmt.Sscanf(hhmm, "%d:%d", &hour, &minute)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid time %q, want HH:MM: %w", hhmm, err)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid time %q out of range", hhmm)
	}
	return hour, minute, nil
}
