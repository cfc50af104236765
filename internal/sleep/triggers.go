package sleep

import (
	"context"
	"strings"
	"time"
)

// Trigger names what started a cycle.
type Trigger string

const (
	TriggerIdle   Trigger = "idle"
	TriggerTime   Trigger = "time"
	TriggerManual Trigger = "manual"
)

// Usage is one resource sample for the idle detector.
type Usage struct {
	CPU        float64 // 0..1
	Memory     float64 // 0..1
	QueueDepth int     // pending foreground work
}

// ResourceSampler reports current fleet load. Implementations wrap
// whatever telemetry the deployment has; tests inject canned samples.
type ResourceSampler interface {
	Sample(ctx context.Context) (Usage, error)
}

// TriggerConfig bounds both trigger modes.
type TriggerConfig struct {
	Mode            string // "idle", "time", "hybrid"
	CPUThreshold    float64
	MemoryThreshold float64
	MinIdle         time.Duration
	StartHour       int
	WindowHours     int
	Weekdays        []string
}

// idleTracker turns point-in-time samples into a continuous-idle verdict.
// A single busy sample resets the window.
type idleTracker struct {
	cfg       TriggerConfig
	idleSince time.Time
}

// observe folds in one sample and reports whether the system has now been
// idle for the configured minimum.
func (t *idleTracker) observe(u Usage, now time.Time) bool {
	idle := u.CPU < t.cfg.CPUThreshold &&
		u.Memory < t.cfg.MemoryThreshold &&
		u.QueueDepth == 0
	if !idle {
		t.idleSince = time.Time{}
		return false
	}
	if t.idleSince.IsZero() {
		t.idleSince = now
		return t.cfg.MinIdle == 0
	}
	return now.Sub(t.idleSince) >= t.cfg.MinIdle
}

func (t *idleTracker) reset() {
	t.idleSince = time.Time{}
}

// inTimeWindow reports whether now falls inside the configured daily
// window. The window may wrap past midnight.
func inTimeWindow(cfg TriggerConfig, now time.Time) bool {
	if cfg.WindowHours <= 0 {
		return false
	}
	if len(cfg.Weekdays) > 0 && !weekdayAllowed(cfg.Weekdays, now.Weekday()) {
		return false
	}
	start := cfg.StartHour
	end := (start + cfg.WindowHours) % 24
	h := now.Hour()
	if start == end {
		return true // 24h window
	}
	if start < end {
		return h >= start && h < end
	}
	return h >= start || h < end
}

func weekdayAllowed(days []string, d time.Weekday) bool {
	name := strings.ToLower(d.String())
	for _, day := range days {
		day = strings.ToLower(strings.TrimSpace(day))
		if day == name || (len(day) >= 3 && strings.HasPrefix(name, day[:3])) {
			return true
		}
	}
	return false
}

func (cfg TriggerConfig) idleEnabled() bool {
	return cfg.Mode == "idle" || cfg.Mode == "hybrid" || cfg.Mode == ""
}

func (cfg TriggerConfig) timeEnabled() bool {
	return cfg.Mode == "time" || cfg.Mode == "hybrid"
}
