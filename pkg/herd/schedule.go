package herd

import "time"

// Schedule belongs to an agent: a trigger (cron expression or positive
// interval duration), an optional prompt template, and last_run_at state
// (§3, §4.F).
type Schedule struct {
	Name       string        `yaml:"-"`
	Cron       string        `yaml:"trigger_cron,omitempty"`
	Interval   time.Duration `yaml:"trigger_interval,omitempty"`
	Prompt     string        `yaml:"prompt,omitempty"`
	Enabled    bool          `yaml:"enabled"`
	LastRunAt  *time.Time    `yaml:"last_run_at,omitempty"`
}

// IsCron reports whether this schedule fires on a cron expression rather
// than a fixed interval.
func (s Schedule) IsCron() bool {
	return s.Cron != ""
}
