package dispatch

import "log/slog"

// Stats are the running counters for one remediation run. They are
// accumulated by value: per-host processing returns a delta that the
// dispatcher folds in, so nothing mutates shared state from inner loops.
type Stats struct {
	TeamsProcessed    int
	PoliciesProcessed int
	HostsProcessed    int
	ScriptsTriggered  int
	SoftwareTriggered int
	SkippedBackoff    int
	SkippedMaxRetries int
	APIErrors         int
}

// Add folds a delta into s.
func (s *Stats) Add(d Stats) {
	s.TeamsProcessed += d.TeamsProcessed
	s.PoliciesProcessed += d.PoliciesProcessed
	s.HostsProcessed += d.HostsProcessed
	s.ScriptsTriggered += d.ScriptsTriggered
	s.SoftwareTriggered += d.SoftwareTriggered
	s.SkippedBackoff += d.SkippedBackoff
	s.SkippedMaxRetries += d.SkippedMaxRetries
	s.APIErrors += d.APIErrors
}

// LogValue lets a whole Stats be attached to a log record as one group.
func (s Stats) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("teams_processed", s.TeamsProcessed),
		slog.Int("policies_processed", s.PoliciesProcessed),
		slog.Int("hosts_processed", s.HostsProcessed),
		slog.Int("scripts_triggered", s.ScriptsTriggered),
		slog.Int("software_triggered", s.SoftwareTriggered),
		slog.Int("skipped_backoff", s.SkippedBackoff),
		slog.Int("skipped_max_retries", s.SkippedMaxRetries),
		slog.Int("api_errors", s.APIErrors),
	)
}
