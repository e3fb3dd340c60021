// Package dispatch drives one remediation run: it walks teams, policies,
// and failing hosts, and re-triggers each policy's automation on hosts
// whose backoff window has opened.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/AdamBaali/fleet-policy-retry/fleet"
	"github.com/AdamBaali/fleet-policy-retry/retrystore"
)

// Config is the resolved run configuration, handed over by the CLI layer.
type Config struct {
	// AllowTeams limits the run to exactly these team names; empty means
	// all teams.
	AllowTeams []string
	// DenyPolicies excludes policies by exact name.
	DenyPolicies []string
	// IncludeGlobal adds the ungrouped (no team) policy scope to the run.
	IncludeGlobal bool
	// DryRun performs all read and decision work but suppresses triggers
	// and attempt-store writes.
	DryRun bool

	MaxRetries int
	Schedule   []time.Duration
	// MaxEntryAge bounds how long attempt records are kept; older ones are
	// pruned at the start of the run.
	MaxEntryAge time.Duration
}

func (c *Config) validate() error {
	if c.MaxRetries <= 0 {
		return fmt.Errorf("max retries must be a positive integer, got %d", c.MaxRetries)
	}
	if len(c.Schedule) == 0 {
		return fmt.Errorf("backoff schedule must not be empty")
	}
	for i, d := range c.Schedule {
		if d <= 0 {
			return fmt.Errorf("backoff schedule entry %d must be positive, got %s", i, d)
		}
	}
	return nil
}

// Dispatcher orchestrates one run. Strictly sequential: the API client's
// rate limiter is the only pacing, and the attempt store is the only state
// that outlives the run.
type Dispatcher struct {
	client *fleet.Client
	store  *retrystore.Store
	cfg    Config
	log    *slog.Logger

	// now is replaced in tests
	now func() time.Time
}

func New(client *fleet.Client, store *retrystore.Store, cfg Config, logger *slog.Logger) (*Dispatcher, error) {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if len(cfg.Schedule) == 0 {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.MaxEntryAge <= 0 {
		cfg.MaxEntryAge = retrystore.DefaultMaxAge
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		client: client,
		store:  store,
		cfg:    cfg,
		log:    logger,
		now:    time.Now,
	}, nil
}

// Run executes one full remediation pass. Team- and policy-level fetch
// failures are tolerated (logged and counted); only the initial team
// listing is fatal. On context cancellation Run stops between hosts and
// returns the statistics accumulated so far along with ctx.Err().
func (d *Dispatcher) Run(ctx context.Context) (Stats, error) {
	var stats Stats

	pruned, err := d.store.Prune(d.now(), d.cfg.MaxEntryAge)
	if err != nil {
		d.log.Warn("attempt store prune failed", "err", err)
	} else if pruned > 0 {
		d.log.Info("pruned stale attempt records", "count", pruned)
	}

	teams, err := d.client.ListTeams(ctx)
	if err != nil {
		return stats, fmt.Errorf("listing teams: %w", err)
	}

	for _, team := range teams {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if !ShouldProcessTeam(team.Name, d.cfg.AllowTeams) {
			d.log.Debug("team filtered out", "team", team.Name)
			continue
		}
		stats.TeamsProcessed++
		d.log.Info("processing team", "team", team.Name, "team_id", team.ID)

		policies, err := d.client.ListTeamPolicies(ctx, team.ID)
		if err != nil {
			d.log.Warn("listing team policies failed, skipping team",
				"team", team.Name, "err", err)
			stats.APIErrors++
			continue
		}
		if err := d.runPolicies(ctx, team.ID, policies, &stats); err != nil {
			return stats, err
		}
	}

	if d.cfg.IncludeGlobal {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		policies, err := d.client.ListGlobalPolicies(ctx)
		if err != nil {
			d.log.Warn("listing global policies failed, skipping global scope", "err", err)
			stats.APIErrors++
		} else if err := d.runPolicies(ctx, 0, policies, &stats); err != nil {
			return stats, err
		}
	}

	return stats, nil
}

// runPolicies handles one team scope (teamID 0 is the global scope). The
// returned error is only ever a context cancellation; API failures are
// folded into stats.
func (d *Dispatcher) runPolicies(ctx context.Context, teamID uint, policies []fleet.Policy, stats *Stats) error {
	for _, policy := range policies {
		if err := ctx.Err(); err != nil {
			return err
		}
		stats.PoliciesProcessed++
		if !ShouldProcessPolicy(policy.Name, d.cfg.DenyPolicies) {
			d.log.Debug("policy filtered out", "policy", policy.Name)
			continue
		}
		if policy.Automation.Kind == fleet.AutomationNone {
			d.log.Debug("policy has no automation", "policy", policy.Name)
			continue
		}
		if err := d.runHosts(ctx, teamID, policy, stats); err != nil {
			return err
		}
	}
	return nil
}

// runHosts paginates a team's hosts and processes the ones failing the
// given policy. Pagination stops at the first empty page.
func (d *Dispatcher) runHosts(ctx context.Context, teamID uint, policy fleet.Policy, stats *Stats) error {
	for page := 0; ; page++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		hosts, err := d.client.ListHosts(ctx, page, teamID)
		if err != nil {
			d.log.Warn("listing hosts failed, skipping policy",
				"policy", policy.Name, "page", page, "err", err)
			stats.APIErrors++
			return nil
		}
		if len(hosts) == 0 {
			return nil
		}
		for i := range hosts {
			if err := ctx.Err(); err != nil {
				return err
			}
			if !hosts[i].FailingPolicy(policy.ID) {
				continue
			}
			stats.Add(d.processHost(ctx, teamID, policy, &hosts[i]))
		}
	}
}

// processHost handles one remediation candidate and returns the stats
// delta for it, so the counters accumulate in the dispatcher's scope no
// matter where the work runs.
func (d *Dispatcher) processHost(ctx context.Context, teamID uint, policy fleet.Policy, host *fleet.Host) Stats {
	delta := Stats{HostsProcessed: 1}
	now := d.now()

	entry, found, err := d.store.Get(host.ID, policy.ID, teamID)
	if err != nil {
		d.log.Warn("attempt store read failed, assuming first attempt",
			"host", host.Hostname, "policy", policy.Name, "err", err)
		found = false
	}

	decision := Decide(entry, found, now, d.cfg.MaxRetries, d.cfg.Schedule)
	switch decision.Kind {
	case Wait:
		d.log.Debug("host in backoff window",
			"host", host.Hostname, "policy", policy.Name,
			"remaining", decision.Remaining.Round(time.Second))
		delta.SkippedBackoff = 1
		return delta
	case Exhausted:
		d.log.Debug("host exhausted retry budget",
			"host", host.Hostname, "policy", policy.Name,
			"attempts", entry.Attempts)
		delta.SkippedMaxRetries = 1
		return delta
	}

	d.log.Info("triggering remediation",
		"host", host.Hostname, "host_id", host.ID,
		"policy", policy.Name, "automation", policy.Automation.Kind.String(),
		"attempt", entry.Attempts+1, "dry_run", d.cfg.DryRun)

	var triggerErr error
	switch policy.Automation.Kind {
	case fleet.AutomationScript:
		triggerErr = d.client.RunScript(ctx, host.ID, policy.Automation.ScriptID)
	case fleet.AutomationSoftware:
		triggerErr = d.client.InstallSoftware(ctx, host.ID, policy.Automation.SoftwareTitleID)
	}

	if d.cfg.DryRun {
		// No trigger was sent and no retry slot is consumed.
		return delta
	}

	if triggerErr != nil {
		d.log.Warn("trigger request failed",
			"host", host.Hostname, "policy", policy.Name, "err", triggerErr)
		delta.APIErrors = 1
	} else {
		switch policy.Automation.Kind {
		case fleet.AutomationScript:
			delta.ScriptsTriggered = 1
		case fleet.AutomationSoftware:
			delta.SoftwareTriggered = 1
		}
	}

	// A failed trigger still consumes a retry slot, otherwise a
	// consistently failing endpoint would be re-attempted without bound.
	if err := d.store.Record(host.ID, policy.ID, teamID, now, entry.Attempts+1); err != nil {
		d.log.Error("attempt store write failed",
			"host", host.Hostname, "policy", policy.Name, "err", err)
	}
	return delta
}
