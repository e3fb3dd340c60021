// fleet-policy-retry walks a Fleet server's teams, policies, and failing
// hosts, and re-triggers each policy's configured automation (script run or
// software install) on hosts still failing it, with persistent per-target
// backoff so the server is not hammered with repeated attempts.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"

	"github.com/adrg/xdg"
	"github.com/carlmjohnson/versioninfo"
	"github.com/urfave/cli/v2"

	"github.com/AdamBaali/fleet-policy-retry/dispatch"
	"github.com/AdamBaali/fleet-policy-retry/fleet"
	"github.com/AdamBaali/fleet-policy-retry/retrystore"
)

func main() {
	if err := run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(-1)
	}
}

var serverFlags = []cli.Flag{
	&cli.StringFlag{
		Name:     "host",
		Usage:    "method, hostname, and port of the Fleet API",
		Required: true,
		EnvVars:  []string{"FLEET_URL"},
	},
	&cli.StringFlag{
		Name:     "token",
		Usage:    "API bearer token",
		Required: true,
		EnvVars:  []string{"FLEET_API_TOKEN"},
	},
}

var cacheFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "cache-dir",
		Usage:   "directory of the persistent attempt store",
		Value:   filepath.Join(xdg.CacheHome, "fleet-policy-retry", "attempts"),
		EnvVars: []string{"FLEET_POLICY_RETRY_CACHE"},
	},
}

func run(args []string) error {
	app := cli.App{
		Name:    "fleet-policy-retry",
		Usage:   "re-trigger policy automations on still-failing hosts",
		Version: versioninfo.Short(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "log verbosity (debug, info, warn, error)",
				Value:   "info",
				EnvVars: []string{"FLEET_POLICY_RETRY_LOG_LEVEL"},
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "shorthand for --log-level=debug",
			},
		},
	}
	app.Commands = []*cli.Command{
		cmdRun,
		cmdCache,
	}
	return app.Run(args)
}

var cmdRun = &cli.Command{
	Name:  "run",
	Usage: "execute one remediation pass",
	Flags: append(append([]cli.Flag{
		&cli.BoolFlag{
			Name:  "dry-run",
			Usage: "log intended triggers without sending them or consuming retry slots",
		},
		&cli.StringFlag{
			Name:    "teams",
			Usage:   "comma-separated team names to process (empty: all teams)",
			EnvVars: []string{"FLEET_POLICY_RETRY_TEAMS"},
		},
		&cli.StringFlag{
			Name:    "exclude-policies",
			Usage:   "comma-separated policy names to skip",
			EnvVars: []string{"FLEET_POLICY_RETRY_EXCLUDE_POLICIES"},
		},
		&cli.BoolFlag{
			Name:  "include-global",
			Usage: "also process the ungrouped (no team) policy scope",
		},
		&cli.IntFlag{
			Name:    "max-retries",
			Usage:   "trigger attempts allowed per host/policy target",
			Value:   dispatch.DefaultMaxRetries,
			EnvVars: []string{"FLEET_POLICY_RETRY_MAX_RETRIES"},
		},
		&cli.DurationFlag{
			Name:    "api-delay",
			Usage:   "minimum spacing between API calls",
			Value:   fleet.DefaultAPIDelay,
			EnvVars: []string{"FLEET_POLICY_RETRY_API_DELAY"},
		},
	}, serverFlags...), cacheFlags...),
	Action: runRemediation,
}

func runRemediation(cctx *cli.Context) error {
	logger := configLogger(cctx, os.Stderr)

	if cctx.Int("max-retries") <= 0 {
		return fmt.Errorf("--max-retries must be a positive integer")
	}
	if cctx.Duration("api-delay") <= 0 {
		return fmt.Errorf("--api-delay must be positive")
	}

	ctx, stop := signal.NotifyContext(cctx.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := retrystore.Open(cctx.String("cache-dir"), logger)
	if err != nil {
		return err
	}
	defer store.Close()

	client := fleet.NewClient(cctx.String("host"), cctx.String("token"), fleet.ClientOptions{
		APIDelay: cctx.Duration("api-delay"),
		DryRun:   cctx.Bool("dry-run"),
		Logger:   logger,
	})

	d, err := dispatch.New(client, store, dispatch.Config{
		AllowTeams:    dispatch.SplitList(cctx.String("teams")),
		DenyPolicies:  dispatch.SplitList(cctx.String("exclude-policies")),
		IncludeGlobal: cctx.Bool("include-global"),
		DryRun:        cctx.Bool("dry-run"),
		MaxRetries:    cctx.Int("max-retries"),
	}, logger)
	if err != nil {
		return err
	}

	stats, runErr := d.Run(ctx)
	// The summary goes out even on interrupt; the stats cover everything
	// processed up to that point.
	logger.Info("run finished", "interrupted", runErr != nil, "stats", stats)
	if runErr != nil {
		return runErr
	}
	return nil
}

var cmdCache = &cli.Command{
	Name:  "cache",
	Usage: "inspect and maintain the persistent attempt store",
	Subcommands: []*cli.Command{
		&cli.Command{
			Name:   "ls",
			Usage:  "list attempt records",
			Flags:  cacheFlags,
			Action: runCacheList,
		},
		&cli.Command{
			Name:  "prune",
			Usage: "drop attempt records older than the age threshold",
			Flags: append([]cli.Flag{
				&cli.DurationFlag{
					Name:  "max-age",
					Usage: "records older than this are removed",
					Value: retrystore.DefaultMaxAge,
				},
			}, cacheFlags...),
			Action: runCachePrune,
		},
	},
}

func runCacheList(cctx *cli.Context) error {
	logger := configLogger(cctx, os.Stderr)

	store, err := retrystore.Open(cctx.String("cache-dir"), logger)
	if err != nil {
		return err
	}
	defer store.Close()

	return store.Walk(func(hostID, policyID, teamID uint, e retrystore.Entry) error {
		fmt.Printf("host=%d policy=%d team=%d last_attempt=%s attempts=%d\n",
			hostID, policyID, teamID,
			time.Unix(e.LastAttempt, 0).Format(time.RFC3339), e.Attempts)
		return nil
	})
}

func runCachePrune(cctx *cli.Context) error {
	logger := configLogger(cctx, os.Stderr)

	maxAge := cctx.Duration("max-age")
	if maxAge <= 0 {
		return fmt.Errorf("--max-age must be positive")
	}

	store, err := retrystore.Open(cctx.String("cache-dir"), logger)
	if err != nil {
		return err
	}
	defer store.Close()

	pruned, err := store.Prune(time.Now(), maxAge)
	if err != nil {
		return err
	}
	fmt.Printf("pruned %d attempt record(s)\n", pruned)
	return nil
}
