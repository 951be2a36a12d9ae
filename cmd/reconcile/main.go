// Command reconcile runs the subscription repair job once and prints the
// results as JSON.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/PortNumber53/pegasus/internal/reconcile"
	"github.com/PortNumber53/pegasus/internal/store"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
)

func main() {
	if err := run(os.Args[1:], os.Stdout, defaultDeps()); err != nil {
		log.Fatal(err)
	}
}

type dbConfig struct {
	DatabaseURL string `env:"DATABASE_URL,required,notEmpty"`
}

type deps struct {
	loadEnv func(...string) error
	environ func() map[string]string
	openDB  func(driverName, dataSourceName string) (*sql.DB, error)
	newJob  func(db *sql.DB) reconcile.Job
}

func defaultDeps() deps {
	return deps{
		loadEnv: godotenv.Load,
		environ: func() map[string]string { return env.ToMap(os.Environ()) },
		openDB:  sql.Open,
		newJob: func(db *sql.DB) reconcile.Job {
			return reconcile.New(store.New(db))
		},
	}
}

type options struct {
	userID         string
	attachOrphans  bool
	allowHeuristic bool
	timeout        time.Duration
}

func parseArgs(args []string) (options, error) {
	fs := flag.NewFlagSet("reconcile", flag.ContinueOnError)
	var o options
	fs.StringVar(&o.userID, "user", "", "Repair only this user id (skips the orphan pass)")
	fs.BoolVar(&o.attachOrphans, "attach-orphans", false, "Attach subscriptions without a user first")
	fs.BoolVar(&o.allowHeuristic, "allow-heuristic", false, "Let orphan attachment fall back to the most recent checkout before the subscription")
	fs.DurationVar(&o.timeout, "timeout", 2*time.Minute, "Overall deadline")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if o.allowHeuristic && !o.attachOrphans {
		return options{}, errors.New("-allow-heuristic requires -attach-orphans")
	}
	if o.userID != "" && o.attachOrphans {
		return options{}, errors.New("-user cannot be combined with -attach-orphans")
	}
	return o, nil
}

func run(args []string, out io.Writer, d deps) error {
	o, err := parseArgs(args)
	if err != nil {
		return err
	}
	if d.loadEnv != nil {
		_ = d.loadEnv()
	}

	var cfg dbConfig
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: d.environ()}); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if d.openDB == nil || d.newJob == nil {
		return errors.New("openDB and newJob dependencies are required")
	}
	db, err := d.openDB("postgres", cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
	defer cancel()

	job := d.newJob(db)
	var result any
	if o.userID != "" {
		results, err := job.RepairCheckoutSessions(ctx, o.userID)
		if err != nil {
			return fmt.Errorf("repair user %s: %w", o.userID, err)
		}
		result = map[string]any{"repaired": results}
	} else {
		sum, err := reconcile.RunAll(ctx, job, o.attachOrphans, o.allowHeuristic)
		if err != nil {
			return fmt.Errorf("reconcile: %w", err)
		}
		result = sum
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
