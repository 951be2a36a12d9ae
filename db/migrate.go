// Command migrate applies the schema in db/migrations (or MIGRATIONS_PATH).
// Deploy scripts run it with `go run db/migrate.go -direction=up`.
package main

import (
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/golang-migrate/migrate/v4"
	migratedb "github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
)

func main() {
	msg, err := run(os.Args[1:], defaultDeps())
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(msg)
}

type deps struct {
	loadEnv  func(...string) error
	getenv   func(string) string
	openDB   func(driverName, dataSourceName string) (*sql.DB, error)
	migrateF func(db *sql.DB, sourceURL, direction string, steps int) error
}

func defaultDeps() deps {
	return deps{
		loadEnv:  godotenv.Load,
		getenv:   os.Getenv,
		openDB:   sql.Open,
		migrateF: performMigrations,
	}
}

type options struct {
	direction   string
	steps       int
	force       int
	forceDirty  bool
	showVersion bool
}

type migrator interface {
	Up() error
	Down() error
	Steps(n int) error
	Force(version int) error
	Version() (version uint, dirty bool, err error)
}

// These factories are overridden in tests to avoid requiring a real Postgres database connection.
var withPostgresInstance = func(db *sql.DB) (migratedb.Driver, error) {
	return postgres.WithInstance(db, &postgres.Config{})
}

var newMigrateWithDB = func(sourceURL string, databaseName string, driver migratedb.Driver) (migrator, error) {
	return migrate.NewWithDatabaseInstance(sourceURL, databaseName, driver)
}

const defaultSourceURL = "file://db/migrations"

var newMigrator = func(db *sql.DB, sourceURL string) (migrator, error) {
	if sourceURL == "" {
		sourceURL = defaultSourceURL
	}
	driver, err := withPostgresInstance(db)
	if err != nil {
		return nil, fmt.Errorf("create migration driver: %w", err)
	}
	m, err := newMigrateWithDB(sourceURL, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("create migrate instance from %s: %w", sourceURL, err)
	}
	return m, nil
}

func parseArgs(args []string) (options, error) {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	var o options
	fs.StringVar(&o.direction, "direction", "up", "Migration direction: up or down")
	fs.IntVar(&o.steps, "steps", 0, "Number of migration steps (0 = all)")
	fs.IntVar(&o.force, "force", -1, "Force set migration version (clears dirty state). Example: -force=12")
	fs.BoolVar(&o.forceDirty, "force-dirty", false, "If the database is dirty, force it to the current version and exit")
	fs.BoolVar(&o.showVersion, "version", false, "Print the applied schema version and exit")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	switch o.direction {
	case "up", "down":
		return o, nil
	default:
		return options{}, fmt.Errorf("invalid direction: %s (must be 'up' or 'down')", o.direction)
	}
}

func run(args []string, d deps) (string, error) {
	o, err := parseArgs(args)
	if err != nil {
		return "", err
	}

	if d.loadEnv != nil {
		_ = d.loadEnv()
	}
	if d.getenv == nil {
		d.getenv = func(string) string { return "" }
	}
	databaseURL, sourceURL := d.getenv("DATABASE_URL"), d.getenv("MIGRATIONS_PATH")
	if databaseURL == "" {
		return "", errors.New("DATABASE_URL environment variable is required")
	}
	if d.openDB == nil {
		return "", errors.New("openDB dependency is required")
	}

	db, err := d.openDB("postgres", databaseURL)
	if err != nil {
		return "", fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()

	switch {
	case o.showVersion:
		m, err := newMigrator(db, sourceURL)
		if err != nil {
			return "", err
		}
		return describeVersion(m)
	case o.force >= 0 || o.forceDirty:
		m, err := newMigrator(db, sourceURL)
		if err != nil {
			return "", err
		}
		return forceVersion(m, o)
	}

	if d.migrateF == nil {
		return "", errors.New("migrateF dependency is required")
	}
	err = d.migrateF(db, sourceURL, o.direction, o.steps)
	switch {
	case errors.Is(err, migrate.ErrNoChange):
		return "No migrations to apply", nil
	case err != nil:
		return "", fmt.Errorf("migration failed: %w", err)
	}
	return fmt.Sprintf("Migration %s completed successfully", o.direction), nil
}

func describeVersion(m migrator) (string, error) {
	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return "No migrations applied", nil
	}
	if err != nil {
		return "", fmt.Errorf("read migration version: %w", err)
	}
	if dirty {
		return fmt.Sprintf("Schema version %d (dirty)", v), nil
	}
	return fmt.Sprintf("Schema version %d", v), nil
}

// forceVersion pins the version given by -force, or with -force-dirty clears a
// dirty flag at the current version.
func forceVersion(m migrator, o options) (string, error) {
	if !o.forceDirty {
		if err := m.Force(o.force); err != nil {
			return "", fmt.Errorf("force version %d: %w", o.force, err)
		}
		return fmt.Sprintf("Forced database to version %d", o.force), nil
	}
	v, dirty, err := m.Version()
	if err != nil {
		return "", fmt.Errorf("read migration version: %w", err)
	}
	if !dirty {
		return "Database is not dirty (no force needed)", nil
	}
	if err := m.Force(int(v)); err != nil {
		return "", fmt.Errorf("force dirty version %d: %w", v, err)
	}
	return fmt.Sprintf("Forced dirty database to version %d", v), nil
}

func performMigrations(db *sql.DB, sourceURL, direction string, steps int) error {
	m, err := newMigrator(db, sourceURL)
	if err != nil {
		return err
	}
	return applyDirection(m, direction, steps)
}

func applyDirection(m migrator, direction string, steps int) error {
	switch direction {
	case "up":
		if steps > 0 {
			return m.Steps(steps)
		}
		return m.Up()
	case "down":
		if steps > 0 {
			return m.Steps(-steps)
		}
		return m.Down()
	default:
		return fmt.Errorf("invalid direction: %s (must be 'up' or 'down')", direction)
	}
}
