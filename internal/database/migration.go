// internal/database/migration.go
package database

import (
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"go.uber.org/zap"

	"bricklet-service/internal/config"
)

// Migrator applies the journal schema
type Migrator struct {
	dsn    string
	logger *zap.Logger
	config *config.DatabaseConfig
}

// NewMigrator creates a new migrator instance. Every run opens and closes
// its own connection, closing the migrate instance closes the pool it was given.
func NewMigrator(cfg *config.Config, logger *zap.Logger) *Migrator {
	return &Migrator{
		dsn:    cfg.GetDatabaseDSN(),
		logger: logger,
		config: &cfg.Database,
	}
}

// ErrUnknownMigrateMode is returned by Run for a mode it does not handle
var ErrUnknownMigrateMode = errors.New("unknown migrate mode")

// Run executes a single migrate command: up, down, version or force
func (m *Migrator) Run(mode string, version int) error {
	switch mode {
	case "up":
		return m.Up()
	case "down":
		return m.Down()
	case "force":
		return m.Force(version)
	case "version":
		current, dirty, err := m.Version()
		if err != nil {
			return err
		}
		m.logger.Info("Database migration version",
			zap.Uint("version", current),
			zap.Bool("dirty", dirty),
		)
		return nil
	default:
		return fmt.Errorf("%w %q", ErrUnknownMigrateMode, mode)
	}
}

// Up runs all up migrations
func (m *Migrator) Up() error {
	migrator, err := m.createMigrator()
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	defer migrator.Close()

	if err := migrator.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}

	m.logger.Info("Database migrations completed successfully")
	return nil
}

// Down runs all down migrations
func (m *Migrator) Down() error {
	migrator, err := m.createMigrator()
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	defer migrator.Close()

	if err := migrator.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration down failed: %w", err)
	}

	m.logger.Info("Database migrations rolled back successfully")
	return nil
}

// Version returns the current migration version
func (m *Migrator) Version() (uint, bool, error) {
	migrator, err := m.createMigrator()
	if err != nil {
		return 0, false, fmt.Errorf("failed to create migrator: %w", err)
	}
	defer migrator.Close()

	version, dirty, err := migrator.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to get version: %w", err)
	}

	return version, dirty, nil
}

// Force forces a specific migration version
func (m *Migrator) Force(version int) error {
	migrator, err := m.createMigrator()
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	defer migrator.Close()

	if err := migrator.Force(version); err != nil {
		return fmt.Errorf("failed to force version %d: %w", version, err)
	}

	m.logger.Info("Migration version forced", zap.Int("version", version))
	return nil
}

// createMigrator creates a migrate instance
func (m *Migrator) createMigrator() (*migrate.Migrate, error) {
	conn, err := sql.Open("postgres", m.dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open migration connection: %w", err)
	}
	driver, err := postgres.WithInstance(conn, &postgres.Config{})
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to create postgres driver: %w", err)
	}

	path := m.config.MigrationsPath
	if path == "" {
		path = "migrations"
	}
	migrationsPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to get migrations path: %w", err)
	}

	sourceURL := fmt.Sprintf("file://%s", migrationsPath)

	migrator, err := migrate.NewWithDatabaseInstance(sourceURL, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrator: %w", err)
	}

	return migrator, nil
}
