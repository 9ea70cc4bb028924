package app

import (
	"database/sql"
	"fmt"

	"campustasks/internal/config"
	"campustasks/internal/db"
	"campustasks/internal/engine"
	"campustasks/internal/migrate"
)

// Context bundles the opened database, loaded config and engine for a
// workspace. Both the CLI and the server boot through here.
type Context struct {
	Workspace string
	DB        *sql.DB
	Config    *config.Config
	Engine    engine.Engine
}

// Open prepares the workspace: ensures the data directory, opens the
// SQLite store, applies pending migrations and loads campustasks.yml
// (falling back to defaults when the file is absent).
func Open(workspace string) (*Context, error) {
	sqlDB, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.Migrate(sqlDB); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("load config: %w", err)
	}
	return &Context{
		Workspace: workspace,
		DB:        sqlDB,
		Config:    cfg,
		Engine:    engine.New(sqlDB, cfg),
	}, nil
}

// Close releases the database handle.
func (c *Context) Close() error {
	if c == nil || c.DB == nil {
		return nil
	}
	return c.DB.Close()
}
