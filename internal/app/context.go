package app

import (
	"database/sql"
	"fmt"

	"redline/internal/config"
	"redline/internal/db"
	"redline/internal/engine"
	"redline/internal/migrate"
)

// Open prepares the workspace database, applies migrations, loads the YAML
// config and returns a ready engine. The caller owns the returned handle.
func Open(workspace string) (engine.Engine, *sql.DB, error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return engine.Engine{}, nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return engine.Engine{}, nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return engine.Engine{}, nil, err
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		conn.Close()
		return engine.Engine{}, nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		conn.Close()
		return engine.Engine{}, nil, fmt.Errorf("invalid config: %w", err)
	}
	return engine.New(conn, cfg), conn, nil
}
