package app

import (
	"fmt"

	"verdant/internal/config"
	"verdant/internal/db"
	"verdant/internal/engine"
	"verdant/internal/migrate"
	"verdant/internal/oracle"
	"verdant/internal/storage"
)

// Open bootstraps a workspace: database, migrations, config, object store and
// oracle client, wired into an Engine. The returned closer releases the
// database handle.
func Open(workspace string) (engine.Engine, func(), error) {
	cfg, err := config.Load(workspace)
	if err != nil {
		return engine.Engine{}, nil, fmt.Errorf("load config: %w", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return engine.Engine{}, nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return engine.Engine{}, nil, fmt.Errorf("migrate: %w", err)
	}
	store := storage.NewDiskStore(storage.ImagesDir(workspace), cfg.Storage.PublicBaseURL)
	oc := oracle.New(cfg.Oracle, config.OracleAPIKey())
	e := engine.New(conn, cfg, store, oc)
	return e, func() { conn.Close() }, nil
}
