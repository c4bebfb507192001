package repository

import (
	"fmt"

	"github.com/kandev/sessiond/internal/common/config"
	"github.com/kandev/sessiond/internal/db"
	"github.com/kandev/sessiond/internal/db/dialect"
	"github.com/kandev/sessiond/internal/session/repository/sqlite"
)

// Provide opens the writer/reader connections described by cfg and wraps
// them in the sqlite.Repository implementation, returning a close func the
// caller runs at shutdown.
func Provide(cfg *config.DatabaseConfig) (Repository, func() error, error) {
	switch cfg.Driver {
	case "postgres":
		writer, err := db.OpenPostgres(cfg.DSN(), 1, 1)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres writer: %w", err)
		}
		reader, err := db.OpenPostgres(cfg.DSN(), cfg.MaxConns, cfg.MinConns)
		if err != nil {
			_ = writer.Close()
			return nil, nil, fmt.Errorf("open postgres reader: %w", err)
		}
		repo, err := sqlite.NewWithDB(writer, reader, dialect.PGX)
		if err != nil {
			_ = writer.Close()
			_ = reader.Close()
			return nil, nil, err
		}
		closeFn := func() error {
			werr := writer.Close()
			rerr := reader.Close()
			if werr != nil {
				return werr
			}
			return rerr
		}
		return repo, closeFn, nil
	default:
		writer, err := db.OpenSQLite(cfg.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite writer: %w", err)
		}
		reader, err := db.OpenSQLiteReader(cfg.Path)
		if err != nil {
			_ = writer.Close()
			return nil, nil, fmt.Errorf("open sqlite reader: %w", err)
		}
		repo, err := sqlite.NewWithDB(writer, reader, dialect.SQLite3)
		if err != nil {
			_ = writer.Close()
			_ = reader.Close()
			return nil, nil, err
		}
		closeFn := func() error {
			werr := writer.Close()
			rerr := reader.Close()
			if werr != nil {
				return werr
			}
			return rerr
		}
		return repo, closeFn, nil
	}
}
