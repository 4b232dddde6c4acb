package storage

import (
	"context"
	"database/sql"

	"github.com/vango-dev/mtproto/internal/config"
	"github.com/vango-dev/mtproto/internal/errors"
)

// Open builds the store described by cfg. Relative file paths are used
// as given; resolve them first (see config.Config.StoragePath).
//
// The sql driver opens cfg.DSN with the driver named by the dialect
// ("postgres", "mysql" or "sqlite3"), which the program must register,
// for example by importing github.com/lib/pq. Tables are created if
// missing. Redis has no config entry; construct a RedisStore in code.
func Open(ctx context.Context, cfg config.StorageConfig) (AuthKeyStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch cfg.Driver {
	case config.DriverMemory:
		return NewMemoryStore(), nil

	case config.DriverFile:
		store, err := NewFileStore(cfg.Path)
		if err != nil {
			return nil, errors.New("E080").Wrap(err)
		}
		return store, nil

	case config.DriverSQL:
		dialect, err := ParseDialect(cfg.Dialect)
		if err != nil {
			return nil, errors.New("E122").Wrap(err)
		}
		db, err := sql.Open(dialect.DriverName(), cfg.DSN)
		if err != nil {
			return nil, errors.New("E080").
				WithSuggestion("Import the " + dialect.DriverName() + " database/sql driver").
				Wrap(err)
		}
		store := NewSQLStore(db, WithSQLDialect(dialect), WithSQLTablePrefix(cfg.Prefix), withOwnedDB())
		if err := store.CreateTables(ctx); err != nil {
			store.Close()
			return nil, errors.New("E080").Wrap(err)
		}
		return store, nil

	case config.DriverEtcd:
		var opts []EtcdStoreOption
		if cfg.Prefix != "" {
			opts = append(opts, WithEtcdPrefix(cfg.Prefix))
		}
		store, err := DialEtcd(cfg.Endpoints, opts...)
		if err != nil {
			return nil, errors.New("E080").Wrap(err)
		}
		return store, nil

	case config.DriverS3:
		var opts []S3StoreOption
		if cfg.Prefix != "" {
			opts = append(opts, WithS3Prefix(cfg.Prefix))
		}
		return NewS3Store(NewS3Client(cfg.Region, cfg.Endpoint), cfg.Bucket, opts...), nil
	}

	return nil, errors.New("E081").WithDetail("storage.driver " + cfg.Driver + " is not supported")
}
