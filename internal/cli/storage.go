package cli

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"strings"
	"time"

	persistence "github.com/goliatone/go-persistence-bun"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	"github.com/goliatone/go-relay/core"
	relaymigrations "github.com/goliatone/go-relay/migrations"
	memstore "github.com/goliatone/go-relay/store/memory"
	sqlstore "github.com/goliatone/go-relay/store/sql"
)

type persistenceConfig struct {
	driver string
	server string
	debug  bool
}

func (c persistenceConfig) GetDebug() bool {
	return c.debug
}

func (c persistenceConfig) GetDriver() string {
	return c.driver
}

func (c persistenceConfig) GetServer() string {
	return c.server
}

func (c persistenceConfig) GetPingTimeout() time.Duration {
	return 5 * time.Second
}

func (c persistenceConfig) GetOtelIdentifier() string {
	return "go-relay"
}

// Storage is the opened KV store plus whatever must be closed with it.
type Storage struct {
	Store  core.KVStore
	Client *persistence.Client
}

func (s *Storage) Close() error {
	if s == nil || s.Client == nil {
		return nil
	}
	return s.Client.Close()
}

// OpenStorage opens the store named by cfg.Driver. SQL drivers get the relay
// migrations registered; migrate applies them before the store is built.
func OpenStorage(ctx context.Context, cfg core.StorageConfig, migrate bool) (*Storage, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == core.StorageDriverMemory {
		return &Storage{Store: memstore.NewKVStore()}, nil
	}

	client, dialect, err := openPersistence(cfg, driver)
	if err != nil {
		return nil, err
	}
	if _, err := relaymigrations.Register(dialect, func(fsys fs.FS) {
		client.RegisterSQLMigrations(fsys)
	}); err != nil {
		_ = client.Close()
		return nil, err
	}
	if migrate {
		if err := client.Migrate(ctx); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("cli: migrate %s: %w", driver, err)
		}
	}

	factory, err := sqlstore.NewRepositoryFactoryFromPersistence(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return &Storage{Store: factory.KVStore(), Client: client}, nil
}

func openPersistence(cfg core.StorageConfig, driver string) (*persistence.Client, string, error) {
	if driver != core.StorageDriverSQLite && driver != core.StorageDriverPostgres {
		return nil, "", fmt.Errorf("cli: unsupported storage driver %q", driver)
	}
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, "", fmt.Errorf("cli: storage.dsn is required for %s", driver)
	}

	sqlDriver := "postgres"
	if driver == core.StorageDriverSQLite {
		sqlDriver = "sqlite3"
	}
	db, err := sql.Open(sqlDriver, cfg.DSN)
	if err != nil {
		return nil, "", fmt.Errorf("cli: open %s: %w", driver, err)
	}
	settings := persistenceConfig{driver: sqlDriver, server: cfg.DSN, debug: cfg.Debug}

	var (
		client  *persistence.Client
		dialect string
	)
	if driver == core.StorageDriverSQLite {
		db.SetMaxOpenConns(1)
		dialect = relaymigrations.DialectSQLite
		client, err = persistence.New(settings, db, sqlitedialect.New())
	} else {
		dialect = relaymigrations.DialectPostgres
		client, err = persistence.New(settings, db, pgdialect.New())
	}
	if err != nil {
		_ = db.Close()
		return nil, "", fmt.Errorf("cli: persistence client: %w", err)
	}
	return client, dialect, nil
}
