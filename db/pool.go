// Package db provides the pooled database connections commands execute on.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/ao-apps/aoserv-master/cfg"
	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/mysql"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/go-sql-driver/mysql"
	"github.com/rs/zerolog/log"
)

func init() {
	goqu.SetDefaultPrepared(true)
}

// busyTimeoutMS is how long SQLite waits on a locked database before
// returning SQLITE_BUSY.
const busyTimeoutMS = 5000

// Pool hands out one connection per executing command. Acquire blocks once
// PoolSize connections are checked out.
type Pool struct {
	db      *sql.DB
	driver  string
	dialect goqu.DialectWrapper
}

// Open creates the pool described by the configuration.
func Open(dbCfg cfg.DatabaseConfiguration, poolCfg cfg.ConnectionPoolConfiguration, sqlitePath string) (*Pool, error) {
	var (
		driverName string
		dsn        string
	)

	switch dbCfg.Driver {
	case cfg.DriverSQLite:
		driverName = SQLiteDriverName
		dsn = SQLiteDSN(sqlitePath)
	case cfg.DriverMySQL:
		driverName = "mysql"
		dsn = MySQLDSN(dbCfg.MySQL)
	default:
		return nil, fmt.Errorf("unsupported database driver: %q", dbCfg.Driver)
	}

	sqlDB, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", dbCfg.Driver, err)
	}

	sqlDB.SetMaxOpenConns(poolCfg.PoolSize)
	sqlDB.SetMaxIdleConns(poolCfg.PoolSize)
	if poolCfg.MaxLifetimeSeconds > 0 {
		sqlDB.SetConnMaxLifetime(time.Duration(poolCfg.MaxLifetimeSeconds) * time.Second)
	}
	if poolCfg.MaxIdleTimeSeconds > 0 {
		sqlDB.SetConnMaxIdleTime(time.Duration(poolCfg.MaxIdleTimeSeconds) * time.Second)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to connect to %s database: %w", dbCfg.Driver, err)
	}

	log.Info().
		Str("driver", dbCfg.Driver).
		Int("pool_size", poolCfg.PoolSize).
		Msg("Database pool ready")

	return &Pool{
		db:      sqlDB,
		driver:  dbCfg.Driver,
		dialect: goqu.Dialect(dbCfg.Driver),
	}, nil
}

// SQLiteDSN returns the connection string used for the SQLite backend.
// _txlock=immediate takes the write lock at BEGIN so concurrent commands
// queue on busy_timeout instead of failing at their first write.
func SQLiteDSN(path string) string {
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=%d&_txlock=immediate&_foreign_keys=on",
		path, busyTimeoutMS)
}

// MySQLDSN builds the DSN for an external MySQL server.
func MySQLDSN(c cfg.MySQLConfiguration) string {
	mc := mysql.NewConfig()
	mc.User = c.User
	mc.Passwd = c.Password
	mc.Net = "tcp"
	mc.Addr = net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
	mc.DBName = c.Database
	mc.ParseTime = true
	mc.Params = map[string]string{"transaction_isolation": "'READ-COMMITTED'"}
	return mc.FormatDSN()
}

// Driver returns the configured driver name.
func (p *Pool) Driver() string {
	return p.driver
}

// Dialect returns the SQL builder for this backend.
func (p *Pool) Dialect() goqu.DialectWrapper {
	return p.dialect
}

// DB exposes the underlying handle for bootstrap and tests.
func (p *Pool) DB() *sql.DB {
	return p.db
}

// Stats returns pool statistics.
func (p *Pool) Stats() sql.DBStats {
	return p.db.Stats()
}

// Acquire checks out a connection and begins a transaction on it.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	conn, err := p.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	return &Conn{conn: conn, tx: tx, dialect: p.dialect}, nil
}

// Close closes every pooled connection.
func (p *Pool) Close() error {
	return p.db.Close()
}
