// Package kitedb is the watchdog's durable store: named, ordered key-value
// maps with transactional access. Persistence is a single SQLite file; the
// hosting platform replicates the file by placing one replica of the
// service, and with it the store, on every node it chooses. Access is
// gated by the replica role so only the primary mutates state.
package kitedb

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"go.uber.org/atomic"
)

// Role is the replica role granted by the hosting platform.
type Role int32

const (
	RoleNone Role = iota
	RoleSecondary
	RolePrimary
)

func (r Role) String() string {
	switch r {
	case RolePrimary:
		return "primary"
	case RoleSecondary:
		return "secondary"
	default:
		return "none"
	}
}

// Access is the result of a gate check.
type Access int32

const (
	AccessDenied Access = iota
	AccessReconfiguring
	AccessGranted
)

const (
	stateOpening int32 = iota
	stateReady
	stateClosed
)

type Store struct {
	cfg    Config
	logger log.Logger

	// writeDB holds a single connection so write transactions serialize on
	// the pool instead of tripping SQLITE_BUSY against each other. readDB
	// connections are query_only and run concurrently under WAL.
	writeDB *sql.DB
	readDB  *sql.DB

	state atomic.Int32
	role  atomic.Int32

	roleMtx sync.Mutex
	onRole  func(Role)

	mapsMtx sync.Mutex
	maps    map[string]string
}

// Open opens or creates the store at cfg.Path and applies pending schema
// migrations. The store starts with RoleNone; no access is granted until
// SetRole.
func Open(cfg Config, logger log.Logger) (*Store, error) {
	writeDB, err := sql.Open("sqlite", writeDSN(cfg.Path))
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", cfg.Path, err)
	}
	writeDB.SetMaxOpenConns(1)

	if _, err := writeDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = writeDB.Close()
		return nil, fmt.Errorf("set journal mode on %s: %w", cfg.Path, err)
	}

	if err := Migrate(writeDB); err != nil {
		_ = writeDB.Close()
		return nil, fmt.Errorf("store %s: %w", cfg.Path, err)
	}

	readDB, err := sql.Open("sqlite", readDSN(cfg.Path))
	if err != nil {
		_ = writeDB.Close()
		return nil, fmt.Errorf("open store %s for reads: %w", cfg.Path, err)
	}

	s := &Store{
		cfg:     cfg,
		logger:  log.With(logger, "component", "kitedb"),
		writeDB: writeDB,
		readDB:  readDB,
		maps:    map[string]string{},
	}
	s.state.Store(stateReady)

	level.Info(s.logger).Log("msg", "store opened", "path", cfg.Path)
	return s, nil
}

func writeDSN(path string) string {
	return "file:" + path + "?_txlock=immediate" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=foreign_keys(1)"
}

func readDSN(path string) string {
	return "file:" + path +
		"?_pragma=busy_timeout(5000)" +
		"&_pragma=query_only(1)"
}

// Close releases both connection pools. In-flight transactions fail.
func (s *Store) Close() error {
	if !s.state.CompareAndSwap(stateReady, stateClosed) {
		return nil
	}
	rerr := s.readDB.Close()
	werr := s.writeDB.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

// SetRole records the role granted by the platform. Granting RolePrimary
// enables writes, RoleSecondary reads, RoleNone nothing. The registered
// role-change hook runs synchronously after the swap.
func (s *Store) SetRole(role Role) {
	s.roleMtx.Lock()
	defer s.roleMtx.Unlock()

	old := Role(s.role.Swap(int32(role)))
	if old == role {
		return
	}
	metricRole.Set(float64(role))
	level.Info(s.logger).Log("msg", "role changed", "from", old, "to", role)
	if s.onRole != nil {
		s.onRole(role)
	}
}

// Role returns the current replica role.
func (s *Store) Role() Role {
	return Role(s.role.Load())
}

// OnRoleChange registers fn to run after every role transition. A single
// hook is supported; registering replaces the previous one.
func (s *Store) OnRoleChange(fn func(Role)) {
	s.roleMtx.Lock()
	defer s.roleMtx.Unlock()
	s.onRole = fn
}

// ReadStatus reports whether reads are currently allowed. Primaries and
// secondaries may read.
func (s *Store) ReadStatus() Access {
	switch s.state.Load() {
	case stateClosed:
		return AccessDenied
	case stateOpening:
		return AccessReconfiguring
	}
	switch s.Role() {
	case RolePrimary, RoleSecondary:
		return AccessGranted
	default:
		return AccessDenied
	}
}

// WriteStatus reports whether writes are currently allowed. Only the
// primary may write.
func (s *Store) WriteStatus() Access {
	switch s.state.Load() {
	case stateClosed:
		return AccessDenied
	case stateOpening:
		return AccessReconfiguring
	}
	if s.Role() == RolePrimary {
		return AccessGranted
	}
	return AccessDenied
}

// Begin starts a transaction. ReadWrite transactions serialize with each
// other; ReadOnly transactions see the last committed state and never
// block writers.
func (s *Store) Begin(ctx context.Context, mode TxMode) (*Tx, error) {
	if s.state.Load() == stateClosed {
		return nil, ErrClosed
	}

	if mode == ReadWrite {
		if st := s.WriteStatus(); st != AccessGranted {
			return nil, fmt.Errorf("begin write tx (access %d): %w", st, ErrNotPrimary)
		}
		tx, err := s.writeDB.BeginTx(ctx, nil)
		if err != nil {
			return nil, asStoreErr(err)
		}
		return &Tx{store: s, tx: tx, mode: mode}, nil
	}

	if st := s.ReadStatus(); st != AccessGranted {
		return nil, fmt.Errorf("begin read tx (access %d): %w", st, ErrNotPrimary)
	}
	tx, err := s.readDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, asStoreErr(err)
	}
	return &Tx{store: s, tx: tx, mode: mode}, nil
}

// ensureMap registers a named map, creating its backing table on first
// use. Reopening with a different key kind fails. Creation requires write
// access; maps that already exist open under read access as well.
func (s *Store) ensureMap(ctx context.Context, name, kind string) (string, error) {
	if s.state.Load() == stateClosed {
		return "", ErrClosed
	}
	if !mapNameRe.MatchString(name) {
		return "", fmt.Errorf("invalid map name %q", name)
	}

	s.mapsMtx.Lock()
	defer s.mapsMtx.Unlock()

	if k, ok := s.maps[name]; ok {
		if k != kind {
			return "", fmt.Errorf("map %q is %s-keyed: %w", name, k, ErrKindMismatch)
		}
		return mapTable(name), nil
	}

	var existing string
	err := s.readDB.QueryRowContext(ctx, `SELECT kind FROM kv_maps WHERE name = ?`, name).Scan(&existing)
	switch {
	case err == nil:
		if existing != kind {
			return "", fmt.Errorf("map %q is %s-keyed: %w", name, existing, ErrKindMismatch)
		}
		s.maps[name] = kind
		return mapTable(name), nil
	case err == sql.ErrNoRows:
		// not registered yet, create below
	default:
		return "", asStoreErr(err)
	}

	if s.WriteStatus() != AccessGranted {
		return "", fmt.Errorf("create map %q: %w", name, ErrNotPrimary)
	}

	keyType := "TEXT"
	if kind == kindInt64 {
		keyType = "INTEGER"
	}
	table := mapTable(name)
	ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (k %s PRIMARY KEY, v BLOB NOT NULL)", table, keyType)
	if _, err := s.writeDB.ExecContext(ctx, ddl); err != nil {
		return "", asStoreErr(err)
	}
	if _, err := s.writeDB.ExecContext(ctx,
		`INSERT INTO kv_maps (name, kind, table_name, created_at_ns) VALUES (?, ?, ?, ?) ON CONFLICT(name) DO NOTHING`,
		name, kind, table, time.Now().UnixNano()); err != nil {
		return "", asStoreErr(err)
	}

	s.maps[name] = kind
	level.Debug(s.logger).Log("msg", "map created", "name", name, "kind", kind)
	return table, nil
}

func mapTable(name string) string {
	return "kv_" + name
}
