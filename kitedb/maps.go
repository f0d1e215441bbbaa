package kitedb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
)

// GetMode selects the access intent of TryGet. GetUpdate requires a
// ReadWrite transaction and pins the value for a later write.
type GetMode int

const (
	GetRead GetMode = iota
	GetUpdate
)

const (
	kindString = "string"
	kindInt64  = "int64"
)

var mapNameRe = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// StringMap is a named map with string keys, ordered lexicographically.
type StringMap[V any] struct {
	mapCore[string, V]
}

// Int64Map is a named map with int64 keys, ordered numerically.
type Int64Map[V any] struct {
	mapCore[int64, V]
}

// GetOrCreateStringMap opens the named string-keyed map, creating it on
// first use. Creation requires write access.
func GetOrCreateStringMap[V any](ctx context.Context, s *Store, name string, codec Codec[V]) (*StringMap[V], error) {
	table, err := s.ensureMap(ctx, name, kindString)
	if err != nil {
		return nil, err
	}
	return &StringMap[V]{mapCore[string, V]{store: s, name: name, table: table, codec: codec}}, nil
}

// GetOrCreateInt64Map opens the named int64-keyed map, creating it on
// first use. Creation requires write access.
func GetOrCreateInt64Map[V any](ctx context.Context, s *Store, name string, codec Codec[V]) (*Int64Map[V], error) {
	table, err := s.ensureMap(ctx, name, kindInt64)
	if err != nil {
		return nil, err
	}
	return &Int64Map[V]{mapCore[int64, V]{store: s, name: name, table: table, codec: codec}}, nil
}

// Range iterates entries whose keys start with prefix, in key order. The
// callback returns false to stop early. An empty prefix iterates the whole
// map.
func (m *StringMap[V]) Range(ctx context.Context, tx *Tx, prefix string, fn func(string, V) (bool, error)) error {
	if prefix == "" {
		return m.RangeAll(ctx, tx, fn)
	}
	if hi, ok := prefixUpperBound(prefix); ok {
		return m.rangeQuery(ctx, tx,
			`SELECT k, v FROM `+m.table+` WHERE k >= ? AND k < ? ORDER BY k`,
			[]any{prefix, hi}, fn)
	}
	return m.rangeQuery(ctx, tx,
		`SELECT k, v FROM `+m.table+` WHERE k >= ? ORDER BY k`,
		[]any{prefix}, fn)
}

// prefixUpperBound returns the smallest string greater than every string
// with the given prefix. ok is false when no such bound exists (prefix is
// all 0xff bytes).
func prefixUpperBound(prefix string) (string, bool) {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return string(b[:i+1]), true
		}
	}
	return "", false
}

type mapCore[K comparable, V any] struct {
	store *Store
	name  string
	table string
	codec Codec[V]
}

// Name returns the map's registered name.
func (m *mapCore[K, V]) Name() string { return m.name }

// TryAdd inserts the pair if the key is absent. It reports false when the
// key already exists.
func (m *mapCore[K, V]) TryAdd(ctx context.Context, tx *Tx, key K, value V) (bool, error) {
	if err := tx.guard(true); err != nil {
		return false, err
	}
	buf, err := m.codec.Marshal(value)
	if err != nil {
		return false, fmt.Errorf("encode %s value: %w", m.name, err)
	}
	res, err := tx.tx.ExecContext(ctx,
		`INSERT INTO `+m.table+` (k, v) VALUES (?, ?) ON CONFLICT(k) DO NOTHING`, key, buf)
	if err != nil {
		return false, asStoreErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	metricOps.WithLabelValues(m.name, "try_add").Inc()
	return n > 0, nil
}

// AddOrUpdate inserts or replaces the value under key.
func (m *mapCore[K, V]) AddOrUpdate(ctx context.Context, tx *Tx, key K, value V) error {
	if err := tx.guard(true); err != nil {
		return err
	}
	buf, err := m.codec.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s value: %w", m.name, err)
	}
	_, err = tx.tx.ExecContext(ctx,
		`INSERT INTO `+m.table+` (k, v) VALUES (?, ?) ON CONFLICT(k) DO UPDATE SET v = excluded.v`, key, buf)
	if err != nil {
		return asStoreErr(err)
	}
	metricOps.WithLabelValues(m.name, "add_or_update").Inc()
	return nil
}

// TryGet returns the value under key, reporting false when absent.
func (m *mapCore[K, V]) TryGet(ctx context.Context, tx *Tx, key K, mode GetMode) (V, bool, error) {
	var zero V
	if err := tx.guard(mode == GetUpdate); err != nil {
		return zero, false, err
	}
	var buf []byte
	err := tx.tx.QueryRowContext(ctx, `SELECT v FROM `+m.table+` WHERE k = ?`, key).Scan(&buf)
	if errors.Is(err, sql.ErrNoRows) {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, asStoreErr(err)
	}
	v, err := m.codec.Unmarshal(buf)
	if err != nil {
		return zero, false, fmt.Errorf("decode %s[%v]: %w", m.name, key, err)
	}
	metricOps.WithLabelValues(m.name, "try_get").Inc()
	return v, true, nil
}

// TryUpdate replaces the value under key only if the stored value still
// encodes equal to witness. It reports false when the key is absent or the
// witness is stale.
func (m *mapCore[K, V]) TryUpdate(ctx context.Context, tx *Tx, key K, value, witness V) (bool, error) {
	if err := tx.guard(true); err != nil {
		return false, err
	}
	nbuf, err := m.codec.Marshal(value)
	if err != nil {
		return false, fmt.Errorf("encode %s value: %w", m.name, err)
	}
	wbuf, err := m.codec.Marshal(witness)
	if err != nil {
		return false, fmt.Errorf("encode %s witness: %w", m.name, err)
	}
	res, err := tx.tx.ExecContext(ctx,
		`UPDATE `+m.table+` SET v = ? WHERE k = ? AND v = ?`, nbuf, key, wbuf)
	if err != nil {
		return false, asStoreErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	metricOps.WithLabelValues(m.name, "try_update").Inc()
	return n > 0, nil
}

// TryRemove deletes the entry under key, reporting false when absent.
func (m *mapCore[K, V]) TryRemove(ctx context.Context, tx *Tx, key K) (bool, error) {
	if err := tx.guard(true); err != nil {
		return false, err
	}
	res, err := tx.tx.ExecContext(ctx, `DELETE FROM `+m.table+` WHERE k = ?`, key)
	if err != nil {
		return false, asStoreErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	metricOps.WithLabelValues(m.name, "try_remove").Inc()
	return n > 0, nil
}

// Count returns the number of entries.
func (m *mapCore[K, V]) Count(ctx context.Context, tx *Tx) (int64, error) {
	if err := tx.guard(false); err != nil {
		return 0, err
	}
	var n int64
	if err := tx.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+m.table).Scan(&n); err != nil {
		return 0, asStoreErr(err)
	}
	return n, nil
}

// RangeAll iterates every entry in key order. The callback returns false
// to stop early.
func (m *mapCore[K, V]) RangeAll(ctx context.Context, tx *Tx, fn func(K, V) (bool, error)) error {
	return m.rangeQuery(ctx, tx, `SELECT k, v FROM `+m.table+` ORDER BY k`, nil, fn)
}

func (m *mapCore[K, V]) rangeQuery(ctx context.Context, tx *Tx, query string, args []any, fn func(K, V) (bool, error)) error {
	if err := tx.guard(false); err != nil {
		return err
	}
	rows, err := tx.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return asStoreErr(err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			key K
			buf []byte
		)
		if err := rows.Scan(&key, &buf); err != nil {
			return asStoreErr(err)
		}
		v, err := m.codec.Unmarshal(buf)
		if err != nil {
			return fmt.Errorf("decode %s[%v]: %w", m.name, key, err)
		}
		cont, err := fn(key, v)
		if err != nil {
			return err
		}
		if !cont {
			break
		}
	}
	metricOps.WithLabelValues(m.name, "range").Inc()
	return asStoreErr(rows.Err())
}
