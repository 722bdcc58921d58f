// Package store wraps the embedded SQLite database which backs the durable
// message lifecycle: one database file per state directory, opened in WAL
// mode, with immediate write transactions.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	log "github.com/sirupsen/logrus"
)

// FileName is the database file created within each state directory.
const FileName = "message-lifecycle.db"

// Store is an open lifecycle database.
type Store struct {
	db       *sql.DB
	dir      string
	inMemory bool
}

var (
	openMu sync.Mutex
	opened = make(map[string]*Store)
)

// Open returns the Store for the given state directory, opening it on first
// use. Stores are singletons per resolved directory path: repeated opens of
// the same directory return the same instance.
//
// If the database file cannot be opened or initialized, Open falls back to an
// in-memory database keyed by the same path. Reads and writes still succeed
// against the fallback, but crash recovery is inoperative until the process
// restarts with a writable path.
func Open(stateDir string) (*Store, error) {
	var resolved, err = filepath.Abs(stateDir)
	if err != nil {
		return nil, fmt.Errorf("resolving state directory: %w", err)
	}

	openMu.Lock()
	defer openMu.Unlock()

	if s, ok := opened[resolved]; ok {
		return s, nil
	}

	s, err := openAt(resolved)
	if err != nil {
		log.WithFields(log.Fields{
			"stateDir": resolved,
			"error":    err,
		}).Warn("failed to open lifecycle database; falling back to in-memory store (recovery is inoperative)")

		s, err = openMemory(resolved)
		if err != nil {
			return nil, fmt.Errorf("opening in-memory fallback: %w", err)
		}
	}
	opened[resolved] = s
	return s, nil
}

func openAt(dir string) (*Store, error) {
	var dsn = fmt.Sprintf("file:%s?%s",
		filepath.Join(dir, FileName),
		dsnOptions.Encode(),
	)
	var db, err = sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	// SQLite supports one writer. Serializing all access through a single
	// connection keeps write transactions from tripping SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err = db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	var s = &Store{db: db, dir: dir}
	if err = s.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func openMemory(key string) (*Store, error) {
	// A shared-cache memory database keyed by the original path, so that a
	// second Open of the same directory observes the same data.
	var dsn = fmt.Sprintf("file:%s?mode=memory&cache=shared&_txlock=immediate",
		url.PathEscape(key))
	var db, err = sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	var s = &Store{db: db, dir: key, inMemory: true}
	if err = s.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

var dsnOptions = url.Values{
	"_journal_mode": []string{"WAL"},
	"_synchronous":  []string{"NORMAL"},
	"_busy_timeout": []string{"5000"},
	"_txlock":       []string{"immediate"},
}

// DB exposes the underlying database handle.
func (s *Store) DB() *sql.DB { return s.db }

// Dir is the state directory this Store was opened against.
func (s *Store) Dir() string { return s.dir }

// InMemory reports whether this Store is the non-durable fallback.
func (s *Store) InMemory() bool { return s.inMemory }

// Transact runs fn within an immediate write transaction, rolling back on
// any error or panic.
func (s *Store) Transact(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	var tx *sql.Tx
	if tx, err = s.db.BeginTx(ctx, nil); err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		} else if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				log.WithField("error", rbErr).Warn("rollback of lifecycle transaction failed")
			}
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
