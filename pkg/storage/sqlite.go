// Package storage contains the rule repository and access log; this file
// provides the SQLite implementation.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/manoj0727/Wi-fi-firewall/pkg/config"
	"github.com/manoj0727/Wi-fi-firewall/pkg/logging"
	"github.com/manoj0727/Wi-fi-firewall/pkg/rules"
	"github.com/manoj0727/Wi-fi-firewall/pkg/telemetry"

	_ "modernc.org/sqlite"
)

const defaultAccessPageSize = 100

// SQLiteStorage implements Storage using SQLite
type SQLiteStorage struct {
	db              *sql.DB
	cfg             config.StorageConfig
	logger          *logging.Logger
	metrics         *telemetry.Metrics
	buffer          chan *AccessLog
	stmtInsertEntry *sql.Stmt
	wg              sync.WaitGroup
	mu              sync.RWMutex
	closed          bool
}

// NewSQLiteStorage opens the database, applies migrations and starts the
// access log flush worker.
func NewSQLiteStorage(cfg *config.StorageConfig, logger *logging.Logger, metrics *telemetry.Metrics) (*SQLiteStorage, error) {
	if cfg == nil || cfg.DatabasePath == "" {
		return nil, ErrInvalidConfig
	}

	c := *cfg
	if c.BufferSize < 1 {
		c.BufferSize = 1000
	}
	if c.BatchSize < 1 {
		c.BatchSize = 100
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 5 * time.Second
	}

	db, err := sql.Open("sqlite", c.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	// SQLite works best with a single connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if pingErr := db.Ping(); pingErr != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, pingErr)
	}

	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", c.BusyTimeout),
		"PRAGMA foreign_keys = ON",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
	}
	if c.WALMode {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}

	for _, pragma := range pragmas {
		if _, pragmaErr := db.Exec(pragma); pragmaErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", pragmaErr)
		}
	}

	if migrationErr := runMigrations(db); migrationErr != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", migrationErr)
	}

	stmtInsert, err := db.Prepare(`
		INSERT INTO access_logs
		(timestamp, client_ip, domain, action, rule, source, category, cached)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to prepare insert statement: %w", err)
	}

	s := &SQLiteStorage{
		db:              db,
		cfg:             c,
		logger:          logger,
		metrics:         metrics,
		buffer:          make(chan *AccessLog, c.BufferSize),
		stmtInsertEntry: stmtInsert,
	}

	s.wg.Add(1)
	go s.flushWorker()

	logger.Info("SQLite repository opened",
		"path", c.DatabasePath,
		"wal", c.WALMode,
		"log_queries", c.LogQueries)

	return s, nil
}

// BlockedDomains implements rules.Source. Entries come back in insertion
// order so wildcard precedence survives a restart.
func (s *SQLiteStorage) BlockedDomains(ctx context.Context) ([]string, error) {
	return s.listDomains(ctx, ListBlocked)
}

// AllowedDomains implements rules.Source.
func (s *SQLiteStorage) AllowedDomains(ctx context.Context) ([]string, error) {
	return s.listDomains(ctx, ListAllowed)
}

func (s *SQLiteStorage) listDomains(ctx context.Context, list List) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT domain FROM domains WHERE list = ? ORDER BY rowid`, string(list))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	defer func() { _ = rows.Close() }()

	domains := []string{}
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
		}
		domains = append(domains, d)
	}
	return domains, rows.Err()
}

// Categories implements rules.Source.
func (s *SQLiteStorage) Categories(ctx context.Context) ([]rules.Category, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT c.name, c.enabled, cd.domain
		FROM categories c
		LEFT JOIN category_domains cd ON cd.category = c.name
		ORDER BY c.name, cd.rowid
	`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	defer func() { _ = rows.Close() }()

	var cats []rules.Category
	for rows.Next() {
		var (
			name    string
			enabled bool
			domain  sql.NullString
		)
		if err := rows.Scan(&name, &enabled, &domain); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
		}
		if len(cats) == 0 || cats[len(cats)-1].Name != name {
			cats = append(cats, rules.Category{Name: name, Enabled: enabled, Domains: []string{}})
		}
		if domain.Valid {
			last := &cats[len(cats)-1]
			last.Domains = append(last.Domains, domain.String)
		}
	}
	return cats, rows.Err()
}

// Setting implements rules.Source.
func (s *SQLiteStorage) Setting(ctx context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return "", false, ErrClosed
	}

	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	return value, true, nil
}

// AddDomain inserts domain into list. Adding an existing entry is a no-op.
func (s *SQLiteStorage) AddDomain(ctx context.Context, list List, domain string) error {
	if _, err := ParseList(string(list)); err != nil {
		return err
	}
	return s.exec(ctx, `
		INSERT OR IGNORE INTO domains (domain, list, created_at) VALUES (?, ?, ?)
	`, domain, string(list), time.Now().UnixMilli())
}

// RemoveDomain deletes domain from list. Removing a missing entry is a no-op.
func (s *SQLiteStorage) RemoveDomain(ctx context.Context, list List, domain string) error {
	if _, err := ParseList(string(list)); err != nil {
		return err
	}
	return s.exec(ctx, `DELETE FROM domains WHERE list = ? AND domain = ?`, string(list), domain)
}

// SetCategoryEnabled sets the enabled flag, creating an empty category when
// name is unknown.
func (s *SQLiteStorage) SetCategoryEnabled(ctx context.Context, name string, enabled bool) error {
	return s.exec(ctx, `
		INSERT INTO categories (name, enabled) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET enabled = excluded.enabled
	`, name, enabled)
}

// SetSetting upserts a key/value setting.
func (s *SQLiteStorage) SetSetting(ctx context.Context, key, value string) error {
	return s.exec(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now().UnixMilli())
}

func (s *SQLiteStorage) exec(ctx context.Context, query string, args ...any) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	return nil
}

// Seed writes p into an empty repository and reports whether it did.
func (s *SQLiteStorage) Seed(ctx context.Context, p rules.Policy) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return false, ErrClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	defer func() { _ = tx.Rollback() }()

	var existing int
	err = tx.QueryRowContext(ctx, `
		SELECT (SELECT COUNT(*) FROM domains)
		     + (SELECT COUNT(*) FROM categories)
		     + (SELECT COUNT(*) FROM settings)
	`).Scan(&existing)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	if existing > 0 {
		return false, nil
	}

	now := time.Now().UnixMilli()
	insertDomain := func(list List, d string) error {
		_, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO domains (domain, list, created_at) VALUES (?, ?, ?)`,
			d, string(list), now)
		return err
	}

	for _, d := range p.Blocked {
		if err := insertDomain(ListBlocked, d); err != nil {
			return false, fmt.Errorf("%w: %v", ErrQueryFailed, err)
		}
	}
	for _, d := range p.Allowed {
		if err := insertDomain(ListAllowed, d); err != nil {
			return false, fmt.Errorf("%w: %v", ErrQueryFailed, err)
		}
	}
	for _, w := range p.Wildcards {
		list := ListBlocked
		if w.Action == rules.ActionAllow {
			list = ListAllowed
		}
		if err := insertDomain(list, w.Pattern); err != nil {
			return false, fmt.Errorf("%w: %v", ErrQueryFailed, err)
		}
	}

	active := make(map[string]bool, len(p.ActiveCategories))
	for _, name := range p.ActiveCategories {
		active[name] = true
	}
	for name, domains := range p.Categories {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO categories (name, enabled) VALUES (?, ?)`, name, active[name]); err != nil {
			return false, fmt.Errorf("%w: %v", ErrQueryFailed, err)
		}
		for _, d := range domains {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO category_domains (category, domain) VALUES (?, ?)`, name, d); err != nil {
				return false, fmt.Errorf("%w: %v", ErrQueryFailed, err)
			}
		}
	}

	if p.Mode != "" {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)`,
			rules.ModeSettingKey, string(p.Mode), now); err != nil {
			return false, fmt.Errorf("%w: %v", ErrQueryFailed, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	return true, nil
}

// LogAccess queues entry for the flush worker. It never blocks; a full
// buffer drops the entry.
func (s *SQLiteStorage) LogAccess(ctx context.Context, entry *AccessLog) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	select {
	case s.buffer <- entry:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		s.metrics.AddDroppedWrite(ctx, 1)
		return ErrBufferFull
	}
}

// flushWorker batches buffered entries and writes them when the batch is
// full or the flush interval elapses. It exits once the buffer is closed
// and drained.
func (s *SQLiteStorage) flushWorker() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]*AccessLog, 0, s.cfg.BatchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}

		if err := s.flushBatch(batch); err != nil {
			s.logger.Error("Failed to flush access log batch",
				"error", err,
				"batch_size", len(batch),
			)
		}

		batch = batch[:0]
	}

	for {
		select {
		case entry, ok := <-s.buffer:
			if !ok {
				flush()
				return
			}

			batch = append(batch, entry)
			if len(batch) >= s.cfg.BatchSize {
				flush()
			}

		case <-ticker.C:
			flush()
		}
	}
}

// flushBatch writes entries in a single transaction.
func (s *SQLiteStorage) flushBatch(entries []*AccessLog) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt := tx.Stmt(s.stmtInsertEntry)

	for _, e := range entries {
		_, err := stmt.Exec(
			e.Timestamp.UnixMilli(),
			e.ClientIP,
			e.Domain,
			e.Action,
			e.Rule,
			e.Source,
			e.Category,
			e.Cached,
		)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrQueryFailed, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	return nil
}

// RecentAccess returns persisted entries newest first.
func (s *SQLiteStorage) RecentAccess(ctx context.Context, limit, offset int) ([]*AccessLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	if limit <= 0 {
		limit = defaultAccessPageSize
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp, client_ip, domain, action,
		       COALESCE(rule, ''), COALESCE(source, ''), COALESCE(category, ''), cached
		FROM access_logs
		ORDER BY timestamp DESC, id DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	defer func() { _ = rows.Close() }()

	entries := []*AccessLog{}
	for rows.Next() {
		var (
			e  AccessLog
			ts int64
		)
		if err := rows.Scan(&e.ID, &ts, &e.ClientIP, &e.Domain, &e.Action,
			&e.Rule, &e.Source, &e.Category, &e.Cached); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
		}
		e.Timestamp = time.UnixMilli(ts)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// Cleanup deletes access log entries older than olderThan and returns how
// many were removed.
func (s *SQLiteStorage) Cleanup(ctx context.Context, olderThan time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, ErrClosed
	}

	result, err := s.db.ExecContext(ctx,
		`DELETE FROM access_logs WHERE timestamp < ?`, olderThan.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}

	rows, _ := result.RowsAffected()

	// Reclaim space only after large deletions
	if rows > 10000 {
		if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
			s.logger.Error("VACUUM operation failed",
				"error", err,
				"deleted_rows", rows,
			)
		}
	}

	return rows, nil
}

// Close flushes buffered entries and closes the database.
func (s *SQLiteStorage) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.buffer)
	s.wg.Wait()

	if s.stmtInsertEntry != nil {
		_ = s.stmtInsertEntry.Close()
	}

	return s.db.Close()
}

// Ping checks the database connection
func (s *SQLiteStorage) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}

	return s.db.PingContext(ctx)
}

var _ Storage = (*SQLiteStorage)(nil)
