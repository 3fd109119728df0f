// Package sqlstore is a store.Store on database/sql for sqlite3, postgres and mysql.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/lib/pq"
	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/KaramelBytes/analyzethis/internal/prompt"
	"github.com/KaramelBytes/analyzethis/internal/store"
)

// Drivers accepted by Open.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
)

// Store is a store.Store over a *sql.DB.
type Store struct {
	db      *sql.DB
	dialect string
}

var _ store.Store = (*Store)(nil)

// Open connects, applies pool settings, pings and migrates the schema.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	switch driver {
	case "sqlite":
		driver = DriverSQLite
	case "postgresql":
		driver = DriverPostgres
	}
	switch driver {
	case DriverSQLite:
		if dsn == "" {
			dsn = ":memory:"
		}
	case DriverPostgres:
	case DriverMySQL:
		cfg, err := mysql.ParseDSN(dsn)
		if err != nil {
			return nil, fmt.Errorf("parse mysql dsn: %w", err)
		}
		cfg.ParseTime = true
		cfg.Loc = time.UTC
		dsn = cfg.FormatDSN()
	default:
		return nil, fmt.Errorf("unsupported store driver: %s", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if driver == DriverSQLite {
		// One connection keeps :memory: databases shared and serializes writers.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db, dialect: driver}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Dialect returns the driver name in use.
func (s *Store) Dialect() string { return s.dialect }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate(ctx context.Context) error {
	for i, stmt := range schema(s.dialect) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate step %d: %w", i+1, err)
		}
	}
	return nil
}

func schema(dialect string) []string {
	id, text, ts, boolean := "TEXT", "TEXT", "TIMESTAMP", "BOOLEAN"
	switch dialect {
	case DriverPostgres:
		ts = "TIMESTAMPTZ"
	case DriverMySQL:
		id, text, ts, boolean = "VARCHAR(64)", "LONGTEXT", "DATETIME(6)", "TINYINT(1)"
	}
	name := id
	if dialect == DriverMySQL {
		name = "VARCHAR(255)"
	}
	return []string{
		`CREATE TABLE IF NOT EXISTS users (
  id ` + id + ` PRIMARY KEY,
  username ` + name + ` NOT NULL UNIQUE,
  email ` + text + ` NOT NULL,
  api_key ` + text + ` NOT NULL,
  created_at ` + ts + ` NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS analyses (
  id ` + id + ` PRIMARY KEY,
  user_id ` + id + ` NOT NULL,
  title ` + text + ` NOT NULL,
  description ` + text + ` NOT NULL,
  dataset_json ` + text + ` NOT NULL,
  annotations_json ` + text + ` NOT NULL,
  raw_prompt ` + text + ` NOT NULL,
  enhanced_prompt ` + text + ` NOT NULL,
  prompt_edited ` + boolean + ` NOT NULL,
  report ` + text + ` NOT NULL,
  report_prompt ` + text + ` NOT NULL,
  report_model ` + text + ` NOT NULL,
  state ` + name + ` NOT NULL,
  created_at ` + ts + ` NOT NULL,
  updated_at ` + ts + ` NOT NULL,
  generated_at ` + ts + ` NULL
)`,
	}
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *Store) rebind(q string) string {
	if s.dialect != DriverPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(q), args...)
}

// isUniqueViolation recognizes duplicate-key errors from each driver.
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique || sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	return false
}

func (s *Store) CreateUser(ctx context.Context, u *store.User) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = store.Now()
	}
	if _, err := s.GetUserByName(ctx, u.Username); err == nil {
		return fmt.Errorf("user %q: %w", u.Username, store.ErrConflict)
	}
	const q = `INSERT INTO users (id, username, email, api_key, created_at) VALUES (?,?,?,?,?)`
	if _, err := s.exec(ctx, q, u.ID, u.Username, u.Email, u.APIKey, u.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("user %q: %w", u.Username, store.ErrConflict)
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

const userColumns = `id, username, email, api_key, created_at`

func (s *Store) GetUser(ctx context.Context, id string) (*store.User, error) {
	return s.queryUser(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
}

func (s *Store) GetUserByName(ctx context.Context, username string) (*store.User, error) {
	return s.queryUser(ctx, `SELECT `+userColumns+` FROM users WHERE LOWER(username) = LOWER(?)`, username)
}

func (s *Store) queryUser(ctx context.Context, q string, arg string) (*store.User, error) {
	var u store.User
	err := s.db.QueryRowContext(ctx, s.rebind(q), arg).Scan(&u.ID, &u.Username, &u.Email, &u.APIKey, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}
	u.CreatedAt = u.CreatedAt.UTC()
	return &u, nil
}

func (s *Store) UpdateUser(ctx context.Context, u *store.User) error {
	const q = `UPDATE users SET username = ?, email = ?, api_key = ? WHERE id = ?`
	res, err := s.exec(ctx, q, u.Username, u.Email, u.APIKey, u.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("user %q: %w", u.Username, store.ErrConflict)
		}
		return fmt.Errorf("update user: %w", err)
	}
	return s.expectRow(ctx, res, `SELECT COUNT(*) FROM users WHERE id = ?`, u.ID)
}

// expectRow maps "no row matched" to ErrNotFound. MySQL reports zero affected
// rows for updates that change nothing, so existence is checked explicitly.
func (s *Store) expectRow(ctx context.Context, res sql.Result, countQ string, args ...any) error {
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}
	var n int
	if err := s.db.QueryRowContext(ctx, s.rebind(countQ), args...).Scan(&n); err != nil {
		return fmt.Errorf("check row: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

const analysisColumns = `id, user_id, title, description, dataset_json, annotations_json, raw_prompt,
  enhanced_prompt, prompt_edited, report, report_prompt, report_model, state, created_at, updated_at, generated_at`

func (s *Store) CreateAnalysis(ctx context.Context, a *store.Analysis) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = store.Now()
	}
	a.UpdatedAt = a.CreatedAt
	ds, ann, err := encodeJSON(a)
	if err != nil {
		return err
	}
	q := `INSERT INTO analyses (` + analysisColumns + `) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`
	_, err = s.exec(ctx, q,
		a.ID, a.UserID, a.Title, a.Description, ds, ann, a.RawPrompt,
		a.EnhancedPrompt, a.PromptEdited, a.Report, a.ReportPrompt, a.ReportModel, string(a.State),
		a.CreatedAt, a.UpdatedAt, nullTime(a.GeneratedAt))
	if err != nil {
		return fmt.Errorf("insert analysis: %w", err)
	}
	return nil
}

func (s *Store) GetAnalysis(ctx context.Context, userID, id string) (*store.Analysis, error) {
	q := `SELECT ` + analysisColumns + ` FROM analyses WHERE id = ? AND user_id = ?`
	rows, err := s.db.QueryContext(ctx, s.rebind(q), id, userID)
	if err != nil {
		return nil, fmt.Errorf("query analysis: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("query analysis: %w", err)
		}
		return nil, store.ErrNotFound
	}
	return scanAnalysis(rows)
}

func (s *Store) ListAnalyses(ctx context.Context, userID string) ([]*store.Analysis, error) {
	q := `SELECT ` + analysisColumns + ` FROM analyses WHERE user_id = ? ORDER BY created_at DESC, id DESC`
	rows, err := s.db.QueryContext(ctx, s.rebind(q), userID)
	if err != nil {
		return nil, fmt.Errorf("list analyses: %w", err)
	}
	defer rows.Close()
	var out []*store.Analysis
	for rows.Next() {
		a, err := scanAnalysis(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) UpdateAnalysis(ctx context.Context, a *store.Analysis) error {
	a.UpdatedAt = store.Now()
	ds, ann, err := encodeJSON(a)
	if err != nil {
		return err
	}
	const q = `UPDATE analyses SET title = ?, description = ?, dataset_json = ?, annotations_json = ?,
  raw_prompt = ?, enhanced_prompt = ?, prompt_edited = ?, report = ?, report_prompt = ?, report_model = ?,
  state = ?, updated_at = ?, generated_at = ? WHERE id = ? AND user_id = ?`
	res, err := s.exec(ctx, q,
		a.Title, a.Description, ds, ann,
		a.RawPrompt, a.EnhancedPrompt, a.PromptEdited, a.Report, a.ReportPrompt, a.ReportModel,
		string(a.State), a.UpdatedAt, nullTime(a.GeneratedAt), a.ID, a.UserID)
	if err != nil {
		return fmt.Errorf("update analysis: %w", err)
	}
	return s.expectRow(ctx, res, `SELECT COUNT(*) FROM analyses WHERE id = ? AND user_id = ?`, a.ID, a.UserID)
}

func (s *Store) DeleteAnalysis(ctx context.Context, userID, id string) error {
	res, err := s.exec(ctx, `DELETE FROM analyses WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return fmt.Errorf("delete analysis: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return store.ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAnalysis(r scanner) (*store.Analysis, error) {
	var (
		a       store.Analysis
		ds, ann string
		state   string
		gen     sql.NullTime
	)
	err := r.Scan(&a.ID, &a.UserID, &a.Title, &a.Description, &ds, &ann, &a.RawPrompt,
		&a.EnhancedPrompt, &a.PromptEdited, &a.Report, &a.ReportPrompt, &a.ReportModel, &state,
		&a.CreatedAt, &a.UpdatedAt, &gen)
	if err != nil {
		return nil, fmt.Errorf("scan analysis: %w", err)
	}
	if err := json.Unmarshal([]byte(ds), &a.Dataset); err != nil {
		return nil, fmt.Errorf("decode dataset: %w", err)
	}
	if ann != "" && ann != "null" {
		a.Annotations = prompt.Annotations{}
		if err := json.Unmarshal([]byte(ann), &a.Annotations); err != nil {
			return nil, fmt.Errorf("decode annotations: %w", err)
		}
	}
	a.State = store.State(state)
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	if gen.Valid {
		t := gen.Time.UTC()
		a.GeneratedAt = &t
	}
	return &a, nil
}

func encodeJSON(a *store.Analysis) (string, string, error) {
	ds, err := json.Marshal(a.Dataset)
	if err != nil {
		return "", "", fmt.Errorf("encode dataset: %w", err)
	}
	ann, err := json.Marshal(a.Annotations)
	if err != nil {
		return "", "", fmt.Errorf("encode annotations: %w", err)
	}
	return string(ds), string(ann), nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
