// Package sqlstore persists calibration profiles in SQLite or Postgres.
package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/alignify/alignify/pkg/calibration"
	"github.com/alignify/alignify/pkg/pose"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

func ParseDialect(s string) (Dialect, error) {
	switch Dialect(strings.ToLower(strings.TrimSpace(s))) {
	case DialectSQLite, "sqlite3":
		return DialectSQLite, nil
	case DialectPostgres, "postgresql", "pgx":
		return DialectPostgres, nil
	default:
		return "", fmt.Errorf("unsupported sql dialect %q", s)
	}
}

func (d Dialect) driverName() string {
	if d == DialectPostgres {
		return "pgx"
	}
	return "sqlite"
}

func (d Dialect) gooseDialect() goose.Dialect {
	if d == DialectPostgres {
		return goose.DialectPostgres
	}
	return goose.DialectSQLite3
}

type Store struct {
	db      *sql.DB
	dialect Dialect
}

// Open connects using the dialect's registered driver. SQLite paths get a busy
// timeout and a single connection.
func Open(dialect Dialect, dsn string) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	if dialect == DialectSQLite && !strings.Contains(dsn, "?") {
		dsn = "file:" + dsn + "?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open(dialect.driverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		db.SetMaxOpenConns(1)
		db.SetConnMaxLifetime(0)
	}
	return New(db, dialect), nil
}

func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect}
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate applies pending schema migrations and returns how many ran.
func (s *Store) Migrate(ctx context.Context) (int, error) {
	fsys, err := fs.Sub(embedMigrations, "migrations")
	if err != nil {
		return 0, err
	}
	provider, err := goose.NewProvider(s.dialect.gooseDialect(), s.db, fsys)
	if err != nil {
		return 0, fmt.Errorf("goose provider: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return len(results), fmt.Errorf("migrate: %w", err)
	}
	return len(results), nil
}

// rebind rewrites ? placeholders to $n for Postgres.
func (s *Store) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
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

// Save replaces every stored pose of profile with refs in one transaction.
func (s *Store) Save(ctx context.Context, profile string, refs map[string]calibration.Reference) error {
	profile, err := calibration.CheckProfile(profile)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %w", calibration.ErrPersistence, err)
	}
	if err := s.saveTx(ctx, tx, profile, refs); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("%w: %w", calibration.ErrPersistence, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %w", calibration.ErrPersistence, err)
	}
	return nil
}

func (s *Store) saveTx(ctx context.Context, tx *sql.Tx, profile string, refs map[string]calibration.Reference) error {
	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM reference_keypoints WHERE profile_id = ?`), profile); err != nil {
		return fmt.Errorf("clear profile: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, s.rebind(`INSERT INTO reference_keypoints
		(profile_id, pose_id, joint, x, y, z, captured_at_ns) VALUES (?, ?, ?, ?, ?, ?, ?)`))
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, id := range calibration.PoseIDs(refs) {
		ref := refs[id]
		var capturedNS int64
		if !ref.CapturedAt.IsZero() {
			capturedNS = ref.CapturedAt.UnixNano()
		}
		for j, p := range ref.Keypoints {
			if _, err := stmt.ExecContext(ctx, profile, id, j.String(), p.X, p.Y, p.Z, capturedNS); err != nil {
				return fmt.Errorf("insert %s/%s: %w", id, j, err)
			}
		}
	}
	return nil
}

func (s *Store) Load(ctx context.Context, profile string) (map[string]calibration.Reference, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT pose_id, joint, x, y, z, captured_at_ns
		FROM reference_keypoints WHERE profile_id = ? ORDER BY pose_id, joint`), profile)
	if err != nil {
		return nil, fmt.Errorf("%w: query: %w", calibration.ErrPersistence, err)
	}
	defer rows.Close()

	out := make(map[string]calibration.Reference)
	for rows.Next() {
		var (
			poseID, jointName string
			x, y, z           float64
			capturedNS        int64
		)
		if err := rows.Scan(&poseID, &jointName, &x, &y, &z, &capturedNS); err != nil {
			return nil, fmt.Errorf("%w: scan: %w", calibration.ErrPersistence, err)
		}
		j, err := pose.ParseJoint(jointName)
		if err != nil {
			return nil, fmt.Errorf("%w: pose %q: %w", calibration.ErrPersistence, poseID, err)
		}
		ref, ok := out[poseID]
		if !ok {
			ref = calibration.Reference{PoseID: poseID, Keypoints: make(pose.Keypoints)}
			if capturedNS != 0 {
				ref.CapturedAt = time.Unix(0, capturedNS).UTC()
			}
		}
		ref.Keypoints[j] = pose.Keypoint{X: x, Y: y, Z: z}
		out[poseID] = ref
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: rows: %w", calibration.ErrPersistence, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("profile %q: %w", profile, calibration.ErrNotFound)
	}
	return out, nil
}

func (s *Store) Delete(ctx context.Context, profile, poseID string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM reference_keypoints WHERE profile_id = ? AND pose_id = ?`), profile, poseID)
	if err != nil {
		return fmt.Errorf("%w: delete: %w", calibration.ErrPersistence, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: rows affected: %w", calibration.ErrPersistence, err)
	}
	if n == 0 {
		return fmt.Errorf("pose %q in profile %q: %w", poseID, profile, calibration.ErrNotFound)
	}
	return nil
}

func (s *Store) Profiles(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT profile_id FROM reference_keypoints ORDER BY profile_id`)
	if err != nil {
		return nil, fmt.Errorf("%w: query: %w", calibration.ErrPersistence, err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("%w: scan: %w", calibration.ErrPersistence, err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: rows: %w", calibration.ErrPersistence, err)
	}
	return out, nil
}
