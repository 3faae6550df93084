package deployment

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Registry resolves a suffix to its deployment. Any string is a valid key;
// absent keys yield ErrNotFound.
type Registry interface {
	Lookup(ctx context.Context, suffix string) (Deployment, error)
}

// Store is the SQLite-backed deployment registry. Records are immutable once
// added; provisioning and teardown go through Add and Remove.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ Registry = (*Store)(nil)

// NewStore returns a Store over an already bootstrapped database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Lookup returns the deployment stored under suffix.
func (s *Store) Lookup(ctx context.Context, suffix string) (Deployment, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT suffix, id, resource_type, release, env, plan, version, source_path
FROM deployments
WHERE suffix = ?;`, suffix)

	d, err := scanDeployment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Deployment{}, fmt.Errorf("%w: %q", ErrNotFound, suffix)
	}
	if err != nil {
		return Deployment{}, fmt.Errorf("lookup deployment %q: %w", suffix, err)
	}
	return d, nil
}

// Add stores a new deployment. ID defaults to the suffix.
func (s *Store) Add(ctx context.Context, d Deployment) (Deployment, error) {
	if strings.TrimSpace(d.ID) == "" {
		d.ID = d.Suffix
	}
	if err := d.Validate(); err != nil {
		return Deployment{}, fmt.Errorf("invalid deployment: %w", err)
	}

	env := d.Env
	if env == nil {
		env = []EnvVar{}
	}
	envJSON, err := json.Marshal(env)
	if err != nil {
		return Deployment{}, fmt.Errorf("marshal env: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
INSERT INTO deployments(suffix, id, resource_type, release, env, plan, version, source_path, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(suffix) DO NOTHING;`,
		d.Suffix, d.ID, string(d.ResourceType), d.Release, string(envJSON), d.Plan, d.Version, d.SourcePath,
		s.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return Deployment{}, fmt.Errorf("insert deployment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Deployment{}, fmt.Errorf("insert deployment: %w", err)
	}
	if n == 0 {
		return Deployment{}, fmt.Errorf("%w: %q", ErrExists, d.Suffix)
	}
	return d, nil
}

// Remove deletes the deployment stored under suffix.
func (s *Store) Remove(ctx context.Context, suffix string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM deployments WHERE suffix = ?;", suffix)
	if err != nil {
		return fmt.Errorf("delete deployment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete deployment: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %q", ErrNotFound, suffix)
	}
	return nil
}

// List returns every deployment ordered by suffix.
func (s *Store) List(ctx context.Context) ([]Deployment, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT suffix, id, resource_type, release, env, plan, version, source_path
FROM deployments
ORDER BY suffix ASC;`)
	if err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	defer rows.Close()

	var out []Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan deployment: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeployment(r rowScanner) (Deployment, error) {
	var (
		d            Deployment
		resourceType string
		envRaw       string
	)
	if err := r.Scan(&d.Suffix, &d.ID, &resourceType, &d.Release, &envRaw, &d.Plan, &d.Version, &d.SourcePath); err != nil {
		return Deployment{}, err
	}
	d.ResourceType = ResourceType(resourceType)
	if err := json.Unmarshal([]byte(envRaw), &d.Env); err != nil {
		return Deployment{}, fmt.Errorf("stored env is invalid JSON for %q: %w", d.Suffix, err)
	}
	return d, nil
}
