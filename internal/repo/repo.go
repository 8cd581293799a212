package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"jobforge/internal/config"
	"jobforge/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertCatalog(ctx context.Context, tx *sql.Tx, c domain.Catalog) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO catalogs(id,description,status,created_at) VALUES (?,?,?,?)`,
		c.ID, nullable(c.Description), c.Status, c.CreatedAt)
	return err
}

func (r Repo) GetCatalog(ctx context.Context, id string) (domain.Catalog, error) {
	var c domain.Catalog
	err := r.DB.QueryRowContext(ctx, `SELECT id,COALESCE(description,''),status,created_at FROM catalogs WHERE id=?`, id).
		Scan(&c.ID, &c.Description, &c.Status, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

// SingleCatalog returns the only catalog in the workspace, ErrNotFound when
// none exists, or an error telling the caller to disambiguate.
func (r Repo) SingleCatalog(ctx context.Context) (domain.Catalog, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,COALESCE(description,''),status,created_at FROM catalogs`)
	if err != nil {
		return domain.Catalog{}, err
	}
	defer rows.Close()
	var catalogs []domain.Catalog
	for rows.Next() {
		var c domain.Catalog
		if err := rows.Scan(&c.ID, &c.Description, &c.Status, &c.CreatedAt); err != nil {
			return domain.Catalog{}, err
		}
		catalogs = append(catalogs, c)
	}
	if len(catalogs) == 0 {
		return domain.Catalog{}, ErrNotFound
	}
	if len(catalogs) > 1 {
		return domain.Catalog{}, fmt.Errorf("multiple catalogs exist; specify --catalog")
	}
	return catalogs[0], nil
}

func (r Repo) ListCatalogs(ctx context.Context) ([]domain.Catalog, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,COALESCE(description,''),status,created_at FROM catalogs ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Catalog
	for rows.Next() {
		var c domain.Catalog
		if err := rows.Scan(&c.ID, &c.Description, &c.Status, &c.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) UpsertCatalogConfig(ctx context.Context, catalogID string, cfg *config.Config) error {
	return upsertCatalogConfig(ctx, r.DB, nil, catalogID, cfg)
}

func (r Repo) UpsertCatalogConfigTx(ctx context.Context, tx *sql.Tx, catalogID string, cfg *config.Config) error {
	return upsertCatalogConfig(ctx, nil, tx, catalogID, cfg)
}

func upsertCatalogConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, catalogID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Catalog.ID = catalogID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO catalog_configs(catalog_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(catalog_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, catalogID, string(payload), now, now)
	return err
}

func (r Repo) GetCatalogConfig(ctx context.Context, catalogID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM catalog_configs WHERE catalog_id=?`, catalogID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Catalog.ID == "" {
		cfg.Catalog.ID = catalogID
	}
	return &cfg, cfg.Validate()
}

// UpsertJob stores a job spec by name, replacing an existing definition.
func (r Repo) UpsertJob(ctx context.Context, tx *sql.Tx, j domain.Job) error {
	spec, err := marshalSpec(j)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO jobs(name,catalog_id,kind,spec_json,created_at,updated_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(name) DO UPDATE SET kind=excluded.kind, spec_json=excluded.spec_json, updated_at=excluded.updated_at`,
		j.Name, j.CatalogID, j.Kind, spec, j.CreatedAt, j.UpdatedAt)
	return err
}

func (r Repo) GetJob(ctx context.Context, name string) (domain.Job, error) {
	var j domain.Job
	var spec string
	err := r.DB.QueryRowContext(ctx, `SELECT name,catalog_id,kind,spec_json,created_at,updated_at FROM jobs WHERE name=?`, name).
		Scan(&j.Name, &j.CatalogID, &j.Kind, &spec, &j.CreatedAt, &j.UpdatedAt)
	if err == sql.ErrNoRows {
		return j, ErrNotFound
	}
	if err != nil {
		return j, err
	}
	if err := unmarshalSpec(spec, &j); err != nil {
		return j, err
	}
	return j, nil
}

type JobFilters struct {
	CatalogID string
	Kind      string
}

func (r Repo) ListJobs(ctx context.Context, f JobFilters) ([]domain.Job, error) {
	var clauses []string
	var args []any
	if f.CatalogID != "" {
		clauses = append(clauses, "catalog_id=?")
		args = append(args, f.CatalogID)
	}
	if f.Kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, f.Kind)
	}
	query := `SELECT name,catalog_id,kind,spec_json,created_at,updated_at FROM jobs`
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY name`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Job
	for rows.Next() {
		var j domain.Job
		var spec string
		if err := rows.Scan(&j.Name, &j.CatalogID, &j.Kind, &spec, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, err
		}
		if err := unmarshalSpec(spec, &j); err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, rows.Err()
}

func (r Repo) DeleteJob(ctx context.Context, tx *sql.Tx, name string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE name=?`, name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpsertAppliedJob(ctx context.Context, tx *sql.Tx, a domain.AppliedJob) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO applied_jobs(job_name,checksum,rendered,actor_id,applied_at) VALUES (?,?,?,?,?)
ON CONFLICT(job_name) DO UPDATE SET checksum=excluded.checksum, rendered=excluded.rendered, actor_id=excluded.actor_id, applied_at=excluded.applied_at`,
		a.JobName, a.Checksum, a.Rendered, a.ActorID, a.AppliedAt)
	return err
}

func (r Repo) GetAppliedJob(ctx context.Context, jobName string) (domain.AppliedJob, error) {
	var a domain.AppliedJob
	err := r.DB.QueryRowContext(ctx, `SELECT job_name,checksum,rendered,actor_id,applied_at FROM applied_jobs WHERE job_name=?`, jobName).
		Scan(&a.JobName, &a.Checksum, &a.Rendered, &a.ActorID, &a.AppliedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

// LatestEvents returns up to n events, newest first, optionally filtered.
func (r Repo) LatestEvents(ctx context.Context, n int, catalogID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{}
	args := []any{}
	if catalogID != "" {
		clauses = append(clauses, "catalog_id=?")
		args = append(args, catalogID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	query := `SELECT id,ts,type,COALESCE(catalog_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events`
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY id DESC`
	if n > 0 {
		query += ` LIMIT ?`
		args = append(args, n)
	}
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns up to n events with id greater than cursor, oldest first.
func (r Repo) EventsAfter(ctx context.Context, n int, cursor int64, catalogID string) ([]domain.Event, error) {
	clauses := []string{"id > ?"}
	args := []any{cursor}
	if catalogID != "" {
		clauses = append(clauses, "catalog_id=?")
		args = append(args, catalogID)
	}
	query := `SELECT id,ts,type,COALESCE(catalog_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY id ASC`
	if n > 0 {
		query += ` LIMIT ?`
		args = append(args, n)
	}
	return r.queryEvents(ctx, query, args...)
}

// LatestEventID returns the highest event id for the catalog, 0 when empty.
func (r Repo) LatestEventID(ctx context.Context, catalogID string) (int64, error) {
	var id sql.NullInt64
	err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM events WHERE catalog_id=?`, catalogID).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id.Int64, nil
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.CatalogID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func marshalSpec(j domain.Job) (string, error) {
	var v any
	switch j.Kind {
	case domain.KindBuild:
		v = j.Build
	case domain.KindDeploy:
		v = j.Deploy
	default:
		return "", fmt.Errorf("unknown job kind %q", j.Kind)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalSpec(spec string, j *domain.Job) error {
	switch j.Kind {
	case domain.KindBuild:
		var s domain.BuildJobSpec
		if err := json.Unmarshal([]byte(spec), &s); err != nil {
			return err
		}
		j.Build = &s
	case domain.KindDeploy:
		var s domain.DeployJobSpec
		if err := json.Unmarshal([]byte(spec), &s); err != nil {
			return err
		}
		j.Deploy = &s
	default:
		return fmt.Errorf("unknown job kind %q", j.Kind)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
