package engine

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"jobforge/internal/config"
	"jobforge/internal/domain"
	"jobforge/internal/dsl"
	"jobforge/internal/events"
	"jobforge/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// InitCatalog initializes a new catalog with migrations already run.
func (e Engine) InitCatalog(ctx context.Context, catalogID, description, actorID string) (domain.Catalog, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Catalog{}, err
	}
	defer tx.Rollback()

	c := domain.Catalog{
		ID:          catalogID,
		Description: description,
		Status:      "active",
		CreatedAt:   e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertCatalog(ctx, tx, c); err != nil {
		return domain.Catalog{}, fmt.Errorf("insert catalog: %w", err)
	}
	seed := e.Config
	if seed == nil {
		seed = config.Default(catalogID)
	}
	if err := e.Repo.UpsertCatalogConfigTx(ctx, tx, c.ID, seed); err != nil {
		return domain.Catalog{}, fmt.Errorf("insert catalog config: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "catalog.init", c.ID, "catalog", c.ID, actorID, events.EventPayload{"status": c.Status}); err != nil {
		return domain.Catalog{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Catalog{}, err
	}
	return c, nil
}

// BuildJobOptions are parameters for defining a multibranch build job.
// Unset fields fall back to the catalog config.
type BuildJobOptions struct {
	CatalogID        string
	Owner            string
	Repo             string
	Name             string
	ScriptPath       string
	APICredentialsID string
	SSHCredentialsID string
	ActorID          string
}

// DefineBuildJob constructs, validates and stores a build job descriptor.
// The policy fields (tag window, retention, strategy flags) are fixed by the
// catalog; only coordinates and credentials vary per job.
func (e Engine) DefineBuildJob(ctx context.Context, opts BuildJobOptions) (domain.Job, error) {
	if e.Config == nil {
		return domain.Job{}, errors.New("config not loaded")
	}
	if opts.Repo == "" {
		return domain.Job{}, errors.New("repo is required")
	}
	if opts.CatalogID == "" {
		opts.CatalogID = e.Config.Catalog.ID
	}
	if opts.Owner == "" {
		opts.Owner = e.Config.GitHub.Owner
	}
	if opts.Name == "" {
		opts.Name = domain.BuildJobName(opts.Repo)
	}
	if opts.ScriptPath == "" {
		opts.ScriptPath = e.Config.Build.ScriptPath
	}
	if opts.APICredentialsID == "" {
		opts.APICredentialsID = e.Config.GitHub.APICredentialsID
	}
	if opts.SSHCredentialsID == "" {
		opts.SSHCredentialsID = e.Config.GitHub.SSHCredentialsID
	}
	spec := domain.BuildJobSpec{
		Name: opts.Name,
		Repository: domain.Repository{
			Owner:         opts.Owner,
			Name:          opts.Repo,
			URL:           domain.CloneURL(opts.Owner, opts.Repo),
			CredentialsID: opts.APICredentialsID,
		},
		Traits: domain.DiscoveryTraits{
			Tags:               true,
			OriginPullRequests: true,
			SSHCredentialsID:   opts.SSHCredentialsID,
			Submodules: domain.SubmoduleOptions{
				Disable:           false,
				Recursive:         true,
				ParentCredentials: true,
			},
		},
		Strategies: domain.BuildStrategies{
			ChangeRequests: domain.ChangeRequestStrategy{
				IgnoreTargetOnlyChanges: true,
				IgnoreUntrustedChanges:  false,
			},
			Tags: domain.TagStrategy{MaxAgeDays: domain.TagBuildWindowDays},
		},
		Orphaned: domain.OrphanedItemPolicy{
			MaxItems:   domain.OrphanedMaxItems,
			MaxAgeDays: domain.OrphanedMaxAgeDays,
		},
		ScriptPath: opts.ScriptPath,
	}
	job := domain.Job{
		Name:      spec.Name,
		CatalogID: opts.CatalogID,
		Kind:      domain.KindBuild,
		Build:     &spec,
	}
	return e.storeJob(ctx, job, opts.ActorID)
}

// DeployJobOptions are parameters for defining a deploy job.
type DeployJobOptions struct {
	CatalogID          string
	Owner              string
	Repo               string
	Name               string
	InfrastructureRepo string
	ScriptPath         string
	SSHCredentialsID   string
	ActorID            string
}

// DefineDeployJob constructs, validates and stores a deploy job descriptor.
// The engine remote is the application repository; origin is the
// infrastructure repository that carries the deploy script.
func (e Engine) DefineDeployJob(ctx context.Context, opts DeployJobOptions) (domain.Job, error) {
	if e.Config == nil {
		return domain.Job{}, errors.New("config not loaded")
	}
	if opts.Repo == "" {
		return domain.Job{}, errors.New("repo is required")
	}
	if opts.CatalogID == "" {
		opts.CatalogID = e.Config.Catalog.ID
	}
	if opts.Owner == "" {
		opts.Owner = e.Config.GitHub.Owner
	}
	if opts.Name == "" {
		opts.Name = domain.DeployJobName(opts.Repo)
	}
	if opts.InfrastructureRepo == "" {
		opts.InfrastructureRepo = e.Config.Deploy.InfrastructureRepo
	}
	if opts.ScriptPath == "" {
		opts.ScriptPath = e.Config.Deploy.ScriptPath
	}
	if opts.SSHCredentialsID == "" {
		opts.SSHCredentialsID = e.Config.GitHub.SSHCredentialsID
	}
	spec := domain.DeployJobSpec{
		Name:                    opts.Name,
		DisableConcurrentBuilds: true,
		LogRotation: domain.LogRotationPolicy{
			DaysToKeep: domain.LogDaysToKeep,
			NumToKeep:  domain.LogBuildsToKeep,
		},
		Remotes: []domain.Remote{
			{
				Name:          domain.RemoteEngine,
				URL:           domain.SSHURL(opts.Owner, opts.Repo),
				CredentialsID: opts.SSHCredentialsID,
			},
			{
				Name:          domain.RemoteOrigin,
				URL:           domain.SSHURL(opts.Owner, opts.InfrastructureRepo),
				CredentialsID: opts.SSHCredentialsID,
			},
		},
		TargetBranch: domain.DeployTargetBranch,
		ScriptPath:   opts.ScriptPath,
	}
	job := domain.Job{
		Name:      spec.Name,
		CatalogID: opts.CatalogID,
		Kind:      domain.KindDeploy,
		Deploy:    &spec,
	}
	return e.storeJob(ctx, job, opts.ActorID)
}

func (e Engine) storeJob(ctx context.Context, job domain.Job, actorID string) (domain.Job, error) {
	if err := job.Validate(); err != nil {
		return domain.Job{}, err
	}
	if _, err := e.Repo.GetCatalog(ctx, job.CatalogID); err != nil {
		return domain.Job{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	evtType := "job.defined"
	existing, err := e.Repo.GetJob(ctx, job.Name)
	switch {
	case err == nil:
		job.CreatedAt = existing.CreatedAt
		evtType = "job.updated"
	case errors.Is(err, repo.ErrNotFound):
		job.CreatedAt = now
	default:
		return domain.Job{}, err
	}
	job.UpdatedAt = now

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.UpsertJob(ctx, tx, job); err != nil {
		return domain.Job{}, err
	}
	if err := e.Events.Append(ctx, tx, evtType, job.CatalogID, "job", job.Name, actorID, events.EventPayload{"kind": job.Kind}); err != nil {
		return domain.Job{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, err
	}
	return job, nil
}

// DeleteJob removes a job and its applied snapshot.
func (e Engine) DeleteJob(ctx context.Context, name, actorID string) error {
	job, err := e.Repo.GetJob(ctx, name)
	if err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteJob(ctx, tx, name); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "job.deleted", job.CatalogID, "job", name, actorID, events.EventPayload{"kind": job.Kind}); err != nil {
		return err
	}
	return tx.Commit()
}

// RenderJob renders one job to Job DSL.
func (e Engine) RenderJob(ctx context.Context, name string) (string, error) {
	job, err := e.Repo.GetJob(ctx, name)
	if err != nil {
		return "", err
	}
	return dsl.RenderJob(job)
}

// RenderSeed renders every job in the catalog, sorted by name, into one
// seed script.
func (e Engine) RenderSeed(ctx context.Context, catalogID string) (string, error) {
	jobs, err := e.Repo.ListJobs(ctx, repo.JobFilters{CatalogID: catalogID})
	if err != nil {
		return "", err
	}
	return dsl.RenderSeed(jobs)
}

// Plan actions reported against the last applied snapshot.
const (
	PlanCreate = "create"
	PlanUpdate = "update"
	PlanNoop   = "noop"
)

type Plan struct {
	JobName         string `json:"job_name"`
	Action          string `json:"action" enum:"create,update,noop"`
	Checksum        string `json:"checksum"`
	AppliedChecksum string `json:"applied_checksum,omitempty"`
}

// PlanJob compares the current rendering with the applied snapshot.
func (e Engine) PlanJob(ctx context.Context, name string) (Plan, error) {
	rendered, err := e.RenderJob(ctx, name)
	if err != nil {
		return Plan{}, err
	}
	p := Plan{JobName: name, Checksum: checksum(rendered)}
	applied, err := e.Repo.GetAppliedJob(ctx, name)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		p.Action = PlanCreate
	case err != nil:
		return Plan{}, err
	default:
		p.AppliedChecksum = applied.Checksum
		if applied.Checksum == p.Checksum {
			p.Action = PlanNoop
		} else {
			p.Action = PlanUpdate
		}
	}
	return p, nil
}

// ApplyJob records the current rendering as the applied snapshot. The
// actual submission to the seed-job processor happens outside this tool;
// apply captures what was handed over.
func (e Engine) ApplyJob(ctx context.Context, name, actorID string) (domain.AppliedJob, error) {
	job, err := e.Repo.GetJob(ctx, name)
	if err != nil {
		return domain.AppliedJob{}, err
	}
	rendered, err := dsl.RenderJob(job)
	if err != nil {
		return domain.AppliedJob{}, err
	}
	applied := domain.AppliedJob{
		JobName:   name,
		Checksum:  checksum(rendered),
		Rendered:  rendered,
		ActorID:   actorID,
		AppliedAt: e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.AppliedJob{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertAppliedJob(ctx, tx, applied); err != nil {
		return domain.AppliedJob{}, err
	}
	if err := e.Events.Append(ctx, tx, "job.applied", job.CatalogID, "job", name, actorID, events.EventPayload{
		"checksum": applied.Checksum,
	}); err != nil {
		return domain.AppliedJob{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.AppliedJob{}, err
	}
	return applied, nil
}

// CreateAPIKey mints a key for an actor and returns the plaintext once.
func (e Engine) CreateAPIKey(ctx context.Context, actorID, name string) (domain.APIKey, string, error) {
	if strings.TrimSpace(actorID) == "" {
		return domain.APIKey{}, "", errors.New("actor id is required")
	}
	plain := uuid.NewString()
	key := domain.APIKey{
		ID:        uuid.NewSHA1(uuid.NameSpaceOID, []byte("api-key|"+actorID+"|"+plain)).String(),
		ActorID:   actorID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(plain),
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, plain, nil
}

func checksum(rendered string) string {
	sum := sha256.Sum256([]byte(rendered))
	return hex.EncodeToString(sum[:])
}
