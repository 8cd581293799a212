package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Job kinds stored in the catalog.
const (
	KindBuild  = "build"
	KindDeploy = "deploy"
)

// Policy constants shared by every descriptor in the catalog. The emitter
// and Validate both hold these fixed; descriptors that drift are rejected.
const (
	TagBuildWindowDays = 7
	OrphanedMaxItems   = 30
	OrphanedMaxAgeDays = 14
	LogDaysToKeep      = 30
	LogBuildsToKeep    = 30
	DeployTargetBranch = "remotes/origin/master"
)

// Remote names of a deploy job, in declaration order.
const (
	RemoteEngine = "engine"
	RemoteOrigin = "origin"
)

// Repository identifies a GitHub repository watched by a multibranch job.
type Repository struct {
	Owner         string `json:"owner"`
	Name          string `json:"name"`
	URL           string `json:"url"`
	CredentialsID string `json:"credentials_id"`
}

// SubmoduleOptions mirror the checkout extension of the discovery traits.
type SubmoduleOptions struct {
	Disable           bool `json:"disable"`
	Recursive         bool `json:"recursive"`
	ParentCredentials bool `json:"parent_credentials"`
}

// DiscoveryTraits declare how branches, tags and pull requests are found.
// OriginPullRequests covers pull requests from the origin repository only;
// fork pull requests are never discovered.
type DiscoveryTraits struct {
	Tags               bool             `json:"tags"`
	OriginPullRequests bool             `json:"origin_pull_requests"`
	SSHCredentialsID   string           `json:"ssh_credentials_id"`
	Submodules         SubmoduleOptions `json:"submodules"`
}

// ChangeRequestStrategy controls which change-request events build.
type ChangeRequestStrategy struct {
	IgnoreTargetOnlyChanges bool `json:"ignore_target_only_changes"`
	IgnoreUntrustedChanges  bool `json:"ignore_untrusted_changes"`
}

// TagStrategy builds tags no older than MaxAgeDays.
type TagStrategy struct {
	MaxAgeDays int `json:"max_age_days"`
}

type BuildStrategies struct {
	ChangeRequests ChangeRequestStrategy `json:"change_requests"`
	Tags           TagStrategy           `json:"tags"`
}

// OrphanedItemPolicy retains stale per-branch jobs after a branch disappears.
type OrphanedItemPolicy struct {
	MaxItems   int `json:"max_items"`
	MaxAgeDays int `json:"max_age_days"`
}

// BuildJobSpec describes a multibranch pipeline job. It is a pure value
// object; the Jenkins controller owns all runtime state.
type BuildJobSpec struct {
	Name       string             `json:"name"`
	Repository Repository         `json:"repository"`
	Traits     DiscoveryTraits    `json:"traits"`
	Strategies BuildStrategies    `json:"strategies"`
	Orphaned   OrphanedItemPolicy `json:"orphaned"`
	ScriptPath string             `json:"script_path"`
}

// LogRotationPolicy caps build log retention.
type LogRotationPolicy struct {
	DaysToKeep int `json:"days_to_keep"`
	NumToKeep  int `json:"num_to_keep"`
}

// Remote is a named SCM remote of a deploy job checkout.
type Remote struct {
	Name          string `json:"name"`
	URL           string `json:"url"`
	CredentialsID string `json:"credentials_id"`
}

// DeployJobSpec describes a single non-concurrent pipeline job that checks
// out the application repo (engine) and the infrastructure repo (origin).
type DeployJobSpec struct {
	Name                    string            `json:"name"`
	DisableConcurrentBuilds bool              `json:"disable_concurrent_builds"`
	LogRotation             LogRotationPolicy `json:"log_rotation"`
	Remotes                 []Remote          `json:"remotes"`
	TargetBranch            string            `json:"target_branch"`
	ScriptPath              string            `json:"script_path"`
}

// Job is a catalog record wrapping one of the two spec kinds.
type Job struct {
	Name      string         `json:"name"`
	CatalogID string         `json:"catalog_id"`
	Kind      string         `json:"kind" enum:"build,deploy"`
	Build     *BuildJobSpec  `json:"build,omitempty"`
	Deploy    *DeployJobSpec `json:"deploy,omitempty"`
	CreatedAt string         `json:"created_at" format:"date-time"`
	UpdatedAt string         `json:"updated_at" format:"date-time"`
}

// AppliedJob records the last rendering submitted to the seed-job processor.
type AppliedJob struct {
	JobName   string `json:"job_name"`
	Checksum  string `json:"checksum"`
	Rendered  string `json:"rendered"`
	ActorID   string `json:"actor_id"`
	AppliedAt string `json:"applied_at" format:"date-time"`
}

type Catalog struct {
	ID          string `json:"id"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	CatalogID  string `json:"catalog_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// CamelName converts a repository name to the job-name stem:
// one_health_tool -> OneHealthTool.
func CamelName(repo string) string {
	parts := strings.FieldsFunc(repo, func(r rune) bool {
		return r == '_' || r == '-' || r == ' '
	})
	var b strings.Builder
	for _, p := range parts {
		b.WriteString(strings.ToUpper(p[:1]))
		b.WriteString(p[1:])
	}
	return b.String()
}

// BuildJobName derives the multibranch job name for a repository.
func BuildJobName(repo string) string {
	return CamelName(repo) + "-build"
}

// DeployJobName derives the deploy job name for a repository.
func DeployJobName(repo string) string {
	return CamelName(repo) + "-deploy"
}

// CloneURL returns the HTTPS clone URL for owner/repo. GitHub paths are
// lowercase regardless of the display casing of the owner.
func CloneURL(owner, repo string) string {
	return fmt.Sprintf("https://github.com/%s/%s.git", strings.ToLower(owner), repo)
}

// SSHURL returns the SSH clone URL for owner/repo.
func SSHURL(owner, repo string) string {
	return fmt.Sprintf("git@github.com:%s/%s.git", strings.ToLower(owner), repo)
}

// Validate checks the descriptor invariants. Deviations from the catalog
// policy constants are rejected rather than silently corrected.
func (s BuildJobSpec) Validate() error {
	if s.Name == "" {
		return errors.New("build job name is required")
	}
	if s.Repository.Owner == "" || s.Repository.Name == "" {
		return errors.New("repository owner and name are required")
	}
	if s.Repository.URL == "" {
		return errors.New("repository url is required")
	}
	if s.Repository.CredentialsID == "" {
		return errors.New("repository api credentials id is required")
	}
	if !s.Traits.Tags || !s.Traits.OriginPullRequests {
		return errors.New("tag discovery and origin pull request discovery must both be enabled")
	}
	if s.Traits.SSHCredentialsID == "" {
		return errors.New("ssh checkout credentials id is required")
	}
	if s.Traits.Submodules.Disable || !s.Traits.Submodules.Recursive {
		return errors.New("submodule checkout must be enabled and recursive")
	}
	if !s.Strategies.ChangeRequests.IgnoreTargetOnlyChanges {
		return errors.New("change request strategy must ignore target-only changes")
	}
	if s.Strategies.ChangeRequests.IgnoreUntrustedChanges {
		return errors.New("change request strategy must not ignore untrusted changes")
	}
	if s.Strategies.Tags.MaxAgeDays != TagBuildWindowDays {
		return fmt.Errorf("tag build window must be %d days", TagBuildWindowDays)
	}
	if s.Orphaned.MaxItems != OrphanedMaxItems || s.Orphaned.MaxAgeDays != OrphanedMaxAgeDays {
		return fmt.Errorf("orphaned item policy must retain %d items for %d days", OrphanedMaxItems, OrphanedMaxAgeDays)
	}
	if s.ScriptPath == "" {
		return errors.New("script path is required")
	}
	return nil
}

// Validate checks the descriptor invariants.
func (s DeployJobSpec) Validate() error {
	if s.Name == "" {
		return errors.New("deploy job name is required")
	}
	if !s.DisableConcurrentBuilds {
		return errors.New("concurrent builds must be disabled")
	}
	if s.LogRotation.DaysToKeep != LogDaysToKeep || s.LogRotation.NumToKeep != LogBuildsToKeep {
		return fmt.Errorf("log rotation must keep %d builds for %d days", LogBuildsToKeep, LogDaysToKeep)
	}
	if len(s.Remotes) != 2 {
		return errors.New("deploy job must declare exactly two remotes")
	}
	if s.Remotes[0].Name != RemoteEngine || s.Remotes[1].Name != RemoteOrigin {
		return fmt.Errorf("remotes must be declared in order (%s, %s)", RemoteEngine, RemoteOrigin)
	}
	for _, r := range s.Remotes {
		if r.URL == "" {
			return fmt.Errorf("remote %s url is required", r.Name)
		}
		if r.CredentialsID == "" {
			return fmt.Errorf("remote %s credentials id is required", r.Name)
		}
	}
	if s.TargetBranch != DeployTargetBranch {
		return fmt.Errorf("target branch must be %s", DeployTargetBranch)
	}
	if s.ScriptPath == "" {
		return errors.New("script path is required")
	}
	return nil
}

// Validate dispatches to the wrapped spec.
func (j Job) Validate() error {
	switch j.Kind {
	case KindBuild:
		if j.Build == nil {
			return errors.New("build spec missing")
		}
		return j.Build.Validate()
	case KindDeploy:
		if j.Deploy == nil {
			return errors.New("deploy spec missing")
		}
		return j.Deploy.Validate()
	default:
		return fmt.Errorf("unknown job kind %q", j.Kind)
	}
}
