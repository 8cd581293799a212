// Package dsl renders job specs to Jenkins Job DSL seed scripts.
//
// Rendering is a pure function of the spec value: no timestamps, no random
// identifiers, stable block ordering. Re-rendering the same spec yields a
// byte-identical script.
package dsl

import (
	"fmt"
	"strings"

	"jobforge/internal/domain"
)

const indent = "    "

type writer struct {
	b     strings.Builder
	depth int
}

func (w *writer) linef(format string, args ...any) {
	w.b.WriteString(strings.Repeat(indent, w.depth))
	fmt.Fprintf(&w.b, format, args...)
	w.b.WriteByte('\n')
}

// block writes `header {`, runs fn one level deeper, then closes the brace.
func (w *writer) block(header string, fn func()) {
	w.linef("%s {", header)
	w.depth++
	fn()
	w.depth--
	w.linef("}")
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `\'`) + "'"
}

// RenderBuildJob emits a multibranchPipelineJob declaration.
func RenderBuildJob(spec domain.BuildJobSpec) string {
	w := &writer{}
	w.block(fmt.Sprintf("multibranchPipelineJob(%s)", quote(spec.Name)), func() {
		w.block("branchSources", func() {
			w.block("branchSource", func() {
				w.block("source", func() {
					w.block("github", func() {
						w.linef("id(%s)", quote(strings.ToLower(spec.Name)))
						w.linef("repoOwner(%s)", quote(spec.Repository.Owner))
						w.linef("repository(%s)", quote(spec.Repository.Name))
						w.linef("repositoryUrl(%s)", quote(spec.Repository.URL))
						w.linef("configuredByUrl(false)")
						w.linef("credentialsId(%s)", quote(spec.Repository.CredentialsID))
						renderTraits(w, spec.Traits)
					})
				})
				renderBuildStrategies(w, spec.Strategies)
			})
		})
		w.block("orphanedItemStrategy", func() {
			w.block("discardOldItems", func() {
				w.linef("numToKeep(%d)", spec.Orphaned.MaxItems)
				w.linef("daysToKeep(%d)", spec.Orphaned.MaxAgeDays)
			})
		})
		w.block("factory", func() {
			w.block("workflowBranchProjectFactory", func() {
				w.linef("scriptPath(%s)", quote(spec.ScriptPath))
			})
		})
	})
	return w.b.String()
}

func renderTraits(w *writer, t domain.DiscoveryTraits) {
	w.block("traits", func() {
		w.block("gitHubBranchDiscovery", func() {
			w.linef("strategyId(1)")
		})
		if t.Tags {
			w.linef("gitHubTagDiscovery()")
		}
		if t.OriginPullRequests {
			// Origin pull requests only; no fork discovery trait means
			// pull requests from forks are never built.
			w.block("gitHubPullRequestDiscovery", func() {
				w.linef("strategyId(1)")
			})
		}
		w.block("gitHubSshCheckout", func() {
			w.linef("credentialsId(%s)", quote(t.SSHCredentialsID))
		})
		w.block("submoduleOptionTrait", func() {
			w.block("extension", func() {
				w.linef("disableSubmodules(%t)", t.Submodules.Disable)
				w.linef("recursiveSubmodules(%t)", t.Submodules.Recursive)
				w.linef("trackingSubmodules(false)")
				w.linef("parentCredentials(%t)", t.Submodules.ParentCredentials)
			})
		})
	})
}

func renderBuildStrategies(w *writer, s domain.BuildStrategies) {
	w.block("buildStrategies", func() {
		w.block("buildChangeRequests", func() {
			w.linef("ignoreTargetOnlyChanges(%t)", s.ChangeRequests.IgnoreTargetOnlyChanges)
			w.linef("ignoreUntrustedChanges(%t)", s.ChangeRequests.IgnoreUntrustedChanges)
		})
		w.block("buildTags", func() {
			w.linef("atLeastDays('-1')")
			w.linef("atMostDays(%s)", quote(fmt.Sprintf("%d", s.Tags.MaxAgeDays)))
		})
	})
}

// RenderDeployJob emits a pipelineJob declaration.
func RenderDeployJob(spec domain.DeployJobSpec) string {
	w := &writer{}
	w.block(fmt.Sprintf("pipelineJob(%s)", quote(spec.Name)), func() {
		w.block("properties", func() {
			w.linef("disableConcurrentBuilds()")
		})
		w.block("logRotator", func() {
			w.linef("daysToKeep(%d)", spec.LogRotation.DaysToKeep)
			w.linef("numToKeep(%d)", spec.LogRotation.NumToKeep)
		})
		w.block("definition", func() {
			w.block("cpsScm", func() {
				w.block("scm", func() {
					w.block("git", func() {
						for _, r := range spec.Remotes {
							remote := r
							w.block("remote", func() {
								w.linef("name(%s)", quote(remote.Name))
								w.linef("url(%s)", quote(remote.URL))
								w.linef("credentials(%s)", quote(remote.CredentialsID))
							})
						}
						w.linef("branch(%s)", quote(spec.TargetBranch))
					})
				})
				w.linef("scriptPath(%s)", quote(spec.ScriptPath))
			})
		})
	})
	return w.b.String()
}

// RenderJob renders one catalog job after validating it.
func RenderJob(j domain.Job) (string, error) {
	if err := j.Validate(); err != nil {
		return "", err
	}
	switch j.Kind {
	case domain.KindBuild:
		return RenderBuildJob(*j.Build), nil
	case domain.KindDeploy:
		return RenderDeployJob(*j.Deploy), nil
	default:
		return "", fmt.Errorf("unknown job kind %q", j.Kind)
	}
}

// RenderSeed concatenates all job declarations into one seed script. Jobs
// are rendered in the order given; callers pass them sorted by name.
func RenderSeed(jobs []domain.Job) (string, error) {
	var parts []string
	for _, j := range jobs {
		out, err := RenderJob(j)
		if err != nil {
			return "", fmt.Errorf("render %s: %w", j.Name, err)
		}
		parts = append(parts, out)
	}
	return strings.Join(parts, "\n"), nil
}
