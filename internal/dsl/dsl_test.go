package dsl_test

import (
	"strings"
	"testing"

	"jobforge/internal/domain"
	"jobforge/internal/dsl"
)

func buildSpec(owner, repo string) domain.BuildJobSpec {
	return domain.BuildJobSpec{
		Name: domain.BuildJobName(repo),
		Repository: domain.Repository{
			Owner:         owner,
			Name:          repo,
			URL:           domain.CloneURL(owner, repo),
			CredentialsID: "jenkins_github_api",
		},
		Traits: domain.DiscoveryTraits{
			Tags:               true,
			OriginPullRequests: true,
			SSHCredentialsID:   "jenkins_github_ssh",
			Submodules: domain.SubmoduleOptions{
				Recursive:         true,
				ParentCredentials: true,
			},
		},
		Strategies: domain.BuildStrategies{
			ChangeRequests: domain.ChangeRequestStrategy{IgnoreTargetOnlyChanges: true},
			Tags:           domain.TagStrategy{MaxAgeDays: domain.TagBuildWindowDays},
		},
		Orphaned: domain.OrphanedItemPolicy{
			MaxItems:   domain.OrphanedMaxItems,
			MaxAgeDays: domain.OrphanedMaxAgeDays,
		},
		ScriptPath: "jenkins/Jenkinsfile.build.groovy",
	}
}

func deploySpec(owner, repo, infraRepo string) domain.DeployJobSpec {
	return domain.DeployJobSpec{
		Name:                    domain.DeployJobName(repo),
		DisableConcurrentBuilds: true,
		LogRotation: domain.LogRotationPolicy{
			DaysToKeep: domain.LogDaysToKeep,
			NumToKeep:  domain.LogBuildsToKeep,
		},
		Remotes: []domain.Remote{
			{Name: domain.RemoteEngine, URL: domain.SSHURL(owner, repo), CredentialsID: "jenkins_github_ssh"},
			{Name: domain.RemoteOrigin, URL: domain.SSHURL(owner, infraRepo), CredentialsID: "jenkins_github_ssh"},
		},
		TargetBranch: domain.DeployTargetBranch,
		ScriptPath:   "jenkinsfiles/ckan_deploy.groovy",
	}
}

func TestRenderBuildJob(t *testing.T) {
	out := dsl.RenderBuildJob(buildSpec("Fjelltopp", "one_health_tool"))

	for _, want := range []string{
		"multibranchPipelineJob('OneHealthTool-build') {",
		"repoOwner('Fjelltopp')",
		"repository('one_health_tool')",
		"repositoryUrl('https://github.com/fjelltopp/one_health_tool.git')",
		"configuredByUrl(false)",
		"credentialsId('jenkins_github_api')",
		"gitHubTagDiscovery()",
		"gitHubPullRequestDiscovery {",
		"gitHubSshCheckout {",
		"disableSubmodules(false)",
		"recursiveSubmodules(true)",
		"parentCredentials(true)",
		"ignoreTargetOnlyChanges(true)",
		"ignoreUntrustedChanges(false)",
		"atLeastDays('-1')",
		"atMostDays('7')",
		"numToKeep(30)",
		"daysToKeep(14)",
		"scriptPath('jenkins/Jenkinsfile.build.groovy')",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("build rendering missing %q\n%s", want, out)
		}
	}
	if strings.Contains(out, "gitHubForkDiscovery") {
		t.Error("fork discovery must never be emitted")
	}
}

func TestRenderDeployJob(t *testing.T) {
	out := dsl.RenderDeployJob(deploySpec("Fjelltopp", "one_health_tool", "fjelltopp-infrastructure"))

	for _, want := range []string{
		"pipelineJob('OneHealthTool-deploy') {",
		"disableConcurrentBuilds()",
		"daysToKeep(30)",
		"numToKeep(30)",
		"name('engine')",
		"url('git@github.com:fjelltopp/one_health_tool.git')",
		"name('origin')",
		"url('git@github.com:fjelltopp/fjelltopp-infrastructure.git')",
		"branch('remotes/origin/master')",
		"scriptPath('jenkinsfiles/ckan_deploy.groovy')",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("deploy rendering missing %q\n%s", want, out)
		}
	}
	// engine must be declared before origin
	if strings.Index(out, "name('engine')") > strings.Index(out, "name('origin')") {
		t.Error("engine remote must precede origin")
	}
}

func TestRenderIsDeterministic(t *testing.T) {
	spec := buildSpec("Fjelltopp", "one_health_tool")
	first := dsl.RenderBuildJob(spec)
	for i := 0; i < 5; i++ {
		if out := dsl.RenderBuildJob(spec); out != first {
			t.Fatal("build rendering is not byte-stable")
		}
	}
	dep := deploySpec("Fjelltopp", "one_health_tool", "fjelltopp-infrastructure")
	firstDep := dsl.RenderDeployJob(dep)
	if dsl.RenderDeployJob(dep) != firstDep {
		t.Fatal("deploy rendering is not byte-stable")
	}
}

func TestRenderJobRejectsInvalidSpec(t *testing.T) {
	spec := buildSpec("Fjelltopp", "one_health_tool")
	spec.Strategies.Tags.MaxAgeDays = 365
	j := domain.Job{Name: spec.Name, Kind: domain.KindBuild, Build: &spec}
	if _, err := dsl.RenderJob(j); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestRenderSeedJoinsJobs(t *testing.T) {
	build := buildSpec("Fjelltopp", "one_health_tool")
	deploy := deploySpec("Fjelltopp", "one_health_tool", "fjelltopp-infrastructure")
	jobs := []domain.Job{
		{Name: build.Name, Kind: domain.KindBuild, Build: &build},
		{Name: deploy.Name, Kind: domain.KindDeploy, Deploy: &deploy},
	}
	out, err := dsl.RenderSeed(jobs)
	if err != nil {
		t.Fatalf("render seed: %v", err)
	}
	if !strings.Contains(out, "multibranchPipelineJob('OneHealthTool-build')") ||
		!strings.Contains(out, "pipelineJob('OneHealthTool-deploy')") {
		t.Fatalf("seed missing job declarations:\n%s", out)
	}
}

func TestQuoteEscapesSingleQuotes(t *testing.T) {
	spec := buildSpec("Fjelltopp", "one_health_tool")
	spec.ScriptPath = "path/it's.groovy"
	out := dsl.RenderBuildJob(spec)
	if !strings.Contains(out, `scriptPath('path/it\'s.groovy')`) {
		t.Fatalf("quote escaping failed:\n%s", out)
	}
}
