package domain_test

import (
	"strings"
	"testing"

	"jobforge/internal/domain"
)

func TestCamelName(t *testing.T) {
	cases := map[string]string{
		"one_health_tool": "OneHealthTool",
		"ckan":            "Ckan",
		"my-repo":         "MyRepo",
		"already":         "Already",
	}
	for in, want := range cases {
		if got := domain.CamelName(in); got != want {
			t.Errorf("CamelName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestJobNames(t *testing.T) {
	if got := domain.BuildJobName("one_health_tool"); got != "OneHealthTool-build" {
		t.Fatalf("build job name: %q", got)
	}
	if got := domain.DeployJobName("one_health_tool"); got != "OneHealthTool-deploy" {
		t.Fatalf("deploy job name: %q", got)
	}
}

func TestCloneURLLowercasesOwner(t *testing.T) {
	got := domain.CloneURL("Fjelltopp", "one_health_tool")
	if got != "https://github.com/fjelltopp/one_health_tool.git" {
		t.Fatalf("clone url: %q", got)
	}
	ssh := domain.SSHURL("Fjelltopp", "fjelltopp-infrastructure")
	if ssh != "git@github.com:fjelltopp/fjelltopp-infrastructure.git" {
		t.Fatalf("ssh url: %q", ssh)
	}
}

func validBuildSpec() domain.BuildJobSpec {
	return domain.BuildJobSpec{
		Name: "OneHealthTool-build",
		Repository: domain.Repository{
			Owner:         "Fjelltopp",
			Name:          "one_health_tool",
			URL:           domain.CloneURL("Fjelltopp", "one_health_tool"),
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

func validDeploySpec() domain.DeployJobSpec {
	return domain.DeployJobSpec{
		Name:                    "OneHealthTool-deploy",
		DisableConcurrentBuilds: true,
		LogRotation: domain.LogRotationPolicy{
			DaysToKeep: domain.LogDaysToKeep,
			NumToKeep:  domain.LogBuildsToKeep,
		},
		Remotes: []domain.Remote{
			{Name: domain.RemoteEngine, URL: domain.SSHURL("Fjelltopp", "one_health_tool"), CredentialsID: "jenkins_github_ssh"},
			{Name: domain.RemoteOrigin, URL: domain.SSHURL("Fjelltopp", "fjelltopp-infrastructure"), CredentialsID: "jenkins_github_ssh"},
		},
		TargetBranch: domain.DeployTargetBranch,
		ScriptPath:   "jenkinsfiles/ckan_deploy.groovy",
	}
}

func TestBuildSpecValidate(t *testing.T) {
	if err := validBuildSpec().Validate(); err != nil {
		t.Fatalf("valid spec rejected: %v", err)
	}

	s := validBuildSpec()
	s.Strategies.Tags.MaxAgeDays = 30
	if err := s.Validate(); err == nil || !strings.Contains(err.Error(), "7 days") {
		t.Fatalf("expected tag window error, got %v", err)
	}

	s = validBuildSpec()
	s.Orphaned.MaxItems = 10
	if err := s.Validate(); err == nil {
		t.Fatal("expected orphaned policy error")
	}

	s = validBuildSpec()
	s.Strategies.ChangeRequests.IgnoreUntrustedChanges = true
	if err := s.Validate(); err == nil {
		t.Fatal("expected untrusted-changes error")
	}

	s = validBuildSpec()
	s.Traits.Tags = false
	if err := s.Validate(); err == nil {
		t.Fatal("expected discovery error")
	}

	s = validBuildSpec()
	s.Traits.Submodules.Disable = true
	if err := s.Validate(); err == nil {
		t.Fatal("expected submodule error")
	}
}

func TestDeploySpecValidate(t *testing.T) {
	if err := validDeploySpec().Validate(); err != nil {
		t.Fatalf("valid spec rejected: %v", err)
	}

	s := validDeploySpec()
	s.DisableConcurrentBuilds = false
	if err := s.Validate(); err == nil {
		t.Fatal("expected concurrency error")
	}

	s = validDeploySpec()
	s.Remotes = s.Remotes[:1]
	if err := s.Validate(); err == nil || !strings.Contains(err.Error(), "exactly two") {
		t.Fatalf("expected remote count error, got %v", err)
	}

	s = validDeploySpec()
	s.Remotes[0], s.Remotes[1] = s.Remotes[1], s.Remotes[0]
	if err := s.Validate(); err == nil {
		t.Fatal("expected remote order error")
	}

	s = validDeploySpec()
	s.LogRotation.NumToKeep = 5
	if err := s.Validate(); err == nil {
		t.Fatal("expected log rotation error")
	}

	s = validDeploySpec()
	s.TargetBranch = "remotes/origin/main"
	if err := s.Validate(); err == nil {
		t.Fatal("expected target branch error")
	}
}

func TestJobValidateDispatch(t *testing.T) {
	build := validBuildSpec()
	j := domain.Job{Name: build.Name, CatalogID: "default", Kind: domain.KindBuild, Build: &build}
	if err := j.Validate(); err != nil {
		t.Fatalf("valid build job rejected: %v", err)
	}
	j.Kind = domain.KindDeploy
	if err := j.Validate(); err == nil {
		t.Fatal("expected kind/spec mismatch error")
	}
}
