package ciutil

import (
	"os"
)

// Common environment variable names used across the codebase.
const (
	// CI environment detection variables
	EnvCI               = "CI"
	EnvGitHubActions    = "GITHUB_ACTIONS"
	EnvGitHubWorkspace  = "GITHUB_WORKSPACE"
	EnvGitHubRunID      = "GITHUB_RUN_ID"
	EnvGitHubSHA        = "GITHUB_SHA"
	EnvGitLabCI         = "GITLAB_CI"
	EnvGitLabProjectDir = "CI_PROJECT_DIR"
	EnvGitLabPipelineID = "CI_PIPELINE_ID"
	EnvJenkinsURL       = "JENKINS_URL"
	EnvTravisCI         = "TRAVIS"
	EnvCircleCI         = "CIRCLECI"

	// Variables exported to commands run against a provisioned database
	EnvDatabaseURL  = "DATABASE_URL"
	EnvDatabaseName = "DBTESTER_DATABASE"
)

// IsCI returns true if the current environment is a CI environment.
// It checks for common CI environment variables across different CI providers.
func IsCI() bool {
	return os.Getenv(EnvCI) != "" ||
		os.Getenv(EnvGitHubActions) != "" ||
		os.Getenv(EnvGitLabCI) != "" ||
		os.Getenv(EnvJenkinsURL) != "" ||
		os.Getenv(EnvTravisCI) != "" ||
		os.Getenv(EnvCircleCI) != ""
}

// IsGitHubActions returns true if the current environment is GitHub Actions.
func IsGitHubActions() bool {
	return os.Getenv(EnvGitHubActions) != "" && os.Getenv(EnvGitHubWorkspace) != ""
}

// IsGitLabCI returns true if the current environment is GitLab CI.
func IsGitLabCI() bool {
	return os.Getenv(EnvGitLabCI) != "" && os.Getenv(EnvGitLabProjectDir) != ""
}

// Metadata returns identifying attributes of the current CI run. The map is
// empty outside CI.
func Metadata() map[string]string {
	metadata := make(map[string]string)
	if !IsCI() {
		return metadata
	}

	metadata["ci"] = "true"
	switch {
	case IsGitHubActions():
		metadata["ci_provider"] = "github_actions"
		metadata["ci_run_id"] = os.Getenv(EnvGitHubRunID)
		metadata["ci_commit"] = os.Getenv(EnvGitHubSHA)
	case IsGitLabCI():
		metadata["ci_provider"] = "gitlab"
		metadata["ci_run_id"] = os.Getenv(EnvGitLabPipelineID)
	default:
		metadata["ci_provider"] = "generic"
	}
	return metadata
}
