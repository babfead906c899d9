package errors

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Stable numeric codes, grouped by area. Codes are part of the external API
// contract and must never be renumbered.
const (
	CodeNotFound = 10000

	CodeValidationFailed      = 20000
	CodeBadManifest           = 20001
	CodeUserImmutableUsername = 20002

	CodeNotAuthorized = 30000

	CodeLockBusy = 40000

	CodeReleaseInUse    = 50000
	CodeStemcellInUse   = 50001
	CodeDeploymentInUse = 50002

	CodeAgentUnreachable = 60000
	CodeAgentTimeout     = 60001
	CodeRemoteError      = 60002

	CodeCloudError = 70000

	CodeCompilationFailed    = 80000
	CodeInstanceUpdateFailed = 80001

	CodeCancelled = 90000
)

// NotFound reports a missing entity, e.g. NotFound("release", "redis").
func NotFound(kind, name string) *DirectorError {
	return New(CodeNotFound, http.StatusNotFound, "%s %q not found", kind, name)
}

// ValidationFailed aggregates one or more validation problems.
func ValidationFailed(problems ...string) *DirectorError {
	return New(CodeValidationFailed, http.StatusBadRequest,
		"validation failed: %s", strings.Join(problems, "; "))
}

// BadManifest reports a manifest that could not be parsed.
func BadManifest(err error) *DirectorError {
	return Wrap(err, New(CodeBadManifest, http.StatusBadRequest, "invalid deployment manifest"))
}

// UserImmutableUsername reports an attempt to rename a user via update.
func UserImmutableUsername() *DirectorError {
	return New(CodeUserImmutableUsername, http.StatusBadRequest, "username is immutable")
}

// NotAuthorized reports missing or invalid credentials.
func NotAuthorized() *DirectorError {
	return New(CodeNotAuthorized, http.StatusUnauthorized, "not authorized")
}

// LockBusy reports that a named lock could not be acquired in time.
func LockBusy(name string, waited time.Duration) *DirectorError {
	return New(CodeLockBusy, http.StatusServiceUnavailable,
		"timed out acquiring lock %q after %s", name, waited)
}

// ReleaseInUse reports a release still referenced by deployments.
func ReleaseInUse(name string, deployments []string) *DirectorError {
	return New(CodeReleaseInUse, http.StatusConflict,
		"release %q is in use by deployments: %s", name, strings.Join(deployments, ", "))
}

// StemcellInUse reports a stemcell still referenced by deployments.
func StemcellInUse(name, version string, deployments []string) *DirectorError {
	return New(CodeStemcellInUse, http.StatusConflict,
		"stemcell %s/%s is in use by deployments: %s", name, version, strings.Join(deployments, ", "))
}

// DeploymentInUse reports a deployment that still owns live resources.
func DeploymentInUse(name, detail string) *DirectorError {
	return New(CodeDeploymentInUse, http.StatusConflict,
		"deployment %q is in use: %s", name, detail)
}

// AgentUnreachable reports an agent that never answered at all.
func AgentUnreachable(agentID string, err error) *DirectorError {
	return Wrap(err, New(CodeAgentUnreachable, http.StatusInternalServerError,
		"agent %s unreachable", agentID))
}

// AgentTimeout reports an RPC that got no reply within its deadline.
func AgentTimeout(agentID, method string, timeout time.Duration) *DirectorError {
	return New(CodeAgentTimeout, http.StatusGatewayTimeout,
		"agent %s did not reply to %s within %s", agentID, method, timeout)
}

// RemoteError reports an exception returned by an agent.
func RemoteError(agentID, method, message string) *DirectorError {
	return New(CodeRemoteError, http.StatusInternalServerError,
		"agent %s %s: %s", agentID, method, message)
}

// CloudError reports a failed cloud provider operation.
func CloudError(op string, err error) *DirectorError {
	return Wrap(err, New(CodeCloudError, http.StatusInternalServerError, "cloud %s failed", op))
}

// CompilationFailed reports a failed package compilation.
func CompilationFailed(pkg, stemcell string, err error) *DirectorError {
	return Wrap(err, New(CodeCompilationFailed, http.StatusInternalServerError,
		"compilation of %s on %s failed", pkg, stemcell))
}

// InstanceUpdateFailed reports a failed instance transition.
func InstanceUpdateFailed(job string, index int, err error) *DirectorError {
	return Wrap(err, New(CodeInstanceUpdateFailed, http.StatusInternalServerError,
		"failed to update instance %s/%d", job, index))
}

// Cancelled reports cooperative task cancellation.
func Cancelled(taskID int64) *DirectorError {
	return New(CodeCancelled, http.StatusInternalServerError,
		fmt.Sprintf("task %d cancelled", taskID))
}
