package buildqueue

import "strings"

// Build failure taxonomy. Classification drives the user-facing message
// only; the retry policy applies uniformly.
const (
	ErrTypeMissingDockerfile = "missing_dockerfile"
	ErrTypeNoDiskSpace       = "no_disk_space"
	ErrTypeBuildStepFailed   = "build_step_failed"
	ErrTypeNpmInstallFailed  = "npm_install_failed"
	ErrTypePipInstallFailed  = "pip_install_failed"
	ErrTypeGemInstallFailed  = "gem_install_failed"
	ErrTypeGoModFailed       = "go_mod_failed"
	ErrTypeFileNotFound      = "file_not_found"
	ErrTypePermissionDenied  = "permission_denied"
	ErrTypeNetworkError      = "network_error"
	ErrTypeTimeout           = "timeout"
	ErrTypeUnknown           = "unknown"
)

const unknownMessageLimit = 300

// BuildError pairs a taxonomy type with a short user-facing message.
type BuildError struct {
	Type    string
	Message string
}

// ClassifyBuildError maps a raw build failure to the fixed taxonomy.
func ClassifyBuildError(err error) BuildError {
	if err == nil {
		return BuildError{Type: ErrTypeUnknown, Message: "build failed"}
	}
	raw := err.Error()
	msg := strings.ToLower(raw)

	switch {
	case strings.Contains(msg, "dockerfile not found"):
		return BuildError{Type: ErrTypeMissingDockerfile, Message: "No Dockerfile found in the repository root"}
	case strings.Contains(msg, "no space left on device"):
		return BuildError{Type: ErrTypeNoDiskSpace, Message: "Build host is out of disk space"}
	case strings.Contains(msg, "npm install") || strings.Contains(msg, "npm ci") ||
		strings.Contains(msg, "yarn install") || strings.Contains(msg, "pnpm install"):
		return BuildError{Type: ErrTypeNpmInstallFailed, Message: "Installing Node.js dependencies failed"}
	case strings.Contains(msg, "pip install"):
		return BuildError{Type: ErrTypePipInstallFailed, Message: "Installing Python dependencies failed"}
	case strings.Contains(msg, "bundle install"):
		return BuildError{Type: ErrTypeGemInstallFailed, Message: "Installing Ruby dependencies failed"}
	case strings.Contains(msg, "go mod download") || strings.Contains(msg, "go: downloading"):
		return BuildError{Type: ErrTypeGoModFailed, Message: "Downloading Go modules failed"}
	case strings.Contains(msg, "context deadline exceeded") || strings.Contains(msg, "timed out") ||
		strings.Contains(msg, "i/o timeout"):
		return BuildError{Type: ErrTypeTimeout, Message: "The build timed out"}
	case strings.Contains(msg, "no such host") || strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") || strings.Contains(msg, "network is unreachable") ||
		strings.Contains(msg, "tls handshake"):
		return BuildError{Type: ErrTypeNetworkError, Message: "A network error occurred during the build"}
	case strings.Contains(msg, "permission denied"):
		return BuildError{Type: ErrTypePermissionDenied, Message: "Permission denied during the build"}
	case strings.Contains(msg, "no such file or directory"):
		return BuildError{Type: ErrTypeFileNotFound, Message: "A file referenced by the build is missing"}
	case strings.Contains(msg, "returned a non-zero code") || strings.Contains(msg, "executor failed") ||
		strings.Contains(msg, "process did not complete successfully"):
		return BuildError{Type: ErrTypeBuildStepFailed, Message: "A build step exited with a non-zero status"}
	}

	if len(raw) > unknownMessageLimit {
		raw = raw[:unknownMessageLimit] + "..."
	}
	return BuildError{Type: ErrTypeUnknown, Message: raw}
}
