package api

import "time"

// =============================================================================
// Request Types
// =============================================================================

// CreateRequestRequest is the request body for submitting a deployment
// request. Zero fields take the runner defaults.
type CreateRequestRequest struct {
	RepoURL        string `json:"repo_url"`
	TargetCount    int    `json:"target_count,omitempty"`
	InstallCommand string `json:"install_command,omitempty"`
	BuildCommand   string `json:"build_command,omitempty"`
	StartCommand   string `json:"start_command,omitempty"`
	Port           int    `json:"port,omitempty"`
}

// VerifyCredentialRequest is the request body for checking a preview
// credential. An empty endpoint skips the audience check.
type VerifyCredentialRequest struct {
	Token    string `json:"token"`
	Endpoint string `json:"endpoint,omitempty"`
}

// =============================================================================
// Response Types
// =============================================================================

// VerifyCredentialResponse reports whether a preview credential is valid.
type VerifyCredentialResponse struct {
	Valid     bool       `json:"valid"`
	Sandbox   string     `json:"sandbox,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// RequestResponse is the response for deployment request operations.
type RequestResponse struct {
	ID             string     `json:"id"`
	RepoURL        string     `json:"repo_url"`
	TargetCount    int        `json:"target_count"`
	InstallCommand string     `json:"install_command"`
	BuildCommand   string     `json:"build_command"`
	StartCommand   string     `json:"start_command"`
	Port           int        `json:"port"`
	Status         string     `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	ClaimedAt      *time.Time `json:"claimed_at,omitempty"`
	ClaimedBy      string     `json:"claimed_by,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// TargetResponse represents one target in a result response.
type TargetResponse struct {
	TargetIndex        int              `json:"target_index"`
	SandboxID          string           `json:"sandbox_id"`
	Status             string           `json:"status"`
	Endpoint           string           `json:"endpoint,omitempty"`
	PreviewURL         string           `json:"preview_url,omitempty"`
	CredentialExpiry   *time.Time       `json:"credential_expiry,omitempty"`
	CredentialExpiring bool             `json:"credential_expiring"`
	StageDurationsMS   map[string]int64 `json:"stage_durations_ms"`
	FailedStage        string           `json:"failed_stage,omitempty"`
	ErrorKind          string           `json:"error_kind,omitempty"`
	Error              string           `json:"error,omitempty"`
}

// ResultResponse is the response for deployment result operations.
type ResultResponse struct {
	RequestID       string           `json:"request_id"`
	RepoURL         string           `json:"repo_url"`
	TargetCount     int              `json:"target_count"`
	OverallStatus   string           `json:"overall_status"`
	SuccessfulCount int              `json:"successful_count"`
	PreviewURLs     []string         `json:"preview_urls"`
	Targets         []TargetResponse `json:"target_results"`
	TotalDurationMS int64            `json:"total_duration_ms"`
	CompletedAt     time.Time        `json:"completed_at"`
	ExecutedBy      string           `json:"executed_by,omitempty"`
}

// ListRequestsResponse is the response for listing requests.
type ListRequestsResponse struct {
	Requests []RequestResponse `json:"requests"`
	Total    int               `json:"total"`
	Limit    int               `json:"limit"`
	Offset   int               `json:"offset"`
}

// ListResultsResponse is the response for listing results.
type ListResultsResponse struct {
	Results []ResultResponse `json:"results"`
	Total   int              `json:"total"`
	Limit   int              `json:"limit"`
	Offset  int              `json:"offset"`
}

// ErrorResponse is the error response format.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// HealthResponse is the health check response.
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}
