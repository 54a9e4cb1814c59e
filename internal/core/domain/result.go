package domain

import (
	"sort"
	"time"
)

// =============================================================================
// Stages
// =============================================================================

// Stage is one step of a target pipeline.
type Stage string

const (
	StageProvision      Stage = "provision"
	StageClone          Stage = "clone"
	StageInstall        Stage = "install"
	StageBuild          Stage = "build"
	StageStart          Stage = "start"
	StageMintCredential Stage = "mint_credential"
	StageVerify         Stage = "verify"
)

// Stages lists the pipeline in execution order.
var Stages = []Stage{
	StageProvision,
	StageClone,
	StageInstall,
	StageBuild,
	StageStart,
	StageMintCredential,
	StageVerify,
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	for _, st := range Stages {
		if st == s {
			return true
		}
	}
	return false
}

// =============================================================================
// Target Result
// =============================================================================

type TargetStatus string

const (
	TargetSucceeded TargetStatus = "succeeded"
	TargetFailed    TargetStatus = "failed"
)

// TargetResult is the outcome of one target pipeline. It is built once and
// not modified afterwards.
type TargetResult struct {
	TargetIndex      int                     `json:"target_index"`
	SandboxID        string                  `json:"sandbox_id"`
	Status           TargetStatus            `json:"status"`
	Endpoint         string                  `json:"endpoint,omitempty"`
	PreviewURL       string                  `json:"preview_url,omitempty"`
	Credential       string                  `json:"credential,omitempty"`
	CredentialExpiry *time.Time              `json:"credential_expiry,omitempty"`
	StageDurations   map[Stage]time.Duration `json:"stage_durations"`
	FailedStage      Stage                   `json:"failed_stage,omitempty"`
	ErrorKind        ErrorKind               `json:"error_kind,omitempty"`
	Error            string                  `json:"error,omitempty"`
}

// Succeeded reports whether the target reached a verified preview.
func (t TargetResult) Succeeded() bool {
	return t.Status == TargetSucceeded
}

// FailedTarget builds a failed result for a target that stopped at stage.
func FailedTarget(index int, sandboxID string, stage Stage, err error, durations map[Stage]time.Duration) TargetResult {
	if durations == nil {
		durations = map[Stage]time.Duration{}
	}
	return TargetResult{
		TargetIndex:    index,
		SandboxID:      sandboxID,
		Status:         TargetFailed,
		StageDurations: durations,
		FailedStage:    stage,
		ErrorKind:      KindOf(err),
		Error:          errorMessage(err),
	}
}

func errorMessage(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}

// =============================================================================
// Deployment Result
// =============================================================================

type OverallStatus string

const (
	OverallCompleted OverallStatus = "completed"
	OverallFailed    OverallStatus = "failed"
)

// DeploymentResult aggregates every target of one request. It is persisted
// once per request and never overwritten.
type DeploymentResult struct {
	RequestID       string         `json:"request_id"`
	RepoURL         string         `json:"repo_url"`
	TargetCount     int            `json:"target_count"`
	OverallStatus   OverallStatus  `json:"overall_status"`
	TargetResults   []TargetResult `json:"target_results"`
	SuccessfulCount int            `json:"successful_count"`
	TotalDuration   time.Duration  `json:"total_duration"`
	CompletedAt     time.Time      `json:"completed_at"`
	ExecutedBy      string         `json:"executed_by,omitempty"`
}

// Aggregate builds the result for req from its target outcomes. Targets are
// ordered by index and any index with no outcome is recorded as failed, so
// the result always has exactly TargetCount entries.
func Aggregate(req *DeploymentRequest, targets []TargetResult, started, completed time.Time) *DeploymentResult {
	byIndex := make(map[int]TargetResult, len(targets))
	for _, t := range targets {
		if t.TargetIndex < 0 || t.TargetIndex >= req.TargetCount {
			continue
		}
		byIndex[t.TargetIndex] = t
	}

	results := make([]TargetResult, 0, req.TargetCount)
	for i := 0; i < req.TargetCount; i++ {
		t, ok := byIndex[i]
		if !ok {
			t = FailedTarget(i, "", StageProvision, ErrTargetMissing, nil)
		}
		results = append(results, t)
	}
	sort.SliceStable(results, func(a, b int) bool {
		return results[a].TargetIndex < results[b].TargetIndex
	})

	successful := 0
	for _, t := range results {
		if t.Succeeded() {
			successful++
		}
	}

	return &DeploymentResult{
		RequestID:       req.ID,
		RepoURL:         req.RepoURL,
		TargetCount:     req.TargetCount,
		OverallStatus:   OverallStatusFor(successful),
		TargetResults:   results,
		SuccessfulCount: successful,
		TotalDuration:   completed.Sub(started),
		CompletedAt:     completed.UTC(),
	}
}

// OverallStatusFor returns completed when at least one target succeeded.
func OverallStatusFor(successful int) OverallStatus {
	if successful >= 1 {
		return OverallCompleted
	}
	return OverallFailed
}

// PreviewURLs returns the preview URLs of the successful targets in order.
func (r *DeploymentResult) PreviewURLs() []string {
	urls := make([]string, 0, r.SuccessfulCount)
	for _, t := range r.TargetResults {
		if t.Succeeded() && t.PreviewURL != "" {
			urls = append(urls, t.PreviewURL)
		}
	}
	return urls
}

// Endpoints returns the endpoints of the successful targets in order. Unlike
// PreviewURLs they carry no credential.
func (r *DeploymentResult) Endpoints() []string {
	endpoints := make([]string, 0, r.SuccessfulCount)
	for _, t := range r.TargetResults {
		if t.Succeeded() && t.Endpoint != "" {
			endpoints = append(endpoints, t.Endpoint)
		}
	}
	return endpoints
}

// Err returns ErrAllTargetsFailed when no target succeeded.
func (r *DeploymentResult) Err() error {
	if r.OverallStatus == OverallFailed {
		return ErrAllTargetsFailed
	}
	return nil
}
