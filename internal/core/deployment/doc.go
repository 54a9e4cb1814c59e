// Package deployment provides pure functions for deployment planning.
//
// This package contains the functional core of a target pipeline: naming of
// sandboxes, the shell commands each stage runs, preview URL composition and
// parsing of request files. All functions are pure (no I/O, no side effects).
//
// # Functions
//
//   - Naming: Generate consistent sandbox and label names (SandboxName, Labels)
//   - Commands: Build the per-stage command plan (BuildPlan)
//   - Preview: Compose the credentialed preview URL (PreviewURL)
//   - Requests: Parse request submissions (ParseRequestFile)
//
// # Usage
//
// The imperative shell (internal/shell/deploy) uses these pure functions
// to plan a target, then executes the plan through a compute backend.
//
//	name := deployment.SandboxName(requestID, index, suffix)
//	plan := deployment.BuildPlan(request)
//	url, _ := deployment.PreviewURL(endpoint, "bl_preview_token", token)
package deployment
