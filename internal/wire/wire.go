// Package wire holds the JSON shapes crossing a process boundary: the
// orchestrator's HTTP API, the queue message format, and the inference
// engine's submit/status contract.
package wire

import "encoding/json"

// SubmitEnvelope is the request body accepted at
// POST /api/v1/<job_type>/jobs. Only the envelope is validated —
// request_body's contents are opaque and pass through to the engine
// unexamined.
type SubmitEnvelope struct {
	RequestBody json.RawMessage `json:"request_body" binding:"required"`
}

// SubmitResponse is the 202 reply to a submit call.
type SubmitResponse struct {
	JobID     string  `json:"job_id"`
	Status    string  `json:"status"`
	ResultURL *string `json:"result_url"`
	Error     *string `json:"error"`
}

// JobStatusResponse is the 200 reply to GET /api/v1/jobs/{job_id}.
type JobStatusResponse struct {
	JobID     string  `json:"job_id"`
	Status    string  `json:"status"`
	ResultURL *string `json:"result_url"`
	Error     *string `json:"error"`
}

// HealthResponse is the reply to GET /health.
type HealthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components"`
}

// QueueMessage is the JSON envelope carried on the work queue (§6
// "Queue message wire format"). RequestBody is forwarded verbatim to
// the inference engine; the queue and registry never interpret it.
type QueueMessage struct {
	JobID       string          `json:"job_id"`
	JobType     string          `json:"job_type"`
	RequestBody json.RawMessage `json:"request_body"`
}

// EngineSubmitResponse is what the inference engine's submit URL
// returns.
type EngineSubmitResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// EngineStatusResponse is what the inference engine's status URL
// returns.
type EngineStatusResponse struct {
	Status    string  `json:"status"`
	ResultURL *string `json:"result_url"`
	Error     *string `json:"error"`
}

// JobListItem is one row of the administrative list endpoint
// (supplemented beyond spec.md, see SPEC_FULL.md's C4 section).
type JobListItem struct {
	JobID     string  `json:"job_id"`
	JobType   string  `json:"job_type"`
	Status    string  `json:"status"`
	ResultURL *string `json:"result_url"`
	Error     *string `json:"error"`
	Attempts  uint    `json:"attempts"`
	CreatedAt string  `json:"created_at"`
}

// JobListResponse wraps a page of JobListItem.
type JobListResponse struct {
	Jobs []JobListItem `json:"jobs"`
}
