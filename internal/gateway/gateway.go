// Package gateway provides typed, failure-aware operations against the
// job coordinator.
//
// Claiming and the running/completed transitions report their errors.
// Heartbeats, progress, status events, metadata and failure reports are
// best-effort: their errors are logged and discarded.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/ShayCichocki/ralph-agent/internal/coordinator"
	"github.com/ShayCichocki/ralph-agent/internal/logging"
	"github.com/ShayCichocki/ralph-agent/pkg/models"
)

const (
	// DefaultClaimWait is how long the coordinator may hold a claim request open.
	DefaultClaimWait = 30 * time.Second
	// DefaultClaimBuffer is added to the claim wait for the client-side timeout.
	DefaultClaimBuffer = 10 * time.Second
)

// Status event types sent by the agent.
const (
	EventJobClaimed      = "job_claimed"
	EventWorkspaceReady  = "workspace_ready"
	EventHeartbeat       = "heartbeat"
	EventJobCompleted    = "job_completed"
	EventJobFailed       = "job_failed"
	EventAgentRecovering = "agent_recovering"
)

// ErrUnauthorized is returned by ClaimNext when the coordinator rejects the
// agent's credentials. Retrying cannot fix it.
var ErrUnauthorized = errors.New("coordinator rejected agent credentials")

// Transport sends requests to the coordinator.
type Transport interface {
	Do(ctx context.Context, req coordinator.Request, out interface{}) (int, error)
	AgentID() string
}

// Config configures a Gateway.
type Config struct {
	// ClaimWait is the server-side long-poll wait requested on claim.
	ClaimWait time.Duration
	// ClaimBuffer is added to ClaimWait to form the client timeout.
	ClaimBuffer time.Duration
}

// Gateway implements the coordinator job operations.
type Gateway struct {
	transport Transport
	cfg       Config
	log       *logging.Logger
}

// New creates a Gateway over the given transport.
func New(transport Transport, cfg Config, log *logging.Logger) *Gateway {
	if cfg.ClaimWait <= 0 {
		cfg.ClaimWait = DefaultClaimWait
	}
	if cfg.ClaimBuffer <= 0 {
		cfg.ClaimBuffer = DefaultClaimBuffer
	}
	return &Gateway{transport: transport, cfg: cfg, log: log.Named("gateway")}
}

// ClaimTimeout returns the client-side timeout used for claim requests.
func (g *Gateway) ClaimTimeout() time.Duration {
	return g.cfg.ClaimWait + g.cfg.ClaimBuffer
}

type claimResponse struct {
	Job json.RawMessage `json:"job"`
}

// ClaimNext long-polls for the next job. It returns (nil, nil) when no job
// is available, including when the coordinator is unreachable or the
// request timed out. Malformed jobs are reported failed and skipped.
func (g *Gateway) ClaimNext(ctx context.Context) (*models.Job, error) {
	query := url.Values{}
	query.Set("timeout", strconv.Itoa(int(g.cfg.ClaimWait/time.Second)))
	if id := g.transport.AgentID(); id != "" {
		query.Set("agentId", id)
	}

	var resp claimResponse
	status, err := g.transport.Do(ctx, coordinator.Request{
		Method:  http.MethodGet,
		Path:    "/jobs/next",
		Query:   query,
		Timeout: g.ClaimTimeout(),
	}, &resp)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		switch {
		case coordinator.IsUnauthorized(err):
			return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
		case coordinator.IsConnectionRefused(err):
			g.log.Debugf("coordinator refused connection, treating as no job: %v", err)
			return nil, nil
		case coordinator.IsTimeout(err):
			g.log.Debugf("claim timed out, treating as no job")
			return nil, nil
		}
		return nil, fmt.Errorf("claim job: %w", err)
	}

	if status == http.StatusNoContent || isNullJSON(resp.Job) {
		return nil, nil
	}

	job, err := models.DecodeJob(resp.Job)
	if err != nil {
		g.log.Errorf("discarding malformed job payload: %v", err)
		g.rejectMalformed(ctx, resp.Job, err)
		return nil, nil
	}
	return job, nil
}

// rejectMalformed reports a malformed job failed when its id is readable,
// so the coordinator does not wait for a lease that will never come.
func (g *Gateway) rejectMalformed(ctx context.Context, payload json.RawMessage, cause error) {
	var probe struct {
		ID json.Number `json:"id"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return
	}
	id, err := probe.ID.Int64()
	if err != nil || id <= 0 {
		return
	}
	g.MarkFailed(ctx, id, models.AsJobError(cause))
}

// MarkRunning transitions a claimed job to running.
func (g *Gateway) MarkRunning(ctx context.Context, jobID int64) error {
	if err := g.patchJob(ctx, jobID, map[string]interface{}{"status": models.JobStatusRunning}); err != nil {
		return fmt.Errorf("mark job %d running: %w", jobID, err)
	}
	return nil
}

type completionBody struct {
	Status          models.JobStatus `json:"status"`
	Output          string           `json:"output"`
	Summary         string           `json:"summary,omitempty"`
	BranchName      string           `json:"branchName,omitempty"`
	ExecutionTimeMs int64            `json:"executionTimeMs"`
	PRDContent      string           `json:"prdContent,omitempty"`
}

// MarkCompleted reports a job's successful result.
func (g *Gateway) MarkCompleted(ctx context.Context, jobID int64, result *models.ExecutionResult) error {
	body := completionBody{Status: models.JobStatusCompleted}
	if result != nil {
		body.Output = result.Output
		body.Summary = result.Summary
		body.BranchName = result.BranchName
		body.ExecutionTimeMs = result.ExecutionTimeMs
		body.PRDContent = result.PRDContent
	}
	if err := g.patchJob(ctx, jobID, body); err != nil {
		return fmt.Errorf("mark job %d completed: %w", jobID, err)
	}
	return nil
}

type failureBody struct {
	Status        models.JobStatus `json:"status"`
	Error         string           `json:"error"`
	ErrorKind     models.ErrorKind `json:"errorKind"`
	ErrorCategory string           `json:"errorCategory,omitempty"`
	PartialOutput *string          `json:"partialOutput"`
}

// MarkFailed reports a job failure. It is best-effort.
func (g *Gateway) MarkFailed(ctx context.Context, jobID int64, jobErr *models.JobError) {
	if jobErr == nil {
		jobErr = &models.JobError{Kind: models.ErrorKindExecution, Message: "unknown error"}
	}
	body := failureBody{
		Status:        models.JobStatusFailed,
		Error:         jobErr.Message,
		ErrorKind:     jobErr.Kind,
		ErrorCategory: jobErr.Category,
	}
	if jobErr.PartialOutput != "" {
		partial := jobErr.PartialOutput
		body.PartialOutput = &partial
	}
	g.runAndIgnore("mark failed", jobID, func() error {
		return g.patchJob(ctx, jobID, body)
	})
}

// SendHeartbeat renews the job lease. It is best-effort.
func (g *Gateway) SendHeartbeat(ctx context.Context, jobID int64) {
	g.runAndIgnore("heartbeat", jobID, func() error {
		return g.patchJob(ctx, jobID, map[string]bool{"heartbeat": true})
	})
}

// SendProgress streams an output chunk. It is best-effort.
func (g *Gateway) SendProgress(ctx context.Context, jobID int64, chunk string) {
	g.runAndIgnore("progress", jobID, func() error {
		_, err := g.transport.Do(ctx, coordinator.Request{
			Method: http.MethodPost,
			Path:   jobPath(jobID) + "/progress",
			Body:   map[string]string{"chunk": chunk},
		}, nil)
		return err
	})
}

type eventBody struct {
	Type     string                 `json:"type"`
	Message  string                 `json:"message"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// SendStatusEvent records an informational event on the job. It is best-effort.
func (g *Gateway) SendStatusEvent(ctx context.Context, jobID int64, eventType, message string, metadata map[string]interface{}) {
	g.runAndIgnore("status event "+eventType, jobID, func() error {
		_, err := g.transport.Do(ctx, coordinator.Request{
			Method: http.MethodPost,
			Path:   jobPath(jobID) + "/events",
			Body:   eventBody{Type: eventType, Message: message, Metadata: metadata},
		}, nil)
		return err
	})
}

// UpdateMetadata merges metadata into the job record. It is best-effort.
func (g *Gateway) UpdateMetadata(ctx context.Context, jobID int64, metadata map[string]interface{}) {
	g.runAndIgnore("update metadata", jobID, func() error {
		_, err := g.transport.Do(ctx, coordinator.Request{
			Method: http.MethodPatch,
			Path:   jobPath(jobID) + "/metadata",
			Body:   map[string]interface{}{"metadata": metadata},
		}, nil)
		return err
	})
}

func (g *Gateway) patchJob(ctx context.Context, jobID int64, body interface{}) error {
	_, err := g.transport.Do(ctx, coordinator.Request{
		Method: http.MethodPatch,
		Path:   jobPath(jobID),
		Body:   body,
	}, nil)
	return err
}

// runAndIgnore runs a best-effort operation, logging and discarding its error.
func (g *Gateway) runAndIgnore(op string, jobID int64, fn func() error) {
	if err := fn(); err != nil {
		g.log.Warnf("%s for job %d failed (ignored): %v", op, jobID, err)
	}
}

func jobPath(jobID int64) string {
	return "/jobs/" + strconv.FormatInt(jobID, 10)
}

func isNullJSON(data json.RawMessage) bool {
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
