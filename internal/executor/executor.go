// Package executor runs claimed jobs.
//
// An Executor receives the job, the directory to work in and a progress
// callback, and returns the execution result. Failures are returned as
// *models.JobError so the failure report can carry a kind, a category
// and any partial output.
package executor

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/ShayCichocki/ralph-agent/internal/project"
	"github.com/ShayCichocki/ralph-agent/pkg/models"
)

// ProgressFunc receives output chunks while a job runs. It must not block
// for long and must never fail the execution.
type ProgressFunc func(chunk string)

// Request describes one execution.
type Request struct {
	Job *models.Job
	// WorkDir is the workspace path, or the project root when workspaces
	// are disabled. It may be empty for jobs without a project.
	WorkDir string
	// Settings are the project's agent settings. Never nil.
	Settings *project.Settings
}

// Executor runs a single job at a time.
type Executor interface {
	// Execute runs the job and returns its result.
	Execute(ctx context.Context, req Request, onProgress ProgressFunc) (*models.ExecutionResult, error)
	// Kill aborts the active execution, if any. It is best-effort.
	Kill()
}

// Router dispatches jobs to an executor by job type.
type Router struct {
	routes   map[models.JobType]Executor
	fallback Executor

	mu     sync.Mutex
	active Executor
}

// Verify Router implements Executor at compile time.
var _ Executor = (*Router)(nil)

// NewRouter creates a Router that uses fallback for unrouted job types.
func NewRouter(fallback Executor) *Router {
	return &Router{routes: make(map[models.JobType]Executor), fallback: fallback}
}

// Route sends jobs of type t to e.
func (r *Router) Route(t models.JobType, e Executor) {
	r.routes[t] = e
}

// For returns the executor that handles t.
func (r *Router) For(t models.JobType) Executor {
	if e, ok := r.routes[t]; ok {
		return e
	}
	return r.fallback
}

// Execute runs the job on the executor routed for its type.
func (r *Router) Execute(ctx context.Context, req Request, onProgress ProgressFunc) (*models.ExecutionResult, error) {
	e := r.For(req.Job.JobType)
	if e == nil {
		return nil, &models.JobError{
			Kind:     models.ErrorKindValidation,
			Message:  fmt.Sprintf("no executor for job type %q", req.Job.JobType),
			Category: "unsupported_job_type",
		}
	}

	r.mu.Lock()
	r.active = e
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.active = nil
		r.mu.Unlock()
	}()

	return e.Execute(ctx, req, onProgress)
}

// Kill aborts the active execution.
func (r *Router) Kill() {
	r.mu.Lock()
	e := r.active
	r.mu.Unlock()
	if e != nil {
		e.Kill()
	}
}

// BuildPrompt assembles the prompt sent to the coding tool.
func BuildPrompt(req Request) string {
	job := req.Job
	var b strings.Builder

	if req.Settings != nil && strings.TrimSpace(req.Settings.Instructions) != "" {
		b.WriteString(strings.TrimSpace(req.Settings.Instructions))
		b.WriteString("\n\n")
	}

	switch job.JobType {
	case models.JobTypePlanGeneration:
		fmt.Fprintf(&b, "Write a product requirements document (PRD) for the task %q.\n", job.TaskTitle)
		b.WriteString("Cover goals, scope, requirements, acceptance criteria and open questions. Reply with the document only.\n")
	default:
		fmt.Fprintf(&b, "Task: %s\n", job.TaskTitle)
	}

	if job.Project != nil && job.Project.Name != "" {
		fmt.Fprintf(&b, "Project: %s\n", job.Project.Name)
	}
	if p := strings.TrimSpace(job.Prompt); p != "" {
		b.WriteString("\n")
		b.WriteString(p)
		b.WriteString("\n")
	}
	return b.String()
}

// Summarize returns the first non-empty line of output, truncated.
func Summarize(output string) string {
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(line, "# "))
		if line == "" {
			continue
		}
		return models.Truncate(line, 200)
	}
	return ""
}
