package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// JobType identifies the kind of work a job asks the agent to perform.
type JobType string

const (
	// JobTypePlanGeneration asks the agent to produce a plan (PRD) for a task.
	JobTypePlanGeneration JobType = "plan_generation"
	// JobTypeCodeExecution asks the agent to change code inside a project.
	JobTypeCodeExecution JobType = "code_execution"
)

// Valid returns true if the job type is a known value.
func (t JobType) Valid() bool {
	switch t {
	case JobTypePlanGeneration, JobTypeCodeExecution:
		return true
	default:
		return false
	}
}

// JobStatus is the coordinator-visible state of a job.
type JobStatus string

const (
	// JobStatusPending indicates the job has not been claimed yet.
	JobStatusPending JobStatus = "pending"
	// JobStatusRunning indicates an agent is executing the job.
	JobStatusRunning JobStatus = "running"
	// JobStatusCompleted indicates the job finished successfully.
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed indicates the job finished with an error.
	JobStatusFailed JobStatus = "failed"
)

// Valid returns true if the status is a known value.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusRunning, JobStatusCompleted, JobStatusFailed:
		return true
	default:
		return false
	}
}

// Terminal returns true for completed and failed.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Project describes the repository a job runs against.
type Project struct {
	// SystemPath is the absolute path of the project on the agent host.
	SystemPath string `json:"systemPath,omitempty"`
	// Name is the display name of the project.
	Name string `json:"name,omitempty"`
}

// Job is a unit of work claimed from the coordinator.
// The agent never mutates a Job after claiming it.
type Job struct {
	ID        int64    `json:"id"`
	JobType   JobType  `json:"jobType"`
	TaskTitle string   `json:"taskTitle"`
	Prompt    string   `json:"prompt,omitempty"`
	TaskID    int64    `json:"taskId,omitempty"`
	Project   *Project `json:"project,omitempty"`
}

// ProjectRoot returns the project's system path, or "" when the job has none.
func (j *Job) ProjectRoot() string {
	if j == nil || j.Project == nil {
		return ""
	}
	return j.Project.SystemPath
}

// TicketID returns the task id used in branch names.
// Jobs without a task id fall back to their own id.
func (j *Job) TicketID() int64 {
	if j.TaskID > 0 {
		return j.TaskID
	}
	return j.ID
}

// ExecutionResult is what an executor returns for a successfully finished job.
type ExecutionResult struct {
	Output          string `json:"output"`
	Summary         string `json:"summary,omitempty"`
	BranchName      string `json:"branchName,omitempty"`
	ExecutionTimeMs int64  `json:"executionTimeMs"`
	PRDContent      string `json:"prdContent,omitempty"`
}

// Elapsed returns the execution time as a duration.
func (r *ExecutionResult) Elapsed() time.Duration {
	return time.Duration(r.ExecutionTimeMs) * time.Millisecond
}

// rawJob mirrors the claim payload with every field left undecoded so each
// one can be type-checked individually.
type rawJob struct {
	ID        json.RawMessage `json:"id"`
	JobType   json.RawMessage `json:"jobType"`
	TaskTitle json.RawMessage `json:"taskTitle"`
	Prompt    json.RawMessage `json:"prompt"`
	TaskID    json.RawMessage `json:"taskId"`
	Project   json.RawMessage `json:"project"`
}

type rawProject struct {
	SystemPath json.RawMessage `json:"systemPath"`
	Name       json.RawMessage `json:"name"`
}

// DecodeJob parses and validates a job payload received from the coordinator.
// Any violation is returned as a JobError of kind ValidationFailure.
func DecodeJob(data []byte) (*Job, error) {
	var raw rawJob
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, validationError("job payload is not an object: %v", err)
	}

	job := &Job{}

	id, ok := decodeInt(raw.ID)
	if !ok || id <= 0 {
		return nil, validationError("id must be a positive integer")
	}
	job.ID = id

	jobType, isString := decodeString(raw.JobType)
	if !isString || !JobType(jobType).Valid() {
		return nil, validationError("jobType %s is not one of %s, %s", compact(raw.JobType), JobTypePlanGeneration, JobTypeCodeExecution)
	}
	job.JobType = JobType(jobType)

	title, isString := decodeString(raw.TaskTitle)
	if !isString || strings.TrimSpace(title) == "" {
		return nil, validationError("taskTitle must be a non-empty string")
	}
	job.TaskTitle = title

	if !isNull(raw.Prompt) {
		prompt, isString := decodeString(raw.Prompt)
		if !isString {
			return nil, validationError("prompt must be a string or null")
		}
		job.Prompt = prompt
	}

	if !isNull(raw.TaskID) {
		taskID, ok := decodeInt(raw.TaskID)
		if !ok || taskID < 0 {
			return nil, validationError("taskId must be a non-negative integer")
		}
		job.TaskID = taskID
	}

	if !isNull(raw.Project) {
		project, err := decodeProject(raw.Project)
		if err != nil {
			return nil, err
		}
		job.Project = project
	}

	if err := job.Validate(); err != nil {
		return nil, err
	}
	return job, nil
}

// Validate checks the cross-field constraints of an already decoded job.
func (j *Job) Validate() error {
	if j.ID <= 0 {
		return validationError("id must be a positive integer")
	}
	if !j.JobType.Valid() {
		return validationError("unknown jobType %q", j.JobType)
	}
	if strings.TrimSpace(j.TaskTitle) == "" {
		return validationError("taskTitle must be a non-empty string")
	}
	if j.JobType == JobTypeCodeExecution && strings.TrimSpace(j.ProjectRoot()) == "" {
		return validationError("code_execution jobs require project.systemPath")
	}
	return nil
}

func decodeProject(data json.RawMessage) (*Project, error) {
	var raw rawProject
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, validationError("project must be an object or null")
	}
	project := &Project{}
	if !isNull(raw.SystemPath) {
		path, isString := decodeString(raw.SystemPath)
		if !isString {
			return nil, validationError("project.systemPath must be a string or null")
		}
		project.SystemPath = path
	}
	if !isNull(raw.Name) {
		name, isString := decodeString(raw.Name)
		if !isString {
			return nil, validationError("project.name must be a string or null")
		}
		project.Name = name
	}
	return project, nil
}

func isNull(data json.RawMessage) bool {
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func decodeString(data json.RawMessage) (string, bool) {
	if isNull(data) || bytes.TrimSpace(data)[0] != '"' {
		return "", false
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return "", false
	}
	return s, true
}

func decodeInt(data json.RawMessage) (int64, bool) {
	if isNull(data) || bytes.TrimSpace(data)[0] == '"' {
		return 0, false
	}
	var n json.Number
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&n); err != nil {
		return 0, false
	}
	v, err := n.Int64()
	if err != nil {
		return 0, false
	}
	return v, true
}

func compact(data json.RawMessage) string {
	if isNull(data) {
		return "null"
	}
	return Truncate(string(bytes.TrimSpace(data)), 40)
}

// Truncate shortens s to at most limit bytes, ending in "..." when cut.
// The cut never splits a UTF-8 sequence.
func Truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	if limit <= 3 {
		return "..."[:limit]
	}
	cut := limit - 3
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

func validationError(format string, args ...interface{}) error {
	return &JobError{
		Kind:    ErrorKindValidation,
		Message: fmt.Sprintf(format, args...),
	}
}
