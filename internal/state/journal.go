// Package state provides the agent's local SQLite job journal.
//
// Every claim, workspace and terminal outcome is recorded so that a
// restarted agent can report jobs left running by a crashed predecessor,
// and so operators can inspect recent history. A state directory is owned
// by one agent process at a time, enforced with a file lock.
package state

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"

	"github.com/ShayCichocki/ralph-agent/pkg/models"
)

const (
	dbFile   = "journal.db"
	lockFile = "agent.lock"
)

// ErrLocked is returned by Open when another agent owns the state directory.
var ErrLocked = errors.New("state directory is locked by another agent")

// DefaultDir returns the default state directory.
func DefaultDir() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, _ := os.UserHomeDir()
		dataDir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataDir, "ralph-agent")
}

// JobRecord is one journaled job.
type JobRecord struct {
	JobID         int64
	JobType       models.JobType
	TaskID        int64
	TaskTitle     string
	ProjectRoot   string
	WorkspacePath string
	Branch        string
	Status        models.JobStatus
	ErrorKind     models.ErrorKind
	ErrorCategory string
	Error         string
	ClaimedAt     time.Time
	FinishedAt    time.Time
}

// Job rebuilds the parts of the job needed to recompute its workspace.
func (r *JobRecord) Job() *models.Job {
	job := &models.Job{ID: r.JobID, JobType: r.JobType, TaskTitle: r.TaskTitle, TaskID: r.TaskID}
	if r.ProjectRoot != "" {
		job.Project = &models.Project{SystemPath: r.ProjectRoot}
	}
	return job
}

// Journal wraps the SQLite journal and the directory lock.
type Journal struct {
	conn *sql.DB
	path string
	lock *flock.Flock
	mu   sync.Mutex
	now  func() time.Time
}

// Open takes the directory lock and opens the journal in dir.
// It returns ErrLocked if another agent holds the lock.
func Open(dir string) (*Journal, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	lock := flock.New(filepath.Join(dir, lockFile))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire state lock: %w", err)
	}
	if !locked {
		return nil, ErrLocked
	}

	j, err := open(filepath.Join(dir, dbFile))
	if err != nil {
		_ = lock.Unlock()
		return nil, err
	}
	j.lock = lock
	return j, nil
}

// OpenReader opens the journal without taking the lock, for read-only
// inspection while an agent may be running.
func OpenReader(dir string) (*Journal, error) {
	path := filepath.Join(dir, dbFile)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return open(path)
}

func open(path string) (*Journal, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable WAL mode for concurrent reads
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	j := &Journal{conn: conn, path: path, now: time.Now}
	if err := j.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return j, nil
}

// Close closes the database and releases the lock.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	err := j.conn.Close()
	if j.lock != nil {
		if unlockErr := j.lock.Unlock(); err == nil {
			err = unlockErr
		}
	}
	return err
}

// Path returns the path to the database file.
func (j *Journal) Path() string {
	return j.path
}

func (j *Journal) migrate() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	_, err := j.conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var currentVersion int
	row := j.conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []struct {
		version int
		sql     string
	}{
		{1, migrationV1Jobs},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}

		tx, err := j.conn.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration v%d: %w", m.version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version, applied_at) VALUES (?, ?)", m.version, time.Now().UnixMilli()); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.version, err)
		}
	}
	return nil
}

const migrationV1Jobs = `
CREATE TABLE IF NOT EXISTS jobs (
	job_id INTEGER PRIMARY KEY,
	job_type TEXT NOT NULL,
	task_id INTEGER NOT NULL DEFAULT 0,
	task_title TEXT NOT NULL,
	project_root TEXT NOT NULL DEFAULT '',
	workspace_path TEXT NOT NULL DEFAULT '',
	branch TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	error_kind TEXT NOT NULL DEFAULT '',
	error_category TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	claimed_at INTEGER NOT NULL,
	finished_at INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_claimed_at ON jobs(claimed_at);
`

// RecordClaim journals a job as running. A job claimed again replaces its
// previous record.
func (j *Journal) RecordClaim(job *models.Job) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	_, err := j.conn.Exec(`
		INSERT OR REPLACE INTO jobs (job_id, job_type, task_id, task_title, project_root, status, claimed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		job.ID, string(job.JobType), job.TaskID, job.TaskTitle, job.ProjectRoot(),
		string(models.JobStatusRunning), j.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("record claim of job %d: %w", job.ID, err)
	}
	return nil
}

// RecordWorkspace stores the workspace created for a job.
func (j *Journal) RecordWorkspace(jobID int64, path, branch string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	_, err := j.conn.Exec(`UPDATE jobs SET workspace_path = ?, branch = ? WHERE job_id = ?`, path, branch, jobID)
	if err != nil {
		return fmt.Errorf("record workspace of job %d: %w", jobID, err)
	}
	return nil
}

// RecordOutcome stores a job's terminal status. jobErr may be nil.
func (j *Journal) RecordOutcome(jobID int64, status models.JobStatus, jobErr *models.JobError) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	var kind, category, msg string
	if jobErr != nil {
		kind, category, msg = string(jobErr.Kind), jobErr.Category, jobErr.Message
	}
	_, err := j.conn.Exec(`
		UPDATE jobs SET status = ?, error_kind = ?, error_category = ?, error = ?, finished_at = ?
		WHERE job_id = ?`,
		string(status), kind, category, msg, j.now().UnixMilli(), jobID)
	if err != nil {
		return fmt.Errorf("record outcome of job %d: %w", jobID, err)
	}
	return nil
}

// Running returns jobs that never reached a terminal status.
func (j *Journal) Running() ([]JobRecord, error) {
	return j.query(`SELECT `+jobColumns+` FROM jobs WHERE status = ? ORDER BY claimed_at`, string(models.JobStatusRunning))
}

// Recent returns the most recently claimed jobs, newest first.
func (j *Journal) Recent(limit int) ([]JobRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	return j.query(`SELECT `+jobColumns+` FROM jobs ORDER BY claimed_at DESC, job_id DESC LIMIT ?`, limit)
}

// Get returns one job record, or nil if it was never journaled.
func (j *Journal) Get(jobID int64) (*JobRecord, error) {
	records, err := j.query(`SELECT `+jobColumns+` FROM jobs WHERE job_id = ?`, jobID)
	if err != nil || len(records) == 0 {
		return nil, err
	}
	return &records[0], nil
}

const jobColumns = `job_id, job_type, task_id, task_title, project_root, workspace_path, branch,
	status, error_kind, error_category, error, claimed_at, finished_at`

func (j *Journal) query(q string, args ...interface{}) ([]JobRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	rows, err := j.conn.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var records []JobRecord
	for rows.Next() {
		var r JobRecord
		var jobType, status, kind string
		var claimed, finished int64
		if err := rows.Scan(&r.JobID, &jobType, &r.TaskID, &r.TaskTitle, &r.ProjectRoot, &r.WorkspacePath, &r.Branch,
			&status, &kind, &r.ErrorCategory, &r.Error, &claimed, &finished); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		r.JobType = models.JobType(jobType)
		r.Status = models.JobStatus(status)
		r.ErrorKind = models.ErrorKind(kind)
		r.ClaimedAt = time.UnixMilli(claimed)
		if finished > 0 {
			r.FinishedAt = time.UnixMilli(finished)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
