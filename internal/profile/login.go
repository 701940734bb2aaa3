package profile

import (
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// LoginStatus is the state of a background login job.
type LoginStatus string

const (
	LoginRunning   LoginStatus = "running"
	LoginSucceeded LoginStatus = "succeeded"
	LoginFailed    LoginStatus = "failed"
)

// DefaultLoginTimeout bounds a single `aws sso login` run.
const DefaultLoginTimeout = 5 * time.Minute

// LoginJob is a snapshot of one login attempt.
type LoginJob struct {
	ID         string      `json:"id"`
	Profile    string      `json:"profile"`
	Status     LoginStatus `json:"status"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
	Output     string      `json:"output,omitempty"`
	Error      string      `json:"error,omitempty"`
}

// CommandFunc runs an external command and returns its combined output.
type CommandFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecCommand runs the command with os/exec.
func ExecCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// LoginJobs starts detached CLI logins and tracks their status by job id.
type LoginJobs struct {
	mu        sync.Mutex
	jobs      map[string]*LoginJob
	done      map[string]chan struct{}
	run       CommandFunc
	awsBinary string
	timeout   time.Duration
	profiles  *Context
	logger    zerolog.Logger
}

// NewLoginJobs creates a job tracker. A nil run uses ExecCommand.
func NewLoginJobs(awsBinary string, run CommandFunc, profiles *Context, logger zerolog.Logger) *LoginJobs {
	if run == nil {
		run = ExecCommand
	}
	if awsBinary == "" {
		awsBinary = "aws"
	}
	return &LoginJobs{
		jobs:      make(map[string]*LoginJob),
		done:      make(map[string]chan struct{}),
		run:       run,
		awsBinary: awsBinary,
		timeout:   DefaultLoginTimeout,
		profiles:  profiles,
		logger:    logger,
	}
}

// SetTimeout overrides the per-job timeout.
func (l *LoginJobs) SetTimeout(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.timeout = d
}

// Start launches `aws sso login --profile <profile>` in the background and
// returns immediately with the running job.
func (l *LoginJobs) Start(profile string) LoginJob {
	if profile == "" {
		profile = "default"
	}
	job := &LoginJob{
		ID:        "login-" + uuid.New().String()[:12],
		Profile:   profile,
		Status:    LoginRunning,
		StartedAt: time.Now().UTC(),
	}
	done := make(chan struct{})

	l.mu.Lock()
	l.jobs[job.ID] = job
	l.done[job.ID] = done
	timeout := l.timeout
	snapshot := *job
	l.mu.Unlock()

	l.logger.Info().Str("job_id", job.ID).Str("profile", profile).Msg("login job started")

	go func() {
		defer close(done)
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		out, err := l.run(ctx, l.awsBinary, "sso", "login", "--profile", profile)
		if ctx.Err() == context.DeadlineExceeded {
			err = ctx.Err()
		}
		l.finish(job.ID, strings.TrimSpace(string(out)), err)
	}()

	return snapshot
}

func (l *LoginJobs) finish(id, output string, err error) {
	now := time.Now().UTC()

	l.mu.Lock()
	job := l.jobs[id]
	job.FinishedAt = &now
	job.Output = output
	if err != nil {
		job.Status = LoginFailed
		job.Error = err.Error()
	} else {
		job.Status = LoginSucceeded
	}
	profile := job.Profile
	l.mu.Unlock()

	if err != nil {
		l.logger.Warn().Err(err).Str("job_id", id).Str("profile", profile).Msg("login job failed")
		return
	}
	l.logger.Info().Str("job_id", id).Str("profile", profile).Msg("login job succeeded")

	// Freshly issued SSO tokens must not be shadowed by a cached identity.
	if l.profiles != nil {
		l.profiles.invalidate(profile)
	}
}

// Status returns a snapshot of a job.
func (l *LoginJobs) Status(id string) (LoginJob, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	job, ok := l.jobs[id]
	if !ok {
		return LoginJob{}, false
	}
	return *job, true
}

// Wait blocks until the job finishes or ctx is done.
func (l *LoginJobs) Wait(ctx context.Context, id string) (LoginJob, error) {
	l.mu.Lock()
	done, ok := l.done[id]
	l.mu.Unlock()
	if !ok {
		return LoginJob{}, fmt.Errorf("login job %s not found", id)
	}
	select {
	case <-done:
		job, _ := l.Status(id)
		return job, nil
	case <-ctx.Done():
		return LoginJob{}, ctx.Err()
	}
}

// List returns all jobs, newest first.
func (l *LoginJobs) List() []LoginJob {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]LoginJob, 0, len(l.jobs))
	for _, j := range l.jobs {
		out = append(out, *j)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}
