package queue

import (
	"context"
	"sync"
	"time"

	"github.com/sdsr/ssh-manager/internal/sshpool"
)

// Kind identifies the operation a job performs.
type Kind string

const (
	KindConnect    Kind = "connect"
	KindDisconnect Kind = "disconnect"
	KindExecute    Kind = "execute"
	KindUpload     Kind = "upload"
	KindDownload   Kind = "download"
)

// Job is one unit of work against a host. It references the host by profile
// ID, never by session, so session churn between submission and execution
// cannot leave it holding a stale handle.
type Job struct {
	HostID string
	Kind   Kind

	// Command is the remote command line (KindExecute).
	Command string
	// LocalPath and RemotePath address the transfer endpoints
	// (KindUpload, KindDownload).
	LocalPath  string
	RemotePath string
}

// Result is the outcome of one job, fulfilled exactly once.
type Result struct {
	Job      Job
	Exec     *sshpool.ExecResult // set for KindExecute
	Err      error
	Started  time.Time
	Finished time.Time
}

// Future delivers a job's Result to its submitter.
type Future struct {
	once sync.Once
	ch   chan Result
}

func newFuture() *Future {
	return &Future{ch: make(chan Result, 1)}
}

// fulfill records the result. Later calls are no-ops, so a job can never
// resolve twice.
func (f *Future) fulfill(res Result) {
	f.once.Do(func() {
		f.ch <- res
		close(f.ch)
	})
}

// Wait blocks until the result is available or ctx is done. Waiting can be
// abandoned without affecting the job itself; cancel the job's context to
// stop the work.
func (f *Future) Wait(ctx context.Context) (Result, error) {
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case res, ok := <-f.ch:
		if !ok {
			return Result{}, context.Canceled
		}
		return res, nil
	}
}

// Done returns a channel that receives the result once.
func (f *Future) Done() <-chan Result {
	return f.ch
}
