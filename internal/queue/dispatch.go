package queue

import (
	"context"
	"fmt"

	"github.com/sdsr/ssh-manager/internal/sshpool"
)

// Dispatcher binds jobs to the session pool: it acquires the target host's
// session (opening one on demand) and performs the requested operation.
// Its Run method is the queue's production RunFunc.
type Dispatcher struct {
	pool *sshpool.Manager
}

// NewDispatcher creates a dispatcher over the given session pool.
func NewDispatcher(pool *sshpool.Manager) *Dispatcher {
	return &Dispatcher{pool: pool}
}

// Run executes one job. Connect and disconnect manipulate the pool directly;
// execute and transfers acquire the session first, which reconnects if the
// previous session failed.
func (d *Dispatcher) Run(ctx context.Context, job Job) Result {
	switch job.Kind {
	case KindConnect:
		_, err := d.pool.Acquire(ctx, job.HostID)
		return Result{Err: err}

	case KindDisconnect:
		d.pool.Release(job.HostID)
		return Result{}

	case KindExecute:
		sess, err := d.pool.Acquire(ctx, job.HostID)
		if err != nil {
			return Result{Err: err}
		}
		res, err := sess.Execute(ctx, job.Command)
		return Result{Exec: &res, Err: err}

	case KindUpload:
		sess, err := d.pool.Acquire(ctx, job.HostID)
		if err != nil {
			return Result{Err: err}
		}
		return Result{Err: sess.Upload(ctx, job.LocalPath, job.RemotePath)}

	case KindDownload:
		sess, err := d.pool.Acquire(ctx, job.HostID)
		if err != nil {
			return Result{Err: err}
		}
		return Result{Err: sess.Download(ctx, job.RemotePath, job.LocalPath)}

	default:
		return Result{Err: fmt.Errorf("unknown job kind %q", job.Kind)}
	}
}
