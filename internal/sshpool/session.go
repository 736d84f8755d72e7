package sshpool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

var (
	// ErrTransportLost means the SSH connection dropped during an
	// operation. Partial output is still delivered, flagged incomplete.
	ErrTransportLost = errors.New("sshpool: transport lost")

	// ErrAuthRejected means the remote host refused the stored credentials.
	ErrAuthRejected = errors.New("sshpool: authentication rejected")

	// ErrSessionClosed means an operation was attempted on a session that
	// is failed or closed. The next Acquire for the host starts fresh.
	ErrSessionClosed = errors.New("sshpool: session closed")
)

// Session is one authenticated SSH connection to one host. It owns the
// underlying transport and the exec/transfer channels opened against it.
// SSH multiplexes channels over a single TCP connection, so operations on
// the same session may overlap; the session counts open channels and is
// Busy while any are active.
//
// Sessions are created and owned by Manager. A Failed or Closed session is
// removed from the pool and never reused.
type Session struct {
	// ProfileID is the vault profile UUID this session was opened for.
	ProfileID string
	// Name is the profile's display name at connect time.
	Name string
	// Addr is the host:port the session is connected to.
	Addr string

	client  *ssh.Client
	cancel  context.CancelFunc // stops the keepalive goroutine
	tracker *stateTracker
	onFail  func(*Session) // manager hook: evict from the pool

	mu       sync.Mutex
	state    State
	failure  error
	lastUsed time.Time
	active   int // open exec/transfer channels
}

// State returns the current session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Failure returns the retained failure reason, or nil.
func (s *Session) Failure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure
}

// LastUsed returns the time of the last operation on the session.
func (s *Session) LastUsed() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsed
}

// idle reports whether the session has no open channels and was last used
// before cutoff.
func (s *Session) idle(cutoff time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateAuthenticated && s.active == 0 && s.lastUsed.Before(cutoff)
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastUsed = time.Now()
	s.mu.Unlock()
}

// beginOp registers a new channel against the session and moves it to Busy.
func (s *Session) beginOp() error {
	s.mu.Lock()
	switch s.state {
	case StateAuthenticated, StateBusy:
	case StateFailed:
		failure := s.failure
		s.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrSessionClosed, failure)
	default:
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.active++
	s.state = StateBusy
	s.lastUsed = time.Now()
	s.mu.Unlock()

	s.tracker.setState(s.ProfileID, StateBusy, "channel opened")
	return nil
}

// endOp releases a channel. The session returns to Authenticated when the
// last channel completes, unless it failed or closed in the meantime.
func (s *Session) endOp() {
	s.mu.Lock()
	s.active--
	s.lastUsed = time.Now()
	settled := s.state == StateBusy && s.active == 0
	if settled {
		s.state = StateAuthenticated
	}
	s.mu.Unlock()

	if settled {
		s.tracker.setState(s.ProfileID, StateAuthenticated, "channel completed")
	}
}

// fail moves the session to Failed, retains the cause, tears down the
// transport, and evicts the session from the pool.
func (s *Session) fail(cause error) {
	s.mu.Lock()
	if s.state == StateFailed || s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateFailed
	s.failure = cause
	s.mu.Unlock()

	s.cancel()
	s.client.Close()
	s.tracker.setState(s.ProfileID, StateFailed, cause.Error())
	log.Printf("[sshpool] session %s (%s) failed: %v", s.Name, s.Addr, cause)
	if s.onFail != nil {
		s.onFail(s)
	}
}

// close moves the session to Closed and tears down the transport.
// reason is recorded in the transition history.
func (s *Session) close(reason string) {
	s.mu.Lock()
	if s.state == StateFailed || s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	s.mu.Unlock()

	s.cancel()
	s.client.Close()
	s.tracker.setState(s.ProfileID, StateClosed, reason)
	log.Printf("[sshpool] session %s (%s) closed: %s", s.Name, s.Addr, reason)
}

// ExecResult is the outcome of one remote command execution.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration

	// Incomplete marks output cut short by a transport drop or
	// cancellation: what was captured is delivered, but it must not be
	// mistaken for the command's full output.
	Incomplete bool
}

// Execute runs a command on the remote host over a fresh channel, capturing
// stdout, stderr, and the exit status. A transport drop mid-execution yields
// ErrTransportLost with the partial output flagged incomplete; cancellation
// tears the channel down and returns the context error. Either way the
// session never sticks in Busy.
func (s *Session) Execute(ctx context.Context, cmd string) (ExecResult, error) {
	if err := s.beginOp(); err != nil {
		return ExecResult{}, err
	}
	defer s.endOp()

	start := time.Now()
	sess, err := s.client.NewSession()
	if err != nil {
		lost := fmt.Errorf("%w: open channel: %v", ErrTransportLost, err)
		s.fail(lost)
		return ExecResult{}, lost
	}
	defer sess.Close()

	var outBuf, errBuf bytes.Buffer
	sess.Stdout = &outBuf
	sess.Stderr = &errBuf

	if err := sess.Start(cmd); err != nil {
		lost := fmt.Errorf("%w: start command: %v", ErrTransportLost, err)
		s.fail(lost)
		return ExecResult{}, lost
	}

	done := make(chan error, 1)
	go func() { done <- sess.Wait() }()

	select {
	case <-ctx.Done():
		// Closing the channel unblocks Wait shortly after.
		sess.Close()
		<-done
		return ExecResult{
			Stdout:     outBuf.String(),
			Stderr:     errBuf.String(),
			ExitCode:   -1,
			Duration:   time.Since(start),
			Incomplete: true,
		}, ctx.Err()
	case err := <-done:
		res := ExecResult{
			Stdout:   outBuf.String(),
			Stderr:   errBuf.String(),
			Duration: time.Since(start),
		}
		if err != nil {
			if exitErr, ok := err.(*ssh.ExitError); ok {
				res.ExitCode = exitErr.ExitStatus()
				return res, nil
			}
			res.ExitCode = -1
			res.Incomplete = true
			lost := fmt.Errorf("%w: %v", ErrTransportLost, err)
			s.fail(lost)
			return res, lost
		}
		return res, nil
	}
}
