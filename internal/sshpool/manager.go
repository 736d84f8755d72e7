// Package sshpool manages a keyed pool of live SSH sessions, one per vault
// profile.
//
// The Manager enforces at-most-one session per profile ID: concurrent
// Acquire calls during connection setup wait on the same attempt and
// converge on one session (or one shared failure). Session creation
// decrypts the host profile just-in-time through a CredentialSource; the
// secret is used for the handshake and discarded. Profiles are keyed by
// their UUID rather than their display name so sessions survive renames.
package sshpool

import (
	"context"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/sdsr/ssh-manager/internal/vault"
)

const (
	// DefaultConnectTimeout bounds connection and handshake setup.
	DefaultConnectTimeout = 30 * time.Second

	// DefaultIdleTimeout is how long an unused session stays open before
	// CleanupIdle closes it.
	DefaultIdleTimeout = 10 * time.Minute

	// DefaultKeepaliveInterval is how often keepalive requests probe each
	// session for liveness.
	DefaultKeepaliveInterval = 30 * time.Second
)

// CredentialSource supplies decrypted host profiles. Implemented by
// vault.Vault; each call returns a fresh copy that the caller discards
// after the handshake.
type CredentialSource interface {
	Get(id string) (vault.HostProfile, error)
}

// Config carries Manager tuning. Zero values select the defaults; a
// negative KeepaliveInterval disables keepalive probing.
type Config struct {
	ConnectTimeout    time.Duration
	IdleTimeout       time.Duration
	KeepaliveInterval time.Duration
	HostKeyCallback   ssh.HostKeyCallback
}

// Manager owns all live sessions, keyed by profile ID.
type Manager struct {
	creds             CredentialSource
	connectTimeout    time.Duration
	idleTimeout       time.Duration
	keepaliveInterval time.Duration
	hostKeyCallback   ssh.HostKeyCallback

	mu       sync.Mutex
	sessions map[string]*poolEntry

	tracker *stateTracker
}

// poolEntry is one slot in the pool. ready is closed when the connection
// attempt finishes; waiters then read sess/err.
type poolEntry struct {
	ready chan struct{}
	sess  *Session
	err   error
}

// NewManager creates a session manager backed by the given credential source.
func NewManager(creds CredentialSource, cfg Config) *Manager {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.KeepaliveInterval == 0 {
		cfg.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if cfg.HostKeyCallback == nil {
		cfg.HostKeyCallback = ssh.InsecureIgnoreHostKey()
	}
	return &Manager{
		creds:             creds,
		connectTimeout:    cfg.ConnectTimeout,
		idleTimeout:       cfg.IdleTimeout,
		keepaliveInterval: cfg.KeepaliveInterval,
		hostKeyCallback:   cfg.HostKeyCallback,
		sessions:          make(map[string]*poolEntry),
		tracker:           newStateTracker(),
	}
}

// Acquire returns the live session for a profile, creating one if absent.
// If another caller is already connecting to the same host, Acquire waits
// for that attempt instead of starting a second one; all waiters receive
// the same session or the same error. A session found Failed or Closed is
// evicted and a fresh attempt started.
func (m *Manager) Acquire(ctx context.Context, profileID string) (*Session, error) {
	for {
		m.mu.Lock()
		if e, ok := m.sessions[profileID]; ok {
			m.mu.Unlock()

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-e.ready:
			}
			if e.err != nil {
				return nil, e.err
			}
			switch e.sess.State() {
			case StateAuthenticated, StateBusy:
				e.sess.touch()
				return e.sess, nil
			}
			// Stale entry (failed or closed since): evict and retry.
			m.evict(profileID, e)
			continue
		}

		e := &poolEntry{ready: make(chan struct{})}
		m.sessions[profileID] = e
		m.mu.Unlock()

		e.sess, e.err = m.connect(ctx, profileID)
		if e.err != nil {
			m.evict(profileID, e)
			close(e.ready)
			return nil, e.err
		}
		close(e.ready)

		// CloseAll or Release may have taken the entry while the
		// handshake ran. Whoever took it owns teardown, and the caller
		// must not receive a session that is about to close.
		m.mu.Lock()
		current := m.sessions[profileID] == e
		m.mu.Unlock()
		if !current {
			return nil, fmt.Errorf("%w: pool closed during connect", ErrSessionClosed)
		}
		return e.sess, nil
	}
}

// evict removes an entry from the pool if it is still the current one.
func (m *Manager) evict(profileID string, e *poolEntry) {
	m.mu.Lock()
	if cur, ok := m.sessions[profileID]; ok && cur == e {
		delete(m.sessions, profileID)
	}
	m.mu.Unlock()
}

// connect decrypts the profile and establishes an authenticated session.
// The decrypted credential lives only for the duration of the handshake.
func (m *Manager) connect(ctx context.Context, profileID string) (*Session, error) {
	profile, err := m.creds.Get(profileID)
	if err != nil {
		return nil, err
	}

	addr := net.JoinHostPort(profile.Host, strconv.Itoa(profile.Port))
	m.tracker.setState(profileID, StateConnecting, fmt.Sprintf("connecting to %s", addr))

	auths, err := authMethods(profile.Credential)
	if err != nil {
		m.tracker.setState(profileID, StateFailed, err.Error())
		return nil, err
	}

	cfg := &ssh.ClientConfig{
		User:            profile.Username,
		Auth:            auths,
		HostKeyCallback: m.hostKeyCallback,
		Timeout:         m.connectTimeout,
	}

	dialer := net.Dialer{Timeout: m.connectTimeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		m.tracker.setState(profileID, StateFailed, fmt.Sprintf("dial failed: %v", err))
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, cfg)
	if err != nil {
		netConn.Close()
		if strings.Contains(err.Error(), "unable to authenticate") {
			m.tracker.setState(profileID, StateFailed, fmt.Sprintf("auth rejected: %v", err))
			return nil, fmt.Errorf("%w: %s: %v", ErrAuthRejected, addr, err)
		}
		m.tracker.setState(profileID, StateFailed, fmt.Sprintf("handshake failed: %v", err))
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)

	keepCtx, keepCancel := context.WithCancel(context.Background())
	s := &Session{
		ProfileID: profileID,
		Name:      profile.Name,
		Addr:      addr,
		client:    client,
		cancel:    keepCancel,
		tracker:   m.tracker,
		state:     StateAuthenticated,
		lastUsed:  time.Now(),
	}
	s.onFail = func(sess *Session) {
		m.mu.Lock()
		if e, ok := m.sessions[profileID]; ok && e.sess == sess {
			delete(m.sessions, profileID)
		}
		m.mu.Unlock()
	}

	if m.keepaliveInterval > 0 {
		go m.keepalive(keepCtx, s)
	}

	m.tracker.setState(profileID, StateAuthenticated, fmt.Sprintf("connected to %s", addr))
	log.Printf("[sshpool] connected to %s (%s)", profile.Name, addr)
	return s, nil
}

// authMethods maps the closed credential variant to SSH auth methods.
func authMethods(cred vault.Credential) ([]ssh.AuthMethod, error) {
	switch cred.Method {
	case vault.AuthPassword:
		return []ssh.AuthMethod{ssh.Password(cred.Password)}, nil
	case vault.AuthPrivateKey:
		var signer ssh.Signer
		var err error
		if cred.KeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(
				[]byte(cred.PrivateKeyPEM), []byte(cred.KeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey([]byte(cred.PrivateKeyPEM))
		}
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	default:
		return nil, fmt.Errorf("unsupported auth method %q", cred.Method)
	}
}

// keepalive probes the session until it is torn down. A failed probe marks
// the session Failed and evicts it; the next Acquire reconnects.
func (m *Manager) keepalive(ctx context.Context, s *Session) {
	ticker := time.NewTicker(m.keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := s.client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				s.fail(fmt.Errorf("%w: keepalive: %v", ErrTransportLost, err))
				return
			}
		}
	}
}

// Release explicitly disconnects a host's session, if one exists.
func (m *Manager) Release(profileID string) {
	m.mu.Lock()
	e, ok := m.sessions[profileID]
	if ok {
		delete(m.sessions, profileID)
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	<-e.ready
	if e.sess != nil {
		e.sess.close("released")
	}
}

// CloseAll tears down every session. Called on vault lock and shutdown:
// the credentials that opened the sessions are no longer accessible.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	entries := m.sessions
	m.sessions = make(map[string]*poolEntry)
	m.mu.Unlock()

	for _, e := range entries {
		<-e.ready
		if e.sess != nil {
			e.sess.close("pool closed")
		}
	}
	if len(entries) > 0 {
		log.Printf("[sshpool] all sessions closed (%d total)", len(entries))
	}
}

// CleanupIdle closes sessions unused for longer than the idle timeout and
// returns how many were closed. Should be called periodically.
func (m *Manager) CleanupIdle() int {
	if m.idleTimeout <= 0 {
		return 0
	}
	cutoff := time.Now().Add(-m.idleTimeout)

	m.mu.Lock()
	var stale []*poolEntry
	for id, e := range m.sessions {
		select {
		case <-e.ready:
		default:
			continue // still connecting
		}
		if e.sess != nil && e.sess.idle(cutoff) {
			stale = append(stale, e)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, e := range stale {
		e.sess.close("idle timeout")
	}
	return len(stale)
}

// SessionCount returns the number of pooled sessions, including ones still
// connecting.
func (m *Manager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// SessionInfo is a read-only snapshot of one pooled session for display.
type SessionInfo struct {
	ProfileID string
	Name      string
	Addr      string
	State     State
	LastUsed  time.Time
}

// Sessions returns a snapshot of all established sessions.
func (m *Manager) Sessions() []SessionInfo {
	m.mu.Lock()
	entries := make([]*poolEntry, 0, len(m.sessions))
	for _, e := range m.sessions {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	var infos []SessionInfo
	for _, e := range entries {
		select {
		case <-e.ready:
		default:
			continue
		}
		if e.sess == nil {
			continue
		}
		infos = append(infos, SessionInfo{
			ProfileID: e.sess.ProfileID,
			Name:      e.sess.Name,
			Addr:      e.sess.Addr,
			State:     e.sess.State(),
			LastUsed:  e.sess.LastUsed(),
		})
	}
	return infos
}

// StateOf returns the tracked session state for a profile.
func (m *Manager) StateOf(profileID string) State {
	return m.tracker.getState(profileID)
}

// Transitions returns the recent state transition history for a profile in
// chronological order. Up to 50 transitions are retained.
func (m *Manager) Transitions(profileID string) []StateTransition {
	return m.tracker.getTransitions(profileID)
}

// OnStateChange registers a callback invoked on every session state change.
func (m *Manager) OnStateChange(cb StateChangeCallback) {
	m.tracker.onStateChange(cb)
}
