package sshpool

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/sdsr/ssh-manager/internal/vault"
)

// credSource is an in-memory CredentialSource for tests.
type credSource struct {
	mu       sync.Mutex
	profiles map[string]vault.HostProfile
	gets     int
}

func (c *credSource) Get(id string) (vault.HostProfile, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	p, ok := c.profiles[id]
	if !ok {
		return vault.HostProfile{}, fmt.Errorf("%w: %s", vault.ErrNotFound, id)
	}
	return p, nil
}

func (c *credSource) getCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gets
}

// testProfile builds a password-auth profile pointing at the test server.
func testProfile(t *testing.T, id, addr string) vault.HostProfile {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	port, _ := strconv.Atoi(portStr)
	return vault.HostProfile{
		ID:       id,
		Name:     id,
		Host:     host,
		Port:     port,
		Username: testUser,
		Credential: vault.Credential{
			Method:   vault.AuthPassword,
			Password: testPassword,
		},
	}
}

// testManager wires a Manager to a started test server with one profile.
// Keepalive is disabled so tests control connection lifetime precisely.
func testManager(t *testing.T, ts *testServer, ids ...string) (*Manager, *credSource) {
	t.Helper()
	profiles := make(map[string]vault.HostProfile)
	for _, id := range ids {
		profiles[id] = testProfile(t, id, ts.addr)
	}
	creds := &credSource{profiles: profiles}
	mgr := NewManager(creds, Config{
		ConnectTimeout:    5 * time.Second,
		KeepaliveInterval: -1,
	})
	t.Cleanup(mgr.CloseAll)
	return mgr, creds
}

func TestAcquire_ConnectsAndReuses(t *testing.T) {
	ts := startTestServer(t)
	mgr, creds := testManager(t, ts, "web1")

	s1, err := mgr.Acquire(context.Background(), "web1")
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	if got := s1.State(); got != StateAuthenticated {
		t.Fatalf("session state = %s, want authenticated", got)
	}

	s2, err := mgr.Acquire(context.Background(), "web1")
	if err != nil {
		t.Fatalf("second Acquire() error: %v", err)
	}
	if s1 != s2 {
		t.Fatal("second Acquire() created a new session for a live host")
	}
	if n := ts.handshakeCount(); n != 1 {
		t.Fatalf("handshakes = %d, want 1", n)
	}
	if n := creds.getCount(); n != 1 {
		t.Fatalf("credential decrypts = %d, want 1 (secrets must not be re-read for reuse)", n)
	}
}

func TestAcquire_ConcurrentSingleAttempt(t *testing.T) {
	ts := startTestServer(t)
	mgr, _ := testManager(t, ts, "web1")

	const n = 8
	sessions := make([]*Session, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			sessions[i], errs[i] = mgr.Acquire(context.Background(), "web1")
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("Acquire %d error: %v", i, errs[i])
		}
		if sessions[i] != sessions[0] {
			t.Fatal("concurrent Acquire calls returned different sessions")
		}
	}
	if got := ts.handshakeCount(); got != 1 {
		t.Fatalf("handshakes = %d, want exactly 1 for concurrent acquires", got)
	}
}

func TestAcquire_UnknownProfile(t *testing.T) {
	ts := startTestServer(t)
	mgr, _ := testManager(t, ts, "web1")

	_, err := mgr.Acquire(context.Background(), "nope")
	if !errors.Is(err, vault.ErrNotFound) {
		t.Fatalf("Acquire() unknown profile: got %v, want ErrNotFound", err)
	}
	if mgr.SessionCount() != 0 {
		t.Fatal("failed acquire left an entry in the pool")
	}
}

func TestAcquire_AuthRejected(t *testing.T) {
	ts := startTestServer(t)
	profile := testProfile(t, "web1", ts.addr)
	profile.Credential.Password = "wrong"
	creds := &credSource{profiles: map[string]vault.HostProfile{"web1": profile}}
	mgr := NewManager(creds, Config{ConnectTimeout: 5 * time.Second, KeepaliveInterval: -1})
	defer mgr.CloseAll()

	_, err := mgr.Acquire(context.Background(), "web1")
	if !errors.Is(err, ErrAuthRejected) {
		t.Fatalf("Acquire() with bad password: got %v, want ErrAuthRejected", err)
	}
	if got := mgr.StateOf("web1"); got != StateFailed {
		t.Fatalf("state after auth rejection = %s, want failed", got)
	}
	if mgr.SessionCount() != 0 {
		t.Fatal("failed session left in the pool")
	}
}

func TestAcquire_DialFailure(t *testing.T) {
	// Port 1 on localhost should refuse immediately.
	profile := vault.HostProfile{
		ID: "web1", Name: "web1", Host: "127.0.0.1", Port: 1, Username: testUser,
		Credential: vault.Credential{Method: vault.AuthPassword, Password: testPassword},
	}
	creds := &credSource{profiles: map[string]vault.HostProfile{"web1": profile}}
	mgr := NewManager(creds, Config{ConnectTimeout: 2 * time.Second, KeepaliveInterval: -1})
	defer mgr.CloseAll()

	if _, err := mgr.Acquire(context.Background(), "web1"); err == nil {
		t.Fatal("Acquire() expected dial error")
	}
	if got := mgr.StateOf("web1"); got != StateFailed {
		t.Fatalf("state after dial failure = %s, want failed", got)
	}
}

func TestAcquire_RecreatesAfterFailure(t *testing.T) {
	ts := startTestServer(t)
	mgr, _ := testManager(t, ts, "web1")

	s1, err := mgr.Acquire(context.Background(), "web1")
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}

	// Kill the transport mid-command; the session must fail and be evicted.
	execDone := make(chan error, 1)
	go func() {
		_, err := s1.Execute(context.Background(), "hang")
		execDone <- err
	}()
	time.Sleep(100 * time.Millisecond)
	ts.closeAllConns()

	select {
	case err := <-execDone:
		if !errors.Is(err, ErrTransportLost) {
			t.Fatalf("Execute() after drop: got %v, want ErrTransportLost", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Execute() did not return after transport drop")
	}
	if got := s1.State(); got != StateFailed {
		t.Fatalf("session state after drop = %s, want failed", got)
	}

	// Next acquire starts a fresh connection.
	s2, err := mgr.Acquire(context.Background(), "web1")
	if err != nil {
		t.Fatalf("Acquire() after failure: %v", err)
	}
	if s2 == s1 {
		t.Fatal("Acquire() returned the failed session")
	}
	if got := ts.handshakeCount(); got != 2 {
		t.Fatalf("handshakes = %d, want 2", got)
	}
}

func TestKeepalive_ProbeFailureRecreatesSession(t *testing.T) {
	ts := startTestServer(t)
	profiles := map[string]vault.HostProfile{"web1": testProfile(t, "web1", ts.addr)}
	creds := &credSource{profiles: profiles}
	mgr := NewManager(creds, Config{
		ConnectTimeout:    5 * time.Second,
		KeepaliveInterval: 50 * time.Millisecond,
	})
	defer mgr.CloseAll()

	s, err := mgr.Acquire(context.Background(), "web1")
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}

	// Drop the transport underneath the idle session; the next keepalive
	// probe must fail it and evict it.
	ts.closeAllConns()

	deadline := time.After(5 * time.Second)
	for s.State() != StateFailed {
		select {
		case <-deadline:
			t.Fatalf("session state = %s, want failed after keepalive probe", s.State())
		case <-time.After(10 * time.Millisecond):
		}
	}
	if !errors.Is(s.Failure(), ErrTransportLost) {
		t.Fatalf("failure = %v, want ErrTransportLost", s.Failure())
	}
	if mgr.SessionCount() != 0 {
		t.Fatal("failed session left in the pool")
	}

	// The next acquire dials fresh.
	s2, err := mgr.Acquire(context.Background(), "web1")
	if err != nil {
		t.Fatalf("Acquire() after keepalive failure: %v", err)
	}
	if s2 == s {
		t.Fatal("Acquire() returned the failed session")
	}
	if got := ts.handshakeCount(); got != 2 {
		t.Fatalf("handshakes = %d, want 2", got)
	}
}

func TestAcquire_CloseAllDuringConnect(t *testing.T) {
	ts := startTestServer(t)
	mgr, _ := testManager(t, ts, "web1")

	// Once the handshake finishes but before Acquire returns, tear the
	// pool down and wait for the entry to be taken.
	closed := make(chan struct{})
	var once sync.Once
	mgr.OnStateChange(func(profileID string, from, to State) {
		if to != StateAuthenticated {
			return
		}
		once.Do(func() {
			go func() {
				mgr.CloseAll()
				close(closed)
			}()
			for mgr.SessionCount() != 0 {
				time.Sleep(time.Millisecond)
			}
		})
	})

	if _, err := mgr.Acquire(context.Background(), "web1"); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("Acquire() racing CloseAll: got %v, want ErrSessionClosed", err)
	}
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("CloseAll() did not return")
	}
	if mgr.SessionCount() != 0 {
		t.Fatal("pool not empty after CloseAll")
	}
}

func TestRelease(t *testing.T) {
	ts := startTestServer(t)
	mgr, _ := testManager(t, ts, "web1")

	s, err := mgr.Acquire(context.Background(), "web1")
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	mgr.Release("web1")

	if got := s.State(); got != StateClosed {
		t.Fatalf("state after Release = %s, want closed", got)
	}
	if mgr.SessionCount() != 0 {
		t.Fatal("released session left in the pool")
	}
	// Releasing an absent host is a no-op.
	mgr.Release("web1")

	// Operations on the closed session fail; a new acquire works.
	if _, err := s.Execute(context.Background(), "echo hi"); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("Execute() on closed session: got %v, want ErrSessionClosed", err)
	}
	if _, err := mgr.Acquire(context.Background(), "web1"); err != nil {
		t.Fatalf("Acquire() after release: %v", err)
	}
}

func TestCloseAll(t *testing.T) {
	ts := startTestServer(t)
	mgr, _ := testManager(t, ts, "web1", "web2")

	s1, err := mgr.Acquire(context.Background(), "web1")
	if err != nil {
		t.Fatalf("Acquire(web1) error: %v", err)
	}
	s2, err := mgr.Acquire(context.Background(), "web2")
	if err != nil {
		t.Fatalf("Acquire(web2) error: %v", err)
	}

	mgr.CloseAll()
	if s1.State() != StateClosed || s2.State() != StateClosed {
		t.Fatal("CloseAll() did not close every session")
	}
	if mgr.SessionCount() != 0 {
		t.Fatal("CloseAll() left sessions in the pool")
	}
}

func TestCleanupIdle(t *testing.T) {
	ts := startTestServer(t)
	profiles := map[string]vault.HostProfile{"web1": testProfile(t, "web1", ts.addr)}
	creds := &credSource{profiles: profiles}
	mgr := NewManager(creds, Config{
		ConnectTimeout:    5 * time.Second,
		IdleTimeout:       50 * time.Millisecond,
		KeepaliveInterval: -1,
	})
	defer mgr.CloseAll()

	s, err := mgr.Acquire(context.Background(), "web1")
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}

	// Fresh session is not idle yet.
	if n := mgr.CleanupIdle(); n != 0 {
		t.Fatalf("CleanupIdle() closed %d fresh sessions", n)
	}

	time.Sleep(100 * time.Millisecond)
	if n := mgr.CleanupIdle(); n != 1 {
		t.Fatalf("CleanupIdle() = %d, want 1", n)
	}
	if got := s.State(); got != StateClosed {
		t.Fatalf("idle session state = %s, want closed", got)
	}
	if mgr.SessionCount() != 0 {
		t.Fatal("idle session left in the pool")
	}
}

func TestStateTransitionsRecorded(t *testing.T) {
	ts := startTestServer(t)
	mgr, _ := testManager(t, ts, "web1")

	if got := mgr.StateOf("web1"); got != StateDisconnected {
		t.Fatalf("initial state = %s, want disconnected", got)
	}

	s, err := mgr.Acquire(context.Background(), "web1")
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	if _, err := s.Execute(context.Background(), "echo hi"); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	mgr.Release("web1")

	var states []State
	for _, tr := range mgr.Transitions("web1") {
		states = append(states, tr.To)
	}
	want := []State{StateConnecting, StateAuthenticated, StateBusy, StateAuthenticated, StateClosed}
	if len(states) != len(want) {
		t.Fatalf("transitions = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("transition %d = %s, want %s", i, states[i], want[i])
		}
	}
}

func TestOnStateChange(t *testing.T) {
	ts := startTestServer(t)
	mgr, _ := testManager(t, ts, "web1")

	var mu sync.Mutex
	var seen []State
	mgr.OnStateChange(func(profileID string, from, to State) {
		mu.Lock()
		seen = append(seen, to)
		mu.Unlock()
	})

	if _, err := mgr.Acquire(context.Background(), "web1"); err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) < 2 || seen[len(seen)-1] != StateAuthenticated {
		t.Fatalf("callback states = %v, want ... authenticated", seen)
	}
}
