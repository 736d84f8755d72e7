package sshpool

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

const (
	testUser     = "deploy"
	testPassword = "hunter2"
)

// testServer tracks an in-process SSH server's state.
type testServer struct {
	addr    string
	cleanup func()

	mu         sync.Mutex
	netConns   []net.Conn
	handshakes int
}

// closeAllConns forcefully closes all accepted TCP connections, simulating a
// transport drop.
func (ts *testServer) closeAllConns() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for _, c := range ts.netConns {
		c.Close()
	}
	ts.netConns = nil
}

// handshakeCount returns how many SSH handshakes completed successfully.
func (ts *testServer) handshakeCount() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.handshakes
}

// startTestServer runs an in-process SSH server accepting password auth for
// testUser/testPassword. Exec requests are interpreted as follows:
//
//	echo <text>  → <text>\n on stdout, exit 0
//	boom         → boom\n on stderr, exit 3
//	hang         → block until the channel closes, no exit status
//	anything     → ok\n on stdout, exit 0
//
// The sftp subsystem is served against the real filesystem, so tests can
// transfer files under t.TempDir().
func startTestServer(t *testing.T) *testServer {
	t.Helper()

	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	hostSigner, err := ssh.NewSignerFromKey(hostPriv)
	if err != nil {
		t.Fatalf("host signer: %v", err)
	}

	config := &ssh.ServerConfig{
		PasswordCallback: func(conn ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if conn.User() == testUser && string(pass) == testPassword {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("wrong credentials")
		},
	}
	config.AddHostKey(hostSigner)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ts := &testServer{addr: listener.Addr().String()}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			netConn, err := listener.Accept()
			if err != nil {
				return
			}
			ts.mu.Lock()
			ts.netConns = append(ts.netConns, netConn)
			ts.mu.Unlock()
			go ts.handleConnection(netConn, config)
		}
	}()

	ts.cleanup = func() {
		listener.Close()
		ts.closeAllConns()
		<-done
	}
	t.Cleanup(ts.cleanup)

	return ts
}

func (ts *testServer) handleConnection(netConn net.Conn, config *ssh.ServerConfig) {
	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, config)
	if err != nil {
		netConn.Close()
		return
	}
	defer sshConn.Close()

	ts.mu.Lock()
	ts.handshakes++
	ts.mu.Unlock()

	go func() {
		for req := range reqs {
			if req.WantReply {
				req.Reply(true, nil)
			}
		}
	}()

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		ch, requests, err := newChan.Accept()
		if err != nil {
			continue
		}
		go handleSession(ch, requests)
	}
}

type execMsg struct {
	Command string
}

type subsystemMsg struct {
	Name string
}

type exitStatusMsg struct {
	Status uint32
}

func handleSession(ch ssh.Channel, requests <-chan *ssh.Request) {
	defer ch.Close()
	for req := range requests {
		switch req.Type {
		case "exec":
			var msg execMsg
			if err := ssh.Unmarshal(req.Payload, &msg); err != nil {
				if req.WantReply {
					req.Reply(false, nil)
				}
				return
			}
			if req.WantReply {
				req.Reply(true, nil)
			}
			runTestCommand(ch, msg.Command)
			return
		case "subsystem":
			var msg subsystemMsg
			if err := ssh.Unmarshal(req.Payload, &msg); err != nil || msg.Name != "sftp" {
				if req.WantReply {
					req.Reply(false, nil)
				}
				return
			}
			if req.WantReply {
				req.Reply(true, nil)
			}
			if server, err := sftp.NewServer(ch); err == nil {
				server.Serve()
			}
			return
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

func runTestCommand(ch ssh.Channel, cmd string) {
	switch {
	case strings.HasPrefix(cmd, "echo "):
		fmt.Fprintf(ch, "%s\n", strings.TrimPrefix(cmd, "echo "))
		sendExit(ch, 0)
	case cmd == "boom":
		fmt.Fprintf(ch.Stderr(), "boom\n")
		sendExit(ch, 3)
	case cmd == "hang":
		// Block until the channel is torn down; deliberately no exit status.
		io.Copy(io.Discard, ch)
	default:
		fmt.Fprintf(ch, "ok\n")
		sendExit(ch, 0)
	}
}

func sendExit(ch ssh.Channel, status uint32) {
	ch.SendRequest("exit-status", false, ssh.Marshal(exitStatusMsg{Status: status}))
}
