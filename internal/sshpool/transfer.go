// transfer.go implements file transfers over a session's SFTP subsystem.
//
// Both directions guarantee the destination file is either fully written or
// untouched: uploads stream to a remote temp path and rename on success;
// downloads stream to a local temp file and rename on success. A transport
// drop mid-transfer fails the session; a remote-side refusal (missing file,
// permissions) is an ordinary error that leaves the session usable.

package sshpool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/sftp"
)

// ctxReader aborts a copy when its context is cancelled. sftp transfers have
// no native cancellation, so the check happens between chunks.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr ctxReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}

// localReader records read failures from the local side of a transfer so a
// disk error is never mistaken for a lost transport.
type localReader struct {
	r   io.Reader
	err error
}

func (lr *localReader) Read(p []byte) (int, error) {
	n, err := lr.r.Read(p)
	if err != nil && err != io.EOF {
		lr.err = err
	}
	return n, err
}

// classifyRemote separates remote-side refusals from transport failures.
// A StatusError means the server answered (file missing, permission denied)
// and the connection is intact; anything else is treated as a lost transport
// and fails the session.
func (s *Session) classifyRemote(op string, err error) error {
	var statusErr *sftp.StatusError
	if errors.As(err, &statusErr) {
		return fmt.Errorf("%s: %w", op, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	lost := fmt.Errorf("%w: %s: %v", ErrTransportLost, op, err)
	s.fail(lost)
	return lost
}

// Upload copies a local file to remotePath. The data is written to a
// temporary path next to the destination and renamed into place only once
// fully transferred, so a failed upload never leaves a partial remote file.
func (s *Session) Upload(ctx context.Context, localPath, remotePath string) error {
	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open local file: %w", err)
	}
	defer src.Close()

	if err := s.beginOp(); err != nil {
		return err
	}
	defer s.endOp()

	start := time.Now()
	client, err := sftp.NewClient(s.client)
	if err != nil {
		lost := fmt.Errorf("%w: open sftp channel: %v", ErrTransportLost, err)
		s.fail(lost)
		return lost
	}
	defer client.Close()

	tmp := fmt.Sprintf("%s.upload-%d.tmp", remotePath, time.Now().UnixNano())
	dst, err := client.Create(tmp)
	if err != nil {
		return s.classifyRemote("create remote temp file", err)
	}

	lr := &localReader{r: src}
	n, err := io.Copy(dst, ctxReader{ctx: ctx, r: lr})
	if err != nil {
		dst.Close()
		client.Remove(tmp)
		if lr.err != nil {
			return fmt.Errorf("read local file: %w", lr.err)
		}
		return s.classifyRemote("write remote file", err)
	}
	if err := dst.Close(); err != nil {
		client.Remove(tmp)
		return s.classifyRemote("close remote file", err)
	}

	// PosixRename is atomic where the server supports it (OpenSSH does);
	// fall back to the standard rename otherwise.
	if err := client.PosixRename(tmp, remotePath); err != nil {
		if err := client.Rename(tmp, remotePath); err != nil {
			client.Remove(tmp)
			return s.classifyRemote("commit remote file", err)
		}
	}

	log.Printf("[sshpool] uploaded %s to %s:%s (%d bytes, %s)",
		localPath, s.Name, remotePath, n, time.Since(start))
	return nil
}

// Download copies a remote file to localPath. The data is written to a local
// temp file in the destination directory and renamed into place only once
// fully transferred, so a failed download never leaves a partial local file.
func (s *Session) Download(ctx context.Context, remotePath, localPath string) error {
	if err := s.beginOp(); err != nil {
		return err
	}
	defer s.endOp()

	start := time.Now()
	client, err := sftp.NewClient(s.client)
	if err != nil {
		lost := fmt.Errorf("%w: open sftp channel: %v", ErrTransportLost, err)
		s.fail(lost)
		return lost
	}
	defer client.Close()

	src, err := client.Open(remotePath)
	if err != nil {
		return s.classifyRemote("open remote file", err)
	}
	defer src.Close()

	dir := filepath.Dir(localPath)
	tmp, err := os.CreateTemp(dir, ".download-*.tmp")
	if err != nil {
		return fmt.Errorf("create local temp file: %w", err)
	}
	tmpPath := tmp.Name()

	n, err := io.Copy(tmp, ctxReader{ctx: ctx, r: src})
	if err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return s.classifyRemote("read remote file", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync local temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close local temp file: %w", err)
	}
	if err := os.Rename(tmpPath, localPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("commit local file: %w", err)
	}

	log.Printf("[sshpool] downloaded %s:%s to %s (%d bytes, %s)",
		s.Name, remotePath, localPath, n, time.Since(start))
	return nil
}
