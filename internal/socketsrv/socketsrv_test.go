package socketsrv

import (
	"bufio"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

// echoDispatcher reflects every request line back as the response, so
// tests can exercise the connection/line-framing behavior without
// depending on the real dispatcher.
type echoDispatcher struct {
	activity atomic.Int64
}

func (e *echoDispatcher) HandleLine(line []byte) ([]byte, bool) {
	e.activity.Store(time.Now().UnixNano())
	out := make([]byte, len(line))
	copy(out, line)
	if len(out) == 0 || out[len(out)-1] != '\n' {
		out = append(out, '\n')
	}
	return out, true
}

func (e *echoDispatcher) LastActivity() int64 { return e.activity.Load() }

func startTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "test.sock")
	pidPath := filepath.Join(dir, "test.pid")

	srv := New(sockPath, pidPath, &echoDispatcher{}, nil, nil)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(sockPath); err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Cleanup(func() {
		srv.Shutdown()
	})
	return srv, sockPath
}

func TestSocketCreatedWithRestrictivePermissions(t *testing.T) {
	_, sockPath := startTestServer(t)
	info, err := os.Stat(sockPath)
	if err != nil {
		t.Fatalf("stat socket: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("expected mode 0600, got %o", perm)
	}
}

func TestPIDFileWritten(t *testing.T) {
	_, sockPath := startTestServer(t)
	pidPath := filepath.Join(filepath.Dir(sockPath), "test.pid")
	data, err := os.ReadFile(pidPath)
	if err != nil {
		t.Fatalf("read pid file: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("expected non-empty pid file")
	}
}

func TestConnectionHandlesMultipleRequestsInOrder(t *testing.T) {
	_, sockPath := startTestServer(t)

	conn, err := net.Dial("unix", sockPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	reader := bufio.NewReader(conn)
	for _, line := range []string{"first\n", "second\n", "third\n"} {
		if _, err := conn.Write([]byte(line)); err != nil {
			t.Fatalf("write: %v", err)
		}
		got, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if got != line {
			t.Fatalf("expected echo %q, got %q", line, got)
		}
	}
}

func TestShutdownRemovesSocketAndPIDFile(t *testing.T) {
	srv, sockPath := startTestServer(t)
	pidPath := filepath.Join(filepath.Dir(sockPath), "test.pid")

	srv.Shutdown()
	time.Sleep(50 * time.Millisecond)

	if _, err := os.Stat(sockPath); !os.IsNotExist(err) {
		t.Fatalf("expected socket removed, stat err: %v", err)
	}
	if _, err := os.Stat(pidPath); !os.IsNotExist(err) {
		t.Fatalf("expected pid file removed, stat err: %v", err)
	}
}

func TestStaleSocketFileIsRemovedOnStart(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "stale.sock")
	pidPath := filepath.Join(dir, "stale.pid")
	if err := os.WriteFile(sockPath, []byte("stale"), 0o600); err != nil {
		t.Fatalf("seed stale socket file: %v", err)
	}

	srv := New(sockPath, pidPath, &echoDispatcher{}, nil, nil)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	defer srv.Shutdown()

	deadline := time.Now().Add(2 * time.Second)
	var dialErr error
	for time.Now().Before(deadline) {
		conn, err := net.Dial("unix", sockPath)
		if err == nil {
			conn.Close()
			return
		}
		dialErr = err
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("never able to dial freshly bound socket: %v", dialErr)
}
