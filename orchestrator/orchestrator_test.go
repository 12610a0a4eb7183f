package orchestrator

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// runAndServe starts Run in a goroutine against a temp output file and
// fresh socket paths, and returns a function that waits for it to finish.
func runAndServe(t *testing.T, cfg Config) (ready *bytes.Buffer, wait func() error) {
	t.Helper()
	var readyBuf bytes.Buffer
	readyW := &syncBuffer{buf: &readyBuf}

	errCh := make(chan error, 1)
	go func() {
		errCh <- Run(context.Background(), cfg, readyW)
	}()
	return &readyBuf, func() error { return <-errCh }
}

// syncBuffer is the io.Writer handed to Run for the readiness line. It
// adds no locking: Run writes to it once, and the test reads readyBuf only
// after wait() has returned, which orders the read after that write.
type syncBuffer struct {
	buf *bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) { return s.buf.Write(p) }

func waitForFile(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); err == nil {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("socket %s was never created", path)
}

func dialUnix(t *testing.T, path string) net.Conn {
	t.Helper()
	var conn net.Conn
	var err error
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err = net.Dial("unix", path)
		if err == nil {
			return conn
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("could not dial %s: %v", path, err)
	return nil
}

func TestRun_VMStateThenSingleDrive(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{
		OutputPath:      filepath.Join(dir, "archive.vma"),
		VMStateEndpoint: filepath.Join(dir, "incoming.sock"),
		BlockEndpoint:   filepath.Join(dir, "nbd.sock"),
		Drives:          []Drive{{Name: "drive0", Size: 1048576}},
	}

	ready, wait := runAndServe(t, cfg)

	waitForFile(t, cfg.VMStateEndpoint)
	vmstateConn := dialUnix(t, cfg.VMStateEndpoint)
	vmstatePayload := []byte("cpu-and-device-state")
	_, err := vmstateConn.Write(vmstatePayload)
	require.NoError(t, err)
	require.NoError(t, vmstateConn.Close())

	waitForFile(t, cfg.BlockEndpoint)
	nbdConn := dialUnix(t, cfg.BlockEndpoint)
	negotiateAndDisconnect(t, nbdConn, "drive0")

	require.NoError(t, wait())
	require.Equal(t, "Ready\n", ready.String())

	info, err := os.Stat(cfg.OutputPath)
	require.NoError(t, err)
	require.True(t, info.Size() > 0)
}

// negotiateAndDisconnect performs the NBD handshake for name and
// immediately disconnects, without writing any data.
func negotiateAndDisconnect(t *testing.T, conn net.Conn, name string) {
	t.Helper()
	defer conn.Close()

	var greeting [18]byte
	_, err := io.ReadFull(conn, greeting[:])
	require.NoError(t, err)

	var hdr [20]byte
	binary.BigEndian.PutUint64(hdr[4:12], 0x49484156454F5054)
	binary.BigEndian.PutUint32(hdr[12:16], 1)
	binary.BigEndian.PutUint32(hdr[16:20], uint32(len(name)))
	_, err = conn.Write(hdr[:])
	require.NoError(t, err)
	_, err = conn.Write([]byte(name))
	require.NoError(t, err)

	var reply [134]byte
	_, err = io.ReadFull(conn, reply[:])
	require.NoError(t, err)

	var disc [28]byte
	binary.BigEndian.PutUint32(disc[0:4], 0x25609513)
	binary.BigEndian.PutUint32(disc[4:8], 2)
	_, err = conn.Write(disc[:])
	require.NoError(t, err)
}
