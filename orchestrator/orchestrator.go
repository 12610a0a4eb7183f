// Package orchestrator binds the two listening endpoints, wires the
// vmstate reader and the NBD server to the Serializer as producers, and
// drives the archive writer through its two sequential phases: vmstate
// migration, then disk block-backup.
package orchestrator

import (
	"context"
	"io"
	"net"
	"os"

	"github.com/vmarchive/writer/log"
	"github.com/vmarchive/writer/nbd"
	"github.com/vmarchive/writer/serialize"
	"github.com/vmarchive/writer/vma"
	"github.com/vmarchive/writer/vmaerr"
)

// vmstateChunkSize bounds how much of the vmstate stream is buffered and
// submitted to the Serializer at a time.
const vmstateChunkSize = 256 * 1024

// Drive describes one disk to be backed up: its NBD export name and its
// logical size in bytes.
type Drive struct {
	Name string
	Size uint64
}

// Config holds everything needed to run one backup.
type Config struct {
	OutputPath      string
	VMStateEndpoint string
	BlockEndpoint   string
	Drives          []Drive
}

// Run executes the full writer pipeline: open the archive, declare
// streams, bind both endpoints, signal readiness on ready, drain vmstate
// to EOF, serve the NBD exports until every drive connection terminates,
// then stop and close. It returns a non-nil error if the Encoder failed to
// close cleanly or if any phase hit an unrecoverable I/O or protocol
// error; the vmstate and NBD endpoints are always released before Run
// returns, success or failure.
func Run(ctx context.Context, cfg Config, ready io.Writer) error {
	out, err := os.Create(cfg.OutputPath)
	if err != nil {
		return vmaerr.E(vmaerr.IOError, "creating output file", err)
	}
	defer out.Close()

	enc := vma.New(out)
	vmstateID, err := enc.DeclareStream("vmstate", 0)
	if err != nil {
		return err
	}
	driveIDs := make(map[string]uint8, len(cfg.Drives))
	for _, d := range cfg.Drives {
		id, err := enc.DeclareStream(d.Name, d.Size)
		if err != nil {
			return err
		}
		driveIDs[d.Name] = id
	}

	vmstateLn, err := listenUnix(cfg.VMStateEndpoint)
	if err != nil {
		return err
	}
	defer vmstateLn.Close()

	blockLn, err := listenUnix(cfg.BlockEndpoint)
	if err != nil {
		return err
	}
	defer blockLn.Close()

	ser := serialize.New(enc)

	if _, err := io.WriteString(ready, "Ready\n"); err != nil {
		return vmaerr.E(vmaerr.IOError, "writing readiness line", err)
	}
	if f, ok := ready.(*os.File); ok {
		_ = f.Sync()
	}

	if err := drainVMState(vmstateLn, ser, vmstateID); err != nil {
		ser.Stop()
		_ = ser.Wait()
		return err
	}
	log.Infof("vmstate migration complete, starting block-backup phase")

	server := nbd.NewServer(blockLn)
	for _, d := range cfg.Drives {
		server.AddExport(d.Name, &driveHandler{
			size:     d.Size,
			streamID: driveIDs[d.Name],
			ser:      ser,
		})
	}
	runErr := server.Run(ctx)

	ser.Stop()
	closeErr := ser.Wait()

	if runErr != nil {
		return runErr
	}
	return closeErr
}

// listenUnix binds a UNIX-domain stream socket at path, first unlinking
// any stale socket file left behind by a previous run.
func listenUnix(path string) (net.Listener, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, vmaerr.E(vmaerr.IOError, "removing stale endpoint "+path, err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, vmaerr.E(vmaerr.IOError, "listening on "+path, err)
	}
	return ln, nil
}

// drainVMState accepts the single vmstate connection, reads it to EOF, and
// submits Write commands of up to vmstateChunkSize bytes with a
// monotonically increasing per-stream offset.
func drainVMState(ln net.Listener, ser *serialize.Serializer, streamID uint8) error {
	conn, err := ln.Accept()
	if err != nil {
		return vmaerr.E(vmaerr.IOError, "accepting vmstate connection", err)
	}
	defer conn.Close()

	var offset uint64
	buf := make([]byte, vmstateChunkSize)
	for {
		n, readErr := conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			ser.Submit(streamID, offset, chunk)
			offset += uint64(n)
		}
		if readErr != nil {
			if readErr == io.EOF {
				return nil
			}
			return vmaerr.E(vmaerr.IOError, "reading vmstate", readErr)
		}
	}
}

// driveHandler forwards NBD writes for one drive to the Serializer as
// writes against that drive's stream id.
type driveHandler struct {
	size     uint64
	streamID uint8
	ser      *serialize.Serializer
}

func (h *driveHandler) Write(offset uint64, p []byte) error {
	h.ser.Submit(h.streamID, offset, p)
	return nil
}

func (h *driveHandler) Size() uint64 {
	return h.size
}
