package nbd

import (
	"encoding/binary"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	size   uint64
	writes []write
}

type write struct {
	offset uint64
	data   []byte
}

func (h *recordingHandler) Write(offset uint64, p []byte) error {
	cp := append([]byte(nil), p...)
	h.writes = append(h.writes, write{offset: offset, data: cp})
	return nil
}

func (h *recordingHandler) Size() uint64 { return h.size }

func readGreeting(t *testing.T, conn net.Conn) {
	t.Helper()
	var buf [18]byte
	_, err := io.ReadFull(conn, buf[:])
	require.NoError(t, err)
	require.Equal(t, passwd, binary.BigEndian.Uint64(buf[0:8]))
	require.Equal(t, optsMagic, binary.BigEndian.Uint64(buf[8:16]))
}

func sendExportRequest(t *testing.T, conn net.Conn, name string) {
	t.Helper()
	var hdr [20]byte
	binary.BigEndian.PutUint64(hdr[4:12], optsMagic)
	binary.BigEndian.PutUint32(hdr[12:16], optExportName)
	binary.BigEndian.PutUint32(hdr[16:20], uint32(len(name)))
	_, err := conn.Write(hdr[:])
	require.NoError(t, err)
	_, err = conn.Write([]byte(name))
	require.NoError(t, err)
}

// E4: negotiation with an unknown export name closes the connection
// silently, no reply, no writes delivered.
func TestServeConn_UnknownExport(t *testing.T) {
	client, server := net.Pipe()
	exports := map[string]ExportHandler{
		"A": &recordingHandler{size: 1024},
	}

	done := make(chan error, 1)
	go func() {
		done <- serveConn(server, exports)
	}()

	readGreeting(t, client)
	sendExportRequest(t, client, "B")

	// The server must not send a negotiation reply: the next read should
	// observe the connection closing, not 134 bytes of reply.
	buf := make([]byte, 1)
	_, err := client.Read(buf)
	require.Error(t, err)

	require.NoError(t, <-done)
}

func TestServeConn_WriteThenDisconnect(t *testing.T) {
	client, server := net.Pipe()
	handler := &recordingHandler{size: 2048}
	exports := map[string]ExportHandler{"drive0": handler}

	done := make(chan error, 1)
	go func() {
		done <- serveConn(server, exports)
	}()

	readGreeting(t, client)
	sendExportRequest(t, client, "drive0")

	var reply [134]byte
	_, err := io.ReadFull(client, reply[:])
	require.NoError(t, err)
	require.EqualValues(t, 2048, binary.BigEndian.Uint64(reply[0:8]))

	payload := []byte("hello-world")
	var req [28]byte
	binary.BigEndian.PutUint32(req[0:4], requestMagic)
	binary.BigEndian.PutUint32(req[4:8], cmdWrite)
	binary.BigEndian.PutUint64(req[8:16], 42)
	binary.BigEndian.PutUint64(req[16:24], 4096)
	binary.BigEndian.PutUint32(req[24:28], uint32(len(payload)))
	_, err = client.Write(req[:])
	require.NoError(t, err)

	// The server replies before reading the payload, and net.Pipe is
	// unbuffered, so the reply must be read before the payload is sent.
	var cmdReply [16]byte
	_, err = io.ReadFull(client, cmdReply[:])
	require.NoError(t, err)
	require.Equal(t, replyMagic, binary.BigEndian.Uint32(cmdReply[0:4]))
	require.EqualValues(t, 0, binary.BigEndian.Uint32(cmdReply[4:8]))
	require.EqualValues(t, 42, binary.BigEndian.Uint64(cmdReply[8:16]))

	_, err = client.Write(payload)
	require.NoError(t, err)

	var disc [28]byte
	binary.BigEndian.PutUint32(disc[0:4], requestMagic)
	binary.BigEndian.PutUint32(disc[4:8], cmdDisconnect)
	_, err = client.Write(disc[:])
	require.NoError(t, err)

	require.NoError(t, <-done)
	require.Len(t, handler.writes, 1)
	require.EqualValues(t, 4096, handler.writes[0].offset)
	require.Equal(t, payload, handler.writes[0].data)
}
