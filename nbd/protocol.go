// Package nbd implements a minimal, server-side, write-only subset of the
// standard network-block-device wire protocol: enough to negotiate a
// single export per connection and accept WRITE/DISCONNECT commands. It is
// not a general NBD server — there is no read support, no multi-export
// renegotiation, and no structured replies.
package nbd

import (
	"encoding/binary"
	"io"

	"github.com/vmarchive/writer/vmaerr"
)

const (
	passwd    uint64 = 0x4E42444D41474943
	optsMagic uint64 = 0x49484156454F5054

	optExportName uint32 = 1

	requestMagic uint32 = 0x25609513
	replyMagic   uint32 = 0x67446698

	cmdWrite      uint32 = 1
	cmdDisconnect uint32 = 2
)

// ExportHandler receives the writes for a single negotiated export.
type ExportHandler interface {
	// Write delivers the payload of one WRITE command at its requested
	// offset. The server does not check offset or length against Size.
	Write(offset uint64, p []byte) error
	// Size is reported to the client during negotiation.
	Size() uint64
}

type request struct {
	typ    uint32
	handle uint64
	offset uint64
	length uint32
}

// readFull reads exactly len(buf) bytes or returns a ProtocolError; any
// short read (including a clean EOF before the buffer is full) is fatal to
// the connection per the wire contract.
func readFull(r io.Reader, buf []byte) error {
	if _, err := io.ReadFull(r, buf); err != nil {
		return vmaerr.E(vmaerr.ProtocolError, "short read", err)
	}
	return nil
}

// negotiate performs the fixed two-message NBD handshake and returns the
// handler for the requested export, or nil if the export name is unknown
// (in which case the caller must close the connection without replying).
func negotiate(rw io.ReadWriter, exports map[string]ExportHandler) (ExportHandler, error) {
	var greeting [18]byte
	binary.BigEndian.PutUint64(greeting[0:8], passwd)
	binary.BigEndian.PutUint64(greeting[8:16], optsMagic)
	binary.BigEndian.PutUint16(greeting[16:18], 0)
	if _, err := rw.Write(greeting[:]); err != nil {
		return nil, vmaerr.E(vmaerr.IOError, "sending negotiation greeting", err)
	}

	var opt [20]byte
	if err := readFull(rw, opt[:]); err != nil {
		return nil, err
	}
	gotMagic := binary.BigEndian.Uint64(opt[4:12])
	gotOpt := binary.BigEndian.Uint32(opt[12:16])
	nameLen := binary.BigEndian.Uint32(opt[16:20])
	if gotMagic != optsMagic {
		return nil, vmaerr.E(vmaerr.ProtocolError, "bad options magic")
	}
	if gotOpt != optExportName {
		return nil, vmaerr.E(vmaerr.ProtocolError, "unsupported option")
	}

	name := make([]byte, nameLen)
	if err := readFull(rw, name); err != nil {
		return nil, err
	}

	handler, ok := exports[string(name)]
	if !ok {
		return nil, nil
	}

	var reply [134]byte
	binary.BigEndian.PutUint64(reply[0:8], handler.Size())
	binary.BigEndian.PutUint16(reply[8:10], 0)
	if _, err := rw.Write(reply[:]); err != nil {
		return nil, vmaerr.E(vmaerr.IOError, "sending negotiation reply", err)
	}
	return handler, nil
}

// readRequest parses one 28-byte command request.
func readRequest(r io.Reader) (request, error) {
	var buf [28]byte
	if err := readFull(r, buf[:]); err != nil {
		return request{}, err
	}
	gotMagic := binary.BigEndian.Uint32(buf[0:4])
	if gotMagic != requestMagic {
		return request{}, vmaerr.E(vmaerr.ProtocolError, "bad request magic")
	}
	return request{
		typ:    binary.BigEndian.Uint32(buf[4:8]),
		handle: binary.BigEndian.Uint64(buf[8:16]),
		offset: binary.BigEndian.Uint64(buf[16:24]),
		length: binary.BigEndian.Uint32(buf[24:28]),
	}, nil
}

// writeReply sends the 16-byte command reply.
func writeReply(w io.Writer, errno uint32, handle uint64) error {
	var buf [16]byte
	binary.BigEndian.PutUint32(buf[0:4], replyMagic)
	binary.BigEndian.PutUint32(buf[4:8], errno)
	binary.BigEndian.PutUint64(buf[8:16], handle)
	if _, err := w.Write(buf[:]); err != nil {
		return vmaerr.E(vmaerr.IOError, "sending reply", err)
	}
	return nil
}
