package nbd

import (
	"context"
	"io"
	"net"

	"golang.org/x/sync/errgroup"

	"github.com/vmarchive/writer/log"
	"github.com/vmarchive/writer/vmaerr"
)

// Server accepts exactly as many connections as it has registered exports,
// one connection per export, and serves each on its own goroutine.
type Server struct {
	ln      net.Listener
	exports map[string]ExportHandler
}

// NewServer binds the server to an already-listening endpoint.
func NewServer(ln net.Listener) *Server {
	return &Server{ln: ln, exports: make(map[string]ExportHandler)}
}

// AddExport registers a handler for the given export name. Must be called
// before Run.
func (s *Server) AddExport(name string, h ExportHandler) {
	s.exports[name] = h
}

// Run accepts len(exports) connections and blocks until every one of their
// serving goroutines has finished (cleanly or with an error). The first
// worker error is returned; the remaining connections are unaffected by
// one another's failure.
func (s *Server) Run(ctx context.Context) error {
	g, _ := errgroup.WithContext(ctx)
	for i := 0; i < len(s.exports); i++ {
		conn, err := s.ln.Accept()
		if err != nil {
			return vmaerr.E(vmaerr.IOError, "accepting nbd connection", err)
		}
		g.Go(func() error {
			return serveConn(conn, s.exports)
		})
	}
	return g.Wait()
}

// serveConn drives one connection: negotiate, then loop over WRITE /
// DISCONNECT commands until the client disconnects or a fatal protocol or
// I/O error occurs. Errors returned from a handler's Write are swallowed
// here by design (the reply has already been sent); they surface later,
// when the Encoder's sink reports a failure at close time.
func serveConn(conn net.Conn, exports map[string]ExportHandler) error {
	defer conn.Close()

	handler, err := negotiate(conn, exports)
	if err != nil {
		return err
	}
	if handler == nil {
		// Unknown export name: close silently, no reply.
		return nil
	}

	for {
		req, err := readRequest(conn)
		if err != nil {
			return err
		}
		switch req.typ {
		case cmdWrite:
			// Reply before invoking the handler so internal handler
			// errors are never propagated to the client.
			if err := writeReply(conn, 0, req.handle); err != nil {
				return err
			}
			payload := make([]byte, req.length)
			if _, err := io.ReadFull(conn, payload); err != nil {
				return vmaerr.E(vmaerr.ProtocolError, "short read of write payload", err)
			}
			_ = handler.Write(req.offset, payload)
		case cmdDisconnect:
			return nil
		default:
			log.Errorf("nbd: unrecognized command type %#x, closing connection", req.typ)
			return nil
		}
	}
}
