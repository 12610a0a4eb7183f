// Package serialize provides the single-consumer command queue that
// merges writes from the vmstate reader and any number of NBD connection
// workers into one strictly-ordered sequence of calls against the Encoder.
package serialize

import "github.com/vmarchive/writer/vma"

// Serializer drains Write/Stop commands from any number of producers and
// invokes the bound Encoder's Write (or, on Stop, Close) in the order the
// commands were received. This is what guarantees the Encoder only ever
// observes strictly serial calls even though producers run concurrently.
type Serializer struct {
	queue *queue
	done  chan error
}

// New creates a Serializer bound to enc and immediately starts its
// consumer goroutine.
func New(enc *vma.Encoder) *Serializer {
	s := &Serializer{
		queue: newQueue(),
		done:  make(chan error, 1),
	}
	go s.consume(enc)
	return s
}

// Submit enqueues a write for streamID. Safe to call concurrently from any
// number of goroutines, each owning a distinct stream id.
func (s *Serializer) Submit(streamID uint8, offset uint64, data []byte) {
	s.queue.push(command{streamID: streamID, offset: offset, data: data})
}

// Stop enqueues the sentinel that ends the consumer loop and triggers the
// Encoder's Close. Call exactly once, after all producers have finished
// submitting.
func (s *Serializer) Stop() {
	s.queue.push(command{stop: true})
}

// Wait blocks until the consumer has drained the queue and closed the
// Encoder, returning the first error encountered (from either a Write or
// the final Close), or nil on success.
func (s *Serializer) Wait() error {
	return <-s.done
}

func (s *Serializer) consume(enc *vma.Encoder) {
	var firstErr error
	for {
		cmd := s.queue.pop()
		if cmd.stop {
			if err := enc.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
			break
		}
		if firstErr != nil {
			// The Encoder already failed; further calls against it
			// would be driving a corrupt archive. Keep draining so
			// producers (who never block on Submit) don't pile up
			// indefinitely, but stop touching the Encoder.
			continue
		}
		if err := enc.Write(cmd.streamID, cmd.offset, cmd.data); err != nil {
			firstErr = err
		}
	}
	s.done <- firstErr
}
