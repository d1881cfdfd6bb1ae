package dispatch

import (
	"context"
	"io"
	"sync"

	"github.com/ferro-labs/openai-relay/internal/metrics"
)

// streamBody releases the upstream response exactly once: on EOF, on a read
// error, or on the first Close.
type streamBody struct {
	body    io.ReadCloser
	cancel  context.CancelFunc
	once    sync.Once
	onClose func()
	err     error
}

func newStreamBody(body io.ReadCloser, cancel context.CancelFunc, onClose func()) *streamBody {
	metrics.ActiveStreams.Inc()
	return &streamBody{body: body, cancel: cancel, onClose: onClose}
}

func (s *streamBody) Read(p []byte) (int, error) {
	n, err := s.body.Read(p)
	if err != nil {
		s.release()
	}
	return n, err
}

// Close releases the upstream connection. Subsequent calls are no-ops.
func (s *streamBody) Close() error {
	s.release()
	return s.err
}

func (s *streamBody) release() {
	s.once.Do(func() {
		s.err = s.body.Close()
		s.cancel()
		metrics.ActiveStreams.Dec()
		if s.onClose != nil {
			s.onClose()
		}
	})
}
