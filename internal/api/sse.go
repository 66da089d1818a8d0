package api

import (
	"errors"
	"net/http"
	"sync"

	"ruleevents/pkg/interfaces"
)

var errStreamClosed = errors.New("stream closed")

// sseStream pushes frames onto a streaming HTTP response.
// Write and Close share mu so nothing touches the ResponseWriter after Close.
type sseStream struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	done    chan struct{}
	closed  bool
}

var _ interfaces.Stream = (*sseStream)(nil)

func newSSEStream(w http.ResponseWriter, flusher http.Flusher) *sseStream {
	return &sseStream{w: w, flusher: flusher, done: make(chan struct{})}
}

func (s *sseStream) Write(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errStreamClosed
	}
	if _, err := s.w.Write(frame); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
	return nil
}
