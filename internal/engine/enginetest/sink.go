package enginetest

import (
	"context"
	"os"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/withObsrvr/hotbackup/internal/storage"
)

// Sink wraps a destination, counts the streams it opens and closes, and
// fails writes to the paths in FailWrite.
type Sink struct {
	storage.Sink
	FailWrite map[string]bool

	mu     sync.Mutex
	opened map[string]int
	closed map[string]int
}

// NewSink wraps s.
func NewSink(s storage.Sink) *Sink {
	return &Sink{
		Sink:      s,
		FailWrite: make(map[string]bool),
		opened:    make(map[string]int),
		closed:    make(map[string]int),
	}
}

// Open implements storage.Sink.
func (s *Sink) Open(ctx context.Context, dst string, hint os.FileInfo, buffered bool) (storage.Stream, error) {
	st, err := s.Sink.Open(ctx, dst, hint, buffered)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.opened[dst]++
	s.mu.Unlock()
	return &stream{Stream: st, sink: s, dst: dst}, nil
}

// Opened reports whether a stream to dst was opened.
func (s *Sink) Opened(dst string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened[dst] > 0
}

// Unclosed returns the destinations with streams still open.
func (s *Sink) Unclosed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for dst, n := range s.opened {
		if s.closed[dst] < n {
			out = append(out, dst)
		}
	}
	sort.Strings(out)
	return out
}

type stream struct {
	storage.Stream
	sink *Sink
	dst  string
}

func (s *stream) Write(p []byte) (int, error) {
	if s.sink.FailWrite[s.dst] {
		return 0, errors.Newf("write %s: no space left on device", s.dst)
	}
	return s.Stream.Write(p)
}

func (s *stream) Close() error {
	s.sink.mu.Lock()
	s.sink.closed[s.dst]++
	s.sink.mu.Unlock()
	return s.Stream.Close()
}
