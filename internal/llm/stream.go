// Package llm defines the text-generation backends used to rewrite queries.
package llm

import (
	"context"
	"errors"
	"iter"
	"strings"
	"sync"
)

// ErrStreamConsumed is yielded when Fragments is ranged over a second time.
var ErrStreamConsumed = errors.New("llm: stream already consumed")

// ErrEmptyResponse is returned by Collect when the stream yields no text.
var ErrEmptyResponse = errors.New("llm: empty response")

// Message is a single chat turn sent to a backend.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Generator produces a fragment stream for a chat exchange.
type Generator interface {
	Name() string
	ChatStream(ctx context.Context, model string, messages []Message) (*Stream, error)
}

// Stream is a finite, non-restartable sequence of text fragments. recv
// reports done once the backend has sent its final chunk.
type Stream struct {
	recv  func() (fragment string, done bool, err error)
	close func() error

	mu       sync.Mutex
	consumed bool
	closed   bool
}

// NewStream wraps a receive function and a closer. Backends build their
// streams through it.
func NewStream(recv func() (string, bool, error), closeFn func() error) *Stream {
	return &Stream{recv: recv, close: closeFn}
}

// Fragments yields fragments in arrival order. The first error ends the
// sequence. Ranging over it twice yields ErrStreamConsumed.
func (s *Stream) Fragments() iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		s.mu.Lock()
		if s.consumed {
			s.mu.Unlock()
			yield("", ErrStreamConsumed)
			return
		}
		s.consumed = true
		s.mu.Unlock()

		for {
			frag, done, err := s.recv()
			if err != nil {
				yield("", err)
				return
			}
			if frag != "" && !yield(frag, nil) {
				return
			}
			if done {
				return
			}
		}
	}
}

// Close releases the underlying response body. It is safe to call twice.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.close == nil {
		return nil
	}
	s.closed = true
	return s.close()
}

// Collect drains the stream, closes it and returns the concatenated,
// whitespace-trimmed text.
func Collect(s *Stream) (string, error) {
	defer s.Close()

	var b strings.Builder
	for frag, err := range s.Fragments() {
		if err != nil {
			return "", err
		}
		b.WriteString(frag)
	}
	out := strings.TrimSpace(b.String())
	if out == "" {
		return "", ErrEmptyResponse
	}
	return out, nil
}
