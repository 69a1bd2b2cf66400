package engine

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultMaxDepth bounds the nesting of processing contexts created by calls.
const DefaultMaxDepth = 32

// Options configures a Processor and every processing context nested under it.
type Options struct {
	// Registry maps node kinds to constructors. Defaults to DefaultRegistry().
	Registry *Registry

	// Loader loads alternate descriptors referenced by calls.
	Loader DocumentLoader

	// Selector evaluates foreach selection expressions.
	Selector Selector

	// Observers receive execution lifecycle notifications.
	Observers Observers

	// Logger is the base logger. Defaults to a disabled logger.
	Logger *zerolog.Logger

	// Output receives the output of echo nodes. Defaults to os.Stdout.
	Output io.Writer

	// JoinTimeout is the default timeout of foreach and call nodes that do
	// not declare one. Zero waits indefinitely.
	JoinTimeout time.Duration

	// MaxDepth bounds nested processing contexts. Defaults to DefaultMaxDepth.
	MaxDepth int
}

func (o Options) withDefaults() Options {
	if o.Registry == nil {
		o.Registry = DefaultRegistry()
	}
	if o.Logger == nil {
		nop := zerolog.Nop()
		o.Logger = &nop
	}
	if o.Output == nil {
		o.Output = os.Stdout
	}
	if _, ok := o.Output.(*syncWriter); !ok {
		o.Output = &syncWriter{w: o.Output}
	}
	if o.MaxDepth <= 0 {
		o.MaxDepth = DefaultMaxDepth
	}
	return o
}

// syncWriter serializes writes from concurrent work items.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
