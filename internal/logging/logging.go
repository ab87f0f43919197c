package logging

import (
	"bytes"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/anneal-io/anneal/internal/resource"
)

// Options describes logger configuration supplied at creation time.
type Options struct {
	Level   string
	Console bool // human-readable console output instead of JSON
	Writer  io.Writer
}

// New builds the process logger. Every line passes through the returned
// Scrubber, which replaces registered secret values before they reach
// the sink. Callers register values as secrets are resolved.
func New(opts Options) (zerolog.Logger, *Scrubber, error) {
	writer := opts.Writer
	if writer == nil {
		writer = os.Stderr
	}

	level := zerolog.InfoLevel
	if opts.Level != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(opts.Level))
		if err != nil {
			return zerolog.Nop(), nil, err
		}
		level = parsed
	}

	scrubber := NewScrubber(writer)

	var output io.Writer = scrubber
	if opts.Console {
		console := zerolog.NewConsoleWriter()
		console.Out = scrubber
		console.TimeFormat = time.RFC3339
		output = console
	}

	logger := zerolog.New(output).Level(level).With().Timestamp().Logger()
	return logger, scrubber, nil
}

// Scrubber is an io.Writer that replaces registered sensitive values
// with a redaction placeholder. It is a backstop: code never logs
// secret material on purpose, and Secret values print redacted anyway.
type Scrubber struct {
	mu     sync.RWMutex
	out    io.Writer
	values [][]byte
}

func NewScrubber(out io.Writer) *Scrubber {
	return &Scrubber{out: out}
}

// Add registers a sensitive value. Values too short to be meaningful
// secrets are ignored so common substrings don't get mangled.
func (s *Scrubber) Add(value string) {
	if len(value) < 4 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.values {
		if string(v) == value {
			return
		}
	}
	s.values = append(s.values, []byte(value))
}

func (s *Scrubber) Write(p []byte) (int, error) {
	s.mu.RLock()
	scrubbed := p
	for _, v := range s.values {
		scrubbed = bytes.ReplaceAll(scrubbed, v, []byte(resource.Redacted))
	}
	s.mu.RUnlock()

	if _, err := s.out.Write(scrubbed); err != nil {
		return 0, err
	}
	// Report the consumed length, not the transformed one.
	return len(p), nil
}
