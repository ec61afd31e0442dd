// Package chatexport turns a zipped chat export into ordered message records.
//
// The pipeline runs strictly forward: the archive is validated and read into
// memory, the chat log is located and tokenized, media references are matched
// against the other archive entries, and messages are numbered 1..N. The first
// failing stage aborts the call with an *Error; partial results are never returned.
//
// An Engine holds only immutable configuration and may be shared by goroutines
// ingesting independent archives.
package chatexport

import (
	"errors"
	"io"
	"log/slog"

	"github.com/dustin/go-humanize"
	"whatsorganizer/pkg/domain"
)

// Config configures an Engine.
type Config struct {
	Limits Limits
	// HeaderPatterns are tried before the built-in patterns.
	HeaderPatterns []HeaderPattern
	Logger         *slog.Logger
}

// Engine ingests chat export archives.
type Engine struct {
	limits    Limits
	tokenizer *Tokenizer
	logger    *slog.Logger
}

// New constructs an Engine. Zero limits fall back to DefaultLimits.
func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	patterns := make([]HeaderPattern, 0, len(cfg.HeaderPatterns)+len(defaultHeaderPatterns))
	patterns = append(patterns, cfg.HeaderPatterns...)
	patterns = append(patterns, defaultHeaderPatterns...)
	return &Engine{
		limits:    cfg.Limits.normalize(),
		tokenizer: NewTokenizer(patterns),
		logger:    logger,
	}
}

// Ingest is a convenience for New(Config{Limits: limits}).Ingest(data).
func Ingest(data []byte, limits Limits) ([]domain.Message, error) {
	return New(Config{Limits: limits}).Ingest(data)
}

// Limits returns the effective ceilings.
func (e *Engine) Limits() Limits {
	return e.limits
}

// Ingest parses a zip archive held in memory.
func (e *Engine) Ingest(data []byte) ([]domain.Message, error) {
	files, err := ReadArchive(data, e.limits)
	if err != nil {
		e.reject(err)
		return nil, err
	}
	idx, text, err := e.tokenizer.FindTranscript(files)
	if err != nil {
		e.reject(err)
		return nil, err
	}
	parsed, orphans := e.tokenizer.tokenize(text)
	res := newResolver(files, idx)
	messages := Assemble(parsed, res.Resolve)

	attached := 0
	for _, m := range messages {
		if m.HasAttachment() {
			attached++
		}
	}
	e.logger.Debug("chat export ingested",
		"entries", len(files),
		"transcript", files[idx].Path,
		"messages", len(messages),
		"attachments", attached,
		"orphan_lines", orphans,
	)
	return messages, nil
}

// IngestReader reads at most the archive ceiling from r and ingests it.
func (e *Engine) IngestReader(r io.Reader) ([]domain.Message, error) {
	data, err := io.ReadAll(io.LimitReader(r, e.limits.MaxArchiveBytes+1))
	if err != nil {
		return nil, corrupt("cannot read upload", err)
	}
	if int64(len(data)) > e.limits.MaxArchiveBytes {
		err := tooLarge("archive exceeds %s", humanize.IBytes(uint64(e.limits.MaxArchiveBytes)))
		e.reject(err)
		return nil, err
	}
	return e.Ingest(data)
}

func (e *Engine) reject(err error) {
	var ingestErr *Error
	if errors.As(err, &ingestErr) {
		e.logger.Debug("chat export rejected", "stage", ingestErr.Stage, "kind", ingestErr.Kind.Error(), "reason", ingestErr.Reason)
		return
	}
	e.logger.Debug("chat export rejected", "err", err)
}
