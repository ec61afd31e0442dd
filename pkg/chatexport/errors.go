package chatexport

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by Ingest. Match them with errors.Is.
var (
	ErrUnsafeArchiveEntry = errors.New("unsafe archive entry")
	ErrArchiveTooLarge    = errors.New("archive too large")
	ErrMissingTranscript  = errors.New("missing transcript")
	ErrCorruptArchive     = errors.New("corrupt archive")
)

// Stage names the pipeline step that rejected an archive.
type Stage string

const (
	StageArchive    Stage = "archive"
	StageTranscript Stage = "transcript"
)

// Error is the single failure type returned by the ingestion pipeline.
// Reason is safe to show to the uploader; it never contains server paths.
type Error struct {
	Stage  Stage
	Kind   error
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s: %v", e.Stage, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %s", e.Stage, e.Kind, e.Reason)
}

// Unwrap exposes both the kind sentinel and the underlying cause.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func unsafeEntry(name, format string, args ...any) *Error {
	return &Error{
		Stage:  StageArchive,
		Kind:   ErrUnsafeArchiveEntry,
		Reason: fmt.Sprintf("%q: ", name) + fmt.Sprintf(format, args...),
	}
}

func tooLarge(format string, args ...any) *Error {
	return &Error{
		Stage:  StageArchive,
		Kind:   ErrArchiveTooLarge,
		Reason: fmt.Sprintf(format, args...),
	}
}

func corrupt(reason string, err error) *Error {
	return &Error{
		Stage:  StageArchive,
		Kind:   ErrCorruptArchive,
		Reason: reason,
		Err:    err,
	}
}

func missingTranscript(reason string) *Error {
	return &Error{
		Stage:  StageTranscript,
		Kind:   ErrMissingTranscript,
		Reason: reason,
	}
}
