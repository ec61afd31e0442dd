package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/dustin/go-humanize"

	"whatsorganizer/internal/util"
	"whatsorganizer/pkg/chatexport"
	"whatsorganizer/pkg/domain"
	"whatsorganizer/pkg/storage"
)

// ErrObjectStorageDisabled is returned by ProcessObject when no archive source is configured.
var ErrObjectStorageDisabled = errors.New("object storage not configured")

// Config holds runtime configuration.
type Config struct {
	Limits         chatexport.Limits
	HeaderPatterns []string
	// Source is optional; without it ProcessObject reports ErrObjectStorageDisabled.
	Source storage.ArchiveSource
	Logger *slog.Logger
}

// App turns uploaded chat exports into message lists. It keeps no state
// between calls.
type App struct {
	engine *chatexport.Engine
	source storage.ArchiveSource
}

// New constructs the ingest service.
func New(cfg Config) (*App, error) {
	patterns, err := compileHeaderPatterns(cfg.HeaderPatterns)
	if err != nil {
		return nil, err
	}
	return &App{
		engine: chatexport.New(chatexport.Config{
			Limits:         cfg.Limits,
			HeaderPatterns: patterns,
			Logger:         cfg.Logger,
		}),
		source: cfg.Source,
	}, nil
}

// Limits returns the effective archive ceilings.
func (a *App) Limits() chatexport.Limits {
	return a.engine.Limits()
}

// ObjectStorageEnabled reports whether ProcessObject can serve requests.
func (a *App) ObjectStorageEnabled() bool {
	return a.source != nil
}

// Process ingests an archive streamed from r.
func (a *App) Process(ctx context.Context, name string, r io.Reader) ([]domain.Message, error) {
	messages, err := a.engine.IngestReader(r)
	a.logOutcome(ctx, "upload", name, messages, err)
	return messages, err
}

// ProcessObject ingests an archive stored under key in object storage.
func (a *App) ProcessObject(ctx context.Context, key string) ([]domain.Message, error) {
	if a.source == nil {
		return nil, ErrObjectStorageDisabled
	}
	rc, info, err := a.source.Open(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	limit := a.engine.Limits().MaxArchiveBytes
	if info.Size > limit {
		err := fmt.Errorf("object %s is %s, limit %s: %w",
			info.Key, humanize.IBytes(uint64(info.Size)), humanize.IBytes(uint64(limit)), chatexport.ErrArchiveTooLarge)
		a.logOutcome(ctx, "object", key, nil, err)
		return nil, err
	}
	messages, err := a.engine.IngestReader(rc)
	a.logOutcome(ctx, "object", key, messages, err)
	return messages, err
}

func (a *App) logOutcome(ctx context.Context, source, name string, messages []domain.Message, err error) {
	logger := util.LoggerFromContext(ctx)
	if err != nil {
		logger.Warn("chat export rejected", "source", source, "name", name, "err", err)
		return
	}
	logger.Info("chat export processed", "source", source, "name", name, "messages", len(messages))
}

func compileHeaderPatterns(exprs []string) ([]chatexport.HeaderPattern, error) {
	patterns := make([]chatexport.HeaderPattern, 0, len(exprs))
	for i, expr := range exprs {
		expr = strings.TrimSpace(expr)
		if expr == "" {
			continue
		}
		p, err := chatexport.NewHeaderPattern(fmt.Sprintf("custom-%d", i+1), expr)
		if err != nil {
			return nil, fmt.Errorf("header pattern %d: %w", i+1, err)
		}
		patterns = append(patterns, p)
	}
	return patterns, nil
}
