package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"runtime"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"whatsorganizer/internal/util"
	"whatsorganizer/pkg/chatexport"
	"whatsorganizer/pkg/domain"
)

type options struct {
	pretty        bool
	jobs          int
	maxArchive    string
	maxEntry      string
	maxTotal      string
	maxEntries    int
	logLevel      string
	headerPattern []string
}

type result struct {
	name     string
	messages []domain.Message
	err      error
}

func newRootCmd(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	opts := options{}
	cmd := &cobra.Command{
		Use:   "chatexport [flags] <archive.zip>...",
		Short: "Convert exported chat archives into JSON message lists",
		Long: "Reads one or more zipped chat exports and prints their messages as JSON.\n" +
			"A single archive prints an array; several print an object keyed by path.\n" +
			"Use - to read an archive from stdin.",
		Version:       version,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts, args, stdin, stdout, stderr)
		},
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	flags := cmd.Flags()
	flags.BoolVar(&opts.pretty, "pretty", false, "indent JSON output")
	flags.IntVarP(&opts.jobs, "jobs", "j", runtime.GOMAXPROCS(0), "archives processed in parallel")
	flags.StringVar(&opts.maxArchive, "max-archive-bytes", "", "archive size ceiling, e.g. 64MiB")
	flags.StringVar(&opts.maxEntry, "max-entry-bytes", "", "per-entry uncompressed ceiling, e.g. 32MiB")
	flags.StringVar(&opts.maxTotal, "max-total-bytes", "", "total uncompressed ceiling, e.g. 256MiB")
	flags.IntVar(&opts.maxEntries, "max-entries", 0, "maximum number of archive entries")
	flags.StringVar(&opts.logLevel, "log-level", "warn", "debug, info, warn or error")
	flags.StringArrayVar(&opts.headerPattern, "header-pattern", nil, "extra header regex with groups date, time and rest (repeatable)")
	return cmd
}

func (o options) limits() (chatexport.Limits, error) {
	var limits chatexport.Limits
	for _, f := range []struct {
		flag  string
		value string
		dst   *int64
	}{
		{"--max-archive-bytes", o.maxArchive, &limits.MaxArchiveBytes},
		{"--max-entry-bytes", o.maxEntry, &limits.MaxEntryBytes},
		{"--max-total-bytes", o.maxTotal, &limits.MaxTotalBytes},
	} {
		if f.value == "" {
			continue
		}
		n, err := humanize.ParseBytes(f.value)
		if err != nil {
			return limits, fmt.Errorf("%s: %w", f.flag, err)
		}
		if n > math.MaxInt64 {
			return limits, fmt.Errorf("%s: %s is out of range", f.flag, f.value)
		}
		*f.dst = int64(n)
	}
	if o.maxEntries < 0 {
		return limits, errors.New("--max-entries must be >= 0")
	}
	limits.MaxEntries = o.maxEntries
	return limits, nil
}

func run(ctx context.Context, opts options, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := checkArgs(args); err != nil {
		return err
	}
	limits, err := opts.limits()
	if err != nil {
		return err
	}
	patterns := make([]chatexport.HeaderPattern, 0, len(opts.headerPattern))
	for i, expr := range opts.headerPattern {
		p, err := chatexport.NewHeaderPattern(fmt.Sprintf("flag-%d", i+1), expr)
		if err != nil {
			return err
		}
		patterns = append(patterns, p)
	}
	engine := chatexport.New(chatexport.Config{
		Limits:         limits,
		HeaderPatterns: patterns,
		Logger:         util.NewLogger(stderr, "chatexport", opts.logLevel),
	})

	results := make([]result, len(args))
	g, gctx := errgroup.WithContext(ctx)
	jobs := opts.jobs
	if jobs < 1 {
		jobs = 1
	}
	g.SetLimit(jobs)
	for i, name := range args {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				results[i] = result{name: name, err: err}
				return nil
			}
			msgs, err := ingestPath(engine, name, stdin)
			results[i] = result{name: name, messages: msgs, err: err}
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, r := range results {
		if r.err != nil {
			failed++
			fmt.Fprintf(stderr, "%s: %v\n", r.name, r.err)
		}
	}

	var payload any
	if len(args) == 1 {
		if failed > 0 {
			return fmt.Errorf("%d of %d archives failed", failed, len(args))
		}
		payload = results[0].messages
	} else {
		byName := make(map[string][]domain.Message, len(results))
		for _, r := range results {
			if r.err == nil {
				byName[r.name] = r.messages
			}
		}
		payload = byName
	}

	enc := json.NewEncoder(stdout)
	if opts.pretty {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(payload); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d archives failed", failed, len(args))
	}
	return nil
}

// checkArgs rejects repeated arguments. Output is keyed by argument, and stdin
// can only be consumed once.
func checkArgs(args []string) error {
	seen := make(map[string]struct{}, len(args))
	for _, name := range args {
		if _, dup := seen[name]; dup {
			if name == "-" {
				return errors.New("stdin (-) may be given only once")
			}
			return fmt.Errorf("archive %q given more than once", name)
		}
		seen[name] = struct{}{}
	}
	return nil
}

func ingestPath(engine *chatexport.Engine, name string, stdin io.Reader) ([]domain.Message, error) {
	if name == "-" {
		return engine.IngestReader(stdin)
	}
	info, err := os.Stat(name)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", name)
	}
	if info.Size() > engine.Limits().MaxArchiveBytes {
		return nil, fmt.Errorf("%s exceeds %s: %w", humanize.IBytes(uint64(info.Size())),
			humanize.IBytes(uint64(engine.Limits().MaxArchiveBytes)), chatexport.ErrArchiveTooLarge)
	}
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return engine.IngestReader(f)
}
