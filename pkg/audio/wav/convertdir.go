package wav

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	rawExt = ".pcm"
	wavExt = ".wav"

	defaultConcurrency = 4
)

// Source tells where the format used for a conversion came from.
type Source string

const (
	SourceManifest Source = "manifest"
	SourceFileName Source = "filename"
	SourceDefault  Source = "default"
)

// Result describes one successful conversion.
type Result struct {
	RawPath string
	WAVPath string
	Format  Format
	Source  Source
	Bytes   int64
}

// Failure describes one raw file that could not be converted.
type Failure struct {
	RawPath string
	Err     error
}

// Report summarises a [ConvertDir] run.
type Report struct {
	Dir       string
	Converted []Result
	Failures  []Failure
	Duration  time.Duration
}

// ConvertedCount returns the number of files converted.
func (r Report) ConvertedCount() int { return len(r.Converted) }

// SkippedCount returns the number of files that were not converted.
func (r Report) SkippedCount() int { return len(r.Failures) }

// String renders a one-line summary suitable for logs.
func (r Report) String() string {
	return fmt.Sprintf("converted %d, skipped %d in %s", len(r.Converted), len(r.Failures), r.Duration.Round(time.Millisecond))
}

type dirOptions struct {
	concurrency   int
	defaultFormat Format
	onResult      func(Result)
}

// DirOption configures [ConvertDir].
type DirOption func(*dirOptions)

// WithConcurrency bounds the number of files converted in parallel.
// Values below 1 are ignored.
func WithConcurrency(n int) DirOption {
	return func(o *dirOptions) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// WithDefaultFormat overrides [DefaultFormat] for files whose format is
// neither in the manifest nor in their name.
func WithDefaultFormat(f Format) DirOption {
	return func(o *dirOptions) { o.defaultFormat = f.withDefaults() }
}

// WithResultHook registers fn to be called after every successful
// conversion. fn may be called concurrently.
func WithResultHook(fn func(Result)) DirOption {
	return func(o *dirOptions) { o.onResult = fn }
}

// ConvertDir converts every raw .pcm file in dir to a .wav file with the same
// base name. A failing file is recorded in the report and never aborts the
// batch. Cancelling ctx stops scheduling further files.
func ConvertDir(ctx context.Context, dir string, opts ...DirOption) Report {
	o := dirOptions{concurrency: defaultConcurrency, defaultFormat: DefaultFormat}
	for _, fn := range opts {
		fn(&o)
	}

	start := time.Now()
	rep := Report{Dir: dir}

	entries, err := os.ReadDir(dir)
	if err != nil {
		rep.Failures = append(rep.Failures, Failure{RawPath: dir, Err: fmt.Errorf("wav: read dir: %w", err)})
		rep.Duration = time.Since(start)
		return rep
	}

	manifest, err := LoadManifest(dir)
	if err != nil {
		slog.Warn("wav: ignoring unreadable manifest", "dir", dir, "err", err)
		manifest = nil
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(o.concurrency)

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), rawExt) {
			continue
		}
		rawPath := filepath.Join(dir, e.Name())

		if err := ctx.Err(); err != nil {
			mu.Lock()
			rep.Failures = append(rep.Failures, Failure{RawPath: rawPath, Err: err})
			mu.Unlock()
			continue
		}

		g.Go(func() error {
			res, err := convertOne(rawPath, manifest, o.defaultFormat)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				slog.Warn("wav: conversion failed", "path", rawPath, "err", err)
				rep.Failures = append(rep.Failures, Failure{RawPath: rawPath, Err: err})
				return nil
			}
			slog.Debug("wav: converted", "path", res.WAVPath, "source", res.Source,
				"sample_rate", res.Format.SampleRate, "channels", res.Format.Channels)
			rep.Converted = append(rep.Converted, res)
			if o.onResult != nil {
				o.onResult(res)
			}
			return nil
		})
	}
	_ = g.Wait()

	slices.SortFunc(rep.Converted, func(a, b Result) int { return strings.Compare(a.RawPath, b.RawPath) })
	slices.SortFunc(rep.Failures, func(a, b Failure) int { return strings.Compare(a.RawPath, b.RawPath) })
	rep.Duration = time.Since(start)
	return rep
}

func convertOne(rawPath string, m *Manifest, fallback Format) (Result, error) {
	f, src := ResolveFormat(rawPath, m, fallback)
	if src == SourceDefault {
		slog.Warn("wav: format unknown, using default",
			"path", rawPath,
			"sample_rate", f.SampleRate,
			"channels", f.Channels,
		)
	}

	wavPath := strings.TrimSuffix(rawPath, rawExt) + wavExt
	if err := Convert(rawPath, wavPath, f); err != nil {
		return Result{}, err
	}
	info, err := os.Stat(rawPath)
	if err != nil {
		return Result{}, fmt.Errorf("wav: stat source: %w", err)
	}
	return Result{RawPath: rawPath, WAVPath: wavPath, Format: f, Source: src, Bytes: info.Size()}, nil
}

// ResolveFormat picks the format for rawPath: manifest entry first, then
// the file name, then fallback.
func ResolveFormat(rawPath string, m *Manifest, fallback Format) (Format, Source) {
	if e, ok := m.Lookup(rawPath); ok {
		if f := e.Format.withDefaults(); f.Validate() == nil {
			return f, SourceManifest
		}
	}
	if f, ok := ParseFormat(filepath.Base(rawPath)); ok {
		return f, SourceFileName
	}
	return fallback.withDefaults(), SourceDefault
}
