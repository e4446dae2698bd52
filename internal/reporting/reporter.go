// internal/reporting/reporter.go
package reporting

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/xkilldash9x/proofwatch/api/schemas"
)

// Reporter writes terminal results and account collections to an output.
type Reporter interface {
	schemas.ResultSink
	schemas.CollectionSink
	// Close finalizes the report and closes any underlying resources (e.g., file handles).
	Close() error
}

// nopWriteCloser wraps an io.Writer and provides a no-op Close method.
type nopWriteCloser struct {
	io.Writer
}

func (nwc *nopWriteCloser) Close() error {
	return nil
}

// New creates a new reporter based on the specified format and output path.
// An empty path or "stdout" writes to standard output; files are appended to.
func New(format, outputPath string) (Reporter, error) {
	if err := checkFormat(format); err != nil {
		return nil, err
	}

	var writer io.WriteCloser
	if outputPath == "" || outputPath == "stdout" {
		// Wrap Stdout so Close() is a no-op.
		writer = &nopWriteCloser{os.Stdout}
	} else {
		f, err := os.OpenFile(outputPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open output file %s: %w", outputPath, err)
		}
		writer = f
	}
	return newReporter(format, writer), nil
}

// NewWriter creates a reporter on w. Closing it does not close w.
func NewWriter(format string, w io.Writer) (Reporter, error) {
	if err := checkFormat(format); err != nil {
		return nil, err
	}
	return newReporter(format, &nopWriteCloser{w}), nil
}

func checkFormat(format string) error {
	switch format {
	case "jsonl", "json", "text":
		return nil
	}
	return fmt.Errorf("unsupported output format: %s", format)
}

func newReporter(format string, writer io.WriteCloser) Reporter {
	if format == "text" {
		return NewTextReporter(writer)
	}
	return NewJSONLReporter(writer)
}

// MultiSink fans every result and collection out to several sinks. Each sink
// is tried even when an earlier one fails.
type MultiSink struct {
	results     []schemas.ResultSink
	collections []schemas.CollectionSink
	closers     []io.Closer
}

// NewMultiSink builds a fan-out over sinks. A sink that also implements
// CollectionSink or io.Closer is used for those too; nil sinks are skipped.
func NewMultiSink(sinks ...schemas.ResultSink) *MultiSink {
	m := &MultiSink{}
	for _, s := range sinks {
		if s == nil {
			continue
		}
		m.results = append(m.results, s)
		if c, ok := s.(schemas.CollectionSink); ok {
			m.collections = append(m.collections, c)
		}
		if c, ok := s.(io.Closer); ok {
			m.closers = append(m.closers, c)
		}
	}
	return m
}

var _ Reporter = (*MultiSink)(nil)

// Deliver implements schemas.ResultSink.
func (m *MultiSink) Deliver(ctx context.Context, result schemas.Result) error {
	var errs []error
	for _, s := range m.results {
		if err := s.Deliver(ctx, result); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SaveCollection implements schemas.CollectionSink.
func (m *MultiSink) SaveCollection(ctx context.Context, col schemas.AccountCollection) error {
	var errs []error
	for _, s := range m.collections {
		if err := s.SaveCollection(ctx, col); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink that can be closed.
func (m *MultiSink) Close() error {
	var errs []error
	for _, c := range m.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
