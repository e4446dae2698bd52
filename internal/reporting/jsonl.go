package reporting

import (
	"context"
	"fmt"
	"io"
	"sync"

	json "github.com/json-iterator/go"

	"github.com/xkilldash9x/proofwatch/api/schemas"
)

// Record kinds written by the JSONL reporter.
const (
	KindResult     = "result"
	KindCollection = "collection"
)

// Record is one line of JSONL output.
type Record struct {
	Kind       string                     `json:"kind"`
	Result     *schemas.Result            `json:"result,omitempty"`
	Collection *schemas.AccountCollection `json:"collection,omitempty"`
}

// JSONLReporter writes one JSON object per line. It is safe for concurrent use.
type JSONLReporter struct {
	mu     sync.Mutex
	writer io.WriteCloser
	enc    *json.Encoder
}

var _ Reporter = (*JSONLReporter)(nil)

// NewJSONLReporter takes ownership of writer.
func NewJSONLReporter(writer io.WriteCloser) *JSONLReporter {
	return &JSONLReporter{
		writer: writer,
		enc:    json.NewEncoder(writer),
	}
}

func (r *JSONLReporter) write(rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	// Encode terminates each value with a newline.
	if err := r.enc.Encode(rec); err != nil {
		return fmt.Errorf("failed to write %s record: %w", rec.Kind, err)
	}
	return nil
}

// Deliver implements schemas.ResultSink.
func (r *JSONLReporter) Deliver(ctx context.Context, result schemas.Result) error {
	return r.write(Record{Kind: KindResult, Result: &result})
}

// SaveCollection implements schemas.CollectionSink.
func (r *JSONLReporter) SaveCollection(ctx context.Context, col schemas.AccountCollection) error {
	return r.write(Record{Kind: KindCollection, Collection: &col})
}

// Close closes the underlying writer.
func (r *JSONLReporter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writer.Close()
}
