package reporting

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/xkilldash9x/proofwatch/api/schemas"
)

// TextReporter prints one human readable line per result or collection.
type TextReporter struct {
	mu     sync.Mutex
	writer io.WriteCloser
}

var _ Reporter = (*TextReporter)(nil)

func NewTextReporter(writer io.WriteCloser) *TextReporter {
	return &TextReporter{writer: writer}
}

// Deliver implements schemas.ResultSink.
func (r *TextReporter) Deliver(ctx context.Context, result schemas.Result) error {
	return r.println(FormatResult(result))
}

// SaveCollection implements schemas.CollectionSink.
func (r *TextReporter) SaveCollection(ctx context.Context, col schemas.AccountCollection) error {
	return r.println(FormatCollection(col))
}

func (r *TextReporter) println(line string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := fmt.Fprintln(r.writer, line)
	return err
}

func (r *TextReporter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writer.Close()
}

// FormatResult renders a result on one line.
func FormatResult(res schemas.Result) string {
	if res.Payable() {
		p := res.Proof
		return fmt.Sprintf("PROVEN  %s  %s/%s  %s  via=%s confidence=%.2f in %dms",
			res.ActionID, p.Platform, p.ActionType, p.MatchedIdentifier, p.VerificationMethod, p.Confidence, p.DurationMs)
	}
	if f := res.Failure; f != nil {
		stages := "-"
		if len(f.StagesCompleted) > 0 {
			stages = strings.Join(f.StagesCompleted, ",")
		}
		return fmt.Sprintf("FAILED  %s  reason=%s stages=%s attempts=%d in %dms: %s",
			res.ActionID, f.Reason, stages, f.Attempts, f.DurationMs, f.Message)
	}
	return fmt.Sprintf("UNKNOWN %s", res.ActionID)
}

// FormatCollection renders an account collection on one line.
func FormatCollection(col schemas.AccountCollection) string {
	var b strings.Builder
	fmt.Fprintf(&b, "ACCOUNT %s  %s/@%s  followers=%d following=%d posts=%d",
		col.AccountID, col.Platform, col.Handle, col.Profile.FollowerCount, col.Profile.FollowingCount, col.Profile.PostCount)
	if a := col.Analytics; a != nil {
		fmt.Fprintf(&b, " reach=%d impressions=%d", a.Reach, a.Impressions)
		if top := topBucket(a.Countries); top != "" {
			fmt.Fprintf(&b, " top_country=%s", top)
		}
	}
	if col.MissingOptional {
		b.WriteString(" (analytics missing)")
	}
	return b.String()
}

func topBucket(m map[string]float64) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// Ties go to the alphabetically first bucket.
	sort.Slice(keys, func(i, j int) bool {
		if m[keys[i]] != m[keys[j]] {
			return m[keys[i]] > m[keys[j]]
		}
		return keys[i] < keys[j]
	})
	if len(keys) == 0 {
		return ""
	}
	return keys[0]
}
