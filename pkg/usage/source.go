package usage

import (
	"context"
	"iter"
)

// Source produces usage records from a single input such as a transcript.
//
// Records returns a lazy, finite sequence. Calling Records again restarts
// the sequence from the beginning. Implementations must yield records of
// the same execution in non-decreasing timestamp order and should stop
// yielding once ctx is done.
type Source interface {
	// Name identifies the source and is recorded as the cost source of
	// every event derived from it.
	Name() string

	// Records returns the record sequence. A non-nil error ends the
	// sequence.
	Records(ctx context.Context) iter.Seq2[Record, error]
}

// SliceSource is a Source over an in-memory slice.
type SliceSource struct {
	name    string
	records []Record
}

// NewSliceSource creates a Source yielding records in order.
func NewSliceSource(name string, records ...Record) *SliceSource {
	return &SliceSource{name: name, records: records}
}

// Name implements Source.
func (s *SliceSource) Name() string {
	return s.name
}

// Records implements Source.
func (s *SliceSource) Records(ctx context.Context) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		for _, rec := range s.records {
			if err := ctx.Err(); err != nil {
				yield(Record{}, err)
				return
			}
			if rec.Source == "" {
				rec.Source = s.name
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}
