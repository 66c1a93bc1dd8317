package transcript

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"mercator-hq/tally/pkg/usage"
)

// Format identifies a transcript encoding.
type Format string

const (
	FormatJSON      Format = "json"
	FormatJSONLines Format = "jsonl"
)

// FormatForPath picks the format from a file extension.
func FormatForPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jsonl", ".ndjson":
		return FormatJSONLines
	}
	return FormatJSON
}

// ParseError reports malformed transcript input.
type ParseError struct {
	Source string
	// Line is the 1-based line for JSON Lines input, zero otherwise.
	Line  int
	Cause error
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("transcript %s:%d: %v", e.Source, e.Line, e.Cause)
	}
	return fmt.Sprintf("transcript %s: %v", e.Source, e.Cause)
}

// Unwrap returns the underlying cause error.
func (e *ParseError) Unwrap() error {
	return e.Cause
}

// Transcript is one execution in the JSON transcript format.
type Transcript struct {
	ExecutionID      string            `json:"execution_id"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	ModelInvocations []ModelInvocation `json:"model_invocations"`
	ToolCalls        []ToolCall        `json:"tool_calls"`
}

// ModelInvocation is one model call.
type ModelInvocation struct {
	ID        string    `json:"id,omitempty"`
	Model     string    `json:"model"`
	Action    string    `json:"action,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Provider  string    `json:"provider,omitempty"`

	PromptTokens     *decimal.Decimal `json:"prompt_tokens,omitempty"`
	CompletionTokens *decimal.Decimal `json:"completion_tokens,omitempty"`
	// Tokens is used when the call does not split prompt and completion.
	Tokens *decimal.Decimal `json:"tokens,omitempty"`

	PricingVersion uint64            `json:"pricing_version,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// ToolCall is one tool or external API invocation.
type ToolCall struct {
	ID        string    `json:"id,omitempty"`
	Tool      string    `json:"tool"`
	Action    string    `json:"action,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	// Unit defaults to call; Quantity defaults to one.
	Unit     usage.Unit       `json:"unit,omitempty"`
	Quantity *decimal.Decimal `json:"quantity,omitempty"`

	PricingVersion uint64            `json:"pricing_version,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Dimension names used for model token breakdowns.
const (
	DimensionPrompt     = "prompt"
	DimensionCompletion = "completion"
)

// DefaultModelAction is the action recorded for invocations that name none.
const DefaultModelAction = "invoke"

// Records converts the transcript to usage records ordered by timestamp.
// Model invocations precede tool calls with the same timestamp.
func (t *Transcript) Records(source string) ([]usage.Record, error) {
	if t.ExecutionID == "" {
		return nil, errors.New("execution_id is required")
	}
	out := make([]usage.Record, 0, len(t.ModelInvocations)+len(t.ToolCalls))
	for i, inv := range t.ModelInvocations {
		if inv.Model == "" {
			return nil, fmt.Errorf("model_invocations[%d]: model is required", i)
		}
		out = append(out, t.invocationRecord(inv, source))
	}
	for i, call := range t.ToolCalls {
		if call.Tool == "" {
			return nil, fmt.Errorf("tool_calls[%d]: tool is required", i)
		}
		out = append(out, t.toolRecord(call, source))
	}
	usage.SortByTimestamp(out)
	return out, nil
}

func (t *Transcript) invocationRecord(inv ModelInvocation, source string) usage.Record {
	action := inv.Action
	if action == "" {
		action = DefaultModelAction
	}
	rec := usage.Record{
		ID:             inv.ID,
		ExecutionID:    t.ExecutionID,
		Component:      inv.Model,
		Action:         action,
		Unit:           usage.UnitToken,
		PricingVersion: inv.PricingVersion,
		Timestamp:      inv.Timestamp,
		Source:         source,
		Metadata:       t.metadata(inv.Metadata, "provider", inv.Provider),
	}

	if inv.PromptTokens != nil || inv.CompletionTokens != nil {
		total := decimal.Zero
		for _, m := range []struct {
			dim string
			qty *decimal.Decimal
		}{
			{DimensionPrompt, inv.PromptTokens},
			{DimensionCompletion, inv.CompletionTokens},
		} {
			if m.qty == nil {
				continue
			}
			rec.Breakdown = append(rec.Breakdown, usage.Measure{Dimension: m.dim, Quantity: *m.qty})
			total = total.Add(*m.qty)
		}
		rec.Quantity = total
	} else if inv.Tokens != nil {
		rec.Quantity = *inv.Tokens
	}
	return rec
}

func (t *Transcript) toolRecord(call ToolCall, source string) usage.Record {
	unit := call.Unit
	if unit == "" {
		unit = usage.UnitCall
	}
	qty := decimal.NewFromInt(1)
	if call.Quantity != nil {
		qty = *call.Quantity
	}
	return usage.Record{
		ID:             call.ID,
		ExecutionID:    t.ExecutionID,
		Component:      call.Tool,
		Action:         call.Action,
		Unit:           unit,
		Quantity:       qty,
		PricingVersion: call.PricingVersion,
		Timestamp:      call.Timestamp,
		Source:         source,
		Metadata:       t.metadata(call.Metadata, "", ""),
	}
}

// metadata merges transcript-level metadata under record metadata and adds
// one optional extra key.
func (t *Transcript) metadata(own map[string]string, key, value string) map[string]string {
	if len(t.Metadata) == 0 && len(own) == 0 && value == "" {
		return nil
	}
	out := make(map[string]string, len(t.Metadata)+len(own)+1)
	for k, v := range t.Metadata {
		out[k] = v
	}
	for k, v := range own {
		out[k] = v
	}
	if value != "" {
		out[key] = value
	}
	return out
}

// DecodeTranscripts parses a JSON transcript document holding either one
// transcript object or an array of them.
func DecodeTranscripts(data []byte) ([]Transcript, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, errors.New("empty transcript")
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()

	if trimmed[0] == '[' {
		var ts []Transcript
		if err := dec.Decode(&ts); err != nil {
			return nil, err
		}
		return ts, nil
	}
	var t Transcript
	if err := dec.Decode(&t); err != nil {
		return nil, err
	}
	return []Transcript{t}, nil
}

// Source is a usage.Source over a transcript.
type Source struct {
	name   string
	format Format
	open   func() (io.ReadCloser, error)
}

// Open creates a source reading the transcript file at path. The format is
// chosen from the file extension. The source is named after the file's
// base name, which becomes the Source of every record.
func Open(path string) (*Source, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	return &Source{
		name:   filepath.Base(path),
		format: FormatForPath(path),
		open: func() (io.ReadCloser, error) {
			return os.Open(path)
		},
	}, nil
}

// FromBytes creates a source over in-memory transcript data.
func FromBytes(name string, format Format, data []byte) *Source {
	return &Source{
		name:   name,
		format: format,
		open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		},
	}
}

// Name implements usage.Source.
func (s *Source) Name() string {
	return s.name
}

// Format returns the transcript encoding.
func (s *Source) Format() Format {
	return s.format
}

// Records implements usage.Source.
func (s *Source) Records(ctx context.Context) iter.Seq2[usage.Record, error] {
	return func(yield func(usage.Record, error) bool) {
		rc, err := s.open()
		if err != nil {
			yield(usage.Record{}, &ParseError{Source: s.name, Cause: err})
			return
		}
		defer rc.Close()

		if s.format == FormatJSONLines {
			s.lines(ctx, rc, yield)
			return
		}
		s.document(ctx, rc, yield)
	}
}

func (s *Source) document(ctx context.Context, r io.Reader, yield func(usage.Record, error) bool) {
	data, err := io.ReadAll(r)
	if err != nil {
		yield(usage.Record{}, &ParseError{Source: s.name, Cause: err})
		return
	}
	transcripts, err := DecodeTranscripts(data)
	if err != nil {
		yield(usage.Record{}, &ParseError{Source: s.name, Cause: err})
		return
	}

	// Keep executions apart so each stays in timestamp order.
	sort.SliceStable(transcripts, func(i, j int) bool {
		return transcripts[i].ExecutionID < transcripts[j].ExecutionID
	})
	for i := range transcripts {
		records, err := transcripts[i].Records(s.name)
		if err != nil {
			yield(usage.Record{}, &ParseError{Source: s.name, Cause: err})
			return
		}
		for _, rec := range records {
			if err := ctx.Err(); err != nil {
				yield(usage.Record{}, err)
				return
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}

// maxLineSize bounds a single JSON Lines record.
const maxLineSize = 1 << 20

func (s *Source) lines(ctx context.Context, r io.Reader, yield func(usage.Record, error) bool) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	n := 0
	for scanner.Scan() {
		n++
		if err := ctx.Err(); err != nil {
			yield(usage.Record{}, err)
			return
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || line[0] == '#' {
			continue
		}

		var rec usage.Record
		dec := json.NewDecoder(bytes.NewReader(line))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&rec); err != nil {
			yield(usage.Record{}, &ParseError{Source: s.name, Line: n, Cause: err})
			return
		}
		if rec.Source == "" {
			rec.Source = s.name
		}
		if !yield(rec, nil) {
			return
		}
	}
	if err := scanner.Err(); err != nil {
		yield(usage.Record{}, &ParseError{Source: s.name, Line: n + 1, Cause: err})
	}
}
