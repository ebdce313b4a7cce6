// Package document keeps the lines of a text together with their tokens and
// the line contexts they end in, so that an edit only re-marks the lines it
// can affect.
package document

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/tliron/commonlog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/spicery/nutmeg-highlighter/pkg/tokenizer"
)

var log = commonlog.GetLogger("nutmeg-highlighter.document")

// Span attribute keys.
const (
	AttrLinesMarked = "lines.marked"
	AttrLinesTotal  = "lines.total"
	AttrMode        = "document.mode"
)

const SpanHighlight = "document.highlight"

type line struct {
	text   []rune
	tokens []tokenizer.Token
	start  *tokenizer.LineContext // Context the line was marked from
	end    *tokenizer.LineContext
	dirty  bool
}

// Stats describes the work done by a buffer.
type Stats struct {
	Lines       int
	Dirty       int
	LastMarked  int // Lines marked by the last Highlight
	TotalMarked int
	Highlights  int
}

// Buffer is a line-oriented document highlighted by one token marker. It is
// safe for concurrent use.
type Buffer struct {
	mu     sync.RWMutex
	marker *tokenizer.TokenMarker
	tracer trace.Tracer
	lines  []line
	dirty  int
	stats  Stats
}

type BufferOption func(*Buffer)

// WithTracer sets the tracer used for Highlight spans. The default is the
// global tracer provider's.
func WithTracer(t trace.Tracer) BufferOption {
	return func(b *Buffer) {
		if t != nil {
			b.tracer = t
		}
	}
}

// NewBuffer creates a buffer holding a single empty line.
func NewBuffer(marker *tokenizer.TokenMarker, opts ...BufferOption) *Buffer {
	b := &Buffer{
		marker: marker,
		tracer: otel.Tracer("nutmeg-highlighter/document"),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.SetText("")
	return b
}

// SplitLines splits text at "\n", dropping the "\r" of "\r\n" endings. The
// empty text is one empty line.
func SplitLines(text string) []string {
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSuffix(l, "\r")
	}
	return lines
}

// SetText replaces the whole content. Every line becomes dirty.
func (b *Buffer) SetText(text string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	texts := SplitLines(text)
	b.lines = make([]line, len(texts))
	for i, t := range texts {
		b.lines[i] = line{text: []rune(t), dirty: true}
	}
	b.dirty = len(b.lines)
}

// SetMarker switches the buffer to another marker, for example after the
// grammars were reloaded. Every line becomes dirty.
func (b *Buffer) SetMarker(marker *tokenizer.TokenMarker) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.marker = marker
	for i := range b.lines {
		b.lines[i].dirty = true
		b.lines[i].start, b.lines[i].end = nil, nil
	}
	b.dirty = len(b.lines)
}

func (b *Buffer) Marker() *tokenizer.TokenMarker {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.marker
}

// Text returns the content, lines joined with "\n".
func (b *Buffer) Text() string {
	return strings.Join(b.Lines(), "\n")
}

func (b *Buffer) Lines() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.texts()
}

func (b *Buffer) texts() []string {
	out := make([]string, len(b.lines))
	for i := range b.lines {
		out[i] = string(b.lines[i].text)
	}
	return out
}

// Line returns the runes of line i, or nil when i is out of range.
func (b *Buffer) Line(i int) []rune {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if i < 0 || i >= len(b.lines) {
		return nil
	}
	return b.lines[i].text
}

func (b *Buffer) LineCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.lines)
}

// Replace deletes deleteCount lines starting at startLine and inserts
// newLines in their place. Inserted lines are dirty; the lines after them are
// re-marked by Highlight only if the context flowing into them changes.
func (b *Buffer) Replace(startLine, deleteCount int, newLines []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.replace(startLine, deleteCount, newLines)
}

func (b *Buffer) replace(startLine, deleteCount int, newLines []string) error {
	if startLine < 0 || deleteCount < 0 || startLine+deleteCount > len(b.lines) {
		return fmt.Errorf("replace %d lines at %d: out of range (%d lines)", deleteCount, startLine, len(b.lines))
	}

	for _, l := range b.lines[startLine : startLine+deleteCount] {
		if l.dirty {
			b.dirty--
		}
	}
	inserted := make([]line, len(newLines))
	for i, t := range newLines {
		inserted[i] = line{text: []rune(t), dirty: true}
	}
	b.dirty += len(inserted)

	tail := b.lines[startLine+deleteCount:]
	lines := make([]line, 0, startLine+len(inserted)+len(tail))
	lines = append(lines, b.lines[:startLine]...)
	lines = append(lines, inserted...)
	lines = append(lines, tail...)
	if len(lines) == 0 {
		lines = append(lines, line{dirty: true})
		b.dirty++
	}
	// The line that now follows a deletion was marked from a context that is
	// gone.
	if deleteCount > 0 && len(inserted) == 0 && startLine < len(lines) && !lines[startLine].dirty {
		lines[startLine].dirty = true
		b.dirty++
	}
	b.lines = lines
	return nil
}

// Highlight marks every line that needs it. It starts at the first dirty
// line and stops once no dirty line is left and the context flowing into the
// next line is the one it was marked from. Cancellation is only checked
// between lines; lines not reached stay dirty.
func (b *Buffer) Highlight(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	attrs := []attribute.KeyValue{attribute.Int(AttrLinesTotal, len(b.lines))}
	if main := b.marker.MainRuleSet(); main != nil {
		attrs = append(attrs, attribute.String(AttrMode, main.ModeName()))
	}
	ctx, span := b.tracer.Start(ctx, SpanHighlight, trace.WithAttributes(attrs...))
	defer span.End()

	marked, err := b.highlight(ctx)
	b.stats.LastMarked = marked
	b.stats.TotalMarked += marked
	b.stats.Highlights++
	span.SetAttributes(attribute.Int(AttrLinesMarked, marked))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetStatus(codes.Ok, "")
	log.Debugf("highlighted %d of %d lines", marked, len(b.lines))
	return nil
}

func (b *Buffer) highlight(ctx context.Context) (int, error) {
	if b.dirty == 0 {
		return 0, nil
	}
	list := tokenizer.NewTokenList()
	marked := 0
	var prev *tokenizer.LineContext
	for i := range b.lines {
		l := &b.lines[i]
		if !l.dirty && l.start == prev && l.end != nil {
			if b.dirty == 0 {
				break
			}
			prev = l.end
			continue
		}
		if err := ctx.Err(); err != nil {
			if !l.dirty {
				l.dirty = true
				b.dirty++
			}
			return marked, err
		}

		list.Reset()
		next, err := b.marker.MarkTokens(prev, list, l.text)
		if err != nil {
			return marked, fmt.Errorf("line %d: %w", i+1, err)
		}
		tokens := list.Tokens()
		l.tokens = append(l.tokens[:0], tokens[:len(tokens)-1]...)
		l.start, l.end = prev, next
		if l.dirty {
			l.dirty = false
			b.dirty--
		}
		marked++
		prev = next
	}
	return marked, nil
}

// Tokens returns the tokens of line i without the END token. The result is
// a copy.
func (b *Buffer) Tokens(i int) []tokenizer.Token {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if i < 0 || i >= len(b.lines) {
		return nil
	}
	return append([]tokenizer.Token(nil), b.lines[i].tokens...)
}

// Context returns the context line i ends in, or nil if it was not marked.
func (b *Buffer) Context(i int) *tokenizer.LineContext {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if i < 0 || i >= len(b.lines) {
		return nil
	}
	return b.lines[i].end
}

func (b *Buffer) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s := b.stats
	s.Lines = len(b.lines)
	s.Dirty = b.dirty
	return s
}
