// Package render writes highlighted lines as JSON records or ANSI text.
package render

import (
	"encoding/json"
	"io"

	"github.com/spicery/nutmeg-highlighter/pkg/tokenizer"
)

// Span is the rune range of a token within its line.
type Span struct {
	Offset int
	Length int
}

// MarshalJSON implements custom JSON marshaling for Span.
func (s Span) MarshalJSON() ([]byte, error) {
	arr := [2]int{s.Offset, s.Length}
	return json.Marshal(arr)
}

// UnmarshalJSON implements custom JSON unmarshaling for Span.
func (s *Span) UnmarshalJSON(data []byte) error {
	var arr [2]int
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}
	s.Offset, s.Length = arr[0], arr[1]
	return nil
}

type TokenRecord struct {
	Kind tokenizer.Kind `json:"kind"`
	Span Span           `json:"span"`
	Text string         `json:"text"`
}

// LineRecord is the JSON form of one highlighted line. Context names the
// rule set the next line starts in.
type LineRecord struct {
	Line    int           `json:"line"`
	Tokens  []TokenRecord `json:"tokens"`
	Context string        `json:"context,omitempty"`
}

// NewLineRecord builds the record of line number n. Neighbouring tokens of
// the same kind and rule set are merged.
func NewLineRecord(n int, line []rune, tokens []tokenizer.Token, ctx *tokenizer.LineContext) LineRecord {
	rec := LineRecord{Line: n, Tokens: make([]TokenRecord, 0, len(tokens))}
	for _, tok := range tokenizer.Coalesce(tokens) {
		if tok.Kind == tokenizer.End {
			continue
		}
		rec.Tokens = append(rec.Tokens, TokenRecord{
			Kind: tok.Kind,
			Span: Span{Offset: tok.Offset, Length: tok.Length},
			Text: string(line[tok.Offset : tok.Offset+tok.Length]),
		})
	}
	if ctx != nil && ctx.Rules != nil {
		rec.Context = ctx.Rules.Name()
	}
	return rec
}

// JSONWriter writes one LineRecord per output line.
type JSONWriter struct {
	enc *json.Encoder
}

func NewJSONWriter(w io.Writer) *JSONWriter {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &JSONWriter{enc: enc}
}

func (jw *JSONWriter) WriteLine(n int, line []rune, tokens []tokenizer.Token, ctx *tokenizer.LineContext) error {
	return jw.enc.Encode(NewLineRecord(n, line, tokens, ctx))
}
