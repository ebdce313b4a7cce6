package lsp

import (
	"unicode/utf16"

	protocol "github.com/tliron/glsp/protocol_3_16"

	"github.com/spicery/nutmeg-highlighter/pkg/tokenizer"
)

// SemanticTokenTypes is the legend sent to the client. Token kinds map onto
// it through legendIndex.
var SemanticTokenTypes = []string{
	"comment",
	"keyword",
	"string",
	"number",
	"function",
	"operator",
	"macro",
	"type",
	"regexp",
}

var SemanticTokenModifiers = []string{}

// legendIndex maps each kind to its position in SemanticTokenTypes, or -1
// for kinds that are not reported.
var legendIndex = func() [tokenizer.KindCount]int {
	var idx [tokenizer.KindCount]int
	for i := range idx {
		idx[i] = -1
	}
	for _, k := range []tokenizer.Kind{tokenizer.Comment1, tokenizer.Comment2, tokenizer.Comment3, tokenizer.Comment4} {
		idx[k] = 0
	}
	for _, k := range []tokenizer.Kind{tokenizer.Keyword1, tokenizer.Keyword2, tokenizer.Keyword3, tokenizer.Keyword4} {
		idx[k] = 1
	}
	for _, k := range []tokenizer.Kind{tokenizer.Literal1, tokenizer.Literal2, tokenizer.Literal3, tokenizer.Literal4} {
		idx[k] = 2
	}
	idx[tokenizer.Digit] = 3
	idx[tokenizer.Function] = 4
	idx[tokenizer.Operator] = 5
	idx[tokenizer.Label] = 6
	idx[tokenizer.Markup] = 7
	idx[tokenizer.Invalid] = 8
	return idx
}()

// SemanticType returns the legend index of kind, or -1 if it is not reported.
func SemanticType(kind tokenizer.Kind) int {
	if !kind.Valid() {
		return -1
	}
	return legendIndex[kind]
}

// SemanticToken is one token in UTF-16 positions. Line and StartChar are
// 0-based.
type SemanticToken struct {
	Line      uint32
	StartChar uint32
	Length    uint32
	TokenType int
}

// utf16Offsets returns, for every rune index of line and for len(line), the
// offset in UTF-16 code units.
func utf16Offsets(line []rune) []uint32 {
	offsets := make([]uint32, len(line)+1)
	var n uint32
	for i, r := range line {
		offsets[i] = n
		width := utf16.RuneLen(r)
		if width < 1 {
			width = 1
		}
		n += uint32(width)
	}
	offsets[len(line)] = n
	return offsets
}

// lineTokens converts the tokens of one line. Neighbouring tokens of the
// same semantic type are merged.
func lineTokens(lineNo int, line []rune, tokens []tokenizer.Token) []SemanticToken {
	var out []SemanticToken
	var offsets []uint32
	lastEnd := -1
	for _, tok := range tokens {
		typ := SemanticType(tok.Kind)
		if typ < 0 || tok.Length == 0 {
			continue
		}
		if offsets == nil {
			offsets = utf16Offsets(line)
		}
		start, end := offsets[tok.Offset], offsets[tok.Offset+tok.Length]
		if n := len(out); n > 0 && out[n-1].TokenType == typ && lastEnd == tok.Offset {
			out[n-1].Length += end - start
		} else {
			out = append(out, SemanticToken{Line: uint32(lineNo), StartChar: start, Length: end - start, TokenType: typ})
		}
		lastEnd = tok.Offset + tok.Length
	}
	return out
}

// encode packs tokens into the relative five-integer form of the protocol.
func encode(tokens []SemanticToken) []protocol.UInteger {
	data := make([]protocol.UInteger, 0, len(tokens)*5)
	var prevLine, prevStart uint32
	for _, tok := range tokens {
		deltaLine := tok.Line - prevLine
		deltaStart := tok.StartChar
		if deltaLine == 0 {
			deltaStart = tok.StartChar - prevStart
		}
		data = append(data, deltaLine, deltaStart, tok.Length, protocol.UInteger(tok.TokenType), 0)
		prevLine, prevStart = tok.Line, tok.StartChar
	}
	return data
}
