package tokenizer

import (
	"fmt"
	"strings"
)

// Kind identifies the syntactic class of a token. The numeric values are
// stable and match the ids used by existing grammar files.
type Kind uint8

const (
	Null     Kind = 0 // Plain text
	Comment1 Kind = 1
	Comment2 Kind = 2
	Comment3 Kind = 3
	Comment4 Kind = 4
	Digit    Kind = 5 // Numeric literals
	Function Kind = 6
	Invalid  Kind = 7
	Keyword1 Kind = 8
	Keyword2 Kind = 9
	Keyword3 Kind = 10
	Keyword4 Kind = 11
	Label    Kind = 12
	Literal1 Kind = 13 // String literals
	Literal2 Kind = 14
	Literal3 Kind = 15
	Literal4 Kind = 16
	Markup   Kind = 17
	Operator Kind = 18

	// KindCount is the number of real token kinds.
	KindCount = 19

	// End terminates the tokens of a line. It always has length 0.
	End Kind = 127
)

var kindNames = [KindCount]string{
	"NULL",
	"COMMENT1", "COMMENT2", "COMMENT3", "COMMENT4",
	"DIGIT",
	"FUNCTION",
	"INVALID",
	"KEYWORD1", "KEYWORD2", "KEYWORD3", "KEYWORD4",
	"LABEL",
	"LITERAL1", "LITERAL2", "LITERAL3", "LITERAL4",
	"MARKUP",
	"OPERATOR",
}

var kindsByName = func() map[string]Kind {
	m := make(map[string]Kind, KindCount+1)
	for i, name := range kindNames {
		m[name] = Kind(i)
	}
	m["END"] = End
	return m
}()

func (k Kind) String() string {
	if k == End {
		return "END"
	}
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", k)
}

// Valid reports whether k is one of the real token kinds (END excluded).
func (k Kind) Valid() bool {
	return int(k) < KindCount
}

// ParseKind returns the kind with the given name. Matching ignores case.
func ParseKind(name string) (Kind, error) {
	if k, ok := kindsByName[strings.ToUpper(strings.TrimSpace(name))]; ok {
		return k, nil
	}
	return Null, fmt.Errorf("unknown token kind '%s'", name)
}

// Kinds returns every real token kind in id order.
func Kinds() []Kind {
	kinds := make([]Kind, KindCount)
	for i := range kinds {
		kinds[i] = Kind(i)
	}
	return kinds
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Token is a classified half-open span [Offset, Offset+Length) of one line.
type Token struct {
	Kind   Kind
	Offset int
	Length int
	Rules  *RuleSet // The rule set that was active when the token was emitted
}

// TokenHandler receives tokens from TokenMarker.MarkTokens in increasing
// offset order, followed by one END token and then the final line context.
type TokenHandler interface {
	HandleToken(line []rune, kind Kind, offset, length int, ctx *LineContext)
	SetLineContext(ctx *LineContext)
}

// TokenList is a TokenHandler that collects tokens into a slice.
type TokenList struct {
	tokens  []Token
	context *LineContext
}

// NewTokenList creates an empty token collector.
func NewTokenList() *TokenList {
	return &TokenList{tokens: make([]Token, 0, 16)}
}

func (l *TokenList) HandleToken(line []rune, kind Kind, offset, length int, ctx *LineContext) {
	var rules *RuleSet
	if ctx != nil {
		rules = ctx.Rules
	}
	l.tokens = append(l.tokens, Token{Kind: kind, Offset: offset, Length: length, Rules: rules})
}

func (l *TokenList) SetLineContext(ctx *LineContext) {
	l.context = ctx
}

// Tokens returns the collected tokens, including the trailing END token.
func (l *TokenList) Tokens() []Token {
	return l.tokens
}

// LineContext returns the context passed to SetLineContext.
func (l *TokenList) LineContext() *LineContext {
	return l.context
}

// Reset clears the collector so it can be reused for another line.
func (l *TokenList) Reset() {
	l.tokens = l.tokens[:0]
	l.context = nil
}

// Coalesce merges neighbouring tokens with the same kind and owner. END
// tokens are kept as they are.
func Coalesce(tokens []Token) []Token {
	out := make([]Token, 0, len(tokens))
	for _, tok := range tokens {
		if n := len(out); n > 0 && tok.Kind != End {
			last := &out[n-1]
			if last.Kind == tok.Kind && last.Rules == tok.Rules && last.Offset+last.Length == tok.Offset {
				last.Length += tok.Length
				continue
			}
		}
		out = append(out, tok)
	}
	return out
}
