package tokenizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type piece struct {
	Kind Kind
	Text string
}

func mustRule(t *testing.T) func(*Rule, error) *Rule {
	return func(r *Rule, err error) *Rule {
		t.Helper()
		require.NoError(t, err)
		return r
	}
}

func newMarker(sets ...*RuleSet) *TokenMarker {
	tm := NewTokenMarker()
	for _, rs := range sets {
		rs.ResolveImports()
		tm.AddRuleSet(rs)
	}
	return tm
}

// mark runs one line and returns its tokens without the END token.
func mark(t *testing.T, tm *TokenMarker, prev *LineContext, line string) ([]Token, *LineContext) {
	t.Helper()
	runes := []rune(line)
	list := NewTokenList()
	ctx, err := tm.MarkTokens(prev, list, runes)
	require.NoError(t, err)
	require.Same(t, ctx, list.LineContext())
	tokens := list.Tokens()
	require.NotEmpty(t, tokens)
	end := tokens[len(tokens)-1]
	require.Equal(t, End, end.Kind)
	require.Equal(t, len(runes), end.Offset)
	require.Zero(t, end.Length)
	return tokens[:len(tokens)-1], ctx
}

func pieces(line string, tokens []Token) []piece {
	runes := []rune(line)
	var out []piece
	for _, tok := range Coalesce(tokens) {
		out = append(out, piece{tok.Kind, string(runes[tok.Offset : tok.Offset+tok.Length])})
	}
	return out
}

func requireContiguous(t *testing.T, line string, tokens []Token) {
	t.Helper()
	offset := 0
	for _, tok := range tokens {
		require.Equal(t, offset, tok.Offset, "gap or overlap before %v", tok)
		require.Positive(t, tok.Length)
		offset += tok.Length
	}
	require.Equal(t, len([]rune(line)), offset)
}

func TestSpanSplitsIntoFourParts(t *testing.T) {
	r := mustRule(t)
	main := NewRuleSet("test", "MAIN")
	main.AddRule(r(NewSpanRule("/*", "*/", Comment1, WithMatchKind(MatchAs(Comment2)))))
	tm := newMarker(main)

	line := "a /* b */ c"
	tokens, ctx := mark(t, tm, nil, line)
	requireContiguous(t, line, tokens)
	assert.Equal(t, []piece{
		{Null, "a "},
		{Comment2, "/*"},
		{Comment1, " b "},
		{Comment2, "*/"},
		{Null, " c"},
	}, pieces(line, tokens))
	assert.Equal(t, 1, ctx.Depth())
	assert.Same(t, main, ctx.Rules)
	assert.Nil(t, ctx.InRule)
}

func TestSpanOwners(t *testing.T) {
	r := mustRule(t)
	main := NewRuleSet("test", "MAIN")
	main.AddRule(r(NewSpanRule("/*", "*/", Comment1)))
	tm := newMarker(main)

	tokens, _ := mark(t, tm, nil, "/*x*/")
	require.Len(t, tokens, 3)
	assert.Same(t, main, tokens[0].Rules)
	assert.Same(t, StandardRuleSet(Comment1), tokens[1].Rules)
	assert.Same(t, main, tokens[2].Rules)
}

func TestLineBreakBehaviour(t *testing.T) {
	r := mustRule(t)
	main := NewRuleSet("test", "MAIN")
	lineComment := r(NewEOLSpanRule("//", Comment1))
	blockComment := r(NewSpanRule("/*", "*/", Comment2))
	main.AddRule(lineComment)
	main.AddRule(blockComment)
	tm := newMarker(main)

	t.Run("eol span closes at end of line", func(t *testing.T) {
		line := "x // note */"
		tokens, ctx := mark(t, tm, nil, line)
		assert.Equal(t, []piece{{Null, "x "}, {Comment1, "//"}, {Comment1, " note */"}}, pieces(line, tokens))
		_, plain := mark(t, tm, nil, "y")
		assert.Same(t, plain, ctx)
		assert.Equal(t, 1, ctx.Depth())
	})

	t.Run("span stays open across lines", func(t *testing.T) {
		_, ctx := mark(t, tm, nil, "a /* open")
		require.Equal(t, 2, ctx.Depth())
		assert.Same(t, blockComment, ctx.Parent.InRule)

		line := "still */ after"
		tokens, next := mark(t, tm, ctx, line)
		assert.Equal(t, []piece{{Comment2, "still "}, {Comment2, "*/"}, {Null, " after"}}, pieces(line, tokens))
		assert.Equal(t, 1, next.Depth())
		assert.Nil(t, next.InRule)

		_, inside := mark(t, tm, ctx, "no end here")
		assert.Same(t, ctx, inside)
	})
}

func TestEscapePrecedence(t *testing.T) {
	r := mustRule(t)
	esc := r(NewEscapeRule(`\`))

	tests := []struct {
		name     string
		escape   *Rule
		line     string
		expected []piece
		depth    int
	}{
		{
			name:     "escaped quote",
			escape:   esc,
			line:     `"a\"b" c`,
			expected: []piece{{Literal1, `"`}, {Literal1, `a\"b`}, {Literal1, `"`}, {Null, " c"}},
			depth:    1,
		},
		{
			name:     "without escape",
			line:     `"a\"b"`,
			expected: []piece{{Literal1, `"`}, {Literal1, `a\`}, {Literal1, `"`}, {Null, "b"}, {Literal1, `"`}},
			depth:    2,
		},
		{
			name:     "escaped backslash",
			escape:   esc,
			line:     `"a\\" x`,
			expected: []piece{{Literal1, `"`}, {Literal1, `a\\`}, {Literal1, `"`}, {Null, " x"}},
			depth:    1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var opts []RuleOption
			if tt.escape != nil {
				opts = append(opts, WithEscape(tt.escape))
			}
			main := NewRuleSet("test", "MAIN")
			main.AddRule(r(NewSpanRule(`"`, `"`, Literal1, opts...)))
			tm := newMarker(main)

			tokens, ctx := mark(t, tm, nil, tt.line)
			requireContiguous(t, tt.line, tokens)
			assert.Equal(t, tt.expected, pieces(tt.line, tokens))
			assert.Equal(t, tt.depth, ctx.Depth())
		})
	}
}

func TestKeywordBoundary(t *testing.T) {
	kw := NewKeywordMap(false)
	kw.Add("if", Keyword1)
	kw.Add("else", Keyword1)
	main := NewRuleSet("test", "MAIN")
	main.SetKeywords(kw)
	tm := newMarker(main)

	tests := []struct {
		line     string
		expected []piece
	}{
		{"ifx", []piece{{Null, "ifx"}}},
		{"if ", []piece{{Keyword1, "if"}, {Null, " "}}},
		{"if(x)", []piece{{Keyword1, "if"}, {Null, "(x)"}}},
		{"  else", []piece{{Null, "  "}, {Keyword1, "else"}}},
		{"xif", []piece{{Null, "xif"}}},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			tokens, _ := mark(t, tm, nil, tt.line)
			requireContiguous(t, tt.line, tokens)
			assert.Equal(t, tt.expected, pieces(tt.line, tokens))
		})
	}

	t.Run("whitespace is one token per character", func(t *testing.T) {
		tokens, _ := mark(t, tm, nil, "if  ")
		require.Len(t, tokens, 3)
		assert.Equal(t, Keyword1, tokens[0].Kind)
		assert.Equal(t, 1, tokens[1].Length)
		assert.Equal(t, 1, tokens[2].Length)
	})
}

func TestIgnoreCaseKeywords(t *testing.T) {
	kw := NewKeywordMap(true)
	kw.Add("select", Keyword1)
	main := NewRuleSet("sql", "MAIN")
	main.SetIgnoreCase(true)
	main.SetKeywords(kw)
	tm := newMarker(main)

	line := "SeLeCt x"
	tokens, _ := mark(t, tm, nil, line)
	assert.Equal(t, []piece{{Keyword1, "SeLeCt"}, {Null, " x"}}, pieces(line, tokens))
}

func TestTerminateChar(t *testing.T) {
	r := mustRule(t)
	main := NewRuleSet("test", "MAIN")
	main.SetDefault(Comment3)
	main.SetTerminateChar(5)
	main.AddRule(r(NewSeqRule("x", Keyword1)))
	block := r(NewSpanRule("/*", "*/", Comment1))
	main.AddRule(block)
	tm := newMarker(main)

	line := "aaxaaxxxxxxx/*xxxxxx"
	require.Len(t, []rune(line), 20)
	tokens, ctx := mark(t, tm, nil, line)
	requireContiguous(t, line, tokens)
	for _, tok := range tokens {
		if tok.Offset+tok.Length > 5 {
			assert.Equal(t, Comment3, tok.Kind, "token %+v", tok)
		}
	}
	assert.Equal(t, Keyword1, tokens[1].Kind)
	assert.Equal(t, 1, ctx.Depth())
	assert.Same(t, main, ctx.Rules)

	t.Run("open frames are dropped", func(t *testing.T) {
		_, open := mark(t, tm, nil, "/*")
		require.Equal(t, 2, open.Depth())
		_, next := mark(t, tm, nil, "/*aaaaaaa")
		assert.Equal(t, 1, next.Depth())
		assert.Same(t, main, next.Rules)
	})
}

func TestMarkPrevious(t *testing.T) {
	r := mustRule(t)
	main := NewRuleSet("test", "MAIN")
	main.AddRule(r(NewMarkPreviousRule("(", Function, WithMatchKind(MatchAs(Operator)))))
	main.AddRule(r(NewMarkPreviousRule(":", Label, WithMatchKind(MatchContext), WithStartPos(AtLineStart))))
	tm := newMarker(main)

	tests := []struct {
		line     string
		expected []piece
	}{
		{"foo(x)", []piece{{Function, "foo"}, {Operator, "("}, {Null, "x)"}}},
		{"(x", []piece{{Operator, "("}, {Null, "x"}}},
		{"label: y", []piece{{Label, "label"}, {Null, ": y"}}},
		{" label:", []piece{{Null, " label:"}}},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			tokens, _ := mark(t, tm, nil, tt.line)
			requireContiguous(t, tt.line, tokens)
			assert.Equal(t, tt.expected, pieces(tt.line, tokens))
		})
	}
}

func TestMarkFollowing(t *testing.T) {
	r := mustRule(t)
	main := NewRuleSet("test", "MAIN")
	main.AddRule(r(NewMarkFollowingRule("$", Keyword2)))
	main.AddRule(r(NewSeqRule("=", Operator)))
	tm := newMarker(main)

	tests := []struct {
		line     string
		expected []piece
	}{
		{"$abc def", []piece{{Keyword2, "$abc"}, {Null, " def"}}},
		{"$abc=1", []piece{{Keyword2, "$abc"}, {Operator, "="}, {Null, "1"}}},
		{"x $y", []piece{{Null, "x "}, {Keyword2, "$y"}}},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			tokens, ctx := mark(t, tm, nil, tt.line)
			requireContiguous(t, tt.line, tokens)
			assert.Equal(t, tt.expected, pieces(tt.line, tokens))
			assert.Nil(t, ctx.InRule)
		})
	}
}

func TestDynamicSpanEnd(t *testing.T) {
	r := mustRule(t)
	main := NewRuleSet("test", "MAIN")
	heredoc := r(NewRegexpSpanRule(`<<(\w+)`, "$1", Literal3, WithHashChars("<")))
	main.AddRule(heredoc)
	main.AddRule(r(NewRegexpSpanRule(`q([({<])`, "~1", Literal2, WithHashChars("q"))))
	tm := newMarker(main)

	t.Run("captured group ends the span", func(t *testing.T) {
		_, ctx := mark(t, tm, nil, "cat <<EOF")
		require.Equal(t, 2, ctx.Depth())
		assert.Equal(t, "EOF", string(ctx.Parent.SpanEndSubst))

		_, ctx = mark(t, tm, ctx, "EOT is not the end")
		require.Equal(t, 2, ctx.Depth())

		line := "EOF done"
		tokens, ctx := mark(t, tm, ctx, line)
		assert.Equal(t, []piece{{Literal3, "EOF"}, {Null, " done"}}, pieces(line, tokens))
		assert.Equal(t, 1, ctx.Depth())
		assert.Nil(t, ctx.SpanEndSubst)
	})

	t.Run("different substitutions are different contexts", func(t *testing.T) {
		_, a := mark(t, tm, nil, "<<AAA")
		_, b := mark(t, tm, nil, "<<BBB")
		_, a2 := mark(t, tm, nil, "x <<AAA")
		assert.NotSame(t, a, b)
		assert.Same(t, a, a2)
	})

	t.Run("complementary bracket", func(t *testing.T) {
		line := "q(abc) z"
		tokens, ctx := mark(t, tm, nil, line)
		assert.Equal(t, []piece{{Literal2, "q("}, {Literal2, "abc"}, {Literal2, ")"}, {Null, " z"}}, pieces(line, tokens))
		assert.Equal(t, 1, ctx.Depth())
	})

	t.Run("empty capture never ends the span", func(t *testing.T) {
		main := NewRuleSet("test", "MAIN")
		main.AddRule(r(NewRegexpSpanRule(`<<(\w*)`, "$1", Literal3, WithHashChars("<"))))
		tm := newMarker(main)

		line := "<< y"
		tokens, ctx := mark(t, tm, nil, line)
		for _, tok := range tokens {
			require.Positive(t, tok.Length, "token at %d", tok.Offset)
		}
		assert.Equal(t, Literal3, tokens[0].Kind)
		assert.Equal(t, 2, tokens[0].Length)
		require.Equal(t, 2, ctx.Depth())
		assert.NotNil(t, ctx.Parent.SpanEndSubst)
		assert.Empty(t, ctx.Parent.SpanEndSubst)
	})
}

func TestSeqDelegate(t *testing.T) {
	r := mustRule(t)
	other := NewRuleSet("test", "VALUE")
	kw := NewKeywordMap(false)
	kw.Add("foo", Keyword3)
	other.SetKeywords(kw)

	main := NewRuleSet("test", "MAIN")
	main.AddRule(r(NewSeqRule("=>", Operator, WithDelegate(other))))
	tm := newMarker(other, main)

	line := "foo => foo"
	tokens, ctx := mark(t, tm, nil, line)
	assert.Equal(t, []piece{{Null, "foo "}, {Operator, "=>"}, {Null, " "}, {Keyword3, "foo"}}, pieces(line, tokens))
	assert.Same(t, other, ctx.Rules)
	assert.Equal(t, 1, ctx.Depth())
}

func TestNoWordBreak(t *testing.T) {
	r := mustRule(t)
	main := NewRuleSet("test", "MAIN")
	main.AddRule(r(NewSpanRule("'", "'", Literal2, WithFlags(NoWordBreak))))
	tm := newMarker(main)

	line := "'ab cd"
	tokens, ctx := mark(t, tm, nil, line)
	assert.Equal(t, []piece{{Literal2, "'"}, {Literal2, "ab"}, {Null, " cd"}}, pieces(line, tokens))
	assert.Equal(t, 1, ctx.Depth())
}

func TestDelegateRuleSet(t *testing.T) {
	r := mustRule(t)
	script := NewRuleSet("test", "SCRIPT")
	kw := NewKeywordMap(false)
	kw.Add("var", Keyword1)
	script.SetKeywords(kw)
	script.AddRule(r(NewSpanRule(`"`, `"`, Literal1)))

	main := NewRuleSet("test", "MAIN")
	main.SetDefault(Markup)
	tag := r(NewSpanRule("<script>", "</script>", Markup, WithDelegate(script)))
	main.AddRule(tag)
	tm := newMarker(script, main)

	line := `<script>var "</script>"`
	tokens, ctx := mark(t, tm, nil, line)
	requireContiguous(t, line, tokens)
	assert.Equal(t, []piece{
		{Markup, "<script>"},
		{Keyword1, "var"},
		{Null, " "},
		{Literal1, `"`},
		{Literal1, "</script>"},
		{Literal1, `"`},
	}, pieces(line, tokens))
	require.Equal(t, 2, ctx.Depth())
	assert.Same(t, script, ctx.Rules)

	line = "var </script> x"
	tokens, ctx = mark(t, tm, ctx, line)
	assert.Equal(t, []piece{{Keyword1, "var"}, {Null, " "}, {Markup, "</script> x"}}, pieces(line, tokens))
	assert.Equal(t, 1, ctx.Depth())
}

func TestDigits(t *testing.T) {
	kw := NewKeywordMap(false)
	kw.Add("42", Keyword1)

	tests := []struct {
		name     string
		regexp   string
		line     string
		expected []piece
	}{
		{"plain digits", "", "12 x", []piece{{Digit, "12"}, {Null, " x"}}},
		{"mixed without regexp", "", "0x1F", []piece{{Null, "0x1F"}}},
		{"mixed with regexp", "0x[0-9a-fA-F]+", "0x1F abc1", []piece{{Digit, "0x1F"}, {Null, " abc1"}}},
		{"digits before keywords", "", "42", []piece{{Digit, "42"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			main := NewRuleSet("test", "MAIN")
			main.SetKeywords(kw)
			main.SetHighlightDigits(true)
			if tt.regexp != "" {
				require.NoError(t, main.SetDigitRegexp(tt.regexp))
			}
			tm := newMarker(main)
			tokens, _ := mark(t, tm, nil, tt.line)
			assert.Equal(t, tt.expected, pieces(tt.line, tokens))
		})
	}
}

func TestAtLineStart(t *testing.T) {
	r := mustRule(t)
	main := NewRuleSet("test", "MAIN")
	main.AddRule(r(NewEOLSpanRule("#", Comment1, WithStartPos(AtLineStart))))
	main.AddRule(r(NewSeqRule("@", Label, WithStartPos(AtWhitespaceEnd))))
	tm := newMarker(main)

	tests := []struct {
		line     string
		expected []piece
	}{
		{"# c", []piece{{Comment1, "#"}, {Comment1, " c"}}},
		{"a # c", []piece{{Null, "a # c"}}},
		{"  @x", []piece{{Null, "  "}, {Label, "@"}, {Null, "x"}}},
		{"a @x", []piece{{Null, "a @x"}}},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			tokens, _ := mark(t, tm, nil, tt.line)
			assert.Equal(t, tt.expected, pieces(tt.line, tokens))
		})
	}
}

func TestMarkTokensErrors(t *testing.T) {
	r := mustRule(t)

	t.Run("no main rule set", func(t *testing.T) {
		tm := NewTokenMarker()
		_, err := tm.MarkTokens(nil, NewTokenList(), []rune("x"))
		require.ErrorIs(t, err, ErrNoMainRuleSet)
	})

	t.Run("span consumed twice", func(t *testing.T) {
		main := NewRuleSet("test", "MAIN")
		span := r(NewSpanRule("/*", "*/", Comment1))
		main.AddRule(span)
		tm := newMarker(main)

		prev := &LineContext{Rules: main, InRule: span}
		_, err := tm.MarkTokens(prev, NewTokenList(), []rune("a b"))
		require.ErrorIs(t, err, ErrRuleConsumed)
	})

	t.Run("previous context is not modified", func(t *testing.T) {
		main := NewRuleSet("test", "MAIN")
		main.AddRule(r(NewSpanRule("/*", "*/", Comment1)))
		tm := newMarker(main)

		_, open := mark(t, tm, nil, "/*")
		before := open.Clone()
		_, _ = mark(t, tm, open, "*/")
		assert.True(t, before.Equal(open))
		assert.Equal(t, 2, open.Depth())
	})
}

func TestRuleSetRegistry(t *testing.T) {
	main := NewRuleSet("test", "MAIN")
	other := NewRuleSet("test", "OTHER")
	tm := newMarker(other, main)

	assert.Same(t, main, tm.MainRuleSet())
	assert.Same(t, other, tm.RuleSet("OTHER"))
	assert.Nil(t, tm.RuleSet("MISSING"))
	assert.Equal(t, []*RuleSet{main, other}, tm.RuleSets())
	assert.NotNil(t, tm.Interner())
}
