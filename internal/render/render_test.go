package render

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spicery/nutmeg-highlighter/pkg/tokenizer"
)

func sampleTokens(rs *tokenizer.RuleSet) []tokenizer.Token {
	return []tokenizer.Token{
		{Kind: tokenizer.Keyword1, Offset: 0, Length: 2, Rules: rs},
		{Kind: tokenizer.Null, Offset: 2, Length: 1, Rules: rs},
		{Kind: tokenizer.Null, Offset: 3, Length: 1, Rules: rs},
		{Kind: tokenizer.Digit, Offset: 4, Length: 2, Rules: rs},
		{Kind: tokenizer.End, Offset: 6, Length: 0, Rules: rs},
	}
}

func TestSpanJSON(t *testing.T) {
	data, err := json.Marshal(Span{Offset: 3, Length: 4})
	require.NoError(t, err)
	assert.Equal(t, "[3,4]", string(data))

	var s Span
	require.NoError(t, json.Unmarshal([]byte("[5,1]"), &s))
	assert.Equal(t, Span{Offset: 5, Length: 1}, s)
	require.Error(t, json.Unmarshal([]byte(`{"offset":1}`), &s))
}

func TestJSONWriter(t *testing.T) {
	rs := tokenizer.NewRuleSet("demo", "MAIN")
	line := []rune("if x12")
	ctx := &tokenizer.LineContext{Rules: rs}

	var buf bytes.Buffer
	jw := NewJSONWriter(&buf)
	require.NoError(t, jw.WriteLine(1, line, sampleTokens(rs), ctx))
	require.NoError(t, jw.WriteLine(2, []rune{}, nil, nil))

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.JSONEq(t, `{"line":1,"tokens":[
		{"kind":"KEYWORD1","span":[0,2],"text":"if"},
		{"kind":"NULL","span":[2,2],"text":" x"},
		{"kind":"DIGIT","span":[4,2],"text":"12"}
	],"context":"demo::MAIN"}`, lines[0])
	assert.JSONEq(t, `{"line":2,"tokens":[]}`, lines[1])

	var rec LineRecord
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, tokenizer.Digit, rec.Tokens[2].Kind)
	assert.Equal(t, Span{Offset: 4, Length: 2}, rec.Tokens[2].Span)
}

func TestParseStyle(t *testing.T) {
	c, err := ParseStyle("cyan+Bold")
	require.NoError(t, err)
	assert.True(t, c.Equals(color.New(color.FgCyan, color.Bold)))

	c, err = ParseStyle("hiwhite + bg:red")
	require.NoError(t, err)
	assert.True(t, c.Equals(color.New(color.FgHiWhite, color.BgRed)))

	_, err = ParseStyle("sparkly")
	require.ErrorContains(t, err, "unknown style attribute 'sparkly'")
	_, err = ParseStyle("")
	require.Error(t, err)

	assert.Contains(t, StyleNames(), "bg:cyan")
}

func TestParseStyles(t *testing.T) {
	styles, err := ParseStyles(map[string]string{"keyword1": "red", "COMMENT1": ""})
	require.NoError(t, err)
	assert.True(t, styles[tokenizer.Keyword1].Equals(color.New(color.FgRed)))
	assert.NotContains(t, styles, tokenizer.Comment1)
	assert.Contains(t, styles, tokenizer.Literal1)

	_, err = ParseStyles(map[string]string{"KEYWORD9": "red"})
	require.ErrorContains(t, err, "unknown token kind")
	_, err = ParseStyles(map[string]string{"END": "red"})
	require.Error(t, err)
	_, err = ParseStyles(map[string]string{"DIGIT": "plaid"})
	require.Error(t, err)

	assert.Equal(t, "cyan+bold", DefaultStyleSpecs()["KEYWORD1"])
}

func TestANSIWriter(t *testing.T) {
	rs := tokenizer.NewRuleSet("demo", "MAIN")
	line := []rune("if x12 tail")
	keyword := color.New(color.FgCyan)
	digit := color.New(color.FgMagenta)
	styles := Styles{tokenizer.Keyword1: keyword, tokenizer.Digit: digit}

	var buf bytes.Buffer
	aw := NewANSIWriter(&buf, styles, true)
	require.NoError(t, aw.WriteLine(line, sampleTokens(rs)))

	assert.Equal(t, keyword.Sprint("if")+" x"+digit.Sprint("12")+" tail\n", buf.String())
	assert.Contains(t, buf.String(), "\x1b[")

	buf.Reset()
	plain := NewANSIWriter(&buf, Styles{}, false)
	require.NoError(t, plain.WriteLine(line, sampleTokens(rs)))
	assert.Equal(t, "if x12 tail\n", buf.String())
}
