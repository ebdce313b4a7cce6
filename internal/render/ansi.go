package render

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/fatih/color"

	"github.com/spicery/nutmeg-highlighter/pkg/tokenizer"
)

var styleAttributes = map[string]color.Attribute{
	"bold":      color.Bold,
	"faint":     color.Faint,
	"italic":    color.Italic,
	"underline": color.Underline,
	"reverse":   color.ReverseVideo,

	"black":   color.FgBlack,
	"red":     color.FgRed,
	"green":   color.FgGreen,
	"yellow":  color.FgYellow,
	"blue":    color.FgBlue,
	"magenta": color.FgMagenta,
	"cyan":    color.FgCyan,
	"white":   color.FgWhite,

	"hiblack":   color.FgHiBlack,
	"hired":     color.FgHiRed,
	"higreen":   color.FgHiGreen,
	"hiyellow":  color.FgHiYellow,
	"hiblue":    color.FgHiBlue,
	"himagenta": color.FgHiMagenta,
	"hicyan":    color.FgHiCyan,
	"hiwhite":   color.FgHiWhite,

	"bg:black":   color.BgBlack,
	"bg:red":     color.BgRed,
	"bg:green":   color.BgGreen,
	"bg:yellow":  color.BgYellow,
	"bg:blue":    color.BgBlue,
	"bg:magenta": color.BgMagenta,
	"bg:cyan":    color.BgCyan,
	"bg:white":   color.BgWhite,
}

// StyleNames returns every attribute name ParseStyle accepts, sorted.
func StyleNames() []string {
	names := make([]string, 0, len(styleAttributes))
	for name := range styleAttributes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ParseStyle parses a style such as "cyan+bold" or "hiwhite+bg:red".
func ParseStyle(spec string) (*color.Color, error) {
	var attrs []color.Attribute
	for _, part := range strings.Split(spec, "+") {
		name := strings.ToLower(strings.TrimSpace(part))
		attr, ok := styleAttributes[name]
		if !ok {
			return nil, fmt.Errorf("unknown style attribute '%s' in '%s'", part, spec)
		}
		attrs = append(attrs, attr)
	}
	return color.New(attrs...), nil
}

// Styles maps token kinds to colours. Kinds without an entry are written
// plain.
type Styles map[tokenizer.Kind]*color.Color

var defaultStyleSpecs = map[tokenizer.Kind]string{
	tokenizer.Comment1: "hiblack",
	tokenizer.Comment2: "hiblack+italic",
	tokenizer.Comment3: "hiblack",
	tokenizer.Comment4: "hiblack+italic",
	tokenizer.Digit:    "magenta",
	tokenizer.Function: "blue",
	tokenizer.Invalid:  "hiwhite+bg:red",
	tokenizer.Keyword1: "cyan+bold",
	tokenizer.Keyword2: "cyan",
	tokenizer.Keyword3: "blue+bold",
	tokenizer.Keyword4: "magenta+bold",
	tokenizer.Label:    "yellow+underline",
	tokenizer.Literal1: "green",
	tokenizer.Literal2: "yellow",
	tokenizer.Literal3: "higreen",
	tokenizer.Literal4: "hiyellow",
	tokenizer.Markup:   "hiblue",
	tokenizer.Operator: "yellow",
}

// DefaultStyleSpecs returns the built-in style of every kind, keyed by kind
// name.
func DefaultStyleSpecs() map[string]string {
	out := make(map[string]string, len(defaultStyleSpecs))
	for kind, spec := range defaultStyleSpecs {
		out[kind.String()] = spec
	}
	return out
}

// ParseStyles builds the default styles overridden by specs, which maps kind
// names to style specs. An empty spec removes the kind's style.
func ParseStyles(specs map[string]string) (Styles, error) {
	styles := make(Styles, len(defaultStyleSpecs))
	for kind, spec := range defaultStyleSpecs {
		c, err := ParseStyle(spec)
		if err != nil {
			return nil, err
		}
		styles[kind] = c
	}
	for name, spec := range specs {
		kind, err := tokenizer.ParseKind(strings.ToUpper(name))
		if err != nil || !kind.Valid() {
			return nil, fmt.Errorf("styles: unknown token kind '%s'", name)
		}
		if spec == "" {
			delete(styles, kind)
			continue
		}
		c, err := ParseStyle(spec)
		if err != nil {
			return nil, fmt.Errorf("styles: %s: %w", name, err)
		}
		styles[kind] = c
	}
	return styles, nil
}

// ANSIWriter writes lines with their tokens coloured.
type ANSIWriter struct {
	w      io.Writer
	styles Styles
}

// NewANSIWriter creates a writer. With force set, colours are written even
// when the output is not a terminal.
func NewANSIWriter(w io.Writer, styles Styles, force bool) *ANSIWriter {
	if force {
		for _, c := range styles {
			c.EnableColor()
		}
	}
	return &ANSIWriter{w: w, styles: styles}
}

func (aw *ANSIWriter) WriteLine(line []rune, tokens []tokenizer.Token) error {
	var sb strings.Builder
	pos := 0
	for _, tok := range tokenizer.Coalesce(tokens) {
		if tok.Kind == tokenizer.End || tok.Length == 0 {
			continue
		}
		if tok.Offset > pos {
			sb.WriteString(string(line[pos:tok.Offset]))
		}
		text := string(line[tok.Offset : tok.Offset+tok.Length])
		if c, ok := aw.styles[tok.Kind]; ok {
			sb.WriteString(c.Sprint(text))
		} else {
			sb.WriteString(text)
		}
		pos = tok.Offset + tok.Length
	}
	if pos < len(line) {
		sb.WriteString(string(line[pos:]))
	}
	sb.WriteByte('\n')
	_, err := io.WriteString(aw.w, sb.String())
	return err
}
