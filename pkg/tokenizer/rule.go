package tokenizer

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode"

	"github.com/dlclark/regexp2"
)

var (
	ErrEmptyPattern = errors.New("rule has an empty start pattern")
	ErrMissingEnd   = errors.New("rule action requires an end pattern")
)

// RegexpTimeout bounds a single regexp match. A match that times out is
// treated as not matching.
var RegexpTimeout = 250 * time.Millisecond

// Action is what a rule does with the text it matches.
type Action uint8

const (
	Seq           Action = iota // Mark the matched sequence only
	Span                        // Mark from the start sequence up to the end sequence
	EOLSpan                     // Mark from the start sequence to the end of the line
	MarkPrevious                // Mark the text before the match back to the last token
	MarkFollowing               // Mark the text after the match up to the next word break
)

var actionNames = [...]string{"SEQ", "SPAN", "EOL_SPAN", "MARK_PREVIOUS", "MARK_FOLLOWING"}

func (a Action) String() string {
	if int(a) < len(actionNames) {
		return actionNames[a]
	}
	return fmt.Sprintf("Action(%d)", a)
}

// Flags modify how a rule behaves once matched.
type Flags uint8

const (
	NoLineBreak Flags = 1 << iota // Span is closed at the end of the line
	NoWordBreak                   // Span is closed at the next word break
	IsEscape                      // Rule is an escape: skip the match and the following character
	NoEscape                      // Span end ignores the enclosing escape rule
)

// PosMatch restricts where a start or end sequence may match.
type PosMatch uint8

const (
	AtLineStart     PosMatch = 1 << iota // Only at column 0
	AtWhitespaceEnd                      // Only at the first non-whitespace character
	AtWordStart                          // Only right after a token boundary
)

// MatchKind selects the kind of the tokens covering a rule's own delimiters.
type MatchKind int16

const (
	MatchRule    MatchKind = -1 // Same kind as the rule
	MatchContext MatchKind = -2 // Default kind of the active rule set
)

// MatchAs returns a MatchKind that marks delimiters as k.
func MatchAs(k Kind) MatchKind {
	return MatchKind(k)
}

var ruleIDs atomic.Uint64

// Rule is one pattern of a rule set. Rules are immutable once constructed.
type Rule struct {
	id        uint64
	action    Action
	flags     Flags
	startPos  PosMatch
	endPos    PosMatch
	kind      Kind
	matchKind MatchKind
	delegate  *RuleSet
	escape    *Rule
	hashChars []rune // Upper-cased first characters; nil matches any character

	ignoreCase  bool
	start       []rune
	startRegexp *regexp2.Regexp
	startSource string
	end         []rune
	endIsRegexp bool
	endRegexp   *regexp2.Regexp
	dynamicEnd  bool     // end refers to groups of the start match
	dynamicEnds sync.Map // substituted end text -> *regexp2.Regexp
}

// RuleOption configures a rule under construction.
type RuleOption func(*Rule)

func WithFlags(f Flags) RuleOption {
	return func(r *Rule) { r.flags |= f }
}

func WithStartPos(p PosMatch) RuleOption {
	return func(r *Rule) { r.startPos |= p }
}

func WithEndPos(p PosMatch) RuleOption {
	return func(r *Rule) { r.endPos |= p }
}

func WithMatchKind(m MatchKind) RuleOption {
	return func(r *Rule) { r.matchKind = m }
}

// WithDelegate sets the rule set used for a span body, or the rule set that
// takes over after a SEQ.
func WithDelegate(rs *RuleSet) RuleOption {
	return func(r *Rule) { r.delegate = rs }
}

// WithEscape sets the escape rule active inside a span.
func WithEscape(e *Rule) RuleOption {
	return func(r *Rule) { r.escape = e }
}

// WithHashChars sets the characters a regexp rule can start with. Without it
// a regexp rule is tried at every character.
func WithHashChars(chars string) RuleOption {
	return func(r *Rule) {
		r.hashChars = nil
		for _, c := range chars {
			r.hashChars = appendUnique(r.hashChars, unicode.ToUpper(c))
		}
	}
}

// WithIgnoreCase compiles the rule's regexps case insensitively.
func WithIgnoreCase(ignore bool) RuleOption {
	return func(r *Rule) { r.ignoreCase = ignore }
}

// WithEndRegexp treats the end pattern as a regexp.
func WithEndRegexp() RuleOption {
	return func(r *Rule) { r.endIsRegexp = true }
}

func NewSeqRule(seq string, kind Kind, opts ...RuleOption) (*Rule, error) {
	return newRule(Seq, seq, false, "", kind, opts)
}

func NewRegexpSeqRule(pattern string, kind Kind, opts ...RuleOption) (*Rule, error) {
	return newRule(Seq, pattern, true, "", kind, opts)
}

func NewSpanRule(start, end string, kind Kind, opts ...RuleOption) (*Rule, error) {
	return newRule(Span, start, false, end, kind, opts)
}

func NewRegexpSpanRule(start, end string, kind Kind, opts ...RuleOption) (*Rule, error) {
	return newRule(Span, start, true, end, kind, opts)
}

// NewEOLSpanRule creates a span that always runs to the end of the line.
func NewEOLSpanRule(start string, kind Kind, opts ...RuleOption) (*Rule, error) {
	return newRule(EOLSpan, start, false, "", kind, append(opts, WithFlags(NoLineBreak)))
}

func NewRegexpEOLSpanRule(start string, kind Kind, opts ...RuleOption) (*Rule, error) {
	return newRule(EOLSpan, start, true, "", kind, append(opts, WithFlags(NoLineBreak)))
}

func NewMarkPreviousRule(seq string, kind Kind, opts ...RuleOption) (*Rule, error) {
	return newRule(MarkPrevious, seq, false, "", kind, opts)
}

func NewRegexpMarkPreviousRule(pattern string, kind Kind, opts ...RuleOption) (*Rule, error) {
	return newRule(MarkPrevious, pattern, true, "", kind, opts)
}

func NewMarkFollowingRule(seq string, kind Kind, opts ...RuleOption) (*Rule, error) {
	return newRule(MarkFollowing, seq, false, "", kind, opts)
}

func NewRegexpMarkFollowingRule(pattern string, kind Kind, opts ...RuleOption) (*Rule, error) {
	return newRule(MarkFollowing, pattern, true, "", kind, opts)
}

// NewEscapeRule creates an escape rule: the sequence and the character after
// it never end a span or start another rule.
func NewEscapeRule(seq string) (*Rule, error) {
	return newRule(Seq, seq, false, "", Null, []RuleOption{WithFlags(IsEscape)})
}

func newRule(action Action, start string, startIsRegexp bool, end string, kind Kind, opts []RuleOption) (*Rule, error) {
	if start == "" {
		return nil, ErrEmptyPattern
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("invalid token kind %d", kind)
	}
	r := &Rule{
		id:        ruleIDs.Add(1),
		action:    action,
		kind:      kind,
		matchKind: MatchRule,
	}
	for _, opt := range opts {
		opt(r)
	}
	if action == Span && end == "" {
		return nil, fmt.Errorf("%s '%s': %w", action, start, ErrMissingEnd)
	}
	if r.matchKind >= 0 && !Kind(r.matchKind).Valid() {
		return nil, fmt.Errorf("invalid match kind %d", r.matchKind)
	}

	if startIsRegexp {
		re, err := compileAnchored(start, r.ignoreCase)
		if err != nil {
			return nil, err
		}
		r.startRegexp = re
		r.startSource = start
	} else {
		r.start = []rune(start)
		r.hashChars = []rune{unicode.ToUpper(r.start[0])}
	}

	if end != "" {
		r.end = []rune(end)
		r.dynamicEnd = startIsRegexp && hasSubstitution(r.end)
		if r.endIsRegexp && !r.dynamicEnd {
			re, err := compileAnchored(end, r.ignoreCase)
			if err != nil {
				return nil, err
			}
			r.endRegexp = re
		}
	}
	return r, nil
}

func compileAnchored(pattern string, ignoreCase bool) (*regexp2.Regexp, error) {
	opts := regexp2.None
	if ignoreCase {
		opts |= regexp2.IgnoreCase
	}
	re, err := regexp2.Compile(`\A(?:`+pattern+`)`, opts)
	if err != nil {
		return nil, fmt.Errorf("invalid regexp '%s': %w", pattern, err)
	}
	re.MatchTimeout = RegexpTimeout
	return re, nil
}

func appendUnique(chars []rune, c rune) []rune {
	for _, existing := range chars {
		if existing == c {
			return chars
		}
	}
	return append(chars, c)
}

func (r *Rule) Action() Action       { return r.action }
func (r *Rule) Flags() Flags         { return r.flags }
func (r *Rule) Kind() Kind           { return r.kind }
func (r *Rule) MatchKind() MatchKind { return r.matchKind }
func (r *Rule) StartPos() PosMatch   { return r.startPos }
func (r *Rule) EndPos() PosMatch     { return r.endPos }
func (r *Rule) Delegate() *RuleSet   { return r.delegate }
func (r *Rule) Escape() *Rule        { return r.escape }
func (r *Rule) IsRegexp() bool       { return r.startRegexp != nil }
func (r *Rule) EndIsRegexp() bool    { return r.endIsRegexp }

// HashChars returns the upper-cased characters the rule is dispatched on, or
// nil when it is tried at every position.
func (r *Rule) HashChars() []rune {
	return r.hashChars
}

// Start returns the start sequence or regexp source.
func (r *Rule) Start() string {
	if r.startRegexp != nil {
		return r.startSource
	}
	return string(r.start)
}

// End returns the end sequence or regexp source, or "" if the rule has none.
func (r *Rule) End() string {
	return string(r.end)
}

func (r *Rule) hasEnd() bool {
	return len(r.end) > 0
}

func (r *Rule) String() string {
	if r.hasEnd() {
		return fmt.Sprintf("%s %q..%q", r.action, r.Start(), r.End())
	}
	return fmt.Sprintf("%s %q", r.action, r.Start())
}

// tokenKind resolves the kind of the delimiter tokens for this rule.
func (r *Rule) tokenKind(def Kind) Kind {
	switch r.matchKind {
	case MatchRule:
		return r.kind
	case MatchContext:
		return def
	default:
		return Kind(r.matchKind)
	}
}

// matchStart returns the length of the start sequence at line[pos:], and the
// regexp match when the start is a regexp. A zero-width regexp match counts
// as one character so scanning always advances.
func (r *Rule) matchStart(line []rune, pos int, ignoreCase bool) (int, *regexp2.Match, bool) {
	if r.startRegexp == nil {
		if !regionMatches(ignoreCase, line, pos, r.start) {
			return 0, nil, false
		}
		return len(r.start), nil, true
	}
	m := findAnchored(r.startRegexp, line, pos)
	if m == nil {
		return 0, nil, false
	}
	if m.Length == 0 {
		return 1, m, true
	}
	return m.Length, m, true
}

// matchEnd returns the length of the end sequence at line[pos:]. subst, when
// non-nil, replaces the declared end.
func (r *Rule) matchEnd(line []rune, pos int, ignoreCase bool, subst []rune) (int, bool) {
	if !r.hasEnd() {
		return 0, false
	}
	end := r.end
	re := r.endRegexp
	if subst != nil {
		end = subst
		if r.endIsRegexp {
			re = r.substitutedRegexp(subst)
			if re == nil {
				return 0, false
			}
		}
	}
	if re == nil {
		// An end substituted from an empty capture never matches.
		if len(end) == 0 || !regionMatches(ignoreCase, line, pos, end) {
			return 0, false
		}
		return len(end), true
	}
	m := findAnchored(re, line, pos)
	if m == nil {
		return 0, false
	}
	if m.Length == 0 {
		return 1, true
	}
	return m.Length, true
}

func (r *Rule) substitutedRegexp(subst []rune) *regexp2.Regexp {
	key := string(subst)
	if cached, ok := r.dynamicEnds.Load(key); ok {
		return cached.(*regexp2.Regexp)
	}
	re, err := compileAnchored(key, r.ignoreCase)
	if err != nil {
		log.Debugf("dynamic span end %q does not compile: %s", key, err)
		return nil
	}
	actual, _ := r.dynamicEnds.LoadOrStore(key, re)
	return actual.(*regexp2.Regexp)
}

func findAnchored(re *regexp2.Regexp, line []rune, pos int) *regexp2.Match {
	m, err := re.FindRunesMatch(line[pos:])
	if err != nil {
		log.Debugf("regexp %s abandoned at column %d: %s", re.String(), pos, err)
		return nil
	}
	return m
}

func regionMatches(ignoreCase bool, line []rune, pos int, seq []rune) bool {
	if pos < 0 || pos+len(seq) > len(line) {
		return false
	}
	for i, c := range seq {
		l := line[pos+i]
		if l == c {
			continue
		}
		if ignoreCase && unicode.ToUpper(l) == unicode.ToUpper(c) {
			continue
		}
		return false
	}
	return true
}

var complementaryBrackets = map[rune]rune{
	'(': ')', ')': '(',
	'[': ']', ']': '[',
	'{': '}', '}': '{',
	'<': '>', '>': '<',
}

func hasSubstitution(template []rune) bool {
	for i := 0; i < len(template)-1; i++ {
		if (template[i] == '$' || template[i] == '~') && isASCIIDigit(template[i+1]) {
			return true
		}
	}
	return false
}

func isASCIIDigit(r rune) bool {
	return r >= '0' && r <= '9'
}

// substitute expands $N and ~N in template with group N of m. ~N maps a
// single character group to its complementary bracket. When quote is set the
// inserted text is escaped for use inside a regexp.
func substitute(m *regexp2.Match, template []rune, quote bool) []rune {
	var buf strings.Builder
	for i := 0; i < len(template); i++ {
		ch := template[i]
		if (ch != '$' && ch != '~') || i == len(template)-1 || !isASCIIDigit(template[i+1]) {
			buf.WriteRune(ch)
			continue
		}
		i++
		var group string
		if g := m.GroupByNumber(int(template[i] - '0')); g != nil {
			group = g.String()
		}
		if ch == '~' {
			if rs := []rune(group); len(rs) == 1 {
				if c, ok := complementaryBrackets[rs[0]]; ok {
					group = string(c)
				}
			}
		}
		if quote {
			group = regexp2.Escape(group)
		}
		buf.WriteString(group)
	}
	out := []rune(buf.String())
	if out == nil {
		out = []rune{}
	}
	return out
}
