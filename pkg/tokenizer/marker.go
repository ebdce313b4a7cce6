package tokenizer

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("nutmeg-highlighter.tokenizer")

// MainRuleSetName is the name of the rule set a mode starts scanning in.
const MainRuleSetName = "MAIN"

var (
	ErrRuleConsumed  = errors.New("rule consumed twice")
	ErrNoMainRuleSet = errors.New("no MAIN rule set")
)

// TokenMarker owns the rule sets of one mode and splits lines into tokens.
// Rule sets are added while the mode is built; after that a TokenMarker is
// read-only and MarkTokens may be called from several goroutines.
type TokenMarker struct {
	ruleSets map[string]*RuleSet
	main     *RuleSet
	interner *Interner
}

type MarkerOption func(*TokenMarker)

// WithInterner makes the marker share an intern table, so contexts of
// different markers (for example modes that delegate to each other) can be
// compared by pointer.
func WithInterner(in *Interner) MarkerOption {
	return func(tm *TokenMarker) {
		if in != nil {
			tm.interner = in
		}
	}
}

func NewTokenMarker(opts ...MarkerOption) *TokenMarker {
	tm := &TokenMarker{ruleSets: make(map[string]*RuleSet)}
	for _, opt := range opts {
		opt(tm)
	}
	if tm.interner == nil {
		tm.interner = NewInterner()
	}
	return tm
}

// AddRuleSet registers rs under its set name. The set named MAIN becomes the
// main rule set.
func (tm *TokenMarker) AddRuleSet(rs *RuleSet) {
	tm.ruleSets[rs.SetName()] = rs
	if rs.SetName() == MainRuleSetName {
		tm.main = rs
	}
}

func (tm *TokenMarker) RuleSet(name string) *RuleSet {
	return tm.ruleSets[name]
}

func (tm *TokenMarker) MainRuleSet() *RuleSet {
	return tm.main
}

// RuleSets returns the registered rule sets ordered by name.
func (tm *TokenMarker) RuleSets() []*RuleSet {
	sets := make([]*RuleSet, 0, len(tm.ruleSets))
	for _, rs := range tm.ruleSets {
		sets = append(sets, rs)
	}
	sort.Slice(sets, func(i, j int) bool { return sets[i].SetName() < sets[j].SetName() })
	return sets
}

func (tm *TokenMarker) Interner() *Interner {
	return tm.interner
}

// MarkTokens splits line into tokens, reporting them to h in offset order,
// and returns the interned context the next line starts from. A nil prev
// starts in the MAIN rule set. prev itself is never modified.
func (tm *TokenMarker) MarkTokens(prev *LineContext, h TokenHandler, line []rune) (*LineContext, error) {
	var ctx *LineContext
	if prev == nil {
		if tm.main == nil {
			return nil, ErrNoMainRuleSet
		}
		ctx = &LineContext{Rules: tm.main}
		ctx.resolveEscape()
	} else {
		ctx = prev.Clone()
	}

	s := scanner{handler: h, line: line, ctx: ctx}
	if err := s.scan(); err != nil {
		return nil, err
	}

	result := tm.interner.Intern(s.ctx)
	h.SetLineContext(result)
	return result, nil
}

// scanner holds the state of one MarkTokens call.
type scanner struct {
	handler TokenHandler
	line    []rune
	ctx     *LineContext

	pos               int // Scan cursor
	lastOffset        int // Start of the text not yet emitted
	whitespaceEnd     int
	seenWhitespaceEnd bool
	terminated        bool
	err               error
}

func (s *scanner) emit(kind Kind, offset, length int) {
	s.handler.HandleToken(s.line, kind, offset, length, s.ctx)
}

func (s *scanner) fail(rule *Rule) {
	if s.err == nil {
		s.err = fmt.Errorf("%s in %s: %w", rule, s.ctx.Rules.Name(), ErrRuleConsumed)
	}
}

func (s *scanner) scan() error {
	terminateChar := s.ctx.Rules.TerminateChar()
	length := len(s.line)

	for s.pos = 0; s.pos < length; s.pos++ {
		if s.err != nil {
			return s.err
		}
		if terminateChar >= 0 && s.pos >= terminateChar && !s.terminated {
			s.terminated = true
			s.ctx = newLineContext(StandardRuleSet(s.ctx.Rules.Default()), s.ctx)
		}

		if esc := s.ctx.EscapeRule; esc != nil && s.handleRuleStart(esc) {
			s.seenWhitespaceEnd = true
			continue
		}

		if s.ctx.Parent != nil && s.ctx.Parent.InRule != nil && s.checkDelegateEnd(s.ctx.Parent.InRule) {
			s.seenWhitespaceEnd = true
			continue
		}

		ch := s.line[s.pos]
		matched := false
		for _, rule := range s.ctx.Rules.Rules(ch) {
			if s.handleRuleStart(rule) {
				matched = true
				break
			}
		}
		if matched {
			s.seenWhitespaceEnd = true
			continue
		}

		if isWhitespace(ch) {
			if !s.seenWhitespaceEnd {
				s.whitespaceEnd = s.pos + 1
			}
			s.endFollowing()
			s.handleNoWordBreak()
			s.markKeyword(false)
			def := s.ctx.Rules.Default()
			if s.lastOffset != s.pos {
				s.emit(def, s.lastOffset, s.pos-s.lastOffset)
			}
			s.emit(def, s.pos, 1)
			s.lastOffset = s.pos + 1
			continue
		}

		rs := s.ctx.Rules
		if rs.Keywords() != nil || rs.RuleCount() != 0 {
			if !isLetterOrDigit(ch) && !strings.ContainsRune(rs.NoWordSep(), ch) {
				s.endFollowing()
				s.handleNoWordBreak()
				s.markKeyword(true)
				s.emit(s.ctx.Rules.Default(), s.lastOffset, 1)
				s.lastOffset = s.pos + 1
			}
		}
		s.seenWhitespaceEnd = true
	}

	s.pos = length
	s.endFollowing()
	s.handleNoWordBreak()
	s.markKeyword(true)
	if s.err != nil {
		return s.err
	}

	for s.ctx.Parent != nil {
		rule := s.ctx.Parent.InRule
		if !s.terminated && (rule == nil || rule.flags&NoLineBreak == 0) {
			break
		}
		s.pop()
	}

	s.emit(End, s.pos, 0)
	return nil
}

// pop returns to the parent frame and clears its rule in progress.
func (s *scanner) pop() {
	s.ctx = s.ctx.Parent
	s.ctx.SpanEndSubst = nil
	s.ctx.setInRule(nil)
}

func (s *scanner) offsetMatches(offset int, p PosMatch) bool {
	switch {
	case p&AtLineStart != 0:
		return offset == 0
	case p&AtWhitespaceEnd != 0:
		return offset == s.whitespaceEnd
	case p&AtWordStart != 0:
		return offset == s.lastOffset
	}
	return true
}

// checkDelegateEnd tests the end of the span that delegated to the current
// frame. On a match the frame is dropped and the end sequence emitted.
func (s *scanner) checkDelegateEnd(rule *Rule) bool {
	if !rule.hasEnd() {
		return false
	}
	parent := s.ctx.Parent
	if !s.offsetMatches(s.pos, rule.endPos) {
		return false
	}
	n, ok := rule.matchEnd(s.line, s.pos, parent.Rules.ignoreCase || rule.ignoreCase, parent.SpanEndSubst)
	if !ok {
		if rule.flags&NoEscape == 0 && parent.EscapeRule != nil && parent.EscapeRule != s.ctx.EscapeRule {
			return s.handleRuleStart(parent.EscapeRule)
		}
		return false
	}

	s.endFollowing()
	s.markKeyword(true)
	s.ctx = parent.Clone()
	s.emit(rule.tokenKind(s.ctx.Rules.Default()), s.pos, n)
	s.ctx.SpanEndSubst = nil
	s.ctx.setInRule(nil)
	s.lastOffset = s.pos + n
	s.pos += n - 1
	return true
}

// handleRuleStart tries rule at the scan position and applies its action.
func (s *scanner) handleRuleStart(rule *Rule) bool {
	offset := s.pos
	if rule.action == MarkPrevious {
		offset = s.lastOffset
	}
	if !s.offsetMatches(offset, rule.startPos) {
		return false
	}
	n, m, ok := rule.matchStart(s.line, s.pos, s.ctx.Rules.ignoreCase || rule.ignoreCase)
	if !ok {
		return false
	}

	if rule.flags&IsEscape != 0 {
		s.pos += n
		return true
	}

	s.endFollowing()
	s.markKeyword(rule.action != MarkPrevious)
	def := s.ctx.Rules.Default()

	switch rule.action {
	case Seq:
		s.ctx.SpanEndSubst = nil
		s.emit(rule.kind, s.pos, n)
		if rule.delegate != nil {
			s.ctx = newLineContext(rule.delegate, s.ctx.Parent)
		}
	case Span, EOLSpan:
		s.ctx.setInRule(rule)
		s.emit(rule.tokenKind(def), s.pos, n)
		s.ctx.SpanEndSubst = nil
		if rule.dynamicEnd && m != nil {
			s.ctx.SpanEndSubst = substitute(m, rule.end, rule.endIsRegexp)
		}
		body := rule.delegate
		if body == nil {
			body = StandardRuleSet(rule.kind)
		}
		s.ctx = newLineContext(body, s.ctx)
	case MarkFollowing:
		s.emit(rule.tokenKind(def), s.pos, n)
		s.ctx.SpanEndSubst = nil
		s.ctx.setInRule(rule)
	case MarkPrevious:
		s.ctx.SpanEndSubst = nil
		if s.pos != s.lastOffset {
			s.emit(rule.kind, s.lastOffset, s.pos-s.lastOffset)
		}
		s.emit(rule.tokenKind(def), s.pos, n)
	}

	s.pos += n - 1
	s.lastOffset = s.pos + 1
	return true
}

// endFollowing closes a MARK_FOLLOWING rule in progress on the current frame,
// marking the text since its start sequence with the rule's kind. Any other
// rule in progress here has already had its end run.
func (s *scanner) endFollowing() {
	rule := s.ctx.InRule
	if rule == nil {
		return
	}
	if rule.action != MarkFollowing {
		s.fail(rule)
		return
	}
	if s.pos != s.lastOffset {
		s.emit(rule.kind, s.lastOffset, s.pos-s.lastOffset)
	}
	s.lastOffset = s.pos
	s.ctx.setInRule(nil)
}

// handleNoWordBreak ends a span that may not contain a word break.
func (s *scanner) handleNoWordBreak() {
	if s.ctx.Parent == nil {
		return
	}
	rule := s.ctx.Parent.InRule
	if rule == nil || rule.flags&NoWordBreak == 0 {
		return
	}
	if s.pos != s.lastOffset {
		s.emit(rule.kind, s.lastOffset, s.pos-s.lastOffset)
	}
	s.lastOffset = s.pos
	s.pop()
}

// markKeyword classifies the pending text as a number or keyword. Otherwise
// it is emitted with the default kind when addRemaining is set.
func (s *scanner) markKeyword(addRemaining bool) {
	length := s.pos - s.lastOffset
	if length <= 0 {
		return
	}
	rs := s.ctx.Rules

	if rs.HighlightDigits() {
		word := s.line[s.lastOffset:s.pos]
		digit, mixed := false, false
		for _, c := range word {
			if unicode.IsDigit(c) {
				digit = true
			} else {
				mixed = true
			}
		}
		if mixed && digit {
			digit = rs.digitRegexp != nil && rs.matchesDigitRegexp(word)
		}
		if digit {
			s.emit(Digit, s.lastOffset, length)
			s.lastOffset = s.pos
			return
		}
	}

	if kw := rs.Keywords(); kw != nil {
		if kind := kw.Lookup(s.line, s.lastOffset, length); kind != Null {
			s.emit(kind, s.lastOffset, length)
			s.lastOffset = s.pos
			return
		}
	}

	if addRemaining {
		s.emit(rs.Default(), s.lastOffset, length)
		s.lastOffset = s.pos
	}
}
