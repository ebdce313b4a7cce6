package tokenizer

import (
	"encoding/binary"
	"hash/maphash"
	"slices"
	"strings"
	"sync"
)

// LineContext is the scanner state at the end of a line: the active rule
// set, the rule in progress, and one parent frame per open delegation.
// Contexts returned by MarkTokens are interned and must not be modified.
type LineContext struct {
	Parent       *LineContext
	InRule       *Rule
	Rules        *RuleSet
	SpanEndSubst []rune // End sequence computed from the start match, or nil
	EscapeRule   *Rule
}

// newLineContext creates a frame for rs whose parent is a private copy of
// parent.
func newLineContext(rs *RuleSet, parent *LineContext) *LineContext {
	ctx := &LineContext{Rules: rs, Parent: parent.Clone()}
	ctx.resolveEscape()
	return ctx
}

// Clone returns a deep copy of the frame chain.
func (c *LineContext) Clone() *LineContext {
	if c == nil {
		return nil
	}
	return &LineContext{
		Parent:       c.Parent.Clone(),
		InRule:       c.InRule,
		Rules:        c.Rules,
		SpanEndSubst: c.SpanEndSubst,
		EscapeRule:   c.EscapeRule,
	}
}

func (c *LineContext) setInRule(r *Rule) {
	c.InRule = r
	c.resolveEscape()
}

// resolveEscape picks the escape rule of the rule in progress, then that of
// the enclosing span, then that of the rule set.
func (c *LineContext) resolveEscape() {
	switch {
	case c.InRule != nil && c.InRule.escape != nil:
		c.EscapeRule = c.InRule.escape
	case c.Parent != nil && c.Parent.InRule != nil && c.Parent.InRule.escape != nil:
		c.EscapeRule = c.Parent.InRule.escape
	case c.Rules != nil:
		c.EscapeRule = c.Rules.escapeRule
	default:
		c.EscapeRule = nil
	}
}

// Equal reports structural equality: same rule in progress, same rule set,
// equal parent chains and equal span end substitution.
func (c *LineContext) Equal(other *LineContext) bool {
	for c != nil && other != nil {
		if c == other {
			return true
		}
		if c.InRule != other.InRule || c.Rules != other.Rules {
			return false
		}
		if (c.SpanEndSubst == nil) != (other.SpanEndSubst == nil) || !slices.Equal(c.SpanEndSubst, other.SpanEndSubst) {
			return false
		}
		c, other = c.Parent, other.Parent
	}
	return c == nil && other == nil
}

// Depth returns the number of frames in the chain.
func (c *LineContext) Depth() int {
	n := 0
	for ; c != nil; c = c.Parent {
		n++
	}
	return n
}

func (c *LineContext) String() string {
	if c == nil {
		return "<nil>"
	}
	var frames []string
	for f := c; f != nil; f = f.Parent {
		s := f.Rules.Name()
		if f.InRule != nil {
			s += "[" + f.InRule.String() + "]"
		}
		frames = append(frames, s)
	}
	slices.Reverse(frames)
	return strings.Join(frames, " > ")
}

// Interner maps structurally equal contexts to one canonical instance, so
// callers can compare contexts of consecutive runs by pointer.
type Interner struct {
	mu      sync.Mutex
	seed    maphash.Seed
	buckets map[uint64][]*LineContext
	size    int
}

// NewInterner creates an empty intern table.
func NewInterner() *Interner {
	return &Interner{
		seed:    maphash.MakeSeed(),
		buckets: make(map[uint64][]*LineContext),
	}
}

// Intern returns the canonical instance equal to ctx, storing ctx (with an
// interned parent chain) if there is none yet.
func (in *Interner) Intern(ctx *LineContext) *LineContext {
	if ctx == nil {
		return nil
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.intern(ctx)
}

func (in *Interner) intern(ctx *LineContext) *LineContext {
	if ctx.Parent != nil {
		ctx.Parent = in.intern(ctx.Parent)
	}
	h := in.hash(ctx)
	for _, existing := range in.buckets[h] {
		if existing.Equal(ctx) {
			return existing
		}
	}
	in.buckets[h] = append(in.buckets[h], ctx)
	in.size++
	return ctx
}

func (in *Interner) hash(ctx *LineContext) uint64 {
	var h maphash.Hash
	h.SetSeed(in.seed)
	var buf [8]byte
	for f := ctx; f != nil; f = f.Parent {
		var ruleID, setID uint64
		if f.InRule != nil {
			ruleID = f.InRule.id
		}
		if f.Rules != nil {
			setID = f.Rules.id
		}
		binary.LittleEndian.PutUint64(buf[:], ruleID)
		h.Write(buf[:])
		binary.LittleEndian.PutUint64(buf[:], setID)
		h.Write(buf[:])
		if f.SpanEndSubst != nil {
			h.WriteString(string(f.SpanEndSubst))
		}
		h.WriteByte(0)
	}
	return h.Sum64()
}

// Len returns the number of canonical contexts.
func (in *Interner) Len() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.size
}

// Reset forgets every canonical context.
func (in *Interner) Reset() {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.buckets = make(map[uint64][]*LineContext)
	in.size = 0
}
