package tokenizer

import (
	"maps"
	"sort"
	"strings"
	"unicode"
)

// KeywordMap classifies whole words. Lookups are over an exact span; there is
// no prefix or longest-match search.
type KeywordMap struct {
	ignoreCase bool
	words      map[string]Kind
	nonAlnum   string
}

// NewKeywordMap creates an empty keyword table.
func NewKeywordMap(ignoreCase bool) *KeywordMap {
	return &KeywordMap{ignoreCase: ignoreCase, words: make(map[string]Kind)}
}

func (m *KeywordMap) key(word string) string {
	if m.ignoreCase {
		return strings.ToUpper(word)
	}
	return word
}

// Add maps word to kind, replacing any earlier mapping.
func (m *KeywordMap) Add(word string, kind Kind) {
	if word == "" {
		return
	}
	m.words[m.key(word)] = kind
	for _, r := range word {
		if !isLetterOrDigit(r) && !strings.ContainsRune(m.nonAlnum, r) {
			m.nonAlnum += string(r)
		}
	}
}

// AddAll merges every entry of other into m.
func (m *KeywordMap) AddAll(other *KeywordMap) {
	if other == nil {
		return
	}
	for word, kind := range other.words {
		m.Add(word, kind)
	}
}

func (m *KeywordMap) Clone() *KeywordMap {
	return &KeywordMap{ignoreCase: m.ignoreCase, words: maps.Clone(m.words), nonAlnum: m.nonAlnum}
}

// Lookup returns the kind of line[offset:offset+length], or Null.
func (m *KeywordMap) Lookup(line []rune, offset, length int) Kind {
	if length == 0 || offset < 0 || offset+length > len(line) {
		return Null
	}
	if kind, ok := m.words[m.key(string(line[offset:offset+length]))]; ok {
		return kind
	}
	return Null
}

// NonAlphaNumericChars returns the characters used by keywords that are
// neither letters nor digits. They must not break words.
func (m *KeywordMap) NonAlphaNumericChars() string {
	return m.nonAlnum
}

// IgnoreCase reports whether lookups are case insensitive.
func (m *KeywordMap) IgnoreCase() bool {
	return m.ignoreCase
}

// Len returns the number of keywords.
func (m *KeywordMap) Len() int {
	return len(m.words)
}

// Keywords returns the keywords grouped by kind, each group sorted.
func (m *KeywordMap) Keywords() map[Kind][]string {
	out := make(map[Kind][]string)
	for word, kind := range m.words {
		out[kind] = append(out[kind], word)
	}
	for _, words := range out {
		sort.Strings(words)
	}
	return out
}

func isLetterOrDigit(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

// isWhitespace follows the legacy definition: non-breaking spaces are not
// whitespace, the ASCII separator controls are.
func isWhitespace(r rune) bool {
	switch r {
	case '\u00a0', '\u2007', '\u202f', '\u0085':
		return false
	case '\x1c', '\x1d', '\x1e', '\x1f':
		return true
	}
	return unicode.IsSpace(r)
}
