package document

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Edit replaces Delete lines at Start with Insert.
type Edit struct {
	Start  int
	Delete int
	Insert []string
}

// Empty reports whether the edit changes nothing.
func (e Edit) Empty() bool {
	return e.Delete == 0 && len(e.Insert) == 0
}

// LineEdit computes the single edit turning before into after: everything
// between the longest unchanged run of leading lines and the longest
// unchanged run of trailing lines.
func LineEdit(before, after []string) Edit {
	dmp := diffmatchpatch.New()
	a, b, lineArray := dmp.DiffLinesToChars(joinLines(before), joinLines(after))
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lineArray)

	if len(diffs) == 0 || (len(diffs) == 1 && diffs[0].Type == diffmatchpatch.DiffEqual) {
		return Edit{Start: len(before)}
	}

	prefix, suffix := 0, 0
	if first := diffs[0]; first.Type == diffmatchpatch.DiffEqual {
		prefix = strings.Count(first.Text, "\n")
	}
	if last := diffs[len(diffs)-1]; last.Type == diffmatchpatch.DiffEqual {
		suffix = strings.Count(last.Text, "\n")
	}
	return Edit{
		Start:  prefix,
		Delete: len(before) - prefix - suffix,
		Insert: append([]string{}, after[prefix:len(after)-suffix]...),
	}
}

// Every line is terminated so the diff sees the last line as a whole line.
func joinLines(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}

// Update replaces the content with text through the smallest line edit, so
// that Highlight only re-marks what changed. It returns the edit applied.
func (b *Buffer) Update(text string) (Edit, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	edit := LineEdit(b.texts(), SplitLines(text))
	if edit.Empty() {
		return edit, nil
	}
	log.Debugf("update replaces %d lines at %d with %d", edit.Delete, edit.Start, len(edit.Insert))
	return edit, b.replace(edit.Start, edit.Delete, edit.Insert)
}
