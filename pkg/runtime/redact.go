package runtime

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// UnknownEntity replaces labels the client supplies that the map never
// issued.
const UnknownEntity = "[UNKNOWN ENTITY]"

// labelOverlapMin is the common-substring length above which two raw
// entities are treated as the same thing and share a label. Keeps a
// phone number detected twice with slightly different spans from
// getting two labels in one query.
const labelOverlapMin = 5

var labelPattern = regexp.MustCompile(`\[[A-Z0-9_-]+#\d+\]`)

// LabelMap assigns stable [TAG#N] labels to detected entities within one
// request and remembers the substitutions for unredaction.
type LabelMap struct {
	entities map[string]string // label -> raw text
	counters map[string]int    // tag -> next index
}

// NewLabelMap creates an empty label map.
func NewLabelMap() *LabelMap {
	return &LabelMap{
		entities: map[string]string{},
		counters: map[string]int{},
	}
}

// LabelFor returns the label for a detected entity, reusing an existing
// label of the same tag when the raw texts overlap enough.
func (lm *LabelMap) LabelFor(tag, raw string) string {
	prefix := "[" + tag + "#"
	for label, existing := range lm.entities {
		if !strings.HasPrefix(label, prefix) {
			continue
		}
		if commonSubstringLen(existing, raw) > labelOverlapMin {
			return label
		}
	}

	label := fmt.Sprintf("[%s#%d]", tag, lm.counters[tag])
	lm.counters[tag]++
	lm.entities[label] = raw
	return label
}

// Entities returns the label -> raw mapping accumulated so far.
func (lm *LabelMap) Entities() map[string]string {
	out := make(map[string]string, len(lm.entities))
	for label, raw := range lm.entities {
		out[label] = raw
	}
	return out
}

// Redact substitutes every tagged span in text with its label. Spans are
// rune offsets from the guardrail model; overlapping spans apply
// longest-first.
func (lm *LabelMap) Redact(text string, tags []TokenTag) string {
	if len(tags) == 0 {
		return text
	}

	runes := []rune(text)
	sorted := append([]TokenTag(nil), tags...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Start != sorted[j].Start {
			return sorted[i].Start < sorted[j].Start
		}
		return sorted[i].End > sorted[j].End
	})

	var b strings.Builder
	pos := 0
	for _, tag := range sorted {
		if tag.Start < pos || tag.Start >= tag.End || tag.End > len(runes) {
			continue
		}
		b.WriteString(string(runes[pos:tag.Start]))
		b.WriteString(lm.LabelFor(tag.Tag, string(runes[tag.Start:tag.End])))
		pos = tag.End
	}
	b.WriteString(string(runes[pos:]))
	return b.String()
}

// Unredact substitutes labels in text back to their raw entities.
// Labels missing from entities become the unknown sentinel.
func Unredact(text string, entities map[string]string) string {
	return labelPattern.ReplaceAllStringFunc(text, func(label string) string {
		if raw, ok := entities[label]; ok {
			return raw
		}
		return UnknownEntity
	})
}

// commonSubstringLen returns the length of the longest common substring
// of a and b.
func commonSubstringLen(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 || len(rb) == 0 {
		return 0
	}

	prev := make([]int, len(rb)+1)
	best := 0
	for i := 1; i <= len(ra); i++ {
		cur := make([]int, len(rb)+1)
		for j := 1; j <= len(rb); j++ {
			if ra[i-1] == rb[j-1] {
				cur[j] = prev[j-1] + 1
				if cur[j] > best {
					best = cur[j]
				}
			}
		}
		prev = cur
	}
	return best
}
