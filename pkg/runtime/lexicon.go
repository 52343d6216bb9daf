package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// lexiconFile maps a label to the patterns that indicate it. Text
// models treat patterns as case-insensitive substrings; token models
// compile them as regular expressions and tag every match.
const lexiconFile = "lexicon.json"

// LexiconText scores labels by pattern occurrence.
type LexiconText struct {
	labels map[string][]string
}

// NewLexiconText loads the classifier lexicon from dir.
func NewLexiconText(dir string) (*LexiconText, error) {
	labels, err := loadLexicon(dir)
	if err != nil {
		return nil, err
	}
	return &LexiconText{labels: labels}, nil
}

func (e *LexiconText) Predict(_ context.Context, text string, topK int) (map[string]float64, error) {
	lowered := strings.ToLower(text)

	type scored struct {
		label string
		score float64
	}
	var all []scored
	for label, patterns := range e.labels {
		hits := 0
		for _, pattern := range patterns {
			hits += strings.Count(lowered, strings.ToLower(pattern))
		}
		if hits > 0 {
			all = append(all, scored{label: label, score: float64(hits)})
		}
	}

	sort.Slice(all, func(i, j int) bool {
		if all[i].score != all[j].score {
			return all[i].score > all[j].score
		}
		return all[i].label < all[j].label
	})
	if len(all) > topK {
		all = all[:topK]
	}

	out := make(map[string]float64, len(all))
	for _, s := range all {
		out[s.label] = s.score
	}
	return out, nil
}

// LexiconToken tags regex matches with their label.
type LexiconToken struct {
	patterns map[string][]*regexp.Regexp
}

// NewLexiconToken loads and compiles the tagging lexicon from dir.
func NewLexiconToken(dir string) (*LexiconToken, error) {
	labels, err := loadLexicon(dir)
	if err != nil {
		return nil, err
	}

	compiled := make(map[string][]*regexp.Regexp, len(labels))
	for label, patterns := range labels {
		for _, pattern := range patterns {
			re, err := regexp.Compile(pattern)
			if err != nil {
				return nil, fmt.Errorf("invalid pattern for %s: %w", label, err)
			}
			compiled[label] = append(compiled[label], re)
		}
	}
	return &LexiconToken{patterns: compiled}, nil
}

func (e *LexiconToken) Predict(_ context.Context, text string) ([]TokenTag, error) {
	var tags []TokenTag
	for label, patterns := range e.patterns {
		for _, re := range patterns {
			for _, match := range re.FindAllStringIndex(text, -1) {
				tags = append(tags, TokenTag{
					Tag:   label,
					Start: runeIndex(text, match[0]),
					End:   runeIndex(text, match[1]),
				})
			}
		}
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i].Start < tags[j].Start })
	return tags, nil
}

func loadLexicon(dir string) (map[string][]string, error) {
	raw, err := os.ReadFile(filepath.Join(dir, lexiconFile))
	if os.IsNotExist(err) {
		return map[string][]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read lexicon: %w", err)
	}

	var labels map[string][]string
	if err := json.Unmarshal(raw, &labels); err != nil {
		return nil, fmt.Errorf("failed to parse lexicon: %w", err)
	}
	return labels, nil
}

// runeIndex converts a byte offset into a rune offset.
func runeIndex(text string, byteOff int) int {
	return len([]rune(text[:byteOff]))
}
