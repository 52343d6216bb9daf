package runtime

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"unicode"
)

// KeywordNdb is a term-overlap retrieval engine over the artifact's
// chunk file. It stands in where a deployment has no external
// inference backend: the index is the artifact, feedback boosts are
// applied at query time, and Save persists both back to the tree.
type KeywordNdb struct {
	mu     sync.RWMutex
	chunks []ndbChunk
	nextID int

	// boosts maps a normalized query to per-chunk accumulated weight.
	boosts map[string]map[int]int

	// assoc maps a source phrase to target phrases merged into the
	// query at search time.
	assoc map[string][]string
}

type ndbChunk struct {
	ChunkID int    `json:"chunk_id"`
	Source  string `json:"source"`
	Text    string `json:"text"`
}

type ndbState struct {
	Boosts map[string]map[int]int `json:"boosts"`
	Assoc  map[string][]string    `json:"assoc"`
}

const (
	chunksFile = "chunks.jsonl"
	stateFile  = "state.json"
)

// NewKeywordNdb loads the engine from dir. A missing chunk file is an
// empty index, not an error: a freshly trained model may have no
// documents yet.
func NewKeywordNdb(dir string) (*KeywordNdb, error) {
	e := &KeywordNdb{
		boosts: map[string]map[int]int{},
		assoc:  map[string][]string{},
	}

	f, err := os.Open(filepath.Join(dir, chunksFile))
	if err == nil {
		defer f.Close()
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 1<<20), 1<<20)
		for scanner.Scan() {
			var chunk ndbChunk
			if err := json.Unmarshal(scanner.Bytes(), &chunk); err != nil {
				continue
			}
			e.chunks = append(e.chunks, chunk)
			if chunk.ChunkID >= e.nextID {
				e.nextID = chunk.ChunkID + 1
			}
		}
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("failed to read chunk file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to open chunk file: %w", err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, stateFile))
	if err == nil {
		var state ndbState
		if err := json.Unmarshal(raw, &state); err != nil {
			return nil, fmt.Errorf("failed to parse engine state: %w", err)
		}
		if state.Boosts != nil {
			e.boosts = state.Boosts
		}
		if state.Assoc != nil {
			e.assoc = state.Assoc
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read engine state: %w", err)
	}

	return e, nil
}

func (e *KeywordNdb) Search(_ context.Context, query string, topK int) ([]SearchResult, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	terms := tokenize(query)
	for _, term := range terms {
		terms = append(terms, e.assocExpansion(term)...)
	}
	termSet := map[string]struct{}{}
	for _, term := range terms {
		termSet[term] = struct{}{}
	}

	normalized := normalizeQuery(query)
	results := make([]SearchResult, 0, len(e.chunks))
	for _, chunk := range e.chunks {
		score := overlapScore(termSet, chunk.Text)
		if boost, ok := e.boosts[normalized][chunk.ChunkID]; ok {
			score += float64(boost)
		}
		if score <= 0 {
			continue
		}
		results = append(results, SearchResult{
			ChunkID: chunk.ChunkID,
			Text:    chunk.Text,
			Source:  chunk.Source,
			Score:   score,
		})
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

func (e *KeywordNdb) Insert(_ context.Context, source string, chunks []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, text := range chunks {
		e.chunks = append(e.chunks, ndbChunk{ChunkID: e.nextID, Source: source, Text: text})
		e.nextID++
	}
	return nil
}

func (e *KeywordNdb) Delete(_ context.Context, source string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	kept := e.chunks[:0]
	for _, chunk := range e.chunks {
		if chunk.Source != source {
			kept = append(kept, chunk)
		}
	}
	e.chunks = kept
	return nil
}

func (e *KeywordNdb) Upvote(_ context.Context, query string, chunkID, weight int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	normalized := normalizeQuery(query)
	if e.boosts[normalized] == nil {
		e.boosts[normalized] = map[int]int{}
	}
	e.boosts[normalized][chunkID] += weight
	return nil
}

func (e *KeywordNdb) Associate(_ context.Context, source, target string, weight int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := normalizeQuery(source)
	for i := 0; i < weight; i++ {
		e.assoc[key] = append(e.assoc[key], normalizeQuery(target))
	}
	return nil
}

func (e *KeywordNdb) Sources(_ context.Context) ([]string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	seen := map[string]struct{}{}
	var out []string
	for _, chunk := range e.chunks {
		if _, ok := seen[chunk.Source]; ok {
			continue
		}
		seen[chunk.Source] = struct{}{}
		out = append(out, chunk.Source)
	}
	sort.Strings(out)
	return out, nil
}

func (e *KeywordNdb) Save(_ context.Context, dir string) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create artifact dir: %w", err)
	}

	var chunkLines strings.Builder
	for _, chunk := range e.chunks {
		raw, err := json.Marshal(chunk)
		if err != nil {
			return fmt.Errorf("failed to encode chunk: %w", err)
		}
		chunkLines.Write(raw)
		chunkLines.WriteByte('\n')
	}
	if err := os.WriteFile(filepath.Join(dir, chunksFile), []byte(chunkLines.String()), 0o644); err != nil {
		return fmt.Errorf("failed to write chunk file: %w", err)
	}

	raw, err := json.Marshal(ndbState{Boosts: e.boosts, Assoc: e.assoc})
	if err != nil {
		return fmt.Errorf("failed to encode engine state: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, stateFile), raw, 0o644); err != nil {
		return fmt.Errorf("failed to write engine state: %w", err)
	}
	return nil
}

func (e *KeywordNdb) assocExpansion(term string) []string {
	var out []string
	for _, target := range e.assoc[term] {
		out = append(out, tokenize(target)...)
	}
	return out
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

func normalizeQuery(query string) string {
	return strings.Join(tokenize(query), " ")
}

// overlapScore is the fraction of query terms present in the chunk.
func overlapScore(terms map[string]struct{}, text string) float64 {
	if len(terms) == 0 {
		return 0
	}
	present := map[string]struct{}{}
	for _, token := range tokenize(text) {
		if _, ok := terms[token]; ok {
			present[token] = struct{}{}
		}
	}
	return float64(len(present)) / float64(len(terms))
}
