package runtime

import "context"

// SearchResult is one retrieved chunk from an NDB engine.
type SearchResult struct {
	ChunkID int     `json:"chunk_id"`
	Text    string  `json:"text"`
	Source  string  `json:"source"`
	Score   float64 `json:"score"`
}

// TokenTag is one labelled span from a token-classification engine.
// Start and End index runes in the input text.
type TokenTag struct {
	Tag   string `json:"tag"`
	Start int    `json:"start"`
	End   int    `json:"end"`
}

// NdbEngine is a neural retrieval index. Loading the real weights is the
// inference process's concern; the runtime only routes to it.
type NdbEngine interface {
	Search(ctx context.Context, query string, topK int) ([]SearchResult, error)
	Insert(ctx context.Context, source string, chunks []string) error
	Delete(ctx context.Context, source string) error
	Upvote(ctx context.Context, query string, chunkID int, weight int) error
	Associate(ctx context.Context, source, target string, weight int) error
	Sources(ctx context.Context) ([]string, error)
	// Save persists current weights to the given directory.
	Save(ctx context.Context, dir string) error
}

// TextEngine classifies whole texts.
type TextEngine interface {
	Predict(ctx context.Context, text string, topK int) (map[string]float64, error)
}

// TokenEngine tags spans within a text.
type TokenEngine interface {
	Predict(ctx context.Context, text string) ([]TokenTag, error)
}
