package runtime

import (
	"bytes"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	pdfCacheSize = 64
	pdfCacheTTL  = 10 * time.Minute
)

// pdfCache serves original document bytes from the local artifact copy
// through an expirable LRU, so repeated viewer requests for the same
// document do not re-read the tree.
type pdfCache struct {
	dir   string
	blobs *expirable.LRU[string, []byte]
}

func newPdfCache(localDir string) *pdfCache {
	return &pdfCache{
		dir:   filepath.Join(localDir, "documents"),
		blobs: expirable.NewLRU[string, []byte](pdfCacheSize, nil, pdfCacheTTL),
	}
}

// blob returns the raw bytes of a stored document. The source name is
// flattened to its base name so a request can never escape the
// documents directory.
func (c *pdfCache) blob(source string) ([]byte, error) {
	name := filepath.Base(source)
	if cached, ok := c.blobs.Get(name); ok {
		return cached, nil
	}

	raw, err := os.ReadFile(filepath.Join(c.dir, name))
	if err != nil {
		return nil, err
	}
	c.blobs.Add(name, raw)
	return raw, nil
}

func (h *ndbAPI) pdfBlob(w http.ResponseWriter, r *http.Request) {
	source := r.URL.Query().Get("source")
	if source == "" {
		respondErr(w, http.StatusBadRequest, "source is required")
		return
	}

	raw, err := h.pdf.blob(source)
	if err != nil {
		if os.IsNotExist(err) {
			respondErr(w, http.StatusNotFound, fmt.Sprintf("no document named %s", source))
			return
		}
		respondErr(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/pdf")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

func (h *ndbAPI) pdfChunks(w http.ResponseWriter, r *http.Request) {
	source := r.URL.Query().Get("source")
	if source == "" {
		respondErr(w, http.StatusBadRequest, "source is required")
		return
	}

	raw, err := h.pdf.blob(source)
	if err != nil {
		if os.IsNotExist(err) {
			respondErr(w, http.StatusNotFound, fmt.Sprintf("no document named %s", source))
			return
		}
		respondErr(w, http.StatusInternalServerError, err.Error())
		return
	}

	chunks, err := chunkReader(bytes.NewReader(raw))
	if err != nil {
		respondErr(w, http.StatusInternalServerError, err.Error())
		return
	}

	type chunk struct {
		ChunkID int    `json:"chunk_id"`
		Text    string `json:"text"`
	}
	out := make([]chunk, len(chunks))
	for i, text := range chunks {
		out[i] = chunk{ChunkID: i, Text: text}
	}
	respond(w, http.StatusOK, map[string]any{"source": source, "chunks": out})
}

// highlightedPDF serves the document bytes with the requested chunk's
// text in a header, for viewers that render the highlight client-side.
func (h *ndbAPI) highlightedPDF(w http.ResponseWriter, r *http.Request) {
	source := r.URL.Query().Get("source")
	if source == "" {
		respondErr(w, http.StatusBadRequest, "source is required")
		return
	}
	chunkID, err := strconv.Atoi(r.URL.Query().Get("chunk_id"))
	if err != nil || chunkID < 0 {
		respondErr(w, http.StatusBadRequest, "chunk_id must be a non-negative integer")
		return
	}

	raw, err := h.pdf.blob(source)
	if err != nil {
		if os.IsNotExist(err) {
			respondErr(w, http.StatusNotFound, fmt.Sprintf("no document named %s", source))
			return
		}
		respondErr(w, http.StatusInternalServerError, err.Error())
		return
	}

	chunks, err := chunkReader(bytes.NewReader(raw))
	if err != nil {
		respondErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	if chunkID >= len(chunks) {
		respondErr(w, http.StatusNotFound, fmt.Sprintf("document %s has no chunk %d", source, chunkID))
		return
	}

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("X-Highlight-Chunk", strconv.Itoa(chunkID))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}
