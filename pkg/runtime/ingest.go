package runtime

import (
	"fmt"
	"io"
	"strings"

	"github.com/loomworks/bazaar/pkg/artifact"
)

// diskGuard checks free space under the shared tree before ingest.
func (rt *Runtime) diskGuard() *artifact.DiskGuard {
	return artifact.NewDiskGuard(rt.layout.Base(), rt.cfg.LowDiskBytes)
}

// chunkReader splits an uploaded document into paragraph chunks. Blank
// lines delimit paragraphs; a file without blank lines is one chunk.
func chunkReader(r io.Reader) ([]string, error) {
	raw, err := io.ReadAll(io.LimitReader(r, 64<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read document: %w", err)
	}

	var chunks []string
	for _, part := range strings.Split(string(raw), "\n\n") {
		part = strings.TrimSpace(part)
		if part != "" {
			chunks = append(chunks, part)
		}
	}
	return chunks, nil
}
