package updatelog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/loomworks/bazaar/pkg/metrics"
	"github.com/loomworks/bazaar/pkg/types"
)

// Kind names one of the three per-deployment log streams.
type Kind string

const (
	KindFeedback   Kind = "feedback"
	KindInsertions Kind = "insertions"
	KindDeletions  Kind = "deletions"
)

// Kinds lists every stream, in reading order.
var Kinds = []Kind{KindFeedback, KindInsertions, KindDeletions}

// EventType names what happened. Feedback events carry one of the three
// feedback types; insertion and deletion streams use their own types.
type EventType string

const (
	EventUpvote         EventType = "upvote"
	EventAssociate      EventType = "associate"
	EventImplicitUpvote EventType = "implicit_upvote"
	EventInsert         EventType = "insert"
	EventDelete         EventType = "delete"
)

// Weights applied when feedback is consumed at retraining. Explicit
// upvotes count double; implicit (click) upvotes count once. Duplicate
// events are expected and simply weigh in again.
const (
	ExplicitUpvoteWeight = 2
	ImplicitUpvoteWeight = 1
)

// Event is one JSON line in an allocation's log file.
type Event struct {
	Seq       uint64          `json:"seq"`
	Timestamp time.Time       `json:"timestamp"`
	Type      EventType       `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
}

// Writer appends events for one allocation of one deployment. The
// allocation id is embedded in the filename, so concurrent allocations
// never contend on a file and no cross-process locks are needed.
type Writer struct {
	dir     string
	allocID string

	mu    sync.Mutex
	seq   uint64
	files map[Kind]*os.File
}

// NewWriter creates a writer rooted at the deployment's data directory
// (data/{deployment_id}) for the given allocation.
func NewWriter(deploymentDir, allocID string) (*Writer, error) {
	for _, kind := range Kinds {
		if err := os.MkdirAll(filepath.Join(deploymentDir, string(kind)), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create update log directory: %w", err)
		}
	}
	return &Writer{
		dir:     deploymentDir,
		allocID: allocID,
		files:   make(map[Kind]*os.File),
	}, nil
}

// Append writes one event and syncs it to disk. The event is durable when
// Append returns. Payload must marshal to JSON.
func (w *Writer) Append(kind Kind, eventType EventType, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal update log payload: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	f, err := w.fileLocked(kind)
	if err != nil {
		return err
	}

	w.seq++
	line, err := json.Marshal(Event{
		Seq:       w.seq,
		Timestamp: types.NowUTC(),
		Type:      eventType,
		Payload:   raw,
	})
	if err != nil {
		return err
	}
	line = append(line, '\n')

	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("failed to append update log event: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync update log: %w", err)
	}

	metrics.UpdateLogWrites.WithLabelValues(string(kind)).Inc()
	return nil
}

func (w *Writer) fileLocked(kind Kind) (*os.File, error) {
	if f, ok := w.files[kind]; ok {
		return f, nil
	}
	path := filepath.Join(w.dir, string(kind), w.allocID+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open update log file: %w", err)
	}
	w.files[kind] = f
	return f, nil
}

// Close closes every open log file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var firstErr error
	for kind, f := range w.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(w.files, kind)
	}
	return firstErr
}

// ReadAll returns the union of every allocation's events for one kind
// under a deployment directory. Order across files is unspecified; retrain
// is commutative over the event set within a kind. A missing kind
// directory yields an empty slice.
func ReadAll(deploymentDir string, kind Kind) ([]Event, error) {
	dir := filepath.Join(deploymentDir, string(kind))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list update log directory: %w", err)
	}

	var events []Event
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".jsonl" {
			continue
		}
		fileEvents, err := readFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		events = append(events, fileEvents...)
	}
	return events, nil
}

func readFile(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open update log file: %w", err)
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var event Event
		if err := json.Unmarshal(line, &event); err != nil {
			// A torn final line from a crashed allocation is skipped, not
			// fatal; everything before it was fsynced.
			continue
		}
		events = append(events, event)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read update log file %s: %w", path, err)
	}
	return events, nil
}

// AmalgamateFeedback gathers the feedback events from every deployment
// directory in dirs and writes them as one JSON-lines file at outPath, the
// supervised input a retraining job consumes. Returns the event count.
func AmalgamateFeedback(dirs []string, outPath string) (int, error) {
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return 0, err
	}
	out, err := os.OpenFile(outPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, fmt.Errorf("failed to create amalgamated feedback file: %w", err)
	}
	defer out.Close()

	count := 0
	for _, dir := range dirs {
		events, err := ReadAll(dir, KindFeedback)
		if err != nil {
			return 0, err
		}
		for i := range events {
			line, err := json.Marshal(events[i])
			if err != nil {
				return 0, err
			}
			if _, err := out.Write(append(line, '\n')); err != nil {
				return 0, err
			}
			count++
		}
	}
	if err := out.Sync(); err != nil {
		return 0, err
	}
	return count, nil
}

// Weight returns the retraining weight of a feedback event type.
func Weight(eventType EventType) int {
	switch eventType {
	case EventUpvote, EventAssociate:
		return ExplicitUpvoteWeight
	case EventImplicitUpvote:
		return ImplicitUpvoteWeight
	default:
		return 0
	}
}
