package runtime

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// LocalStore is the deployment-local bbolt database at
// data/{model_id}/data_storage.db. It holds what never belongs in the
// control-plane store: NLP samples and labels collected at inference
// time, chat history, chat settings.
type LocalStore struct {
	db *bolt.DB
}

var (
	bucketSamples  = []byte("samples")
	bucketLabels   = []byte("labels")
	bucketChat     = []byte("chat")
	bucketSettings = []byte("settings")

	settingsKey = []byte("chat")
)

// Sample is one user-contributed training example.
type Sample struct {
	Text      string    `json:"text"`
	Labels    []string  `json:"labels"`
	Timestamp time.Time `json:"timestamp"`
}

// ChatMessage is one turn of a chat session.
type ChatMessage struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ChatSettings selects the completion backend for the chat route.
type ChatSettings struct {
	Provider    string  `json:"provider"`
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
}

// OpenLocalStore opens (creating if needed) the store at path.
func OpenLocalStore(path string) (*LocalStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketSamples, bucketLabels, bucketChat, bucketSettings} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init local store: %w", err)
	}
	return &LocalStore{db: db}, nil
}

// Close releases the database.
func (s *LocalStore) Close() error { return s.db.Close() }

// AddSample records a user-contributed example and registers its labels.
func (s *LocalStore) AddSample(text string, labels []string) error {
	sample := Sample{Text: text, Labels: labels, Timestamp: time.Now().UTC()}
	raw, err := json.Marshal(sample)
	if err != nil {
		return fmt.Errorf("failed to encode sample: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSamples)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		if err := b.Put(seqKey(seq), raw); err != nil {
			return err
		}
		lb := tx.Bucket(bucketLabels)
		for _, label := range labels {
			if err := lb.Put([]byte(label), nil); err != nil {
				return err
			}
		}
		return nil
	})
}

// RecentSamples returns up to n samples, newest first.
func (s *LocalStore) RecentSamples(n int) ([]Sample, error) {
	var out []Sample
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSamples).Cursor()
		for k, v := c.Last(); k != nil && len(out) < n; k, v = c.Prev() {
			var sample Sample
			if err := json.Unmarshal(v, &sample); err != nil {
				continue
			}
			out = append(out, sample)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read samples: %w", err)
	}
	return out, nil
}

// AddLabels registers labels without attaching a sample.
func (s *LocalStore) AddLabels(labels []string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLabels)
		for _, label := range labels {
			if err := b.Put([]byte(label), nil); err != nil {
				return err
			}
		}
		return nil
	})
}

// Labels returns every registered label in key order.
func (s *LocalStore) Labels() ([]string, error) {
	var out []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLabels).ForEach(func(k, _ []byte) error {
			out = append(out, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read labels: %w", err)
	}
	return out, nil
}

// Stats reports sample and label counts.
func (s *LocalStore) Stats() (samples, labels int, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		samples = tx.Bucket(bucketSamples).Stats().KeyN
		labels = tx.Bucket(bucketLabels).Stats().KeyN
		return nil
	})
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read stats: %w", err)
	}
	return samples, labels, nil
}

// AppendChat records one turn of a session.
func (s *LocalStore) AppendChat(session, role, content string) error {
	msg := ChatMessage{Role: role, Content: content, Timestamp: time.Now().UTC()}
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode chat message: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(bucketChat).CreateBucketIfNotExists([]byte(session))
		if err != nil {
			return err
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		return b.Put(seqKey(seq), raw)
	})
}

// ChatHistory returns every turn of a session in order. Unknown
// sessions return an empty history.
func (s *LocalStore) ChatHistory(session string) ([]ChatMessage, error) {
	var out []ChatMessage
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketChat).Bucket([]byte(session))
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			var msg ChatMessage
			if err := json.Unmarshal(v, &msg); err != nil {
				return nil
			}
			out = append(out, msg)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read chat history: %w", err)
	}
	return out, nil
}

// SaveChatSettings replaces the chat configuration.
func (s *LocalStore) SaveChatSettings(settings ChatSettings) error {
	raw, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to encode chat settings: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSettings).Put(settingsKey, raw)
	})
}

// LoadChatSettings returns the stored chat configuration, zero when
// never set.
func (s *LocalStore) LoadChatSettings() (ChatSettings, error) {
	var settings ChatSettings
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketSettings).Get(settingsKey)
		if raw == nil {
			return nil
		}
		return json.Unmarshal(raw, &settings)
	})
	if err != nil {
		return settings, fmt.Errorf("failed to read chat settings: %w", err)
	}
	return settings, nil
}

func seqKey(seq uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], seq)
	return k[:]
}
