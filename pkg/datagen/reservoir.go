package datagen

import (
	"encoding/binary"
	"fmt"
	"math/rand"
	"time"

	bolt "go.etcd.io/bbolt"
)

// DefaultReservoirCap bounds how many user-provided samples are kept
// per name.
const DefaultReservoirCap = 100000

// Reservoir keeps a bounded uniform-ish sample of user-provided values
// per name, persisted in bbolt. Each name has its own sub-bucket of
// index → value plus a running seen counter; one Add is one
// transaction, which is the only write lock the sampler needs.
type Reservoir struct {
	db  *bolt.DB
	cap int
	rng *rand.Rand
}

var (
	bucketReservoir = []byte("reservoir")
	bucketSeen      = []byte("reservoir_seen")
)

// OpenReservoir opens (creating if needed) the sampler database.
func OpenReservoir(path string, capacity int) (*Reservoir, error) {
	if capacity <= 0 {
		capacity = DefaultReservoirCap
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open reservoir: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketReservoir); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketSeen)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init reservoir: %w", err)
	}
	return &Reservoir{db: db, cap: capacity, rng: rand.New(rand.NewSource(time.Now().UnixNano()))}, nil
}

// Close releases the database.
func (r *Reservoir) Close() error { return r.db.Close() }

// Add folds a batch of samples for name into the reservoir under one
// transaction. recency > 1 biases toward keeping newer samples. Any
// excess left after the batch is deleted at random.
func (r *Reservoir) Add(name string, samples []string, recency float64) error {
	if recency <= 0 {
		recency = 1
	}
	return r.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.Bucket(bucketReservoir).CreateBucketIfNotExists([]byte(name))
		if err != nil {
			return err
		}
		seenBucket := tx.Bucket(bucketSeen)

		seen := getCount(seenBucket, name)
		size := bucket.Stats().KeyN

		for _, sample := range samples {
			seen++
			if size < r.cap {
				if err := bucket.Put(indexKey(size), []byte(sample)); err != nil {
					return err
				}
				size++
				continue
			}
			prob := recency * float64(r.cap) / float64(seen+r.cap)
			if r.rng.Float64() < prob {
				if err := bucket.Put(indexKey(r.rng.Intn(size)), []byte(sample)); err != nil {
					return err
				}
			}
		}

		// Trim randomly if a capacity change left the bucket oversized.
		for size > r.cap {
			victim := r.rng.Intn(size)
			last := size - 1
			if victim != last {
				if err := bucket.Put(indexKey(victim), bucket.Get(indexKey(last))); err != nil {
					return err
				}
			}
			if err := bucket.Delete(indexKey(last)); err != nil {
				return err
			}
			size--
		}

		return putCount(seenBucket, name, seen)
	})
}

// Samples returns every kept value for name.
func (r *Reservoir) Samples(name string) ([]string, error) {
	var out []string
	err := r.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketReservoir).Bucket([]byte(name))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(_, v []byte) error {
			out = append(out, string(v))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read reservoir: %w", err)
	}
	return out, nil
}

// Seen returns how many samples have ever been offered for name.
func (r *Reservoir) Seen(name string) (int, error) {
	var seen int
	err := r.db.View(func(tx *bolt.Tx) error {
		seen = getCount(tx.Bucket(bucketSeen), name)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to read seen count: %w", err)
	}
	return seen, nil
}

func getCount(b *bolt.Bucket, name string) int {
	raw := b.Get([]byte(name))
	if len(raw) != 8 {
		return 0
	}
	return int(binary.BigEndian.Uint64(raw))
}

func putCount(b *bolt.Bucket, name string, count int) error {
	var raw [8]byte
	binary.BigEndian.PutUint64(raw[:], uint64(count))
	return b.Put([]byte(name), raw[:])
}

func indexKey(i int) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], uint64(i))
	return k[:]
}
