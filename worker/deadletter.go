package worker

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var deadLetterBucket = []byte("dead_letters")

// DeadLetter is one delivery the consumer could not decode. The raw body is
// kept verbatim so an operator can inspect or replay it by hand.
type DeadLetter struct {
	Destination string    `json:"destination"`
	Body        []byte    `json:"body"`
	Cause       string    `json:"cause"`
	ReceivedAt  time.Time `json:"received_at"`
}

// DeadLetterStore persists undecodable deliveries in a local bbolt file.
// Malformed payloads are dropped from the broker because redelivery cannot
// fix them; the store keeps them from disappearing entirely.
type DeadLetterStore struct {
	db *bolt.DB
}

// OpenDeadLetterStore opens or creates the store at path.
func OpenDeadLetterStore(path string) (*DeadLetterStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open dead letter store %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(deadLetterBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create dead letter bucket: %w", err)
	}

	return &DeadLetterStore{db: db}, nil
}

// Record stores one dropped delivery. Keys are the bucket's monotonic
// sequence, so List returns letters in arrival order.
func (s *DeadLetterStore) Record(destination string, body []byte, cause error) error {
	letter := DeadLetter{
		Destination: destination,
		Body:        body,
		Cause:       cause.Error(),
		ReceivedAt:  time.Now().UTC(),
	}

	encoded, err := json.Marshal(letter)
	if err != nil {
		return fmt.Errorf("failed to encode dead letter: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(deadLetterBucket)
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		return bucket.Put(key, encoded)
	})
}

// List returns up to limit stored letters, oldest first. A limit of zero
// returns everything.
func (s *DeadLetterStore) List(limit int) ([]DeadLetter, error) {
	var letters []DeadLetter
	err := s.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(deadLetterBucket).Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			var letter DeadLetter
			if err := json.Unmarshal(v, &letter); err != nil {
				return fmt.Errorf("failed to decode dead letter: %w", err)
			}
			letters = append(letters, letter)
			if limit > 0 && len(letters) >= limit {
				return nil
			}
		}
		return nil
	})
	return letters, err
}

func (s *DeadLetterStore) Close() error {
	return s.db.Close()
}
