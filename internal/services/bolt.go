package services

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/MegaGrindStone/multimodal-chat/internal/models"
	bolt "go.etcd.io/bbolt"
)

// BoltDB implements the Store interface using a BoltDB backend for persistent storage of chats and
// messages. Records are keyed by their big-endian sequence number, so iteration order is insertion
// order.
type BoltDB struct {
	db *bolt.DB
}

var chatsBucket = []byte("chats")

// NewBoltDB creates a new BoltDB instance with the specified file path. It initializes the database
// with required buckets and returns an error if the database cannot be opened or initialized. The
// database file is created with 0600 permissions if it doesn't exist.
func NewBoltDB(path string) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(chatsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return BoltDB{}, fmt.Errorf("failed to create chats bucket: %w", err)
	}

	return BoltDB{db: db}, nil
}

// Close releases the database file.
func (b BoltDB) Close() error {
	return b.db.Close()
}

func messageBucketName(chatID string) []byte {
	return []byte(fmt.Sprintf("chat-%s", chatID))
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}

// idKey recovers the record key from an ID produced by AddChat or AddMessage.
func idKey(id string) ([]byte, error) {
	prefix, _, ok := strings.Cut(id, "-")
	if !ok {
		return nil, fmt.Errorf("malformed id %q", id)
	}
	seq, err := strconv.ParseUint(prefix, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("malformed id %q: %w", id, err)
	}
	return seqKey(seq), nil
}

// Chats retrieves all stored chat records from the database in reverse chronological order. It
// returns a slice of Chat models or an error if the database operation fails.
func (b BoltDB) Chats(context.Context) ([]models.Chat, error) {
	var chats []models.Chat
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(chatsBucket).ForEach(func(_, v []byte) error {
			var chat models.Chat
			if err := json.Unmarshal(v, &chat); err != nil {
				return fmt.Errorf("failed to unmarshal chat: %w", err)
			}
			chats = append(chats, chat)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	slices.Reverse(chats)
	return chats, nil
}

// AddChat stores a new chat record in the database and creates an associated message bucket. It
// generates a unique ID for the chat by combining a sequence number with the chat's original ID,
// and returns the new ID or an error if the operation fails.
func (b BoltDB) AddChat(_ context.Context, chat models.Chat) (string, error) {
	var newID string
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(chatsBucket)

		seq, err := bucket.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to get next sequence: %w", err)
		}
		newID = fmt.Sprintf("%d-%s", seq, chat.ID)
		chat.ID = newID

		_, err = tx.CreateBucketIfNotExists(messageBucketName(chat.ID))
		if err != nil {
			return fmt.Errorf("failed to create message bucket: %w", err)
		}

		v, err := json.Marshal(chat)
		if err != nil {
			return fmt.Errorf("failed to marshal chat: %w", err)
		}

		return bucket.Put(seqKey(seq), v)
	})

	return newID, err
}

// UpdateChat modifies an existing chat record in the database. Returns models.ErrChatNotFound if no
// chat with exactly that ID exists, or an error if the marshaling or database operation fails.
func (b BoltDB) UpdateChat(_ context.Context, chat models.Chat) error {
	key, err := idKey(chat.ID)
	if err != nil {
		return models.ErrChatNotFound
	}

	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(chatsBucket)
		stored := bucket.Get(key)
		if stored == nil {
			return models.ErrChatNotFound
		}

		// The key only carries the sequence, the rest of the ID must match too.
		var current models.Chat
		if err := json.Unmarshal(stored, &current); err != nil {
			return fmt.Errorf("failed to unmarshal chat: %w", err)
		}
		if current.ID != chat.ID {
			return models.ErrChatNotFound
		}

		v, err := json.Marshal(chat)
		if err != nil {
			return fmt.Errorf("failed to marshal chat: %w", err)
		}

		return bucket.Put(key, v)
	})
}

// Messages retrieves all messages associated with the specified chat ID in their stored order.
func (b BoltDB) Messages(_ context.Context, chatID string) ([]models.Message, error) {
	var messages []models.Message
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(messageBucketName(chatID))
		if bucket == nil {
			return models.ErrChatNotFound
		}

		return bucket.ForEach(func(_, v []byte) error {
			var message models.Message
			if err := json.Unmarshal(v, &message); err != nil {
				return fmt.Errorf("failed to unmarshal message: %w", err)
			}
			messages = append(messages, message)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// AddMessage stores a new message in the specified chat's message bucket. It generates a unique
// ID for the message by combining a sequence number with the message's original ID, and returns
// the new ID or an error if the operation fails.
func (b BoltDB) AddMessage(_ context.Context, chatID string, message models.Message) (string, error) {
	var newID string
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(messageBucketName(chatID))
		if bucket == nil {
			return models.ErrChatNotFound
		}

		seq, err := bucket.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to get next sequence: %w", err)
		}
		newID = fmt.Sprintf("%d-%s", seq, message.ID)
		message.ID = newID

		v, err := json.Marshal(message)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}

		return bucket.Put(seqKey(seq), v)
	})

	return newID, err
}

// UpdateMessage modifies an existing message in the specified chat's message bucket. If the
// message doesn't exist, the operation is silently ignored.
func (b BoltDB) UpdateMessage(_ context.Context, chatID string, message models.Message) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(messageBucketName(chatID))
		if bucket == nil {
			return models.ErrChatNotFound
		}

		key, err := idKey(message.ID)
		if err != nil {
			return nil
		}
		stored := bucket.Get(key)
		if stored == nil {
			return nil
		}

		var current models.Message
		if err := json.Unmarshal(stored, &current); err != nil {
			return fmt.Errorf("failed to unmarshal message: %w", err)
		}
		if current.ID != message.ID {
			return nil
		}

		v, err := json.Marshal(message)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}

		return bucket.Put(key, v)
	})
}
