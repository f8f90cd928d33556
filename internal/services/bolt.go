package services

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/MegaGrindStone/chat-core/internal/models"
	bolt "go.etcd.io/bbolt"
)

var conversationsBucket = []byte("conversations")

// BoltDB persists materialized conversations in a BoltDB file. Conversation metadata lives in one
// bucket keyed by conversation ID; the messages of each conversation live in their own bucket keyed by
// position.
type BoltDB struct {
	db *bolt.DB
}

type boltConversation struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	TokenCount int       `json:"tokenCount"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// NewBoltDB opens the database at path, creating it with 0600 permissions if needed.
func NewBoltDB(path string) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(conversationsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return BoltDB{}, fmt.Errorf("failed to create conversations bucket: %w", err)
	}

	return BoltDB{db: db}, nil
}

func messageBucketName(conversationID string) []byte {
	return []byte("conversation-" + conversationID)
}

func positionKey(i int) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(i))
	return k
}

// SaveConversationMetadata writes conv and its messages, replacing what was stored for the same ID.
func (b BoltDB) SaveConversationMetadata(_ context.Context, conv models.Conversation) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		convs := tx.Bucket(conversationsBucket)
		if convs == nil {
			return fmt.Errorf("bucket %s not found", conversationsBucket)
		}

		v, err := json.Marshal(boltConversation{
			ID:         conv.ID,
			Title:      conv.Title,
			TokenCount: conv.TokenCount,
			CreatedAt:  conv.CreatedAt,
			UpdatedAt:  conv.UpdatedAt,
		})
		if err != nil {
			return fmt.Errorf("failed to marshal conversation: %w", err)
		}
		if err := convs.Put([]byte(conv.ID), v); err != nil {
			return fmt.Errorf("failed to put conversation: %w", err)
		}

		name := messageBucketName(conv.ID)
		if tx.Bucket(name) != nil {
			if err := tx.DeleteBucket(name); err != nil {
				return fmt.Errorf("failed to reset message bucket: %w", err)
			}
		}
		msgs, err := tx.CreateBucket(name)
		if err != nil {
			return fmt.Errorf("failed to create message bucket: %w", err)
		}

		for i, msg := range conv.Messages {
			v, err := json.Marshal(msg)
			if err != nil {
				return fmt.Errorf("failed to marshal message: %w", err)
			}
			if err := msgs.Put(positionKey(i), v); err != nil {
				return fmt.Errorf("failed to put message: %w", err)
			}
		}
		return nil
	})
}

// Conversations returns every stored conversation with its messages, oldest first.
func (b BoltDB) Conversations(_ context.Context) ([]models.Conversation, error) {
	var convs []models.Conversation
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(conversationsBucket)
		if bucket == nil {
			return nil
		}

		return bucket.ForEach(func(_, v []byte) error {
			var rec boltConversation
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("failed to unmarshal conversation: %w", err)
			}
			conv := models.Conversation{
				ID:         rec.ID,
				Title:      rec.Title,
				TokenCount: rec.TokenCount,
				CreatedAt:  rec.CreatedAt,
				UpdatedAt:  rec.UpdatedAt,
				Messages:   []models.Message{},
			}

			msgs := tx.Bucket(messageBucketName(rec.ID))
			if msgs != nil {
				err := msgs.ForEach(func(_, v []byte) error {
					var msg models.Message
					if err := json.Unmarshal(v, &msg); err != nil {
						return fmt.Errorf("failed to unmarshal message: %w", err)
					}
					conv.Messages = append(conv.Messages, msg)
					return nil
				})
				if err != nil {
					return err
				}
			}

			convs = append(convs, conv)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	slices.SortStableFunc(convs, func(a, b models.Conversation) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return convs, nil
}

// Close releases the database file.
func (b BoltDB) Close() error {
	return b.db.Close()
}
