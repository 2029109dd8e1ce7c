package preview

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"aiactions/internal/storage"
)

var ErrSessionNotFound = errors.New("preview session not found")

type Session struct {
	ID          string `json:"id"`
	ActionID    int64  `json:"action_id"`
	ObjectModel string `json:"object_model"`
	RecordID    int64  `json:"record_id"`
	PreviewText string `json:"preview_text"`
}

type ActionStore interface {
	GetAction(ctx context.Context, id int64) (storage.Action, error)
}

// Sessions keeps preview sessions in redis so an operator can flip through
// records of the action's model.
type Sessions struct {
	redis     *redis.Client
	ttl       time.Duration
	actions   ActionStore
	previewer *Previewer
}

func NewSessions(rdb *redis.Client, ttl time.Duration, actions ActionStore, previewer *Previewer) *Sessions {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Sessions{redis: rdb, ttl: ttl, actions: actions, previewer: previewer}
}

func (s *Sessions) key(id string) string {
	return fmt.Sprintf("aiactions:preview:%s", id)
}

// Open starts a session on the first record of the action's model.
func (s *Sessions) Open(ctx context.Context, actionID int64) (Session, error) {
	a, err := s.actions.GetAction(ctx, actionID)
	if err != nil {
		return Session{}, fmt.Errorf("load action: %w", err)
	}
	sess := Session{ID: uuid.NewString(), ActionID: a.ID, ObjectModel: a.TargetModel}

	recordID, found, err := s.previewer.records.FirstRecordID(ctx, a.TargetModel)
	if err != nil {
		return Session{}, fmt.Errorf("find first record: %w", err)
	}
	if found {
		sess.RecordID = recordID
		sess.PreviewText = s.previewer.Preview(ctx, a, recordID)
	}
	if err := s.save(ctx, sess); err != nil {
		return Session{}, err
	}
	return sess, nil
}

func (s *Sessions) Get(ctx context.Context, id string) (Session, error) {
	raw, err := s.redis.Get(ctx, s.key(id)).Result()
	if errors.Is(err, redis.Nil) {
		return Session{}, ErrSessionNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("get preview session: %w", err)
	}
	var sess Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return Session{}, fmt.Errorf("decode preview session: %w", err)
	}
	return sess, nil
}

// SelectRecord points the session at recordID and recomputes the preview.
func (s *Sessions) SelectRecord(ctx context.Context, id string, recordID int64) (Session, error) {
	sess, err := s.Get(ctx, id)
	if err != nil {
		return Session{}, err
	}
	a, err := s.actions.GetAction(ctx, sess.ActionID)
	if err != nil {
		return Session{}, fmt.Errorf("load action: %w", err)
	}
	sess.RecordID = recordID
	sess.PreviewText = s.previewer.Preview(ctx, a, recordID)
	if err := s.save(ctx, sess); err != nil {
		return Session{}, err
	}
	return sess, nil
}

func (s *Sessions) Close(ctx context.Context, id string) error {
	return s.redis.Del(ctx, s.key(id)).Err()
}

func (s *Sessions) save(ctx context.Context, sess Session) error {
	b, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode preview session: %w", err)
	}
	if err := s.redis.Set(ctx, s.key(sess.ID), string(b), s.ttl).Err(); err != nil {
		return fmt.Errorf("save preview session: %w", err)
	}
	return nil
}
