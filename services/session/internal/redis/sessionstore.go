package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/appetiteclub/bartab/services/session/internal/session"
	"github.com/aquamarinepk/aqm"
	"github.com/go-redis/redis/v8"
)

const keyPrefix = "bartab:session:"

// SessionStore keeps session documents in Redis so several replicas share
// them. Put watches the key and only commits when the stored revision still
// matches the caller's.
type SessionStore struct {
	client redis.UniversalClient
	ttl    time.Duration
	logger aqm.Logger
	config *aqm.Config
}

var _ session.Store = (*SessionStore)(nil)

func NewSessionStore(config *aqm.Config, logger aqm.Logger) *SessionStore {
	if logger == nil {
		logger = aqm.NewNoopLogger()
	}
	return &SessionStore{
		ttl:    session.DefaultTTL,
		logger: logger,
		config: config,
	}
}

// NewSessionStoreWithClient wraps an existing client.
func NewSessionStoreWithClient(client redis.UniversalClient, ttl time.Duration, logger aqm.Logger) *SessionStore {
	s := NewSessionStore(nil, logger)
	s.client = client
	if ttl > 0 {
		s.ttl = ttl
	}
	return s
}

func (s *SessionStore) Start(ctx context.Context) error {
	if s.client == nil {
		addr := s.config.GetStringOrDef("db.redis.addr", "localhost:6379")
		password, _ := s.config.GetString("db.redis.password")
		db := 0
		if raw, ok := s.config.GetString("db.redis.db"); ok && raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil {
				return fmt.Errorf("invalid db.redis.db %q: %w", raw, err)
			}
			db = parsed
		}
		s.client = redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		})
		if raw, ok := s.config.GetString("store.ttl"); ok && raw != "" {
			if ttl, err := time.ParseDuration(raw); err == nil && ttl > 0 {
				s.ttl = ttl
			} else {
				s.logger.Info("invalid store.ttl, using default", "value", raw, "default", s.ttl.String())
			}
		}
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := s.client.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("cannot ping Redis: %w", err)
	}

	s.logger.Info("Connected to Redis", "ttl", s.ttl.String())
	return nil
}

func (s *SessionStore) Stop(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("cannot close Redis client: %w", err)
	}
	s.logger.Info("Disconnected from Redis")
	return nil
}

func (s *SessionStore) Get(ctx context.Context, sessionID string) (*session.Document, error) {
	raw, err := s.client.Get(ctx, key(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, session.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("cannot get session: %w", err)
	}
	doc, err := decode(raw)
	if err != nil {
		return nil, err
	}
	return session.Migrate(doc), nil
}

func (s *SessionStore) Put(ctx context.Context, sessionID string, doc *session.Document) error {
	k := key(sessionID)
	next := doc.Clone()
	next.SessionID = sessionID
	next.Revision = doc.Revision + 1
	payload, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("cannot encode session: %w", err)
	}

	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := storedRevision(ctx, tx, k)
		if err != nil {
			return err
		}
		if current != doc.Revision {
			return conflict(sessionID, fmt.Sprintf("revision %d, stored %d", doc.Revision, current))
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, k, payload, s.ttl)
			return nil
		})
		return err
	}, k)

	if errors.Is(err, redis.TxFailedErr) {
		return conflict(sessionID, "key changed during write")
	}
	if err != nil {
		if session.KindOf(err) == session.KindConcurrentModification {
			return err
		}
		return fmt.Errorf("cannot put session: %w", err)
	}
	doc.Revision = next.Revision
	return nil
}

func (s *SessionStore) Delete(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, key(sessionID)).Err(); err != nil {
		return fmt.Errorf("cannot delete session: %w", err)
	}
	return nil
}

func storedRevision(ctx context.Context, tx *redis.Tx, k string) (int64, error) {
	raw, err := tx.Get(ctx, k).Bytes()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("cannot read session: %w", err)
	}
	var head struct {
		Revision int64 `json:"revision"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return 0, fmt.Errorf("cannot decode session revision: %w", err)
	}
	return head.Revision, nil
}

func decode(raw []byte) (*session.Document, error) {
	var doc session.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("cannot decode session: %w", err)
	}
	return &doc, nil
}

func key(sessionID string) string {
	return keyPrefix + sessionID
}

func conflict(sessionID, msg string) error {
	return &session.Error{
		Kind:      session.KindConcurrentModification,
		Op:        "redis.put",
		SessionID: sessionID,
		Msg:       msg,
	}
}
