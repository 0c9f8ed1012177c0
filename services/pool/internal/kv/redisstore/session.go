package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"sharepool/services/pool/internal/domain"
	"sharepool/services/pool/internal/kv"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// SessionStore keys:
//
//	<p>:session:<id>             JSON Session
//	<p>:session:tok:<token>      session id
//	<p>:session:alloc:<allocId>  set of open session ids
//	<p>:session:exp              zset of open session ids -> expiresAt
type SessionStore struct {
	client *redis.Client
	keys   keys
}

var _ kv.SessionStore = (*SessionStore)(nil)

func NewSessionStore(client *redis.Client, prefix string) *SessionStore {
	return &SessionStore{client: client, keys: newKeys(prefix)}
}

func (s *SessionStore) idKey(id domain.SessionID) string { return s.keys.k("session", id.String()) }
func (s *SessionStore) tokKey(token string) string      { return s.keys.k("session", "tok", token) }
func (s *SessionStore) allocKey(id domain.AllocationID) string {
	return s.keys.k("session", "alloc", id.String())
}
func (s *SessionStore) expKey() string { return s.keys.k("session", "exp") }

func sessionTTL(sess domain.Session) time.Duration {
	return ttlUntil(sess.ExpiresAt, closedRetention)
}

// write queues the record and keeps the open-session indexes in step with
// its state.
func (s *SessionStore) write(ctx context.Context, p redis.Pipeliner, sess domain.Session, raw []byte) {
	ttl := sessionTTL(sess)
	p.Set(ctx, s.idKey(sess.ID), raw, ttl)
	p.Set(ctx, s.tokKey(sess.Token), sess.ID.String(), ttl)
	if sess.State.Closed() {
		p.ZRem(ctx, s.expKey(), sess.ID.String())
		p.SRem(ctx, s.allocKey(sess.AllocationID), sess.ID.String())
		return
	}
	p.ZAdd(ctx, s.expKey(), &redis.Z{Score: score(sess.ExpiresAt), Member: sess.ID.String()})
	p.SAdd(ctx, s.allocKey(sess.AllocationID), sess.ID.String())
	p.Expire(ctx, s.allocKey(sess.AllocationID), ttl)
}

func (s *SessionStore) Put(ctx context.Context, sess domain.Session) error {
	if sess.ID == uuid.Nil {
		sess.ID = uuid.New()
	}
	raw, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		s.write(ctx, p, sess, raw)
		return nil
	})
	return err
}

func (s *SessionStore) Get(ctx context.Context, id domain.SessionID) (*domain.Session, error) {
	var sess domain.Session
	if err := getJSON(ctx, s.client, s.idKey(id), &sess); err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, kv.ErrNotFound
		}
		return nil, err
	}
	return &sess, nil
}

func (s *SessionStore) GetByToken(ctx context.Context, token string) (*domain.Session, error) {
	raw, err := s.client.Get(ctx, s.tokKey(token)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, kv.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, kv.ErrNotFound
	}
	return s.Get(ctx, id)
}

func (s *SessionStore) CompareAndSwap(ctx context.Context, expected domain.SessionState, next domain.Session) (bool, error) {
	raw, err := json.Marshal(next)
	if err != nil {
		return false, err
	}
	key := s.idKey(next.ID)
	swapped := false
	err = retry(ctx, s.client, func(tx *redis.Tx) error {
		swapped = false
		var cur domain.Session
		if err := getJSON(ctx, tx, key, &cur); err != nil {
			if errors.Is(err, redis.Nil) {
				return kv.ErrNotFound
			}
			return err
		}
		if cur.State != expected {
			return nil
		}
		_, err := tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			s.write(ctx, p, next, raw)
			return nil
		})
		if err == nil {
			swapped = true
		}
		return err
	}, key)
	return swapped, err
}

func (s *SessionStore) Delete(ctx context.Context, id domain.SessionID) error {
	sess, err := s.Get(ctx, id)
	if errors.Is(err, kv.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, s.idKey(id), s.tokKey(sess.Token))
		p.ZRem(ctx, s.expKey(), id.String())
		p.SRem(ctx, s.allocKey(sess.AllocationID), id.String())
		return nil
	})
	return err
}

func (s *SessionStore) ScanExpired(ctx context.Context, now time.Time, limit int) ([]domain.Session, error) {
	opt := &redis.ZRangeBy{Min: "-inf", Max: maxScore(now)}
	if limit > 0 {
		opt.Count = int64(limit)
	}
	ids, err := s.client.ZRangeByScore(ctx, s.expKey(), opt).Result()
	if err != nil {
		return nil, err
	}
	var out []domain.Session
	for _, raw := range ids {
		id, err := uuid.Parse(raw)
		if err != nil {
			s.client.ZRem(ctx, s.expKey(), raw)
			continue
		}
		sess, err := s.Get(ctx, id)
		if errors.Is(err, kv.ErrNotFound) {
			s.client.ZRem(ctx, s.expKey(), raw)
			continue
		}
		if err != nil {
			return nil, err
		}
		if sess.State.Closed() || now.Before(sess.ExpiresAt) {
			continue
		}
		out = append(out, *sess)
	}
	return out, nil
}

func (s *SessionStore) CountOpen(ctx context.Context, allocationID domain.AllocationID) (int, error) {
	n, err := s.client.SCard(ctx, s.allocKey(allocationID)).Result()
	return int(n), err
}

func (s *SessionStore) ListOpen(ctx context.Context, allocationID domain.AllocationID) ([]domain.Session, error) {
	ids, err := s.client.SMembers(ctx, s.allocKey(allocationID)).Result()
	if err != nil {
		return nil, err
	}
	var out []domain.Session
	for _, raw := range ids {
		id, err := uuid.Parse(raw)
		if err != nil {
			continue
		}
		sess, err := s.Get(ctx, id)
		if errors.Is(err, kv.ErrNotFound) {
			s.client.SRem(ctx, s.allocKey(allocationID), raw)
			continue
		}
		if err != nil {
			return nil, err
		}
		if !sess.State.Closed() {
			out = append(out, *sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
