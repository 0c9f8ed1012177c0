package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"sharepool/services/pool/internal/domain"
	"sharepool/services/pool/internal/kv"

	"github.com/go-redis/redis/v8"
)

// AccessStore keys:
//
//	<p>:access:tok:<token>           JSON TemporaryAccess
//	<p>:access:pair:<acct>:<user>    live token for the pair
//	<p>:access:acct:<acct>           set of tokens
//	<p>:access:exp                   zset token -> expiresAt
type AccessStore struct {
	client *redis.Client
	keys   keys
}

var _ kv.AccessStore = (*AccessStore)(nil)

func NewAccessStore(client *redis.Client, prefix string) *AccessStore {
	return &AccessStore{client: client, keys: newKeys(prefix)}
}

func (s *AccessStore) tokKey(token string) string { return s.keys.k("access", "tok", token) }
func (s *AccessStore) acctKey(id domain.AccountID) string {
	return s.keys.k("access", "acct", id.String())
}
func (s *AccessStore) pairKey(a domain.AccountID, u domain.UserID) string {
	return s.keys.k("access", "pair", a.String(), u.String())
}
func (s *AccessStore) expKey() string { return s.keys.k("access", "exp") }

func (s *AccessStore) Replace(ctx context.Context, next domain.TemporaryAccess) (*domain.TemporaryAccess, error) {
	raw, err := json.Marshal(next)
	if err != nil {
		return nil, err
	}
	pk := s.pairKey(next.AccountID, next.UserID)

	var prev *domain.TemporaryAccess
	err = retry(ctx, s.client, func(tx *redis.Tx) error {
		prev = nil
		old, err := tx.Get(ctx, pk).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if old != "" {
			var t domain.TemporaryAccess
			if err := getJSON(ctx, tx, s.tokKey(old), &t); err == nil {
				prev = &t
			} else if !errors.Is(err, redis.Nil) {
				return err
			}
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			if old != "" {
				p.Del(ctx, s.tokKey(old))
				p.SRem(ctx, s.acctKey(next.AccountID), old)
				p.ZRem(ctx, s.expKey(), old)
			}
			ttl := ttlUntil(next.ExpiresAt, tokenGrace)
			p.Set(ctx, s.tokKey(next.Token), raw, ttl)
			p.Set(ctx, pk, next.Token, ttl)
			p.SAdd(ctx, s.acctKey(next.AccountID), next.Token)
			p.ZAdd(ctx, s.expKey(), &redis.Z{Score: score(next.ExpiresAt), Member: next.Token})
			return nil
		})
		return err
	}, pk)
	if err != nil {
		return nil, err
	}
	return prev, nil
}

func (s *AccessStore) Get(ctx context.Context, token string) (*domain.TemporaryAccess, error) {
	var t domain.TemporaryAccess
	if err := getJSON(ctx, s.client, s.tokKey(token), &t); err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, kv.ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

func (s *AccessStore) Delete(ctx context.Context, token string) error {
	t, err := s.Get(ctx, token)
	if errors.Is(err, kv.ErrNotFound) {
		s.client.ZRem(ctx, s.expKey(), token)
		return nil
	}
	if err != nil {
		return err
	}
	pk := s.pairKey(t.AccountID, t.UserID)
	return retry(ctx, s.client, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, pk).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Del(ctx, s.tokKey(token))
			p.SRem(ctx, s.acctKey(t.AccountID), token)
			p.ZRem(ctx, s.expKey(), token)
			if cur == token {
				p.Del(ctx, pk)
			}
			return nil
		})
		return err
	}, pk)
}

func (s *AccessStore) ListAccount(ctx context.Context, accountID domain.AccountID) ([]domain.TemporaryAccess, error) {
	tokens, err := s.client.SMembers(ctx, s.acctKey(accountID)).Result()
	if err != nil {
		return nil, err
	}
	var out []domain.TemporaryAccess
	for _, tok := range tokens {
		t, err := s.Get(ctx, tok)
		if errors.Is(err, kv.ErrNotFound) {
			s.client.SRem(ctx, s.acctKey(accountID), tok)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, nil
}

func (s *AccessStore) Expired(ctx context.Context, now time.Time, limit int) ([]domain.TemporaryAccess, error) {
	opt := &redis.ZRangeBy{Min: "-inf", Max: maxScore(now)}
	if limit > 0 {
		opt.Count = int64(limit)
	}
	tokens, err := s.client.ZRangeByScore(ctx, s.expKey(), opt).Result()
	if err != nil {
		return nil, err
	}
	var out []domain.TemporaryAccess
	for _, tok := range tokens {
		t, err := s.Get(ctx, tok)
		if errors.Is(err, kv.ErrNotFound) {
			s.client.ZRem(ctx, s.expKey(), tok)
			continue
		}
		if err != nil {
			return nil, err
		}
		// Scores are whole seconds.
		if !t.ExpiredAt(now) {
			continue
		}
		out = append(out, *t)
	}
	return out, nil
}
