// Package session keeps login sessions, their per-user index and the
// revocation blacklist in Redis. A session is active only while its record
// exists and no blacklist entry exists for it.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/jmehdipour/helpdesk/internal/metrics"
	"github.com/jmehdipour/helpdesk/internal/model"
)

const (
	usersKey            = "sessions:users"
	DefaultBlacklistTTL = 7 * 24 * time.Hour
)

var (
	ErrInvalidExpiry = errors.New("session expiry must be in the future")
	ErrNotFound      = errors.New("session not found")
)

func sessionKey(userID int64, sessionID string) string {
	return "sessions:" + strconv.FormatInt(userID, 10) + ":" + sessionID
}

func indexKey(userID int64) string {
	return "sessions:" + strconv.FormatInt(userID, 10) + ":list"
}

func blacklistKey(sessionID string) string { return "blacklist:" + sessionID }

// dropIfEmpty removes a user from the registry only when their index is
// empty at the moment of the check.
var dropIfEmpty = redis.NewScript(`
if redis.call('SCARD', KEYS[1]) == 0 then
  redis.call('SREM', KEYS[2], ARGV[1])
  return 1
end
return 0
`)

type Store struct {
	rdb          redis.UniversalClient
	log          *zap.Logger
	blacklistTTL time.Duration
	now          func() time.Time
}

func NewStore(rdb redis.UniversalClient, blacklistTTL time.Duration, log *zap.Logger) *Store {
	if blacklistTTL <= 0 {
		blacklistTTL = DefaultBlacklistTTL
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		rdb:          rdb,
		log:          log,
		blacklistTTL: blacklistTTL,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// CreateSession stores a new session whose record lives until expiresAt and
// registers it in the user's index. It returns the generated session id.
func (s *Store) CreateSession(ctx context.Context, userID int64, deviceInfo, ipAddress string, expiresAt time.Time) (string, error) {
	now := s.now()
	ttl := expiresAt.Sub(now)
	if ttl <= 0 {
		return "", ErrInvalidExpiry
	}

	sess := model.Session{
		SessionID:  uuid.NewString(),
		UserID:     userID,
		DeviceInfo: deviceInfo,
		IPAddress:  ipAddress,
		LoginTime:  now,
		ExpiresAt:  expiresAt.UTC(),
		IsActive:   true,
	}
	raw, err := json.Marshal(sess)
	if err != nil {
		return "", err
	}

	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, sessionKey(userID, sess.SessionID), raw, ttl)
		p.SAdd(ctx, indexKey(userID), sess.SessionID)
		p.SAdd(ctx, usersKey, strconv.FormatInt(userID, 10))
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	metrics.SessionOps.WithLabelValues("created").Inc()
	return sess.SessionID, nil
}

// RevokeSession blacklists sessionID and removes it from whichever user index
// holds it. The lookup walks every registered user.
func (s *Store) RevokeSession(ctx context.Context, sessionID string) error {
	if err := s.rdb.Set(ctx, blacklistKey(sessionID), "1", s.blacklistTTL).Err(); err != nil {
		return fmt.Errorf("blacklist session: %w", err)
	}
	metrics.SessionOps.WithLabelValues("revoked").Inc()

	users, err := s.rdb.SMembers(ctx, usersKey).Result()
	if err != nil {
		return fmt.Errorf("read user registry: %w", err)
	}
	if len(users) == 0 {
		return nil
	}

	uids := make([]int64, 0, len(users))
	for _, u := range users {
		uid, err := strconv.ParseInt(u, 10, 64)
		if err != nil {
			s.log.Warn("skipping malformed user registry entry", zap.String("entry", u), zap.Error(err))
			continue
		}
		uids = append(uids, uid)
	}

	cmds := make([]*redis.IntCmd, len(uids))
	_, err = s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, uid := range uids {
			cmds[i] = p.SRem(ctx, indexKey(uid), sessionID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove from index: %w", err)
	}

	for i, cmd := range cmds {
		if cmd.Val() == 0 {
			continue
		}
		if err := s.rdb.Del(ctx, sessionKey(uids[i], sessionID)).Err(); err != nil {
			return fmt.Errorf("delete session record: %w", err)
		}
	}
	return nil
}

// IsSessionRevoked is an existence check on the blacklist entry.
func (s *Store) IsSessionRevoked(ctx context.Context, sessionID string) (bool, error) {
	n, err := s.rdb.Exists(ctx, blacklistKey(sessionID)).Result()
	if err != nil {
		return false, fmt.Errorf("check blacklist: %w", err)
	}
	return n > 0, nil
}

// RevokeAllUserSessions revokes each active session of userID and returns how
// many were revoked.
func (s *Store) RevokeAllUserSessions(ctx context.Context, userID int64) (int, error) {
	sessions, err := s.GetActiveSessions(ctx, userID)
	if err != nil {
		return 0, err
	}
	for i, sess := range sessions {
		if err := s.revokeOwned(ctx, userID, sess.SessionID); err != nil {
			return i, err
		}
	}
	return len(sessions), nil
}

// RevokeUserSession revokes sessionID only if it belongs to userID.
func (s *Store) RevokeUserSession(ctx context.Context, userID int64, sessionID string) error {
	owned, err := s.rdb.SIsMember(ctx, indexKey(userID), sessionID).Result()
	if err != nil {
		return fmt.Errorf("read session index: %w", err)
	}
	if !owned {
		return ErrNotFound
	}
	return s.revokeOwned(ctx, userID, sessionID)
}

// revokeOwned revokes a session whose owner is already known.
func (s *Store) revokeOwned(ctx context.Context, userID int64, sessionID string) error {
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, blacklistKey(sessionID), "1", s.blacklistTTL)
		p.SRem(ctx, indexKey(userID), sessionID)
		p.Del(ctx, sessionKey(userID, sessionID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("revoke session %s: %w", sessionID, err)
	}
	metrics.SessionOps.WithLabelValues("revoked").Inc()
	return nil
}

// GetActiveSessions returns the user's sessions that still have a record, are
// not past expiresAt and are not blacklisted, newest login first.
func (s *Store) GetActiveSessions(ctx context.Context, userID int64) ([]model.Session, error) {
	ids, err := s.rdb.SMembers(ctx, indexKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read session index: %w", err)
	}
	if len(ids) == 0 {
		return []model.Session{}, nil
	}

	gets := make([]*redis.StringCmd, len(ids))
	revoked := make([]*redis.IntCmd, len(ids))
	_, err = s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			gets[i] = p.Get(ctx, sessionKey(userID, id))
			revoked[i] = p.Exists(ctx, blacklistKey(id))
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("read sessions: %w", err)
	}

	now := s.now()
	out := make([]model.Session, 0, len(ids))
	for i := range ids {
		raw, err := gets[i].Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read session %s: %w", ids[i], err)
		}
		blacklisted, err := revoked[i].Result()
		if err != nil {
			return nil, fmt.Errorf("check blacklist %s: %w", ids[i], err)
		}
		if blacklisted > 0 {
			continue
		}
		var sess model.Session
		if err := json.Unmarshal(raw, &sess); err != nil {
			s.log.Warn("skipping corrupt session record", zap.String("session_id", ids[i]), zap.Error(err))
			continue
		}
		if sess.Expired(now) {
			continue
		}
		sess.IsActive = true
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LoginTime.After(out[j].LoginTime) })
	return out, nil
}

// CleanupExpiredSessions drops index entries whose record has expired and
// unregisters users left without sessions. It returns the number of index
// entries removed.
func (s *Store) CleanupExpiredSessions(ctx context.Context) (int, error) {
	users, err := s.rdb.SMembers(ctx, usersKey).Result()
	if err != nil {
		return 0, fmt.Errorf("read user registry: %w", err)
	}

	removed := 0
	for _, u := range users {
		uid, err := strconv.ParseInt(u, 10, 64)
		if err != nil {
			s.rdb.SRem(ctx, usersKey, u)
			continue
		}
		n, err := s.sweepUser(ctx, uid)
		if err != nil {
			return removed, err
		}
		removed += n
	}
	if removed > 0 {
		metrics.SessionOps.WithLabelValues("swept").Add(float64(removed))
		s.log.Info("swept expired sessions", zap.Int("removed", removed), zap.Int("users", len(users)))
	}
	return removed, nil
}

func (s *Store) sweepUser(ctx context.Context, userID int64) (int, error) {
	ids, err := s.rdb.SMembers(ctx, indexKey(userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("read session index: %w", err)
	}

	var stale []any
	if len(ids) > 0 {
		exists := make([]*redis.IntCmd, len(ids))
		if _, err := s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
			for i, id := range ids {
				exists[i] = p.Exists(ctx, sessionKey(userID, id))
			}
			return nil
		}); err != nil {
			return 0, fmt.Errorf("check session records: %w", err)
		}
		for i, cmd := range exists {
			if cmd.Val() == 0 {
				stale = append(stale, ids[i])
			}
		}
		if len(stale) > 0 {
			if err := s.rdb.SRem(ctx, indexKey(userID), stale...).Err(); err != nil {
				return 0, fmt.Errorf("prune session index: %w", err)
			}
		}
	}

	uid := strconv.FormatInt(userID, 10)
	if err := dropIfEmpty.Run(ctx, s.rdb, []string{indexKey(userID), usersKey}, uid).Err(); err != nil {
		return len(stale), fmt.Errorf("unregister user: %w", err)
	}
	return len(stale), nil
}
