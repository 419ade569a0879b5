// Package presence mirrors who is online into Redis so other services can
// read it without talking to the realtime core.
//
// Each user has a hash presence:<org>:<user> and each organization a set
// presence:<org>:online of connected user ids. Offline records expire after
// OfflinePresenceTTL.
package presence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/real-rm/dealroom/internal/constants"
	apperrors "github.com/real-rm/dealroom/internal/errors"
	"github.com/real-rm/dealroom/internal/metrics"
	"github.com/real-rm/dealroom/internal/realtime"
	"github.com/real-rm/dealroom/internal/util"
	"github.com/real-rm/golog"
	"github.com/redis/go-redis/v9"
)

// Status values stored in the presence record
const (
	StatusOnline  = realtime.PresenceOnline
	StatusOffline = realtime.PresenceOffline
)

// ErrNotFound is returned by Get when no record exists for the user
var ErrNotFound = errors.New("presence record not found")

// Record is one user's presence as stored in Redis
type Record struct {
	UserID         string    `json:"user_id"`
	OrganizationID string    `json:"organization_id"`
	DisplayName    string    `json:"display_name,omitempty"`
	Status         string    `json:"status"`
	ConnectionID   string    `json:"connection_id,omitempty"`
	LastSeen       time.Time `json:"last_seen"`
}

// Marks the record offline only if it still belongs to the retiring
// connection, so a late disconnect cannot hide a newer connection.
// KEYS[1] = user hash, KEYS[2] = org online set
// ARGV[1] = connection id, ARGV[2] = last seen unix ms, ARGV[3] = ttl seconds, ARGV[4] = user id
const luaMarkOffline = `
if redis.call("HGET", KEYS[1], "connection_id") ~= ARGV[1] then
  return 0
end
redis.call("HSET", KEYS[1], "status", "offline", "last_seen", ARGV[2])
redis.call("EXPIRE", KEYS[1], tonumber(ARGV[3]))
redis.call("SREM", KEYS[2], ARGV[4])
return 1
`

// Updates the status of a connected user only.
// KEYS[1] = user hash
// ARGV[1] = status, ARGV[2] = last seen unix ms
const luaSetStatus = `
local current = redis.call("HGET", KEYS[1], "status")
if not current or current == "offline" then
  return 0
end
redis.call("HSET", KEYS[1], "status", ARGV[1], "last_seen", ARGV[2])
return 1
`

// RedisStore implements realtime.LifecycleHook and realtime.PresenceHook
type RedisStore struct {
	client     *redis.Client
	prefix     string
	offlineTTL time.Duration
	logger     *golog.Logger

	markOffline *redis.Script
	setStatus   *redis.Script
}

var (
	_ realtime.LifecycleHook = (*RedisStore)(nil)
	_ realtime.PresenceHook  = (*RedisStore)(nil)
)

// NewRedisStore connects to redisURL and verifies the connection
func NewRedisStore(redisURL string, logger *golog.Logger) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := util.NewTimeoutContext(constants.HealthCheckTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client, logger), nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client
func NewRedisStoreWithClient(client *redis.Client, logger *golog.Logger) *RedisStore {
	return &RedisStore{
		client:      client,
		prefix:      "presence:",
		offlineTTL:  constants.OfflinePresenceTTL,
		logger:      logger,
		markOffline: redis.NewScript(luaMarkOffline),
		setStatus:   redis.NewScript(luaSetStatus),
	}
}

func (s *RedisStore) userKey(organizationID, userID string) string {
	return s.prefix + organizationID + ":" + userID
}

func (s *RedisStore) onlineKey(organizationID string) string {
	return s.prefix + organizationID + ":online"
}

// OnConnect records the user as online
func (s *RedisStore) OnConnect(ctx context.Context, connectionID string, id realtime.Identity, at time.Time) {
	if err := s.SetOnline(ctx, connectionID, id, at); err != nil {
		s.fail(ctx, "connect", err, id)
	}
}

// OnDisconnect records the user as offline unless a newer connection took over
func (s *RedisStore) OnDisconnect(ctx context.Context, report realtime.Report) {
	if _, err := s.SetOffline(ctx, report.ConnectionID, report.Identity, report.DisconnectedAt); err != nil {
		s.fail(ctx, "disconnect", err, report.Identity)
	}
}

// OnPresence stores a client supplied status
func (s *RedisStore) OnPresence(ctx context.Context, id realtime.Identity, status string, at time.Time) {
	if _, err := s.SetStatus(ctx, id, status, at); err != nil {
		s.fail(ctx, "status", err, id)
	}
}

// SetOnline writes an online record owned by connectionID
func (s *RedisStore) SetOnline(ctx context.Context, connectionID string, id realtime.Identity, at time.Time) error {
	key := s.userKey(id.OrganizationID, id.UserID)

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key,
		"user_id", id.UserID,
		"organization_id", id.OrganizationID,
		"display_name", id.DisplayName,
		"status", StatusOnline,
		"connection_id", connectionID,
		"last_seen", strconv.FormatInt(at.UnixMilli(), 10),
	)
	pipe.Persist(ctx, key)
	pipe.SAdd(ctx, s.onlineKey(id.OrganizationID), id.UserID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save online presence: %w", err)
	}
	return nil
}

// SetOffline marks the record offline if connectionID still owns it. It
// reports whether the record changed.
func (s *RedisStore) SetOffline(ctx context.Context, connectionID string, id realtime.Identity, at time.Time) (bool, error) {
	res, err := s.markOffline.Run(ctx, s.client,
		[]string{s.userKey(id.OrganizationID, id.UserID), s.onlineKey(id.OrganizationID)},
		connectionID, strconv.FormatInt(at.UnixMilli(), 10), int64(s.offlineTTL/time.Second), id.UserID,
	).Int()
	if err != nil {
		return false, fmt.Errorf("save offline presence: %w", err)
	}
	return res == 1, nil
}

// SetStatus changes the status of a connected user. It reports whether a
// record was updated.
func (s *RedisStore) SetStatus(ctx context.Context, id realtime.Identity, status string, at time.Time) (bool, error) {
	res, err := s.setStatus.Run(ctx, s.client,
		[]string{s.userKey(id.OrganizationID, id.UserID)},
		status, strconv.FormatInt(at.UnixMilli(), 10),
	).Int()
	if err != nil {
		return false, fmt.Errorf("save presence status: %w", err)
	}
	return res == 1, nil
}

// Get returns the stored record for a user
func (s *RedisStore) Get(ctx context.Context, organizationID, userID string) (Record, error) {
	fields, err := s.client.HGetAll(ctx, s.userKey(organizationID, userID)).Result()
	if err != nil {
		return Record{}, fmt.Errorf("lookup presence: %w", err)
	}
	if len(fields) == 0 {
		return Record{}, ErrNotFound
	}

	rec := Record{
		UserID:         fields["user_id"],
		OrganizationID: fields["organization_id"],
		DisplayName:    fields["display_name"],
		Status:         fields["status"],
		ConnectionID:   fields["connection_id"],
	}
	if ms, err := strconv.ParseInt(fields["last_seen"], 10, 64); err == nil {
		rec.LastSeen = time.UnixMilli(ms).UTC()
	}
	return rec, nil
}

// OnlineUsers returns the sorted ids of connected users in an organization
func (s *RedisStore) OnlineUsers(ctx context.Context, organizationID string) ([]string, error) {
	users, err := s.client.SMembers(ctx, s.onlineKey(organizationID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list online users: %w", err)
	}
	sort.Strings(users)
	return users, nil
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) fail(ctx context.Context, operation string, err error, id realtime.Identity) {
	metrics.PresenceErrors.WithLabelValues(operation).Inc()
	util.LogError(s.logger, "presence", operation, apperrors.ErrPresenceError(err),
		"user_id", id.UserID,
		"organization_id", id.OrganizationID,
		"connection_id", util.ConnectionIDFromContext(ctx))
}
