package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/user/turnstile/internal/types"
)

const (
	// Default key prefix for every turnstile key.
	defaultRedisPrefix = "turnstile:"
	// How far past the queue head Lease looks for an eligible turn.
	leaseScanLimit = 256
)

// RedisStore implements Store on Redis. Every multi-key mutation is a Lua
// script, so processes on different hosts can share one instance.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	// slot is passed as KEYS to every script so a cluster client routes it
	// to the node owning the prefix's hash slot.
	slot   []string
	now    func() time.Time
	logger *slog.Logger
}

// NewRedisStore creates a Redis-backed store. An empty prefix uses
// "turnstile:". The prefix is wrapped in a hash tag ("{turnstile}:") unless
// it already carries one, so on Redis Cluster every key lands in one slot.
func NewRedisStore(client redis.UniversalClient, prefix string, logger *slog.Logger, opts ...Option) *RedisStore {
	prefix = hashTagged(prefix)
	if logger == nil {
		logger = slog.Default()
	}
	o := buildOptions(opts)
	return &RedisStore{
		client: client,
		prefix: prefix,
		slot:   []string{prefix + "seq"},
		now:    o.now,
		logger: logger.With("component", "store", "driver", "redis"),
	}
}

func hashTagged(prefix string) string {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	if open := strings.Index(prefix, "{"); open >= 0 && strings.Index(prefix[open:], "}") > 1 {
		return prefix
	}
	return "{" + strings.TrimSuffix(prefix, ":") + "}:"
}

// turnPayload holds the structured fields that do not fit a hash scalar.
type turnPayload struct {
	History      []types.Message   `json:"history"`
	TraceContext map[string]string `json:"trace_context"`
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func (s *RedisStore) key(id types.TurnID) string {
	return s.prefix + "turn:" + string(id)
}

func scriptCode(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	default:
		return 0, fmt.Errorf("unexpected script result %T", v)
	}
}

// guardErr maps the shared guard return codes.
func guardErr(code int64) error {
	switch code {
	case 0:
		return nil
	case -1:
		return ErrNotFound
	case -2:
		return ErrLeaseLost
	case -3:
		return ErrNotQueued
	}
	return fmt.Errorf("unexpected script code %d", code)
}

// Enqueue implements Store.
func (s *RedisStore) Enqueue(ctx context.Context, t *types.Turn, maxBacklog int) error {
	payload, err := json.Marshal(turnPayload{History: t.History, TraceContext: t.TraceContext})
	if err != nil {
		return fmt.Errorf("encoding turn payload: %w", err)
	}
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = s.now()
	}

	args := []any{
		s.prefix, string(t.ID), maxBacklog,
		"id", string(t.ID),
		"session_id", string(t.SessionID),
		"user_id", t.UserID,
		"question", t.Question,
		"corpus_filter", t.CorpusFilter,
		"payload", string(payload),
		"enqueued_at", millis(t.EnqueuedAt),
		"next_eligible_at", millis(t.NextEligibleAt),
		"started_at", 0,
		"completed_at", 0,
		"lease_owner", "",
		"lease_token", "",
		"lease_expiry", 0,
		"last_error_kind", "",
		"last_error", "",
		"result", "",
		"truncated", 0,
		"incomplete", 0,
	}
	seq, err := enqueueScript.Run(ctx, s.client, s.slot, args...).Int64()
	if err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	switch seq {
	case -1:
		return ErrBacklogFull
	case -2:
		return ErrDuplicate
	}
	t.Seq = seq
	t.Status = types.TurnQueued
	t.Attempts = 0
	return nil
}

// Lease implements Store.
func (s *RedisStore) Lease(ctx context.Context, req LeaseRequest) (*types.Turn, error) {
	now := s.now()
	token := types.NewLeaseToken()
	dispatchTTL := max(2*req.UserSpacing, time.Minute)

	res, err := leaseScript.Run(ctx, s.client, s.slot,
		s.prefix, now.UnixMilli(), req.Ceiling, req.TTL.Milliseconds(), req.UserSpacing.Milliseconds(),
		req.Owner, string(token), leaseScanLimit, dispatchTTL.Milliseconds()).Slice()
	if err != nil {
		return nil, fmt.Errorf("lease: %w", err)
	}
	if len(res) == 0 {
		return nil, fmt.Errorf("lease: empty script result")
	}
	code, err := scriptCode(res[0])
	if err != nil {
		return nil, err
	}
	switch code {
	case -1:
		return nil, ErrSaturated
	case 0:
		return nil, ErrEmpty
	}
	id, _ := res[1].(string)
	return s.Get(ctx, types.TurnID(id))
}

func (s *RedisStore) runGuarded(ctx context.Context, script *redis.Script, args ...any) error {
	code, err := script.Run(ctx, s.client, s.slot, args...).Int64()
	if err != nil {
		return err
	}
	return guardErr(code)
}

// Extend implements Store.
func (s *RedisStore) Extend(ctx context.Context, id types.TurnID, token types.LeaseToken, ttl time.Duration) error {
	return s.runGuarded(ctx, extendScript, s.prefix, string(id), string(token), s.now().Add(ttl).UnixMilli())
}

// MarkStreaming implements Store.
func (s *RedisStore) MarkStreaming(ctx context.Context, id types.TurnID, token types.LeaseToken) error {
	return s.runGuarded(ctx, streamingScript, s.prefix, string(id), string(token))
}

// Complete implements Store.
func (s *RedisStore) Complete(ctx context.Context, id types.TurnID, token types.LeaseToken, result string, truncated bool) (*types.Turn, error) {
	if err := s.runGuarded(ctx, completeScript, s.prefix, string(id), string(token),
		s.now().UnixMilli(), result, boolInt(truncated)); err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// Retry implements Store.
func (s *RedisStore) Retry(ctx context.Context, id types.TurnID, token types.LeaseToken, kind types.ErrorKind, msg, partial string, delay time.Duration) error {
	return s.runGuarded(ctx, retryScript, s.prefix, string(id), string(token),
		s.now().Add(delay).UnixMilli(), string(kind), msg, partial)
}

// Fail implements Store.
func (s *RedisStore) Fail(ctx context.Context, id types.TurnID, token types.LeaseToken, kind types.ErrorKind, msg, partial string) (*types.Turn, error) {
	if err := s.runGuarded(ctx, failScript, s.prefix, string(id), string(token),
		s.now().UnixMilli(), string(kind), msg, partial); err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// Cancel implements Store.
func (s *RedisStore) Cancel(ctx context.Context, id types.TurnID) error {
	return s.runGuarded(ctx, cancelScript, s.prefix, string(id), s.now().UnixMilli(), string(types.KindCancelled))
}

// ReapExpired implements Store.
func (s *RedisStore) ReapExpired(ctx context.Context, req ReapRequest) ([]Reaped, error) {
	now := s.now()
	var startedBefore int64
	if req.MaxDuration > 0 {
		startedBefore = now.Add(-req.MaxDuration).UnixMilli()
	}
	res, err := reapScript.Run(ctx, s.client, s.slot, s.prefix, now.UnixMilli(), req.MaxRetries, startedBefore).Slice()
	if err != nil {
		return nil, fmt.Errorf("reap: %w", err)
	}

	var reaped []Reaped
	for i := 0; i+1 < len(res); i += 2 {
		id, _ := res[i].(string)
		requeued, _ := scriptCode(res[i+1])
		t, err := s.Get(ctx, types.TurnID(id))
		if err != nil {
			return reaped, err
		}
		reaped = append(reaped, Reaped{Turn: t, Requeued: requeued == 1})
	}
	return reaped, nil
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, id types.TurnID) (*types.Turn, error) {
	fields, err := s.client.HGetAll(ctx, s.key(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("reading turn %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return decodeTurn(fields)
}

func decodeTurn(f map[string]string) (*types.Turn, error) {
	num := func(name string) int64 {
		n, _ := strconv.ParseInt(f[name], 10, 64)
		return n
	}
	t := &types.Turn{
		ID:             types.TurnID(f["id"]),
		SessionID:      types.SessionID(f["session_id"]),
		UserID:         f["user_id"],
		Question:       f["question"],
		CorpusFilter:   f["corpus_filter"],
		Status:         types.TurnStatus(f["status"]),
		Attempts:       int(num("attempts")),
		Seq:            num("seq"),
		EnqueuedAt:     fromMillis(num("enqueued_at")),
		StartedAt:      fromMillis(num("started_at")),
		CompletedAt:    fromMillis(num("completed_at")),
		NextEligibleAt: fromMillis(num("next_eligible_at")),
		LeaseOwner:     f["lease_owner"],
		LeaseToken:     types.LeaseToken(f["lease_token"]),
		LeaseExpiry:    fromMillis(num("lease_expiry")),
		LastErrorKind:  types.ErrorKind(f["last_error_kind"]),
		LastError:      f["last_error"],
		Result:         f["result"],
		Truncated:      f["truncated"] == "1",
		Incomplete:     f["incomplete"] == "1",
	}
	if raw := f["payload"]; raw != "" {
		var p turnPayload
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, fmt.Errorf("decoding turn payload: %w", err)
		}
		t.History = p.History
		t.TraceContext = p.TraceContext
	}
	return t, nil
}

// Stats implements Store.
func (s *RedisStore) Stats(ctx context.Context) (Stats, error) {
	res, err := statsScript.Run(ctx, s.client, s.slot, s.prefix).Int64Slice()
	if err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}
	if len(res) != 7 {
		return Stats{}, errors.New("stats: unexpected script result")
	}
	return Stats{
		Queued:    int(res[0]),
		Running:   int(res[1]),
		Streaming: int(res[2]),
		Complete:  int(res[3]),
		Failed:    int(res[4]),
		Cancelled: int(res[5]),
		Inflight:  int(res[6]),
	}, nil
}

func (s *RedisStore) bucket(ctx context.Context, userID string, b Bucket, delta int) (int64, error) {
	// Keep the key at least as long as a full refill takes.
	ttl := time.Minute + b.RefillTime()
	return bucketScript.Run(ctx, s.client, s.slot, s.prefix, userID,
		b.Capacity, b.RefillPerSec, s.now().UnixMilli(), ttl.Milliseconds(), delta).Int64()
}

// TakeToken implements Store.
func (s *RedisStore) TakeToken(ctx context.Context, userID string, b Bucket) (bool, error) {
	ok, err := s.bucket(ctx, userID, b, -1)
	if err != nil {
		return false, fmt.Errorf("take token: %w", err)
	}
	return ok == 1, nil
}

// RefundToken implements Store.
func (s *RedisStore) RefundToken(ctx context.Context, userID string, b Bucket) error {
	if _, err := s.bucket(ctx, userID, b, 1); err != nil {
		return fmt.Errorf("refund token: %w", err)
	}
	return nil
}

// Purge implements Store. Bucket and dispatch keys carry their own TTLs, so
// only req.TurnsOlderThan applies.
func (s *RedisStore) Purge(ctx context.Context, req PurgeRequest) (int, error) {
	cutoff := s.now().Add(-req.TurnsOlderThan).UnixMilli()
	n, err := purgeScript.Run(ctx, s.client, s.slot, s.prefix, cutoff).Int()
	if err != nil {
		return 0, fmt.Errorf("purge: %w", err)
	}
	return n, nil
}

// Close implements Store.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
