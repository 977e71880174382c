package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/user/turnstile/internal/types"
)

// SQLiteStore implements Store on a single SQLite file. Several processes on
// one host may share the file; every mutation runs in an IMMEDIATE
// transaction so writers serialize on the database lock.
type SQLiteStore struct {
	db     *sql.DB
	now    func() time.Time
	logger *slog.Logger
}

// NewSQLiteStore opens (creating if needed) the database at path.
// Parent directories are created if needed.
func NewSQLiteStore(path string, logger *slog.Logger, opts ...Option) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store", "driver", "sqlite")

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_txlock=immediate", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One connection per process; cross-process contention is handled by
	// the busy timeout.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	o := buildOptions(opts)
	s := &SQLiteStore{db: db, now: o.now, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS turns (
			seq              INTEGER PRIMARY KEY AUTOINCREMENT,
			id               TEXT NOT NULL UNIQUE,
			session_id       TEXT NOT NULL,
			user_id          TEXT NOT NULL,
			question         TEXT NOT NULL,
			corpus_filter    TEXT NOT NULL DEFAULT '',
			trace_context    TEXT NOT NULL DEFAULT '{}',
			history          TEXT NOT NULL DEFAULT '[]',
			status           TEXT NOT NULL,
			attempts         INTEGER NOT NULL DEFAULT 0,
			enqueued_at      INTEGER NOT NULL,
			started_at       INTEGER NOT NULL DEFAULT 0,
			completed_at     INTEGER NOT NULL DEFAULT 0,
			next_eligible_at INTEGER NOT NULL DEFAULT 0,
			lease_owner      TEXT NOT NULL DEFAULT '',
			lease_token      TEXT NOT NULL DEFAULT '',
			lease_expiry     INTEGER NOT NULL DEFAULT 0,
			last_error_kind  TEXT NOT NULL DEFAULT '',
			last_error       TEXT NOT NULL DEFAULT '',
			result           TEXT NOT NULL DEFAULT '',
			truncated        INTEGER NOT NULL DEFAULT 0,
			incomplete       INTEGER NOT NULL DEFAULT 0,

			CHECK (status IN ('queued', 'running', 'streaming', 'complete', 'failed', 'cancelled'))
		);

		CREATE INDEX IF NOT EXISTS idx_turns_status_seq ON turns(status, seq);
		CREATE INDEX IF NOT EXISTS idx_turns_status_expiry ON turns(status, lease_expiry);
		CREATE INDEX IF NOT EXISTS idx_turns_completed ON turns(completed_at);

		CREATE TABLE IF NOT EXISTS counters (
			name  TEXT PRIMARY KEY,
			value INTEGER NOT NULL
		);

		INSERT OR IGNORE INTO counters (name, value) VALUES ('inflight', 0);

		CREATE TABLE IF NOT EXISTS user_dispatch (
			user_id TEXT PRIMARY KEY,
			last_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS buckets (
			user_id    TEXT PRIMARY KEY,
			tokens     REAL NOT NULL,
			updated_at INTEGER NOT NULL
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

const turnColumns = `id, session_id, user_id, question, corpus_filter, trace_context, history,
	status, attempts, seq, enqueued_at, started_at, completed_at, next_eligible_at,
	lease_owner, lease_token, lease_expiry, last_error_kind, last_error, result, truncated, incomplete`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTurn(row rowScanner) (*types.Turn, error) {
	var (
		t                                      types.Turn
		trace, history                         string
		enq, started, completed, next, expires int64
		truncated, incomplete                  int
	)
	err := row.Scan(&t.ID, &t.SessionID, &t.UserID, &t.Question, &t.CorpusFilter, &trace, &history,
		&t.Status, &t.Attempts, &t.Seq, &enq, &started, &completed, &next,
		&t.LeaseOwner, &t.LeaseToken, &expires, &t.LastErrorKind, &t.LastError, &t.Result, &truncated, &incomplete)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(trace), &t.TraceContext); err != nil {
		return nil, fmt.Errorf("decoding trace context: %w", err)
	}
	if err := json.Unmarshal([]byte(history), &t.History); err != nil {
		return nil, fmt.Errorf("decoding history: %w", err)
	}
	t.EnqueuedAt = fromNanos(enq)
	t.StartedAt = fromNanos(started)
	t.CompletedAt = fromNanos(completed)
	t.NextEligibleAt = fromNanos(next)
	t.LeaseExpiry = fromNanos(expires)
	t.Truncated = truncated != 0
	t.Incomplete = incomplete != 0
	return &t, nil
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func getTurn(ctx context.Context, q interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
}, id types.TurnID) (*types.Turn, error) {
	t, err := scanTurn(q.QueryRowContext(ctx, "SELECT "+turnColumns+" FROM turns WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading turn %s: %w", id, err)
	}
	return t, nil
}

// leaseMiss explains why a token-guarded update touched no row.
func leaseMiss(ctx context.Context, tx *sql.Tx, id types.TurnID) error {
	var n int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM turns WHERE id = ?", id).Scan(&n); err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return ErrLeaseLost
}

// updateActive applies set to an active turn owned by token and releases
// its concurrency slot when release is true.
func (s *SQLiteStore) updateActive(ctx context.Context, tx *sql.Tx, id types.TurnID, token types.LeaseToken, release bool, set string, args ...any) error {
	args = append(args, id, token)
	res, err := tx.ExecContext(ctx,
		"UPDATE turns SET "+set+" WHERE id = ? AND lease_token = ? AND status IN ('running', 'streaming')", args...)
	if err != nil {
		return fmt.Errorf("updating turn %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return leaseMiss(ctx, tx, id)
	}
	if release {
		return releaseSlot(ctx, tx)
	}
	return nil
}

func releaseSlot(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, "UPDATE counters SET value = MAX(value - 1, 0) WHERE name = 'inflight'")
	return err
}

const clearLease = "lease_owner = '', lease_token = '', lease_expiry = 0"

// Enqueue implements Store.
func (s *SQLiteStore) Enqueue(ctx context.Context, t *types.Turn, maxBacklog int) error {
	trace, err := json.Marshal(t.TraceContext)
	if err != nil {
		return fmt.Errorf("encoding trace context: %w", err)
	}
	history, err := json.Marshal(t.History)
	if err != nil {
		return fmt.Errorf("encoding history: %w", err)
	}
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = s.now()
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if maxBacklog > 0 {
			var queued int
			if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM turns WHERE status = 'queued'").Scan(&queued); err != nil {
				return fmt.Errorf("counting backlog: %w", err)
			}
			if queued >= maxBacklog {
				return ErrBacklogFull
			}
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO turns (id, session_id, user_id, question, corpus_filter, trace_context, history,
				status, attempts, enqueued_at, next_eligible_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, 'queued', 0, ?, ?)`,
			t.ID, t.SessionID, t.UserID, t.Question, t.CorpusFilter, string(trace), string(history),
			toNanos(t.EnqueuedAt), toNanos(t.NextEligibleAt))
		if err != nil {
			if strings.Contains(err.Error(), "UNIQUE constraint failed") {
				return ErrDuplicate
			}
			return fmt.Errorf("inserting turn: %w", err)
		}
		seq, err := res.LastInsertId()
		if err != nil {
			return err
		}
		t.Seq = seq
		t.Status = types.TurnQueued
		t.Attempts = 0
		return nil
	})
}

// Lease implements Store.
func (s *SQLiteStore) Lease(ctx context.Context, req LeaseRequest) (*types.Turn, error) {
	var leased *types.Turn
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.now()

		if req.Ceiling > 0 {
			var inflight int
			if err := tx.QueryRowContext(ctx, "SELECT value FROM counters WHERE name = 'inflight'").Scan(&inflight); err != nil {
				return fmt.Errorf("reading counter: %w", err)
			}
			if inflight >= req.Ceiling {
				return ErrSaturated
			}
		}

		cutoff := now.Add(-req.UserSpacing)
		var id types.TurnID
		err := tx.QueryRowContext(ctx, `
			SELECT t.id FROM turns t
			LEFT JOIN user_dispatch d ON d.user_id = t.user_id
			WHERE t.status = 'queued'
			  AND t.next_eligible_at <= ?
			  AND (d.last_at IS NULL OR d.last_at <= ?)
			ORDER BY t.seq
			LIMIT 1`, now.UnixNano(), cutoff.UnixNano()).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrEmpty
		}
		if err != nil {
			return fmt.Errorf("selecting turn: %w", err)
		}

		token := types.NewLeaseToken()
		if _, err := tx.ExecContext(ctx, `
			UPDATE turns SET status = 'running', attempts = attempts + 1, started_at = ?,
				lease_owner = ?, lease_token = ?, lease_expiry = ?
			WHERE id = ?`,
			now.UnixNano(), req.Owner, token, now.Add(req.TTL).UnixNano(), id); err != nil {
			return fmt.Errorf("leasing turn %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, "UPDATE counters SET value = value + 1 WHERE name = 'inflight'"); err != nil {
			return fmt.Errorf("incrementing counter: %w", err)
		}
		var user string
		if err := tx.QueryRowContext(ctx, "SELECT user_id FROM turns WHERE id = ?", id).Scan(&user); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO user_dispatch (user_id, last_at) VALUES (?, ?)
			ON CONFLICT(user_id) DO UPDATE SET last_at = excluded.last_at`, user, now.UnixNano()); err != nil {
			return fmt.Errorf("recording dispatch: %w", err)
		}

		leased, err = getTurn(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return leased, nil
}

// Extend implements Store.
func (s *SQLiteStore) Extend(ctx context.Context, id types.TurnID, token types.LeaseToken, ttl time.Duration) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return s.updateActive(ctx, tx, id, token, false, "lease_expiry = ?", s.now().Add(ttl).UnixNano())
	})
}

// MarkStreaming implements Store.
func (s *SQLiteStore) MarkStreaming(ctx context.Context, id types.TurnID, token types.LeaseToken) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return s.updateActive(ctx, tx, id, token, false, "status = 'streaming'")
	})
}

// Complete implements Store.
func (s *SQLiteStore) Complete(ctx context.Context, id types.TurnID, token types.LeaseToken, result string, truncated bool) (*types.Turn, error) {
	var done *types.Turn
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		err := s.updateActive(ctx, tx, id, token, true,
			"status = 'complete', result = ?, truncated = ?, incomplete = 0, completed_at = ?, last_error_kind = '', last_error = '', "+clearLease,
			result, boolInt(truncated), s.now().UnixNano())
		if err != nil {
			return err
		}
		done, err = getTurn(ctx, tx, id)
		return err
	})
	return done, err
}

// Retry implements Store.
func (s *SQLiteStore) Retry(ctx context.Context, id types.TurnID, token types.LeaseToken, kind types.ErrorKind, msg, partial string, delay time.Duration) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return s.updateActive(ctx, tx, id, token, true,
			"status = 'queued', next_eligible_at = ?, last_error_kind = ?, last_error = ?, result = ?, incomplete = ?, "+clearLease,
			s.now().Add(delay).UnixNano(), kind, msg, partial, boolInt(partial != ""))
	})
}

// Fail implements Store.
func (s *SQLiteStore) Fail(ctx context.Context, id types.TurnID, token types.LeaseToken, kind types.ErrorKind, msg, partial string) (*types.Turn, error) {
	var failed *types.Turn
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		err := s.updateActive(ctx, tx, id, token, true,
			"status = 'failed', completed_at = ?, last_error_kind = ?, last_error = ?, result = ?, incomplete = ?, "+clearLease,
			s.now().UnixNano(), kind, msg, partial, boolInt(partial != ""))
		if err != nil {
			return err
		}
		failed, err = getTurn(ctx, tx, id)
		return err
	})
	return failed, err
}

// Cancel implements Store.
func (s *SQLiteStore) Cancel(ctx context.Context, id types.TurnID) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE turns SET status = 'cancelled', completed_at = ?, last_error_kind = ?, last_error = 'turn cancelled'
			WHERE id = ? AND status = 'queued'`, s.now().UnixNano(), types.KindCancelled, id)
		if err != nil {
			return fmt.Errorf("cancelling turn %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}
		if _, err := getTurn(ctx, tx, id); err != nil {
			return err
		}
		return ErrNotQueued
	})
}

// ReapExpired implements Store.
func (s *SQLiteStore) ReapExpired(ctx context.Context, req ReapRequest) ([]Reaped, error) {
	var reaped []Reaped
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.now()
		startedBefore := int64(0)
		if req.MaxDuration > 0 {
			startedBefore = now.Add(-req.MaxDuration).UnixNano()
		}

		rows, err := tx.QueryContext(ctx, `
			SELECT id, status, attempts, started_at, lease_expiry FROM turns
			WHERE status IN ('running', 'streaming') AND (lease_expiry < ? OR started_at < ?)`,
			now.UnixNano(), startedBefore)
		if err != nil {
			return fmt.Errorf("scanning leases: %w", err)
		}
		type candidate struct {
			id       types.TurnID
			status   types.TurnStatus
			attempts int
			started  int64
		}
		var found []candidate
		for rows.Next() {
			var c candidate
			var expiry int64
			if err := rows.Scan(&c.id, &c.status, &c.attempts, &c.started, &expiry); err != nil {
				rows.Close()
				return err
			}
			found = append(found, c)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, c := range found {
			streamed := boolInt(c.status == types.TurnStreaming)
			var requeued bool
			switch {
			case startedBefore > 0 && c.started < startedBefore:
				_, err = tx.ExecContext(ctx,
					"UPDATE turns SET status = 'failed', completed_at = ?, last_error_kind = ?, last_error = 'turn exceeded maximum duration', incomplete = ?, "+clearLease+" WHERE id = ?",
					now.UnixNano(), types.KindTurnTimeout, streamed, c.id)
			case c.attempts > req.MaxRetries:
				_, err = tx.ExecContext(ctx,
					"UPDATE turns SET status = 'failed', completed_at = ?, last_error_kind = ?, last_error = 'lease expired', incomplete = ?, "+clearLease+" WHERE id = ?",
					now.UnixNano(), types.KindLeaseExpired, streamed, c.id)
			default:
				requeued = true
				_, err = tx.ExecContext(ctx,
					"UPDATE turns SET status = 'queued', next_eligible_at = ?, last_error_kind = ?, last_error = 'lease expired', incomplete = MAX(incomplete, ?), "+clearLease+" WHERE id = ?",
					now.UnixNano(), types.KindLeaseExpired, streamed, c.id)
			}
			if err != nil {
				return fmt.Errorf("reaping turn %s: %w", c.id, err)
			}
			if err := releaseSlot(ctx, tx); err != nil {
				return err
			}
			t, err := getTurn(ctx, tx, c.id)
			if err != nil {
				return err
			}
			reaped = append(reaped, Reaped{Turn: t, Requeued: requeued})
		}
		return nil
	})
	return reaped, err
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, id types.TurnID) (*types.Turn, error) {
	return getTurn(ctx, s.db, id)
}

// Stats implements Store.
func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM turns GROUP BY status")
	if err != nil {
		return st, fmt.Errorf("counting turns: %w", err)
	}
	for rows.Next() {
		var status types.TurnStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return st, err
		}
		st.add(status, n)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return st, err
	}
	err = s.db.QueryRowContext(ctx, "SELECT value FROM counters WHERE name = 'inflight'").Scan(&st.Inflight)
	return st, err
}

func (st *Stats) add(status types.TurnStatus, n int) {
	switch status {
	case types.TurnQueued:
		st.Queued += n
	case types.TurnRunning:
		st.Running += n
	case types.TurnStreaming:
		st.Streaming += n
	case types.TurnComplete:
		st.Complete += n
	case types.TurnFailed:
		st.Failed += n
	case types.TurnCancelled:
		st.Cancelled += n
	}
}

func (s *SQLiteStore) loadBucket(ctx context.Context, tx *sql.Tx, userID string, b Bucket, now time.Time) (float64, error) {
	var tokens float64
	var updated int64
	err := tx.QueryRowContext(ctx, "SELECT tokens, updated_at FROM buckets WHERE user_id = ?", userID).Scan(&tokens, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return b.Capacity, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading bucket: %w", err)
	}
	return refill(tokens, fromNanos(updated), now, b), nil
}

func saveBucket(ctx context.Context, tx *sql.Tx, userID string, tokens float64, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO buckets (user_id, tokens, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET tokens = excluded.tokens, updated_at = excluded.updated_at`,
		userID, tokens, now.UnixNano())
	return err
}

// TakeToken implements Store.
func (s *SQLiteStore) TakeToken(ctx context.Context, userID string, b Bucket) (bool, error) {
	var ok bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.now()
		tokens, err := s.loadBucket(ctx, tx, userID, b, now)
		if err != nil {
			return err
		}
		if tokens >= 1 {
			tokens--
			ok = true
		}
		return saveBucket(ctx, tx, userID, tokens, now)
	})
	return ok, err
}

// RefundToken implements Store.
func (s *SQLiteStore) RefundToken(ctx context.Context, userID string, b Bucket) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.now()
		tokens, err := s.loadBucket(ctx, tx, userID, b, now)
		if err != nil {
			return err
		}
		tokens++
		if tokens > b.Capacity {
			tokens = b.Capacity
		}
		return saveBucket(ctx, tx, userID, tokens, now)
	})
}

// Purge implements Store.
func (s *SQLiteStore) Purge(ctx context.Context, req PurgeRequest) (int, error) {
	var purged int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.now()
		cutoff := now.Add(-req.TurnsOlderThan).UnixNano()
		idle := now.Add(-req.StateOlderThan).UnixNano()
		res, err := tx.ExecContext(ctx, `
			DELETE FROM turns WHERE status IN ('complete', 'failed', 'cancelled') AND completed_at < ?`, cutoff)
		if err != nil {
			return fmt.Errorf("purging turns: %w", err)
		}
		n, _ := res.RowsAffected()
		purged = int(n)
		if _, err := tx.ExecContext(ctx, "DELETE FROM user_dispatch WHERE last_at < ?", idle); err != nil {
			return fmt.Errorf("purging dispatch times: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM buckets WHERE updated_at < ?", idle); err != nil {
			return fmt.Errorf("purging buckets: %w", err)
		}
		return nil
	})
	return purged, err
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
