// Package store implements the durable event store on top of the embedded
// named queries in internal/core/db.
//
// Payloads are snappy-compressed at rest and decompressed on read, so callers
// always see the serialized event JSON. Every failure is returned as a
// *types.StoreError carrying the failed operation.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"math"

	"github.com/golang/snappy"
	"go.uber.org/zap"

	"github.com/gaugex/gaugex/internal/core/db"
	"github.com/gaugex/gaugex/internal/types"
)

// DefaultPageSize is the number of rows fetched per keyset page by QueryByStatus.
const DefaultPageSize = 200

// maxInClause bounds the ids expanded into one IN (...) clause; SQLite
// rejects statements with more than 999 host parameters on older builds.
const maxInClause = 500

// EventStore persists StoredEvents and drives their status lifecycle.
type EventStore struct {
	q        *db.Queries
	logger   *zap.Logger
	pageSize int
	now      func() int64
}

// New wraps an open query set. A nil logger discards log output.
func New(q *db.Queries, logger *zap.Logger) *EventStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventStore{
		q:        q,
		logger:   logger.Named("store"),
		pageSize: DefaultPageSize,
		now:      types.NowMillis,
	}
}

// Open connects to dbURL, applies pending migrations and returns a ready store.
func Open(ctx context.Context, dbURL string, logger *zap.Logger) (*EventStore, error) {
	conn, err := db.Open(dbURL)
	if err != nil {
		return nil, &types.StoreError{Op: "open", Err: err}
	}
	if err := db.MigrateUp(ctx, conn); err != nil {
		conn.Close()
		return nil, &types.StoreError{Op: "migrate", Err: err}
	}
	q, err := db.LoadQueries(conn)
	if err != nil {
		conn.Close()
		return nil, &types.StoreError{Op: "open", Err: err}
	}
	return New(q, logger), nil
}

// Close releases the underlying database.
func (s *EventStore) Close() error {
	return s.q.DB().Close()
}

// Insert upserts a single event. Re-inserting an id replaces the stored row.
func (s *EventStore) Insert(ctx context.Context, e types.StoredEvent) error {
	return s.insert(ctx, "insert", []types.StoredEvent{e})
}

// InsertBatch upserts events in one transaction. Either every row is written
// or none is.
func (s *EventStore) InsertBatch(ctx context.Context, events []types.StoredEvent) error {
	return s.insert(ctx, "insert_batch", events)
}

func (s *EventStore) insert(ctx context.Context, op string, events []types.StoredEvent) error {
	if len(events) == 0 {
		return nil
	}
	for _, e := range events {
		if err := validate(e); err != nil {
			return &types.StoreError{Op: op, Err: err}
		}
	}

	err := s.q.InTx(ctx, func(tx *db.Tx) error {
		for _, e := range events {
			row := e
			row.Payload = snappy.Encode(nil, e.Payload)
			if _, err := tx.NamedExecContext(ctx, "upsert-event", row); err != nil {
				return fmt.Errorf("failed to upsert event %s: %w", e.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return &types.StoreError{Op: op, Err: err}
	}
	return nil
}

func validate(e types.StoredEvent) error {
	if e.ID == "" {
		return fmt.Errorf("event id required")
	}
	if !e.Status.Valid() {
		return fmt.Errorf("%w: %q", types.ErrInvalidStatus, e.Status)
	}
	if e.Priority < 0 || e.Priority > 100 {
		return fmt.Errorf("priority must be between 0 and 100, got %d", e.Priority)
	}
	if len(e.Payload) == 0 {
		return fmt.Errorf("event %s has empty payload", e.ID)
	}
	return nil
}

// Get returns the stored row for id, or ErrEventNotFound.
func (s *EventStore) Get(ctx context.Context, id types.EventID) (types.StoredEvent, error) {
	var row types.StoredEvent
	if err := s.q.GetContext(ctx, "get-event", &row, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.StoredEvent{}, &types.StoreError{Op: "get", Err: fmt.Errorf("%w: %s", types.ErrEventNotFound, id)}
		}
		return types.StoredEvent{}, &types.StoreError{Op: "get", Err: err}
	}
	out, err := decodeRow(row)
	if err != nil {
		return types.StoredEvent{}, &types.StoreError{Op: "get", Err: err}
	}
	return out, nil
}

// QueryByStatus yields rows in status ordered by timestamp ascending (id
// breaks ties). Rows are fetched in keyset pages, so no connection is held
// while the caller processes a row and the caller may update the store
// between yields. Rows whose payload cannot be decoded are logged and skipped.
func (s *EventStore) QueryByStatus(ctx context.Context, status types.EventStatus) iter.Seq2[types.StoredEvent, error] {
	return func(yield func(types.StoredEvent, error) bool) {
		if !status.Valid() {
			yield(types.StoredEvent{}, &types.StoreError{Op: "query_by_status", Err: fmt.Errorf("%w: %q", types.ErrInvalidStatus, status)})
			return
		}

		lastTS, lastID := int64(math.MinInt64), ""
		for {
			var page []types.StoredEvent
			err := s.q.SelectContext(ctx, "select-by-status-page", &page, status, lastTS, lastTS, lastID, s.pageSize)
			if err != nil {
				yield(types.StoredEvent{}, &types.StoreError{Op: "query_by_status", Err: err})
				return
			}

			for _, row := range page {
				lastTS, lastID = row.Timestamp, string(row.ID)
				out, err := decodeRow(row)
				if err != nil {
					s.logger.Warn("skipping event with corrupt payload",
						zap.String("id", string(row.ID)),
						zap.Error(err))
					continue
				}
				if !yield(out, nil) {
					return
				}
			}
			if len(page) < s.pageSize {
				return
			}
		}
	}
}

// ListByStatus materializes up to limit rows of QueryByStatus. A limit of
// zero or less returns every row.
func (s *EventStore) ListByStatus(ctx context.Context, status types.EventStatus, limit int) ([]types.StoredEvent, error) {
	var out []types.StoredEvent
	for e, err := range s.QueryByStatus(ctx, status) {
		if err != nil {
			return nil, err
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// UpdateStatus moves one event to status. An unknown id is logged and
// ignored. A change outside the delivery state machine returns
// ErrInvalidTransition.
func (s *EventStore) UpdateStatus(ctx context.Context, id types.EventID, status types.EventStatus) error {
	var current types.EventStatus
	if err := s.q.GetContext(ctx, "get-status", &current, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.logger.Warn("status update for unknown event",
				zap.String("id", string(id)),
				zap.String("status", string(status)))
			return nil
		}
		return &types.StoreError{Op: "update_status", Err: err}
	}
	if current == status {
		return nil
	}
	_, err := s.Transition(ctx, []types.EventID{id}, current, status, "")
	return err
}

// Transition moves every id currently in from to to, in one transaction,
// and returns the number of rows changed. Ids not in from are left alone.
// PROCESSING -> PENDING increments retry_count. A non-empty lastError is
// recorded; last_attempt_time is always stamped.
func (s *EventStore) Transition(ctx context.Context, ids []types.EventID, from, to types.EventStatus, lastError string) (int64, error) {
	if !from.CanTransition(to) {
		return 0, &types.StoreError{Op: "transition", Err: fmt.Errorf("%w: %s -> %s", types.ErrInvalidTransition, from, to)}
	}
	if len(ids) == 0 {
		return 0, nil
	}

	errArg := sql.NullString{String: lastError, Valid: lastError != ""}
	now := s.now()
	retry := from == types.StatusProcessing && to == types.StatusPending

	var changed int64
	err := s.q.InTx(ctx, func(tx *db.Tx) error {
		for start := 0; start < len(ids); start += maxInClause {
			chunk := toStrings(ids[start:min(start+maxInClause, len(ids))])

			var (
				res sql.Result
				err error
			)
			if retry {
				res, err = tx.ExecInContext(ctx, "transition-retry", errArg, now, chunk)
			} else {
				res, err = tx.ExecInContext(ctx, "transition-status", to, errArg, now, from, chunk)
			}
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			changed += n
		}
		return nil
	})
	if err != nil {
		return 0, &types.StoreError{Op: "transition", Err: err}
	}
	return changed, nil
}

// Claim moves the PENDING events among ids to PROCESSING and returns the ids
// it moved. Ids that were deleted or already claimed are left out.
func (s *EventStore) Claim(ctx context.Context, ids []types.EventID) ([]types.EventID, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	now := s.now()
	var claimed []types.EventID
	err := s.q.InTx(ctx, func(tx *db.Tx) error {
		for start := 0; start < len(ids); start += maxInClause {
			chunk := toStrings(ids[start:min(start+maxInClause, len(ids))])
			var got []types.EventID
			if err := tx.SelectInContext(ctx, "claim-pending", &got, now, chunk); err != nil {
				return err
			}
			claimed = append(claimed, got...)
		}
		return nil
	})
	if err != nil {
		return nil, &types.StoreError{Op: "claim", Err: err}
	}
	return claimed, nil
}

// ResetProcessing returns events interrupted mid-attempt to PENDING.
// Called once at startup before the first transmission cycle.
func (s *EventStore) ResetProcessing(ctx context.Context) (int64, error) {
	return s.exec(ctx, "reset_processing", "reset-processing")
}

// DeleteOlderThan removes events with timestamp strictly before ts (epoch ms).
func (s *EventStore) DeleteOlderThan(ctx context.Context, ts int64) (int64, error) {
	return s.exec(ctx, "delete_older_than", "delete-older-than", ts)
}

// DeleteByStatus removes every event in status.
func (s *EventStore) DeleteByStatus(ctx context.Context, status types.EventStatus) (int64, error) {
	if !status.Valid() {
		return 0, &types.StoreError{Op: "delete_by_status", Err: fmt.Errorf("%w: %q", types.ErrInvalidStatus, status)}
	}
	return s.exec(ctx, "delete_by_status", "delete-by-status", status)
}

// DeleteOldest removes the n oldest events regardless of status.
func (s *EventStore) DeleteOldest(ctx context.Context, n int) (int64, error) {
	if n <= 0 {
		return 0, nil
	}
	return s.exec(ctx, "delete_oldest", "delete-oldest", n)
}

func (s *EventStore) exec(ctx context.Context, op, name string, args ...any) (int64, error) {
	res, err := s.q.ExecContext(ctx, name, args...)
	if err != nil {
		return 0, &types.StoreError{Op: op, Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, &types.StoreError{Op: op, Err: err}
	}
	return n, nil
}

// Count returns the number of stored events.
func (s *EventStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.q.GetContext(ctx, "count-events", &n); err != nil {
		return 0, &types.StoreError{Op: "count", Err: err}
	}
	return n, nil
}

// CountByStatus returns the number of events in status.
func (s *EventStore) CountByStatus(ctx context.Context, status types.EventStatus) (int64, error) {
	var n int64
	if err := s.q.GetContext(ctx, "count-by-status", &n, status); err != nil {
		return 0, &types.StoreError{Op: "count_by_status", Err: err}
	}
	return n, nil
}

// SizeOnDisk returns the bytes held by live pages of the database (SQLite) or
// by the events relation (PostgreSQL). Pages freed by deletes are not counted
// for SQLite, so the figure drops before the file is compacted.
func (s *EventStore) SizeOnDisk(ctx context.Context) (int64, error) {
	var n int64
	if err := s.q.GetContext(ctx, "size-on-disk", &n); err != nil {
		return 0, &types.StoreError{Op: "size_on_disk", Err: err}
	}
	return n, nil
}

// Stats summarizes the store for diagnostics.
type Stats struct {
	TotalEvents int64 `json:"total_events"`
	SizeBytes   int64 `json:"size_bytes"`
	Pending     int64 `json:"pending"`
	Processing  int64 `json:"processing"`
	Transmitted int64 `json:"transmitted"`
	Failed      int64 `json:"failed"`
}

// Stats returns event counts per status and the size on disk.
func (s *EventStore) Stats(ctx context.Context) (Stats, error) {
	var rows []struct {
		Status types.EventStatus `db:"status"`
		N      int64             `db:"n"`
	}
	if err := s.q.SelectContext(ctx, "count-grouped-by-status", &rows); err != nil {
		return Stats{}, &types.StoreError{Op: "stats", Err: err}
	}

	var st Stats
	for _, r := range rows {
		st.TotalEvents += r.N
		switch r.Status {
		case types.StatusPending:
			st.Pending = r.N
		case types.StatusProcessing:
			st.Processing = r.N
		case types.StatusTransmitted:
			st.Transmitted = r.N
		case types.StatusFailed:
			st.Failed = r.N
		}
	}

	size, err := s.SizeOnDisk(ctx)
	if err != nil {
		return Stats{}, err
	}
	st.SizeBytes = size
	return st, nil
}

// Compact recreates missing indexes, reclaims free pages and rebuilds indexes.
// It must not run inside a transaction.
func (s *EventStore) Compact(ctx context.Context) error {
	for _, name := range []string{
		"ensure-index-status",
		"ensure-index-timestamp",
		"ensure-index-type",
		"vacuum",
		"reindex",
	} {
		if _, err := s.q.ExecContext(ctx, name); err != nil {
			return &types.StoreError{Op: "compact", Err: fmt.Errorf("%s: %w", name, err)}
		}
	}
	s.logger.Debug("store compacted")
	return nil
}

// PerformanceSummary aggregates duration statistics of one performance metric.
type PerformanceSummary struct {
	Category      string          `db:"category" json:"category"`
	Name          string          `db:"name" json:"name"`
	Samples       int64           `db:"samples" json:"samples"`
	AvgDurationMs sql.NullFloat64 `db:"avg_duration_ms" json:"-"`
	MaxDurationMs sql.NullInt64   `db:"max_duration_ms" json:"-"`
}

// PerformanceSummary returns per (category, name) statistics for performance
// events at or after since (epoch ms), most sampled first.
func (s *EventStore) PerformanceSummary(ctx context.Context, since int64) ([]PerformanceSummary, error) {
	var out []PerformanceSummary
	if err := s.q.SelectContext(ctx, "performance-summary", &out, since); err != nil {
		return nil, &types.StoreError{Op: "performance_summary", Err: err}
	}
	return out, nil
}

// decodeRow decompresses the payload and checks that it decodes to an event.
func decodeRow(row types.StoredEvent) (types.StoredEvent, error) {
	payload, err := snappy.Decode(nil, row.Payload)
	if err != nil {
		return types.StoredEvent{}, fmt.Errorf("%w: %v", types.ErrCorruptPayload, err)
	}
	if _, err := types.Unmarshal(payload); err != nil {
		return types.StoredEvent{}, err
	}
	row.Payload = payload
	return row, nil
}

func toStrings(ids []types.EventID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}
