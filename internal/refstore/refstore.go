// Package refstore implements the temporal versioning store for device
// reference metadata (interface and endpoint snapshots). Each entity's
// attribute history is a chain of [begin_time, end_time) intervals backed
// by DuckDB; the latest version of an entity stays open until a later
// poll changes or omits it.
package refstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/xtxerr/archivist/internal/errors"
	"github.com/xtxerr/archivist/internal/logging"
	"github.com/xtxerr/archivist/internal/model"
)

// OpenEnd is the end_time sentinel of a still-active version.
const OpenEnd = math.MaxInt64

// Record is one version of one entity's attribute snapshot. The interval
// is [BeginTime, EndTime); EndTime == OpenEnd marks the active version.
type Record struct {
	Device    string
	MetricSet string
	EntityKey string
	Attrs     model.Attrs
	BeginTime int64
	EndTime   int64
}

// Open reports whether this is the entity's active version.
func (r *Record) Open() bool {
	return r.EndTime == OpenEnd
}

// Filter narrows a version query. Zero fields match everything.
type Filter struct {
	// MetricSet restricts to one reference set.
	MetricSet string

	// EntityKey restricts to one entity.
	EntityKey string

	// At restricts to versions active at the given timestamp
	// (BeginTime <= At < EndTime). Zero disables the restriction.
	At int64
}

// Stats holds refstore counters.
type Stats struct {
	PollsApplied   atomic.Int64
	VersionsOpened atomic.Int64
	VersionsClosed atomic.Int64
	Unchanged      atomic.Int64
	StalePolls     atomic.Int64
}

type scopeKey struct {
	device    string
	metricSet string
}

// Store persists versioned reference records. A single writer applies
// polls; queries run concurrently against DuckDB.
type Store struct {
	mu  sync.Mutex
	db  *sql.DB
	log *slog.Logger

	// open caches the active version per entity so a poll diff never
	// touches the database for unchanged entities.
	open map[scopeKey]map[string]*Record

	// lastPoll enforces per-scope poll monotonicity: a poll at or before
	// the last applied timestamp is a no-op.
	lastPoll map[scopeKey]int64

	stats Stats
}

const schema = `
CREATE TABLE IF NOT EXISTS refs (
    device     VARCHAR NOT NULL,
    metric_set VARCHAR NOT NULL,
    entity_key VARCHAR NOT NULL,
    attrs      VARCHAR NOT NULL,
    begin_time BIGINT  NOT NULL,
    end_time   BIGINT  NOT NULL
);
CREATE INDEX IF NOT EXISTS refs_entity_idx
    ON refs (device, metric_set, entity_key, end_time);
`

// Open opens (creating if needed) the reference database at path and
// loads the active versions into the in-memory index.
func Open(path string) (*Store, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open refdb: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create refs schema: %w", err)
	}

	s := &Store{
		db:       db,
		log:      logging.Component("refstore"),
		open:     make(map[scopeKey]map[string]*Record),
		lastPoll: make(map[scopeKey]int64),
	}

	if err := s.loadOpen(); err != nil {
		db.Close()
		return nil, fmt.Errorf("load open versions: %w", err)
	}

	return s, nil
}

func (s *Store) loadOpen() error {
	rows, err := s.db.Query(
		`SELECT device, metric_set, entity_key, attrs, begin_time, end_time
		   FROM refs WHERE end_time = ?`, int64(OpenEnd))
	if err != nil {
		return err
	}
	defer rows.Close()

	loaded := 0
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return err
		}
		scope := scopeKey{r.Device, r.MetricSet}
		if s.open[scope] == nil {
			s.open[scope] = make(map[string]*Record)
		}
		s.open[scope][r.EntityKey] = r
		if r.BeginTime > s.lastPoll[scope] {
			s.lastPoll[scope] = r.BeginTime
		}
		loaded++
	}
	if err := rows.Err(); err != nil {
		return err
	}

	if loaded > 0 {
		s.log.Info("loaded active reference versions", "count", loaded)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(rows rowScanner) (*Record, error) {
	var r Record
	var attrsJSON string
	if err := rows.Scan(&r.Device, &r.MetricSet, &r.EntityKey, &attrsJSON, &r.BeginTime, &r.EndTime); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(attrsJSON), &r.Attrs); err != nil {
		return nil, fmt.Errorf("decode attrs for %s/%s/%s: %w", r.Device, r.MetricSet, r.EntityKey, err)
	}
	return &r, nil
}

// Apply folds one reference poll into the version history:
//
//   - a new entity opens a version at the poll timestamp
//   - a changed entity closes its active version at the poll timestamp
//     and opens a new one there
//   - an unchanged entity is left alone
//   - an active entity absent from the poll is closed at the poll
//     timestamp (the poll is a full snapshot)
//
// Per-entity failures are isolated: the rest of the poll is still applied
// and the joined error returned. Polls at or before the scope's last
// applied timestamp are discarded.
func (s *Store) Apply(ctx context.Context, device, metricSet string, ts int64, entities map[string]model.Attrs) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	scope := scopeKey{device, metricSet}
	if last, ok := s.lastPoll[scope]; ok && ts <= last {
		s.stats.StalePolls.Add(1)
		s.log.Debug("stale reference poll discarded",
			"device", device, "metric_set", metricSet,
			"ts", ts, "last", last)
		return nil
	}

	if s.open[scope] == nil {
		s.open[scope] = make(map[string]*Record)
	}
	active := s.open[scope]

	var errs []error

	// Close versions for entities the snapshot no longer contains.
	for key, rec := range active {
		if _, present := entities[key]; present {
			continue
		}
		if err := s.closeVersion(ctx, rec, ts); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", key, err))
			continue
		}
		delete(active, key)
	}

	for key, attrs := range entities {
		cur, exists := active[key]
		if exists && cur.Attrs.Equal(attrs) {
			s.stats.Unchanged.Add(1)
			continue
		}

		if exists {
			if err := s.closeVersion(ctx, cur, ts); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", key, err))
				continue
			}
			delete(active, key)
		}

		rec := &Record{
			Device:    device,
			MetricSet: metricSet,
			EntityKey: key,
			Attrs:     attrs,
			BeginTime: ts,
			EndTime:   OpenEnd,
		}
		if err := s.insertVersion(ctx, rec); err != nil {
			errs = append(errs, fmt.Errorf("open %s: %w", key, err))
			continue
		}
		active[key] = rec
	}

	s.lastPoll[scope] = ts
	s.stats.PollsApplied.Add(1)
	return errors.Join(errs...)
}

func (s *Store) closeVersion(ctx context.Context, rec *Record, ts int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE refs SET end_time = ?
		  WHERE device = ? AND metric_set = ? AND entity_key = ? AND end_time = ?`,
		ts, rec.Device, rec.MetricSet, rec.EntityKey, int64(OpenEnd))
	if err != nil {
		return err
	}
	rec.EndTime = ts
	s.stats.VersionsClosed.Add(1)
	return nil
}

func (s *Store) insertVersion(ctx context.Context, rec *Record) error {
	attrsJSON, err := json.Marshal(rec.Attrs)
	if err != nil {
		return fmt.Errorf("encode attrs: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO refs (device, metric_set, entity_key, attrs, begin_time, end_time)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.Device, rec.MetricSet, rec.EntityKey, string(attrsJSON), rec.BeginTime, rec.EndTime)
	if err != nil {
		return err
	}
	s.stats.VersionsOpened.Add(1)
	return nil
}

// Query returns the version history for a device, narrowed by the filter,
// ordered by interval end (closed versions oldest first, active last).
func (s *Store) Query(ctx context.Context, device string, f Filter) ([]Record, error) {
	query := `SELECT device, metric_set, entity_key, attrs, begin_time, end_time
	            FROM refs WHERE device = ?`
	args := []any{device}

	if f.MetricSet != "" {
		query += " AND metric_set = ?"
		args = append(args, f.MetricSet)
	}
	if f.EntityKey != "" {
		query += " AND entity_key = ?"
		args = append(args, f.EntityKey)
	}
	if f.At != 0 {
		query += " AND begin_time <= ? AND end_time > ?"
		args = append(args, f.At, f.At)
	}
	query += " ORDER BY end_time, begin_time, entity_key"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query refs: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// Active returns the active version of one entity.
func (s *Store) Active(device, metricSet, entityKey string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.open[scopeKey{device, metricSet}][entityKey]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// ActiveCount returns the number of active versions in a scope.
func (s *Store) ActiveCount(device, metricSet string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.open[scopeKey{device, metricSet}])
}

// Stats returns the store counters.
func (s *Store) Stats() *Stats {
	return &s.stats
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
