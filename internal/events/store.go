package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Repository is the raw event store the detector queries.
type Repository interface {
	Insert(ctx context.Context, e *Event) error
	List(ctx context.Context, f Filter) ([]Event, error)
	// Aggregate groups matching events by groupBy and returns the largest
	// size buckets, biggest first.
	Aggregate(ctx context.Context, f Filter, groupBy string, size int) ([]Bucket, error)
}

const (
	defaultListLimit = 200
	maxListLimit     = 1000
)

func listLimit(n int) int {
	if n <= 0 || n > maxListLimit {
		return defaultListLimit
	}
	return n
}

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Insert(ctx context.Context, e *Event) error {
	e.normalize(time.Now().UTC())
	e.ID = uuid.NewString()
	fieldsJSON, err := json.Marshal(e.Fields)
	if err != nil {
		return err
	}
	const q = `
		INSERT INTO events
		(id, ts, event_type, source_ip, "user", action, status, resource, geo_location,
		 severity, tags, fields, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`
	_, err = s.db.ExecContext(ctx, q,
		e.ID,
		e.Timestamp,
		e.EventType,
		e.SourceIP,
		e.User,
		e.Action,
		e.Status,
		e.Resource,
		e.GeoLocation,
		e.Severity,
		pq.Array(e.Tags),
		string(fieldsJSON),
		e.CreatedAt,
	)
	return err
}

// where renders f as a SQL predicate.
func (f Filter) where() (string, []interface{}) {
	clauses := []string{"1=1"}
	args := []interface{}{}
	argIdx := 1
	add := func(expr string, v interface{}) {
		clauses = append(clauses, expr+itoa(argIdx))
		args = append(args, v)
		argIdx++
	}
	if f.EventType != "" {
		add("event_type = $", f.EventType)
	}
	if f.SourceIP != "" {
		add("source_ip = $", f.SourceIP)
	}
	if f.User != "" {
		add(`"user" = $`, f.User)
	}
	if f.Status != "" {
		add("status = $", strings.ToUpper(f.Status))
	}
	if f.Severity != "" {
		add("severity = $", strings.ToUpper(string(f.Severity)))
	}
	if f.Tag != "" {
		clauses = append(clauses, "$"+itoa(argIdx)+" = ANY(tags)")
		args = append(args, f.Tag)
		argIdx++
	}
	if !f.Since.IsZero() {
		add("ts >= $", f.Since)
	}
	if !f.Until.IsZero() {
		add("ts <= $", f.Until)
	}
	return strings.Join(clauses, " AND "), args
}

func (s *Store) List(ctx context.Context, f Filter) ([]Event, error) {
	where, args := f.where()
	query := `SELECT id, ts, event_type, source_ip, "user", action, status, resource, geo_location,` +
		` severity, tags, fields, created_at FROM events WHERE ` +
		where + " ORDER BY ts DESC LIMIT " + itoa(listLimit(f.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []Event{}
	for rows.Next() {
		var e Event
		var tags pq.StringArray
		var fieldsJSON []byte
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.EventType, &e.SourceIP, &e.User, &e.Action,
			&e.Status, &e.Resource, &e.GeoLocation, &e.Severity, &tags, &fieldsJSON, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Tags = []string(tags)
		if len(fieldsJSON) > 0 {
			if err := json.Unmarshal(fieldsJSON, &e.Fields); err != nil {
				return nil, err
			}
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) Aggregate(ctx context.Context, f Filter, groupBy string, size int) ([]Bucket, error) {
	if !validGroupBy(groupBy) {
		return nil, fmt.Errorf("cannot group events by %q", groupBy)
	}
	if size <= 0 {
		size = 10
	}
	col := pq.QuoteIdentifier(groupBy)
	where, args := f.where()
	query := "SELECT " + col + `, count(*), max(ts), (array_agg("user" ORDER BY ts DESC))[1]` +
		" FROM events WHERE " + where +
		" GROUP BY " + col + " ORDER BY count(*) DESC, max(ts) DESC LIMIT " + itoa(size)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	buckets := []Bucket{}
	for rows.Next() {
		var b Bucket
		var user sql.NullString
		if err := rows.Scan(&b.Key, &b.Count, &b.LastSeen, &user); err != nil {
			return nil, err
		}
		b.LatestUser = user.String
		buckets = append(buckets, b)
	}
	return buckets, rows.Err()
}

func itoa(i int) string {
	return strconv.Itoa(i)
}
