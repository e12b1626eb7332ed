package incidents

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Store keeps incidents in Postgres. Filterable fields are columns; the
// whole record is kept in a JSONB doc column.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Create(ctx context.Context, inc *Incident) error {
	inc.ID = uuid.NewString()
	inc.Version = 1
	doc, err := json.Marshal(inc)
	if err != nil {
		return fmt.Errorf("marshal incident: %w", err)
	}
	const q = `
		INSERT INTO incidents
		(id, source_ip, threat_type, severity, incident_stage, repeat_offender,
		 risk_score, created_at, updated_at, version, doc)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`
	_, err = s.db.ExecContext(ctx, q,
		inc.ID,
		inc.SourceIP,
		inc.ThreatType,
		inc.Severity,
		inc.Stage,
		inc.RepeatOffender,
		inc.RiskScore,
		inc.CreatedAt,
		inc.UpdatedAt,
		inc.Version,
		doc,
	)
	if err != nil {
		inc.ID = ""
		return err
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*Incident, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrIncidentNotFound
	}
	row := s.db.QueryRowContext(ctx, `SELECT doc, version FROM incidents WHERE id = $1`, id)
	inc, err := scanIncident(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrIncidentNotFound
	}
	return inc, err
}

func (s *Store) Update(ctx context.Context, inc *Incident, expectedVersion int64) error {
	if _, err := uuid.Parse(inc.ID); err != nil {
		return ErrIncidentNotFound
	}
	next := *inc
	next.Version = expectedVersion + 1
	doc, err := json.Marshal(&next)
	if err != nil {
		return fmt.Errorf("marshal incident: %w", err)
	}
	const q = `
		UPDATE incidents
		SET incident_stage = $1, updated_at = $2, version = $3, doc = $4
		WHERE id = $5 AND version = $6
	`
	res, err := s.db.ExecContext(ctx, q, next.Stage, next.UpdatedAt, next.Version, doc, inc.ID, expectedVersion)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var one int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM incidents WHERE id = $1`, inc.ID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrIncidentNotFound
		}
		if err != nil {
			return err
		}
		return ErrVersionConflict
	}
	inc.Version = next.Version
	return nil
}

func (s *Store) CountSimilar(ctx context.Context, sourceIP, threatType string, from, to time.Time) (int, error) {
	const q = `
		SELECT count(*) FROM incidents
		WHERE source_ip = $1 AND threat_type = $2 AND created_at >= $3 AND created_at < $4
	`
	var n int
	if err := s.db.QueryRowContext(ctx, q, sourceIP, threatType, from, to).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *Store) List(ctx context.Context, f ListFilter) ([]Incident, error) {
	clauses := []string{"1=1"}
	args := []interface{}{}
	idx := 1
	add := func(expr string, v interface{}) {
		clauses = append(clauses, expr+itoa(idx))
		args = append(args, v)
		idx++
	}
	if f.Stage != "" {
		add("incident_stage = $", string(f.Stage))
	}
	if f.Severity != "" {
		add("severity = $", string(f.Severity))
	}
	if f.SourceIP != "" {
		add("source_ip = $", f.SourceIP)
	}
	if f.ThreatType != "" {
		add("threat_type = $", NormalizeThreatType(f.ThreatType))
	}
	if f.RepeatOffender != nil {
		add("repeat_offender = $", *f.RepeatOffender)
	}
	query := "SELECT doc, version FROM incidents WHERE " + strings.Join(clauses, " AND ") +
		" ORDER BY created_at DESC LIMIT " + itoa(listLimit(f.Limit))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []Incident{}
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *inc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return res, nil
}

func (s *Store) SeverityCounts(ctx context.Context) (map[Severity]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT severity, count(*) FROM incidents GROUP BY severity`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[Severity]int{}
	for rows.Next() {
		var sev string
		var n int
		if err := rows.Scan(&sev, &n); err != nil {
			return nil, err
		}
		counts[Severity(sev)] = n
	}
	return counts, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanIncident(row scanner) (*Incident, error) {
	var doc []byte
	var version int64
	if err := row.Scan(&doc, &version); err != nil {
		return nil, err
	}
	var inc Incident
	if err := json.Unmarshal(doc, &inc); err != nil {
		return nil, fmt.Errorf("decode incident: %w", err)
	}
	inc.Version = version
	return &inc, nil
}

func itoa(i int) string {
	return strconv.Itoa(i)
}
