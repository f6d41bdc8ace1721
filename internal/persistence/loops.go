package persistence

import (
	"context"
	"database/sql"
	"strings"
	"time"
)

// LoopSpecRecord is the persisted form of a loop's static configuration.
type LoopSpecRecord struct {
	ID          string
	AgentID     string
	Schedule    string
	Priority    int
	MaxDuration time.Duration
	Adaptive    bool
	DependsOn   []string
}

// LoopStateRecord is the persisted snapshot of a loop's runtime state.
type LoopStateRecord struct {
	ID                  string
	Status              string
	LastRun             time.Time
	NextRun             time.Time
	AvgDuration         time.Duration
	SuccessRate         float64
	PerformanceScore    float64
	AdaptiveMultiplier  float64
	ConsecutiveFailures int
}

// UpsertLoopSpec stores a loop's configuration. Specs are written once at
// bring-up and never deleted at runtime.
func (s *Store) UpsertLoopSpec(ctx context.Context, rec LoopSpecRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO loop_specs (id, agent_id, schedule, priority, max_duration_ns, adaptive, depends_on)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			agent_id = excluded.agent_id,
			schedule = excluded.schedule,
			priority = excluded.priority,
			max_duration_ns = excluded.max_duration_ns,
			adaptive = excluded.adaptive,
			depends_on = excluded.depends_on`,
		rec.ID, rec.AgentID, rec.Schedule, rec.Priority,
		rec.MaxDuration.Nanoseconds(), rec.Adaptive, strings.Join(rec.DependsOn, ","),
	)
	return err
}

// LoadLoopSpecs returns every persisted loop configuration.
func (s *Store) LoadLoopSpecs(ctx context.Context) ([]LoopSpecRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, schedule, priority, max_duration_ns, adaptive, depends_on
		FROM loop_specs ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LoopSpecRecord
	for rows.Next() {
		var rec LoopSpecRecord
		var durNs int64
		var deps string
		if err := rows.Scan(&rec.ID, &rec.AgentID, &rec.Schedule, &rec.Priority, &durNs, &rec.Adaptive, &deps); err != nil {
			return nil, err
		}
		rec.MaxDuration = time.Duration(durNs)
		if deps != "" {
			rec.DependsOn = strings.Split(deps, ",")
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SaveLoopState upserts a loop state snapshot.
func (s *Store) SaveLoopState(ctx context.Context, rec LoopStateRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO loop_state
			(id, status, last_run, next_run, avg_duration_ns, success_rate,
			 performance_score, adaptive_multiplier, consecutive_failures, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			last_run = excluded.last_run,
			next_run = excluded.next_run,
			avg_duration_ns = excluded.avg_duration_ns,
			success_rate = excluded.success_rate,
			performance_score = excluded.performance_score,
			adaptive_multiplier = excluded.adaptive_multiplier,
			consecutive_failures = excluded.consecutive_failures,
			updated_at = CURRENT_TIMESTAMP`,
		rec.ID, rec.Status, rec.LastRun, rec.NextRun,
		rec.AvgDuration.Nanoseconds(), rec.SuccessRate,
		rec.PerformanceScore, rec.AdaptiveMultiplier, rec.ConsecutiveFailures,
	)
	return err
}

// LoadLoopState returns the snapshot for one loop, or sql.ErrNoRows.
func (s *Store) LoadLoopState(ctx context.Context, id string) (LoopStateRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, status, last_run, next_run, avg_duration_ns, success_rate,
		       performance_score, adaptive_multiplier, consecutive_failures
		FROM loop_state WHERE id = ?`, id)

	var rec LoopStateRecord
	var durNs int64
	var lastRun, nextRun sql.NullTime
	err := row.Scan(&rec.ID, &rec.Status, &lastRun, &nextRun, &durNs,
		&rec.SuccessRate, &rec.PerformanceScore, &rec.AdaptiveMultiplier, &rec.ConsecutiveFailures)
	if err != nil {
		return LoopStateRecord{}, err
	}
	rec.AvgDuration = time.Duration(durNs)
	if lastRun.Valid {
		rec.LastRun = lastRun.Time
	}
	if nextRun.Valid {
		rec.NextRun = nextRun.Time
	}
	return rec, nil
}
