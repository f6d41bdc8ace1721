package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/meshwork-ai/swarmd/internal/bus"
	"github.com/meshwork-ai/swarmd/internal/memory"
)

// AppendExperience durably records a completed cognitive cycle. Experiences
// are append-only; there is no update or delete path.
func (s *Store) AppendExperience(ctx context.Context, exp memory.Experience) error {
	payload, err := json.Marshal(exp)
	if err != nil {
		return fmt.Errorf("marshal experience: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO experiences (id, agent_id, success, payload, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		exp.ID, exp.AgentID, exp.Success, string(payload), exp.Timestamp,
	)
	return err
}

// RecentExperiences returns up to limit experiences for the agent, newest
// first.
func (s *Store) RecentExperiences(ctx context.Context, agentID string, limit int) ([]memory.Experience, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload FROM experiences
		WHERE agent_id = ?
		ORDER BY created_at DESC LIMIT ?`, agentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []memory.Experience
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var exp memory.Experience
		if err := json.Unmarshal([]byte(payload), &exp); err != nil {
			return nil, fmt.Errorf("unmarshal experience: %w", err)
		}
		out = append(out, exp)
	}
	return out, rows.Err()
}

// ArchiveMessage appends a bus message to the durable archive for audit.
// Payloads that do not marshal are archived with a placeholder rather than
// failing the publish path.
func (s *Store) ArchiveMessage(ctx context.Context, msg bus.Message) error {
	payload, err := json.Marshal(msg.Payload)
	if err != nil {
		payload = []byte(`"<unserializable>"`)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO message_archive (id, from_agent, to_agent, kind, priority, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.From, msg.To, string(msg.Kind), int(msg.Priority), string(payload), msg.Timestamp,
	)
	return err
}

// ArchivedMessages returns up to limit archived messages for a recipient,
// newest first.
func (s *Store) ArchivedMessages(ctx context.Context, to string, limit int) ([]bus.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, from_agent, to_agent, kind, priority, payload, created_at
		FROM message_archive WHERE to_agent = ?
		ORDER BY created_at DESC LIMIT ?`, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []bus.Message
	for rows.Next() {
		var m bus.Message
		var kind, payload string
		var prio int
		var ts time.Time
		if err := rows.Scan(&m.ID, &m.From, &m.To, &kind, &prio, &payload, &ts); err != nil {
			return nil, err
		}
		m.Kind = bus.Kind(kind)
		m.Priority = bus.Priority(prio)
		m.Timestamp = ts
		var v any
		if err := json.Unmarshal([]byte(payload), &v); err == nil {
			m.Payload = v
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
