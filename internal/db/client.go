package db

import (
	"database/sql"
	"time"

	"github.com/lib/pq"

	"github.com/saviobatista/obu-tracker/internal/stats"
	"github.com/saviobatista/obu-tracker/internal/types"
)

type Client struct {
	db *sql.DB
}

// New creates a new database client
func New(connStr string) (*Client, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	return &Client{db: db}, nil
}

// Close closes the database connection
func (c *Client) Close() error {
	return c.db.Close()
}

// Ping verifies the database is reachable
func (c *Client) Ping() error {
	return c.db.Ping()
}

// UpsertEntity records a valid report for an entity, creating its registry
// row on first sight
func (c *Client) UpsertEntity(id string, pos types.Position, seenAt time.Time) error {
	query := `
		INSERT INTO entities (
			entity_id, first_seen, last_seen, last_latitude, last_longitude, message_count
		) VALUES ($1, $2, $2, $3, $4, 1)
		ON CONFLICT (entity_id) DO UPDATE SET
			last_seen = EXCLUDED.last_seen,
			last_latitude = EXCLUDED.last_latitude,
			last_longitude = EXCLUDED.last_longitude,
			message_count = entities.message_count + 1
	`
	_, err := c.db.Exec(query, id, seenAt, pos.Latitude, pos.Longitude)
	return err
}

// GetEntities retrieves every registered entity, most recently seen first
func (c *Client) GetEntities() ([]*types.Entity, error) {
	query := `
		SELECT entity_id, first_seen, last_seen, last_latitude, last_longitude, message_count
		FROM entities
		ORDER BY last_seen DESC
	`
	rows, err := c.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entities []*types.Entity
	for rows.Next() {
		var e types.Entity
		if err := rows.Scan(
			&e.EntityID, &e.FirstSeen, &e.LastSeen,
			&e.LastLatitude, &e.LastLongitude, &e.MessageCount,
		); err != nil {
			return nil, err
		}
		entities = append(entities, &e)
	}
	return entities, rows.Err()
}

// StoreSystemStats stores system statistics
func (c *Client) StoreSystemStats(snap stats.Snapshot) error {
	query := `
		INSERT INTO system_stats (
			time, session_id, total_messages, decoded_messages, rejected_messages,
			new_entities, active_entities, animations_started, animations_superseded,
			animations_completed, animation_faults, direct_writes, mirror_failures,
			reject_reasons, reject_counts, processing_time_ms, uptime_seconds
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17
		)
	`

	reasons := make([]string, 0, len(snap.RejectReasons))
	counts := make([]int64, 0, len(snap.RejectReasons))
	for reason, n := range snap.RejectReasons {
		reasons = append(reasons, reason)
		counts = append(counts, int64(n))
	}

	at := snap.Time
	if at.IsZero() {
		at = time.Now()
	}

	_, err := c.db.Exec(query,
		at,
		snap.SessionID,
		snap.TotalMessages,
		snap.DecodedMessages,
		snap.RejectedMessages,
		snap.NewEntities,
		snap.ActiveEntities,
		snap.AnimationsStarted,
		snap.AnimationsSuperseded,
		snap.AnimationsCompleted,
		snap.AnimationFaults,
		snap.DirectWrites,
		snap.MirrorFailures,
		pq.Array(reasons),
		pq.Array(counts),
		snap.ProcessingTime.Milliseconds(),
		int64(snap.Uptime.Seconds()),
	)

	return err
}

// GetSystemStats retrieves system statistics for a time range
func (c *Client) GetSystemStats(start, end time.Time) ([]stats.Snapshot, error) {
	query := `
		SELECT
			time, session_id, total_messages, decoded_messages, rejected_messages,
			new_entities, active_entities, animations_started, animations_superseded,
			animations_completed, animation_faults, direct_writes, mirror_failures,
			reject_reasons, reject_counts, processing_time_ms, uptime_seconds
		FROM system_stats
		WHERE time BETWEEN $1 AND $2
		ORDER BY time DESC
	`

	rows, err := c.db.Query(query, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snapshots []stats.Snapshot
	for rows.Next() {
		var (
			snap             stats.Snapshot
			reasons          []string
			counts           []int64
			processingTimeMs int64
			uptimeSeconds    int64
		)

		if err := rows.Scan(
			&snap.Time,
			&snap.SessionID,
			&snap.TotalMessages,
			&snap.DecodedMessages,
			&snap.RejectedMessages,
			&snap.NewEntities,
			&snap.ActiveEntities,
			&snap.AnimationsStarted,
			&snap.AnimationsSuperseded,
			&snap.AnimationsCompleted,
			&snap.AnimationFaults,
			&snap.DirectWrites,
			&snap.MirrorFailures,
			pq.Array(&reasons),
			pq.Array(&counts),
			&processingTimeMs,
			&uptimeSeconds,
		); err != nil {
			return nil, err
		}

		snap.RejectReasons = make(map[string]uint64, len(reasons))
		for i, reason := range reasons {
			if i < len(counts) {
				snap.RejectReasons[reason] = uint64(counts[i])
			}
		}
		snap.ProcessingTime = time.Duration(processingTimeMs) * time.Millisecond
		snap.Uptime = time.Duration(uptimeSeconds) * time.Second

		snapshots = append(snapshots, snap)
	}

	return snapshots, rows.Err()
}
