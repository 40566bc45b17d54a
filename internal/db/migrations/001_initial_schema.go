package migrations

// InitialSchema creates the entity registry and the statistics history
var InitialSchema = &Migration{
	Name: "001_initial_schema",
	UpSQL: `
		-- One row per OBU that ever sent valid telemetry
		CREATE TABLE IF NOT EXISTS entities (
			entity_id TEXT PRIMARY KEY,
			first_seen TIMESTAMPTZ NOT NULL,
			last_seen TIMESTAMPTZ NOT NULL,
			last_latitude DOUBLE PRECISION NOT NULL,
			last_longitude DOUBLE PRECISION NOT NULL,
			message_count BIGINT NOT NULL DEFAULT 0
		);

		CREATE INDEX IF NOT EXISTS idx_entities_last_seen ON entities (last_seen DESC);

		-- Periodic ingestion statistics
		CREATE TABLE IF NOT EXISTS system_stats (
			time TIMESTAMPTZ NOT NULL,
			session_id TEXT NOT NULL,
			total_messages BIGINT NOT NULL,
			decoded_messages BIGINT NOT NULL,
			rejected_messages BIGINT NOT NULL,
			new_entities BIGINT NOT NULL,
			active_entities BIGINT NOT NULL,
			animations_started BIGINT NOT NULL,
			animations_superseded BIGINT NOT NULL,
			animations_completed BIGINT NOT NULL,
			animation_faults BIGINT NOT NULL,
			direct_writes BIGINT NOT NULL,
			mirror_failures BIGINT NOT NULL,
			reject_reasons TEXT[] NOT NULL,
			reject_counts BIGINT[] NOT NULL,
			processing_time_ms BIGINT NOT NULL,
			uptime_seconds BIGINT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_system_stats_time ON system_stats (time DESC);
		CREATE INDEX IF NOT EXISTS idx_system_stats_session ON system_stats (session_id);
	`,
	DownSQL: `
		DROP TABLE IF EXISTS system_stats;
		DROP TABLE IF EXISTS entities;
	`,
}
