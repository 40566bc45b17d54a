package migrations

// RetentionPolicies prunes old statistics rows and keeps a daily rollup
var RetentionPolicies = &Migration{
	Name: "002_retention_policies",
	UpSQL: `
	-- Daily rollup of ingestion outcomes
	CREATE TABLE IF NOT EXISTS system_stats_daily (
		day DATE PRIMARY KEY,
		decoded_messages BIGINT NOT NULL,
		rejected_messages BIGINT NOT NULL,
		new_entities BIGINT NOT NULL
	);

	-- Roll up and drop statistics older than 90 days
	CREATE OR REPLACE FUNCTION prune_system_stats() RETURNS void AS $$
	BEGIN
		INSERT INTO system_stats_daily (day, decoded_messages, rejected_messages, new_entities)
		SELECT time::date, MAX(decoded_messages), MAX(rejected_messages), MAX(new_entities)
		FROM system_stats
		WHERE time < NOW() - INTERVAL '90 days'
		GROUP BY time::date
		ON CONFLICT (day) DO NOTHING;

		DELETE FROM system_stats WHERE time < NOW() - INTERVAL '90 days';
	END;
	$$ LANGUAGE plpgsql;
	`,
	DownSQL: `
	DROP FUNCTION IF EXISTS prune_system_stats();
	DROP TABLE IF EXISTS system_stats_daily;
	`,
}
