package database

// Schema contains all SQL statements for creating tables and indexes
const Schema = `
-- Integrations table: one row per (user, provider) OAuth connection
CREATE TABLE IF NOT EXISTS integrations (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id INTEGER NOT NULL,
    provider TEXT NOT NULL,

    -- Provider-side identity
    provider_user_id TEXT NOT NULL,

    -- OAuth tokens (cleared on disconnect or irrecoverable auth failure)
    access_token TEXT NOT NULL,
    refresh_token TEXT NOT NULL,
    token_expires_at INTEGER NOT NULL,

    -- State tracking
    last_sync_at INTEGER,
    sync_error TEXT,

    -- Metadata
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

-- Webhook events table: raw log of all provider notifications, never deleted
CREATE TABLE IF NOT EXISTS webhook_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,

    -- Identity
    provider TEXT NOT NULL,
    provider_user_id TEXT NOT NULL,
    provider_activity_id TEXT,

    -- Classification and enrichment inputs
    event_type TEXT NOT NULL,  -- 'push' or 'ping'
    file_url TEXT,             -- time-limited binary download reference
    payload TEXT NOT NULL,     -- raw notification body

    -- Processing state
    processed BOOLEAN NOT NULL DEFAULT 0,
    process_error TEXT,
    error_kind TEXT,           -- 'transient', 'auth' or 'permanent'
    attempts INTEGER NOT NULL DEFAULT 0,
    activity_id INTEGER,       -- back-reference once resolved

    -- Metadata
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

-- Activities table: canonical normalized activity records
CREATE TABLE IF NOT EXISTS activities (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id INTEGER NOT NULL,
    provider TEXT NOT NULL,
    provider_activity_id TEXT NOT NULL,

    -- Core fields
    name TEXT,
    sport TEXT,
    start_date INTEGER NOT NULL,
    trainer BOOLEAN NOT NULL DEFAULT 0,

    -- Normalized metrics (nullable; enrichment fills gaps)
    distance_m REAL,
    moving_time_s REAL,
    elapsed_time_s REAL,
    elevation_gain_m REAL,
    avg_speed_ms REAL,
    max_speed_ms REAL,
    avg_watts REAL,
    max_watts REAL,
    normalized_watts REAL,
    avg_heart_rate REAL,
    max_heart_rate REAL,
    avg_cadence REAL,
    training_stress_score REAL,
    intensity_factor REAL,
    threshold_watts REAL,

    -- Derived geometry and power curve
    map_summary_polyline TEXT,
    power_curve_json TEXT,

    -- Provenance
    raw_data TEXT NOT NULL,
    imported_from TEXT NOT NULL,
    contributing_providers TEXT,  -- JSON array, set by dedup merges

    -- Metadata
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

-- Rate limit counters: shared sliding-window counts keyed by client and window
CREATE TABLE IF NOT EXISTS rate_limits (
    key TEXT NOT NULL,
    window_start INTEGER NOT NULL,
    count INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (key, window_start)
);

-- Indexes for integrations table
CREATE UNIQUE INDEX IF NOT EXISTS idx_integrations_user_provider ON integrations(user_id, provider);
CREATE INDEX IF NOT EXISTS idx_integrations_provider_user ON integrations(provider, provider_user_id);

-- Indexes for webhook_events table
CREATE INDEX IF NOT EXISTS idx_webhook_events_processed ON webhook_events(processed);
CREATE INDEX IF NOT EXISTS idx_webhook_events_provider_user ON webhook_events(provider, provider_user_id);

-- At most one event row per provider-side activity; duplicate notifications
-- update the existing row instead of inserting a second one
CREATE UNIQUE INDEX IF NOT EXISTS idx_webhook_events_activity ON webhook_events(provider, provider_user_id, provider_activity_id)
    WHERE provider_activity_id IS NOT NULL;

-- Indexes for activities table
CREATE UNIQUE INDEX IF NOT EXISTS idx_activities_identity ON activities(user_id, provider, provider_activity_id);
CREATE INDEX IF NOT EXISTS idx_activities_user_start ON activities(user_id, start_date ASC);
`
