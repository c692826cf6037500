package journal

// schemaSQL creates the base tables. Later changes go in migrations.
const schemaSQL = `
-- One row per applied batch (a document ingestion or a script)
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    source TEXT NOT NULL,
    mode TEXT NOT NULL,
    model TEXT,
    status TEXT NOT NULL,
    error TEXT,
    applied INTEGER NOT NULL DEFAULT 0,
    syntax_rejected INTEGER NOT NULL DEFAULT 0,
    store_rejected INTEGER NOT NULL DEFAULT 0,
    skipped_empty INTEGER NOT NULL DEFAULT 0,
    aborted INTEGER NOT NULL DEFAULT 0,
    started_at DATETIME NOT NULL,
    finished_at DATETIME NOT NULL
);

-- Per-statement outcomes, in submission order
CREATE TABLE IF NOT EXISTS outcomes (
    run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    idx INTEGER NOT NULL,
    statement TEXT NOT NULL,
    status TEXT NOT NULL,
    message TEXT,
    PRIMARY KEY (run_id, idx)
);

CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
`
