package sqlite

const metaSchema = `
-- Records table: mutable per-record metadata. Immutable content bodies
-- live in the audit log working tree; fid points at the body file.
CREATE TABLE IF NOT EXISTS records (
    id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    title TEXT NOT NULL CHECK(length(title) <= 500),
    target TEXT NOT NULL,
    rationale TEXT NOT NULL,
    consequences TEXT NOT NULL DEFAULT '[]',
    status TEXT NOT NULL,
    authority TEXT NOT NULL,
    phase TEXT NOT NULL DEFAULT 'pattern',
    vitality REAL NOT NULL DEFAULT 0.1 CHECK(vitality >= 0.0 AND vitality <= 1.0),
    content_hash TEXT DEFAULT '',
    fid TEXT DEFAULT '',
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_records_target_status ON records(target, status);
CREATE INDEX IF NOT EXISTS idx_records_status ON records(status);
CREATE INDEX IF NOT EXISTS idx_records_phase_vitality ON records(phase, vitality);
CREATE INDEX IF NOT EXISTS idx_records_fid ON records(fid);

-- Single active record per target, enforced at the storage layer as the
-- last line of defense behind the integrity checker.
CREATE UNIQUE INDEX IF NOT EXISTS idx_records_one_active
    ON records(target) WHERE status = 'active';

-- Supersession edges (new supersedes old). The induced graph is a DAG;
-- write-time reachability checks reject cycles before they exist.
CREATE TABLE IF NOT EXISTS supersessions (
    new_id TEXT NOT NULL,
    old_id TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    PRIMARY KEY (new_id, old_id),
    FOREIGN KEY (new_id) REFERENCES records(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_supersessions_old ON supersessions(old_id);

-- Evidence links: record -> episodic event. target is denormalized so
-- CountLinks stays a single indexed lookup.
CREATE TABLE IF NOT EXISTS evidence_links (
    record_id TEXT NOT NULL,
    event_id TEXT NOT NULL,
    target TEXT NOT NULL,
    linked_at INTEGER NOT NULL,
    PRIMARY KEY (record_id, event_id),
    FOREIGN KEY (record_id) REFERENCES records(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_evidence_target ON evidence_links(target);
CREATE INDEX IF NOT EXISTS idx_evidence_event ON evidence_links(event_id);

-- Per-file mtime cache for index reconciliation against the log working
-- tree: unchanged body files are skipped on sync.
CREATE TABLE IF NOT EXISTS file_mtimes (
    fid TEXT PRIMARY KEY,
    mtime_ns INTEGER NOT NULL,
    last_checked INTEGER NOT NULL
);

-- Metadata table (internal state: schema version, last replayed ref).
CREATE TABLE IF NOT EXISTS metadata (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`

const episodicSchema = `
-- Events are append-only: rows are never updated except to extend
-- linked_targets, and only retention pruning removes them.
CREATE TABLE IF NOT EXISTS events (
    id TEXT PRIMARY KEY,
    prompt TEXT NOT NULL DEFAULT '',
    response TEXT NOT NULL DEFAULT '',
    success INTEGER NOT NULL DEFAULT 0,
    metadata TEXT NOT NULL DEFAULT '{}',
    created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_created ON events(created_at);

CREATE TABLE IF NOT EXISTS event_targets (
    event_id TEXT NOT NULL,
    target TEXT NOT NULL,
    PRIMARY KEY (event_id, target),
    FOREIGN KEY (event_id) REFERENCES events(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_event_targets_target ON event_targets(target);
`
