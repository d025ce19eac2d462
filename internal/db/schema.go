package db

// postgresSchema is idempotent; the (status, created_at) index serves the
// oldest-first claim query.
const postgresSchema = `
CREATE TABLE IF NOT EXISTS scan_tasks (
	id            TEXT PRIMARY KEY,
	user_id       TEXT NOT NULL,
	source        TEXT NOT NULL,
	url           TEXT NOT NULL,
	status        TEXT NOT NULL DEFAULT 'PENDING'
	              CHECK (status IN ('PENDING', 'PROCESSING', 'COMPLETED', 'FAILED')),
	retry_count   INTEGER NOT NULL DEFAULT 0 CHECK (retry_count >= 0),
	max_retries   INTEGER NOT NULL DEFAULT 3 CHECK (max_retries >= 0),
	worker_id     TEXT,
	jobs_found    INTEGER NOT NULL DEFAULT 0,
	jobs_saved    INTEGER NOT NULL DEFAULT 0,
	error_message TEXT,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	started_at    TIMESTAMPTZ,
	completed_at  TIMESTAMPTZ,
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS scan_tasks_status_created_idx ON scan_tasks (status, created_at);

CREATE TABLE IF NOT EXISTS jobs (
	id                TEXT PRIMARY KEY,
	user_id           TEXT NOT NULL,
	url               TEXT NOT NULL,
	scan_task_id      TEXT,
	source            TEXT NOT NULL DEFAULT '',
	title             TEXT NOT NULL DEFAULT '',
	company           TEXT NOT NULL DEFAULT '',
	location          TEXT NOT NULL DEFAULT '',
	short_description TEXT NOT NULL DEFAULT '',
	posted_date       TEXT NOT NULL DEFAULT '',
	external_ref      TEXT NOT NULL DEFAULT '',
	full_description  TEXT,
	contact_name      TEXT,
	contact_email     TEXT,
	contact_phone     TEXT,
	address           TEXT,
	city              TEXT,
	postal_code       TEXT,
	county            TEXT,
	employment_type   TEXT,
	extent            TEXT,
	salary_range      TEXT,
	start_date        TEXT,
	deadline          TEXT,
	requirements      TEXT[],
	responsibilities  TEXT[],
	benefits          TEXT[],
	application_url   TEXT,
	enrichment_status TEXT NOT NULL DEFAULT 'URL_EXTRACTED',
	is_processed      BOOLEAN NOT NULL DEFAULT FALSE,
	scraped_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	status            TEXT NOT NULL DEFAULT 'NEW',
	relevance_score   INTEGER NOT NULL DEFAULT 0,
	UNIQUE (user_id, url)
);
CREATE INDEX IF NOT EXISTS jobs_scan_task_idx ON jobs (scan_task_id);
`

// sqliteSchema mirrors postgresSchema. Timestamps are fixed-width UTC text so
// they sort and compare lexically; list columns hold JSON arrays.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS scan_tasks (
	id            TEXT PRIMARY KEY,
	user_id       TEXT NOT NULL,
	source        TEXT NOT NULL,
	url           TEXT NOT NULL,
	status        TEXT NOT NULL DEFAULT 'PENDING'
	              CHECK (status IN ('PENDING', 'PROCESSING', 'COMPLETED', 'FAILED')),
	retry_count   INTEGER NOT NULL DEFAULT 0 CHECK (retry_count >= 0),
	max_retries   INTEGER NOT NULL DEFAULT 3 CHECK (max_retries >= 0),
	worker_id     TEXT,
	jobs_found    INTEGER NOT NULL DEFAULT 0,
	jobs_saved    INTEGER NOT NULL DEFAULT 0,
	error_message TEXT,
	created_at    TEXT NOT NULL,
	started_at    TEXT,
	completed_at  TEXT,
	updated_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS scan_tasks_status_created_idx ON scan_tasks (status, created_at);

CREATE TABLE IF NOT EXISTS jobs (
	id                TEXT PRIMARY KEY,
	user_id           TEXT NOT NULL,
	url               TEXT NOT NULL,
	scan_task_id      TEXT,
	source            TEXT NOT NULL DEFAULT '',
	title             TEXT NOT NULL DEFAULT '',
	company           TEXT NOT NULL DEFAULT '',
	location          TEXT NOT NULL DEFAULT '',
	short_description TEXT NOT NULL DEFAULT '',
	posted_date       TEXT NOT NULL DEFAULT '',
	external_ref      TEXT NOT NULL DEFAULT '',
	full_description  TEXT,
	contact_name      TEXT,
	contact_email     TEXT,
	contact_phone     TEXT,
	address           TEXT,
	city              TEXT,
	postal_code       TEXT,
	county            TEXT,
	employment_type   TEXT,
	extent            TEXT,
	salary_range      TEXT,
	start_date        TEXT,
	deadline          TEXT,
	requirements      TEXT,
	responsibilities  TEXT,
	benefits          TEXT,
	application_url   TEXT,
	enrichment_status TEXT NOT NULL DEFAULT 'URL_EXTRACTED',
	is_processed      INTEGER NOT NULL DEFAULT 0,
	scraped_at        TEXT NOT NULL,
	updated_at        TEXT NOT NULL,
	status            TEXT NOT NULL DEFAULT 'NEW',
	relevance_score   INTEGER NOT NULL DEFAULT 0,
	UNIQUE (user_id, url)
);
CREATE INDEX IF NOT EXISTS jobs_scan_task_idx ON jobs (scan_task_id);
`
