package store

// createTablesSQL is the base schema. Columns added after the first release
// are applied separately in applyMigrations so that databases created by
// older builds upgrade in place.
const createTablesSQL = `
CREATE TABLE IF NOT EXISTS agents (
	id INTEGER PRIMARY KEY,
	name TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	tasks_completed INTEGER NOT NULL DEFAULT 0,
	tasks_failed INTEGER NOT NULL DEFAULT 0,
	sessions_recorded INTEGER NOT NULL DEFAULT 0,
	last_active_at TIMESTAMP,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	summary TEXT NOT NULL,
	context TEXT NOT NULL DEFAULT '{}',
	tags TEXT NOT NULL DEFAULT '[]',
	agent_id INTEGER,
	visibility TEXT NOT NULL DEFAULT 'private',
	project_path TEXT NOT NULL DEFAULT '',
	previous_session_id TEXT,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS learnings (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	category TEXT NOT NULL,
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	what_happened TEXT NOT NULL DEFAULT '',
	lesson TEXT NOT NULL DEFAULT '',
	prevention TEXT NOT NULL DEFAULT '',
	context TEXT NOT NULL DEFAULT '',
	confidence TEXT NOT NULL DEFAULT 'low',
	maturity_stage TEXT NOT NULL DEFAULT 'observation',
	times_validated INTEGER NOT NULL DEFAULT 0,
	last_validated_at TIMESTAMP,
	agent_id INTEGER,
	visibility TEXT NOT NULL DEFAULT 'private',
	project_path TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS agent_tasks (
	id TEXT PRIMARY KEY,
	prompt TEXT NOT NULL,
	context TEXT NOT NULL DEFAULT '',
	priority TEXT NOT NULL DEFAULT 'normal',
	status TEXT NOT NULL DEFAULT 'pending',
	agent_id INTEGER,
	execution_id TEXT,
	retry_count INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL DEFAULT 3,
	timeout_ms INTEGER NOT NULL DEFAULT 0,
	depends_on TEXT NOT NULL DEFAULT '[]',
	mission_id TEXT NOT NULL DEFAULT '',
	unified_task_id INTEGER NOT NULL DEFAULT 0,
	session_id TEXT NOT NULL DEFAULT '',
	result TEXT NOT NULL DEFAULT '',
	last_error TEXT NOT NULL DEFAULT '',
	next_retry_at TIMESTAMP,
	started_at TIMESTAMP,
	completed_at TIMESTAMP,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS missions (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	prompt TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'queued',
	agent_id INTEGER,
	execution_id TEXT,
	timeout_ms INTEGER NOT NULL DEFAULT 0,
	result TEXT NOT NULL DEFAULT '',
	last_error TEXT NOT NULL DEFAULT '',
	started_at TIMESTAMP,
	completed_at TIMESTAMP,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS unified_tasks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	domain TEXT NOT NULL DEFAULT 'project',
	priority TEXT NOT NULL DEFAULT 'normal',
	status TEXT NOT NULL DEFAULT 'pending',
	session_id TEXT NOT NULL DEFAULT '',
	agent_id INTEGER,
	project_path TEXT NOT NULL DEFAULT '',
	github_issue_number INTEGER NOT NULL DEFAULT 0,
	github_issue_url TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	completed_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS matrix_registry (
	matrix_id TEXT PRIMARY KEY,
	display_name TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'offline',
	last_seen TIMESTAMP,
	metadata TEXT NOT NULL DEFAULT '{}',
	registered_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS matrix_messages (
	id TEXT PRIMARY KEY,
	from_matrix TEXT NOT NULL,
	to_matrix TEXT,
	content TEXT NOT NULL,
	type TEXT NOT NULL DEFAULT 'direct',
	status TEXT NOT NULL DEFAULT 'pending',
	metadata TEXT NOT NULL DEFAULT '{}',
	sequence_number INTEGER NOT NULL DEFAULT 0,
	retry_count INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL DEFAULT 3,
	last_error TEXT NOT NULL DEFAULT '',
	attempted_at TIMESTAMP,
	sent_at TIMESTAMP,
	delivered_at TIMESTAMP,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS matrix_sequences (
	from_matrix TEXT PRIMARY KEY,
	last_sequence INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS search_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	query TEXT NOT NULL,
	query_type TEXT NOT NULL DEFAULT '',
	result_count INTEGER NOT NULL DEFAULT 0,
	latency_ms INTEGER NOT NULL DEFAULT 0,
	source TEXT NOT NULL DEFAULT '',
	agent_id INTEGER,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

const createIndexesSQL = `
CREATE INDEX IF NOT EXISTS idx_sessions_project_path ON sessions(project_path);
CREATE INDEX IF NOT EXISTS idx_sessions_agent_id ON sessions(agent_id);
CREATE INDEX IF NOT EXISTS idx_sessions_created_at ON sessions(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_learnings_category ON learnings(category);
CREATE INDEX IF NOT EXISTS idx_learnings_maturity ON learnings(maturity_stage);
CREATE INDEX IF NOT EXISTS idx_learnings_project_path ON learnings(project_path);
CREATE INDEX IF NOT EXISTS idx_agent_tasks_status ON agent_tasks(status);
CREATE INDEX IF NOT EXISTS idx_agent_tasks_retry ON agent_tasks(status, next_retry_at);
CREATE INDEX IF NOT EXISTS idx_agent_tasks_agent ON agent_tasks(agent_id);
CREATE INDEX IF NOT EXISTS idx_agent_tasks_mission ON agent_tasks(mission_id);
CREATE INDEX IF NOT EXISTS idx_missions_status ON missions(status);
CREATE INDEX IF NOT EXISTS idx_unified_tasks_domain ON unified_tasks(domain);
CREATE INDEX IF NOT EXISTS idx_unified_tasks_status ON unified_tasks(status);
CREATE INDEX IF NOT EXISTS idx_unified_tasks_session ON unified_tasks(session_id);
CREATE INDEX IF NOT EXISTS idx_matrix_messages_status ON matrix_messages(status);
CREATE INDEX IF NOT EXISTS idx_matrix_messages_peer ON matrix_messages(from_matrix, to_matrix, sequence_number);
CREATE INDEX IF NOT EXISTS idx_search_log_created_at ON search_log(created_at DESC);
`

// createFTSSQL builds the external-content full-text index over learnings.
// It only succeeds on driver builds compiled with the fts5 tag.
const createFTSSQL = `
CREATE VIRTUAL TABLE IF NOT EXISTS learnings_fts USING fts5(
	title,
	description,
	lesson,
	content='learnings',
	content_rowid='id'
);
`

const createFTSTriggersSQL = `
CREATE TRIGGER IF NOT EXISTS learnings_fts_ai AFTER INSERT ON learnings BEGIN
	INSERT INTO learnings_fts(rowid, title, description, lesson)
	VALUES (new.id, new.title, new.description, new.lesson);
END;

CREATE TRIGGER IF NOT EXISTS learnings_fts_ad AFTER DELETE ON learnings BEGIN
	INSERT INTO learnings_fts(learnings_fts, rowid, title, description, lesson)
	VALUES ('delete', old.id, old.title, old.description, old.lesson);
END;

CREATE TRIGGER IF NOT EXISTS learnings_fts_au AFTER UPDATE ON learnings BEGIN
	INSERT INTO learnings_fts(learnings_fts, rowid, title, description, lesson)
	VALUES ('delete', old.id, old.title, old.description, old.lesson);
	INSERT INTO learnings_fts(rowid, title, description, lesson)
	VALUES (new.id, new.title, new.description, new.lesson);
END;
`
