package store

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

const schemaVersionTable = `CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
)`

var sqliteMigrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS email_logs (
	id             TEXT PRIMARY KEY,
	subject        TEXT,
	sender         TEXT NOT NULL DEFAULT '',
	recipient      TEXT NOT NULL DEFAULT '',
	sent_at        DATETIME,
	raw_headers    TEXT NOT NULL DEFAULT '{}',
	raw_text       TEXT NOT NULL DEFAULT '',
	received_chain TEXT NOT NULL DEFAULT '[]',
	esp            TEXT,
	hash           TEXT NOT NULL DEFAULT '',
	processed_at   DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_email_logs_processed_at ON email_logs(processed_at);
CREATE INDEX IF NOT EXISTS idx_email_logs_esp ON email_logs(esp);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
CREATE INDEX IF NOT EXISTS idx_email_logs_hash ON email_logs(hash);

INSERT INTO schema_version (version) VALUES (2);
`,
	},
}

var postgresMigrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS email_logs (
	id             TEXT PRIMARY KEY,
	subject        TEXT,
	sender         TEXT NOT NULL DEFAULT '',
	recipient      TEXT NOT NULL DEFAULT '',
	sent_at        TIMESTAMPTZ,
	raw_headers    JSONB NOT NULL DEFAULT '{}',
	raw_text       TEXT NOT NULL DEFAULT '',
	received_chain JSONB NOT NULL DEFAULT '[]',
	esp            TEXT,
	hash           TEXT NOT NULL DEFAULT '',
	processed_at   TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_email_logs_processed_at ON email_logs(processed_at);
CREATE INDEX IF NOT EXISTS idx_email_logs_esp ON email_logs(esp);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
CREATE INDEX IF NOT EXISTS idx_email_logs_hash ON email_logs(hash);

INSERT INTO schema_version (version) VALUES (2);
`,
	},
}
