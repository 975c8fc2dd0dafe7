package store

import "strings"

// splitStatements splits a schema block on statement-terminating semicolons
// so it can be run without the MySQL driver's multiStatements DSN option,
// which the connection pool used elsewhere in this package does not set.
func splitStatements(schema string) []string {
	raw := strings.Split(schema, ";")
	stmts := make([]string, 0, len(raw))
	for _, s := range raw {
		s = strings.TrimSpace(s)
		if s != "" {
			stmts = append(stmts, s)
		}
	}
	return stmts
}

// sqliteSchema and mysqlSchema create the plans/tasks tables. Both use
// INTEGER/TEXT-ish types each driver accepts natively rather than a
// lowest-common-denominator dialect, since the two CREATE TABLE statements
// only run once per backend at startup — unlike the query text in
// sqlstore.go, which must be identical across both.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS plans (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	name            TEXT NOT NULL,
	description     TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL,
	oozie_url       TEXT NOT NULL DEFAULT '',
	use_rest        INTEGER NOT NULL DEFAULT 0,
	max_concurrency INTEGER NOT NULL DEFAULT 1,
	created_by      TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMP NOT NULL,
	updated_at      TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS tasks (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	plan_id        INTEGER NOT NULL REFERENCES plans(id) ON DELETE CASCADE,
	name           TEXT NOT NULL DEFAULT '',
	type           TEXT NOT NULL,
	job_id         TEXT NOT NULL,
	action         TEXT NOT NULL DEFAULT '',
	date           TEXT NOT NULL DEFAULT '',
	coordinator    TEXT NOT NULL DEFAULT '',
	wf_fail_nodes  INTEGER NOT NULL DEFAULT 0,
	wf_skip_nodes  TEXT NOT NULL DEFAULT '',
	refresh        INTEGER NOT NULL DEFAULT 0,
	failed_flag    INTEGER NOT NULL DEFAULT 0,
	extra_props    TEXT NOT NULL DEFAULT '{}',
	status         TEXT NOT NULL,
	attempt        INTEGER NOT NULL DEFAULT 0,
	command        TEXT NOT NULL DEFAULT '',
	stdout         TEXT NOT NULL DEFAULT '',
	stderr         TEXT NOT NULL DEFAULT '',
	exit_code      INTEGER,
	pid            INTEGER,
	started_at     TIMESTAMP,
	ended_at       TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_tasks_plan_id_id ON tasks(plan_id, id);
CREATE INDEX IF NOT EXISTS idx_tasks_plan_id_status ON tasks(plan_id, status);

CREATE TABLE IF NOT EXISTS users (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	username   TEXT NOT NULL UNIQUE,
	password   TEXT NOT NULL,
	role       TEXT NOT NULL,
	active     INTEGER NOT NULL DEFAULT 1,
	created_at TIMESTAMP NOT NULL
);
`

const mysqlSchema = `
CREATE TABLE IF NOT EXISTS plans (
	id              BIGINT PRIMARY KEY AUTO_INCREMENT,
	name            VARCHAR(255) NOT NULL,
	description     TEXT NOT NULL,
	status          VARCHAR(32) NOT NULL,
	oozie_url       VARCHAR(512) NOT NULL DEFAULT '',
	use_rest        BOOLEAN NOT NULL DEFAULT FALSE,
	max_concurrency INT NOT NULL DEFAULT 1,
	created_by      VARCHAR(255) NOT NULL DEFAULT '',
	created_at      DATETIME NOT NULL,
	updated_at      DATETIME NOT NULL
) ENGINE=InnoDB;

CREATE TABLE IF NOT EXISTS tasks (
	id             BIGINT PRIMARY KEY AUTO_INCREMENT,
	plan_id        BIGINT NOT NULL,
	name           VARCHAR(255) NOT NULL DEFAULT '',
	type           VARCHAR(32) NOT NULL,
	job_id         VARCHAR(255) NOT NULL,
	action         VARCHAR(255) NOT NULL DEFAULT '',
	date           VARCHAR(64) NOT NULL DEFAULT '',
	coordinator    VARCHAR(255) NOT NULL DEFAULT '',
	wf_fail_nodes  BOOLEAN NOT NULL DEFAULT FALSE,
	wf_skip_nodes  VARCHAR(1024) NOT NULL DEFAULT '',
	refresh        BOOLEAN NOT NULL DEFAULT FALSE,
	failed_flag    BOOLEAN NOT NULL DEFAULT FALSE,
	extra_props    TEXT NOT NULL,
	status         VARCHAR(32) NOT NULL,
	attempt        INT NOT NULL DEFAULT 0,
	command        TEXT NOT NULL,
	stdout         MEDIUMTEXT NOT NULL,
	stderr         MEDIUMTEXT NOT NULL,
	exit_code      INT NULL,
	pid            INT NULL,
	started_at     DATETIME NULL,
	ended_at       DATETIME NULL,
	INDEX idx_tasks_plan_id_id (plan_id, id),
	INDEX idx_tasks_plan_id_status (plan_id, status),
	CONSTRAINT fk_tasks_plan FOREIGN KEY (plan_id) REFERENCES plans(id) ON DELETE CASCADE
) ENGINE=InnoDB;

CREATE TABLE IF NOT EXISTS users (
	id         BIGINT PRIMARY KEY AUTO_INCREMENT,
	username   VARCHAR(255) NOT NULL UNIQUE,
	password   VARCHAR(255) NOT NULL,
	role       VARCHAR(32) NOT NULL,
	active     BOOLEAN NOT NULL DEFAULT TRUE,
	created_at DATETIME NOT NULL
) ENGINE=InnoDB;
`
