// Copyright 2026 The Semaphore Authors
// SPDX-License-Identifier: Apache-2.0

package sqlitestore

// schema is applied on every Open. Entities are stored as CBOR blobs;
// the columns next to them are what queries filter on.
const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id         INTEGER PRIMARY KEY,
	project_id INTEGER NOT NULL,
	status     TEXT NOT NULL,
	data       BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS tasks_status ON tasks (status, id);

CREATE TABLE IF NOT EXISTS task_output (
	task_id INTEGER NOT NULL REFERENCES tasks (id) ON DELETE CASCADE,
	seq     INTEGER NOT NULL,
	data    BLOB NOT NULL,
	PRIMARY KEY (task_id, seq)
) WITHOUT ROWID;

CREATE TABLE IF NOT EXISTS templates (
	id         INTEGER PRIMARY KEY,
	project_id INTEGER NOT NULL,
	data       BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS repositories (
	id         INTEGER PRIMARY KEY,
	project_id INTEGER NOT NULL,
	data       BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS inventories (
	id         INTEGER PRIMARY KEY,
	project_id INTEGER NOT NULL,
	data       BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS environments (
	id         INTEGER PRIMARY KEY,
	project_id INTEGER NOT NULL,
	data       BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS access_keys (
	id         INTEGER PRIMARY KEY,
	project_id INTEGER NOT NULL,
	data       BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS runners (
	id          INTEGER PRIMARY KEY,
	token       TEXT NOT NULL UNIQUE,
	active      INTEGER NOT NULL,
	last_active INTEGER NOT NULL,
	data        BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS running_jobs (
	task_id INTEGER PRIMARY KEY,
	data    BLOB NOT NULL
);
`

// Tables holding project objects. Names are interpolated into SQL, so
// only these constants are ever passed.
const (
	tableTemplates    = "templates"
	tableRepositories = "repositories"
	tableInventories  = "inventories"
	tableEnvironments = "environments"
	tableAccessKeys   = "access_keys"
)
