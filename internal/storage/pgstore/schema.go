package pgstore

// Schema is the DDL for the PostgreSQL-backed storage.Storage implementation.
// Callers are expected to apply it with their own migration tooling; this
// package does not run migrations itself.
const Schema = `
CREATE TABLE IF NOT EXISTS actors (
	actor_id    TEXT PRIMARY KEY,
	creator     TEXT NOT NULL,
	passphrase  TEXT NOT NULL,
	base_uri    TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS properties (
	actor_id TEXT NOT NULL REFERENCES actors(actor_id) ON DELETE CASCADE,
	name     TEXT NOT NULL,
	value    JSONB NOT NULL,
	PRIMARY KEY (actor_id, name)
);

CREATE TABLE IF NOT EXISTS list_meta (
	actor_id    TEXT NOT NULL REFERENCES actors(actor_id) ON DELETE CASCADE,
	name        TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	explanation TEXT NOT NULL DEFAULT '',
	extra       JSONB,
	PRIMARY KEY (actor_id, name)
);

CREATE TABLE IF NOT EXISTS list_items (
	actor_id TEXT NOT NULL REFERENCES actors(actor_id) ON DELETE CASCADE,
	name     TEXT NOT NULL,
	idx      INTEGER NOT NULL,
	value    JSONB NOT NULL,
	PRIMARY KEY (actor_id, name, idx)
);

CREATE TABLE IF NOT EXISTS trusts (
	actor_id            TEXT NOT NULL REFERENCES actors(actor_id) ON DELETE CASCADE,
	peer_id             TEXT NOT NULL,
	base_uri            TEXT NOT NULL,
	secret              TEXT NOT NULL,
	peer_type           TEXT NOT NULL DEFAULT '',
	relationship        TEXT NOT NULL DEFAULT '',
	approved            BOOLEAN NOT NULL DEFAULT false,
	peer_approved       BOOLEAN NOT NULL DEFAULT false,
	verified            BOOLEAN NOT NULL DEFAULT false,
	verification_token  TEXT NOT NULL DEFAULT '',
	established_via     TEXT NOT NULL DEFAULT 'trust',
	client_name         TEXT NOT NULL DEFAULT '',
	client_version      TEXT NOT NULL DEFAULT '',
	client_platform     TEXT NOT NULL DEFAULT '',
	oauth_client_id     TEXT NOT NULL DEFAULT '',
	created_at          TIMESTAMPTZ NOT NULL,
	updated_at          TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (actor_id, peer_id)
);

CREATE TABLE IF NOT EXISTS subscriptions (
	actor_id        TEXT NOT NULL REFERENCES actors(actor_id) ON DELETE CASCADE,
	peer_id         TEXT NOT NULL,
	subscription_id TEXT NOT NULL,
	is_callback     BOOLEAN NOT NULL DEFAULT false,
	target          TEXT NOT NULL DEFAULT '',
	subtarget       TEXT NOT NULL DEFAULT '',
	resource        TEXT NOT NULL DEFAULT '',
	granularity     TEXT NOT NULL DEFAULT 'high',
	sequence        INTEGER NOT NULL DEFAULT 0,
	created_at      TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (actor_id, peer_id, subscription_id)
);

CREATE TABLE IF NOT EXISTS diffs (
	actor_id        TEXT NOT NULL REFERENCES actors(actor_id) ON DELETE CASCADE,
	subscription_id TEXT NOT NULL,
	sequence        INTEGER NOT NULL,
	blob            JSONB NOT NULL,
	timestamp       TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (actor_id, subscription_id, sequence)
);

CREATE TABLE IF NOT EXISTS attributes (
	actor_id  TEXT NOT NULL REFERENCES actors(actor_id) ON DELETE CASCADE,
	bucket    TEXT NOT NULL,
	name      TEXT NOT NULL,
	data      JSONB NOT NULL,
	timestamp TIMESTAMPTZ NOT NULL,
	version   INTEGER NOT NULL DEFAULT 1,
	PRIMARY KEY (actor_id, bucket, name)
);
`
