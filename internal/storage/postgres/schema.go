package postgres

// schema is idempotent and applied by Migrate at startup
const schema = `
CREATE TABLE IF NOT EXISTS products (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL DEFAULT '',
	version     TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL DEFAULT 'active',
	secret      TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS users (
	id          TEXT PRIMARY KEY,
	status      TEXT NOT NULL DEFAULT 'active',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS orders (
	id              TEXT PRIMARY KEY,
	payment_status  TEXT NOT NULL DEFAULT '',
	ends_at         TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS license_keys (
	id                    TEXT PRIMARY KEY,
	api_key               TEXT NOT NULL UNIQUE,
	secret                TEXT NOT NULL,
	status                TEXT NOT NULL DEFAULT 'active',
	product_id            TEXT NOT NULL REFERENCES products(id),
	user_id               TEXT NOT NULL REFERENCES users(id),
	order_id              TEXT REFERENCES orders(id),
	allowed_domains       TEXT[] NOT NULL DEFAULT '{}',
	allowed_ips           TEXT[] NOT NULL DEFAULT '{}',
	max_requests_per_day  INTEGER NOT NULL DEFAULT 0,
	last_seen_at          TIMESTAMPTZ,
	created_at            TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS nonces (
	id          TEXT PRIMARY KEY,
	nonce       TEXT NOT NULL,
	key_id      TEXT NOT NULL,
	used        BOOLEAN NOT NULL DEFAULT false,
	expires_at  TIMESTAMPTZ NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (key_id, nonce)
);
CREATE INDEX IF NOT EXISTS nonces_expires_at_idx ON nonces (expires_at);

CREATE TABLE IF NOT EXISTS rate_counters (
	key_id  TEXT NOT NULL,
	date    DATE NOT NULL,
	count   BIGINT NOT NULL DEFAULT 0,
	PRIMARY KEY (key_id, date)
);

CREATE TABLE IF NOT EXISTS validation_logs (
	id              TEXT PRIMARY KEY,
	kind            TEXT NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL,
	request_id      TEXT NOT NULL DEFAULT '',
	key_id          TEXT,
	api_key_masked  TEXT NOT NULL DEFAULT '',
	product_id      TEXT,
	domain          TEXT NOT NULL DEFAULT '',
	ip_hash         TEXT NOT NULL DEFAULT '',
	result          TEXT NOT NULL,
	code            TEXT,
	message         TEXT NOT NULL DEFAULT '',
	elapsed_ms      BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS validation_logs_key_created_idx ON validation_logs (key_id, created_at);
`
