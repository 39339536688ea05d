package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS deposits (
	source_tx_id        TEXT PRIMARY KEY,
	sender              TEXT NOT NULL,
	raw_amount          TEXT NOT NULL,
	denomination        TEXT NOT NULL,
	destination_address TEXT NOT NULL,
	status              TEXT NOT NULL,
	message             TEXT NOT NULL DEFAULT '',
	first_seen_at       TIMESTAMPTZ NOT NULL,
	updated_at          TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS deposits_status_idx ON deposits (status, first_seen_at);

CREATE TABLE IF NOT EXISTS outbound_transactions (
	id                  TEXT PRIMARY KEY,
	correlation_id      TEXT NOT NULL,
	source_tx_id        TEXT NOT NULL,
	strategy            TEXT NOT NULL,
	signer              TEXT NOT NULL,
	to_address          TEXT NOT NULL,
	nonce               BIGINT NOT NULL,
	gas_price           NUMERIC(78,0) NOT NULL,
	gas_limit           BIGINT NOT NULL,
	data                BYTEA NOT NULL,
	payout_amount       NUMERIC(78,0) NOT NULL,
	signature_nonce     BIGINT,
	destination_tx_hash TEXT NOT NULL,
	status              TEXT NOT NULL,
	replaced_by         TEXT NOT NULL DEFAULT '',
	mined_tx_hash       TEXT NOT NULL DEFAULT '',
	notice_tx_hash      TEXT NOT NULL DEFAULT '',
	message             TEXT NOT NULL DEFAULT '',
	created_at          TIMESTAMPTZ NOT NULL,
	last_checked_at     TIMESTAMPTZ NOT NULL
);
ALTER TABLE outbound_transactions ADD COLUMN IF NOT EXISTS notice_tx_hash TEXT NOT NULL DEFAULT '';
-- one payout chain per deposit
CREATE UNIQUE INDEX IF NOT EXISTS outbound_root_idx ON outbound_transactions (source_tx_id) WHERE id = correlation_id;
-- one pending transaction per chain
CREATE UNIQUE INDEX IF NOT EXISTS outbound_pending_idx ON outbound_transactions (correlation_id) WHERE status = 'pending';
CREATE INDEX IF NOT EXISTS outbound_status_idx ON outbound_transactions (status, created_at);
CREATE INDEX IF NOT EXISTS outbound_signer_idx ON outbound_transactions (signer, nonce) WHERE status = 'pending';

CREATE TABLE IF NOT EXISTS refunds (
	source_tx_id TEXT PRIMARY KEY,
	recipient    TEXT NOT NULL,
	amount       TEXT NOT NULL,
	denomination TEXT NOT NULL,
	reason       TEXT NOT NULL,
	kind         TEXT NOT NULL,
	status       TEXT NOT NULL,
	attempts     INTEGER NOT NULL DEFAULT 0,
	refund_tx_id TEXT NOT NULL DEFAULT '',
	failures     TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS refunds_status_idx ON refunds (status, created_at);

CREATE TABLE IF NOT EXISTS signature_nonce_counter (
	id    SMALLINT PRIMARY KEY CHECK (id = 1),
	value BIGINT NOT NULL
);
INSERT INTO signature_nonce_counter (id, value) VALUES (1, 0) ON CONFLICT (id) DO NOTHING;

CREATE TABLE IF NOT EXISTS scan_cursor (
	id    SMALLINT PRIMARY KEY CHECK (id = 1),
	block BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS evm_scan_cursor (
	id    SMALLINT PRIMARY KEY CHECK (id = 1),
	block BIGINT NOT NULL
);
`
