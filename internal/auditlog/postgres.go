package auditlog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// advisoryLockKey is a stable PostgreSQL advisory lock key used to serialise
// concurrent Append calls. The value is arbitrary but must be consistent
// across all instances sharing one database.
const advisoryLockKey = int64(2_481_037_119)

// Schema is the DDL for the trust_audit_log table.
const Schema = `
CREATE TABLE IF NOT EXISTS trust_audit_log (
	idx        INTEGER PRIMARY KEY,
	timestamp  TIMESTAMPTZ NOT NULL,
	actor_id   TEXT NOT NULL,
	peer_id    TEXT NOT NULL,
	event      TEXT NOT NULL,
	data_hash  TEXT NOT NULL,
	prev_hash  TEXT NOT NULL,
	hash       TEXT NOT NULL
);
`

// PostgresLedger persists the trust lifecycle audit log to PostgreSQL. It
// implements the Ledger interface.
type PostgresLedger struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresLedger creates a PostgresLedger backed by the given connection
// pool. Callers are responsible for applying Schema and seeding the genesis
// row before first use (see SeedGenesis).
func NewPostgresLedger(pool *pgxpool.Pool, logger *zap.Logger) *PostgresLedger {
	return &PostgresLedger{pool: pool, logger: logger}
}

// SeedGenesis inserts the canonical genesis entry if the table is empty. It
// is idempotent.
func (l *PostgresLedger) SeedGenesis(ctx context.Context) error {
	var n int
	if err := l.pool.QueryRow(ctx, "SELECT COUNT(*) FROM trust_audit_log").Scan(&n); err != nil {
		return fmt.Errorf("count audit log: %w", err)
	}
	if n > 0 {
		return nil
	}
	_, err := l.pool.Exec(ctx,
		`INSERT INTO trust_audit_log (idx, timestamp, actor_id, peer_id, event, data_hash, prev_hash, hash)
		 VALUES (0, $1, '', '', $2, $3, $3, $3)`,
		time.Now().UTC(), string(genesisEvent), GenesisHash,
	)
	if err != nil {
		return fmt.Errorf("seed genesis: %w", err)
	}
	return nil
}

// Append implements Ledger. It acquires a PostgreSQL advisory lock, reads
// the chain tail, computes the new entry hash, and inserts it, all within a
// single serialisable transaction.
func (l *PostgresLedger) Append(ctx context.Context, actorID, peerID string, event Event, payload any) (*Entry, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	dataHash := sha256Sum(payloadJSON)

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryLockKey); err != nil {
		return nil, fmt.Errorf("acquire advisory lock: %w", err)
	}

	var prevIdx int
	var prevHash string
	if err := tx.QueryRow(ctx,
		"SELECT idx, hash FROM trust_audit_log ORDER BY idx DESC LIMIT 1",
	).Scan(&prevIdx, &prevHash); err != nil {
		return nil, fmt.Errorf("read ledger tail: %w", err)
	}

	// timestamptz stores microseconds; truncate before hashing so Verify's
	// recomputed hash matches after a round-trip through the database.
	now := time.Now().UTC().Truncate(time.Microsecond)
	entry := &Entry{
		Index:     prevIdx + 1,
		Timestamp: now,
		ActorID:   actorID,
		PeerID:    peerID,
		Event:     event,
		DataHash:  dataHash,
		PrevHash:  prevHash,
	}
	entry.Hash = hashEntry(entry)

	if _, err := tx.Exec(ctx,
		`INSERT INTO trust_audit_log (idx, timestamp, actor_id, peer_id, event, data_hash, prev_hash, hash)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.Index, entry.Timestamp, entry.ActorID, entry.PeerID,
		string(entry.Event), entry.DataHash, entry.PrevHash, entry.Hash,
	); err != nil {
		return nil, fmt.Errorf("insert ledger entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit ledger tx: %w", err)
	}

	l.logger.Debug("audit entry appended",
		zap.Int("idx", entry.Index),
		zap.String("event", string(entry.Event)),
		zap.String("actor_id", entry.ActorID),
		zap.String("peer_id", entry.PeerID),
	)
	return entry, nil
}

// Get implements Ledger.
func (l *PostgresLedger) Get(ctx context.Context, index int) (*Entry, error) {
	entry := &Entry{}
	var event string
	if err := l.pool.QueryRow(ctx,
		`SELECT idx, timestamp, actor_id, peer_id, event, data_hash, prev_hash, hash
		 FROM trust_audit_log WHERE idx = $1`, index,
	).Scan(
		&entry.Index, &entry.Timestamp, &entry.ActorID, &entry.PeerID,
		&event, &entry.DataHash, &entry.PrevHash, &entry.Hash,
	); err != nil {
		return nil, fmt.Errorf("get ledger entry %d: %w", index, err)
	}
	entry.Event = Event(event)
	return entry, nil
}

// Len implements Ledger.
func (l *PostgresLedger) Len(ctx context.Context) (int, error) {
	var n int
	if err := l.pool.QueryRow(ctx, "SELECT COUNT(*) FROM trust_audit_log").Scan(&n); err != nil {
		return 0, fmt.Errorf("count ledger entries: %w", err)
	}
	return n, nil
}

// Verify implements Ledger. It streams all rows ordered by idx and validates
// the hash chain. O(n) in ledger length; may be slow for very large ledgers.
func (l *PostgresLedger) Verify(ctx context.Context) error {
	rows, err := l.pool.Query(ctx,
		`SELECT idx, timestamp, actor_id, peer_id, event, data_hash, prev_hash, hash
		 FROM trust_audit_log ORDER BY idx ASC`,
	)
	if err != nil {
		return fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	var prev *Entry
	for rows.Next() {
		curr := &Entry{}
		var event string
		if err := rows.Scan(
			&curr.Index, &curr.Timestamp, &curr.ActorID, &curr.PeerID,
			&event, &curr.DataHash, &curr.PrevHash, &curr.Hash,
		); err != nil {
			return fmt.Errorf("scan ledger row: %w", err)
		}
		curr.Event = Event(event)

		if prev == nil {
			if curr.Hash != GenesisHash {
				return fmt.Errorf("genesis entry has wrong hash: got %q", curr.Hash)
			}
			prev = curr
			continue
		}

		if curr.PrevHash != prev.Hash {
			return fmt.Errorf("hash chain broken at index %d", curr.Index)
		}
		if curr.Hash != hashEntry(curr) {
			return fmt.Errorf("entry %d has invalid hash", curr.Index)
		}
		prev = curr
	}
	return rows.Err()
}

// Root implements Ledger.
func (l *PostgresLedger) Root(ctx context.Context) (string, error) {
	var hash string
	err := l.pool.QueryRow(ctx, "SELECT hash FROM trust_audit_log ORDER BY idx DESC LIMIT 1").Scan(&hash)
	if err != nil {
		return "", fmt.Errorf("read ledger tail: %w", err)
	}
	return hash, nil
}
