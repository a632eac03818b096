// Package pgstore is a PostgreSQL-backed implementation of storage.Storage,
// built on pgx/v5.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/actingweb/actingweb-core/internal/storage"
)

// Store is a pgxpool-backed storage.Storage implementation.
type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// New creates a Store backed by the given connection pool. Callers are
// responsible for applying Schema before first use.
func New(pool *pgxpool.Pool, logger *zap.Logger) *Store {
	return &Store{pool: pool, logger: logger}
}

var _ storage.Storage = (*Store)(nil)

func wrapNotFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.ErrNotFound
	}
	return err
}

// ── actors ───────────────────────────────────────────────────────────────────

func (s *Store) CreateActor(ctx context.Context, a *storage.Actor) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO actors (actor_id, creator, passphrase, base_uri, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		a.ActorID, a.Creator, a.Passphrase, a.BaseURI, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert actor: %w", err)
	}
	return nil
}

func (s *Store) GetActor(ctx context.Context, actorID string) (*storage.Actor, error) {
	a := &storage.Actor{}
	err := s.pool.QueryRow(ctx,
		`SELECT actor_id, creator, passphrase, base_uri, created_at FROM actors WHERE actor_id = $1`,
		actorID,
	).Scan(&a.ActorID, &a.Creator, &a.Passphrase, &a.BaseURI, &a.CreatedAt)
	if err != nil {
		return nil, wrapNotFound(err)
	}
	return a, nil
}

func (s *Store) UpdateActor(ctx context.Context, a *storage.Actor) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE actors SET creator = $2, passphrase = $3, base_uri = $4 WHERE actor_id = $1`,
		a.ActorID, a.Creator, a.Passphrase, a.BaseURI,
	)
	if err != nil {
		return fmt.Errorf("update actor: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteActor(ctx context.Context, actorID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM actors WHERE actor_id = $1`, actorID)
	if err != nil {
		return fmt.Errorf("delete actor: %w", err)
	}
	return nil
}

// ── properties ───────────────────────────────────────────────────────────────

func (s *Store) GetProperty(ctx context.Context, actorID, name string) (*storage.Property, error) {
	p := &storage.Property{ActorID: actorID, Name: name}
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM properties WHERE actor_id = $1 AND name = $2`, actorID, name,
	).Scan(&p.Value)
	if err != nil {
		return nil, wrapNotFound(err)
	}
	return p, nil
}

func (s *Store) SetProperty(ctx context.Context, p *storage.Property) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO properties (actor_id, name, value) VALUES ($1, $2, $3)
		 ON CONFLICT (actor_id, name) DO UPDATE SET value = EXCLUDED.value`,
		p.ActorID, p.Name, p.Value,
	)
	if err != nil {
		return fmt.Errorf("upsert property: %w", err)
	}
	return nil
}

func (s *Store) DeleteProperty(ctx context.Context, actorID, name string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM properties WHERE actor_id = $1 AND name = $2`, actorID, name)
	if err != nil {
		return fmt.Errorf("delete property: %w", err)
	}
	return nil
}

func (s *Store) ListProperties(ctx context.Context, actorID string) ([]*storage.Property, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT name, value FROM properties WHERE actor_id = $1 ORDER BY name`, actorID,
	)
	if err != nil {
		return nil, fmt.Errorf("list properties: %w", err)
	}
	defer rows.Close()

	var out []*storage.Property
	for rows.Next() {
		p := &storage.Property{ActorID: actorID}
		if err := rows.Scan(&p.Name, &p.Value); err != nil {
			return nil, fmt.Errorf("scan property: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) DeleteAllProperties(ctx context.Context, actorID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `DELETE FROM properties WHERE actor_id = $1`, actorID); err != nil {
		return fmt.Errorf("delete properties: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM list_items WHERE actor_id = $1`, actorID); err != nil {
		return fmt.Errorf("delete list items: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM list_meta WHERE actor_id = $1`, actorID); err != nil {
		return fmt.Errorf("delete list meta: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *Store) GetListMeta(ctx context.Context, actorID, name string) (*storage.ListMeta, error) {
	m := &storage.ListMeta{ActorID: actorID, Name: name}
	err := s.pool.QueryRow(ctx,
		`SELECT description, explanation, extra FROM list_meta WHERE actor_id = $1 AND name = $2`,
		actorID, name,
	).Scan(&m.Description, &m.Explanation, &m.Extra)
	if err != nil {
		return nil, wrapNotFound(err)
	}
	return m, nil
}

func (s *Store) SetListMeta(ctx context.Context, m *storage.ListMeta) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO list_meta (actor_id, name, description, explanation, extra)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (actor_id, name) DO UPDATE SET
		   description = EXCLUDED.description,
		   explanation = EXCLUDED.explanation,
		   extra = EXCLUDED.extra`,
		m.ActorID, m.Name, m.Description, m.Explanation, m.Extra,
	)
	if err != nil {
		return fmt.Errorf("upsert list meta: %w", err)
	}
	return nil
}

func (s *Store) ListItems(ctx context.Context, actorID, name string) ([]*storage.ListItem, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT idx, value FROM list_items WHERE actor_id = $1 AND name = $2 ORDER BY idx`,
		actorID, name,
	)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()

	var out []*storage.ListItem
	for rows.Next() {
		it := &storage.ListItem{ActorID: actorID, Name: name}
		if err := rows.Scan(&it.Index, &it.Value); err != nil {
			return nil, fmt.Errorf("scan list item: %w", err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *Store) ReplaceList(ctx context.Context, actorID, name string, values [][]byte) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `DELETE FROM list_items WHERE actor_id = $1 AND name = $2`, actorID, name); err != nil {
		return fmt.Errorf("clear list items: %w", err)
	}
	for i, v := range values {
		if _, err := tx.Exec(ctx,
			`INSERT INTO list_items (actor_id, name, idx, value) VALUES ($1, $2, $3, $4)`,
			actorID, name, i, v,
		); err != nil {
			return fmt.Errorf("insert list item %d: %w", i, err)
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) DeleteList(ctx context.Context, actorID, name string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `DELETE FROM list_items WHERE actor_id = $1 AND name = $2`, actorID, name); err != nil {
		return fmt.Errorf("delete list items: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM list_meta WHERE actor_id = $1 AND name = $2`, actorID, name); err != nil {
		return fmt.Errorf("delete list meta: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *Store) ListListNames(ctx context.Context, actorID string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT name FROM (
			SELECT name FROM list_items WHERE actor_id = $1
			UNION
			SELECT name FROM list_meta WHERE actor_id = $1
		 ) t ORDER BY name`, actorID,
	)
	if err != nil {
		return nil, fmt.Errorf("list list names: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("scan list name: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// ── trusts ───────────────────────────────────────────────────────────────────

func (s *Store) CreateTrust(ctx context.Context, t *storage.Trust) error {
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	_, err := s.pool.Exec(ctx,
		`INSERT INTO trusts (actor_id, peer_id, base_uri, secret, peer_type, relationship,
			approved, peer_approved, verified, verification_token, established_via,
			client_name, client_version, client_platform, oauth_client_id, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		t.ActorID, t.PeerID, t.BaseURI, t.Secret, t.PeerType, t.Relationship,
		t.Approved, t.PeerApproved, t.Verified, t.VerificationToken, string(t.EstablishedVia),
		t.ClientName, t.ClientVersion, t.ClientPlatform, t.OAuthClientID, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert trust: %w", err)
	}
	return nil
}

func scanTrust(row pgx.Row, t *storage.Trust) error {
	var established string
	err := row.Scan(
		&t.BaseURI, &t.Secret, &t.PeerType, &t.Relationship,
		&t.Approved, &t.PeerApproved, &t.Verified, &t.VerificationToken, &established,
		&t.ClientName, &t.ClientVersion, &t.ClientPlatform, &t.OAuthClientID,
		&t.CreatedAt, &t.UpdatedAt,
	)
	t.EstablishedVia = storage.EstablishedVia(established)
	return err
}

const trustColumns = `base_uri, secret, peer_type, relationship, approved, peer_approved, verified,
	verification_token, established_via, client_name, client_version, client_platform,
	oauth_client_id, created_at, updated_at`

func (s *Store) GetTrust(ctx context.Context, actorID, peerID string) (*storage.Trust, error) {
	t := &storage.Trust{ActorID: actorID, PeerID: peerID}
	row := s.pool.QueryRow(ctx,
		`SELECT `+trustColumns+` FROM trusts WHERE actor_id = $1 AND peer_id = $2`, actorID, peerID,
	)
	if err := scanTrust(row, t); err != nil {
		return nil, wrapNotFound(err)
	}
	return t, nil
}

func (s *Store) UpdateTrustApproval(ctx context.Context, actorID, peerID string, approved bool) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var was bool
	err = tx.QueryRow(ctx,
		`SELECT approved FROM trusts WHERE actor_id = $1 AND peer_id = $2 FOR UPDATE`,
		actorID, peerID,
	).Scan(&was)
	if err != nil {
		return false, wrapNotFound(err)
	}

	tag, err := tx.Exec(ctx,
		`UPDATE trusts SET approved = $3, updated_at = $4 WHERE actor_id = $1 AND peer_id = $2`,
		actorID, peerID, approved, time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("update trust approval: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, storage.ErrNotFound
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit tx: %w", err)
	}
	return was, nil
}

func (s *Store) UpdateTrust(ctx context.Context, t *storage.Trust) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE trusts SET base_uri=$3, secret=$4, peer_type=$5, relationship=$6,
			approved=$7, peer_approved=$8, verified=$9, verification_token=$10,
			established_via=$11, client_name=$12, client_version=$13, client_platform=$14,
			oauth_client_id=$15, updated_at=$16
		 WHERE actor_id=$1 AND peer_id=$2`,
		t.ActorID, t.PeerID, t.BaseURI, t.Secret, t.PeerType, t.Relationship,
		t.Approved, t.PeerApproved, t.Verified, t.VerificationToken, string(t.EstablishedVia),
		t.ClientName, t.ClientVersion, t.ClientPlatform, t.OAuthClientID, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("update trust: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteTrust(ctx context.Context, actorID, peerID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM trusts WHERE actor_id = $1 AND peer_id = $2`, actorID, peerID)
	if err != nil {
		return fmt.Errorf("delete trust: %w", err)
	}
	return nil
}

func (s *Store) ListTrusts(ctx context.Context, actorID string) ([]*storage.Trust, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT peer_id, `+trustColumns+` FROM trusts WHERE actor_id = $1 ORDER BY peer_id`, actorID,
	)
	if err != nil {
		return nil, fmt.Errorf("list trusts: %w", err)
	}
	defer rows.Close()
	return scanTrustRows(rows, actorID)
}

func (s *Store) ListTrustsByRelationship(ctx context.Context, actorID, relationship string) ([]*storage.Trust, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT peer_id, `+trustColumns+` FROM trusts WHERE actor_id = $1 AND relationship = $2 ORDER BY peer_id`,
		actorID, relationship,
	)
	if err != nil {
		return nil, fmt.Errorf("list trusts by relationship: %w", err)
	}
	defer rows.Close()
	return scanTrustRows(rows, actorID)
}

func scanTrustRows(rows pgx.Rows, actorID string) ([]*storage.Trust, error) {
	var out []*storage.Trust
	for rows.Next() {
		t := &storage.Trust{ActorID: actorID}
		var established string
		if err := rows.Scan(
			&t.PeerID, &t.BaseURI, &t.Secret, &t.PeerType, &t.Relationship,
			&t.Approved, &t.PeerApproved, &t.Verified, &t.VerificationToken, &established,
			&t.ClientName, &t.ClientVersion, &t.ClientPlatform, &t.OAuthClientID,
			&t.CreatedAt, &t.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan trust: %w", err)
		}
		t.EstablishedVia = storage.EstablishedVia(established)
		out = append(out, t)
	}
	return out, rows.Err()
}

// ── subscriptions & diffs ────────────────────────────────────────────────────

func (s *Store) CreateSubscription(ctx context.Context, sub *storage.Subscription) error {
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}
	if sub.Granularity == "" {
		sub.Granularity = storage.GranularityHigh
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO subscriptions (actor_id, peer_id, subscription_id, is_callback, target,
			subtarget, resource, granularity, sequence, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		sub.ActorID, sub.PeerID, sub.SubscriptionID, sub.IsCallback, sub.Target,
		sub.Subtarget, sub.Resource, string(sub.Granularity), sub.Sequence, sub.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert subscription: %w", err)
	}
	return nil
}

const subColumns = `is_callback, target, subtarget, resource, granularity, sequence, created_at`

func (s *Store) GetSubscription(ctx context.Context, actorID, peerID, subID string) (*storage.Subscription, error) {
	sub := &storage.Subscription{ActorID: actorID, PeerID: peerID, SubscriptionID: subID}
	var gran string
	err := s.pool.QueryRow(ctx,
		`SELECT `+subColumns+` FROM subscriptions WHERE actor_id = $1 AND peer_id = $2 AND subscription_id = $3`,
		actorID, peerID, subID,
	).Scan(&sub.IsCallback, &sub.Target, &sub.Subtarget, &sub.Resource, &gran, &sub.Sequence, &sub.CreatedAt)
	if err != nil {
		return nil, wrapNotFound(err)
	}
	sub.Granularity = storage.Granularity(gran)
	return sub, nil
}

func (s *Store) IncrementSequence(ctx context.Context, actorID, peerID, subID string) (int, error) {
	var seq int
	err := s.pool.QueryRow(ctx,
		`UPDATE subscriptions SET sequence = sequence + 1
		 WHERE actor_id = $1 AND peer_id = $2 AND subscription_id = $3
		 RETURNING sequence`,
		actorID, peerID, subID,
	).Scan(&seq)
	if err != nil {
		return 0, wrapNotFound(err)
	}
	return seq, nil
}

func (s *Store) SetSequence(ctx context.Context, actorID, peerID, subID string, seq int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE subscriptions SET sequence = $4 WHERE actor_id = $1 AND peer_id = $2 AND subscription_id = $3`,
		actorID, peerID, subID, seq,
	)
	if err != nil {
		return fmt.Errorf("set sequence: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteSubscription(ctx context.Context, actorID, peerID, subID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		`DELETE FROM diffs WHERE actor_id = $1 AND subscription_id = $2`, actorID, subID,
	); err != nil {
		return fmt.Errorf("delete diffs: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM subscriptions WHERE actor_id = $1 AND peer_id = $2 AND subscription_id = $3`,
		actorID, peerID, subID,
	); err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *Store) ListSubscriptions(ctx context.Context, actorID string) ([]*storage.Subscription, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT peer_id, subscription_id, `+subColumns+` FROM subscriptions
		 WHERE actor_id = $1 ORDER BY subscription_id`, actorID,
	)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()
	return scanSubRows(rows, actorID)
}

func (s *Store) ListSubscriptionsByPeer(ctx context.Context, actorID, peerID string) ([]*storage.Subscription, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT peer_id, subscription_id, `+subColumns+` FROM subscriptions
		 WHERE actor_id = $1 AND peer_id = $2 ORDER BY subscription_id`, actorID, peerID,
	)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions by peer: %w", err)
	}
	defer rows.Close()
	return scanSubRows(rows, actorID)
}

func (s *Store) ListMatchingOutbound(ctx context.Context, actorID, target, subtarget string) ([]*storage.Subscription, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT peer_id, subscription_id, `+subColumns+` FROM subscriptions
		 WHERE actor_id = $1 AND is_callback = false AND target = $2
		   AND (subtarget = '' OR $3 = '' OR subtarget = $3)
		 ORDER BY subscription_id`,
		actorID, target, subtarget,
	)
	if err != nil {
		return nil, fmt.Errorf("list matching outbound: %w", err)
	}
	defer rows.Close()
	return scanSubRows(rows, actorID)
}

func scanSubRows(rows pgx.Rows, actorID string) ([]*storage.Subscription, error) {
	var out []*storage.Subscription
	for rows.Next() {
		sub := &storage.Subscription{ActorID: actorID}
		var gran string
		if err := rows.Scan(
			&sub.PeerID, &sub.SubscriptionID, &sub.IsCallback, &sub.Target,
			&sub.Subtarget, &sub.Resource, &gran, &sub.Sequence, &sub.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		sub.Granularity = storage.Granularity(gran)
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *Store) AppendDiff(ctx context.Context, d *storage.Diff) error {
	if d.Timestamp.IsZero() {
		d.Timestamp = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO diffs (actor_id, subscription_id, sequence, blob, timestamp)
		 VALUES ($1,$2,$3,$4,$5)`,
		d.ActorID, d.SubscriptionID, d.Sequence, d.Blob, d.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert diff: %w", err)
	}
	return nil
}

func (s *Store) GetDiff(ctx context.Context, actorID, subID string, seq int) (*storage.Diff, error) {
	d := &storage.Diff{ActorID: actorID, SubscriptionID: subID, Sequence: seq}
	err := s.pool.QueryRow(ctx,
		`SELECT blob, timestamp FROM diffs WHERE actor_id = $1 AND subscription_id = $2 AND sequence = $3`,
		actorID, subID, seq,
	).Scan(&d.Blob, &d.Timestamp)
	if err != nil {
		return nil, wrapNotFound(err)
	}
	return d, nil
}

func (s *Store) ListDiffs(ctx context.Context, actorID, subID string) ([]*storage.Diff, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT sequence, blob, timestamp FROM diffs
		 WHERE actor_id = $1 AND subscription_id = $2 ORDER BY sequence`,
		actorID, subID,
	)
	if err != nil {
		return nil, fmt.Errorf("list diffs: %w", err)
	}
	defer rows.Close()

	var out []*storage.Diff
	for rows.Next() {
		d := &storage.Diff{ActorID: actorID, SubscriptionID: subID}
		if err := rows.Scan(&d.Sequence, &d.Blob, &d.Timestamp); err != nil {
			return nil, fmt.Errorf("scan diff: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) ClearDiffs(ctx context.Context, actorID, subID string, upTo int) error {
	var err error
	if upTo == 0 {
		_, err = s.pool.Exec(ctx,
			`DELETE FROM diffs WHERE actor_id = $1 AND subscription_id = $2`, actorID, subID)
	} else {
		_, err = s.pool.Exec(ctx,
			`DELETE FROM diffs WHERE actor_id = $1 AND subscription_id = $2 AND sequence <= $3`,
			actorID, subID, upTo)
	}
	if err != nil {
		return fmt.Errorf("clear diffs: %w", err)
	}
	return nil
}

// ── attributes ───────────────────────────────────────────────────────────────

func (s *Store) GetAttr(ctx context.Context, actorID, bucket, name string) (*storage.Attribute, error) {
	a := &storage.Attribute{ActorID: actorID, Bucket: bucket, Name: name}
	err := s.pool.QueryRow(ctx,
		`SELECT data, timestamp, version FROM attributes WHERE actor_id = $1 AND bucket = $2 AND name = $3`,
		actorID, bucket, name,
	).Scan(&a.Data, &a.Timestamp, &a.Version)
	if err != nil {
		return nil, wrapNotFound(err)
	}
	return a, nil
}

// SetAttr performs the conditional write inside a transaction that locks the
// row (or its absence) with SELECT ... FOR UPDATE.
func (s *Store) SetAttr(ctx context.Context, actorID, bucket, name string, data []byte, expectedVersion *int) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var curVersion int
	err = tx.QueryRow(ctx,
		`SELECT version FROM attributes WHERE actor_id = $1 AND bucket = $2 AND name = $3 FOR UPDATE`,
		actorID, bucket, name,
	).Scan(&curVersion)
	exists := true
	if errors.Is(err, pgx.ErrNoRows) {
		exists = false
		curVersion = 0
	} else if err != nil {
		return fmt.Errorf("lock attribute: %w", err)
	}

	if expectedVersion != nil && *expectedVersion != curVersion {
		return storage.ErrVersionConflict
	}

	now := time.Now().UTC()
	if exists {
		if _, err := tx.Exec(ctx,
			`UPDATE attributes SET data = $4, timestamp = $5, version = $6
			 WHERE actor_id = $1 AND bucket = $2 AND name = $3`,
			actorID, bucket, name, data, now, curVersion+1,
		); err != nil {
			return fmt.Errorf("update attribute: %w", err)
		}
	} else {
		if _, err := tx.Exec(ctx,
			`INSERT INTO attributes (actor_id, bucket, name, data, timestamp, version)
			 VALUES ($1,$2,$3,$4,$5,$6)`,
			actorID, bucket, name, data, now, curVersion+1,
		); err != nil {
			return fmt.Errorf("insert attribute: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) DeleteAttr(ctx context.Context, actorID, bucket, name string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM attributes WHERE actor_id = $1 AND bucket = $2 AND name = $3`, actorID, bucket, name)
	if err != nil {
		return fmt.Errorf("delete attribute: %w", err)
	}
	return nil
}

func (s *Store) ListBucket(ctx context.Context, actorID, bucket string) ([]*storage.Attribute, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT name, data, timestamp, version FROM attributes
		 WHERE actor_id = $1 AND bucket = $2 ORDER BY name`, actorID, bucket,
	)
	if err != nil {
		return nil, fmt.Errorf("list bucket: %w", err)
	}
	defer rows.Close()

	var out []*storage.Attribute
	for rows.Next() {
		a := &storage.Attribute{ActorID: actorID, Bucket: bucket}
		if err := rows.Scan(&a.Name, &a.Data, &a.Timestamp, &a.Version); err != nil {
			return nil, fmt.Errorf("scan attribute: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) DeleteBucket(ctx context.Context, actorID, bucket string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM attributes WHERE actor_id = $1 AND bucket = $2`, actorID, bucket)
	if err != nil {
		return fmt.Errorf("delete bucket: %w", err)
	}
	return nil
}
