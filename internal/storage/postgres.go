package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/org/keywarden/pkg/models"
)

// PostgresBackend is a Backend backed by PostgreSQL.
type PostgresBackend struct {
	pool *pgxpool.Pool
}

// NewPostgresBackend opens a pgxpool connection and returns a ready backend.
func NewPostgresBackend(ctx context.Context, connStr string) (*PostgresBackend, error) {
	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &PostgresBackend{pool: pool}, nil
}

func (p *PostgresBackend) Close() {
	p.pool.Close()
}

// mapErr converts driver-level failures into the backend's error taxonomy.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrAlreadyExists
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

// --- Principals ---

func (p *PostgresBackend) CreatePrincipal(ctx context.Context, pr *models.Principal) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO principals (id, kind, name, display_name, status, recipient, roles, auth_source, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		pr.ID, pr.Kind, pr.Name, pr.DisplayName, pr.Status, pr.Recipient, pr.Roles, pr.AuthSource, pr.CreatedAt,
	)
	return mapErr(err)
}

const principalCols = `id, kind, name, display_name, status, recipient, roles, auth_source, created_at`

func scanPrincipal(row pgx.Row) (*models.Principal, error) {
	var pr models.Principal
	err := row.Scan(&pr.ID, &pr.Kind, &pr.Name, &pr.DisplayName, &pr.Status,
		&pr.Recipient, &pr.Roles, &pr.AuthSource, &pr.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &pr, nil
}

func (p *PostgresBackend) GetPrincipal(ctx context.Context, id string) (*models.Principal, error) {
	return scanPrincipal(p.pool.QueryRow(ctx,
		`SELECT `+principalCols+` FROM principals WHERE id = $1`, id))
}

func (p *PostgresBackend) GetPrincipalByName(ctx context.Context, name string) (*models.Principal, error) {
	return scanPrincipal(p.pool.QueryRow(ctx,
		`SELECT `+principalCols+` FROM principals WHERE name = $1`, name))
}

func (p *PostgresBackend) UpdatePrincipalStatus(ctx context.Context, id string, status models.PrincipalStatus) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE principals SET status = $1 WHERE id = $2`, status, id)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresBackend) UpdatePrincipalRoles(ctx context.Context, id string, roles []string) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE principals SET roles = $1 WHERE id = $2`, roles, id)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresBackend) ListPrincipals(ctx context.Context, kind models.PrincipalKind) ([]*models.Principal, error) {
	query := `SELECT ` + principalCols + ` FROM principals`
	args := []any{}
	if kind != "" {
		query += ` WHERE kind = $1`
		args = append(args, kind)
	}
	query += ` ORDER BY name`
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var out []*models.Principal
	for rows.Next() {
		pr, err := scanPrincipal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pr)
	}
	return out, mapErr(rows.Err())
}

// --- Keystore ---

func (p *PostgresBackend) WriteLockedKey(ctx context.Context, key *LockedKey) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO principal_keys (principal_id, salt, nonce, ciphertext, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (principal_id) DO UPDATE
		 SET salt = EXCLUDED.salt, nonce = EXCLUDED.nonce,
		     ciphertext = EXCLUDED.ciphertext, updated_at = EXCLUDED.updated_at`,
		key.PrincipalID, key.Salt, key.Nonce, key.Ciphertext, key.UpdatedAt,
	)
	return mapErr(err)
}

func (p *PostgresBackend) GetLockedKey(ctx context.Context, principalID string) (*LockedKey, error) {
	var k LockedKey
	err := p.pool.QueryRow(ctx,
		`SELECT principal_id, salt, nonce, ciphertext, updated_at FROM principal_keys WHERE principal_id = $1`,
		principalID,
	).Scan(&k.PrincipalID, &k.Salt, &k.Nonce, &k.Ciphertext, &k.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &k, nil
}

// --- Secrets ---

func (p *PostgresBackend) CreateSecret(ctx context.Context, s *models.Secret) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO secrets (id, name, location, ciphertext, restricted, enabled, expires_at, key_version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		s.ID, s.Name, s.Location, s.Ciphertext, s.Restricted, s.Enabled, s.ExpiresAt, s.KeyVersion, s.CreatedAt, s.UpdatedAt,
	)
	return mapErr(err)
}

const secretCols = `id, name, location, ciphertext, restricted, enabled, expires_at, key_version, created_at, updated_at`

func scanSecret(row pgx.Row) (*models.Secret, error) {
	var s models.Secret
	err := row.Scan(&s.ID, &s.Name, &s.Location, &s.Ciphertext, &s.Restricted,
		&s.Enabled, &s.ExpiresAt, &s.KeyVersion, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &s, nil
}

func (p *PostgresBackend) GetSecret(ctx context.Context, id string) (*models.Secret, error) {
	return scanSecret(p.pool.QueryRow(ctx,
		`SELECT `+secretCols+` FROM secrets WHERE id = $1`, id))
}

func (p *PostgresBackend) GetSecretByName(ctx context.Context, name string) (*models.Secret, error) {
	return scanSecret(p.pool.QueryRow(ctx,
		`SELECT `+secretCols+` FROM secrets WHERE name = $1`, name))
}

func (p *PostgresBackend) UpdateSecretCiphertext(ctx context.Context, id string, ciphertext []byte, keyVersion int) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE secrets SET ciphertext = $1, key_version = $2, updated_at = NOW() WHERE id = $3`,
		ciphertext, keyVersion, id)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresBackend) UpdateSecretMetadata(ctx context.Context, s *models.Secret) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE secrets SET location = $1, restricted = $2, enabled = $3, expires_at = $4, updated_at = NOW()
		 WHERE id = $5`,
		s.Location, s.Restricted, s.Enabled, s.ExpiresAt, s.ID)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Grants ---

func (p *PostgresBackend) UpsertGrant(ctx context.Context, g *models.AccessGrant) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO access_grants (id, secret_id, principal_id, wrapped_decrypt, wrapped_modify, key_version, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (secret_id, principal_id) DO UPDATE
		 SET wrapped_decrypt = EXCLUDED.wrapped_decrypt,
		     wrapped_modify = EXCLUDED.wrapped_modify,
		     key_version = EXCLUDED.key_version`,
		g.ID, g.SecretID, g.PrincipalID, nullableBytes(g.WrappedDecrypt), nullableBytes(g.WrappedModify), g.KeyVersion, g.CreatedAt,
	)
	return mapErr(err)
}

func nullableBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}

const grantCols = `id, secret_id, principal_id, wrapped_decrypt, wrapped_modify, key_version, created_at`

func scanGrant(row pgx.Row) (*models.AccessGrant, error) {
	var g models.AccessGrant
	err := row.Scan(&g.ID, &g.SecretID, &g.PrincipalID, &g.WrappedDecrypt, &g.WrappedModify, &g.KeyVersion, &g.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &g, nil
}

func (p *PostgresBackend) GetGrant(ctx context.Context, secretID, principalID string) (*models.AccessGrant, error) {
	return scanGrant(p.pool.QueryRow(ctx,
		`SELECT `+grantCols+` FROM access_grants WHERE secret_id = $1 AND principal_id = $2`,
		secretID, principalID))
}

func (p *PostgresBackend) DeleteGrant(ctx context.Context, secretID, principalID string) error {
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM access_grants WHERE secret_id = $1 AND principal_id = $2`,
		secretID, principalID)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresBackend) listGrants(ctx context.Context, query string, arg any) ([]*models.AccessGrant, error) {
	rows, err := p.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var out []*models.AccessGrant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, mapErr(rows.Err())
}

func (p *PostgresBackend) ListGrantsBySecret(ctx context.Context, secretID string) ([]*models.AccessGrant, error) {
	return p.listGrants(ctx,
		`SELECT `+grantCols+` FROM access_grants WHERE secret_id = $1`, secretID)
}

func (p *PostgresBackend) ListGrantsByPrincipal(ctx context.Context, principalID string) ([]*models.AccessGrant, error) {
	return p.listGrants(ctx,
		`SELECT `+grantCols+` FROM access_grants WHERE principal_id = $1`, principalID)
}

// --- Memberships ---

func (p *PostgresBackend) CreateMembership(ctx context.Context, m *models.Membership) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO memberships (id, user_id, group_id, wrapped_group_key, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		m.ID, m.UserID, m.GroupID, nullableBytes(m.WrappedGroupKey), m.Status, m.CreatedAt,
	)
	return mapErr(err)
}

const membershipCols = `id, user_id, group_id, wrapped_group_key, status, created_at`

func scanMembership(row pgx.Row) (*models.Membership, error) {
	var m models.Membership
	err := row.Scan(&m.ID, &m.UserID, &m.GroupID, &m.WrappedGroupKey, &m.Status, &m.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &m, nil
}

func (p *PostgresBackend) GetMembership(ctx context.Context, userID, groupID string) (*models.Membership, error) {
	return scanMembership(p.pool.QueryRow(ctx,
		`SELECT `+membershipCols+` FROM memberships WHERE user_id = $1 AND group_id = $2`,
		userID, groupID))
}

func (p *PostgresBackend) DeleteMembership(ctx context.Context, userID, groupID string) error {
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM memberships WHERE user_id = $1 AND group_id = $2`,
		userID, groupID)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresBackend) listMemberships(ctx context.Context, query string, arg any) ([]*models.Membership, error) {
	rows, err := p.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var out []*models.Membership
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, mapErr(rows.Err())
}

func (p *PostgresBackend) ListMembershipsByUser(ctx context.Context, userID string) ([]*models.Membership, error) {
	return p.listMemberships(ctx,
		`SELECT `+membershipCols+` FROM memberships WHERE user_id = $1`, userID)
}

func (p *PostgresBackend) ListMembersOfGroup(ctx context.Context, groupID string) ([]*models.Membership, error) {
	return p.listMemberships(ctx,
		`SELECT `+membershipCols+` FROM memberships WHERE group_id = $1`, groupID)
}

// --- Requests ---

func (p *PostgresBackend) CreateRequest(ctx context.Context, r *models.AccessRequest) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return mapErr(err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx,
		`INSERT INTO access_requests (id, secret_id, requester_id, reason, state, wrapped_decrypt, created_at, viewed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		r.ID, r.SecretID, r.RequesterID, r.Reason, r.State, nullableBytes(r.WrappedDecrypt), r.CreatedAt, r.ViewedAt,
	)
	if err != nil {
		return mapErr(err)
	}
	for _, a := range r.Approvers {
		_, err = tx.Exec(ctx,
			`INSERT INTO request_approvals (request_id, approver_id, decision, decided_at)
			 VALUES ($1, $2, $3, $4)`,
			r.ID, a.ApproverID, a.Decision, a.DecidedAt,
		)
		if err != nil {
			return mapErr(err)
		}
	}
	return mapErr(tx.Commit(ctx))
}

const requestCols = `id, secret_id, requester_id, reason, state, wrapped_decrypt, created_at, viewed_at`

func (p *PostgresBackend) getRequestRow(ctx context.Context, row pgx.Row) (*models.AccessRequest, error) {
	var r models.AccessRequest
	err := row.Scan(&r.ID, &r.SecretID, &r.RequesterID, &r.Reason, &r.State,
		&r.WrappedDecrypt, &r.CreatedAt, &r.ViewedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	rows, err := p.pool.Query(ctx,
		`SELECT request_id, approver_id, decision, decided_at FROM request_approvals WHERE request_id = $1`,
		r.ID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	for rows.Next() {
		var a models.Approval
		if err := rows.Scan(&a.RequestID, &a.ApproverID, &a.Decision, &a.DecidedAt); err != nil {
			return nil, mapErr(err)
		}
		r.Approvers = append(r.Approvers, a)
	}
	return &r, mapErr(rows.Err())
}

func (p *PostgresBackend) GetRequest(ctx context.Context, id string) (*models.AccessRequest, error) {
	return p.getRequestRow(ctx, p.pool.QueryRow(ctx,
		`SELECT `+requestCols+` FROM access_requests WHERE id = $1`, id))
}

func (p *PostgresBackend) GetLatestRequest(ctx context.Context, secretID, requesterID string) (*models.AccessRequest, error) {
	return p.getRequestRow(ctx, p.pool.QueryRow(ctx,
		`SELECT `+requestCols+` FROM access_requests
		 WHERE secret_id = $1 AND requester_id = $2
		 ORDER BY created_at DESC LIMIT 1`,
		secretID, requesterID))
}

func (p *PostgresBackend) UpdateRequestState(ctx context.Context, id string, from, to models.RequestState, wrappedDecrypt []byte) (bool, error) {
	var tag pgconn.CommandTag
	var err error
	if wrappedDecrypt != nil {
		tag, err = p.pool.Exec(ctx,
			`UPDATE access_requests SET state = $1, wrapped_decrypt = $2 WHERE id = $3 AND state = $4`,
			to, wrappedDecrypt, id, from)
	} else {
		tag, err = p.pool.Exec(ctx,
			`UPDATE access_requests SET state = $1 WHERE id = $2 AND state = $3`,
			to, id, from)
	}
	if err != nil {
		return false, mapErr(err)
	}
	return tag.RowsAffected() == 1, nil
}

func (p *PostgresBackend) SetRequestViewed(ctx context.Context, id string, viewedAt time.Time) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE access_requests SET viewed_at = $1 WHERE id = $2`, viewedAt, id)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresBackend) SetApprovalDecision(ctx context.Context, requestID, approverID string, decision models.ApprovalDecision, decidedAt time.Time) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE request_approvals SET decision = $1, decided_at = $2
		 WHERE request_id = $3 AND approver_id = $4`,
		decision, decidedAt, requestID, approverID)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Log ---

func (p *PostgresBackend) AppendLogEntry(ctx context.Context, entry *models.LogEntry) error {
	// clock_timestamp() with a GREATEST over the previous max keeps the
	// persisted timestamps strictly increasing across writers.
	err := p.pool.QueryRow(ctx,
		`INSERT INTO log_entries (actor_id, secret_id, event, ts, stamp)
		 SELECT $1, $2, $3,
		        GREATEST(clock_timestamp(), COALESCE((SELECT MAX(ts) FROM log_entries), 'epoch') + interval '1 microsecond'),
		        $4
		 RETURNING id, ts`,
		entry.ActorID, entry.SecretID, entry.Event, entry.Stamp,
	).Scan(&entry.ID, &entry.Timestamp)
	return mapErr(err)
}

func (p *PostgresBackend) QueryLog(ctx context.Context, filter LogFilter) ([]*models.LogEntry, error) {
	query := strings.Builder{}
	query.WriteString(`SELECT id, actor_id, secret_id, event, ts, stamp FROM log_entries WHERE 1=1`)
	args := []any{}
	n := 1
	if filter.ActorID != "" {
		fmt.Fprintf(&query, ` AND actor_id = $%d`, n)
		args = append(args, filter.ActorID)
		n++
	}
	if filter.SecretID != "" {
		fmt.Fprintf(&query, ` AND secret_id = $%d`, n)
		args = append(args, filter.SecretID)
		n++
	}
	if filter.Since != nil {
		fmt.Fprintf(&query, ` AND ts >= $%d`, n)
		args = append(args, filter.Since)
		n++
	}
	query.WriteString(` ORDER BY ts DESC`)
	if filter.Limit > 0 {
		fmt.Fprintf(&query, ` LIMIT $%d`, n)
		args = append(args, filter.Limit)
		n++
	}
	if filter.Offset > 0 {
		fmt.Fprintf(&query, ` OFFSET $%d`, n)
		args = append(args, filter.Offset)
	}

	rows, err := p.pool.Query(ctx, query.String(), args...)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var entries []*models.LogEntry
	for rows.Next() {
		var e models.LogEntry
		if err := rows.Scan(&e.ID, &e.ActorID, &e.SecretID, &e.Event, &e.Timestamp, &e.Stamp); err != nil {
			return nil, mapErr(err)
		}
		entries = append(entries, &e)
	}
	return entries, mapErr(rows.Err())
}

// --- Metrics ---

func (p *PostgresBackend) CountSecrets(ctx context.Context) (int64, error) {
	var count int64
	err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM secrets WHERE enabled`).Scan(&count)
	return count, mapErr(err)
}

func (p *PostgresBackend) CountPendingRequests(ctx context.Context) (int64, error) {
	var count int64
	err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM access_requests WHERE state = 'pending'`).Scan(&count)
	return count, mapErr(err)
}
