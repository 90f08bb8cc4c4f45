// Package workflow implements time-boxed, quorum-approved access to
// restricted secrets. A request snapshots its approver pool at creation,
// collects approvals until the configured quorum is met, and is then
// materialized: the approving side re-wraps the secret's decrypt component
// for the requester, so the temporary access is enforced by the wrapping
// rather than by a flag. Requests expire lazily inside a sliding window.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/org/keywarden/internal/crypto"
	"github.com/org/keywarden/internal/keystore"
	"github.com/org/keywarden/internal/ledger"
	"github.com/org/keywarden/internal/membership"
	"github.com/org/keywarden/internal/storage"
	"github.com/org/keywarden/pkg/models"
)

var (
	// ErrNoApprovers means no eligible approver exists for the secret, so a
	// request could never complete and is refused up front.
	ErrNoApprovers = errors.New("no eligible approvers for secret")
	// ErrNotApprover means the principal is not in the request's snapshot.
	ErrNotApprover = errors.New("principal is not an approver for this request")
	// ErrRequestClosed means the request already left the pending state.
	ErrRequestClosed = errors.New("request is no longer pending")
	// ErrNoActiveRequest means no usable request exists for the secret.
	ErrNoActiveRequest = errors.New("no active request")
	// ErrRequestExpired means the latest request's validity window lapsed;
	// a new request is needed.
	ErrRequestExpired = errors.New("request expired")
)

// DefaultLifetime is the sliding validity window applied when the
// configuration does not set one.
const DefaultLifetime = 15 * time.Minute

// Config tunes the approval workflow.
type Config struct {
	// Lifetime is the sliding validity window. A request is usable until
	// Lifetime past its creation or its most recent recorded view,
	// whichever is later.
	Lifetime time.Duration
	// Quorum is the number of distinct approvals required.
	Quorum int
	// ApproverRole is the role a grant holder must carry to sit in a
	// request's approver pool.
	ApproverRole string
}

func (c Config) withDefaults() Config {
	if c.Lifetime <= 0 {
		c.Lifetime = DefaultLifetime
	}
	if c.Quorum <= 0 {
		c.Quorum = 1
	}
	if c.ApproverRole == "" {
		c.ApproverRole = models.RoleApprover
	}
	return c
}

// Workflow runs the restricted-access request lifecycle.
type Workflow struct {
	store    storage.Backend
	ledger   *ledger.Ledger
	chain    *membership.Chain
	notifier Notifier
	cfg      Config
	log      zerolog.Logger
}

// New creates a Workflow. A nil notifier falls back to logging.
func New(store storage.Backend, l *ledger.Ledger, chain *membership.Chain, notifier Notifier, cfg Config, log zerolog.Logger) *Workflow {
	if notifier == nil {
		notifier = NewLogNotifier(log)
	}
	return &Workflow{
		store:    store,
		ledger:   l,
		chain:    chain,
		notifier: notifier,
		cfg:      cfg.withDefaults(),
		log:      log,
	}
}

// Lifetime returns the configured sliding window.
func (w *Workflow) Lifetime() time.Duration { return w.cfg.Lifetime }

func (w *Workflow) notify(ctx context.Context, ev Event) {
	if err := w.notifier.Notify(ctx, ev); err != nil {
		w.log.Warn().Err(err).Str("event", ev.Kind).Str("request_id", ev.RequestID).
			Msg("notification delivery failed")
	}
}

// approverPool collects the principals eligible to decide requests on the
// secret: active users carrying the approver role that hold a readable
// grant, either directly or through an active membership in a granted
// group. Modify-only grants do not qualify: the quorum-completing approver
// must open the decrypt component to materialize the request, which a
// write-only holder cannot do. The requester is always excluded from their
// own pool.
func (w *Workflow) approverPool(ctx context.Context, secretID, requesterID string) ([]string, error) {
	grants, err := w.store.ListGrantsBySecret(ctx, secretID)
	if err != nil {
		return nil, err
	}

	seen := map[string]bool{requesterID: true}
	var pool []string
	add := func(p *models.Principal) {
		if p.Kind != models.KindUser || !p.IsActive() || !p.HasRole(w.cfg.ApproverRole) {
			return
		}
		if seen[p.ID] {
			return
		}
		seen[p.ID] = true
		pool = append(pool, p.ID)
	}

	for _, g := range grants {
		if !g.CanRead() {
			continue
		}
		p, err := w.store.GetPrincipal(ctx, g.PrincipalID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if p.Kind == models.KindGroup {
			members, err := w.chain.Members(ctx, p.ID)
			if err != nil {
				return nil, err
			}
			for _, m := range members {
				if !m.GrantsAccess() {
					continue
				}
				u, err := w.store.GetPrincipal(ctx, m.UserID)
				if err != nil {
					if errors.Is(err, storage.ErrNotFound) {
						continue
					}
					return nil, err
				}
				add(u)
			}
			continue
		}
		add(p)
	}
	return pool, nil
}

// CreateRequest opens a request for read access to a restricted secret.
// The approver pool is snapshotted now; later grant changes do not affect
// this request. A secret with an empty pool is refused with ErrNoApprovers.
func (w *Workflow) CreateRequest(ctx context.Context, requester *models.Principal, secretID, reason string) (*models.AccessRequest, error) {
	secret, err := w.store.GetSecret(ctx, secretID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ledger.ErrAccessDenied
		}
		return nil, err
	}
	if !secret.Enabled || secret.IsExpired() {
		return nil, ledger.ErrAccessDenied
	}
	// Only restricted secrets take the request path. A plain secret is not
	// acknowledged here: confirming "exists but unrestricted" to a caller
	// with no grant would leak what the generic denial hides.
	if !secret.Restricted {
		return nil, ledger.ErrAccessDenied
	}

	pool, err := w.approverPool(ctx, secretID, requester.ID)
	if err != nil {
		return nil, err
	}
	if len(pool) == 0 {
		return nil, ErrNoApprovers
	}

	r := &models.AccessRequest{
		ID:          uuid.NewString(),
		SecretID:    secretID,
		RequesterID: requester.ID,
		Reason:      reason,
		State:       models.RequestPending,
		CreatedAt:   time.Now().UTC(),
	}
	for _, approverID := range pool {
		r.Approvers = append(r.Approvers, models.Approval{
			RequestID:  r.ID,
			ApproverID: approverID,
			Decision:   models.DecisionPending,
		})
	}
	if err := w.store.CreateRequest(ctx, r); err != nil {
		return nil, fmt.Errorf("persisting request: %w", err)
	}

	w.notify(ctx, Event{Kind: EventRequestCreated, RequestID: r.ID, SecretID: secretID, Recipients: pool})
	return r, nil
}

// expireIfStale lazily transitions a request out of its validity window.
// Returns the refreshed request.
func (w *Workflow) expireIfStale(ctx context.Context, r *models.AccessRequest) (*models.AccessRequest, error) {
	if r.State != models.RequestPending && r.State != models.RequestApproved {
		return r, nil
	}
	if r.IsValidAt(time.Now().UTC(), w.cfg.Lifetime) {
		return r, nil
	}
	// Losing the transition race just means another caller expired it.
	if _, err := w.store.UpdateRequestState(ctx, r.ID, r.State, models.RequestExpired, nil); err != nil {
		return nil, err
	}
	return w.store.GetRequest(ctx, r.ID)
}

// Approve records an approver's approval. It is idempotent per approver.
// The approval that completes the quorum also materializes the access: the
// approver's own decrypt capability is re-wrapped under the requester's
// key and stored on the request.
func (w *Workflow) Approve(ctx context.Context, requestID string, approverKey *keystore.PrincipalKey) (*models.AccessRequest, error) {
	r, err := w.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	r, err = w.expireIfStale(ctx, r)
	if err != nil {
		return nil, err
	}
	entry := r.ApproverEntry(approverKey.PrincipalID)
	if entry == nil {
		return nil, ErrNotApprover
	}
	if r.State != models.RequestPending {
		return nil, ErrRequestClosed
	}
	if entry.Decision == models.DecisionApproved {
		return r, nil
	}

	now := time.Now().UTC()
	if err := w.store.SetApprovalDecision(ctx, requestID, approverKey.PrincipalID, models.DecisionApproved, now); err != nil {
		return nil, err
	}
	r, err = w.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if r.ApprovalCount() < w.cfg.Quorum {
		return r, nil
	}

	requester, err := w.store.GetPrincipal(ctx, r.RequesterID)
	if err != nil {
		return nil, err
	}
	wrapped, err := w.ledger.RewrapDecryptFor(ctx, approverKey, r.SecretID, requester.Recipient)
	if err != nil {
		return nil, fmt.Errorf("materializing approved access: %w", err)
	}
	ok, err := w.store.UpdateRequestState(ctx, requestID, models.RequestPending, models.RequestApproved, wrapped)
	if err != nil {
		return nil, err
	}
	if ok {
		w.notify(ctx, Event{Kind: EventRequestApproved, RequestID: requestID, SecretID: r.SecretID,
			Recipients: []string{r.RequesterID}})
	}
	return w.store.GetRequest(ctx, requestID)
}

// Block vetoes a pending request. A single block is final regardless of
// how many approvals the request already collected.
func (w *Workflow) Block(ctx context.Context, requestID, approverID string) (*models.AccessRequest, error) {
	r, err := w.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	r, err = w.expireIfStale(ctx, r)
	if err != nil {
		return nil, err
	}
	if r.ApproverEntry(approverID) == nil {
		return nil, ErrNotApprover
	}
	if r.State != models.RequestPending {
		return nil, ErrRequestClosed
	}

	now := time.Now().UTC()
	if err := w.store.SetApprovalDecision(ctx, requestID, approverID, models.DecisionBlocked, now); err != nil {
		return nil, err
	}
	ok, err := w.store.UpdateRequestState(ctx, requestID, models.RequestPending, models.RequestBlocked, nil)
	if err != nil {
		return nil, err
	}
	if ok {
		w.notify(ctx, Event{Kind: EventRequestBlocked, RequestID: requestID, SecretID: r.SecretID,
			Recipients: []string{r.RequesterID}})
	}
	return w.store.GetRequest(ctx, requestID)
}

// CurrentRequest returns the requester's latest request for the secret if
// it is still inside its validity window, expiring it lazily otherwise.
func (w *Workflow) CurrentRequest(ctx context.Context, secretID, requesterID string) (*models.AccessRequest, error) {
	r, err := w.store.GetLatestRequest(ctx, secretID, requesterID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNoActiveRequest
		}
		return nil, err
	}
	r, err = w.expireIfStale(ctx, r)
	if err != nil {
		return nil, err
	}
	switch r.State {
	case models.RequestPending, models.RequestApproved:
		return r, nil
	case models.RequestExpired:
		return nil, ErrRequestExpired
	default:
		return nil, ErrNoActiveRequest
	}
}

// UnwrapApproved recovers a restricted secret's plaintext through the
// requester's approved request. Each successful read is recorded as a view,
// which slides the validity window forward a full lifetime.
func (w *Workflow) UnwrapApproved(ctx context.Context, requesterKey *keystore.PrincipalKey, secretID string) ([]byte, error) {
	r, err := w.CurrentRequest(ctx, secretID, requesterKey.PrincipalID)
	if err != nil {
		if errors.Is(err, ErrNoActiveRequest) {
			return nil, ledger.ErrAccessDenied
		}
		return nil, err
	}
	if r.State != models.RequestApproved || len(r.WrappedDecrypt) == 0 {
		return nil, ledger.ErrAccessDenied
	}

	secret, err := w.store.GetSecret(ctx, secretID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ledger.ErrAccessDenied
		}
		return nil, err
	}
	if !secret.Enabled || secret.IsExpired() {
		return nil, ledger.ErrAccessDenied
	}

	component, err := crypto.Decrypt(r.WrappedDecrypt, requesterKey.Identity())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ledger.ErrCorruptGrant, err)
	}
	defer crypto.ZeroBytes(component)
	plaintext, err := crypto.Decrypt(secret.Ciphertext, string(component))
	if err != nil {
		return nil, fmt.Errorf("%w: payload does not open under approved component", ledger.ErrCorruptGrant)
	}

	if err := w.store.SetRequestViewed(ctx, r.ID, time.Now().UTC()); err != nil {
		crypto.ZeroBytes(plaintext)
		return nil, err
	}
	return plaintext, nil
}
