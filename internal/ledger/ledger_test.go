package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/org/keywarden/internal/crypto"
	"github.com/org/keywarden/internal/keystore"
	"github.com/org/keywarden/internal/membership"
	"github.com/org/keywarden/internal/storage"
	"github.com/org/keywarden/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	store  *storage.MemoryBackend
	chain  *membership.Chain
	ledger *Ledger
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := storage.NewMemoryBackend()
	chain := membership.NewChain(store)
	return &testEnv{store: store, chain: chain, ledger: New(store, chain)}
}

// newUser enrolls a user principal and returns its unlocked key.
func (e *testEnv) newUser(t *testing.T, name string) (*models.Principal, *keystore.PrincipalKey) {
	t.Helper()
	identity, recipient, err := crypto.GenerateKeypair()
	require.NoError(t, err)

	p := &models.Principal{
		ID:        uuid.NewString(),
		Kind:      models.KindUser,
		Name:      name,
		Status:    models.StatusActive,
		Recipient: recipient,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, e.store.CreatePrincipal(context.Background(), p))

	key, err := keystore.NewPrincipalKey(p.ID, identity)
	require.NoError(t, err)
	return p, key
}

// newGroup creates a group principal with founder as its first member.
func (e *testEnv) newGroup(t *testing.T, name string, founder *models.Principal) *models.Principal {
	t.Helper()
	identity, recipient, err := crypto.GenerateKeypair()
	require.NoError(t, err)

	g := &models.Principal{
		ID:        uuid.NewString(),
		Kind:      models.KindGroup,
		Name:      name,
		Status:    models.StatusActive,
		Recipient: recipient,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, e.store.CreatePrincipal(context.Background(), g))

	_, err = e.chain.Join(context.Background(), founder.ID, g.ID, identity, founder.Recipient)
	require.NoError(t, err)
	return g
}

// createOwned creates a secret and self-grants both components to owner.
func (e *testEnv) createOwned(t *testing.T, owner *models.Principal, name string, payload []byte) *models.Secret {
	t.Helper()
	ctx := context.Background()
	secret, components, err := e.ledger.CreateSecret(ctx, name, "", payload, false, nil)
	require.NoError(t, err)
	defer components.Zero()

	_, err = e.ledger.Grant(ctx, secret.ID, owner.ID, components.Decrypt(), components.Modify(), owner.Recipient)
	require.NoError(t, err)
	return secret
}

func TestCreateAndReadBack(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	owner, ownerKey := env.newUser(t, "alice")

	payload := []byte("postgres://prod:hunter2@db/main")
	secret := env.createOwned(t, owner, "prod-db", payload)
	assert.Equal(t, 1, secret.KeyVersion)
	assert.NotContains(t, string(secret.Ciphertext), "hunter2")

	got, err := env.ledger.UnwrapForRead(ctx, ownerKey, secret.ID)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	capability, err := env.ledger.ResolveCapability(ctx, owner.ID, secret.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CapabilityReadWrite, capability)
}

func TestWriteThenRead(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	owner, ownerKey := env.newUser(t, "alice")
	secret := env.createOwned(t, owner, "api-token", []byte("v1"))

	require.NoError(t, env.ledger.WriteCiphertext(ctx, ownerKey, secret.ID, []byte("v2")))

	got, err := env.ledger.UnwrapForRead(ctx, ownerKey, secret.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got)
}

func TestGrantReadOnly(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	owner, ownerKey := env.newUser(t, "alice")
	reader, readerKey := env.newUser(t, "bob")
	secret := env.createOwned(t, owner, "shared", []byte("payload"))

	components, err := env.ledger.OpenComponents(ctx, ownerKey, secret.ID, true, false)
	require.NoError(t, err)
	defer components.Zero()
	_, err = env.ledger.Grant(ctx, secret.ID, reader.ID, components.Decrypt(), "", reader.Recipient)
	require.NoError(t, err)

	capability, err := env.ledger.ResolveCapability(ctx, reader.ID, secret.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CapabilityReadOnly, capability)

	got, err := env.ledger.UnwrapForRead(ctx, readerKey, secret.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), got)

	err = env.ledger.WriteCiphertext(ctx, readerKey, secret.ID, []byte("overwrite"))
	assert.ErrorIs(t, err, ErrAccessDenied)
}

func TestGrantWriteOnly(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	owner, ownerKey := env.newUser(t, "alice")
	writer, writerKey := env.newUser(t, "deploy-bot")
	secret := env.createOwned(t, owner, "rotated-token", []byte("old"))

	components, err := env.ledger.OpenComponents(ctx, ownerKey, secret.ID, false, true)
	require.NoError(t, err)
	defer components.Zero()
	_, err = env.ledger.Grant(ctx, secret.ID, writer.ID, "", components.Modify(), writer.Recipient)
	require.NoError(t, err)

	// A write-only grant contributes no read capability.
	capability, err := env.ledger.ResolveCapability(ctx, writer.ID, secret.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CapabilityNone, capability)
	_, err = env.ledger.UnwrapForRead(ctx, writerKey, secret.ID)
	assert.ErrorIs(t, err, ErrAccessDenied)

	// But it can produce new ciphertext the owner can read.
	require.NoError(t, env.ledger.WriteCiphertext(ctx, writerKey, secret.ID, []byte("new")))
	got, err := env.ledger.UnwrapForRead(ctx, ownerKey, secret.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), got)
}

func TestGrantRequiresComponent(t *testing.T) {
	env := newTestEnv(t)
	owner, _ := env.newUser(t, "alice")
	target, _ := env.newUser(t, "bob")
	secret := env.createOwned(t, owner, "s", []byte("x"))

	_, err := env.ledger.Grant(context.Background(), secret.ID, target.ID, "", "", target.Recipient)
	assert.ErrorIs(t, err, ErrInvalidGrant)
}

func TestDenialIndistinguishable(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	owner, _ := env.newUser(t, "alice")
	_, strangerKey := env.newUser(t, "mallory")
	secret := env.createOwned(t, owner, "real", []byte("x"))

	_, errNoGrant := env.ledger.UnwrapForRead(ctx, strangerKey, secret.ID)
	_, errNoSecret := env.ledger.UnwrapForRead(ctx, strangerKey, "no-such-id")

	assert.ErrorIs(t, errNoGrant, ErrAccessDenied)
	assert.ErrorIs(t, errNoSecret, ErrAccessDenied)
	assert.Equal(t, errNoGrant.Error(), errNoSecret.Error())
}

func TestGroupGrantFlow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	owner, ownerKey := env.newUser(t, "alice")
	founder, founderKey := env.newUser(t, "lead")
	member, memberKey := env.newUser(t, "carol")
	group := env.newGroup(t, "oncall", founder)

	secret := env.createOwned(t, owner, "pager-token", []byte("pd-secret"))

	// Share read+write with the group.
	components, err := env.ledger.OpenComponents(ctx, ownerKey, secret.ID, true, true)
	require.NoError(t, err)
	defer components.Zero()
	_, err = env.ledger.Grant(ctx, secret.ID, group.ID, components.Decrypt(), components.Modify(), group.Recipient)
	require.NoError(t, err)

	// Not yet a member: nothing.
	capability, err := env.ledger.ResolveCapability(ctx, member.ID, secret.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CapabilityNone, capability)

	// The founder sponsors carol into the group.
	groupIdentity, err := env.chain.ResolveGroupKey(ctx, founderKey, group.ID)
	require.NoError(t, err)
	_, err = env.chain.Join(ctx, member.ID, group.ID, groupIdentity, member.Recipient)
	require.NoError(t, err)

	capability, err = env.ledger.ResolveCapability(ctx, member.ID, secret.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CapabilityReadWrite, capability)

	got, err := env.ledger.UnwrapForRead(ctx, memberKey, secret.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("pd-secret"), got)
	require.NoError(t, env.ledger.WriteCiphertext(ctx, memberKey, secret.ID, []byte("updated")))

	// Leaving ends inherited access immediately.
	require.NoError(t, env.chain.Leave(ctx, member.ID, group.ID))
	capability, err = env.ledger.ResolveCapability(ctx, member.ID, secret.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CapabilityNone, capability)
	_, err = env.ledger.UnwrapForRead(ctx, memberKey, secret.ID)
	assert.ErrorIs(t, err, ErrAccessDenied)
}

func TestDirectAndGroupStrongestWins(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	owner, ownerKey := env.newUser(t, "alice")
	member, _ := env.newUser(t, "bob")
	group := env.newGroup(t, "team", member)

	secret := env.createOwned(t, owner, "s", []byte("x"))

	// Direct read-only, group read-write.
	ro, err := env.ledger.OpenComponents(ctx, ownerKey, secret.ID, true, false)
	require.NoError(t, err)
	defer ro.Zero()
	_, err = env.ledger.Grant(ctx, secret.ID, member.ID, ro.Decrypt(), "", member.Recipient)
	require.NoError(t, err)

	rw, err := env.ledger.OpenComponents(ctx, ownerKey, secret.ID, true, true)
	require.NoError(t, err)
	defer rw.Zero()
	_, err = env.ledger.Grant(ctx, secret.ID, group.ID, rw.Decrypt(), rw.Modify(), group.Recipient)
	require.NoError(t, err)

	capability, err := env.ledger.ResolveCapability(ctx, member.ID, secret.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CapabilityReadWrite, capability)
}

func TestRevokeThenRotate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	owner, ownerKey := env.newUser(t, "alice")
	other, otherKey := env.newUser(t, "bob")
	secret := env.createOwned(t, owner, "db-pass", []byte("v1"))

	components, err := env.ledger.OpenComponents(ctx, ownerKey, secret.ID, true, true)
	require.NoError(t, err)
	defer components.Zero()
	_, err = env.ledger.Grant(ctx, secret.ID, other.ID, components.Decrypt(), components.Modify(), other.Recipient)
	require.NoError(t, err)

	// Keep a copy of bob's wrapped decrypt as it stood pre-revocation.
	staleGrant, err := env.store.GetGrant(ctx, secret.ID, other.ID)
	require.NoError(t, err)

	require.NoError(t, env.ledger.Revoke(ctx, secret.ID, other.ID))
	_, err = env.ledger.UnwrapForRead(ctx, otherKey, secret.ID)
	assert.ErrorIs(t, err, ErrAccessDenied)

	rotated, err := env.ledger.Rotate(ctx, ownerKey, secret.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, rotated.KeyVersion)

	// The owner's re-wrapped grant still opens the payload.
	got, err := env.ledger.UnwrapForRead(ctx, ownerKey, secret.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), got)

	// Bob's stale wraps open a retired keypair: the component still
	// unwraps, but it no longer decrypts the rotated ciphertext.
	staleComponent, err := crypto.Decrypt(staleGrant.WrappedDecrypt, otherKey.Identity())
	require.NoError(t, err)
	_, err = crypto.Decrypt(rotated.Ciphertext, string(staleComponent))
	assert.Error(t, err)
}

func TestRotateRequiresBothComponents(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	owner, ownerKey := env.newUser(t, "alice")
	reader, readerKey := env.newUser(t, "bob")
	secret := env.createOwned(t, owner, "s", []byte("x"))

	components, err := env.ledger.OpenComponents(ctx, ownerKey, secret.ID, true, false)
	require.NoError(t, err)
	defer components.Zero()
	_, err = env.ledger.Grant(ctx, secret.ID, reader.ID, components.Decrypt(), "", reader.Recipient)
	require.NoError(t, err)

	_, err = env.ledger.Rotate(ctx, readerKey, secret.ID)
	assert.ErrorIs(t, err, ErrAccessDenied)
}

func TestRotatePreservesGrantShape(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	owner, ownerKey := env.newUser(t, "alice")
	reader, readerKey := env.newUser(t, "bob")
	secret := env.createOwned(t, owner, "s", []byte("x"))

	components, err := env.ledger.OpenComponents(ctx, ownerKey, secret.ID, true, false)
	require.NoError(t, err)
	defer components.Zero()
	_, err = env.ledger.Grant(ctx, secret.ID, reader.ID, components.Decrypt(), "", reader.Recipient)
	require.NoError(t, err)

	_, err = env.ledger.Rotate(ctx, ownerKey, secret.ID)
	require.NoError(t, err)

	// Bob keeps exactly read-only after the re-wrap.
	capability, err := env.ledger.ResolveCapability(ctx, reader.ID, secret.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CapabilityReadOnly, capability)
	got, err := env.ledger.UnwrapForRead(ctx, readerKey, secret.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), got)
	err = env.ledger.WriteCiphertext(ctx, readerKey, secret.ID, []byte("nope"))
	assert.ErrorIs(t, err, ErrAccessDenied)
}

func TestCorruptGrantSurfaced(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	owner, ownerKey := env.newUser(t, "alice")
	secret := env.createOwned(t, owner, "s", []byte("x"))

	g, err := env.store.GetGrant(ctx, secret.ID, owner.ID)
	require.NoError(t, err)
	g.WrappedDecrypt[len(g.WrappedDecrypt)-1] ^= 0xff
	require.NoError(t, env.store.UpsertGrant(ctx, g))

	_, err = env.ledger.UnwrapForRead(ctx, ownerKey, secret.ID)
	assert.ErrorIs(t, err, ErrCorruptGrant)
}

func TestDisabledSecretDenied(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	owner, ownerKey := env.newUser(t, "alice")
	secret := env.createOwned(t, owner, "s", []byte("x"))

	_, err := env.ledger.UpdateMetadata(ctx, secret.ID, "", "", false, nil)
	require.NoError(t, err)

	_, err = env.ledger.UnwrapForRead(ctx, ownerKey, secret.ID)
	assert.ErrorIs(t, err, ErrAccessDenied)
	err = env.ledger.WriteCiphertext(ctx, ownerKey, secret.ID, []byte("y"))
	assert.ErrorIs(t, err, ErrAccessDenied)
}

func TestExpiredSecretDenied(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	owner, ownerKey := env.newUser(t, "alice")

	past := time.Now().Add(-time.Hour)
	secret, components, err := env.ledger.CreateSecret(ctx, "stale", "", []byte("x"), false, &past)
	require.NoError(t, err)
	defer components.Zero()
	_, err = env.ledger.Grant(ctx, secret.ID, owner.ID, components.Decrypt(), components.Modify(), owner.Recipient)
	require.NoError(t, err)

	_, err = env.ledger.UnwrapForRead(ctx, ownerKey, secret.ID)
	assert.ErrorIs(t, err, ErrAccessDenied)
}

func TestListAccessible(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	owner, ownerKey := env.newUser(t, "alice")
	member, _ := env.newUser(t, "bob")
	group := env.newGroup(t, "team", member)

	s1 := env.createOwned(t, owner, "one", []byte("1"))
	s2 := env.createOwned(t, owner, "two", []byte("2"))
	env.createOwned(t, owner, "three", []byte("3"))

	c1, err := env.ledger.OpenComponents(ctx, ownerKey, s1.ID, true, false)
	require.NoError(t, err)
	defer c1.Zero()
	_, err = env.ledger.Grant(ctx, s1.ID, member.ID, c1.Decrypt(), "", member.Recipient)
	require.NoError(t, err)

	c2, err := env.ledger.OpenComponents(ctx, ownerKey, s2.ID, true, false)
	require.NoError(t, err)
	defer c2.Zero()
	_, err = env.ledger.Grant(ctx, s2.ID, group.ID, c2.Decrypt(), "", group.Recipient)
	require.NoError(t, err)

	visible, err := env.ledger.ListAccessible(ctx, member.ID)
	require.NoError(t, err)
	names := make([]string, 0, len(visible))
	for _, s := range visible {
		names = append(names, s.Name)
	}
	assert.ElementsMatch(t, []string{"one", "two"}, names)
}
