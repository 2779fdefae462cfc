package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hutchcloud/hutch/pkg/types"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testIdentity(ordinal int) types.Identity {
	return types.Identity{Namespace: "/env/", Role: "box", Ordinal: ordinal}
}

// TestRegisterInstanceClaimsIdentity tests the compare-and-register gate
func TestRegisterInstanceClaimsIdentity(t *testing.T) {
	store := newTestStore(t)

	inst := &types.Instance{Identity: testIdentity(0), State: types.StatePending}
	require.NoError(t, store.RegisterInstance(inst))

	// A second live registration for the same identity must lose
	err := store.RegisterInstance(&types.Instance{Identity: testIdentity(0), State: types.StatePending})
	assert.ErrorIs(t, err, ErrIdentityTaken)

	// A different ordinal is a different identity
	assert.NoError(t, store.RegisterInstance(&types.Instance{Identity: testIdentity(1), State: types.StatePending}))
}

// TestRegisterInstanceReusesTerminatedIdentity tests identity reuse after termination
func TestRegisterInstanceReusesTerminatedIdentity(t *testing.T) {
	store := newTestStore(t)

	old := &types.Instance{Identity: testIdentity(0), State: types.StateTerminated}
	require.NoError(t, store.RegisterInstance(old))

	// Terminated records do not block a fresh claim
	fresh := &types.Instance{Identity: testIdentity(0), State: types.StatePending, ProviderID: "i-new"}
	require.NoError(t, store.RegisterInstance(fresh))

	got, err := store.GetInstance(testIdentity(0))
	require.NoError(t, err)
	assert.Equal(t, "i-new", got.ProviderID)
}

// TestGetInstanceNotFound tests the lookup miss sentinel
func TestGetInstanceNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetInstance(testIdentity(9))
	assert.ErrorIs(t, err, ErrNotFound)
}

// TestListInstancesByNamespaceAndRole tests registry filtering
func TestListInstancesByNamespaceAndRole(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.RegisterInstance(&types.Instance{Identity: testIdentity(0), State: types.StateReady}))
	require.NoError(t, store.RegisterInstance(&types.Instance{Identity: testIdentity(1), State: types.StateReady}))
	require.NoError(t, store.RegisterInstance(&types.Instance{
		Identity: types.Identity{Namespace: "/env/", Role: "db", Ordinal: 0},
		State:    types.StateReady,
	}))
	require.NoError(t, store.RegisterInstance(&types.Instance{
		Identity: types.Identity{Namespace: "/other/", Role: "box", Ordinal: 0},
		State:    types.StateReady,
	}))

	all, err := store.ListInstances("")
	require.NoError(t, err)
	assert.Len(t, all, 4)

	env, err := store.ListInstances("/env/")
	require.NoError(t, err)
	assert.Len(t, env, 3)

	boxes, err := store.ListInstancesByRole("/env/", "box")
	require.NoError(t, err)
	assert.Len(t, boxes, 2)
}

// TestUpdateInstancePersistsState tests state transitions round-tripping
func TestUpdateInstancePersistsState(t *testing.T) {
	store := newTestStore(t)

	inst := &types.Instance{Identity: testIdentity(0), State: types.StatePending}
	require.NoError(t, store.RegisterInstance(inst))

	inst.State = types.StateReady
	inst.Address = "10.0.0.5"
	require.NoError(t, store.UpdateInstance(inst))

	got, err := store.GetInstance(testIdentity(0))
	require.NoError(t, err)
	assert.Equal(t, types.StateReady, got.State)
	assert.Equal(t, "10.0.0.5", got.Address)
}

// TestPruneTerminated tests retention cleanup
func TestPruneTerminated(t *testing.T) {
	store := newTestStore(t)

	old := &types.Instance{
		Identity:  testIdentity(0),
		State:     types.StateTerminated,
		UpdatedAt: time.Now().Add(-48 * time.Hour),
	}
	recent := &types.Instance{
		Identity:  testIdentity(1),
		State:     types.StateTerminated,
		UpdatedAt: time.Now(),
	}
	live := &types.Instance{
		Identity:  testIdentity(2),
		State:     types.StateReady,
		UpdatedAt: time.Now().Add(-48 * time.Hour),
	}
	for _, inst := range []*types.Instance{old, recent, live} {
		require.NoError(t, store.RegisterInstance(inst))
	}

	pruned, err := store.PruneTerminated(time.Now().Add(-24 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)

	_, err = store.GetInstance(testIdentity(0))
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.GetInstance(testIdentity(1))
	assert.NoError(t, err)
	_, err = store.GetInstance(testIdentity(2))
	assert.NoError(t, err)
}

// TestImageCRUD tests image bookkeeping
func TestImageCRUD(t *testing.T) {
	store := newTestStore(t)

	img := &types.Image{
		ID:     "img-123",
		Name:   "box_1700000000",
		Source: testIdentity(0),
		State:  types.ImageStatePending,
	}
	require.NoError(t, store.CreateImage(img))

	img.State = types.ImageStateAvailable
	require.NoError(t, store.UpdateImage(img))

	got, err := store.GetImage("img-123")
	require.NoError(t, err)
	assert.Equal(t, types.ImageStateAvailable, got.State)

	byRole, err := store.ListImages("box")
	require.NoError(t, err)
	assert.Len(t, byRole, 1)

	none, err := store.ListImages("db")
	require.NoError(t, err)
	assert.Empty(t, none)

	require.NoError(t, store.DeleteImage("img-123"))
	_, err = store.GetImage("img-123")
	assert.ErrorIs(t, err, ErrNotFound)
}

// TestSubscriptionScopeFilter tests (namespace, group) scoped listing
func TestSubscriptionScopeFilter(t *testing.T) {
	store := newTestStore(t)

	subs := []*types.Subscription{
		{Queue: "q-a", Identity: testIdentity(0), Namespace: "/env/", Groups: []string{"admins"}},
		{Queue: "q-b", Identity: testIdentity(1), Namespace: "/env/", Groups: []string{"admins", "ops"}},
		{Queue: "q-c", Identity: testIdentity(2), Namespace: "/env/", Groups: []string{"ops"}},
		{Queue: "q-d", Identity: types.Identity{Namespace: "/other/", Role: "box"}, Namespace: "/other/", Groups: []string{"admins"}},
	}
	for _, sub := range subs {
		require.NoError(t, store.CreateSubscription(sub))
	}

	scoped, err := store.ListSubscriptions("/env/", "admins")
	require.NoError(t, err)
	assert.Len(t, scoped, 2)

	// q-b carries both groups, so it shows up in either scope.
	ops, err := store.ListSubscriptions("/env/", "ops")
	require.NoError(t, err)
	assert.Len(t, ops, 2)

	require.NoError(t, store.DeleteSubscription("q-a"))
	scoped, err = store.ListSubscriptions("/env/", "admins")
	require.NoError(t, err)
	assert.Len(t, scoped, 1)
	assert.Equal(t, "q-b", scoped[0].Queue)
}
