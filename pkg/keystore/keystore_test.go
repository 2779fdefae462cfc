package keystore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hutchcloud/hutch/pkg/types"
)

func newTestKeystore(t *testing.T) *Keystore {
	t.Helper()
	ks, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { ks.Close() })
	return ks
}

func keyRecord(fp string) *types.KeyRecord {
	return &types.KeyRecord{
		Fingerprint: fp,
		PublicKey:   []byte("ssh-ed25519 AAAA" + fp + " dev@example"),
		Owner:       "dev",
	}
}

// TestAppendAssignsDenseSequences tests per-scope sequence assignment
func TestAppendAssignsDenseSequences(t *testing.T) {
	ks := newTestKeystore(t)

	ev1, applied, err := ks.AppendAdd("/env/", "admins", keyRecord("SHA256:aaa"))
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, uint64(1), ev1.Sequence)

	ev2, applied, err := ks.AppendAdd("/env/", "admins", keyRecord("SHA256:bbb"))
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, uint64(2), ev2.Sequence)

	ev3, applied, err := ks.AppendRemove("/env/", "admins", "SHA256:aaa")
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, uint64(3), ev3.Sequence)
	assert.Equal(t, types.OpRemove, ev3.Op)

	// Scopes are independent
	other, applied, err := ks.AppendAdd("/other/", "admins", keyRecord("SHA256:aaa"))
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, uint64(1), other.Sequence)
}

// TestDuplicateAddIsNoOp tests that re-registering consumes no sequence
func TestDuplicateAddIsNoOp(t *testing.T) {
	ks := newTestKeystore(t)

	_, applied, err := ks.AppendAdd("/env/", "admins", keyRecord("SHA256:aaa"))
	require.NoError(t, err)
	assert.True(t, applied)

	ev, applied, err := ks.AppendAdd("/env/", "admins", keyRecord("SHA256:aaa"))
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Nil(t, ev)

	wm, err := ks.Watermark("/env/", "admins")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), wm)
}

// TestRemoveAbsentIsNoOp tests deregistering an unknown fingerprint
func TestRemoveAbsentIsNoOp(t *testing.T) {
	ks := newTestKeystore(t)

	ev, applied, err := ks.AppendRemove("/env/", "admins", "SHA256:ghost")
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Nil(t, ev)

	wm, err := ks.Watermark("/env/", "admins")
	require.NoError(t, err)
	assert.Zero(t, wm)
}

// TestSnapshotMaterializesMembership tests snapshot contents and watermark
func TestSnapshotMaterializesMembership(t *testing.T) {
	ks := newTestKeystore(t)

	_, _, err := ks.AppendAdd("/env/", "admins", keyRecord("SHA256:aaa"))
	require.NoError(t, err)
	_, _, err = ks.AppendAdd("/env/", "admins", keyRecord("SHA256:bbb"))
	require.NoError(t, err)
	_, _, err = ks.AppendRemove("/env/", "admins", "SHA256:aaa")
	require.NoError(t, err)

	records, wm, err := ks.Snapshot("/env/", "admins")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), wm)
	require.Len(t, records, 1)
	assert.Equal(t, "SHA256:bbb", records[0].Fingerprint)

	// Empty scope: empty set, zero watermark
	records, wm, err = ks.Snapshot("/empty/", "admins")
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.Zero(t, wm)
}

// TestListSinceReturnsOrderedTail tests event replay reads
func TestListSinceReturnsOrderedTail(t *testing.T) {
	ks := newTestKeystore(t)

	for _, fp := range []string{"SHA256:a", "SHA256:b", "SHA256:c", "SHA256:d"} {
		_, _, err := ks.AppendAdd("/env/", "admins", keyRecord(fp))
		require.NoError(t, err)
	}

	events, err := ks.ListSince("/env/", "admins", 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, uint64(3), events[0].Sequence)
	assert.Equal(t, uint64(4), events[1].Sequence)

	events, err = ks.ListSince("/env/", "admins", 4)
	require.NoError(t, err)
	assert.Empty(t, events)

	events, err = ks.ListSince("/env/", "admins", 0)
	require.NoError(t, err)
	assert.Len(t, events, 4)
}

// TestEventsSurviveReopen tests durability across close/open
func TestEventsSurviveReopen(t *testing.T) {
	dir := t.TempDir()

	ks, err := Open(dir)
	require.NoError(t, err)
	_, _, err = ks.AppendAdd("/env/", "admins", keyRecord("SHA256:aaa"))
	require.NoError(t, err)
	require.NoError(t, ks.Close())

	ks, err = Open(dir)
	require.NoError(t, err)
	defer ks.Close()

	records, wm, err := ks.Snapshot("/env/", "admins")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), wm)
	assert.Len(t, records, 1)

	// Sequence numbering continues where it left off
	ev, _, err := ks.AppendAdd("/env/", "admins", keyRecord("SHA256:bbb"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), ev.Sequence)
}

// TestGetKey tests single member lookup
func TestGetKey(t *testing.T) {
	ks := newTestKeystore(t)

	rec := keyRecord("SHA256:aaa")
	rec.Groups = []string{"admins"}
	_, _, err := ks.AppendAdd("/env/", "admins", rec)
	require.NoError(t, err)

	got, err := ks.GetKey("/env/", "admins", "SHA256:aaa")
	require.NoError(t, err)
	assert.Equal(t, rec.PublicKey, got.PublicKey)

	_, err = ks.GetKey("/env/", "admins", "SHA256:zzz")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}
