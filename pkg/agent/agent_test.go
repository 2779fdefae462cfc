package agent

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hutchcloud/hutch/pkg/keyfile"
	"github.com/hutchcloud/hutch/pkg/metrics"
	"github.com/hutchcloud/hutch/pkg/queue"
	"github.com/hutchcloud/hutch/pkg/types"
)

type snapshotData struct {
	records   []*types.KeyRecord
	watermark uint64
}

// fakeSnapshots serves scripted snapshots per scope. Scopes without data
// return an empty membership at watermark zero.
type fakeSnapshots struct {
	mu      sync.Mutex
	byScope map[string]snapshotData
	calls   int
}

func newFakeSnapshots() *fakeSnapshots {
	return &fakeSnapshots{byScope: make(map[string]snapshotData)}
}

func (f *fakeSnapshots) set(ns, group string, watermark uint64, records ...*types.KeyRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byScope[ns+group] = snapshotData{records: records, watermark: watermark}
}

func (f *fakeSnapshots) Snapshot(_ context.Context, ns, group string) ([]*types.KeyRecord, uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	data := f.byScope[ns+group]
	records := make([]*types.KeyRecord, len(data.records))
	copy(records, data.records)
	return records, data.watermark, nil
}

func (f *fakeSnapshots) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// brokerSource adapts an in-process queue broker to the agent's message
// source, the shape the HTTP client presents in production.
type brokerSource struct {
	broker *queue.Broker
	queue  string

	mu   sync.Mutex
	subs int
}

func (s *brokerSource) Subscribe(context.Context) error {
	s.mu.Lock()
	s.subs++
	s.mu.Unlock()
	s.broker.Ensure(s.queue)
	return nil
}

func (s *brokerSource) Receive(ctx context.Context, max int, wait time.Duration) ([]queue.Delivery, error) {
	return s.broker.Receive(ctx, s.queue, max, wait)
}

func (s *brokerSource) Ack(_ context.Context, receipt string) error {
	return s.broker.Ack(s.queue, receipt)
}

func (s *brokerSource) subscribes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subs
}

type agentRig struct {
	agent  *Agent
	snaps  *fakeSnapshots
	broker *queue.Broker
	src    *brokerSource
	file   string
}

func newAgentRig(t *testing.T, groups ...string) *agentRig {
	t.Helper()
	file := filepath.Join(t.TempDir(), "authorized_keys")
	snaps := newFakeSnapshots()
	broker := queue.NewBroker(25 * time.Millisecond)
	src := &brokerSource{broker: broker, queue: "hutch-agent-_env_box-0"}

	a, err := New(Config{
		Namespace:       "/env/",
		Groups:          groups,
		KeyFile:         file,
		WaitTime:        10 * time.Millisecond,
		RefreshInterval: time.Hour,
		RetryInitial:    time.Millisecond,
		RetryCap:        5 * time.Millisecond,
	}, snaps, src)
	require.NoError(t, err)

	return &agentRig{agent: a, snaps: snaps, broker: broker, src: src, file: file}
}

func (r *agentRig) send(t *testing.T, env *types.Envelope) {
	t.Helper()
	body, err := json.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, r.broker.Send(r.src.queue, body))
}

func (r *agentRig) depth(t *testing.T) int {
	t.Helper()
	d, err := r.broker.Depth(r.src.queue)
	require.NoError(t, err)
	return d
}

func (r *agentRig) content(t *testing.T) string {
	t.Helper()
	b, err := os.ReadFile(r.file)
	require.NoError(t, err)
	return string(b)
}

func keyRec(fp, line string) *types.KeyRecord {
	return &types.KeyRecord{Fingerprint: fp, PublicKey: []byte(line)}
}

// TestNewValidatesConfig rejects a relative namespace, a missing file
// path, and missing sources.
func TestNewValidatesConfig(t *testing.T) {
	snaps := newFakeSnapshots()
	src := &brokerSource{broker: queue.NewBroker(0), queue: "q"}

	_, err := New(Config{Namespace: "env", KeyFile: "/tmp/k"}, snaps, src)
	assert.Error(t, err)

	_, err = New(Config{Namespace: "/env/"}, snaps, src)
	assert.Error(t, err)

	_, err = New(Config{Namespace: "/env/", KeyFile: "/tmp/k"}, nil, src)
	assert.Error(t, err)
}

// TestBootstrapMaterializesSnapshot brings the agent up against a
// populated scope and checks the key file holds the snapshot below the
// managed marker.
func TestBootstrapMaterializesSnapshot(t *testing.T) {
	rig := newAgentRig(t)
	rig.snaps.set("/env/", "default", 2,
		keyRec("SHA256:alice", "ssh-ed25519 AAA alice"),
		keyRec("SHA256:bob", "ssh-ed25519 BBB bob"))

	ctx := context.Background()
	rig.agent.loadHeader()
	require.NoError(t, rig.agent.bootstrap(ctx))

	content := rig.content(t)
	assert.True(t, strings.HasPrefix(content, keyfile.Marker), "no header expected on a fresh file")
	assert.Contains(t, content, "ssh-ed25519 AAA alice")
	assert.Contains(t, content, "ssh-ed25519 BBB bob")
	assert.Equal(t, 1, rig.src.subscribes())
}

// TestDuplicateEventsDoNotRewrite replays events already covered by the
// snapshot watermark and checks the file is not touched, then confirms
// the next fresh event is.
func TestDuplicateEventsDoNotRewrite(t *testing.T) {
	rig := newAgentRig(t)
	rig.snaps.set("/env/", "default", 2, keyRec("SHA256:alice", "ssh-ed25519 AAA alice"))

	ctx := context.Background()
	rig.agent.loadHeader()
	require.NoError(t, rig.agent.bootstrap(ctx))
	require.NoError(t, os.Remove(rig.file))

	rig.send(t, envAdd(1, "SHA256:alice", []byte("ssh-ed25519 AAA alice")))
	rig.send(t, envAdd(2, "SHA256:ghost", []byte("ssh-ed25519 GGG ghost")))
	require.NoError(t, rig.agent.poll(ctx))

	assert.NoFileExists(t, rig.file, "duplicates must not trigger a write")
	assert.Equal(t, 0, rig.depth(t), "duplicates are still acked")

	rig.send(t, envAdd(3, "SHA256:bob", []byte("ssh-ed25519 BBB bob")))
	require.NoError(t, rig.agent.poll(ctx))

	content := rig.content(t)
	assert.Contains(t, content, "ssh-ed25519 AAA alice")
	assert.Contains(t, content, "ssh-ed25519 BBB bob")
	assert.NotContains(t, content, "ghost")
}

// TestGapRebuildsFromSnapshot delivers an event ahead of the watermark
// and checks the scope is rebuilt from a fresh snapshot, with the gapped
// event consumed.
func TestGapRebuildsFromSnapshot(t *testing.T) {
	rig := newAgentRig(t)

	ctx := context.Background()
	rig.agent.loadHeader()
	require.NoError(t, rig.agent.bootstrap(ctx))
	baseline := rig.snaps.count()

	rig.snaps.set("/env/", "default", 5,
		keyRec("SHA256:alice", "ssh-ed25519 AAA alice"),
		keyRec("SHA256:bob", "ssh-ed25519 BBB bob"))
	rig.send(t, envAdd(3, "SHA256:bob", []byte("ssh-ed25519 BBB bob")))
	require.NoError(t, rig.agent.poll(ctx))

	content := rig.content(t)
	assert.Contains(t, content, "ssh-ed25519 AAA alice")
	assert.Contains(t, content, "ssh-ed25519 BBB bob")
	assert.Equal(t, baseline+1, rig.snaps.count())
	assert.Equal(t, 0, rig.depth(t))
}

// TestBatchCollapsesIntoOneWrite applies a three-event batch and checks
// the net membership lands in a single file write.
func TestBatchCollapsesIntoOneWrite(t *testing.T) {
	rig := newAgentRig(t)

	ctx := context.Background()
	rig.agent.loadHeader()
	require.NoError(t, rig.agent.bootstrap(ctx))

	rig.send(t, envAdd(1, "SHA256:alice", []byte("ssh-ed25519 AAA alice")))
	rig.send(t, envAdd(2, "SHA256:bob", []byte("ssh-ed25519 BBB bob")))
	rig.send(t, envRemove(3, "SHA256:alice"))

	before := testutil.ToFloat64(metrics.AgentFileWrites)
	require.NoError(t, rig.agent.poll(ctx))
	after := testutil.ToFloat64(metrics.AgentFileWrites)

	assert.Equal(t, 1.0, after-before, "batch folds into one write")
	content := rig.content(t)
	assert.Contains(t, content, "ssh-ed25519 BBB bob")
	assert.NotContains(t, content, "alice")
}

// TestOperatorHeaderPreserved rewrites a file that already carries
// operator content above the marker and checks only the managed block
// changes.
func TestOperatorHeaderPreserved(t *testing.T) {
	rig := newAgentRig(t)
	seeded := "# bastion access, managed by hand\nssh-rsa OPERATOR root@bastion\n" +
		keyfile.Marker + "\nssh-ed25519 STALE old-agent\n"
	require.NoError(t, os.WriteFile(rig.file, []byte(seeded), 0o600))
	rig.snaps.set("/env/", "default", 1, keyRec("SHA256:alice", "ssh-ed25519 AAA alice"))

	ctx := context.Background()
	rig.agent.loadHeader()
	require.NoError(t, rig.agent.bootstrap(ctx))

	content := rig.content(t)
	assert.Contains(t, content, "ssh-rsa OPERATOR root@bastion")
	assert.Contains(t, content, "ssh-ed25519 AAA alice")
	assert.NotContains(t, content, "STALE", "old managed block is replaced")
	assert.Less(t,
		strings.Index(content, "OPERATOR"),
		strings.Index(content, keyfile.Marker),
		"operator content stays above the marker")
}

// TestWriteFailureHoldsAcks breaks the file target, delivers an event,
// and checks nothing is acked until a write lands.
func TestWriteFailureHoldsAcks(t *testing.T) {
	rig := newAgentRig(t)

	ctx := context.Background()
	rig.agent.loadHeader()
	require.NoError(t, rig.agent.bootstrap(ctx))

	// Point the agent at a directory that does not exist.
	dir := filepath.Dir(rig.file)
	rig.agent.cfg.KeyFile = filepath.Join(dir, "nested", "authorized_keys")

	rig.send(t, envAdd(1, "SHA256:alice", []byte("ssh-ed25519 AAA alice")))
	require.Error(t, rig.agent.poll(ctx))
	assert.Equal(t, 1, rig.depth(t), "unwritten batch must not be acked")

	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested"), 0o700))
	require.Eventually(t, func() bool {
		if err := rig.agent.poll(ctx); err != nil {
			return false
		}
		return rig.depth(t) == 0
	}, 2*time.Second, 10*time.Millisecond, "redelivery acked once the write lands")

	b, err := os.ReadFile(rig.agent.cfg.KeyFile)
	require.NoError(t, err)
	assert.Contains(t, string(b), "ssh-ed25519 AAA alice")
}

// TestRunRecoversDroppedQueue drops the agent's queue out from under it
// and checks the run loop resubscribes and resyncs.
func TestRunRecoversDroppedQueue(t *testing.T) {
	rig := newAgentRig(t)
	rig.snaps.set("/env/", "default", 1, keyRec("SHA256:alice", "ssh-ed25519 AAA alice"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rig.agent.Run(ctx) }()

	require.Eventually(t, func() bool {
		b, err := os.ReadFile(rig.file)
		return err == nil && strings.Contains(string(b), "alice")
	}, 2*time.Second, 10*time.Millisecond)

	rig.snaps.set("/env/", "default", 2,
		keyRec("SHA256:alice", "ssh-ed25519 AAA alice"),
		keyRec("SHA256:bob", "ssh-ed25519 BBB bob"))
	rig.broker.Drop(rig.src.queue)

	require.Eventually(t, func() bool {
		b, err := os.ReadFile(rig.file)
		return err == nil && strings.Contains(string(b), "bob")
	}, 2*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, rig.src.subscribes(), 2)

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("agent did not stop on cancel")
	}
}

// TestRunPeriodicRefresh checks the refresh ticker converges the file on
// snapshot changes even when no events arrive.
func TestRunPeriodicRefresh(t *testing.T) {
	rig := newAgentRig(t)
	rig.agent.cfg.RefreshInterval = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rig.agent.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, err := os.Stat(rig.file)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	rig.snaps.set("/env/", "default", 1, keyRec("SHA256:carol", "ssh-ed25519 CCC carol"))

	require.Eventually(t, func() bool {
		b, err := os.ReadFile(rig.file)
		return err == nil && strings.Contains(string(b), "carol")
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("agent did not stop on cancel")
	}
}

// TestMultiGroupUnionDeduplicates subscribes two groups sharing a key
// and checks the file carries each line once.
func TestMultiGroupUnionDeduplicates(t *testing.T) {
	rig := newAgentRig(t, "default", "ops")
	shared := keyRec("SHA256:alice", "ssh-ed25519 AAA alice")
	rig.snaps.set("/env/", "default", 1, shared)
	rig.snaps.set("/env/", "ops", 3, shared, keyRec("SHA256:dana", "ssh-ed25519 DDD dana"))

	ctx := context.Background()
	rig.agent.loadHeader()
	require.NoError(t, rig.agent.bootstrap(ctx))

	content := rig.content(t)
	assert.Equal(t, 1, strings.Count(content, "ssh-ed25519 AAA alice"))
	assert.Contains(t, content, "ssh-ed25519 DDD dana")
}
