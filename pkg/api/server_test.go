package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/hutchcloud/hutch/pkg/controller"
	"github.com/hutchcloud/hutch/pkg/events"
	"github.com/hutchcloud/hutch/pkg/fleet"
	"github.com/hutchcloud/hutch/pkg/imaging"
	"github.com/hutchcloud/hutch/pkg/keystore"
	"github.com/hutchcloud/hutch/pkg/provider"
	"github.com/hutchcloud/hutch/pkg/publisher"
	"github.com/hutchcloud/hutch/pkg/queue"
	"github.com/hutchcloud/hutch/pkg/role"
	"github.com/hutchcloud/hutch/pkg/sshexec"
	"github.com/hutchcloud/hutch/pkg/storage"
	"github.com/hutchcloud/hutch/pkg/types"
)

// stubSSH is a minimal in-process SSH server that accepts the given
// client key and answers every exec with exit 0. Provisioning through
// the API needs a reachable box; the commands themselves are irrelevant
// at this layer.
func stubSSH(t *testing.T, clientKey ssh.PublicKey) string {
	t.Helper()

	_, hostPEM, err := sshexec.GenerateKeyPair()
	require.NoError(t, err)
	hostSigner, err := ssh.ParsePrivateKey(hostPEM)
	require.NoError(t, err)

	config := &ssh.ServerConfig{
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if ssh.FingerprintSHA256(key) == ssh.FingerprintSHA256(clientKey) {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("unknown public key")
		},
	}
	config.AddHostKey(hostSigner)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })

	go func() {
		for {
			netConn, err := listener.Accept()
			if err != nil {
				return
			}
			go serveStubConn(netConn, config)
		}
	}()
	return listener.Addr().String()
}

func serveStubConn(netConn net.Conn, config *ssh.ServerConfig) {
	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, config)
	if err != nil {
		netConn.Close()
		return
	}
	defer sshConn.Close()
	go ssh.DiscardRequests(reqs)

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		ch, requests, err := newChan.Accept()
		if err != nil {
			continue
		}
		go func(ch ssh.Channel, requests <-chan *ssh.Request) {
			defer ch.Close()
			for req := range requests {
				if req.WantReply {
					req.Reply(req.Type == "exec", nil)
				}
				if req.Type == "exec" {
					ch.SendRequest("exit-status", false, make([]byte, 4))
					return
				}
			}
		}(ch, requests)
	}
}

type apiRig struct {
	srv    *Server
	ts     *httptest.Server
	fake   *provider.Fake
	store  *storage.BoltStore
	events *events.Broker
	token  string
	ssh    string
}

// newAPIRig assembles the whole control plane behind an httptest
// listener: real stores, broker, controller against the fake provider,
// and the stub SSH endpoint for bootstrap.
func newAPIRig(t *testing.T) *apiRig {
	t.Helper()

	pubKey, privPEM, err := sshexec.GenerateKeyPair()
	require.NoError(t, err)
	signer, err := sshexec.ParsePrivateKey(privPEM)
	require.NoError(t, err)
	sshAddr := stubSSH(t, signer.PublicKey())

	fake := provider.NewFake(provider.WithAddressSource(func() string { return sshAddr }))

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	keys, err := keystore.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { keys.Close() })

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	queues := queue.NewBroker(200 * time.Millisecond)
	pub, err := publisher.New(keys, queues, store, broker, publisher.Config{
		RetryInitial: time.Millisecond,
		RetryCap:     5 * time.Millisecond,
	})
	require.NoError(t, err)

	roles := role.NewLibrary()
	require.NoError(t, roles.Register(&role.Definition{
		Name:         "box",
		ImageID:      "img-base",
		InstanceType: "small",
		AdminUser:    "admin",
	}))

	ctrl, err := controller.New(controller.Deps{
		Store:     store,
		Provider:  fake,
		Roles:     roles,
		Keys:      pub,
		Events:    broker,
		Signer:    signer,
		PublicKey: pubKey,
	}, controller.Config{
		PollInitial: 2 * time.Millisecond,
		PollCap:     10 * time.Millisecond,
	})
	require.NoError(t, err)

	builder, err := imaging.New(store, fake, ctrl, broker, imaging.Config{
		PollInitial: 2 * time.Millisecond,
		PollCap:     10 * time.Millisecond,
	})
	require.NoError(t, err)

	const token = "test-token"
	srv, err := NewServer(Deps{
		Controller: ctrl,
		Fleet:      fleet.New(ctrl),
		Imaging:    builder,
		Publisher:  pub,
		Store:      store,
		Events:     broker,
	}, Config{Token: token, ReceiveMaxWait: time.Second})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &apiRig{srv: srv, ts: ts, fake: fake, store: store, events: broker, token: token, ssh: sshAddr}
}

// call issues an authenticated request. On 2xx the body decodes into
// out when non-nil; otherwise the decoded error body is returned.
func (rig *apiRig) call(t *testing.T, method, path string, body, out any) (int, errorBody) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, rig.ts.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+rig.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	if resp.StatusCode >= http.StatusMultipleChoices {
		var eb errorBody
		_ = json.Unmarshal(raw, &eb)
		return resp.StatusCode, eb
	}
	if out != nil && len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, out), "body: %s", raw)
	}
	return resp.StatusCode, errorBody{}
}

func testKeyLine(t *testing.T) string {
	t.Helper()
	pub, _, err := sshexec.GenerateKeyPair()
	require.NoError(t, err)
	return string(bytes.TrimSpace(pub))
}

// TestAuthRequired verifies the bearer gate: /v1 routes reject missing
// and wrong tokens while probe endpoints stay open.
func TestAuthRequired(t *testing.T) {
	rig := newAPIRig(t)

	for _, header := range []string{"", "Bearer wrong", "Basic dXNlcg=="} {
		req, err := http.NewRequest(http.MethodGet, rig.ts.URL+"/v1/boxes?namespace=/env/", nil)
		require.NoError(t, err)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		var eb errorBody
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&eb))
		resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, codeUnauthorized, eb.Code)
	}

	resp, err := http.Get(rig.ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

// TestHealthEndpoints checks the liveness and readiness payloads against
// a fully wired control plane.
func TestHealthEndpoints(t *testing.T) {
	rig := newAPIRig(t)

	var health HealthResponse
	status, _ := rig.call(t, http.MethodGet, "/healthz", nil, &health)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "dev", health.Version)

	var ready ReadyResponse
	status, _ = rig.call(t, http.MethodGet, "/readyz", nil, &ready)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ready", ready.Status)
	assert.Equal(t, "ok", ready.Checks["storage"])
	assert.Equal(t, "ok", ready.Checks["keys"])
}

// TestKeyLifecycleOverAPI walks register, list, snapshot, deregister
// through the HTTP surface, including the escaped-fingerprint delete.
func TestKeyLifecycleOverAPI(t *testing.T) {
	rig := newAPIRig(t)
	keyLine := testKeyLine(t)

	var registered KeyView
	status, _ := rig.call(t, http.MethodPost, "/v1/keys", RegisterKeyRequest{
		Namespace: "/env/",
		PublicKey: keyLine,
		Owner:     "alice",
	}, &registered)
	require.Equal(t, http.StatusCreated, status)
	assert.True(t, strings.HasPrefix(registered.Fingerprint, "SHA256:"))
	assert.Equal(t, []string{"default"}, registered.Groups)
	assert.Equal(t, "alice", registered.Owner)

	var listed struct {
		Keys []KeyView `json:"keys"`
	}
	status, _ = rig.call(t, http.MethodGet, "/v1/keys?namespace=/env/", nil, &listed)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, listed.Keys, 1)
	assert.Equal(t, keyLine, listed.Keys[0].PublicKey)

	var snap SnapshotView
	status, _ = rig.call(t, http.MethodGet, "/v1/snapshot?namespace=/env/&group=default", nil, &snap)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, uint64(1), snap.Watermark)
	require.Len(t, snap.Keys, 1)

	// Fingerprints carry / and + so the path segment must round-trip
	// escaped.
	path := "/v1/keys/" + url.PathEscape(registered.Fingerprint) + "?namespace=/env/"
	status, _ = rig.call(t, http.MethodDelete, path, nil, nil)
	require.Equal(t, http.StatusNoContent, status)

	status, _ = rig.call(t, http.MethodGet, "/v1/snapshot?namespace=/env/&group=default", nil, &snap)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, uint64(2), snap.Watermark)
	assert.Empty(t, snap.Keys)
}

// TestRegisterKeyValidation rejects bad namespaces and unparseable keys
// before anything reaches the stores.
func TestRegisterKeyValidation(t *testing.T) {
	rig := newAPIRig(t)

	status, eb := rig.call(t, http.MethodPost, "/v1/keys", RegisterKeyRequest{
		Namespace: "env",
		PublicKey: testKeyLine(t),
	}, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, codeInvalidArgument, eb.Code)

	status, eb = rig.call(t, http.MethodPost, "/v1/keys", RegisterKeyRequest{
		Namespace: "/env/",
		PublicKey: "not an ssh key",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, codeInvalidArgument, eb.Code)
}

// TestSubscriptionAndQueueFlow drives the agent-facing routes: a
// subscription receives the change envelope for a registered key, acks
// it exactly once, and sees queue_gone after unsubscribing.
func TestSubscriptionAndQueueFlow(t *testing.T) {
	rig := newAPIRig(t)

	var sub SubscriptionView
	status, _ := rig.call(t, http.MethodPost, "/v1/subscriptions", SubscribeRequest{
		Namespace: "/env/",
		Role:      "box",
		Ordinal:   0,
	}, &sub)
	require.Equal(t, http.StatusCreated, status)
	require.NotEmpty(t, sub.Queue)
	assert.Equal(t, "_env_box-0", sub.Box)
	assert.Equal(t, []string{"default"}, sub.Groups)

	var registered KeyView
	status, _ = rig.call(t, http.MethodPost, "/v1/keys", RegisterKeyRequest{
		Namespace: "/env/",
		PublicKey: testKeyLine(t),
	}, &registered)
	require.Equal(t, http.StatusCreated, status)

	queuePath := "/v1/queues/" + url.PathEscape(sub.Queue)
	var received ReceiveView
	status, _ = rig.call(t, http.MethodPost, queuePath+"/receive", ReceiveRequest{Max: 10}, &received)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, received.Messages, 1)

	var env types.Envelope
	require.NoError(t, json.Unmarshal(received.Messages[0].Body, &env))
	assert.Equal(t, uint64(1), env.Sequence)
	assert.Equal(t, types.OpAdd, env.Op)
	assert.Equal(t, registered.Fingerprint, env.Fingerprint)

	receipt := received.Messages[0].ReceiptHandle
	status, _ = rig.call(t, http.MethodPost, queuePath+"/ack", AckRequest{ReceiptHandle: receipt}, nil)
	require.Equal(t, http.StatusNoContent, status)

	status, eb := rig.call(t, http.MethodPost, queuePath+"/ack", AckRequest{ReceiptHandle: receipt}, nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, codeUnknownReceipt, eb.Code)

	status, _ = rig.call(t, http.MethodDelete, "/v1/subscriptions/"+url.PathEscape(sub.Queue), nil, nil)
	require.Equal(t, http.StatusNoContent, status)

	status, eb = rig.call(t, http.MethodPost, queuePath+"/receive", ReceiveRequest{}, nil)
	assert.Equal(t, http.StatusGone, status)
	assert.Equal(t, codeQueueGone, eb.Code)

	// Unsubscribing an unknown queue stays a no-op.
	status, _ = rig.call(t, http.MethodDelete, "/v1/subscriptions/"+url.PathEscape(sub.Queue), nil, nil)
	assert.Equal(t, http.StatusNoContent, status)
}

// TestBoxLifecycleOverAPI provisions a box through POST /v1/boxes and
// walks it ready -> stopped -> ready -> terminated.
func TestBoxLifecycleOverAPI(t *testing.T) {
	rig := newAPIRig(t)

	var box BoxView
	status, _ := rig.call(t, http.MethodPost, "/v1/boxes", CreateBoxRequest{
		Namespace: "/env/",
		Role:      "box",
	}, &box)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "_env_box-0", box.ID)
	assert.Equal(t, string(types.StateReady), box.State)
	assert.Equal(t, rig.ssh, box.Address)
	assert.Equal(t, "admin", box.AdminUser)

	var fetched BoxView
	status, _ = rig.call(t, http.MethodGet, "/v1/boxes/"+box.ID, nil, &fetched)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, box.ID, fetched.ID)

	var listed struct {
		Boxes []BoxView `json:"boxes"`
	}
	status, _ = rig.call(t, http.MethodGet, "/v1/boxes?namespace=/env/&role=box", nil, &listed)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, listed.Boxes, 1)

	status, _ = rig.call(t, http.MethodPost, "/v1/boxes/"+box.ID+"/stop", nil, &fetched)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, string(types.StateStopped), fetched.State)

	status, _ = rig.call(t, http.MethodPost, "/v1/boxes/"+box.ID+"/start", nil, &fetched)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, string(types.StateReady), fetched.State)

	status, _ = rig.call(t, http.MethodPost, "/v1/boxes/"+box.ID+"/terminate", nil, &fetched)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, string(types.StateTerminated), fetched.State)
}

// TestBoxErrorMapping checks the wire codes for conflicts, invalid
// transitions, unknown boxes, and malformed ids.
func TestBoxErrorMapping(t *testing.T) {
	rig := newAPIRig(t)

	ordinal := 0
	var box BoxView
	status, _ := rig.call(t, http.MethodPost, "/v1/boxes", CreateBoxRequest{
		Namespace: "/env/",
		Role:      "box",
		Ordinal:   &ordinal,
	}, &box)
	require.Equal(t, http.StatusCreated, status)

	status, eb := rig.call(t, http.MethodPost, "/v1/boxes", CreateBoxRequest{
		Namespace: "/env/",
		Role:      "box",
		Ordinal:   &ordinal,
	}, nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, codeConflict, eb.Code)

	// Stopping a box twice trips the state machine, not the provider.
	status, _ = rig.call(t, http.MethodPost, "/v1/boxes/"+box.ID+"/stop", nil, nil)
	require.Equal(t, http.StatusOK, status)
	status, eb = rig.call(t, http.MethodPost, "/v1/boxes/"+box.ID+"/stop", nil, nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, codeInvalidState, eb.Code)

	status, eb = rig.call(t, http.MethodGet, "/v1/boxes/_env_box-7", nil, nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, codeNotFound, eb.Code)

	status, eb = rig.call(t, http.MethodGet, "/v1/boxes/garbage", nil, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, codeInvalidArgument, eb.Code)

	status, eb = rig.call(t, http.MethodPost, "/v1/boxes", CreateBoxRequest{
		Namespace: "/env/",
		Role:      "missing",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, codeInvalidArgument, eb.Code)
}

// TestGrowOverAPI provisions several boxes in one call and reports them
// all created with distinct ordinals.
func TestGrowOverAPI(t *testing.T) {
	rig := newAPIRig(t)

	var grown GrowView
	status, _ := rig.call(t, http.MethodPost, "/v1/boxes", CreateBoxRequest{
		Namespace: "/env/",
		Role:      "box",
		Count:     3,
	}, &grown)
	require.Equal(t, http.StatusCreated, status)
	require.Len(t, grown.Created, 3)
	assert.Empty(t, grown.Failed)

	seen := map[int]bool{}
	for _, b := range grown.Created {
		assert.Equal(t, string(types.StateReady), b.State)
		seen[b.Ordinal] = true
	}
	assert.Len(t, seen, 3)

	status, eb := rig.call(t, http.MethodPost, "/v1/boxes", CreateBoxRequest{
		Namespace: "/env/",
		Role:      "box",
		Count:     2,
		Ordinal:   new(int),
	}, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, codeInvalidArgument, eb.Code)
}

// TestImageFlowOverAPI captures an image from a stopped box, lists it,
// rejects capture from a running box, and deletes it.
func TestImageFlowOverAPI(t *testing.T) {
	rig := newAPIRig(t)

	var box BoxView
	status, _ := rig.call(t, http.MethodPost, "/v1/boxes", CreateBoxRequest{
		Namespace: "/env/",
		Role:      "box",
	}, &box)
	require.Equal(t, http.StatusCreated, status)

	status, eb := rig.call(t, http.MethodPost, "/v1/boxes/"+box.ID+"/image", ImageBoxRequest{}, nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, codeInvalidState, eb.Code)

	status, _ = rig.call(t, http.MethodPost, "/v1/boxes/"+box.ID+"/stop", nil, nil)
	require.Equal(t, http.StatusOK, status)

	var img ImageView
	status, _ = rig.call(t, http.MethodPost, "/v1/boxes/"+box.ID+"/image", ImageBoxRequest{}, &img)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, string(types.ImageStateAvailable), img.State)
	assert.Equal(t, "box", img.Source.Role)
	assert.Contains(t, img.Name, "box_")

	var listed struct {
		Images []ImageView `json:"images"`
	}
	status, _ = rig.call(t, http.MethodGet, "/v1/images?role=box", nil, &listed)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, listed.Images, 1)

	status, _ = rig.call(t, http.MethodDelete, "/v1/images/"+img.ID, nil, nil)
	require.Equal(t, http.StatusNoContent, status)

	status, eb = rig.call(t, http.MethodDelete, "/v1/images/"+img.ID, nil, nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, codeNotFound, eb.Code)
}

// TestMalformedBodyRejected returns invalid_argument for bodies that do
// not decode, and tolerates empty bodies on optional-parameter routes.
func TestMalformedBodyRejected(t *testing.T) {
	rig := newAPIRig(t)

	req, err := http.NewRequest(http.MethodPost, rig.ts.URL+"/v1/keys", strings.NewReader("{not json"))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+rig.token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// An absent body on /receive means defaults, not an error.
	var sub SubscriptionView
	status, _ := rig.call(t, http.MethodPost, "/v1/subscriptions", SubscribeRequest{
		Namespace: "/env/",
		Role:      "box",
	}, &sub)
	require.Equal(t, http.StatusCreated, status)
	status, _ = rig.call(t, http.MethodPost, "/v1/queues/"+url.PathEscape(sub.Queue)+"/receive", nil, nil)
	assert.Equal(t, http.StatusOK, status)
}
