package sshexec

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

// execFunc handles one remote command for the in-process test server
type execFunc func(cmd string) (stdout, stderr string, exit int)

func startTestServer(t *testing.T, clientKey ssh.PublicKey, handle execFunc) string {
	t.Helper()

	_, hostPEM, err := GenerateKeyPair()
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
			go serveTestConn(netConn, config, handle)
		}
	}()

	return listener.Addr().String()
}

func serveTestConn(netConn net.Conn, config *ssh.ServerConfig, handle execFunc) {
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
		go serveTestSession(ch, requests, handle)
	}
}

func serveTestSession(ch ssh.Channel, requests <-chan *ssh.Request, handle execFunc) {
	defer ch.Close()
	for req := range requests {
		if req.Type != "exec" {
			if req.WantReply {
				req.Reply(false, nil)
			}
			continue
		}
		cmdLen := binary.BigEndian.Uint32(req.Payload[:4])
		cmd := string(req.Payload[4 : 4+cmdLen])
		if req.WantReply {
			req.Reply(true, nil)
		}

		stdout, stderr, exit := handle(cmd)
		if stdout != "" {
			ch.Write([]byte(stdout))
		}
		if stderr != "" {
			ch.Stderr().Write([]byte(stderr))
		}
		status := make([]byte, 4)
		binary.BigEndian.PutUint32(status, uint32(exit))
		ch.SendRequest("exit-status", false, status)
		return
	}
}

// dialTestServer starts a server that trusts a fresh key and returns a
// connected client.
func dialTestServer(t *testing.T, handle execFunc) *Client {
	t.Helper()

	_, privPEM, err := GenerateKeyPair()
	require.NoError(t, err)
	signer, err := ParsePrivateKey(privPEM)
	require.NoError(t, err)

	addr := startTestServer(t, signer.PublicKey(), handle)
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	client, err := Dial(context.Background(), Config{
		Host:   host,
		Port:   port,
		User:   "admin",
		Signer: signer,
	})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

// TestRunCapturesOutput verifies stdout capture and a zero exit
func TestRunCapturesOutput(t *testing.T) {
	client := dialTestServer(t, func(cmd string) (string, string, int) {
		if cmd == "echo hello" {
			return "hello\n", "", 0
		}
		return "", "unexpected command", 127
	})

	res, err := client.Run(context.Background(), "echo hello")
	require.NoError(t, err)
	assert.Equal(t, "hello\n", res.Stdout)
	assert.Equal(t, 0, res.ExitCode)
}

// TestRunNonZeroExit verifies a failing command surfaces its exit code
// and stderr without turning into a transport error.
func TestRunNonZeroExit(t *testing.T) {
	client := dialTestServer(t, func(cmd string) (string, string, int) {
		return "", "no such unit\n", 4
	})

	res, err := client.Run(context.Background(), "systemctl start nope")
	require.NoError(t, err)
	assert.Equal(t, 4, res.ExitCode)
	assert.Contains(t, res.Stderr, "no such unit")
}

// TestRunContextCancel verifies a hung command is abandoned when the
// context expires.
func TestRunContextCancel(t *testing.T) {
	client := dialTestServer(t, func(cmd string) (string, string, int) {
		time.Sleep(2 * time.Second)
		return "", "", 0
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := client.Run(ctx, "sleep 600")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

var (
	uploadChunkRe = regexp.MustCompile(`^echo '([A-Za-z0-9+/=]*)' \| base64 -d >> '(.+)'$`)
	chmodRe       = regexp.MustCompile(`^chmod ([0-7]+) '(.+)'$`)
	mvRe          = regexp.MustCompile(`^mv -f '(.+)' '(.+)'$`)
)

// TestUploadWritesFile verifies chunked upload reassembles the payload
// in a temp file, applies the requested mode, and moves it into place.
func TestUploadWritesFile(t *testing.T) {
	var mu sync.Mutex
	files := make(map[string][]byte)
	modes := make(map[string]string)

	handle := func(cmd string) (string, string, int) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case strings.HasPrefix(cmd, "mkdir -p "):
			return "", "", 0
		case strings.HasPrefix(cmd, "> '"):
			path := strings.TrimSuffix(strings.TrimPrefix(cmd, "> '"), "'")
			files[path] = nil
			return "", "", 0
		default:
			if m := uploadChunkRe.FindStringSubmatch(cmd); m != nil {
				chunk, err := base64.StdEncoding.DecodeString(m[1])
				if err != nil {
					return "", err.Error(), 1
				}
				files[m[2]] = append(files[m[2]], chunk...)
				return "", "", 0
			}
			if m := chmodRe.FindStringSubmatch(cmd); m != nil {
				modes[m[2]] = m[1]
				return "", "", 0
			}
			if m := mvRe.FindStringSubmatch(cmd); m != nil {
				files[m[2]] = files[m[1]]
				modes[m[2]] = modes[m[1]]
				delete(files, m[1])
				delete(modes, m[1])
				return "", "", 0
			}
			return "", "unexpected command: " + cmd, 127
		}
	}

	client := dialTestServer(t, handle)

	// Large enough to need several chunks.
	payload := bytes.Repeat([]byte("authorized key material\n"), 5000)
	err := client.Upload(context.Background(), "/home/admin/.ssh/authorized_keys", payload, "0600")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, payload, files["/home/admin/.ssh/authorized_keys"])
	assert.Equal(t, "0600", modes["/home/admin/.ssh/authorized_keys"])

	// The temp file was moved, not left behind.
	assert.NotContains(t, files, "/home/admin/.ssh/authorized_keys.tmp")
}

// TestSplitAddr tests host/port splitting with the SSH port default
func TestSplitAddr(t *testing.T) {
	host, port := SplitAddr("10.1.2.3")
	assert.Equal(t, "10.1.2.3", host)
	assert.Equal(t, 22, port)

	host, port = SplitAddr("127.0.0.1:2222")
	assert.Equal(t, "127.0.0.1", host)
	assert.Equal(t, 2222, port)

	host, port = SplitAddr("box.internal:2022")
	assert.Equal(t, "box.internal", host)
	assert.Equal(t, 2022, port)
}

// TestUploadSurfacesRemoteFailure verifies a failing remote step aborts
// the upload with the remote stderr in the error.
func TestUploadSurfacesRemoteFailure(t *testing.T) {
	client := dialTestServer(t, func(cmd string) (string, string, int) {
		return "", "read-only file system\n", 1
	})

	err := client.Upload(context.Background(), "/etc/thing", []byte("data"), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read-only file system")
}

// TestDialRejectsUnknownKey verifies authentication failures surface as
// dial errors.
func TestDialRejectsUnknownKey(t *testing.T) {
	_, trustedPEM, err := GenerateKeyPair()
	require.NoError(t, err)
	trusted, err := ParsePrivateKey(trustedPEM)
	require.NoError(t, err)

	addr := startTestServer(t, trusted.PublicKey(), func(string) (string, string, int) {
		return "", "", 0
	})
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	_, otherPEM, err := GenerateKeyPair()
	require.NoError(t, err)
	other, err := ParsePrivateKey(otherPEM)
	require.NoError(t, err)

	_, err = Dial(context.Background(), Config{Host: host, Port: port, User: "admin", Signer: other})
	assert.Error(t, err)
}

// TestDialContextTimeout verifies a stalled handshake respects the
// caller's deadline.
func TestDialContextTimeout(t *testing.T) {
	// A listener that never accepts: the TCP connect lands in the backlog
	// and the handshake stalls.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	host, portStr, err := net.SplitHostPort(listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	_, privPEM, err := GenerateKeyPair()
	require.NoError(t, err)
	signer, err := ParsePrivateKey(privPEM)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = Dial(ctx, Config{Host: host, Port: port, User: "admin", Signer: signer})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}
