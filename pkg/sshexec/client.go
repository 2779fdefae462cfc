package sshexec

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"path"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

const (
	// DefaultPort is the SSH port used when the config leaves it zero
	DefaultPort = 22

	defaultConnectTimeout = 10 * time.Second

	// uploadChunkSize keeps each shipped chunk well under shell argument
	// length limits after base64 expansion
	uploadChunkSize = 48000
)

// Config describes how to reach a remote host
type Config struct {
	Host string
	Port int
	User string

	// Signer authenticates the connection
	Signer ssh.Signer

	// ConnectTimeout bounds the TCP and handshake phases. Zero means the
	// package default.
	ConnectTimeout time.Duration
}

// Client is an authenticated SSH connection to one host. Each Run opens
// a fresh session on the multiplexed connection, so a client is safe for
// sequential reuse across commands.
type Client struct {
	client *ssh.Client
	addr   string
}

// Dial connects and authenticates to the host described by cfg. Freshly
// provisioned machines have no prior host key on record, so host keys are
// not verified.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	port := cfg.Port
	if port == 0 {
		port = DefaultPort
	}
	timeout := cfg.ConnectTimeout
	if timeout == 0 {
		timeout = defaultConnectTimeout
	}

	sshCfg := &ssh.ClientConfig{
		User: cfg.User,
		Auth: []ssh.AuthMethod{
			ssh.PublicKeys(cfg.Signer),
		},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(port))

	var client *ssh.Client
	var dialErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		client, dialErr = ssh.Dial("tcp", addr, sshCfg)
	}()

	select {
	case <-ctx.Done():
		// Reap the connection if the dial eventually wins.
		go func() {
			<-done
			if client != nil {
				client.Close()
			}
		}()
		return nil, fmt.Errorf("dial %s: %w", addr, ctx.Err())
	case <-done:
		if dialErr != nil {
			return nil, fmt.Errorf("dial %s: %w", addr, dialErr)
		}
	}

	return &Client{client: client, addr: addr}, nil
}

// Close tears down the connection
func (c *Client) Close() error {
	return c.client.Close()
}

// Addr returns the host:port the client is connected to
func (c *Client) Addr() string {
	return c.addr
}

// Result holds the outcome of one remote command
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Run executes cmd in a fresh session. A non-zero exit status is not an
// error; callers inspect ExitCode. The error return covers transport
// failures and cancellation.
func (c *Client) Run(ctx context.Context, cmd string) (*Result, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	defer session.Close()

	var outBuf, errBuf bytes.Buffer
	session.Stdout = &outBuf
	session.Stderr = &errBuf

	runDone := make(chan error, 1)
	go func() {
		runDone <- session.Run(cmd)
	}()

	select {
	case <-ctx.Done():
		session.Close()
		<-runDone
		return nil, ctx.Err()
	case err = <-runDone:
	}

	result := &Result{Stdout: outBuf.String(), Stderr: errBuf.String()}
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitStatus()
			return result, nil
		}
		return nil, fmt.Errorf("run command: %w", err)
	}
	return result, nil
}

// Upload writes data to a file on the remote host, creating parent
// directories as needed. Data travels in base64 chunks to stay clear of
// shell argument length limits, lands in a temp file next to the target,
// and is moved into place only once complete, so no remote reader ever
// sees a partial file. A non-empty mode is applied before the move.
func (c *Client) Upload(ctx context.Context, remotePath string, data []byte, mode string) error {
	run := func(cmd string) error {
		res, err := c.Run(ctx, cmd)
		if err != nil {
			return err
		}
		if res.ExitCode != 0 {
			return fmt.Errorf("upload %s: exit %d: %s", remotePath, res.ExitCode, strings.TrimSpace(res.Stderr))
		}
		return nil
	}

	tmpPath := remotePath + ".tmp"
	if dir := path.Dir(remotePath); dir != "." && dir != "/" {
		if err := run(fmt.Sprintf("mkdir -p %s", Quote(dir))); err != nil {
			return err
		}
	}
	if err := run(fmt.Sprintf("> %s", Quote(tmpPath))); err != nil {
		return err
	}
	for i := 0; i < len(data); i += uploadChunkSize {
		end := i + uploadChunkSize
		if end > len(data) {
			end = len(data)
		}
		b64 := base64.StdEncoding.EncodeToString(data[i:end])
		if err := run(fmt.Sprintf("echo '%s' | base64 -d >> %s", b64, Quote(tmpPath))); err != nil {
			return err
		}
	}
	if mode != "" {
		if err := run(fmt.Sprintf("chmod %s %s", mode, Quote(tmpPath))); err != nil {
			return err
		}
	}
	return run(fmt.Sprintf("mv -f %s %s", Quote(tmpPath), Quote(remotePath)))
}

// SplitAddr splits an address into host and port, defaulting the port to
// the SSH port when the address carries none.
func SplitAddr(addr string) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, DefaultPort
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 {
		return host, DefaultPort
	}
	return host, port
}

// Quote wraps a string in single quotes for safe interpolation into a
// remote shell command, escaping embedded single quotes.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "'\\''") + "'"
}
