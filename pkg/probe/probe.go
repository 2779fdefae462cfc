package probe

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/hutchcloud/hutch/pkg/retry"
	"github.com/hutchcloud/hutch/pkg/sshexec"
)

// Kind identifies the probe mechanism
type Kind string

const (
	KindTCP Kind = "tcp"
	KindSSH Kind = "ssh"
)

// Result is the outcome of a single reachability check
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Probe checks whether a box is reachable through one mechanism
type Probe interface {
	Check(ctx context.Context) Result
	Kind() Kind
}

// TCPProbe verifies a TCP port accepts connections. It proves the
// network path and the listener, nothing more.
type TCPProbe struct {
	Address string
	Timeout time.Duration
}

// NewTCPProbe creates a TCP probe with a 5 second connect timeout
func NewTCPProbe(address string) *TCPProbe {
	return &TCPProbe{
		Address: address,
		Timeout: 5 * time.Second,
	}
}

// Check attempts a TCP connection
func (p *TCPProbe) Check(ctx context.Context) Result {
	start := time.Now()

	dialer := &net.Dialer{Timeout: p.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", p.Address)
	if err != nil {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("connection failed: %v", err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}
	defer conn.Close()

	return Result{
		Healthy:   true,
		Message:   fmt.Sprintf("tcp connection to %s successful", p.Address),
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// Kind returns the probe mechanism
func (p *TCPProbe) Kind() Kind {
	return KindTCP
}

// WithTimeout sets the connection timeout
func (p *TCPProbe) WithTimeout(timeout time.Duration) *TCPProbe {
	p.Timeout = timeout
	return p
}

// SSHProbe verifies the whole login path: TCP, handshake, public key
// auth, and a trivial command. A fresh box is only considered reachable
// once this passes, since sshd accepting connections before cloud-init
// has installed the admin key is a routine boot race.
type SSHProbe struct {
	Config  sshexec.Config
	Command string
}

// NewSSHProbe creates an SSH probe that runs "true" on the target
func NewSSHProbe(cfg sshexec.Config) *SSHProbe {
	return &SSHProbe{
		Config:  cfg,
		Command: "true",
	}
}

// Check dials, authenticates and runs the probe command
func (p *SSHProbe) Check(ctx context.Context) Result {
	start := time.Now()

	client, err := sshexec.Dial(ctx, p.Config)
	if err != nil {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("ssh dial failed: %v", err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}
	defer client.Close()

	res, err := client.Run(ctx, p.Command)
	if err != nil {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("probe command failed: %v", err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}
	if res.ExitCode != 0 {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("probe command exited %d", res.ExitCode),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	return Result{
		Healthy:   true,
		Message:   fmt.Sprintf("ssh login to %s successful", client.Addr()),
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// Kind returns the probe mechanism
func (p *SSHProbe) Kind() Kind {
	return KindSSH
}

// WaitReady polls the probe until it reports healthy, backing off between
// attempts. The caller bounds the wait through ctx; on expiry the last
// observed result is returned alongside the context error so callers can
// report what the box looked like when they gave up.
func WaitReady(ctx context.Context, p Probe, b *retry.Backoff) (Result, error) {
	for {
		res := p.Check(ctx)
		if res.Healthy {
			return res, nil
		}
		if err := b.Sleep(ctx); err != nil {
			return res, fmt.Errorf("waiting for %s probe: %w", p.Kind(), err)
		}
	}
}
