package controller

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/hutchcloud/hutch/pkg/keyfile"
	"github.com/hutchcloud/hutch/pkg/probe"
	"github.com/hutchcloud/hutch/pkg/retry"
	"github.com/hutchcloud/hutch/pkg/role"
	"github.com/hutchcloud/hutch/pkg/sshexec"
	"github.com/hutchcloud/hutch/pkg/types"
)

// waitSSH blocks until the instance accepts an authenticated session,
// then returns a connected client. The TCP probe runs first so the logs
// distinguish a closed port from an auth race.
func (c *Controller) waitSSH(ctx context.Context, inst *types.Instance) (*sshexec.Client, error) {
	host, port := sshexec.SplitAddr(inst.Address)
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	tcp := probe.NewTCPProbe(addr)
	if _, err := probe.WaitReady(ctx, tcp, retry.New(c.cfg.PollInitial, c.cfg.PollCap)); err != nil {
		return nil, fmt.Errorf("waiting for tcp %s: %w", addr, err)
	}

	sshCfg := sshexec.Config{
		Host:   host,
		Port:   port,
		User:   inst.AdminUser,
		Signer: c.signer,
	}
	sp := probe.NewSSHProbe(sshCfg)
	sp.Command = "echo ready"
	if _, err := probe.WaitReady(ctx, sp, retry.New(c.cfg.PollInitial, c.cfg.PollCap)); err != nil {
		return nil, fmt.Errorf("waiting for ssh %s: %w", addr, err)
	}

	var client *sshexec.Client
	err := retry.Do(ctx, retry.New(c.cfg.PollInitial, c.cfg.PollCap), 0, func() error {
		var dialErr error
		client, dialErr = sshexec.Dial(ctx, sshCfg)
		return dialErr
	})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return client, nil
}

// seedAuthorizedKeys writes the initial authorized_keys: the
// control-plane key as the header, the managed-section marker, then the
// operator keys for the role's groups. The agent preserves the header on
// every later rewrite.
func (c *Controller) seedAuthorizedKeys(ctx context.Context, client *sshexec.Client, inst *types.Instance, groups []string) error {
	var keys [][]byte
	if c.keys != nil {
		var err error
		keys, err = c.keys.SeedKeys(inst.Identity.Namespace, groups)
		if err != nil {
			return fmt.Errorf("collect seed keys: %w", err)
		}
	}
	content := keyfile.Compose(c.pubKey, keys)

	dir := sshDir(inst.AdminUser)
	res, err := client.Run(ctx, fmt.Sprintf("mkdir -p %s && chmod 700 %s", sshexec.Quote(dir), sshexec.Quote(dir)))
	if err != nil {
		return fmt.Errorf("prepare %s: %w", dir, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("prepare %s: exit %d: %s", dir, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	if err := client.Upload(ctx, dir+"/authorized_keys", content, "0600"); err != nil {
		return fmt.Errorf("upload authorized_keys: %w", err)
	}
	return nil
}

// seedAgentEnv uploads the per-box environment the agent daemon runs
// under. Role steps are static shell, so identity, groups and the
// server coordinates travel in this file; the builtin agent capability
// installs it from the admin home into /etc/hutch.
func (c *Controller) seedAgentEnv(ctx context.Context, client *sshexec.Client, inst *types.Instance, groups []string) error {
	var b strings.Builder
	if c.cfg.AdvertiseURL != "" {
		fmt.Fprintf(&b, "HUTCH_SERVER_URL=%s\n", c.cfg.AdvertiseURL)
	}
	if c.cfg.AgentToken != "" {
		fmt.Fprintf(&b, "HUTCH_TOKEN=%s\n", c.cfg.AgentToken)
	}
	fmt.Fprintf(&b, "HUTCH_NAMESPACE=%s\n", inst.Identity.Namespace)
	fmt.Fprintf(&b, "HUTCH_ROLE=%s\n", inst.Identity.Role)
	fmt.Fprintf(&b, "HUTCH_ORDINAL=%d\n", inst.Identity.Ordinal)
	fmt.Fprintf(&b, "HUTCH_GROUPS=%s\n", strings.Join(groups, ","))
	fmt.Fprintf(&b, "HUTCH_KEY_FILE=%s\n", sshDir(inst.AdminUser)+"/authorized_keys")

	if err := client.Upload(ctx, role.AgentEnvFile, []byte(b.String()), "0600"); err != nil {
		return fmt.Errorf("upload agent env: %w", err)
	}
	return nil
}

func sshDir(user string) string {
	if user == "root" {
		return "/root/.ssh"
	}
	return "/home/" + user + "/.ssh"
}

// stepFailure records where a bootstrap pass broke.
type stepFailure struct {
	step     string
	exitCode int
	stderr   string
}

// bootstrap runs the role's steps over the open session. The sequence is
// all-or-nothing: any failed step restarts the run from the first step,
// up to the configured attempt budget.
func (c *Controller) bootstrap(ctx context.Context, client *sshexec.Client, inst *types.Instance, steps []role.Step) error {
	if len(steps) == 0 {
		return nil
	}
	logger := c.logger.With().Str("instance", inst.Identity.String()).Logger()
	backoff := retry.New(c.cfg.PollInitial, c.cfg.PollCap)

	var last *stepFailure
	for attempt := 1; attempt <= c.cfg.BootstrapAttempts; attempt++ {
		last = c.runSteps(ctx, client, steps)
		if last == nil {
			return nil
		}
		logger.Warn().Int("attempt", attempt).Str("step", last.step).
			Int("exit_code", last.exitCode).Msg("bootstrap step failed")
		if ctx.Err() != nil {
			return fmt.Errorf("bootstrap %s interrupted at step %s: %w", inst.Identity, last.step, ctx.Err())
		}
		if attempt < c.cfg.BootstrapAttempts {
			if err := backoff.Sleep(ctx); err != nil {
				return fmt.Errorf("bootstrap %s interrupted at step %s: %w", inst.Identity, last.step, err)
			}
		}
	}
	return &BootstrapScriptFailure{
		Identity: inst.Identity,
		Step:     last.step,
		Attempts: c.cfg.BootstrapAttempts,
		ExitCode: last.exitCode,
		Stderr:   last.stderr,
	}
}

// runSteps executes one full pass and reports the first failure, or nil
// when every step exited zero.
func (c *Controller) runSteps(ctx context.Context, client *sshexec.Client, steps []role.Step) *stepFailure {
	for _, step := range steps {
		start := time.Now()
		res, err := client.Run(ctx, step.Command)
		if err != nil {
			return &stepFailure{step: step.Name, exitCode: -1, stderr: err.Error()}
		}
		if res.ExitCode != 0 {
			return &stepFailure{step: step.Name, exitCode: res.ExitCode, stderr: res.Stderr}
		}
		c.logger.Debug().Str("step", step.Name).Dur("elapsed", time.Since(start)).Msg("bootstrap step ok")
	}
	return nil
}
