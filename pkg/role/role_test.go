package role

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRegisterAndGet verifies basic library bookkeeping
func TestRegisterAndGet(t *testing.T) {
	l := NewLibrary()
	require.NoError(t, l.Register(&Definition{
		Name:  "worker",
		Steps: []Step{{Name: "install", Command: "apt-get install -y thing"}},
	}))

	def, err := l.Get("worker")
	require.NoError(t, err)
	assert.Equal(t, "worker", def.Name)

	_, err = l.Get("missing")
	assert.ErrorIs(t, err, ErrUnknownRole)

	assert.Equal(t, []string{"worker"}, l.Names())
}

// TestResolveFlattensCapabilities verifies capabilities apply depth-first
// in declaration order, requirements before dependents, each exactly once.
func TestResolveFlattensCapabilities(t *testing.T) {
	l := NewLibrary()
	require.NoError(t, l.RegisterCapability(&Capability{
		Name:  "apt-update",
		Steps: []Step{{Name: "apt-update", Command: "apt-get update"}},
	}))
	require.NoError(t, l.RegisterCapability(&Capability{
		Name:     "docker",
		Requires: []string{"apt-update"},
		Steps:    []Step{{Name: "install-docker", Command: "apt-get install -y docker.io"}},
	}))
	require.NoError(t, l.RegisterCapability(&Capability{
		Name:      "monitoring",
		Requires:  []string{"apt-update"},
		KeyGroups: []string{"ops"},
		Steps:     []Step{{Name: "install-agent", Command: "apt-get install -y node-exporter"}},
	}))
	require.NoError(t, l.Register(&Definition{
		Name:         "worker",
		InstanceType: "m1.small",
		Requires:     []string{"docker", "monitoring"},
		Steps:        []Step{{Name: "configure", Command: "systemctl enable worker"}},
	}))

	resolved, err := l.Resolve("worker")
	require.NoError(t, err)
	assert.Equal(t, "m1.small", resolved.InstanceType)
	assert.Equal(t, DefaultAdminUser, resolved.AdminUser)
	assert.Equal(t, []string{"ops"}, resolved.KeyGroups)

	// apt-update is required by both but contributes once, before either.
	var names []string
	for _, step := range resolved.Steps {
		names = append(names, step.Name)
	}
	assert.Equal(t, []string{"apt-update", "install-docker", "install-agent", "configure"}, names)
}

// TestResolveDefaults verifies a bare role picks up the default admin
// user and key group.
func TestResolveDefaults(t *testing.T) {
	l := NewLibrary()
	require.NoError(t, l.Register(&Definition{Name: "plain"}))

	resolved, err := l.Resolve("plain")
	require.NoError(t, err)
	assert.Equal(t, DefaultAdminUser, resolved.AdminUser)
	assert.Equal(t, []string{DefaultKeyGroup}, resolved.KeyGroups)
	assert.Empty(t, resolved.Steps)
}

// TestResolveCycleDetected verifies requirement cycles fail instead of
// looping.
func TestResolveCycleDetected(t *testing.T) {
	l := NewLibrary()
	require.NoError(t, l.RegisterCapability(&Capability{Name: "a", Requires: []string{"b"}}))
	require.NoError(t, l.RegisterCapability(&Capability{Name: "b", Requires: []string{"a"}}))
	require.NoError(t, l.Register(&Definition{Name: "r", Requires: []string{"a"}}))

	_, err := l.Resolve("r")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "capability cycle")
}

// TestResolveUnknownCapability verifies a dangling requirement fails with
// the capability named.
func TestResolveUnknownCapability(t *testing.T) {
	l := NewLibrary()
	require.NoError(t, l.Register(&Definition{Name: "r", Requires: []string{"ghost"}}))

	_, err := l.Resolve("r")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownCapability)
	assert.Contains(t, err.Error(), "ghost")
}

// TestValidateRejections covers the malformed definition cases
func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name string
		def  Definition
	}{
		{"bad role name", Definition{Name: "has/slash"}},
		{"underscore prefix", Definition{Name: "_hidden"}},
		{"unnamed step", Definition{Name: "r", Steps: []Step{{Command: "x"}}}},
		{"empty command", Definition{Name: "r", Steps: []Step{{Name: "s"}}}},
		{"duplicate step", Definition{Name: "r", Steps: []Step{
			{Name: "s", Command: "x"},
			{Name: "s", Command: "y"},
		}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, NewLibrary().Register(&tt.def))
		})
	}

	assert.Error(t, NewLibrary().RegisterCapability(&Capability{Name: "bad/name"}))
}

// TestLoadDir verifies manifests load from a directory, including mixed
// Role and Capability documents, and that a missing directory is
// tolerated.
func TestLoadDir(t *testing.T) {
	dir := t.TempDir()

	caps := `kind: Capability
name: apt-update
steps:
  - name: apt-update
    command: apt-get update
---
kind: Capability
name: docker
requires: [apt-update]
steps:
  - name: install-docker
    command: apt-get install -y docker.io
`
	roles := `name: worker
instanceType: m1.small
requires: [docker]
steps:
  - name: configure
    command: systemctl enable worker
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "caps.yaml"), []byte(caps), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "worker.yml"), []byte(roles), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0644))

	l := Builtin()
	n, err := l.LoadDir(dir)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	resolved, err := l.Resolve("worker")
	require.NoError(t, err)
	require.Len(t, resolved.Steps, 3)
	assert.Equal(t, "apt-update", resolved.Steps[0].Name)
	assert.Equal(t, "install-docker", resolved.Steps[1].Name)
	assert.Equal(t, "configure", resolved.Steps[2].Name)

	n, err = l.LoadDir(filepath.Join(dir, "does-not-exist"))
	require.NoError(t, err)
	assert.Zero(t, n)
}

// TestLoadFileRejectsBadDocs verifies unknown kinds and invalid
// definitions report the file.
func TestLoadFileRejectsBadDocs(t *testing.T) {
	dir := t.TempDir()

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("kind: Mystery\nname: x\n"), 0644))
	_, err := NewLibrary().LoadFile(bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported kind")

	invalid := filepath.Join(dir, "invalid.yaml")
	require.NoError(t, os.WriteFile(invalid, []byte("name: \"no/good\"\n"), 0644))
	_, err = NewLibrary().LoadFile(invalid)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid.yaml")
}

// TestBuiltinBase verifies the seeded base role resolves to the agent
// install sequence.
func TestBuiltinBase(t *testing.T) {
	resolved, err := Builtin().Resolve("base")
	require.NoError(t, err)
	assert.Equal(t, DefaultAdminUser, resolved.AdminUser)
	assert.Equal(t, []string{DefaultKeyGroup}, resolved.KeyGroups)

	var names []string
	for _, step := range resolved.Steps {
		names = append(names, step.Name)
	}
	assert.Equal(t, []string{"agent-env", "agent-unit", "agent-enable"}, names)
	assert.Contains(t, resolved.Steps[0].Command, AgentEnvFile)
	assert.Contains(t, resolved.Steps[1].Command, "hutch-agent.service")
	assert.Contains(t, resolved.Steps[2].Command, "enable --now")
}

// TestBuiltinAgentReusable verifies operator roles can require the
// seeded agent capability alongside their own steps.
func TestBuiltinAgentReusable(t *testing.T) {
	l := Builtin()
	require.NoError(t, l.Register(&Definition{
		Name:     "worker",
		Requires: []string{"agent"},
		Steps:    []Step{{Name: "configure", Command: "systemctl enable worker"}},
	}))

	resolved, err := l.Resolve("worker")
	require.NoError(t, err)
	require.Len(t, resolved.Steps, 4)
	assert.Equal(t, "agent-env", resolved.Steps[0].Name)
	assert.Equal(t, "configure", resolved.Steps[3].Name)
}
