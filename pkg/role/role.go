package role

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/hutchcloud/hutch/pkg/namespace"
)

// Sentinel errors
var (
	// ErrUnknownRole indicates the library holds no role by that name
	ErrUnknownRole = errors.New("unknown role")

	// ErrUnknownCapability indicates a role requires a capability the
	// library does not hold
	ErrUnknownCapability = errors.New("unknown capability")
)

// DefaultAdminUser is the login account assumed when a role names none
const DefaultAdminUser = "admin"

// DefaultKeyGroup is the key distribution group every box belongs to
// unless its role says otherwise
const DefaultKeyGroup = "default"

// AgentEnvFile is the provisioning handoff: the controller uploads the
// per-box agent environment to this path in the admin home, and the
// builtin agent capability installs it as the daemon's environment file.
const AgentEnvFile = ".hutch-agent.env"

// Step is one bootstrap command. The name identifies the step in failure
// reports and logs; the command is an opaque shell string run on the box.
type Step struct {
	Name    string `yaml:"name"`
	Command string `yaml:"command"`
}

// Capability is a named, reusable bundle of bootstrap steps plus the key
// groups boxes carrying it need. Capabilities compose: a capability may
// require others, which are applied before it.
type Capability struct {
	Name      string   `yaml:"name"`
	Requires  []string `yaml:"requires,omitempty"`
	KeyGroups []string `yaml:"keyGroups,omitempty"`
	Steps     []Step   `yaml:"steps,omitempty"`
}

// Validate checks the capability is well formed
func (c *Capability) Validate() error {
	if err := namespace.ValidateRole(c.Name); err != nil {
		return err
	}
	return validateSteps("capability "+c.Name, c.Steps)
}

// Definition describes a role: the machine scalars plus an ordered list
// of required capabilities and any role-specific trailing steps.
type Definition struct {
	Name         string   `yaml:"name"`
	ImageID      string   `yaml:"image,omitempty"`
	InstanceType string   `yaml:"instanceType,omitempty"`
	AdminUser    string   `yaml:"adminUser,omitempty"`
	KeyGroups    []string `yaml:"keyGroups,omitempty"`
	Requires     []string `yaml:"requires,omitempty"`
	Steps        []Step   `yaml:"steps,omitempty"`

	// KeepVolumes marks attached volumes for detach-not-release when a
	// box of this role is terminated.
	KeepVolumes bool `yaml:"keepVolumes,omitempty"`
}

// Validate checks the definition is well formed
func (d *Definition) Validate() error {
	if err := namespace.ValidateRole(d.Name); err != nil {
		return err
	}
	return validateSteps("role "+d.Name, d.Steps)
}

func validateSteps(owner string, steps []Step) error {
	seen := make(map[string]bool, len(steps))
	for i, step := range steps {
		if step.Name == "" {
			return fmt.Errorf("%s: step %d has no name", owner, i+1)
		}
		if step.Command == "" {
			return fmt.Errorf("%s: step %s has no command", owner, step.Name)
		}
		if seen[step.Name] {
			return fmt.Errorf("%s: duplicate step name %s", owner, step.Name)
		}
		seen[step.Name] = true
	}
	return nil
}

// Resolved is a role with its capability list flattened into one ordered
// step sequence. Each capability contributes exactly once, after its own
// requirements; the role's own steps run last.
type Resolved struct {
	Name         string
	ImageID      string
	InstanceType string
	AdminUser    string
	KeyGroups    []string
	Steps        []Step
	KeepVolumes  bool
}

// Library holds the known roles and capabilities. Safe for concurrent
// use.
type Library struct {
	mu           sync.RWMutex
	roles        map[string]*Definition
	capabilities map[string]*Capability
}

// NewLibrary creates an empty library
func NewLibrary() *Library {
	return &Library{
		roles:        make(map[string]*Definition),
		capabilities: make(map[string]*Capability),
	}
}

// The agent capability's steps are static shell; everything box
// specific arrives through the environment file uploaded during
// provisioning. The hutch-agent binary is expected on the image.
const (
	agentEnvCmd = `sudo install -D -o root -g root -m 0600 "$HOME/` + AgentEnvFile + `" /etc/hutch/agent.env`

	agentUnitCmd = `printf '%s\n' '[Unit]' 'Description=hutch key sync agent' 'After=network-online.target' '' ` +
		`'[Service]' 'EnvironmentFile=/etc/hutch/agent.env' 'ExecStart=/usr/local/bin/hutch-agent' ` +
		`'Restart=always' 'RestartSec=5' '' '[Install]' 'WantedBy=multi-user.target' ` +
		`| sudo tee /etc/systemd/system/hutch-agent.service >/dev/null`

	agentEnableCmd = `sudo systemctl daemon-reload && sudo systemctl enable --now hutch-agent`
)

// Builtin returns a library seeded with what every deployment starts
// from: the agent capability, which installs the provisioning handoff
// as the daemon's environment file and enables the unit, and a "base"
// role carrying it. Operator manifests load on top and may replace
// both.
func Builtin() *Library {
	l := NewLibrary()
	_ = l.RegisterCapability(&Capability{
		Name:      "agent",
		KeyGroups: []string{DefaultKeyGroup},
		Steps: []Step{
			{Name: "agent-env", Command: agentEnvCmd},
			{Name: "agent-unit", Command: agentUnitCmd},
			{Name: "agent-enable", Command: agentEnableCmd},
		},
	})
	_ = l.Register(&Definition{
		Name:      "base",
		AdminUser: DefaultAdminUser,
		Requires:  []string{"agent"},
		KeyGroups: []string{DefaultKeyGroup},
	})
	return l
}

// Register validates and stores a role, replacing any previous role of
// the same name. Manifest reloads rely on replacement.
func (l *Library) Register(def *Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.roles[def.Name] = def
	return nil
}

// RegisterCapability validates and stores a capability, replacing any
// previous one of the same name.
func (l *Library) RegisterCapability(c *Capability) error {
	if err := c.Validate(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.capabilities[c.Name] = c
	return nil
}

// Get returns the raw definition of a role
func (l *Library) Get(name string) (*Definition, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	def, ok := l.roles[name]
	if !ok {
		return nil, fmt.Errorf("role %s: %w", name, ErrUnknownRole)
	}
	return def, nil
}

// Names returns the registered role names, sorted
func (l *Library) Names() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	names := make([]string, 0, len(l.roles))
	for name := range l.roles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve flattens a role into its full step sequence. Capabilities are
// applied depth-first in declaration order, each exactly once even when
// several requirement paths reach it; requirement cycles and unknown
// capabilities are errors. Key groups accumulate in application order
// without duplicates.
func (l *Library) Resolve(name string) (*Resolved, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	def, ok := l.roles[name]
	if !ok {
		return nil, fmt.Errorf("role %s: %w", name, ErrUnknownRole)
	}

	resolved := &Resolved{
		Name:         name,
		ImageID:      def.ImageID,
		InstanceType: def.InstanceType,
		AdminUser:    def.AdminUser,
		KeepVolumes:  def.KeepVolumes,
	}
	if resolved.AdminUser == "" {
		resolved.AdminUser = DefaultAdminUser
	}

	applied := make(map[string]bool)
	visiting := make(map[string]bool)
	seenGroups := make(map[string]bool)
	addGroups := func(groups []string) {
		for _, group := range groups {
			if !seenGroups[group] {
				seenGroups[group] = true
				resolved.KeyGroups = append(resolved.KeyGroups, group)
			}
		}
	}

	var apply func(capName string) error
	apply = func(capName string) error {
		if applied[capName] {
			return nil
		}
		if visiting[capName] {
			return fmt.Errorf("role %s: capability cycle through %s", name, capName)
		}
		c, ok := l.capabilities[capName]
		if !ok {
			return fmt.Errorf("role %s: capability %s: %w", name, capName, ErrUnknownCapability)
		}
		visiting[capName] = true
		for _, req := range c.Requires {
			if err := apply(req); err != nil {
				return err
			}
		}
		delete(visiting, capName)
		applied[capName] = true

		addGroups(c.KeyGroups)
		resolved.Steps = append(resolved.Steps, c.Steps...)
		return nil
	}

	for _, req := range def.Requires {
		if err := apply(req); err != nil {
			return nil, err
		}
	}
	addGroups(def.KeyGroups)
	resolved.Steps = append(resolved.Steps, def.Steps...)

	if len(resolved.KeyGroups) == 0 {
		resolved.KeyGroups = []string{DefaultKeyGroup}
	}
	return resolved, nil
}

// manifestDoc is one YAML document in a role manifest. Kind selects what
// it defines; an empty kind means Role so single-role files stay terse.
type manifestDoc struct {
	Kind         string   `yaml:"kind,omitempty"`
	Name         string   `yaml:"name"`
	ImageID      string   `yaml:"image,omitempty"`
	InstanceType string   `yaml:"instanceType,omitempty"`
	AdminUser    string   `yaml:"adminUser,omitempty"`
	KeyGroups    []string `yaml:"keyGroups,omitempty"`
	Requires     []string `yaml:"requires,omitempty"`
	Steps        []Step   `yaml:"steps,omitempty"`
}

// LoadFile registers every document in one YAML manifest. A file may mix
// Role and Capability documents.
func (l *Library) LoadFile(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("read manifest: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	count := 0
	for {
		var doc manifestDoc
		if err := dec.Decode(&doc); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return count, fmt.Errorf("parse manifest %s: %w", path, err)
		}

		switch doc.Kind {
		case "", "Role":
			err = l.Register(&Definition{
				Name:         doc.Name,
				ImageID:      doc.ImageID,
				InstanceType: doc.InstanceType,
				AdminUser:    doc.AdminUser,
				KeyGroups:    doc.KeyGroups,
				Requires:     doc.Requires,
				Steps:        doc.Steps,
			})
		case "Capability":
			err = l.RegisterCapability(&Capability{
				Name:      doc.Name,
				Requires:  doc.Requires,
				KeyGroups: doc.KeyGroups,
				Steps:     doc.Steps,
			})
		default:
			err = fmt.Errorf("unsupported kind %s", doc.Kind)
		}
		if err != nil {
			return count, fmt.Errorf("manifest %s: %w", path, err)
		}
		count++
	}
	return count, nil
}

// LoadDir registers every .yaml and .yml manifest in a directory. A
// missing directory is not an error; deployments without custom roles
// simply run on the builtins.
func (l *Library) LoadDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read role directory: %w", err)
	}

	total := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		n, err := l.LoadFile(filepath.Join(dir, entry.Name()))
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
