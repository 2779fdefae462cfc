package namespace

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/hutchcloud/hutch/pkg/types"
)

// Root is the top-level namespace.
const Root = "/"

// Component grammar: leading underscores are reserved for system names, so
// a component may contain underscores but not start with one.
var componentRe = regexp.MustCompile(`^[0-9a-zA-Z.-][_0-9a-zA-Z.-]*$`)

// Validate checks that ns is an absolute, "/"-terminated namespace path
// whose components satisfy the component grammar.
func Validate(ns string) error {
	if ns == Root {
		return nil
	}
	if !strings.HasPrefix(ns, "/") {
		return fmt.Errorf("invalid namespace %q: must be absolute", ns)
	}
	if !strings.HasSuffix(ns, "/") {
		return fmt.Errorf("invalid namespace %q: must end with a slash", ns)
	}
	for _, c := range strings.Split(strings.Trim(ns, "/"), "/") {
		if !componentRe.MatchString(c) {
			return fmt.Errorf("invalid namespace %q: bad component %q", ns, c)
		}
	}
	return nil
}

// ValidateRole checks that role is a single valid path component.
func ValidateRole(role string) error {
	if !componentRe.MatchString(role) {
		return fmt.Errorf("invalid role name %q", role)
	}
	return nil
}

// Absolute resolves name against the base namespace. Names that already
// start with a slash are returned as-is; relative names are prefixed with
// base. The result is validated component-wise.
func Absolute(base, name string) (string, error) {
	if err := Validate(base); err != nil {
		return "", err
	}
	abs := name
	if !strings.HasPrefix(name, "/") {
		abs = base + name
	}
	trimmed := strings.TrimSuffix(strings.TrimPrefix(abs, "/"), "/")
	if trimmed != "" {
		for _, c := range strings.Split(trimmed, "/") {
			if !componentRe.MatchString(c) {
				return "", fmt.Errorf("invalid name %q: bad component %q", abs, c)
			}
		}
	}
	return abs, nil
}

// Split breaks a namespace into its components. The root namespace has
// no components.
func Split(ns string) []string {
	trimmed := strings.Trim(ns, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// Join assembles components into an absolute, "/"-terminated namespace.
func Join(components ...string) string {
	if len(components) == 0 {
		return Root
	}
	return "/" + strings.Join(components, "/") + "/"
}

// ToProviderName transliterates a namespaced name into the provider's flat
// name grammar, which forbids slashes. Underscores are doubled first so the
// mapping stays reversible:
//
//	/env/box     -> _env_box
//	/env_a/box   -> _env__a_box
func ToProviderName(name string) string {
	return strings.ReplaceAll(strings.ReplaceAll(name, "_", "__"), "/", "_")
}

// FromProviderName inverts ToProviderName.
func FromProviderName(name string) string {
	parts := strings.Split(name, "__")
	for i, p := range parts {
		parts[i] = strings.ReplaceAll(p, "_", "/")
	}
	return strings.Join(parts, "_")
}

// QueueName derives the delivery queue name for an instance identity.
// Provider-safe so the same name can double as a tag or hostname label.
func QueueName(id types.Identity) string {
	return fmt.Sprintf("hutch-agent-%s-%d", ToProviderName(id.Name()), id.Ordinal)
}
