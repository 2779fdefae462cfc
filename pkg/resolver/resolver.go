package resolver

import (
	"fmt"
	"sort"

	"github.com/hutchcloud/hutch/pkg/namespace"
	"github.com/hutchcloud/hutch/pkg/storage"
	"github.com/hutchcloud/hutch/pkg/types"
)

// AmbiguousReferenceError is returned when an ordinal-less lookup matches
// more than one live instance. It names the candidates so the caller can
// re-issue the reference with an explicit ordinal.
type AmbiguousReferenceError struct {
	Namespace string
	Role      string
	Ordinals  []int
}

func (e *AmbiguousReferenceError) Error() string {
	return fmt.Sprintf("%d instances of %s%s exist (ordinals %v), specify an ordinal",
		len(e.Ordinals), e.Namespace, e.Role, e.Ordinals)
}

// Resolver maps (namespace, role, ordinal) references to instance records.
// Pure lookup over the registry: no caching, no side effects.
type Resolver struct {
	store storage.Store
}

// New creates a resolver over the given registry store
func New(store storage.Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve returns the live instance the reference names. A nil ordinal is
// allowed only while exactly one live instance of the role exists;
// otherwise the caller gets an AmbiguousReferenceError listing the
// candidates.
func (r *Resolver) Resolve(ns, role string, ordinal *int) (*types.Instance, error) {
	matches, err := r.ResolveAll(ns, role)
	if err != nil {
		return nil, err
	}

	if ordinal != nil {
		for _, inst := range matches {
			if inst.Identity.Ordinal == *ordinal {
				return inst, nil
			}
		}
		return nil, fmt.Errorf("instance %s%s %d: %w", ns, role, *ordinal, storage.ErrNotFound)
	}

	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("no live instance of %s%s: %w", ns, role, storage.ErrNotFound)
	case 1:
		return matches[0], nil
	default:
		ordinals := make([]int, len(matches))
		for i, inst := range matches {
			ordinals[i] = inst.Identity.Ordinal
		}
		return nil, &AmbiguousReferenceError{Namespace: ns, Role: role, Ordinals: ordinals}
	}
}

// ResolveAll returns every live instance of the role, sorted by ordinal
func (r *Resolver) ResolveAll(ns, role string) ([]*types.Instance, error) {
	if err := namespace.Validate(ns); err != nil {
		return nil, err
	}
	if err := namespace.ValidateRole(role); err != nil {
		return nil, err
	}

	instances, err := r.store.ListInstancesByRole(ns, role)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}

	var live []*types.Instance
	for _, inst := range instances {
		if inst.State.Live() {
			live = append(live, inst)
		}
	}
	sort.Slice(live, func(i, j int) bool {
		return live[i].Identity.Ordinal < live[j].Identity.Ordinal
	})
	return live, nil
}

// NextOrdinal returns the lowest ordinal not held by a live instance of
// the role. Terminated slots are reused.
func (r *Resolver) NextOrdinal(ns, role string) (int, error) {
	live, err := r.ResolveAll(ns, role)
	if err != nil {
		return 0, err
	}

	taken := make(map[int]bool, len(live))
	for _, inst := range live {
		taken[inst.Identity.Ordinal] = true
	}
	for i := 0; ; i++ {
		if !taken[i] {
			return i, nil
		}
	}
}
