package types

import (
	"fmt"
	"time"
)

// Identity locates one managed instance: namespace, role name, and an
// ordinal disambiguating siblings of the same role in that namespace.
type Identity struct {
	Namespace string
	Role      string
	Ordinal   int
}

// String renders the canonical form, e.g. "/env/box 2".
func (id Identity) String() string {
	return fmt.Sprintf("%s%s %d", id.Namespace, id.Role, id.Ordinal)
}

// Name is the namespaced role path without the ordinal, e.g. "/env/box".
func (id Identity) Name() string {
	return id.Namespace + id.Role
}

// Instance represents a single managed compute resource ("box")
type Instance struct {
	Identity   Identity
	ProviderID string // compute resource handle assigned by the provider
	State      InstanceState
	Address    string // public address, set once the provider reports one
	AdminUser  string // account bootstrap and SSH sessions run under
	ImageID    string // image the instance was launched from
	Volumes    []*VolumeRef
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// InstanceState represents the lifecycle state of an instance
type InstanceState string

const (
	StateUnbound       InstanceState = "unbound"
	StatePending       InstanceState = "pending"
	StateBooting       InstanceState = "booting"
	StateAwaitingSSH   InstanceState = "awaiting_ssh"
	StateBootstrapping InstanceState = "bootstrapping"
	StateReady         InstanceState = "ready"
	StateStopping      InstanceState = "stopping"
	StateStopped       InstanceState = "stopped"
	StateStarting      InstanceState = "starting"
	StateImaging       InstanceState = "imaging"
	StateTerminated    InstanceState = "terminated"
)

// AllStates returns every lifecycle state in transition order.
func AllStates() []InstanceState {
	return []InstanceState{
		StateUnbound,
		StatePending,
		StateBooting,
		StateAwaitingSSH,
		StateBootstrapping,
		StateReady,
		StateStopping,
		StateStopped,
		StateStarting,
		StateImaging,
		StateTerminated,
	}
}

// Terminal reports whether no further transitions are possible.
func (s InstanceState) Terminal() bool {
	return s == StateTerminated
}

// Live reports whether the instance still occupies its identity.
// Terminated records are retained for audit but do not block reuse.
func (s InstanceState) Live() bool {
	return s != StateTerminated && s != StateUnbound
}

// Stable reports whether the state is a resting point rather than a
// transition in progress.
func (s InstanceState) Stable() bool {
	return s == StateReady || s == StateStopped || s == StateTerminated
}

// transitions lists the legal forward edges of the lifecycle. Termination
// is legal from every non-terminal state and is handled in CanTransition
// rather than repeated per row.
var transitions = map[InstanceState][]InstanceState{
	StateUnbound:       {StatePending},
	StatePending:       {StateBooting},
	StateBooting:       {StateAwaitingSSH},
	StateAwaitingSSH:   {StateBootstrapping},
	StateBootstrapping: {StateReady},
	StateReady:         {StateStopping},
	StateStopping:      {StateStopped},
	StateStopped:       {StateStarting, StateImaging},
	StateStarting:      {StateReady},
	StateImaging:       {StateStopped},
	StateTerminated:    {},
}

// CanTransition reports whether moving from s to the given state is a
// legal lifecycle edge.
func (s InstanceState) CanTransition(to InstanceState) bool {
	if to == StateTerminated {
		return !s.Terminal()
	}
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// VolumeRef references a persistent volume attached to an instance
type VolumeRef struct {
	ProviderID      string
	Device          string // e.g. "/dev/sdf"
	KeepOnTerminate bool   // detach rather than release when the instance goes away
}

// DefaultGroup is the key distribution group used when an operator or
// agent names none.
const DefaultGroup = "default"

// KeyRecord is one authorized SSH public key plus ownership metadata.
// Records are immutable once created; removal is a separate ChangeEvent,
// never a mutation.
type KeyRecord struct {
	Fingerprint string // SHA256:... form
	PublicKey   []byte // authorized_keys wire format, single line, no newline
	Owner       string // operator account that registered the key
	Groups      []string
	CreatedAt   time.Time
}

// ChangeOp defines the operation carried by a ChangeEvent
type ChangeOp string

const (
	OpAdd    ChangeOp = "add"
	OpRemove ChangeOp = "remove"
)

// ChangeEvent records one key-membership change in a (namespace, group)
// scope. Sequence numbers are dense and monotonic per scope.
type ChangeEvent struct {
	Namespace   string
	Group       string
	Sequence    uint64
	Op          ChangeOp
	Fingerprint string
	Key         *KeyRecord // set for add operations
	CreatedAt   time.Time
}

// Envelope is the queue wire form of a ChangeEvent. Agents re-fetch the
// full KeyRecord from a snapshot when they need the key bytes of an add
// they have not seen; the envelope itself carries the add's key line so
// the common path needs no extra round trip.
type Envelope struct {
	Namespace   string   `json:"namespace"`
	Group       string   `json:"group"`
	Sequence    uint64   `json:"sequence"`
	Op          ChangeOp `json:"op"`
	Fingerprint string   `json:"fingerprint"`
	PublicKey   []byte   `json:"public_key,omitempty"`
}

// Image is a reusable snapshot of a stopped instance's boot volume
type Image struct {
	ID        string
	Name      string // "<role>_<unix timestamp>"
	Source    Identity
	State     ImageState
	CreatedAt time.Time
}

// ImageState represents the provider-side state of an image
type ImageState string

const (
	ImageStatePending   ImageState = "pending"
	ImageStateAvailable ImageState = "available"
	ImageStateFailed    ImageState = "failed"
)

// Subscription binds an instance's delivery queue into its key scopes.
// One subscription per instance, covering every (namespace, group) the
// box listens on; the queue name derives from the instance identity.
type Subscription struct {
	Queue     string
	Identity  Identity
	Namespace string
	Groups    []string
	CreatedAt time.Time
}

