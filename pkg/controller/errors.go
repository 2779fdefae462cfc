package controller

import (
	"fmt"
	"strings"
	"time"

	"github.com/hutchcloud/hutch/pkg/types"
)

// ConflictError reports a Create that lost the registration race: a live
// record already occupies the identity.
type ConflictError struct {
	Identity types.Identity
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("instance %s already exists", e.Identity)
}

// InvalidStateError reports an operation applied to an instance whose
// state does not permit it. No provider call has been made.
type InvalidStateError struct {
	Op      string
	Current types.InstanceState
	Want    types.InstanceState
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s instance in state %q (requires %q)", e.Op, e.Current, e.Want)
}

// ProvisioningTimeoutError reports a Create abandoned at the provisioning
// deadline. The compensating teardown has already run: the provider
// resource is terminated best effort and the record marked terminated.
type ProvisioningTimeoutError struct {
	Identity types.Identity
	Elapsed  time.Duration
	Phase    types.InstanceState // how far provisioning got
}

func (e *ProvisioningTimeoutError) Error() string {
	return fmt.Sprintf("provisioning %s timed out after %s in state %s; resource torn down",
		e.Identity, e.Elapsed.Round(time.Second), e.Phase)
}

// BootstrapScriptFailure reports a bootstrap sequence that exhausted its
// attempt budget. The machine keeps running and the record stays in
// bootstrapping so the failure can be diagnosed over SSH.
type BootstrapScriptFailure struct {
	Identity types.Identity
	Step     string
	Attempts int
	ExitCode int
	Stderr   string
}

func (e *BootstrapScriptFailure) Error() string {
	return fmt.Sprintf("bootstrap step %s on %s failed after %d attempts (exit %d): %s",
		e.Step, e.Identity, e.Attempts, e.ExitCode, strings.TrimSpace(e.Stderr))
}
