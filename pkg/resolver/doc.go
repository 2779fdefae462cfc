// Package resolver maps human-facing instance references to registry
// records.
//
// A reference is a (namespace, role, ordinal) triple. The ordinal is
// optional: commands like "stop the box in /env/" should work without one
// as long as the reference is unambiguous. The resolver owns that rule so
// the controller, the imaging pipeline and the CLI all resolve references
// the same way.
//
// # Resolution Rules
//
// Given a namespace, a role and an optional ordinal, against the set of
// live (non-terminated) instances of that role:
//
//	ordinal given   -> the exact instance, or not-found
//	ordinal omitted -> 0 live matches: not-found
//	                   1 live match:   that instance
//	                   2+ live matches: AmbiguousReferenceError
//
// AmbiguousReferenceError carries the candidate ordinals so a caller can
// print them and let the operator pick:
//
//	var ambiguous *resolver.AmbiguousReferenceError
//	if errors.As(err, &ambiguous) {
//	    fmt.Printf("choose one of %v\n", ambiguous.Ordinals)
//	}
//
// Terminated instances never match. Their registry rows are kept for
// auditing until pruned, but a reference is always a reference to
// something alive.
//
// # Ordinal Assignment
//
// NextOrdinal picks the lowest ordinal not held by a live instance, so
// terminated slots are reused. Launching three boxes, terminating the
// middle one and launching a fourth yields ordinals 0, 2, and a new 1.
// The controller calls this when a create request does not pin an
// ordinal.
//
// # Design Notes
//
// The resolver is a pure function over the registry. It holds no cache
// and no locks; races between resolution and a concurrent terminate are
// handled by the controller's per-instance state checks, not here.
package resolver
