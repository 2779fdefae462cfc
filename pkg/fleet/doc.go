// Package fleet runs multi-box operations on top of the single-box
// controller. Grow provisions N boxes of a role with bounded
// parallelism; slots fail independently and ordinal races between
// concurrent creates are absorbed by drawing again.
package fleet
