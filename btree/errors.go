package btree

import "errors"

var (
	// ErrNotFound is returned by Get/Remove when the key is absent.
	ErrNotFound = errors.New("btree: not found")

	// ErrSpaceFull is returned when node allocation is refused by the
	// underlying Store (§4.F "Failure semantics").
	ErrSpaceFull = errors.New("btree: space full")

	// ErrRetry is internal: it causes the caller to restart the operation
	// from the root and never escapes a public Tree method.
	ErrRetry = errors.New("btree: retry from root")

	// ErrKeyExists is returned by Put under PutInsertOnly when the key is
	// already present.
	ErrKeyExists = errors.New("btree: key exists")

	// ErrEmptyTree is not returned by any Tree method: a range query over
	// a tree with no entries returns an empty batch and a nil error.
	ErrEmptyTree = errors.New("btree: empty tree")
)
