package tiercache

import "errors"

var (
	// ErrKeyExists is returned by Add when the key already holds a live value.
	ErrKeyExists = errors.New("tiercache: key already exists")

	// ErrNotANumber is returned by Increment when the stored value cannot be
	// parsed as a base-10 integer.
	ErrNotANumber = errors.New("tiercache: value is not an integer")

	// ErrValueTooLarge is returned by a bounded memory backend configured to
	// reject values bigger than its byte budget.
	ErrValueTooLarge = errors.New("tiercache: value exceeds size limit")

	// ErrCASConflict is returned by OptimisticLock.Cas when the key changed
	// after the snapshot was taken.
	ErrCASConflict = errors.New("tiercache: value changed since read")

	// ErrNamespaceUnsupported is returned by Clear on backends that cannot
	// enumerate keys by prefix (memcached).
	ErrNamespaceUnsupported = errors.New("tiercache: backend cannot clear a namespace")

	// ErrRawUnsupported is returned by Raw for commands the backend does not
	// recognize.
	ErrRawUnsupported = errors.New("tiercache: raw command not supported")
)
