package collab

import (
	"errors"
)

var (
	// ErrUnknownParent means an event referenced a parent entity that does
	// not exist in the graph. The event is dropped.
	ErrUnknownParent = errors.New("unknown parent")

	// ErrUnknownEntity means an event targeted an entity that does not
	// exist in the graph. The event is dropped.
	ErrUnknownEntity = errors.New("unknown entity")

	// ErrUnknownEventType means the envelope carried an event type this
	// reader does not understand. The event is dropped, never fatal.
	ErrUnknownEventType = errors.New("unknown event type")

	// ErrDuplicateEvent means the eventId was already applied or persisted.
	// Expected under at-least-once delivery.
	ErrDuplicateEvent = errors.New("duplicate event")

	// ErrCorruptSnapshot means the snapshot bundle could not be decoded.
	ErrCorruptSnapshot = errors.New("corrupt snapshot")

	// ErrIncompatibleSchema means the snapshot bundle was written by a
	// newer schema than this reader understands.
	ErrIncompatibleSchema = errors.New("incompatible snapshot schema")

	// ErrUnauthorized means the join token did not resolve to a user.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrUnsavedContent means a load would discard a ready project that
	// still holds unsaved content.
	ErrUnsavedContent = errors.New("unsaved content")

	// ErrClosed means the component was closed.
	ErrClosed = errors.New("closed")
)
