package amondawa

import "errors"

var (
	// ErrBlockPosMismatch is returned by Block.Replace when the given
	// timestamp does not belong to that block's ring slot (spec.md §7
	// kind 5, a programmer error).
	ErrBlockPosMismatch = errors.New("amondawa: timestamp does not belong to this block's slot")

	// ErrWriterClosed is returned by Block.StoreDatapoint when a write
	// races a concurrent TurndownTables/DeleteTables and reaches the
	// batched writer after it was closed (internal/batch.ErrClosed). A
	// block with no writer bound at all is a different, silent-drop case
	// (spec.md §7 kind 1): see StoreDatapoint's doc comment.
	ErrWriterClosed = errors.New("amondawa: block writer is closed")
)
