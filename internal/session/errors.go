// Package session is the controller that owns one signed-in user's realtime
// state: the message store of the active conversation, the presence set and
// the live channel that feeds them. Every mutation of that state goes through
// this package; consumers read snapshots and subscribe to notifications.
//
// This file centralizes the session-level error values so that the bridge
// handlers can map them to HTTP results consistently.
package session

import "errors"

var (
	// ErrUserRequired is returned by New without a local user id.
	ErrUserRequired = errors.New("session: user id is required")

	// ErrBackendRequired is returned by New without a REST backend.
	ErrBackendRequired = errors.New("session: backend is required")

	// ErrPeerRequired is returned when a conversation peer id is empty.
	ErrPeerRequired = errors.New("session: peer id is required")

	// ErrNotActive is returned when an operation names a conversation other
	// than the active one.
	ErrNotActive = errors.New("session: conversation is not active")

	// ErrEmptyMessage is returned by Send for blank text without media.
	ErrEmptyMessage = errors.New("session: message is empty")

	// ErrDuplicateSend is returned by Send when the client id is already in
	// the store. The existing entry is returned alongside it.
	ErrDuplicateSend = errors.New("session: client id already sent")
)
