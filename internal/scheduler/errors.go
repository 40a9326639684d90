package scheduler

import "errors"

var (
	// ErrQueueFull rejects a request when the session queue is at capacity (drop=new).
	ErrQueueFull = errors.New("session queue is full")

	// ErrQueueDropped is delivered to a queued request evicted to make room (drop=old).
	ErrQueueDropped = errors.New("message dropped from queue")

	// ErrLaneStopped is returned by Submit after Stop.
	ErrLaneStopped = errors.New("lane stopped")
)
