// Package mongo provides MongoDB-backed implementations of the session and
// continuation stores. Build the low-level client via
// features/session/mongo/clients/mongo and pass it to NewStore /
// NewContinuationStore so deployments can keep durable records outside the
// local filesystem.
package mongo
