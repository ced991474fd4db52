// Package repository defines the persistence contracts of the drafting
// service and the error values shared across its stores. The sentinels let
// higher layers such as handlers distinguish failure classes with
// errors.Is: a missing session maps to 404, an unavailable backend to 503
// with the tiered store absorbing it when a fallback exists.
package repository

import "errors"

// ErrSessionNotFound is returned when a session id has no persisted record.
// Handlers should translate this into an HTTP 404 response.
var ErrSessionNotFound = errors.New("session not found")

// ErrRepositoryUnavailable is returned when a storage backend cannot answer
// (connection refused, timeout, lock acquisition failure). The tiered store
// falls back to the next tier when it sees this error.
var ErrRepositoryUnavailable = errors.New("repository unavailable")

// ErrEmailExists is returned when registering a user with an email that is
// already taken. Handlers should translate this into an HTTP 409 response.
var ErrEmailExists = errors.New("email already exists")
