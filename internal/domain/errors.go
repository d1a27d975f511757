// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist or its lease already expired.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates another party holds or already mutated the resource.
var ErrConflict = errors.New("conflict: resource was modified by another request")

// ErrValidation indicates a request referenced a missing or invalid session, partition, or option.
var ErrValidation = errors.New("validation failed")

// ErrProtocol indicates a status value reached a switch with no matching case.
var ErrProtocol = errors.New("protocol violation")
