// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package errors provides the error taxonomy shared by the endpoint engine.
package errors

import (
	"errors"
	"fmt"
)

// Common error types
var (
	// ErrInvalidArgument indicates a missing or zero-length required input.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInvalidPath indicates an empty resource path.
	ErrInvalidPath = errors.New("invalid path")

	// ErrAlreadyExists indicates a resource with the same path is already stored.
	ErrAlreadyExists = errors.New("resource already exists")

	// ErrNotFound indicates no resource matched the given path.
	ErrNotFound = errors.New("resource not found")

	// ErrAllocationFailure indicates the injected allocator refused a buffer.
	ErrAllocationFailure = errors.New("allocation failure")

	// ErrSizeOverflow indicates a computed size does not fit a 16-bit counter.
	ErrSizeOverflow = errors.New("size overflow")

	// ErrNotRegistered indicates the operation requires a registered endpoint.
	ErrNotRegistered = errors.New("endpoint not registered")

	// ErrParseFailure indicates a malformed URI, integer or TLV record.
	ErrParseFailure = errors.New("parse failure")

	// ErrTransmit indicates the transmit callback rejected a datagram.
	ErrTransmit = errors.New("transmit failed")

	// ErrNotConfigured indicates a required address or callback is unset.
	ErrNotConfigured = errors.New("not configured")
)

// OpError wraps an error with the operation and resource path it occurred on.
type OpError struct {
	Op   string // Operation that failed
	Path string // Resource or request path, may be empty
	Err  error  // Underlying error
}

// Error implements the error interface.
func (e *OpError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *OpError) Unwrap() error {
	return e.Err
}

// New creates a new OpError.
func New(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &OpError{
		Op:   op,
		Path: path,
		Err:  err,
	}
}
