// Copyright 2025 The kbflow Authors
// SPDX-License-Identifier: Apache-2.0

package store

import "fmt"

// StoreError wraps a failure inside a storage implementation, naming the
// operation and the task or session it was for.
type StoreError struct {
	Operation string
	Key       string
	Err       error
}

func (e StoreError) Error() string {
	return fmt.Sprintf("store %s failed for %s: %v", e.Operation, e.Key, e.Err)
}

// Unwrap returns the underlying error.
func (e StoreError) Unwrap() error { return e.Err }

// NewStoreError creates a new StoreError.
func NewStoreError(operation, key string, err error) StoreError {
	return StoreError{Operation: operation, Key: key, Err: err}
}
