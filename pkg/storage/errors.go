// SPDX-FileCopyrightText: Copyright 2025 zxcv authors
// SPDX-License-Identifier: Apache-2.0

package storage

import "errors"

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrExpired is returned when a state record exists but is past its TTL.
	ErrExpired = errors.New("expired")

	// ErrAlreadyExists is returned when a record with the same key already exists.
	ErrAlreadyExists = errors.New("already exists")
)
