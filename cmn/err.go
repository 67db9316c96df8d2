// Package cmn provides common low-level types and utilities for all blnode packages.
/*
 * Copyright (c) 2025-2026, Blnode Authors. All rights reserved.
 */
package cmn

import (
	"github.com/pkg/errors"
)

// Error kinds. Call sites wrap these with context via errors.Wrapf and
// classify with errors.Is.
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrIo              = errors.New("i/o error")
	ErrProtocol        = errors.New("protocol error")
	ErrAuthFailed      = errors.New("authentication failed")
)
