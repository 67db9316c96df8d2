// Package cmn provides common low-level types and utilities for all blnode packages.
/*
 * Copyright (c) 2025-2026, Blnode Authors. All rights reserved.
 */
package cmn

import (
	"encoding/json"

	"github.com/golang-jwt/jwt/v4"
	"github.com/pkg/errors"
)

// ExpFromToken extracts the `exp` claim from a JWT without verifying the
// signature. The blacklist treats tokens as opaque, but when a client omits
// exp_time the expiry can still be read off the token itself.
func ExpFromToken(token string) (int64, error) {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return 0, errors.Wrapf(ErrProtocol, "not a parseable JWT: %v", err)
	}
	switch exp := claims["exp"].(type) {
	case float64:
		return int64(exp), nil
	case json.Number:
		n, err := exp.Int64()
		if err != nil {
			return 0, errors.Wrapf(ErrProtocol, "exp claim %q: %v", exp.String(), err)
		}
		return n, nil
	default:
		return 0, errors.Wrap(ErrProtocol, "missing exp claim")
	}
}
