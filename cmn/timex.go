// Package cmn provides common low-level types and utilities for all blnode packages.
/*
 * Copyright (c) 2025-2026, Blnode Authors. All rights reserved.
 */
package cmn

import "time"

// HourlyTimestamp truncates t to the top of its hour in local time and
// returns the Unix timestamp. Hourly revocation log files are named after
// this value.
func HourlyTimestamp(t time.Time) int64 {
	lt := t.Local()
	return time.Date(lt.Year(), lt.Month(), lt.Day(), lt.Hour(), 0, 0, 0, lt.Location()).Unix()
}
