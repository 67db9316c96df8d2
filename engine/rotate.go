// Package engine implements the time-sliced bloom filter blacklist.
/*
 * Copyright (c) 2025-2026, Blnode Authors. All rights reserved.
 */
package engine

import (
	"time"

	"github.com/jwtrevoker/blnode/bloom"
	"github.com/jwtrevoker/blnode/stats"
	"github.com/sirupsen/logrus"
)

// rotateWorker evicts the oldest slice once per rotation interval. A signal
// on resetCh means the parameters changed: re-read the interval and restart
// the wait - no rotation happens on a wake.
func (e *Engine) rotateWorker() {
	defer e.wg.Done()
	for {
		e.mu.RLock()
		interval := time.Duration(e.params.RotationInterval) * time.Second
		e.mu.RUnlock()

		timer := time.NewTimer(interval)
		select {
		case <-e.stopCh:
			timer.Stop()
			return
		case <-e.resetCh:
			timer.Stop()
		case <-timer.C:
			e.rotateOnce()
		}
	}
}

// rotateOnce drops slice 0 and appends a fresh slice at the tail.
func (e *Engine) rotateOnce() {
	e.mu.Lock()
	f, err := bloom.NewFilter(e.params.FilterSize, e.params.HashFuncNum)
	if err != nil {
		// params were validated at swap time
		e.mu.Unlock()
		logrus.Errorf("rotation: %v", err)
		return
	}
	e.ring = append(e.ring[1:], f)
	slices, size := len(e.ring), e.params.FilterSize
	e.mu.Unlock()

	stats.RotationsTotal.Inc()
	logrus.Infof("rotated bloom filter ring: %d slices, %d KiB resident",
		slices, uint64(slices)*size/8/1024)
}
