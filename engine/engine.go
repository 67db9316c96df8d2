// Package engine implements the time-sliced bloom filter blacklist: an
// ordered ring of filters where slice i covers tokens expiring within
// (i+1) rotation intervals. Inserts write a prefix of the ring, lookups AND
// the same prefix, and a background worker rotates the oldest slice out on
// every interval tick.
/*
 * Copyright (c) 2025-2026, Blnode Authors. All rights reserved.
 */
package engine

import (
	"os"
	"sync"
	"time"

	"github.com/jwtrevoker/blnode/bloom"
	"github.com/jwtrevoker/blnode/cmn"
	"github.com/jwtrevoker/blnode/stats"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// for tests
var timeNow = time.Now

// Params is the engine configuration tuple. Intervals are in seconds.
type Params struct {
	MaxJwtLifeTime   int64
	RotationInterval int64
	FilterSize       uint64
	HashFuncNum      int
}

func (p Params) Validate() error {
	if p.MaxJwtLifeTime <= 0 {
		return errors.Wrapf(cmn.ErrInvalidArgument, "max_jwt_life_time %d is not positive", p.MaxJwtLifeTime)
	}
	if p.RotationInterval <= 0 {
		return errors.Wrapf(cmn.ErrInvalidArgument, "rotation_interval %d is not positive", p.RotationInterval)
	}
	if _, err := bloom.NewFilter(p.FilterSize, p.HashFuncNum); err != nil {
		return err
	}
	return nil
}

// RingLen returns ceil(MaxJwtLifeTime / RotationInterval).
func (p Params) RingLen() int {
	return int((p.MaxJwtLifeTime + p.RotationInterval - 1) / p.RotationInterval)
}

// Engine owns the slice ring and the persistence log queue. One RWMutex
// serializes mutation (insert, rotate, rebuild) against shared readers.
type Engine struct {
	mu     sync.RWMutex
	params Params
	ring   []*bloom.Filter

	logDir string
	logQ   *cmn.Queue[string]

	resetCh  chan struct{} // rotation timer reset, never a rotation trigger
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New validates the parameters, replays the on-disk log into a fresh ring,
// and starts the rotation and log writer workers. Recovery runs before the
// rotation worker exists, so it needs no locking.
func New(p Params, logDir string) (*Engine, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, errors.Wrapf(cmn.ErrIo, "create log dir %q: %v", logDir, err)
	}
	ring, err := makeRing(p)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		params:  p,
		ring:    ring,
		logDir:  logDir,
		logQ:    cmn.NewQueue[string](cmn.DfltQueueCap),
		resetCh: make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
	}
	e.recoverFromLog()
	stats.SliceCount.Set(float64(len(ring)))

	e.wg.Add(2)
	go e.rotateWorker()
	go e.logWorker()
	return e, nil
}

// Stop drains the log queue, stops the workers, and waits for them.
// Idempotent.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopCh)
		e.logQ.Close()
	})
	e.wg.Wait()
}

// RevokeJwt records token as revoked until expTime. Records already expired
// or expiring beyond the retention window are discarded. Returns whether the
// record was accepted.
func (e *Engine) RevokeJwt(token string, expTime int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := e.sliceSpan(expTime)
	if n == 0 {
		stats.DroppedRecordsTotal.Inc()
		return false
	}
	for i := 0; i < n; i++ {
		e.ring[i].Add(token)
	}
	stats.RevokedTotal.Inc()
	return true
}

// IsRevoked reports whether token was revoked. Outside the valid window the
// answer is false regardless of ring contents. Within it, the token must be
// present in every slice covering its remaining life - ANDing the prefix
// tightens the false positive rate from p to about p^n.
func (e *Engine) IsRevoked(token string, expTime int64) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	n := e.sliceSpan(expTime)
	if n == 0 {
		return false
	}
	for i := 0; i < n; i++ {
		if !e.ring[i].Contains(token) {
			return false
		}
	}
	return true
}

// sliceSpan returns how many leading slices cover a token expiring at
// expTime, or 0 when the record falls outside the retention window.
// Callers hold the ring lock.
func (e *Engine) sliceSpan(expTime int64) int {
	remaining := expTime - timeNow().Unix()
	if remaining <= 0 || remaining > e.params.MaxJwtLifeTime {
		return 0
	}
	n := int((remaining + e.params.RotationInterval - 1) / e.params.RotationInterval)
	if n > len(e.ring) {
		return 0
	}
	return n
}

// AdjustParameters rebuilds the ring under new dimensions: allocate, replay
// the eligible on-disk log into the new ring, swap atomically, and reset the
// rotation timer. Any failure leaves the current ring untouched.
func (e *Engine) AdjustParameters(p Params) error {
	if err := p.Validate(); err != nil {
		return err
	}
	ring, err := makeRing(p)
	if err != nil {
		return err
	}
	e.replayLog(func(token string, expTime int64) {
		insertInto(ring, p, token, expTime)
	})

	e.mu.Lock()
	e.params = p
	e.ring = ring
	e.mu.Unlock()

	stats.SliceCount.Set(float64(len(ring)))

	// wake the rotation worker so it restarts its wait under the new
	// interval; the wake itself must not rotate
	select {
	case e.resetCh <- struct{}{}:
	default:
	}
	logrus.Infof("engine parameters adjusted: life=%ds interval=%ds m=%d k=%d slices=%d",
		p.MaxJwtLifeTime, p.RotationInterval, p.FilterSize, p.HashFuncNum, len(ring))
	return nil
}

// Params returns the current configuration tuple.
func (e *Engine) Params() Params {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.params
}

// FillingRate returns the per-slice accepted message counters, current
// slice first.
func (e *Engine) FillingRate() []uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rate := make([]uint64, len(e.ring))
	for i, f := range e.ring {
		rate[i] = f.MsgNum()
	}
	return rate
}

// RingLen returns the number of slices currently in the ring.
func (e *Engine) RingLen() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.ring)
}

func makeRing(p Params) ([]*bloom.Filter, error) {
	n := p.RingLen()
	ring := make([]*bloom.Filter, 0, n)
	for i := 0; i < n; i++ {
		f, err := bloom.NewFilter(p.FilterSize, p.HashFuncNum)
		if err != nil {
			return nil, err
		}
		ring = append(ring, f)
	}
	return ring, nil
}

// insertInto applies the RevokeJwt slice-prefix rule to a detached ring,
// used when rebuilding under new parameters.
func insertInto(ring []*bloom.Filter, p Params, token string, expTime int64) {
	remaining := expTime - timeNow().Unix()
	if remaining <= 0 || remaining > p.MaxJwtLifeTime {
		return
	}
	n := int((remaining + p.RotationInterval - 1) / p.RotationInterval)
	if n > len(ring) {
		return
	}
	for i := 0; i < n; i++ {
		ring[i].Add(token)
	}
}
