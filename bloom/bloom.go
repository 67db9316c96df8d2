// Package bloom implements the fixed-width bloom filter backing one time
// slice of the revocation blacklist.
/*
 * Copyright (c) 2025-2026, Blnode Authors. All rights reserved.
 */
package bloom

import (
	"crypto/sha256"
	"encoding/binary"
	"strconv"

	"github.com/jwtrevoker/blnode/cmn"
	"github.com/pkg/errors"
)

const wordBits = 64

// Filter is a plain bloom filter: m bits, k SHA-256 derived indices per key.
// Membership has one-sided error: Contains never returns false for an added
// key; it may return true for keys never added. Not safe for concurrent
// use - the engine serializes access through its ring lock.
type Filter struct {
	bits   []uint64
	m      uint64
	k      int
	msgNum uint64
}

// NewFilter requires m to be a positive power of 2 and k positive.
func NewFilter(m uint64, k int) (*Filter, error) {
	if m == 0 || m&(m-1) != 0 {
		return nil, errors.Wrapf(cmn.ErrInvalidArgument, "filter size %d is not a positive power of 2", m)
	}
	if k <= 0 {
		return nil, errors.Wrapf(cmn.ErrInvalidArgument, "hash function count %d is not positive", k)
	}
	return &Filter{
		bits: make([]uint64, (m+wordBits-1)/wordBits),
		m:    m,
		k:    k,
	}, nil
}

// Add sets the k bits derived from key and bumps the message counter.
func (f *Filter) Add(key string) {
	for i := 0; i < f.k; i++ {
		idx := f.index(key, i)
		f.bits[idx/wordBits] |= 1 << (idx % wordBits)
	}
	f.msgNum++
}

// Contains reports whether all k bits for key are set.
func (f *Filter) Contains(key string) bool {
	for i := 0; i < f.k; i++ {
		idx := f.index(key, i)
		if f.bits[idx/wordBits]&(1<<(idx%wordBits)) == 0 {
			return false
		}
	}
	return true
}

// MsgNum returns the number of Add calls accepted so far.
func (f *Filter) MsgNum() uint64 { return f.msgNum }

// Size returns the bit width m.
func (f *Filter) Size() uint64 { return f.m }

// HashFuncNum returns k.
func (f *Filter) HashFuncNum() int { return f.k }

// index derives the i-th bit position for key: the first 8 bytes of
// SHA-256(key + "_" + i) as a big-endian uint64, reduced mod m. A fresh
// digest per i keeps the index streams uncorrelated across nearly-identical
// keys, which double-hashing schemes do not guarantee.
func (f *Filter) index(key string, i int) uint64 {
	sum := sha256.Sum256([]byte(key + "_" + strconv.Itoa(i)))
	return binary.BigEndian.Uint64(sum[:8]) & (f.m - 1)
}
