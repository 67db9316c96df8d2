// Package transport provides the length-prefixed message framing and the
// bidirectional message bridge used by the master session, the proxy client,
// and the query server.
/*
 * Copyright (c) 2025-2026, Blnode Authors. All rights reserved.
 */
package transport

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/jwtrevoker/blnode/cmn"
	"github.com/sirupsen/logrus"
)

// MsgBridge pumps messages between a connected stream socket and a pair of
// queues: one worker drains the outbound queue into frames, one reads frames
// into the inbound queue. The queues are supplied by the owner so they can
// outlive the connection (the master session keeps its outbound queue across
// reconnects). The first socket error is published on Err(); the owner then
// calls Stop, closes or replaces the socket, and decides whether to redial.
type MsgBridge struct {
	conn    net.Conn
	sendQ   *cmn.Queue[string]
	recvQ   *cmn.Queue[string]
	errCh   chan error
	failed  atomic.Bool
	stopped atomic.Bool
	wg      sync.WaitGroup
}

func NewMsgBridge(conn net.Conn, sendQ, recvQ *cmn.Queue[string]) *MsgBridge {
	return &MsgBridge{
		conn:  conn,
		sendQ: sendQ,
		recvQ: recvQ,
		errCh: make(chan error, 1),
	}
}

func (b *MsgBridge) Start() {
	b.wg.Add(2)
	go b.sendWorker()
	go b.recvWorker()
}

// Err delivers the first socket error observed by either worker.
func (b *MsgBridge) Err() <-chan error { return b.errCh }

// Stop terminates both workers and waits for them. The socket is closed to
// unblock a pending read; the send worker is woken through the queue.
// Idempotent.
func (b *MsgBridge) Stop() {
	if !b.stopped.CompareAndSwap(false, true) {
		b.wg.Wait()
		return
	}
	b.conn.Close()
	// empty payloads are dropped by SendMsg, so an empty string doubles as
	// a wakeup token for a send worker parked on an idle queue
	b.sendQ.TryEnqueue("")
	b.wg.Wait()
}

func (b *MsgBridge) sendWorker() {
	defer b.wg.Done()
	for {
		msg, ok := b.sendQ.Dequeue()
		if !ok || b.stopped.Load() {
			return
		}
		if msg == "" {
			continue
		}
		if err := SendMsg(b.conn, msg); err != nil {
			b.fail(err)
			return
		}
	}
}

func (b *MsgBridge) recvWorker() {
	defer b.wg.Done()
	for {
		msg, err := RecvMsg(b.conn)
		if err != nil {
			b.fail(err)
			return
		}
		if msg == "" {
			continue
		}
		if !b.recvQ.Enqueue(msg) {
			return
		}
	}
}

func (b *MsgBridge) fail(err error) {
	if !b.failed.CompareAndSwap(false, true) {
		return
	}
	if !b.stopped.Load() {
		logrus.Warnf("msg bridge: %v", err)
	}
	select {
	case b.errCh <- err:
	default:
	}
}
