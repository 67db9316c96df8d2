// Package node ties the blacklist engine to the outside world: the master
// control-plane session, the scheduler with its role state machine, the
// proxy client, and the client-facing query server.
/*
 * Copyright (c) 2025-2026, Blnode Authors. All rights reserved.
 */
package node

import (
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/jwtrevoker/blnode/cmn"
	"github.com/jwtrevoker/blnode/stats"
	"github.com/jwtrevoker/blnode/transport"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const connectRetryDelay = 5 * time.Second

// MasterSession maintains the persistent control-plane connection:
// Disconnected -> Connecting -> Authenticating -> Authenticated, with a
// watchdog that re-runs the whole sequence whenever the socket fails. The
// send and receive queues outlive any single connection, so messages queued
// while the link is down are delivered after the next reconnect.
type MasterSession struct {
	conf  *cmn.Config
	sendQ *cmn.Queue[string]
	recvQ *cmn.Queue[string]

	mu     sync.Mutex
	bridge *transport.MsgBridge

	fatalCh  chan error
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewMasterSession(conf *cmn.Config) *MasterSession {
	return &MasterSession{
		conf:    conf,
		sendQ:   cmn.NewQueue[string](cmn.DfltQueueCap),
		recvQ:   cmn.NewQueue[string](cmn.DfltQueueCap),
		fatalCh: make(chan error, 1),
		stopCh:  make(chan struct{}),
	}
}

// Start blocks until the session is authenticated, then launches the
// message workers, the reconnect watchdog, and the session keepalive.
// ErrAuthFailed is fatal and returned to the caller.
func (s *MasterSession) Start() error {
	conn, err := s.connect()
	if err != nil {
		return err
	}
	s.swapBridge(conn)
	s.wg.Add(2)
	go s.watchdog()
	go s.keepaliveWorker()
	return nil
}

// AsyncSendMsg queues msg for delivery without waiting for the socket.
// Back-pressure applies once the bounded queue fills up.
func (s *MasterSession) AsyncSendMsg(msg string) {
	s.sendQ.Enqueue(msg)
}

// RecvMsg blocks until the next application-level message arrives. Returns
// false once the session is stopped.
func (s *MasterSession) RecvMsg() (string, bool) {
	return s.recvQ.Dequeue()
}

// Fatal delivers an unrecoverable post-startup error (auth rejected during
// a reconnect).
func (s *MasterSession) Fatal() <-chan error { return s.fatalCh }

// Stop terminates the workers, wakes all queue blockers, and waits.
// Idempotent.
func (s *MasterSession) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.mu.Lock()
		if s.bridge != nil {
			s.bridge.Stop()
		}
		s.mu.Unlock()
		s.sendQ.Close()
		s.recvQ.Close()
	})
	s.wg.Wait()
	// a reconnect may have swapped in a fresh bridge concurrently; stopping
	// twice is safe
	s.mu.Lock()
	if s.bridge != nil {
		s.bridge.Stop()
	}
	s.mu.Unlock()
}

// connect dials the master with a fixed backoff until it succeeds, then
// authenticates on the fresh socket. Only auth_failed and Stop break the
// loop.
func (s *MasterSession) connect() (net.Conn, error) {
	addr := net.JoinHostPort(s.conf.MasterIP, strconv.Itoa(s.conf.MasterPort))
	for {
		conn, err := net.DialTimeout("tcp", addr, connectRetryDelay)
		if err == nil {
			err = s.authenticate(conn)
			if err == nil {
				logrus.Infof("master connected: %s", conn.RemoteAddr())
				return conn, nil
			}
			conn.Close()
			if errors.Is(err, cmn.ErrAuthFailed) {
				return nil, err
			}
		}
		logrus.Warnf("master connection failed, retrying in %v: %v", connectRetryDelay, err)
		select {
		case <-s.stopCh:
			return nil, errors.Wrap(cmn.ErrIo, "session stopped")
		case <-time.After(connectRetryDelay):
		}
	}
}

// authenticate runs the hello_from_client handshake synchronously on the
// socket, before the bridge workers take over.
func (s *MasterSession) authenticate(conn net.Conn) error {
	hello, err := cmn.MsgAssembly(cmn.EvHelloFromClient, map[string]string{
		"client_uid": s.conf.ClientUID,
		"token":      s.conf.Token,
	})
	if err != nil {
		return err
	}
	if err := transport.SendMsg(conn, hello); err != nil {
		return err
	}
	reply, err := transport.RecvMsg(conn)
	if err != nil {
		return err
	}
	event, _, err := cmn.MsgParse(reply)
	if err != nil {
		return err
	}
	switch event {
	case cmn.EvAuthSuccess:
		return nil
	case cmn.EvAuthFailed:
		return errors.Wrapf(cmn.ErrAuthFailed, "master rejected client_uid %q", s.conf.ClientUID)
	default:
		return errors.Wrapf(cmn.ErrProtocol, "unexpected auth reply %q", event)
	}
}

// watchdog reacts to the first socket error of the active bridge: join the
// workers, drop the socket, and re-run the Connecting -> Authenticating
// sequence with the existing queues.
func (s *MasterSession) watchdog() {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		bridge := s.bridge
		s.mu.Unlock()
		select {
		case <-s.stopCh:
			return
		case err := <-bridge.Err():
			logrus.Warnf("master connection lost (%v), reconnecting", err)
			stats.MasterReconnectsTotal.Inc()
			bridge.Stop()
			conn, err := s.connect()
			if err != nil {
				if errors.Is(err, cmn.ErrAuthFailed) {
					select {
					case s.fatalCh <- err:
					default:
					}
				}
				return
			}
			s.swapBridge(conn)
		}
	}
}

func (s *MasterSession) swapBridge(conn net.Conn) {
	bridge := transport.NewMsgBridge(conn, s.sendQ, s.recvQ)
	s.mu.Lock()
	s.bridge = bridge
	s.mu.Unlock()
	bridge.Start()
}

// keepaliveWorker emits the session-level heartbeat.
func (s *MasterSession) keepaliveWorker() {
	defer s.wg.Done()
	msg, err := cmn.MsgAssembly(cmn.EvKeepalive, map[string]string{
		"client_uid": s.conf.ClientUID,
	})
	if err != nil {
		logrus.Errorf("keepalive: %v", err)
		return
	}
	ticker := time.NewTicker(s.conf.KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.AsyncSendMsg(msg)
		}
	}
}
