// Package node ties the blacklist engine to the outside world.
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
	"github.com/jwtrevoker/blnode/transport"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const proxyQueryTimeout = 5 * time.Second

// proxyClient is a slave node's channel to its proxy: revocations are
// forwarded fire-and-forget, lookups are synchronous round-trips. A mutex
// serializes round-trips so responses cannot interleave.
type proxyClient struct {
	host string
	port int

	mu   sync.Mutex
	conn net.Conn
}

// dialProxy connects with the usual fixed backoff until it succeeds or the
// owner stops.
func dialProxy(host string, port int, stopCh <-chan struct{}) (*proxyClient, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	for {
		conn, err := net.DialTimeout("tcp", addr, connectRetryDelay)
		if err == nil {
			logrus.Infof("proxy node connected: %s", conn.RemoteAddr())
			return &proxyClient{host: host, port: port, conn: conn}, nil
		}
		logrus.Warnf("proxy connection failed, retrying in %v: %v", connectRetryDelay, err)
		select {
		case <-stopCh:
			return nil, errors.Wrap(cmn.ErrIo, "stopped while dialing proxy")
		case <-time.After(connectRetryDelay):
		}
	}
}

func (p *proxyClient) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
}

// RevokeJwt forwards one revocation to the proxy's query port.
func (p *proxyClient) RevokeJwt(token, expTime string) error {
	msg, err := cmn.MsgAssembly(cmn.EvRevokeJwt, map[string]string{
		"token":    token,
		"exp_time": expTime,
	})
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return errors.Wrap(cmn.ErrIo, "proxy connection closed")
	}
	return transport.SendMsg(p.conn, msg)
}

// IsRevoked asks the proxy and relays its verdict. Transport errors and
// unrecognized status values fail closed: a blacklist that cannot be
// consulted must not clear tokens.
func (p *proxyClient) IsRevoked(token, expTime string) (bool, error) {
	msg, err := cmn.MsgAssembly(cmn.EvIsJwtRevoked, map[string]string{
		"token":    token,
		"exp_time": expTime,
	})
	if err != nil {
		return true, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return true, errors.Wrap(cmn.ErrIo, "proxy connection closed")
	}
	if err := transport.SendMsg(p.conn, msg); err != nil {
		return true, err
	}
	deadline := time.Now().Add(proxyQueryTimeout)
	p.conn.SetReadDeadline(deadline)
	defer p.conn.SetReadDeadline(time.Time{})
	for {
		reply, err := transport.RecvMsg(p.conn)
		if err != nil {
			return true, err
		}
		event, data, err := cmn.MsgParse(reply)
		if err != nil {
			logrus.Warnf("dropping malformed proxy message: %v", err)
			continue
		}
		if event != cmn.EvIsJwtRevokedResponse {
			logrus.Infof("ignoring proxy event %q while awaiting query response", event)
			continue
		}
		switch data["status"] {
		case "active":
			return false, nil
		case "revoked":
			return true, nil
		default:
			return true, nil
		}
	}
}
