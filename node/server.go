// Package node ties the blacklist engine to the outside world.
/*
 * Copyright (c) 2025-2026, Blnode Authors. All rights reserved.
 */
package node

import (
	"context"
	"net"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/jwtrevoker/blnode/cmn"
	"github.com/jwtrevoker/blnode/stats"
	"github.com/jwtrevoker/blnode/transport"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// queryBackend is the slice of the scheduler the query server consumes.
type queryBackend interface {
	Role() Role
	IsRevoked(token string, expTime int64) (bool, error)
	RevokeLocal(token string, expTime int64)
	StreamHourLog(hourlyTimestamp int64, emit func(token, expTime string) error) error
}

// Server answers client revocation lookups. Each accepted connection runs
// three cooperating tasks - frame reader, frame writer, and the message
// processor between them; the first failure cancels the siblings and closes
// the socket.
type Server struct {
	conf    *cmn.Config
	backend queryBackend

	ln       net.Listener
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewServer(conf *cmn.Config, backend queryBackend) *Server {
	return &Server{
		conf:    conf,
		backend: backend,
		stopCh:  make(chan struct{}),
	}
}

func (srv *Server) Start() error {
	addr := net.JoinHostPort(srv.conf.ServerIP, strconv.Itoa(srv.conf.ServerPort))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(cmn.ErrIo, "bind query server %s: %v", addr, err)
	}
	srv.ln = ln
	logrus.Infof("query server listening on %s", addr)
	srv.wg.Add(1)
	go srv.acceptWorker()
	return nil
}

// Stop closes the listener and waits for every connection handler.
// Idempotent.
func (srv *Server) Stop() {
	srv.stopOnce.Do(func() {
		close(srv.stopCh)
		if srv.ln != nil {
			srv.ln.Close()
		}
	})
	srv.wg.Wait()
}

func (srv *Server) acceptWorker() {
	defer srv.wg.Done()
	for {
		conn, err := srv.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			select {
			case <-srv.stopCh:
				return
			default:
				logrus.Warnf("accept: %v", err)
				continue
			}
		}
		srv.wg.Add(1)
		go srv.handleConn(conn)
	}
}

func (srv *Server) handleConn(conn net.Conn) {
	defer srv.wg.Done()
	cid := uuid.NewString()[:8]
	logrus.Infof("client %s connected: %s", cid, conn.RemoteAddr())

	recvQ := cmn.NewQueue[string](cmn.DfltQueueCap)
	sendQ := cmn.NewQueue[string](cmn.DfltQueueCap)
	g, ctx := errgroup.WithContext(context.Background())
	g.Go(func() error { return recvTask(conn, recvQ) })
	g.Go(func() error { return sendTask(conn, sendQ) })
	g.Go(func() error { return srv.processTask(cid, recvQ, sendQ) })

	// first failure (or server stop) closes the socket and both queues,
	// which unblocks whichever siblings are still parked
	go func() {
		select {
		case <-ctx.Done():
		case <-srv.stopCh:
		}
		conn.Close()
		recvQ.Close()
		sendQ.Close()
	}()

	if err := g.Wait(); err != nil {
		logrus.Infof("client %s connection closed: %v", cid, err)
	} else {
		logrus.Infof("client %s disconnected", cid)
	}
}

func recvTask(conn net.Conn, recvQ *cmn.Queue[string]) error {
	for {
		msg, err := transport.RecvMsg(conn)
		if err != nil {
			return err
		}
		if msg == "" {
			continue
		}
		if !recvQ.Enqueue(msg) {
			return nil
		}
	}
}

func sendTask(conn net.Conn, sendQ *cmn.Queue[string]) error {
	for {
		msg, ok := sendQ.Dequeue()
		if !ok {
			return nil
		}
		if err := transport.SendMsg(conn, msg); err != nil {
			return err
		}
	}
}

func (srv *Server) processTask(cid string, recvQ, sendQ *cmn.Queue[string]) error {
	for {
		raw, ok := recvQ.Dequeue()
		if !ok {
			return nil
		}
		event, data, err := cmn.MsgParse(raw)
		if err != nil {
			logrus.Warnf("client %s: dropping malformed message: %v", cid, err)
			continue
		}
		switch event {
		case cmn.EvIsJwtRevoked:
			srv.handleIsRevoked(cid, data, sendQ)
		case cmn.EvRevokeJwt:
			srv.handleRevoke(cid, data)
		case cmn.EvGetRevokeLog:
			srv.handleGetRevokeLog(cid, data, sendQ)
		default:
			logrus.Warnf("client %s: dropping unknown event %q", cid, event)
		}
	}
}

func (srv *Server) handleIsRevoked(cid string, data map[string]string, sendQ *cmn.Queue[string]) {
	token := data["token"]
	if token == "" {
		logrus.Warnf("client %s: is_jwt_revoked without token", cid)
		return
	}
	expStr := data["exp_time"]
	if expStr == "" {
		// the expiry can be read off the token itself when it is a JWT
		exp, err := cmn.ExpFromToken(token)
		if err != nil {
			logrus.Warnf("client %s: is_jwt_revoked without exp_time: %v", cid, err)
			return
		}
		expStr = strconv.FormatInt(exp, 10)
	}
	expTime, err := strconv.ParseInt(expStr, 10, 64)
	if err != nil {
		logrus.Warnf("client %s: is_jwt_revoked with bad exp_time %q", cid, expStr)
		return
	}

	revoked, err := srv.backend.IsRevoked(token, expTime)
	if err != nil {
		// proxy path failure relays fail-closed
		logrus.Errorf("client %s: proxy lookup failed, answering revoked: %v", cid, err)
		revoked = true
	}
	status := "active"
	if revoked {
		status = "revoked"
	}
	stats.QueriesTotal.WithLabelValues(status).Inc()

	reply, err := cmn.MsgAssembly(cmn.EvIsJwtRevokedResponse, map[string]string{
		"token":   token,
		"expTime": expStr,
		"status":  status,
	})
	if err != nil {
		logrus.Errorf("client %s: %v", cid, err)
		return
	}
	sendQ.Enqueue(reply)
}

// handleRevoke accepts forwarded revocations, but only while this node is a
// proxy; in any other role the message is silently dropped.
func (srv *Server) handleRevoke(cid string, data map[string]string) {
	if srv.backend.Role() != RoleProxy {
		return
	}
	token, expStr := data["token"], data["exp_time"]
	if token == "" || expStr == "" {
		logrus.Warnf("client %s: dropping revoke_jwt with missing token/exp_time", cid)
		return
	}
	expTime, err := strconv.ParseInt(expStr, 10, 64)
	if err != nil {
		logrus.Warnf("client %s: dropping revoke_jwt with bad exp_time %q", cid, expStr)
		return
	}
	srv.backend.RevokeLocal(token, expTime)
}

func (srv *Server) handleGetRevokeLog(cid string, data map[string]string, sendQ *cmn.Queue[string]) {
	tsStr := data["hourly_timestamp"]
	ts, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		logrus.Warnf("client %s: get_revoke_log with bad hourly_timestamp %q", cid, tsStr)
		return
	}
	err = srv.backend.StreamHourLog(ts, func(token, expTime string) error {
		msg, err := cmn.MsgAssembly(cmn.EvGetRevokeLogResponse, map[string]string{
			"token":   token,
			"expTime": expTime,
		})
		if err != nil {
			return err
		}
		if !sendQ.Enqueue(msg) {
			return errors.Wrap(cmn.ErrIo, "connection closing")
		}
		return nil
	})
	if err != nil {
		logrus.Errorf("client %s: get_revoke_log: %v", cid, err)
	}
	done, err := cmn.MsgAssembly(cmn.EvGetRevokeLogDone, map[string]string{
		"hourly_timestamp": tsStr,
	})
	if err != nil {
		logrus.Errorf("client %s: %v", cid, err)
		return
	}
	sendQ.Enqueue(done)
}
