// Package node ties the blacklist engine to the outside world.
/*
 * Copyright (c) 2025-2026, Blnode Authors. All rights reserved.
 */
package node

import (
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jwtrevoker/blnode/cmn"
	"github.com/jwtrevoker/blnode/engine"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Role is the node's position in the cluster. Every node starts as a
// single_node; only a master adjust_bloom_filter event moves it.
type Role string

const (
	RoleSingle Role = "single_node"
	RoleProxy  Role = "proxy_node"
	RoleSlave  Role = "slave_node"
)

// A slave keeps a one-slice placeholder ring: its new revocations and its
// queries go through the proxy. Switching to this ring still replays the
// retained local log into its single slice.
const slaveLifeTime = int64(10 * 365 * 24 * 3600)

var slaveParams = engine.Params{
	MaxJwtLifeTime:   slaveLifeTime,
	RotationInterval: slaveLifeTime,
	FilterSize:       8,
	HashFuncNum:      1,
}

// masterLink is the slice of the master session the scheduler consumes.
type masterLink interface {
	AsyncSendMsg(msg string)
	RecvMsg() (string, bool)
}

// Scheduler owns the node role. It turns master events into engine
// operations, reports node status, and (as a slave) relays traffic to the
// proxy node.
type Scheduler struct {
	conf    *cmn.Config
	session masterLink
	eng     *engine.Engine

	roleMu sync.RWMutex
	role   Role
	proxy  *proxyClient

	// oneshot for the initial bloom_filter_default_config reply; the
	// message processor keeps running while the constructor waits on it
	bfConfCh chan map[string]string
	awaiting atomic.Bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewScheduler requests the default engine configuration from the master,
// blocks until it arrives, builds the engine (which replays the local log),
// and starts the periodic workers.
func NewScheduler(conf *cmn.Config, session masterLink) (*Scheduler, error) {
	s := &Scheduler{
		conf:     conf,
		session:  session,
		role:     RoleSingle,
		bfConfCh: make(chan map[string]string, 1),
		stopCh:   make(chan struct{}),
	}
	s.wg.Add(1)
	go s.msgProcWorker()

	s.awaiting.Store(true)
	req, err := cmn.MsgAssembly(cmn.EvGetBFDefaultConfig, map[string]string{
		"client_uid": conf.ClientUID,
	})
	if err != nil {
		return nil, err
	}
	session.AsyncSendMsg(req)

	var bfConf map[string]string
	select {
	case bfConf = <-s.bfConfCh:
	case <-s.stopCh:
		return nil, errors.Wrap(cmn.ErrIo, "stopped before bloom_filter_default_config arrived")
	}
	params, err := paramsFromData(bfConf)
	if err != nil {
		return nil, err
	}

	logrus.Infof("initializing bloom filter engine: life=%ds interval=%ds m=%d k=%d",
		params.MaxJwtLifeTime, params.RotationInterval, params.FilterSize, params.HashFuncNum)
	eng, err := engine.New(params, conf.LogFilePath)
	if err != nil {
		return nil, err
	}
	s.eng = eng

	s.wg.Add(2)
	go s.keepaliveWorker()
	go s.statusReportWorker()
	return s, nil
}

// Stop disconnects the proxy, stops the engine, and waits for the workers.
// The master session must be stopped first so the message processor can
// drain out. Idempotent.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.disconnectProxy()
		if s.eng != nil {
			s.eng.Stop()
		}
	})
	s.wg.Wait()
}

func (s *Scheduler) Role() Role {
	s.roleMu.RLock()
	defer s.roleMu.RUnlock()
	return s.role
}

// IsRevoked answers a client lookup according to the current role: locally,
// or through the proxy when this node is a slave.
func (s *Scheduler) IsRevoked(token string, expTime int64) (bool, error) {
	s.roleMu.RLock()
	role, proxy := s.role, s.proxy
	s.roleMu.RUnlock()
	if role == RoleSlave && proxy != nil {
		return proxy.IsRevoked(token, strconv.FormatInt(expTime, 10))
	}
	return s.eng.IsRevoked(token, expTime), nil
}

// RevokeLocal inserts and persists one revocation accepted on the query
// port (proxy role only; the server gates the call).
func (s *Scheduler) RevokeLocal(token string, expTime int64) {
	s.eng.RevokeJwt(token, expTime)
	s.eng.LogRevoke(token, expTime)
}

// StreamHourLog exposes the engine's hourly log for the query server.
func (s *Scheduler) StreamHourLog(hourlyTimestamp int64, emit func(token, expTime string) error) error {
	return s.eng.StreamHourLog(hourlyTimestamp, emit)
}

func (s *Scheduler) msgProcWorker() {
	defer s.wg.Done()
	for {
		raw, ok := s.session.RecvMsg()
		if !ok {
			return
		}
		event, data, err := cmn.MsgParse(raw)
		if err != nil {
			logrus.Warnf("dropping malformed master message: %v", err)
			continue
		}
		switch event {
		case cmn.EvBFDefaultConfig:
			if s.awaiting.CompareAndSwap(true, false) {
				s.bfConfCh <- data
			} else {
				logrus.Infof("ignoring unsolicited %s", cmn.EvBFDefaultConfig)
			}
		case cmn.EvRevokeJwt:
			s.handleRevoke(data)
		case cmn.EvAdjustBloomFilter:
			s.handleAdjust(data)
		default:
			logrus.Infof("ignoring unknown master event %q", event)
		}
	}
}

func (s *Scheduler) handleRevoke(data map[string]string) {
	token, expStr := data["token"], data["exp_time"]
	if token == "" || expStr == "" {
		logrus.Warnf("dropping revoke_jwt with missing token/exp_time")
		return
	}
	expTime, err := strconv.ParseInt(expStr, 10, 64)
	if err != nil {
		logrus.Warnf("dropping revoke_jwt with bad exp_time %q", expStr)
		return
	}
	if s.eng == nil {
		// still waiting for the default config
		logrus.Warnf("dropping revoke_jwt received before engine init")
		return
	}
	s.roleMu.RLock()
	role, proxy := s.role, s.proxy
	s.roleMu.RUnlock()
	if role == RoleSlave && proxy != nil {
		if err := proxy.RevokeJwt(token, expStr); err != nil {
			logrus.Errorf("forwarding revoke_jwt to proxy: %v", err)
		}
	} else {
		s.eng.RevokeJwt(token, expTime)
	}
	// every node persists every revocation it sees, so a later role change
	// can replay the full history
	s.eng.LogRevoke(token, expTime)
}

// handleAdjust executes the role state machine and acknowledges with the
// role the node ended up in. An adjust received before the engine exists is
// dropped without a reply.
func (s *Scheduler) handleAdjust(data map[string]string) {
	if s.eng == nil {
		logrus.Warnf("dropping adjust_bloom_filter received before engine init")
		return
	}
	target := Role(data["node_role"])
	switch target {
	case RoleSingle, RoleProxy:
		s.disconnectProxy()
		params, err := paramsFromData(data)
		if err != nil {
			logrus.Errorf("adjust_bloom_filter(%s): %v", target, err)
			break
		}
		if err := s.eng.AdjustParameters(params); err != nil {
			logrus.Errorf("adjust_bloom_filter(%s): %v", target, err)
			break
		}
		s.setRole(target, nil)
	case RoleSlave:
		if err := s.becomeSlave(data); err != nil {
			logrus.Errorf("adjust_bloom_filter(slave_node): %v", err)
		}
	default:
		logrus.Warnf("adjust_bloom_filter with unknown node_role %q", data["node_role"])
	}

	reply, err := cmn.MsgAssembly(cmn.EvAdjustBloomFilterDone, map[string]string{
		"node_uid":  s.conf.ClientUID,
		"uuid":      data["uuid"],
		"node_role": string(s.Role()),
	})
	if err != nil {
		logrus.Errorf("adjust_bloom_filter_done: %v", err)
		return
	}
	s.session.AsyncSendMsg(reply)
}

// becomeSlave connects to the designated proxy, hands it the node's full
// revocation history, and shrinks the local ring to a placeholder.
func (s *Scheduler) becomeSlave(data map[string]string) error {
	host, portStr := data["proxy_node_host"], data["proxy_node_port"]
	if host == "" || portStr == "" {
		return errors.Wrap(cmn.ErrProtocol, "missing proxy_node_host/proxy_node_port")
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return errors.Wrapf(cmn.ErrProtocol, "bad proxy_node_port %q", portStr)
	}

	s.disconnectProxy()
	proxy, err := dialProxy(host, port, s.stopCh)
	if err != nil {
		return err
	}
	if err := s.eng.StreamRecentLog(proxy.RevokeJwt); err != nil {
		logrus.Errorf("streaming revocation log to proxy: %v", err)
	}
	if err := s.eng.AdjustParameters(slaveParams); err != nil {
		proxy.Close()
		return err
	}
	s.setRole(RoleSlave, proxy)
	return nil
}

func (s *Scheduler) setRole(role Role, proxy *proxyClient) {
	s.roleMu.Lock()
	s.role = role
	s.proxy = proxy
	s.roleMu.Unlock()
	logrus.Infof("node role is now %s", role)
}

func (s *Scheduler) disconnectProxy() {
	s.roleMu.Lock()
	if s.proxy != nil {
		s.proxy.Close()
		s.proxy = nil
	}
	s.roleMu.Unlock()
}

// keepaliveWorker emits the scheduler-level heartbeat, which also carries
// the query port so the master can hand it to future slaves.
func (s *Scheduler) keepaliveWorker() {
	defer s.wg.Done()
	msg, err := cmn.MsgAssembly(cmn.EvKeepalive, map[string]string{
		"client_uid": s.conf.ClientUID,
		"node_port":  strconv.Itoa(s.conf.ServerPort),
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
			s.session.AsyncSendMsg(msg)
		}
	}
}

func (s *Scheduler) statusReportWorker() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.conf.NodeStatusReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			params := s.eng.Params()
			msg, err := cmn.MsgAssembly(s.conf.StatusReportEvent, map[string]string{
				"client_uid":                s.conf.ClientUID,
				"max_jwt_life_time":         strconv.FormatInt(params.MaxJwtLifeTime, 10),
				"rotation_interval":         strconv.FormatInt(params.RotationInterval, 10),
				"bloom_filter_size":         strconv.FormatUint(params.FilterSize, 10),
				"hash_function_num":         strconv.Itoa(params.HashFuncNum),
				"bloom_filter_filling_rate": fillingRateString(s.eng.FillingRate()),
			})
			if err != nil {
				logrus.Errorf("status report: %v", err)
				continue
			}
			s.session.AsyncSendMsg(msg)
		}
	}
}

// fillingRateString renders the per-slice counters as "[n0,n1,...]".
func fillingRateString(rate []uint64) string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, n := range rate {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatUint(n, 10))
	}
	sb.WriteByte(']')
	return sb.String()
}

func paramsFromData(data map[string]string) (engine.Params, error) {
	life, err := dataInt64(data, "max_jwt_life_time")
	if err != nil {
		return engine.Params{}, err
	}
	interval, err := dataInt64(data, "rotation_interval")
	if err != nil {
		return engine.Params{}, err
	}
	size, err := dataInt64(data, "bloom_filter_size")
	if err != nil {
		return engine.Params{}, err
	}
	hashNum, err := dataInt64(data, "hash_function_num")
	if err != nil {
		return engine.Params{}, err
	}
	if size <= 0 || hashNum <= 0 {
		return engine.Params{}, errors.Wrapf(cmn.ErrProtocol,
			"non-positive bloom_filter_size %d / hash_function_num %d", size, hashNum)
	}
	return engine.Params{
		MaxJwtLifeTime:   life,
		RotationInterval: interval,
		FilterSize:       uint64(size),
		HashFuncNum:      int(hashNum),
	}, nil
}

func dataInt64(data map[string]string, key string) (int64, error) {
	v, ok := data[key]
	if !ok {
		return 0, errors.Wrapf(cmn.ErrProtocol, "missing data field %q", key)
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(cmn.ErrProtocol, "data field %q: bad value %q", key, v)
	}
	return n, nil
}
