// Package node ties the blacklist engine to the outside world.
/*
 * Copyright (c) 2025-2026, Blnode Authors. All rights reserved.
 */
package node

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/jwtrevoker/blnode/cmn"
	"github.com/jwtrevoker/blnode/tools/tassert"
	"github.com/jwtrevoker/blnode/transport"
)

// fakeLink replaces the master session with a pair of queues.
type fakeLink struct {
	toNode   *cmn.Queue[string]
	fromNode *cmn.Queue[string]
}

func newFakeLink() *fakeLink {
	return &fakeLink{
		toNode:   cmn.NewQueue[string](256),
		fromNode: cmn.NewQueue[string](256),
	}
}

func (l *fakeLink) AsyncSendMsg(msg string) { l.fromNode.Enqueue(msg) }
func (l *fakeLink) RecvMsg() (string, bool) { return l.toNode.Dequeue() }

func (l *fakeLink) push(t *testing.T, event string, data map[string]string) {
	t.Helper()
	msg, err := cmn.MsgAssembly(event, data)
	tassert.CheckFatal(t, err)
	l.toNode.Enqueue(msg)
}

func (l *fakeLink) expect(t *testing.T, event string) map[string]string {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		done := make(chan struct{})
		var (
			raw string
			ok  bool
		)
		go func() { raw, ok = l.fromNode.Dequeue(); close(done) }()
		select {
		case <-done:
		case <-deadline:
			t.Fatalf("timed out waiting for %q", event)
		}
		tassert.Fatalf(t, ok, "link closed while waiting for %q", event)
		ev, data, err := cmn.MsgParse(raw)
		tassert.CheckFatal(t, err)
		if ev == event {
			return data
		}
		// keepalives and status reports may interleave
	}
}

var defaultBFConfig = map[string]string{
	"max_jwt_life_time": "3600",
	"rotation_interval": "600",
	"bloom_filter_size": "4096",
	"hash_function_num": "5",
}

func startScheduler(t *testing.T, conf *cmn.Config, link *fakeLink) *Scheduler {
	t.Helper()
	var (
		sched *Scheduler
		err   error
		done  = make(chan struct{})
	)
	go func() {
		sched, err = NewScheduler(conf, link)
		close(done)
	}()

	req := link.expect(t, cmn.EvGetBFDefaultConfig)
	tassert.Errorf(t, req["client_uid"] == conf.ClientUID, "config request uid %q", req["client_uid"])
	link.push(t, cmn.EvBFDefaultConfig, defaultBFConfig)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler construction timed out")
	}
	tassert.CheckFatal(t, err)
	t.Cleanup(func() {
		link.toNode.Close()
		link.fromNode.Close()
		sched.Stop()
	})
	return sched
}

func TestSchedulerInitFromDefaultConfig(t *testing.T) {
	conf := testConf(t, 1)
	sched := startScheduler(t, conf, newFakeLink())

	p := sched.eng.Params()
	tassert.Errorf(t, p.MaxJwtLifeTime == 3600 && p.RotationInterval == 600 &&
		p.FilterSize == 4096 && p.HashFuncNum == 5, "engine params %+v", p)
	tassert.Errorf(t, sched.Role() == RoleSingle, "fresh node role %q", sched.Role())
}

func TestSchedulerRevokeEvent(t *testing.T) {
	conf := testConf(t, 1)
	link := newFakeLink()
	sched := startScheduler(t, conf, link)

	exp := time.Now().Unix() + 1800
	expStr := strconv.FormatInt(exp, 10)
	link.push(t, cmn.EvRevokeJwt, map[string]string{"token": "abc", "exp_time": expStr})

	deadline := time.Now().Add(2 * time.Second)
	for !sched.eng.IsRevoked("abc", exp) {
		if time.Now().After(deadline) {
			t.Fatal("revoke_jwt never reached the engine")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// malformed revokes are dropped without killing the processor
	link.push(t, cmn.EvRevokeJwt, map[string]string{"token": "no-exp"})
	link.push(t, cmn.EvRevokeJwt, map[string]string{"token": "bad", "exp_time": "soon"})
	revoked, err := sched.IsRevoked("abc", exp)
	tassert.CheckFatal(t, err)
	tassert.Errorf(t, revoked, "engine lost state after malformed events")
}

func TestSchedulerAdjustToProxy(t *testing.T) {
	conf := testConf(t, 1)
	link := newFakeLink()
	sched := startScheduler(t, conf, link)

	link.push(t, cmn.EvAdjustBloomFilter, map[string]string{
		"node_role":         string(RoleProxy),
		"max_jwt_life_time": "7200",
		"rotation_interval": "1800",
		"bloom_filter_size": "8192",
		"hash_function_num": "3",
		"uuid":              "u-42",
	})
	done := link.expect(t, cmn.EvAdjustBloomFilterDone)
	tassert.Errorf(t, done["node_role"] == string(RoleProxy), "done role %q", done["node_role"])
	tassert.Errorf(t, done["uuid"] == "u-42", "done uuid %q", done["uuid"])
	tassert.Errorf(t, done["node_uid"] == conf.ClientUID, "done node_uid %q", done["node_uid"])

	tassert.Errorf(t, sched.Role() == RoleProxy, "role %q", sched.Role())
	p := sched.eng.Params()
	tassert.Errorf(t, p.MaxJwtLifeTime == 7200 && p.FilterSize == 8192, "params %+v", p)
}

func TestSchedulerAdjustUnknownRoleKeepsCurrent(t *testing.T) {
	conf := testConf(t, 1)
	link := newFakeLink()
	sched := startScheduler(t, conf, link)

	link.push(t, cmn.EvAdjustBloomFilter, map[string]string{
		"node_role": "overlord_node",
		"uuid":      "u-1",
	})
	done := link.expect(t, cmn.EvAdjustBloomFilterDone)
	tassert.Errorf(t, done["node_role"] == string(RoleSingle), "done role %q", done["node_role"])
	tassert.Errorf(t, sched.Role() == RoleSingle, "role %q", sched.Role())
}

// mockProxy stands in for a proxy node's query server.
type mockProxy struct {
	t  *testing.T
	ln net.Listener

	mu      sync.Mutex
	revokes []string

	answer string // status returned for is_jwt_revoked
}

func newMockProxy(t *testing.T, answer string) *mockProxy {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	tassert.CheckFatal(t, err)
	p := &mockProxy{t: t, ln: ln, answer: answer}
	go p.serve()
	t.Cleanup(func() { ln.Close() })
	return p
}

func (p *mockProxy) port() int { return p.ln.Addr().(*net.TCPAddr).Port }

func (p *mockProxy) serve() {
	for {
		conn, err := p.ln.Accept()
		if err != nil {
			return
		}
		go func(conn net.Conn) {
			defer conn.Close()
			for {
				raw, err := transport.RecvMsg(conn)
				if err != nil {
					return
				}
				event, data, err := cmn.MsgParse(raw)
				if err != nil {
					continue
				}
				switch event {
				case cmn.EvRevokeJwt:
					p.mu.Lock()
					p.revokes = append(p.revokes, data["token"])
					p.mu.Unlock()
				case cmn.EvIsJwtRevoked:
					reply, _ := cmn.MsgAssembly(cmn.EvIsJwtRevokedResponse, map[string]string{
						"token":   data["token"],
						"expTime": data["exp_time"],
						"status":  p.answer,
					})
					if err := transport.SendMsg(conn, reply); err != nil {
						return
					}
				}
			}
		}(conn)
	}
}

func (p *mockProxy) revoked() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.revokes...)
}

func TestSchedulerBecomeSlave(t *testing.T) {
	conf := testConf(t, 1)

	// pre-seed the local log: history must be handed to the proxy
	exp := time.Now().Unix() + 1800
	hour := cmn.HourlyTimestamp(time.Now())
	tassert.CheckFatal(t, os.WriteFile(
		filepath.Join(conf.LogFilePath, strconv.FormatInt(hour, 10)+".txt"),
		[]byte(fmt.Sprintf("hist-1,%d\nhist-2,%d\n", exp, exp)), 0o644))

	link := newFakeLink()
	sched := startScheduler(t, conf, link)
	proxy := newMockProxy(t, "revoked")

	link.push(t, cmn.EvAdjustBloomFilter, map[string]string{
		"node_role":       string(RoleSlave),
		"proxy_node_host": "127.0.0.1",
		"proxy_node_port": strconv.Itoa(proxy.port()),
		"uuid":            "u-1",
	})
	done := link.expect(t, cmn.EvAdjustBloomFilterDone)
	tassert.Errorf(t, done["node_role"] == string(RoleSlave), "done role %q", done["node_role"])
	tassert.Errorf(t, done["uuid"] == "u-1", "done uuid %q", done["uuid"])
	tassert.Errorf(t, sched.Role() == RoleSlave, "role %q", sched.Role())

	// history streamed on the transition
	deadline := time.Now().Add(2 * time.Second)
	for len(proxy.revoked()) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("history not streamed, proxy saw %v", proxy.revoked())
		}
		time.Sleep(5 * time.Millisecond)
	}

	// the local ring is a placeholder now
	tassert.Errorf(t, sched.eng.RingLen() == 1, "slave ring has %d slices", sched.eng.RingLen())
	inserted := func() (n uint64) {
		for _, c := range sched.eng.FillingRate() {
			n += c
		}
		return
	}
	before := inserted()

	// subsequent master revokes are forwarded, not applied locally
	link.push(t, cmn.EvRevokeJwt, map[string]string{
		"token":    "fwd-1",
		"exp_time": strconv.FormatInt(exp, 10),
	})
	deadline = time.Now().Add(2 * time.Second)
	for len(proxy.revoked()) < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("revoke not forwarded, proxy saw %v", proxy.revoked())
		}
		time.Sleep(5 * time.Millisecond)
	}
	tassert.Errorf(t, inserted() == before, "forwarded revoke landed in the slave's own filter")

	// lookups go through the proxy and relay its verdict
	revoked, err := sched.IsRevoked("anything", exp)
	tassert.CheckFatal(t, err)
	tassert.Errorf(t, revoked, "proxy verdict not relayed")
}
