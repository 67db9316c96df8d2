// Package cmn provides common low-level types and utilities for all blnode packages.
/*
 * Copyright (c) 2025-2026, Blnode Authors. All rights reserved.
 */
package cmn

import (
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func TestCmn(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Cmn Suite")
}

var _ = Describe("Queue", func() {
	It("preserves FIFO order", func() {
		q := NewQueue[int](8)
		for i := 0; i < 8; i++ {
			Expect(q.Enqueue(i)).To(BeTrue())
		}
		for i := 0; i < 8; i++ {
			v, ok := q.Dequeue()
			Expect(ok).To(BeTrue())
			Expect(v).To(Equal(i))
		}
	})

	It("blocks producers at capacity until a consumer drains", func() {
		q := NewQueue[int](1)
		Expect(q.Enqueue(1)).To(BeTrue())

		second := make(chan struct{})
		go func() {
			q.Enqueue(2)
			close(second)
		}()
		Consistently(second, 50*time.Millisecond).ShouldNot(BeClosed())

		v, ok := q.Dequeue()
		Expect(ok).To(BeTrue())
		Expect(v).To(Equal(1))
		Eventually(second, time.Second).Should(BeClosed())
	})

	It("blocks consumers on empty until a producer arrives", func() {
		q := NewQueue[string](4)
		got := make(chan string, 1)
		go func() {
			v, _ := q.Dequeue()
			got <- v
		}()
		Consistently(got, 50*time.Millisecond).ShouldNot(Receive())
		q.Enqueue("x")
		Eventually(got, time.Second).Should(Receive(Equal("x")))
	})

	It("drains buffered items after Close, then reports closed", func() {
		q := NewQueue[int](4)
		q.Enqueue(1)
		q.Enqueue(2)
		q.Close()
		Expect(q.Enqueue(3)).To(BeFalse())

		v, ok := q.Dequeue()
		Expect(ok).To(BeTrue())
		Expect(v).To(Equal(1))
		v, ok = q.Dequeue()
		Expect(ok).To(BeTrue())
		Expect(v).To(Equal(2))
		_, ok = q.Dequeue()
		Expect(ok).To(BeFalse())
	})

	It("wakes every blocked caller on Close", func() {
		q := NewQueue[int](1)
		q.Enqueue(0)
		var wg sync.WaitGroup
		done := make(chan struct{})
		for i := 0; i < 4; i++ {
			wg.Add(2)
			go func() { defer wg.Done(); q.Enqueue(1) }()
			go func() { defer wg.Done(); q.Dequeue() }()
		}
		go func() { wg.Wait(); close(done) }()
		q.Close()
		Eventually(done, time.Second).Should(BeClosed())
	})

	It("keeps per-producer ordering with concurrent producers", func() {
		const perProducer = 200
		q := NewQueue[[2]int](16)
		var wg sync.WaitGroup
		for p := 0; p < 4; p++ {
			wg.Add(1)
			go func(p int) {
				defer wg.Done()
				for i := 0; i < perProducer; i++ {
					q.Enqueue([2]int{p, i})
				}
			}(p)
		}
		go func() { wg.Wait(); q.Close() }()

		last := map[int]int{0: -1, 1: -1, 2: -1, 3: -1}
		for {
			v, ok := q.Dequeue()
			if !ok {
				break
			}
			Expect(v[1]).To(Equal(last[v[0]] + 1))
			last[v[0]] = v[1]
		}
		for p := 0; p < 4; p++ {
			Expect(last[p]).To(Equal(perProducer - 1))
		}
	})
})

var _ = Describe("Message codec", func() {
	It("round-trips event and string data", func() {
		msg, err := MsgAssembly(EvRevokeJwt, map[string]string{
			"token":    "abc",
			"exp_time": "1800",
		})
		Expect(err).NotTo(HaveOccurred())

		event, data, err := MsgParse(msg)
		Expect(err).NotTo(HaveOccurred())
		Expect(event).To(Equal(EvRevokeJwt))
		Expect(data).To(Equal(map[string]string{"token": "abc", "exp_time": "1800"}))
	})

	It("coerces scalar data values to strings", func() {
		raw := `{"event":"e","data":{"i":1800,"big":1700000000,"f":2.5,"t":true,"fa":false,"n":null,"s":"x"}}`
		_, data, err := MsgParse(raw)
		Expect(err).NotTo(HaveOccurred())
		Expect(data["i"]).To(Equal("1800"))
		Expect(data["big"]).To(Equal("1700000000"))
		Expect(data["f"]).To(Equal("2.5"))
		Expect(data["t"]).To(Equal("true"))
		Expect(data["fa"]).To(Equal("false"))
		Expect(data["n"]).To(Equal("null"))
		Expect(data["s"]).To(Equal("x"))
	})

	It("ignores unknown top-level keys", func() {
		raw := `{"event":"keepalive","data":{"client_uid":"0001"},"extra":42,"v":"2"}`
		event, data, err := MsgParse(raw)
		Expect(err).NotTo(HaveOccurred())
		Expect(event).To(Equal("keepalive"))
		Expect(data["client_uid"]).To(Equal("0001"))
	})

	It("rejects non-objects and missing events", func() {
		for _, raw := range []string{`[1,2]`, `"str"`, `{}`, `{"data":{}}`, `{"event":""}`, `not json`} {
			_, _, err := MsgParse(raw)
			Expect(errors.Is(err, ErrProtocol)).To(BeTrue(), "input: %s", raw)
		}
	})

	It("tolerates a missing data object", func() {
		event, data, err := MsgParse(`{"event":"auth_success"}`)
		Expect(err).NotTo(HaveOccurred())
		Expect(event).To(Equal(EvAuthSuccess))
		Expect(data).To(BeEmpty())
	})
})

var _ = Describe("HourlyTimestamp", func() {
	It("truncates to the top of the hour", func() {
		at := time.Date(2026, 3, 14, 15, 9, 26, 535, time.Local)
		want := time.Date(2026, 3, 14, 15, 0, 0, 0, time.Local).Unix()
		Expect(HourlyTimestamp(at)).To(Equal(want))
	})
	It("is stable within one hour", func() {
		base := time.Date(2026, 3, 14, 15, 0, 0, 0, time.Local)
		Expect(HourlyTimestamp(base)).To(Equal(HourlyTimestamp(base.Add(59 * time.Minute))))
	})
})
