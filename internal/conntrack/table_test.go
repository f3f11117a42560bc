// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package conntrack

import (
	"net/netip"
	"testing"
	"time"

	"connlb/internal/conntrack/pool"
	"connlb/internal/dest"
	"connlb/internal/laddrpool"
	"connlb/internal/pktbuf"
	"connlb/internal/proto"
	"connlb/internal/saddrpool"
	"connlb/internal/timerwheel"
)

func newTestTable(t *testing.T, lp *laddrpool.Pool) *Table {
	t.Helper()
	alloc := pool.New(16, 16, func() *Flow { return &Flow{} }, func(f *Flow) { f.reset() })
	wheel := timerwheel.New("test")
	reg := proto.NewRegistry(proto.NewTCP(), proto.NewUDP())
	return NewTable(alloc, wheel, lp, reg)
}

func testParams() Params {
	return Params{
		AF: AFInet, Proto: ProtoTCP,
		CAddr: netip.MustParseAddr("1.2.3.4"), CPort: 1111,
		VAddr: netip.MustParseAddr("5.6.7.8"), VPort: 80,
		CTDPort: 8080,
	}
}

func TestNewFlowHashesBothDirections(t *testing.T) {
	tbl := newTestTable(t, nil)
	d := dest.New(netip.MustParseAddr("9.9.9.9"), 8080, dest.FwdDR, 1, 0)

	f, err := tbl.NewFlow(nil, testParams(), d, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !f.HasFlag(FlagHashed) {
		t.Fatal("expected new flow to be hashed")
	}
	if tbl.Count() != 1 {
		t.Fatalf("expected Count()==1, got %d", tbl.Count())
	}

	got, dir, ok := tbl.Lookup(AFInet, ProtoTCP, netip.MustParseAddr("1.2.3.4"), netip.MustParseAddr("5.6.7.8"), 1111, 80, false)
	if !ok || got != f || dir != DirInbound {
		t.Fatalf("expected inbound lookup hit on the same flow, got %v %v %v", got, dir, ok)
	}
}

func TestNewFlowDirectRoutingSetsNoOutput(t *testing.T) {
	tbl := newTestTable(t, nil)
	d := dest.New(netip.MustParseAddr("9.9.9.9"), 8080, dest.FwdDR, 1, 0)

	f, err := tbl.NewFlow(nil, testParams(), d, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !f.HasFlag(FlagNoOutput) {
		t.Fatal("expected direct-routing flow to carry FlagNoOutput")
	}
}

func TestNewFlowFullNATBindsLocalAddress(t *testing.T) {
	lp := laddrpool.New([]netip.Addr{netip.MustParseAddr("10.0.0.1")})
	tbl := newTestTable(t, lp)
	d := dest.New(netip.MustParseAddr("9.9.9.9"), 8080, dest.FwdFullNAT, 1, 0)

	f, err := tbl.NewFlow(nil, testParams(), d, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !f.hasLaddr {
		t.Fatal("expected full-NAT flow to have a bound local address")
	}
	if f.out.daddr != f.laddr || f.out.dport != f.lport {
		t.Fatal("expected outbound tuple to use the bound local address")
	}
}

func TestNewFlowFullNATWithoutPoolFails(t *testing.T) {
	tbl := newTestTable(t, nil)
	d := dest.New(netip.MustParseAddr("9.9.9.9"), 8080, dest.FwdFullNAT, 1, 0)

	if _, err := tbl.NewFlow(nil, testParams(), d, 0); err == nil {
		t.Fatal("expected an error when full-NAT has no local-address pool configured")
	}
	if tbl.Count() != 0 {
		t.Fatalf("expected the failed flow to not be hashed, Count()=%d", tbl.Count())
	}
}

func TestNewFlowOverloadedDestinationFails(t *testing.T) {
	tbl := newTestTable(t, nil)
	d := dest.New(netip.MustParseAddr("9.9.9.9"), 8080, dest.FwdDR, 1, 1)
	d.IncActive() // already at max_conn=1

	if _, err := tbl.NewFlow(nil, testParams(), d, 0); err == nil {
		t.Fatal("expected OVERLOAD error against a destination already at capacity")
	}
}

func TestNewFlowAllocatorExhaustionReturnsNoMem(t *testing.T) {
	alloc := pool.New(1, 1, func() *Flow { return &Flow{} }, func(f *Flow) { f.reset() })
	wheel := timerwheel.New("test")
	reg := proto.NewRegistry(proto.NewTCP())
	tbl := NewTable(alloc, wheel, nil, reg)
	d := dest.New(netip.MustParseAddr("9.9.9.9"), 8080, dest.FwdDR, 1, 0)

	if _, err := tbl.NewFlow(nil, testParams(), d, 0); err != nil {
		t.Fatalf("unexpected error on first flow: %v", err)
	}
	if _, err := tbl.NewFlow(nil, testParams(), d, 0); err == nil {
		t.Fatal("expected NOMEM once the single-capacity allocator is exhausted")
	}
}

func TestHashRejectsAlreadyHashedFlow(t *testing.T) {
	tbl := newTestTable(t, nil)
	d := dest.New(netip.MustParseAddr("9.9.9.9"), 8080, dest.FwdDR, 1, 0)
	f, err := tbl.NewFlow(nil, testParams(), d, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := tbl.Hash(f); err == nil {
		t.Fatal("expected EXIST when hashing an already-hashed flow")
	}
}

func TestUnhashBusyWhileRefHeld(t *testing.T) {
	tbl := newTestTable(t, nil)
	d := dest.New(netip.MustParseAddr("9.9.9.9"), 8080, dest.FwdDR, 1, 0)
	f, err := tbl.NewFlow(nil, testParams(), d, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	f.Get() // refcount now above refcountFloor

	if err := tbl.Unhash(f); err == nil {
		t.Fatal("expected BUSY while a caller still holds an extra reference")
	}
	tbl.PutNoReset(f)
	if err := tbl.Unhash(f); err != nil {
		t.Fatalf("expected Unhash to succeed once the extra reference is released: %v", err)
	}
}

func TestUnhashNotExist(t *testing.T) {
	tbl := newTestTable(t, nil)
	f := &Flow{}
	if err := tbl.Unhash(f); err == nil {
		t.Fatal("expected NOTEXIST for a flow that was never hashed")
	}
}

func TestLookupIndexingSymmetry(t *testing.T) {
	tbl := newTestTable(t, nil)
	d := dest.New(netip.MustParseAddr("9.9.9.9"), 8080, dest.FwdDR, 1, 0)
	f, err := tbl.NewFlow(nil, testParams(), d, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, dir, ok := tbl.Lookup(f.in.af, f.in.proto, f.in.saddr, f.in.daddr, f.in.sport, f.in.dport, false)
	if !ok || got != f || dir != DirInbound {
		t.Fatalf("expected inbound tuple lookup to hit (f, IN), got %v %v %v", got, dir, ok)
	}
	got, dir, ok = tbl.Lookup(f.out.af, f.out.proto, f.out.saddr, f.out.daddr, f.out.sport, f.out.dport, false)
	if !ok || got != f || dir != DirOutbound {
		t.Fatalf("expected outbound tuple lookup to hit (f, OUT), got %v %v %v", got, dir, ok)
	}
}

func TestNewFlowSourceNATAcquiresSaddrBindingReleasedOnExpire(t *testing.T) {
	alloc := pool.New(16, 16, func() *Flow { return &Flow{} }, func(f *Flow) { f.reset() })
	wheel := timerwheel.New("test")
	reg := proto.NewRegistry(proto.NewTCP(), proto.NewUDP())
	sp := saddrpool.New()
	tbl := NewTableWithSourceAddrPool(alloc, wheel, nil, sp, reg)

	d := dest.New(netip.MustParseAddr("9.9.9.9"), 8080, dest.FwdSourceNAT, 1, 0)
	params := testParams()
	params.CTDPort = 0 // force packet-header port derivation
	buf := &pktbuf.Buffer{Data: make([]byte, 24)}
	buf.Data[12], buf.Data[13], buf.Data[14], buf.Data[15] = 1, 2, 3, 4 // pktSrc 1.2.3.4
	buf.Data[20], buf.Data[21] = 0x1f, 0x90                            // sport 8080

	f, err := tbl.NewFlow(buf, params, d, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pktSrc := netip.MustParseAddr("1.2.3.4")
	if !sp.InUse("", d.Addr, pktSrc) {
		t.Fatal("expected NewFlow to acquire the source-address binding for a source-NAT flow")
	}

	if !tbl.ForceExpire(f) {
		t.Fatal("expected ForceExpire to succeed")
	}
	if sp.InUse("", d.Addr, pktSrc) {
		t.Fatal("expected finalizeExpire to release the source-address binding")
	}
}

func TestSetInitTimeoutChangesNewFlowDeadline(t *testing.T) {
	tbl := newTestTable(t, nil)
	tbl.SetInitTimeout(7 * time.Second)
	d := dest.New(netip.MustParseAddr("9.9.9.9"), 8080, dest.FwdDR, 1, 0)

	f, err := tbl.NewFlow(nil, testParams(), d, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.timeout != 7*time.Second {
		t.Fatalf("expected the reloaded init timeout, got %v", f.timeout)
	}

	tbl.SetInitTimeout(0) // invalid: ignored
	if got := time.Duration(tbl.initTimeout.Load()); got != 7*time.Second {
		t.Fatalf("expected a non-positive update to be dropped, got %v", got)
	}
}

func TestOnFlowExpiredHookFiresOnceOnTeardown(t *testing.T) {
	tbl := newTestTable(t, nil)
	var fired int
	var sawCAddr netip.Addr
	tbl.OnFlowExpired(func(f *Flow) {
		fired++
		sawCAddr, _, _, _ = f.Tuple()
	})
	d := dest.New(netip.MustParseAddr("9.9.9.9"), 8080, dest.FwdDR, 1, 0)

	f, err := tbl.NewFlow(nil, testParams(), d, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fired != 0 {
		t.Fatal("expected no hook call before teardown")
	}

	if !tbl.ForceExpire(f) {
		t.Fatal("expected teardown to succeed")
	}
	if fired != 1 {
		t.Fatalf("expected the hook to fire exactly once, got %d", fired)
	}
	if sawCAddr != testParams().CAddr {
		t.Fatalf("expected the hook to observe the flow's identity, got %v", sawCAddr)
	}
}

func TestWithCrossCoreLockKeepsTableUsable(t *testing.T) {
	tbl := newTestTable(t, nil).WithCrossCoreLock()
	d := dest.New(netip.MustParseAddr("9.9.9.9"), 8080, dest.FwdDR, 1, 0)

	f, err := tbl.NewFlow(nil, testParams(), d, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, _, ok := tbl.Lookup(AFInet, ProtoTCP, f.in.saddr, f.in.daddr, f.in.sport, f.in.dport, false); !ok {
		t.Fatal("expected lookup to hit under the cross-core lock variant")
	}
	if !tbl.ForceExpire(f) {
		t.Fatal("expected teardown to succeed under the cross-core lock variant")
	}
}

func TestNewFlowSynProxyDefersAckAndEntersSynSent(t *testing.T) {
	tbl := newTestTable(t, nil)
	tbl.SetSynProxyPools(pktbuf.NewPool(), pktbuf.NewAckWrapperPool())

	d := dest.New(netip.MustParseAddr("9.9.9.9"), 8080, dest.FwdDR, 1, 0)
	d.ConnFlags.Store(uint32(dest.FlagInactive | dest.FlagSynProxy))

	// 20-byte IPv4 header + TCP header with ack_seq 0x00001001 at offset 28
	buf := &pktbuf.Buffer{Data: make([]byte, 40)}
	buf.Data[28], buf.Data[29], buf.Data[30], buf.Data[31] = 0x00, 0x00, 0x10, 0x01

	f, err := tbl.NewFlow(buf, testParams(), d, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !f.HasFlag(FlagSynProxy) {
		t.Fatal("expected the flow to inherit SYNPROXY from the destination")
	}
	if f.State() != proto.TCPSSynSent {
		t.Fatalf("expected state SYN_SENT, got %d", f.State())
	}
	if f.PendingAcks() != 1 {
		t.Fatalf("expected the creating ACK to be deferred, got %d pending", f.PendingAcks())
	}
	if f.ISN() != 0x1000 || f.FdataSeq() != 0x1001 {
		t.Fatalf("expected isn=ack_seq-1 and fdata=ack_seq, got isn=%#x fdata=%#x", f.ISN(), f.FdataSeq())
	}
}

func TestNewFlowInitialDeadlineIsInitTimeout(t *testing.T) {
	tbl := newTestTable(t, nil)
	d := dest.New(netip.MustParseAddr("9.9.9.9"), 8080, dest.FwdDR, 1, 0)

	f, err := tbl.NewFlow(nil, testParams(), d, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := time.Duration(tbl.initTimeout.Load()); f.timeout != want {
		t.Fatalf("expected the initial deadline to be conn_init_timeout (%v), got %v", want, f.timeout)
	}
}

func TestLookupReverseEquivalence(t *testing.T) {
	tbl := newTestTable(t, nil)
	d := dest.New(netip.MustParseAddr("9.9.9.9"), 8080, dest.FwdDR, 1, 0)
	if _, err := tbl.NewFlow(nil, testParams(), d, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	s, sp := netip.MustParseAddr("5.6.7.8"), uint16(80)
	dd, dp := netip.MustParseAddr("1.2.3.4"), uint16(1111)

	gotRev, dirRev, okRev := tbl.Lookup(AFInet, ProtoTCP, s, dd, sp, dp, true)
	gotFwd, dirFwd, okFwd := tbl.Lookup(AFInet, ProtoTCP, dd, s, dp, sp, false)
	if okRev != okFwd || gotRev != gotFwd || dirRev != dirFwd {
		t.Fatalf("expected reverse lookup to equal its forward counterpart, got (%v,%v,%v) vs (%v,%v,%v)",
			gotRev, dirRev, okRev, gotFwd, dirFwd, okFwd)
	}
}
