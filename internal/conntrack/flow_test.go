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

	"connlb/internal/dest"
	"connlb/internal/pktbuf"
)

func TestFlagsHas(t *testing.T) {
	f := FlagHashed | FlagSynProxy
	if !f.has(FlagHashed) {
		t.Fatal("expected FlagHashed to be set")
	}
	if f.has(FlagTemplate) {
		t.Fatal("expected FlagTemplate to be unset")
	}
}

func TestFillIdentityPopulatesInboundTuple(t *testing.T) {
	d := dest.New(netip.MustParseAddr("10.0.0.5"), 8080, dest.FwdDR, 1, 0)
	p := Params{
		AF: AFInet, Proto: ProtoTCP,
		CAddr: netip.MustParseAddr("1.2.3.4"), CPort: 1111,
		VAddr: netip.MustParseAddr("5.6.7.8"), VPort: 80,
	}
	f := &Flow{}
	f.fillIdentity(p, 8080, d, netip.Addr{}, false)

	if f.daddr != d.Addr || f.dport != 8080 {
		t.Fatalf("expected daddr/dport to come from destination+rport, got %v:%d", f.daddr, f.dport)
	}
	if f.laddr != p.CAddr || f.lport != p.CPort {
		t.Fatal("expected laddr/lport to default to the client's own tuple")
	}
	if f.in.saddr != p.CAddr || f.in.daddr != p.VAddr || f.in.sport != p.CPort || f.in.dport != p.VPort {
		t.Fatal("inbound tuple must key on client->virtual")
	}
	if f.in.direction != DirInbound {
		t.Fatal("inbound tuple must carry DirInbound")
	}
	if f.in.owner != f {
		t.Fatal("inbound tuple owner must back-reference the flow")
	}
}

func TestFillIdentitySourceNATUsesPacketSource(t *testing.T) {
	d := dest.New(netip.MustParseAddr("10.0.0.5"), 8080, dest.FwdSourceNAT, 1, 0)
	p := Params{
		AF: AFInet, Proto: ProtoTCP,
		CAddr: netip.MustParseAddr("1.2.3.4"), CPort: 1111,
		VAddr: netip.MustParseAddr("5.6.7.8"), VPort: 80,
	}
	pktSrc := netip.MustParseAddr("172.16.0.9")
	f := &Flow{}
	f.fillIdentity(p, 1111, d, pktSrc, true)

	if f.daddr != pktSrc {
		t.Fatalf("expected source-NAT daddr to come from the packet's own source, got %v", f.daddr)
	}
}

func TestFillOutboundTupleWithoutLaddrUsesClientAddress(t *testing.T) {
	d := dest.New(netip.MustParseAddr("10.0.0.5"), 8080, dest.FwdDR, 1, 0)
	f := &Flow{caddr: netip.MustParseAddr("1.2.3.4"), cport: 1111, dport: 8080}
	f.fillOutboundTuple(d, netip.Addr{}, false)

	if f.out.daddr != f.caddr || f.out.dport != f.cport {
		t.Fatalf("expected outbound daddr/dport to fall back to client tuple, got %v:%d", f.out.daddr, f.out.dport)
	}
	if f.out.saddr != d.Addr {
		t.Fatalf("expected outbound saddr to be the destination's own address, got %v", f.out.saddr)
	}
}

func TestFillOutboundTupleWithLaddrUsesLocalBinding(t *testing.T) {
	d := dest.New(netip.MustParseAddr("10.0.0.5"), 8080, dest.FwdFullNAT, 1, 0)
	f := &Flow{
		caddr: netip.MustParseAddr("1.2.3.4"), cport: 1111, dport: 8080,
		laddr: netip.MustParseAddr("10.9.9.9"), lport: 30000, hasLaddr: true,
	}
	f.fillOutboundTuple(d, netip.Addr{}, false)

	if f.out.daddr != f.laddr || f.out.dport != f.lport {
		t.Fatalf("expected outbound daddr/dport to use the bound local address, got %v:%d", f.out.daddr, f.out.dport)
	}
}

func TestFillOutboundTupleSourceNATUsesPacketSource(t *testing.T) {
	d := dest.New(netip.MustParseAddr("10.0.0.5"), 8080, dest.FwdSourceNAT, 1, 0)
	pktSrc := netip.MustParseAddr("172.16.0.9")
	f := &Flow{caddr: netip.MustParseAddr("1.2.3.4"), cport: 1111, dport: 1111}
	f.fillOutboundTuple(d, pktSrc, true)

	if f.out.saddr != pktSrc {
		t.Fatalf("expected source-NAT outbound saddr to be the packet's own source, got %v", f.out.saddr)
	}
}

func TestDeriveRPortExplicitOverride(t *testing.T) {
	p := Params{CTDPort: 9999}
	port, err := deriveRPort(p, nil, nil, false, false, 20)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if port != 9999 {
		t.Fatalf("expected explicit CTDPort to win, got %d", port)
	}
}

func TestDeriveRPortTemplateWithoutCTDPortReturnsZero(t *testing.T) {
	port, err := deriveRPort(Params{}, nil, nil, true, false, 20)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if port != 0 {
		t.Fatalf("expected a template with no ct_dport to resolve to 0, got %d", port)
	}
}

func TestDeriveRPortDefaultsToDestinationPort(t *testing.T) {
	d := dest.New(netip.MustParseAddr("10.0.0.5"), 8080, dest.FwdDR, 1, 0)
	port, err := deriveRPort(Params{}, nil, d, false, false, 20)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if port != d.Port {
		t.Fatalf("expected non-source-NAT flows to use dest.port, got %d", port)
	}
}

func TestDeriveRPortSourceNATFromPacketHeader(t *testing.T) {
	buf := &pktbuf.Buffer{Data: make([]byte, 40)}
	buf.Data[20] = 0x1F
	buf.Data[21] = 0x90 // 0x1F90 == 8080
	d := dest.New(netip.MustParseAddr("10.0.0.5"), 9090, dest.FwdSourceNAT, 1, 0)
	port, err := deriveRPort(Params{}, buf, d, false, true, 20)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if port != 8080 {
		t.Fatalf("expected port 8080 parsed from header, got %d", port)
	}
}

func TestDeriveRPortSourceNATNoBufferIsNotSupp(t *testing.T) {
	d := dest.New(netip.MustParseAddr("10.0.0.5"), 9090, dest.FwdSourceNAT, 1, 0)
	_, err := deriveRPort(Params{}, nil, d, false, true, 20)
	if err == nil {
		t.Fatal("expected an error when no buffer and no explicit port are given")
	}
	if ce, ok := err.(*Error); !ok || ce.Kind != NOTSUPP {
		t.Fatalf("expected NOTSUPP, got %v", err)
	}
}

func TestDeriveRPortSourceNATShortBufferIsNotSupp(t *testing.T) {
	buf := &pktbuf.Buffer{Data: make([]byte, 10)}
	d := dest.New(netip.MustParseAddr("10.0.0.5"), 9090, dest.FwdSourceNAT, 1, 0)
	_, err := deriveRPort(Params{}, buf, d, false, true, 20)
	if err == nil {
		t.Fatal("expected an error for a buffer too short to hold the sport field")
	}
}

func TestResetZeroesFlow(t *testing.T) {
	f := &Flow{caddr: netip.MustParseAddr("1.1.1.1"), cport: 1}
	f.SetFlag(FlagHashed)
	f.reset()
	if f.caddr.IsValid() || f.cport != 0 || f.HasFlag(FlagHashed) {
		t.Fatal("expected reset to zero every field")
	}
}
