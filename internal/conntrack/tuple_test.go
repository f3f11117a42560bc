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
)

func TestHashkeyStableAndBounded(t *testing.T) {
	s := netip.MustParseAddr("10.0.0.1")
	d := netip.MustParseAddr("10.0.0.2")
	h1 := hashkey(s, d, 1234, 80)
	h2 := hashkey(s, d, 1234, 80)
	if h1 != h2 {
		t.Fatalf("hashkey not stable across calls: %d != %d", h1, h2)
	}
	if h1 > TableMask {
		t.Fatalf("hashkey %d exceeds TableMask %d", h1, TableMask)
	}
}

func TestHashkeyDistinguishesPorts(t *testing.T) {
	s := netip.MustParseAddr("10.0.0.1")
	d := netip.MustParseAddr("10.0.0.2")
	h1 := hashkey(s, d, 1234, 80)
	h2 := hashkey(s, d, 1234, 81)
	if h1 == h2 {
		t.Fatalf("hashkey collided for distinct dport, got %d for both", h1)
	}
}

func TestTupleHashMatches(t *testing.T) {
	s := netip.MustParseAddr("10.0.0.1")
	d := netip.MustParseAddr("10.0.0.2")
	n := &TupleHash{af: AFInet, proto: ProtoTCP, saddr: s, daddr: d, sport: 1111, dport: 80}

	if !n.matches(AFInet, ProtoTCP, s, d, 1111, 80) {
		t.Fatal("expected exact tuple to match")
	}
	if n.matches(AFInet, ProtoUDP, s, d, 1111, 80) {
		t.Fatal("expected proto mismatch to not match")
	}
	if n.matches(AFInet, ProtoTCP, s, d, 2222, 80) {
		t.Fatal("expected sport mismatch to not match")
	}
}

func TestTupleHashKeyMatchesHashkey(t *testing.T) {
	s := netip.MustParseAddr("192.168.1.1")
	d := netip.MustParseAddr("192.168.1.2")
	n := &TupleHash{saddr: s, daddr: d, sport: 4444, dport: 443}
	if n.key() != hashkey(s, d, 4444, 443) {
		t.Fatal("TupleHash.key() must agree with package-level hashkey")
	}
}

func TestTupleHashMatchesWildcardsAddressFamilyForProtoIP(t *testing.T) {
	s := netip.MustParseAddr("10.0.0.1")
	d := netip.MustParseAddr("10.0.0.2")
	n := &TupleHash{af: AFInet, proto: ProtoIP, saddr: s, daddr: d, sport: 1111, dport: 80}

	if !n.matches(AFInet6, ProtoIP, s, d, 1111, 80) {
		t.Fatal("expected a ProtoIP template node to match regardless of address family")
	}
	if n.matches(AFInet6, ProtoTCP, s, d, 1111, 80) {
		t.Fatal("expected a non-wildcard protocol lookup to still require proto equality")
	}
}

func TestDirectionString(t *testing.T) {
	if DirInbound.String() != "in" {
		t.Fatalf("expected \"in\", got %q", DirInbound.String())
	}
	if DirOutbound.String() != "out" {
		t.Fatalf("expected \"out\", got %q", DirOutbound.String())
	}
}
