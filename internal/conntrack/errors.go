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

// Kind enumerates the small, closed set of error conditions the connection
// tracker itself can raise. Collaborators (protocol layer, destination pool,
// local-address pool) have their own error types; Kind never wraps them.
type Kind int

const (
	// NOMEM means the flow allocator pool is exhausted.
	NOMEM Kind = iota
	// OVERLOAD means the destination is at max_conn.
	OVERLOAD
	// NOTSUPP means the destination's forward mode is not recognized.
	NOTSUPP
	// EXIST means hash was attempted on an already-hashed flow.
	EXIST
	// BUSY means unhash was attempted while refcount > 2.
	BUSY
	// NOTEXIST means unhash was attempted on a flow that isn't hashed.
	NOTEXIST
	// DISABLED means the calling core is not enabled for conntrack.
	DISABLED
)

func (k Kind) String() string {
	switch k {
	case NOMEM:
		return "NOMEM"
	case OVERLOAD:
		return "OVERLOAD"
	case NOTSUPP:
		return "NOTSUPP"
	case EXIST:
		return "EXIST"
	case BUSY:
		return "BUSY"
	case NOTEXIST:
		return "NOTEXIST"
	case DISABLED:
		return "DISABLED"
	default:
		return "UNKNOWN"
	}
}

// Error wraps a Kind so it satisfies the error interface while still being
// comparable with errors.Is against the Kind sentinels below.
type Error struct {
	Kind Kind
	Op   string
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Kind.String()
	}
	return e.Op + ": " + e.Kind.String()
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func newErr(op string, k Kind) error { return &Error{Kind: k, Op: op} }

// Sentinel errors for errors.Is comparisons against a bare Kind.
var (
	ErrNoMem    = &Error{Kind: NOMEM}
	ErrOverload = &Error{Kind: OVERLOAD}
	ErrNotSupp  = &Error{Kind: NOTSUPP}
	ErrExist    = &Error{Kind: EXIST}
	ErrBusy     = &Error{Kind: BUSY}
	ErrNotExist = &Error{Kind: NOTEXIST}
	ErrDisabled = &Error{Kind: DISABLED}
)
