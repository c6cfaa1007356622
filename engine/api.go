// Package engine implements the storage-engine façade: the versioned
// operation surface consumed by the network front-end, including the
// deferred-completion (would-block) contract.
/*
 * Copyright (c) 2020, NVIDIA CORPORATION. All rights reserved.
 */
package engine

import (
	"github.com/memkv/memkv/core"
)

// Status is the operation outcome. The ordinals are wire-stable - they
// cross the front-end boundary unchanged.
type Status uint16

const (
	Success     Status = 0x00
	KeyNotFound Status = 0x01
	KeyExists   Status = 0x02
	NoMemory    Status = 0x03
	NotStored   Status = 0x04
	InvalidArg  Status = 0x05
	NotSupp     Status = 0x06
	WouldBlock  Status = 0x07
	TooBig      Status = 0x08
	WantMore    Status = 0x09
	Failed      Status = 0xff
)

func (s Status) String() string {
	switch s {
	case Success:
		return "SUCCESS"
	case KeyNotFound:
		return "KEY_ENOENT"
	case KeyExists:
		return "KEY_EEXISTS"
	case NoMemory:
		return "ENOMEM"
	case NotStored:
		return "NOT_STORED"
	case InvalidArg:
		return "EINVAL"
	case NotSupp:
		return "ENOTSUP"
	case WouldBlock:
		return "EWOULDBLOCK"
	case TooBig:
		return "E2BIG"
	case WantMore:
		return "WANT_MORE"
	case Failed:
		return "FAILED"
	}
	return "UNKNOWN"
}

// StoreOp selects store semantics; ordinals are wire-stable.
type StoreOp uint8

const (
	OpAdd     StoreOp = 1
	OpSet     StoreOp = 2
	OpReplace StoreOp = 3
	OpAppend  StoreOp = 4
	OpPrepend StoreOp = 5
	OpCAS     StoreOp = 6
)

func (op StoreOp) String() string {
	switch op {
	case OpAdd:
		return "add"
	case OpSet:
		return "set"
	case OpReplace:
		return "replace"
	case OpAppend:
		return "append"
	case OpPrepend:
		return "prepend"
	case OpCAS:
		return "cas"
	}
	return "invalid"
}

// Cookie identifies the initiating front-end request. It is an opaque
// handle into a front-end-owned table; the engine never interprets it.
// Cookie 0 means "no deferred completion possible for this call".
type Cookie uint64

type (
	// AddStatFn emits one statistics line.
	AddStatFn func(key, val string, cookie Cookie)

	// AddResponseFn emits one response packet in the binary-protocol shape.
	AddResponseFn func(key, ext, body []byte, datatype uint8, status Status, cas uint64, cookie Cookie) bool

	// RequestHeader is the binary-protocol request header handed to
	// UnknownCommand verbatim.
	RequestHeader struct {
		Magic    uint8
		Opcode   uint8
		KeyLen   uint16
		ExtLen   uint8
		DataType uint8
		VBucket  uint16
		BodyLen  uint32
		Opaque   uint32
		CAS      uint64
	}

	// ServerAPI is the set of front-end callbacks the engine consumes.
	ServerAPI interface {
		// NotifyIOComplete completes an operation that previously
		// returned WouldBlock; called exactly once per deferred cookie.
		NotifyIOComplete(cookie Cookie, status Status)
	}

	// V1 is the negotiated version-1 operation surface.
	V1 interface {
		Version() int

		Initialize(config string) Status
		Destroy()
		GetInfo() string

		Allocate(cookie Cookie, key []byte, nbytes int, flags uint32, exptime int64) (*core.Item, Status)
		Store(cookie Cookie, it *core.Item, op StoreOp) (cas uint64, st Status)
		Get(cookie Cookie, key []byte) (*core.Item, Status)
		Release(it *core.Item)
		Remove(cookie Cookie, it *core.Item) Status
		Arithmetic(cookie Cookie, key []byte, increment, create bool, delta, initial uint64,
			exptime int64) (result, cas uint64, st Status)
		Flush(cookie Cookie, when int64) Status

		GetStats(cookie Cookie, statKey string, addStat AddStatFn) Status
		ResetStats()
		UnknownCommand(cookie Cookie, req *RequestHeader, addResponse AddResponseFn) Status
	}
)

// InterfaceVersion is the highest operation-table version this engine
// implements.
const InterfaceVersion = 1

// CreateInstance constructs an engine handle, negotiating an interface
// version not above maxVersion. The server callbacks may be nil, in which
// case the engine never defers (no WouldBlock).
func CreateInstance(maxVersion int, server ServerAPI) (V1, Status) {
	if maxVersion < InterfaceVersion {
		return nil, NotSupp
	}
	return newEngine(server), Success
}
