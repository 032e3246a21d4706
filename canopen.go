// Package conode is a pure Go implementation of a CANopen (CiA 301/305/306)
// application-layer stack. It defines the transport-agnostic core: the CAN
// frame contract, the bus abstraction every protocol engine is built on, and
// the small set of errors shared across the stack.
package conode

import (
	"errors"

	"golang.org/x/sys/unix"
)

// Frame is the wire representation every protocol engine produces and
// consumes. Only base (11-bit) data frames are supported; Ext and Rtr are
// carried for completeness of the contract but the core never sets them.
type Frame struct {
	ID   uint32
	Ext  bool
	Rtr  bool
	DLC  uint8
	Data [8]byte
}

// NewFrame builds a Frame with the given identifier and data length.
func NewFrame(id uint32, dlc uint8) Frame {
	return Frame{ID: id, DLC: dlc}
}

// FrameListener receives frames from a Bus subscription. Handle must not
// block: it runs on the bus's delivery goroutine and is shared by every
// subscriber of that CAN ID.
type FrameListener interface {
	Handle(frame Frame)
}

// FrameListenerFunc adapts a plain function to a FrameListener.
type FrameListenerFunc func(frame Frame)

func (f FrameListenerFunc) Handle(frame Frame) { f(frame) }

// Bus is the narrow contract the core requires from a transport. Send is
// non-blocking from the caller's point of view and may fail with
// ErrTransportUnavailable. Subscribe delivers every frame received on the
// bus to callback, once per frame.
type Bus interface {
	Connect(...any) error
	Disconnect() error
	Send(frame Frame) error
	Subscribe(callback FrameListener) error
}

var (
	// ErrTransportUnavailable is returned by a Bus.Send when the underlying
	// transport cannot accept a frame right now.
	ErrTransportUnavailable = errors.New("conode: transport unavailable")
	ErrIllegalArgument      = errors.New("conode: illegal argument")
	ErrNodeIdUnconfigured   = errors.New("conode: node-id not yet configured by LSS")
)

// COB-ID bases used throughout the stack (§6.3).
const (
	CobIdNMT        uint32 = 0x000
	CobIdSYNCBase   uint32 = 0x080
	CobIdEMCYBase   uint32 = 0x080
	CobIdTIMEBase   uint32 = 0x100
	CobIdTPDO1Base  uint32 = 0x180
	CobIdRPDO1Base  uint32 = 0x200
	CobIdTPDO2Base  uint32 = 0x280
	CobIdRPDO2Base  uint32 = 0x300
	CobIdTPDO3Base  uint32 = 0x380
	CobIdRPDO3Base  uint32 = 0x400
	CobIdTPDO4Base  uint32 = 0x480
	CobIdRPDO4Base  uint32 = 0x500
	CobIdSDOTxBase  uint32 = 0x580
	CobIdSDORxBase  uint32 = 0x600
	CobIdHeartbeat  uint32 = 0x700
	CobIdLSSMaster  uint32 = 0x7E5
	CobIdLSSSlave   uint32 = 0x7E4

	// canIdMask strips the SocketCAN EFF/RTR/ERR flag bits from a raw
	// identifier, leaving the 11-bit base frame ID this stack deals in.
	canIdMask uint32 = unix.CAN_SFF_MASK
)

// canonicalPdoBases lists the base COB-IDs the COB-ID defaulting rule (§3.2)
// recognizes: whenever a configured COB-ID's low 4 bits are zero and it
// matches one of these bases, the device's node-id is OR-ed in.
var canonicalPdoBases = []uint32{
	0x180, 0x200, 0x280, 0x300, 0x380, 0x400, 0x480, 0x500,
	0x080, 0x700,
}

// DefaultCobId applies the COB-ID defaulting rule from spec §3.2: if cobId's
// low 4 bits are zero and cobId equals one of the canonical PDO/EMCY/SYNC/
// heartbeat bases, the node-id is OR-ed into the low byte.
func DefaultCobId(cobId uint32, nodeId uint8) uint32 {
	if cobId&0xF != 0 {
		return cobId
	}
	for _, base := range canonicalPdoBases {
		if cobId == base {
			return cobId | uint32(nodeId)
		}
	}
	return cobId
}
