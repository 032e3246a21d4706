// Package lss implements the CANopen Layer Setting Services (CiA 305): a
// slave-side state machine for remote node-id/bit-timing configuration and
// identity inquiry, and a master driving it, fixed to CAN-IDs 0x7E4/0x7E5.
package lss

import "errors"

// Node-id sentinel and valid range, CiA 301 §7.3.2.
const (
	NodeIdUnconfigured uint8 = 0xFF
	NodeIdMin          uint8 = 0x01
	NodeIdMax          uint8 = 0x7F
)

var (
	ErrTimeout        = errors.New("lss: no answer received")
	ErrInvalidNodeId  = errors.New("lss: invalid node id")
	ErrConfigRejected = errors.New("lss: slave rejected configuration request")
)

// Mode is the argument to a switch-mode-global command.
type Mode uint8

const (
	ModeWaiting       Mode = 0
	ModeConfiguration Mode = 1
)

// Command is the byte-0 command specifier of an LSS frame, CiA 305 Table 1.
type Command uint8

const (
	CmdSwitchStateGlobal            Command = 4
	CmdSwitchStateSelectiveVendor   Command = 64
	CmdSwitchStateSelectiveProduct  Command = 65
	CmdSwitchStateSelectiveRevision Command = 66
	CmdSwitchStateSelectiveSerialNb Command = 67
	CmdSwitchStateSelectiveResult   Command = 68

	CmdConfigureNodeId            Command = 17
	CmdConfigureBitTiming         Command = 19
	CmdConfigureActivateBitTiming Command = 21
	CmdConfigureStoreParameters   Command = 23

	CmdInquireVendor   Command = 90
	CmdInquireProduct  Command = 91
	CmdInquireRevision Command = 92
	CmdInquireSerial   Command = 93
	CmdInquireNodeId   Command = 94

	CmdIdentifySlave Command = 80
	CmdFastscan      Command = 81
)

// Configuration response status codes, CiA 305 Table 4.
const (
	ConfigOk             byte = 0
	ConfigOutOfRange     byte = 1
	ConfigImplementation byte = 0xFF
)

// fastscanBitCheckAll is the "check nothing" width used by the initial
// fastscan probe, to which every unconfigured slave acks regardless of
// IDNumber (CiA 305 §4.6.4.2). fastscanBitCheckExact is the width used for
// the final per-field confirmation, requiring an exact 32-bit match.
const (
	fastscanBitCheckAll   uint8 = 0
	fastscanBitCheckExact uint8 = 32
)

// fastscanMask returns the mask covering the top width bits of a 32-bit
// field, used to test a fastscan probe's IDNumber against a slave's
// identity field.
func fastscanMask(width uint8) uint32 {
	if width == 0 {
		return 0
	}
	if width >= 32 {
		return ^uint32(0)
	}
	return ^uint32(0) << (32 - width)
}

// Address is a node's LSS identity: the concatenation of 0x1018's four
// sub-entries, used by switch-state-selective and returned by fastscan.
type Address struct {
	VendorId       uint32
	ProductCode    uint32
	RevisionNumber uint32
	SerialNumber   uint32
}

func (a Address) field(index uint8) uint32 {
	switch index {
	case 0:
		return a.VendorId
	case 1:
		return a.ProductCode
	case 2:
		return a.RevisionNumber
	default:
		return a.SerialNumber
	}
}

func (a *Address) setField(index uint8, value uint32) {
	switch index {
	case 0:
		a.VendorId = value
	case 1:
		a.ProductCode = value
	case 2:
		a.RevisionNumber = value
	default:
		a.SerialNumber = value
	}
}

// State is the slave's LSS mode, CiA 305 §4.2.
type State uint8

const (
	StateWaiting       State = 1
	StateConfiguration State = 2
)

func (s State) String() string {
	switch s {
	case StateWaiting:
		return "WAITING"
	case StateConfiguration:
		return "CONFIGURATION"
	default:
		return "UNKNOWN"
	}
}

// message is the raw 8-byte LSS frame payload.
type message [8]byte

func (m message) command() Command { return Command(m[0]) }
