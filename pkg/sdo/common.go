// Package sdo implements the CANopen Service Data Object protocol (CiA 301
// §7.2.4): client and server expedited and segmented transfers. Block-mode
// transfers are out of scope for this stack.
package sdo

import (
	"fmt"

	"github.com/canopen-go/conode/pkg/od"
)

// SDOAbortCode is the 32-bit code carried in bytes 4..7 of an ABORT frame.
type SDOAbortCode uint32

const (
	AbortToggleBit         SDOAbortCode = 0x05030000
	AbortTimeout           SDOAbortCode = 0x05040000
	AbortCmd               SDOAbortCode = 0x05040001
	AbortBlockSize         SDOAbortCode = 0x05040002
	AbortSeqNum            SDOAbortCode = 0x05040003
	AbortCRC               SDOAbortCode = 0x05040004
	AbortOutOfMem          SDOAbortCode = 0x05040005
	AbortUnsupportedAccess SDOAbortCode = 0x06010000
	AbortWriteOnly         SDOAbortCode = 0x06010001
	AbortReadOnly          SDOAbortCode = 0x06010002
	AbortNotExist          SDOAbortCode = 0x06020000
	AbortNoMap             SDOAbortCode = 0x06040041
	AbortMapLen            SDOAbortCode = 0x06040042
	AbortParamIncompat     SDOAbortCode = 0x06040043
	AbortDeviceIncompat    SDOAbortCode = 0x06040047
	AbortHardware          SDOAbortCode = 0x06060000
	AbortTypeMismatch      SDOAbortCode = 0x06070010
	AbortDataLong          SDOAbortCode = 0x06070012
	AbortDataShort         SDOAbortCode = 0x06070013
	AbortSubUnknown        SDOAbortCode = 0x06090011
	AbortInvalidValue      SDOAbortCode = 0x06090030
	AbortValueHigh         SDOAbortCode = 0x06090031
	AbortValueLow          SDOAbortCode = 0x06090032
	AbortMaxLessMin        SDOAbortCode = 0x06090036
	AbortNoRessource       SDOAbortCode = 0x060A0023
	AbortGeneral           SDOAbortCode = 0x08000000
	AbortDataTransfer      SDOAbortCode = 0x08000020
	AbortDataLocalControl  SDOAbortCode = 0x08000021
	AbortDataDeviceState   SDOAbortCode = 0x08000022
	AbortDataOD            SDOAbortCode = 0x08000023
	AbortNoData            SDOAbortCode = 0x08000024
)

var abortDescriptions = map[SDOAbortCode]string{
	AbortToggleBit:         "toggle bit not altered",
	AbortTimeout:           "SDO protocol timed out",
	AbortCmd:               "command specifier not valid or unknown",
	AbortBlockSize:         "invalid block size in block mode",
	AbortSeqNum:            "invalid sequence number in block mode",
	AbortCRC:               "CRC error (block mode only)",
	AbortOutOfMem:          "out of memory",
	AbortUnsupportedAccess: "unsupported access to an object",
	AbortWriteOnly:         "attempt to read a write only object",
	AbortReadOnly:          "attempt to write a read only object",
	AbortNotExist:          "object does not exist in the object dictionary",
	AbortNoMap:             "object cannot be mapped to the PDO",
	AbortMapLen:            "number and length of mapped objects exceeds PDO length",
	AbortParamIncompat:     "general parameter incompatibility reasons",
	AbortDeviceIncompat:    "general internal incompatibility in device",
	AbortHardware:          "access failed due to hardware error",
	AbortTypeMismatch:      "data type does not match, length of service parameter does not match",
	AbortDataLong:          "data type does not match, length of service parameter too high",
	AbortDataShort:         "data type does not match, length of service parameter too low",
	AbortSubUnknown:        "sub index does not exist",
	AbortInvalidValue:      "invalid value for parameter",
	AbortValueHigh:         "value of parameter written too high",
	AbortValueLow:          "value of parameter written too low",
	AbortMaxLessMin:        "maximum value is less than minimum value",
	AbortNoRessource:       "resource not available: SDO connection",
	AbortGeneral:           "general error",
	AbortDataTransfer:      "data cannot be transferred or stored to the application",
	AbortDataLocalControl:  "data cannot be transferred because of local control",
	AbortDataDeviceState:   "data cannot be transferred because of the present device state",
	AbortDataOD:            "object dictionary is not present or dynamic generation failed",
	AbortNoData:            "no data available",
}

func (a SDOAbortCode) Error() string {
	return fmt.Sprintf("x%x: %s", uint32(a), a.Description())
}

// Description returns the human-readable CiA 301 description of a, falling
// back to AbortGeneral's description for unknown codes.
func (a SDOAbortCode) Description() string {
	if d, ok := abortDescriptions[a]; ok {
		return d
	}
	return abortDescriptions[AbortGeneral]
}

// abortFromODError maps an od package error to the nearest SDO abort code.
func abortFromODError(err error) SDOAbortCode {
	switch err {
	case od.ErrDoesNotExist:
		return AbortNotExist
	case od.ErrSubNotSupported, od.ErrSubOutOfRange:
		return AbortSubUnknown
	case od.ErrReadOnly:
		return AbortReadOnly
	case od.ErrWriteOnly:
		return AbortWriteOnly
	case od.ErrTypeMismatch:
		return AbortTypeMismatch
	case od.ErrDataShort:
		return AbortDataShort
	case od.ErrDataLong:
		return AbortDataLong
	case od.ErrOutOfRange:
		return AbortInvalidValue
	default:
		return AbortGeneral
	}
}

// Command/response specifiers, byte 0 top-3-bit field.
const (
	ccsDownloadSegment  = 0
	ccsInitiateDownload = 1
	ccsInitiateUpload   = 2
	ccsUploadSegment    = 3
	csAbort             = 4

	scsUploadSegment    = 0
	scsDownloadSegment  = 1
	scsInitiateUpload   = 2
	scsInitiateDownload = 3
)

func commandSpecifier(b byte) byte { return b >> 5 }

func abortFrameData(index uint16, subIndex uint8, code SDOAbortCode) [8]byte {
	var data [8]byte
	data[0] = 0x80
	data[1] = byte(index)
	data[2] = byte(index >> 8)
	data[3] = subIndex
	data[4] = byte(code)
	data[5] = byte(code >> 8)
	data[6] = byte(code >> 16)
	data[7] = byte(code >> 24)
	return data
}

func abortCodeFromFrame(data [8]byte) SDOAbortCode {
	return SDOAbortCode(uint32(data[4]) | uint32(data[5])<<8 | uint32(data[6])<<16 | uint32(data[7])<<24)
}
