package coe

import "fmt"

// AbortCode is the 32-bit CANopen SDO abort code.
type AbortCode uint32

// Standard CANopen abort codes. Unknown codes are reported
// numerically by Describe.
const (
	AbortToggleBit            AbortCode = 0x05030000
	AbortTimeout              AbortCode = 0x05040000
	AbortCommandInvalid       AbortCode = 0x05040001
	AbortInvalidBlockSize     AbortCode = 0x05040002
	AbortInvalidSequence      AbortCode = 0x05040003
	AbortCRCError             AbortCode = 0x05040004
	AbortOutOfMemory          AbortCode = 0x05040005
	AbortUnsupportedAccess    AbortCode = 0x06010000
	AbortWriteOnly            AbortCode = 0x06010001
	AbortReadOnly             AbortCode = 0x06010002
	AbortObjectNotExist       AbortCode = 0x06020000
	AbortNotMappable          AbortCode = 0x06040041
	AbortPDOLengthExceeded    AbortCode = 0x06040042
	AbortParamIncompatible    AbortCode = 0x06040043
	AbortInternalIncompatible AbortCode = 0x06040047
	AbortHardwareError        AbortCode = 0x06060000
	AbortTypeMismatch         AbortCode = 0x06070010
	AbortDataTooLong          AbortCode = 0x06070012
	AbortDataTooShort         AbortCode = 0x06070013
	AbortSubindexNotExist     AbortCode = 0x06090011
	AbortInvalidValue         AbortCode = 0x06090030
	AbortValueTooHigh         AbortCode = 0x06090031
	AbortValueTooLow          AbortCode = 0x06090032
	AbortMaxLessThanMin       AbortCode = 0x06090036
	AbortResourceUnavailable  AbortCode = 0x060A0023
	AbortGeneralError         AbortCode = 0x08000000
	AbortDataTransferFailed   AbortCode = 0x08000020
	AbortDataLocalControl     AbortCode = 0x08000021
	AbortDataDeviceState      AbortCode = 0x08000022
	AbortDictionaryMissing    AbortCode = 0x08000023
)

var abortMessages = map[AbortCode]string{
	AbortToggleBit:            "toggle bit not changed",
	AbortTimeout:               "SDO protocol timed out",
	AbortCommandInvalid:        "client/server command specifier not valid or unknown",
	AbortInvalidBlockSize:      "invalid block size (block mode only)",
	AbortInvalidSequence:       "invalid sequence number (block mode only)",
	AbortCRCError:              "CRC error (block mode only)",
	AbortOutOfMemory:           "out of memory",
	AbortUnsupportedAccess:     "unsupported access to an object",
	AbortWriteOnly:             "attempt to read a write only object",
	AbortReadOnly:              "attempt to write a read only object",
	AbortObjectNotExist:        "object does not exist in the object dictionary",
	AbortNotMappable:           "object cannot be mapped to the PDO",
	AbortPDOLengthExceeded:     "the number and length of the objects to be mapped would exceed PDO length",
	AbortParamIncompatible:     "general parameter incompatibility reason",
	AbortInternalIncompatible:  "general internal incompatibility in the device",
	AbortHardwareError:         "access failed due to a hardware error",
	AbortTypeMismatch:          "data type does not match, length of service parameter does not match",
	AbortDataTooLong:           "data type does not match, length of service parameter too high",
	AbortDataTooShort:          "data type does not match, length of service parameter too low",
	AbortSubindexNotExist:      "sub-index does not exist",
	AbortInvalidValue:          "invalid value for parameter",
	AbortValueTooHigh:          "value of parameter written too high",
	AbortValueTooLow:           "value of parameter written too low",
	AbortMaxLessThanMin:        "maximum value is less than minimum value",
	AbortResourceUnavailable:   "resource not available: SDO connection",
	AbortGeneralError:          "general error",
	AbortDataTransferFailed:    "data cannot be transferred or stored to the application",
	AbortDataLocalControl:      "data cannot be transferred or stored because of local control",
	AbortDataDeviceState:       "data cannot be transferred or stored because of the present device state",
	AbortDictionaryMissing:     "object dictionary dynamic generation fails or no object dictionary present",
}

// Describe returns the CANopen table message for an abort code, or a
// generic "unknown" message carrying the numeric value when it is not in
// the standard table.
func (c AbortCode) Describe() string {
	if msg, ok := abortMessages[c]; ok {
		return msg
	}
	return fmt.Sprintf("unknown SDO abort code 0x%08x", uint32(c))
}

func (c AbortCode) Error() string {
	return fmt.Sprintf("SDO abort 0x%08x: %s", uint32(c), c.Describe())
}

// AbortError is the error type surfaced to the application for a failed
// SDO transfer; it carries the raw code verbatim.
type AbortError struct {
	Code AbortCode
}

func (e *AbortError) Error() string { return e.Code.Error() }
