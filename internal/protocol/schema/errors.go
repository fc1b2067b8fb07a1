package schema

import "fmt"

// Protocol error codes carried in the second half of the result TLV.
const (
	ErrNone                   uint16 = 0x0000
	ErrMalformedMessage       uint16 = 0x0001
	ErrNoMemory               uint16 = 0x0002
	ErrInternal               uint16 = 0x0003
	ErrAborted                uint16 = 0x0004
	ErrClientIDsExhausted     uint16 = 0x0005
	ErrUnabortableTransaction uint16 = 0x0006
	ErrInvalidClientID        uint16 = 0x0007
	ErrNoThresholds           uint16 = 0x0008
	ErrInvalidHandle          uint16 = 0x0009
	ErrInvalidProfile         uint16 = 0x000a
	ErrInvalidPINID           uint16 = 0x000b
	ErrIncorrectPIN           uint16 = 0x000c
	ErrNoNetworkFound         uint16 = 0x000d
	ErrCallFailed             uint16 = 0x000e
	ErrOutOfCall              uint16 = 0x000f
	ErrNotProvisioned         uint16 = 0x0010
	ErrMissingArgument        uint16 = 0x0011
	ErrArgumentTooLong        uint16 = 0x0013
	ErrInvalidTransactionID   uint16 = 0x0016
	ErrDeviceInUse            uint16 = 0x0017
	ErrNetworkUnsupported     uint16 = 0x0018
	ErrDeviceUnsupported      uint16 = 0x0019
	ErrNoEffect               uint16 = 0x001a
	ErrNoFreeProfile          uint16 = 0x001b
	ErrInvalidPDPType         uint16 = 0x001c
	ErrInvalidTechPref        uint16 = 0x001d
	ErrInvalidProfileType     uint16 = 0x001e
	ErrInvalidServiceType     uint16 = 0x001f
	ErrInvalidRegisterAction  uint16 = 0x0020
	ErrInvalidPSAttachAction  uint16 = 0x0021
	ErrAuthenticationFailed   uint16 = 0x0022
	ErrPINBlocked             uint16 = 0x0023
	ErrPINPermanentlyBlocked  uint16 = 0x0024
	ErrSIMNotInitialized      uint16 = 0x0025
	ErrInvalidArgument        uint16 = 0x0030
	ErrInvalidIndex           uint16 = 0x0031
	ErrNoEntry                uint16 = 0x0032
	ErrDeviceStorageFull      uint16 = 0x0033
	ErrDeviceNotReady         uint16 = 0x0034
	ErrNetworkNotReady        uint16 = 0x0035
	ErrInfoUnavailable        uint16 = 0x004a
	ErrInvalidOperation       uint16 = 0x0046
	ErrInvalidQMICommand      uint16 = 0x0047
	ErrNotSupported           uint16 = 0x005e
)

var errorNames = map[uint16]string{
	ErrNone:                   "NONE",
	ErrMalformedMessage:       "MALFORMED_MSG",
	ErrNoMemory:               "NO_MEMORY",
	ErrInternal:               "INTERNAL",
	ErrAborted:                "ABORTED",
	ErrClientIDsExhausted:     "CLIENT_IDS_EXHAUSTED",
	ErrUnabortableTransaction: "UNABORTABLE_TRANSACTION",
	ErrInvalidClientID:        "INVALID_CLIENT_ID",
	ErrNoThresholds:           "NO_THRESHOLDS",
	ErrInvalidHandle:          "INVALID_HANDLE",
	ErrInvalidProfile:         "INVALID_PROFILE",
	ErrInvalidPINID:           "INVALID_PINID",
	ErrIncorrectPIN:           "INCORRECT_PIN",
	ErrNoNetworkFound:         "NO_NETWORK_FOUND",
	ErrCallFailed:             "CALL_FAILED",
	ErrOutOfCall:              "OUT_OF_CALL",
	ErrNotProvisioned:         "NOT_PROVISIONED",
	ErrMissingArgument:        "MISSING_ARG",
	ErrArgumentTooLong:        "ARG_TOO_LONG",
	ErrInvalidTransactionID:   "INVALID_TX_ID",
	ErrDeviceInUse:            "DEVICE_IN_USE",
	ErrNetworkUnsupported:     "OP_NETWORK_UNSUPPORTED",
	ErrDeviceUnsupported:      "OP_DEVICE_UNSUPPORTED",
	ErrNoEffect:               "NO_EFFECT",
	ErrNoFreeProfile:          "NO_FREE_PROFILE",
	ErrInvalidPDPType:         "INVALID_PDP_TYPE",
	ErrInvalidTechPref:        "INVALID_TECH_PREF",
	ErrInvalidProfileType:     "INVALID_PROFILE_TYPE",
	ErrInvalidServiceType:     "INVALID_SERVICE_TYPE",
	ErrInvalidRegisterAction:  "INVALID_REGISTER_ACTION",
	ErrInvalidPSAttachAction:  "INVALID_PS_ATTACH_ACTION",
	ErrAuthenticationFailed:   "AUTHENTICATION_FAILED",
	ErrPINBlocked:             "PIN_BLOCKED",
	ErrPINPermanentlyBlocked:  "PIN_PERM_BLOCKED",
	ErrSIMNotInitialized:      "SIM_NOT_INITIALIZED",
	ErrInvalidArgument:        "INVALID_ARG",
	ErrInvalidIndex:           "INVALID_INDEX",
	ErrNoEntry:                "NO_ENTRY",
	ErrDeviceStorageFull:      "DEVICE_STORAGE_FULL",
	ErrDeviceNotReady:         "DEVICE_NOT_READY",
	ErrNetworkNotReady:        "NETWORK_NOT_READY",
	ErrInfoUnavailable:        "INFO_UNAVAILABLE",
	ErrInvalidOperation:       "INVALID_OPERATION",
	ErrInvalidQMICommand:      "INVALID_QMI_CMD",
	ErrNotSupported:           "NOT_SUPPORTED",
}

// ErrorName names a protocol error code.
func ErrorName(code uint16) string {
	if name, ok := errorNames[code]; ok {
		return name
	}
	return fmt.Sprintf("0x%04x", code)
}
