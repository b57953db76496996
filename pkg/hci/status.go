package hci

import "fmt"

// Status is the one-byte result code carried by synchronous API returns and
// by the status field of completion events.
type Status uint8

// Controller error codes (Bluetooth Core, Vol 1, Part F).
const (
	StatusSuccess                            Status = 0x00
	StatusUnknownHCICommand                  Status = 0x01
	StatusUnknownConnectionIdentifier        Status = 0x02
	StatusHardwareFailure                    Status = 0x03
	StatusPageTimeout                        Status = 0x04
	StatusAuthenticationFailure              Status = 0x05
	StatusMemoryCapacityExceeded             Status = 0x07
	StatusConnectionTimeout                  Status = 0x08
	StatusConnectionLimitExceeded            Status = 0x09
	StatusACLConnectionAlreadyExists         Status = 0x0B
	StatusCommandDisallowed                  Status = 0x0C
	StatusConnectionRejectedLimitedResources Status = 0x0D
	StatusUnsupportedFeatureOrParameterValue Status = 0x11
	StatusInvalidHCICommandParameters        Status = 0x12
	StatusRemoteUserTerminatedConnection     Status = 0x13
	StatusConnectionTerminatedByLocalHost    Status = 0x16
	StatusUnspecifiedError                   Status = 0x1F
)

// Host stack result codes.
const (
	StatusBTStackMemoryAllocFailed Status = 0x56
	StatusBTStackACLBuffersFull    Status = 0x57

	StatusL2CAPConnectionRefusedPSM       Status = 0x65
	StatusL2CAPConnectionRefusedSecurity  Status = 0x66
	StatusL2CAPConnectionRefusedResources Status = 0x67
	StatusL2CAPConnectionRTXTimeout       Status = 0x69
	StatusL2CAPServiceAlreadyRegistered   Status = 0x6A
	StatusL2CAPDataLenExceedsRemoteMTU    Status = 0x6B
	StatusL2CAPServiceDoesNotExist        Status = 0x6C
	StatusL2CAPLocalCIDDoesNotExist       Status = 0x6D
	StatusRFCOMMMultiplexerStopped        Status = 0x70
	StatusRFCOMMChannelAlreadyRegistered  Status = 0x71
	StatusRFCOMMNoOutgoingCredits         Status = 0x72
	StatusRFCOMMAggregateFlowOff          Status = 0x73
	StatusRFCOMMDataLenExceedsMTU         Status = 0x74
	StatusSDPQueryIncomplete              Status = 0x81
	StatusSDPServiceNotFound              Status = 0x82
	StatusSDPQueryBusy                    Status = 0x84
)

var statusNames = map[Status]string{
	StatusSuccess:                            "SUCCESS",
	StatusUnknownHCICommand:                  "UNKNOWN_HCI_COMMAND",
	StatusUnknownConnectionIdentifier:        "UNKNOWN_CONNECTION_IDENTIFIER",
	StatusHardwareFailure:                    "HARDWARE_FAILURE",
	StatusPageTimeout:                        "PAGE_TIMEOUT",
	StatusAuthenticationFailure:              "AUTHENTICATION_FAILURE",
	StatusMemoryCapacityExceeded:             "MEMORY_CAPACITY_EXCEEDED",
	StatusConnectionTimeout:                  "CONNECTION_TIMEOUT",
	StatusConnectionLimitExceeded:            "CONNECTION_LIMIT_EXCEEDED",
	StatusACLConnectionAlreadyExists:         "ACL_CONNECTION_ALREADY_EXISTS",
	StatusCommandDisallowed:                  "COMMAND_DISALLOWED",
	StatusConnectionRejectedLimitedResources: "CONNECTION_REJECTED_LIMITED_RESOURCES",
	StatusUnsupportedFeatureOrParameterValue: "UNSUPPORTED_FEATURE_OR_PARAMETER_VALUE",
	StatusInvalidHCICommandParameters:        "INVALID_HCI_COMMAND_PARAMETERS",
	StatusRemoteUserTerminatedConnection:     "REMOTE_USER_TERMINATED_CONNECTION",
	StatusConnectionTerminatedByLocalHost:    "CONNECTION_TERMINATED_BY_LOCAL_HOST",
	StatusUnspecifiedError:                   "UNSPECIFIED_ERROR",
	StatusBTStackMemoryAllocFailed:           "BTSTACK_MEMORY_ALLOC_FAILED",
	StatusBTStackACLBuffersFull:              "BTSTACK_ACL_BUFFERS_FULL",
	StatusL2CAPConnectionRefusedPSM:          "L2CAP_CONNECTION_REFUSED_PSM",
	StatusL2CAPConnectionRefusedSecurity:     "L2CAP_CONNECTION_REFUSED_SECURITY",
	StatusL2CAPConnectionRefusedResources:    "L2CAP_CONNECTION_REFUSED_RESOURCES",
	StatusL2CAPConnectionRTXTimeout:          "L2CAP_CONNECTION_RTX_TIMEOUT",
	StatusL2CAPServiceAlreadyRegistered:      "L2CAP_SERVICE_ALREADY_REGISTERED",
	StatusL2CAPDataLenExceedsRemoteMTU:       "L2CAP_DATA_LEN_EXCEEDS_REMOTE_MTU",
	StatusL2CAPServiceDoesNotExist:           "L2CAP_SERVICE_DOES_NOT_EXIST",
	StatusL2CAPLocalCIDDoesNotExist:          "L2CAP_LOCAL_CID_DOES_NOT_EXIST",
	StatusRFCOMMMultiplexerStopped:           "RFCOMM_MULTIPLEXER_STOPPED",
	StatusRFCOMMChannelAlreadyRegistered:     "RFCOMM_CHANNEL_ALREADY_REGISTERED",
	StatusRFCOMMNoOutgoingCredits:            "RFCOMM_NO_OUTGOING_CREDITS",
	StatusRFCOMMAggregateFlowOff:             "RFCOMM_AGGREGATE_FLOW_OFF",
	StatusRFCOMMDataLenExceedsMTU:            "RFCOMM_DATA_LEN_EXCEEDS_MTU",
	StatusSDPQueryIncomplete:                 "SDP_QUERY_INCOMPLETE",
	StatusSDPServiceNotFound:                 "SDP_SERVICE_NOT_FOUND",
	StatusSDPQueryBusy:                       "SDP_QUERY_BUSY",
}

// String returns the symbolic name of the status, or its hex value.
func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("STATUS_0x%02X", uint8(s))
}

// OK reports whether s is StatusSuccess.
func (s Status) OK() bool {
	return s == StatusSuccess
}

// Err returns nil for StatusSuccess and an error wrapping ErrStatus otherwise.
func (s Status) Err() error {
	if s == StatusSuccess {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrStatus, s)
}
