package l2cap

import "github.com/backkem/bthost/pkg/hci"

// Fixed channel identifiers.
const (
	CIDSignaling    uint16 = 0x0001
	CIDDynamicStart uint16 = 0x0040
)

// MTU limits.
const (
	MinimumMTU uint16 = 48
	DefaultMTU uint16 = 672
)

// Well-known PSMs.
const (
	PSMSDP         uint16 = 0x0001
	PSMRFCOMM      uint16 = 0x0003
	PSMAVCTP       uint16 = 0x0017
	PSMAVCTPBrowse uint16 = 0x001B
)

// Event codes.
const (
	EventChannelOpened      uint8 = 0x70
	EventChannelClosed      uint8 = 0x71
	EventIncomingConnection uint8 = 0x72
	EventCanSendNow         uint8 = 0x79
)

// Signaling command codes.
const (
	sigCommandReject         = 0x01
	sigConnectionRequest     = 0x02
	sigConnectionResponse    = 0x03
	sigConfigureRequest      = 0x04
	sigConfigureResponse     = 0x05
	sigDisconnectionRequest  = 0x06
	sigDisconnectionResponse = 0x07
	sigEchoRequest           = 0x08
	sigEchoResponse          = 0x09
	sigInformationRequest    = 0x0A
	sigInformationResponse   = 0x0B
)

// Connection response results.
const (
	connResultSuccess          uint16 = 0x0000
	connResultPending          uint16 = 0x0001
	connResultRefusedPSM       uint16 = 0x0002
	connResultRefusedSecurity  uint16 = 0x0003
	connResultRefusedResources uint16 = 0x0004
)

// Configuration.
const (
	confResultSuccess  uint16 = 0x0000
	confResultRejected uint16 = 0x0002
	confOptionMTU      uint8  = 0x01

	rejectNotUnderstood  uint16 = 0x0000
	rejectInvalidCID     uint16 = 0x0002
	infoResultNotSupport uint16 = 0x0001

	flushTimeoutInfinite uint16 = 0xFFFF
)

// connectionResultStatus maps a refused connection result to the status
// reported in CHANNEL_OPENED.
func connectionResultStatus(result uint16) hci.Status {
	switch result {
	case connResultRefusedPSM:
		return hci.StatusL2CAPConnectionRefusedPSM
	case connResultRefusedSecurity:
		return hci.StatusL2CAPConnectionRefusedSecurity
	case connResultRefusedResources:
		return hci.StatusL2CAPConnectionRefusedResources
	default:
		return hci.StatusUnspecifiedError
	}
}
