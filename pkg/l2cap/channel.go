package l2cap

import (
	"github.com/backkem/bthost/pkg/hci"
	"github.com/backkem/bthost/pkg/runloop"
)

// State is the lifecycle state of a dynamic channel.
type State int

const (
	StateClosed State = iota
	StateWaitConnectionComplete
	StateWaitConnectResponse
	StateWaitClientAcceptOrReject
	StateConfig
	StateOpen
	StateWaitDisconnect
	StateEmitOpenFailedAndDiscard
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "Closed"
	case StateWaitConnectionComplete:
		return "WaitConnectionComplete"
	case StateWaitConnectResponse:
		return "WaitConnectResponse"
	case StateWaitClientAcceptOrReject:
		return "WaitClientAcceptOrReject"
	case StateConfig:
		return "Config"
	case StateOpen:
		return "Open"
	case StateWaitDisconnect:
		return "WaitDisconnect"
	case StateEmitOpenFailedAndDiscard:
		return "EmitOpenFailedAndDiscard"
	default:
		return "Unknown"
	}
}

// configState tracks the two independent configuration exchanges.
type configState struct {
	sentReq bool
	rcvdRsp bool
	rcvdReq bool
	sentRsp bool
}

func (c configState) done() bool {
	return c.sentReq && c.rcvdRsp && c.rcvdReq && c.sentRsp
}

type channel struct {
	localCID  uint16
	remoteCID uint16
	psm       uint16
	addr      hci.Addr
	conn      *aclConn
	handler   hci.PacketHandler
	incoming  bool

	state  State
	config configState

	localMTU  uint16
	remoteMTU uint16

	// Identifier of our outstanding request, matched against responses.
	pendingSigID uint8
	// Status reported when state is StateEmitOpenFailedAndDiscard.
	failStatus hci.Status

	waitingForCanSendNow bool
	rtx                  runloop.Timer
}

func (c *channel) handle() hci.ConnHandle {
	if c.conn == nil {
		return hci.InvalidConnHandle
	}
	return c.conn.link.Handle()
}

// registration is one PSM served by a local handler.
type registration struct {
	psm     uint16
	mtu     uint16
	handler hci.PacketHandler
}

// aclConn is the per-link state: signaling identifier, queued signaling
// commands and fragment reassembly.
type aclConn struct {
	link       Link
	nextSigID  uint8
	sigQueue   [][]byte
	reassembly *hci.Reassembler
}

func (a *aclConn) allocSigID() uint8 {
	a.nextSigID++
	if a.nextSigID == 0 {
		a.nextSigID = 1
	}
	return a.nextSigID
}
