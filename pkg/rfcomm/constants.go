package rfcomm

import "time"

// Protocol parameters.
const (
	// DefaultCredits is granted to the peer initially and on refill.
	DefaultCredits uint8 = 10

	// UnlimitedIncomingCredits disables incoming credit accounting.
	UnlimitedIncomingCredits uint8 = 0xFF

	// DefaultFrameSize is the frame size used when none is configured.
	DefaultFrameSize uint16 = 127

	// DefaultIdleTimeout closes a multiplexer that carries no channels.
	DefaultIdleTimeout = 60 * time.Second

	// DefaultL2CAPMTU is requested for multiplexer channels.
	DefaultL2CAPMTU uint16 = 1017

	// ackTimeoutMs bounds the wait for the UA answering a SABM or DISC.
	ackTimeoutMs uint32 = 20000

	// creditRefillThreshold triggers automatic refill of incoming credits.
	creditRefillThreshold = 5

	// frameOverhead is address, control, two length bytes and FCS.
	frameOverhead = 5

	testDataMaxLen = 4

	outgoingBufferSize = 1030
)

// Control field values.
const (
	ctrlSABM  uint8 = 0x3F
	ctrlUA    uint8 = 0x73
	ctrlDM    uint8 = 0x0F
	ctrlDMPF  uint8 = 0x1F
	ctrlDISC  uint8 = 0x53
	ctrlUIH   uint8 = 0xEF
	ctrlUIHPF uint8 = 0xFF
)

// Multiplexer command types including EA and C/R bits.
const (
	cmdCLD   uint8 = 0xC3
	cmdFCON  uint8 = 0xA3
	rspFCON  uint8 = 0xA1
	cmdFCOFF uint8 = 0x63
	rspFCOFF uint8 = 0x61
	cmdMSC   uint8 = 0xE3
	rspMSC   uint8 = 0xE1
	rspNSC   uint8 = 0x11
	cmdPN    uint8 = 0x83
	rspPN    uint8 = 0x81
	cmdRLS   uint8 = 0x53
	rspRLS   uint8 = 0x51
	cmdRPN   uint8 = 0x93
	rspRPN   uint8 = 0x91
	cmdTEST  uint8 = 0x23
	rspTEST  uint8 = 0x21
)

// Event codes.
const (
	EventChannelOpened      uint8 = 0x80
	EventChannelClosed      uint8 = 0x81
	EventIncomingConnection uint8 = 0x82
	EventRemoteLineStatus   uint8 = 0x83
	EventRemoteModemStatus  uint8 = 0x87
	EventPortConfiguration  uint8 = 0x88
	EventCanSendNow         uint8 = 0x89
)

// Line status values for SendLocalLineStatus.
const (
	LineStatusNoError      uint8 = 0x00
	LineStatusOverrunError uint8 = 0x03
	LineStatusParityError  uint8 = 0x05
	LineStatusFramingError uint8 = 0x09

	lineStatusInvalid uint8 = 0xFF
)

// Modem status flags for SendModemStatus.
const (
	ModemStatusFC  uint8 = 0x02
	ModemStatusRTC uint8 = 0x04
	ModemStatusRTR uint8 = 0x08
	ModemStatusIC  uint8 = 0x40
	ModemStatusDV  uint8 = 0x80

	// defaultModemStatus is EA, RTC, RTR and DV.
	defaultModemStatus uint8 = 0x8D
)

// Baud is the RPN baud rate code.
type Baud uint8

// Baud rates.
const (
	Baud2400 Baud = iota
	Baud4800
	Baud7200
	Baud9600
	Baud19200
	Baud38400
	Baud57600
	Baud115200
	Baud230400
)

// DataBits is the RPN data bits code.
type DataBits uint8

// Data bit settings.
const (
	DataBits5 DataBits = iota
	DataBits6
	DataBits7
	DataBits8
)

// StopBits is the RPN stop bits code.
type StopBits uint8

// Stop bit settings.
const (
	StopBits1   StopBits = 0
	StopBits1_5 StopBits = 1
)

// Parity is the RPN parity code including the parity enable bit.
type Parity uint8

// Parity settings.
const (
	ParityNone  Parity = 0
	ParityOdd   Parity = 1
	ParityEven  Parity = 3
	ParityMark  Parity = 5
	ParitySpace Parity = 7
)

// Flow control flags for SendPortConfiguration.
const (
	FlowControlXONXOFFOnInput  uint8 = 1 << 0
	FlowControlXONXOFFOnOutput uint8 = 1 << 1
	FlowControlRTROnInput      uint8 = 1 << 2
	FlowControlRTROnOutput     uint8 = 1 << 3
	FlowControlRTCOnInput      uint8 = 1 << 4
	FlowControlRTCOnOutput     uint8 = 1 << 5
)

// RPN parameter mask bits.
const (
	paramMask0Baud       uint8 = 0x01
	paramMask0DataBits   uint8 = 0x02
	paramMask0StopBits   uint8 = 0x04
	paramMask0Parity     uint8 = 0x08
	paramMask0ParityType uint8 = 0x10
	paramMask0XON        uint8 = 0x20
	paramMask0XOFF       uint8 = 0x40
)
