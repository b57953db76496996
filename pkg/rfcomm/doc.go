// Package rfcomm implements the RFCOMM serial port emulation protocol on top
// of L2CAP.
//
// One multiplexer is kept per remote device. It owns a single L2CAP channel
// on PSM 0x0003 and carries any number of data link connections (DLCs), each
// identified locally by an RFCOMM channel id (cid). Channels use credit based
// flow control: every data frame consumes one outgoing credit and sends are
// refused when none are left.
//
// All methods of Service must be called on the run loop goroutine. Events are
// delivered to the packet handler given when creating a channel or
// registering a service:
//
//	CHANNEL_OPENED       0x80  status, addr, handle, server channel, cid, max frame size, incoming
//	CHANNEL_CLOSED       0x81  cid
//	INCOMING_CONNECTION  0x82  addr, server channel, cid, handle
//	REMOTE_LINE_STATUS   0x83  cid, line status
//	REMOTE_MODEM_STATUS  0x87  cid, modem status
//	PORT_CONFIGURATION   0x88  cid, remote, baud, flags, flow control, xon, xoff, masks
//	CAN_SEND_NOW         0x89  cid
//
// Payload arrives as hci.RFCOMMDataPacket with the cid as channel.
package rfcomm
