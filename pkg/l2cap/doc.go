// Package l2cap implements basic-mode L2CAP for classic links: the
// signaling channel, dynamic channels multiplexed over ACL links, a PSM
// service registry and can-send-now flow control.
//
// All methods of Service must be called on the run loop goroutine. Channel
// lifecycle is reported to the channel's packet handler with events:
//
//	INCOMING_CONNECTION  0x72  addr, handle, psm, local cid, remote cid
//	CHANNEL_OPENED       0x70  status, addr, handle, psm, local cid, remote cid,
//	                           local mtu, remote mtu, flush timeout, incoming,
//	                           mode, fcs
//	CHANNEL_CLOSED       0x71  local cid
//	CAN_SEND_NOW         0x79  local cid
//
// Payload arrives as hci.L2CAPDataPacket with the local cid as channel.
package l2cap
