// Package hci holds the host-controller level vocabulary shared by every
// protocol layer: device addresses, status codes, packet types, the ACL
// packet codec with fragmentation and reassembly, and the byte layout of
// asynchronous events.
//
// # Events
//
// Every layer reports asynchronous results through a PacketHandler with
// packet type EventPacket. Events are framed as
//
//	event code (1) | parameter length (1) | parameters
//
// Meta events (AVRCP) start their parameters with a subevent code followed by
// the connection identifier in little-endian order:
//
//	event code (1) | length (1) | subevent (1) | cid (2, LE) | payload
//
// Use EventBuilder to produce events and EventReader to parse them.
package hci
