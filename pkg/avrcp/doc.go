// Package avrcp implements the Audio/Video Remote Control Profile over AVCTP.
//
// A Service owns the AVCTP control channel (PSM 0x0017) to each remote
// device. The controller and target roles share one connection and one
// AVRCP cid; Controller sends commands and reports responses, Target answers
// commands from the peer.
//
// A controller connection runs at most one command at a time. Operations
// return a status right away: UNKNOWN_CONNECTION_IDENTIFIER for an unknown
// cid, COMMAND_DISALLOWED while a previous command is outstanding. Results
// follow as events. Notification registrations are sent in between commands,
// one per send opportunity.
//
// All events use HCI_EVENT_AVRCP_META (0xEC):
//
//	code, length, subevent, cid (LE), payload
//
// Connection events go to the handler given to Service.RegisterPacketHandler.
// Role events go to the role's handler, or the service handler if the role
// has none.
//
// All methods must be called on the run loop goroutine.
package avrcp
