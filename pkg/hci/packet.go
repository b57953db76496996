package hci

// PacketType tags the payload passed to a PacketHandler.
type PacketType uint8

// Packet types. The first four match the H4 transport indicators.
const (
	CommandPacket           PacketType = 0x01
	ACLDataPacket           PacketType = 0x02
	SCODataPacket           PacketType = 0x03
	EventPacket             PacketType = 0x04
	L2CAPDataPacket         PacketType = 0x06
	RFCOMMDataPacket        PacketType = 0x07
	SDPClientPacket         PacketType = 0x0A
	AVRCPBrowsingDataPacket PacketType = 0x0F
)

// String returns the packet type name.
func (t PacketType) String() string {
	switch t {
	case CommandPacket:
		return "Command"
	case ACLDataPacket:
		return "ACL"
	case SCODataPacket:
		return "SCO"
	case EventPacket:
		return "Event"
	case L2CAPDataPacket:
		return "L2CAPData"
	case RFCOMMDataPacket:
		return "RFCOMMData"
	case SDPClientPacket:
		return "SDPClient"
	case AVRCPBrowsingDataPacket:
		return "AVRCPBrowsingData"
	default:
		return "Unknown"
	}
}

// PacketHandler receives events and data from a protocol layer.
// channel is the layer-specific channel identifier (L2CAP cid, RFCOMM cid, ...)
// or 0 for events not tied to a channel. The packet slice is only valid for
// the duration of the call.
type PacketHandler func(packetType PacketType, channel uint16, packet []byte)

// ConnHandle is a 12-bit ACL connection handle.
type ConnHandle uint16

// InvalidConnHandle marks the absence of a connection.
const InvalidConnHandle ConnHandle = 0xFFFF
