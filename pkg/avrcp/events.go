package avrcp

import (
	"encoding/binary"

	"github.com/backkem/bthost/pkg/hci"
)

// nowPlayingInfoHeaderSize is the fixed part of NOW_PLAYING_INFO after the
// length byte: subevent, cid, ctype, track, total tracks, song length and
// one length byte per string.
const nowPlayingInfoHeaderSize = 14

// ConnectionEstablished is the decoded CONNECTION_ESTABLISHED event.
type ConnectionEstablished struct {
	CID    uint16
	Status hci.Status
	Addr   hci.Addr
	Handle hci.ConnHandle
}

// NotificationState is the decoded NOTIFICATION_STATE event.
type NotificationState struct {
	CID     uint16
	Status  hci.Status
	Enabled bool
	Event   NotificationEvent
}

// PlayStatus is the decoded PLAY_STATUS event.
type PlayStatus struct {
	CID            uint16
	CType          CommandType
	SongLengthMs   uint32
	SongPositionMs uint32
	Status         PlaybackStatus
}

// OperationStatus is the decoded OPERATION_START or OPERATION_COMPLETE event.
type OperationStatus struct {
	CID       uint16
	CType     CommandType
	Operation OperationID
}

// Operation is the decoded OPERATION event a target emits for a received
// pass-through command.
type Operation struct {
	CID            uint16
	Operation      OperationID
	Pressed        bool
	OperandsLength uint8
	Operand        uint8
}

// NowPlayingInfo is the decoded NOW_PLAYING_INFO event. Strings may be
// truncated to fit one event.
type NowPlayingInfo struct {
	CID          uint16
	CType        CommandType
	Track        uint8
	TotalTracks  uint8
	SongLengthMs uint32
	Title        string
	Artist       string
	Album        string
	Genre        string
}

// ShuffleAndRepeat is the decoded SHUFFLE_AND_REPEAT_MODE event.
type ShuffleAndRepeat struct {
	CID     uint16
	CType   CommandType
	Repeat  RepeatMode
	Shuffle ShuffleMode
}

// CustomCommandResponse is the decoded CUSTOM_COMMAND_RESPONSE event.
type CustomCommandResponse struct {
	CID    uint16
	CType  CommandType
	PDU    PDUID
	Params []byte
}

// CommandTimeout is the decoded COMMAND_TIMEOUT event. The target did not
// answer the command in time and the controller is back in OPENED.
type CommandTimeout struct {
	CID       uint16
	Status    hci.Status
	Opcode    Opcode
	PDU       PDUID
	Operation OperationID
}

// Subevent returns the subevent code of an AVRCP event, or 0 for other
// packets.
func Subevent(packet []byte) uint8 {
	if hci.EventCode(packet) != EventAVRCPMeta {
		return 0
	}
	return hci.SubeventCode(packet)
}

// ParseConnectionEstablished decodes a CONNECTION_ESTABLISHED event.
func ParseConnectionEstablished(packet []byte) (ConnectionEstablished, bool) {
	if Subevent(packet) != SubeventConnectionEstablished {
		return ConnectionEstablished{}, false
	}
	r := hci.NewMetaEventReader(packet)
	ev := ConnectionEstablished{
		CID:    hci.MetaCID(packet),
		Status: hci.Status(r.U8()),
		Addr:   r.Addr(),
		Handle: hci.ConnHandle(r.U16()),
	}
	return ev, r.Err == nil
}

// ParseConnectionReleased returns the cid of a CONNECTION_RELEASED event.
func ParseConnectionReleased(packet []byte) (uint16, bool) {
	if Subevent(packet) != SubeventConnectionReleased {
		return 0, false
	}
	return hci.MetaCID(packet), len(packet) >= 5
}

// ParseNotificationState decodes a NOTIFICATION_STATE event.
func ParseNotificationState(packet []byte) (NotificationState, bool) {
	if Subevent(packet) != SubeventNotificationState {
		return NotificationState{}, false
	}
	r := hci.NewMetaEventReader(packet)
	ev := NotificationState{
		CID:     hci.MetaCID(packet),
		Status:  hci.Status(r.U8()),
		Enabled: r.Bool(),
		Event:   NotificationEvent(r.U8()),
	}
	return ev, r.Err == nil
}

// ParseNotificationValue returns the ctype and value of a notification
// event. subevent selects which notification is expected.
func ParseNotificationValue(packet []byte, subevent uint8) (cid uint16, ctype CommandType, value []byte, ok bool) {
	if Subevent(packet) != subevent {
		return 0, 0, nil, false
	}
	r := hci.NewMetaEventReader(packet)
	ctype = CommandType(r.U8())
	value = r.Rest()
	return hci.MetaCID(packet), ctype, value, r.Err == nil
}

// ParsePlayStatus decodes a PLAY_STATUS event.
func ParsePlayStatus(packet []byte) (PlayStatus, bool) {
	if Subevent(packet) != SubeventPlayStatus {
		return PlayStatus{}, false
	}
	r := hci.NewMetaEventReader(packet)
	ev := PlayStatus{
		CID:            hci.MetaCID(packet),
		CType:          CommandType(r.U8()),
		SongLengthMs:   r.U32(),
		SongPositionMs: r.U32(),
		Status:         PlaybackStatus(r.U8()),
	}
	return ev, r.Err == nil
}

// ParseCommandTimeout decodes a COMMAND_TIMEOUT event.
func ParseCommandTimeout(packet []byte) (CommandTimeout, bool) {
	if Subevent(packet) != SubeventCommandTimeout {
		return CommandTimeout{}, false
	}
	r := hci.NewMetaEventReader(packet)
	ev := CommandTimeout{
		CID:       hci.MetaCID(packet),
		Status:    hci.Status(r.U8()),
		Opcode:    Opcode(r.U8()),
		PDU:       PDUID(r.U8()),
		Operation: OperationID(r.U8()),
	}
	return ev, r.Err == nil
}

// ParseOperationStatus decodes OPERATION_START and OPERATION_COMPLETE.
func ParseOperationStatus(packet []byte) (OperationStatus, bool) {
	switch Subevent(packet) {
	case SubeventOperationStart, SubeventOperationComplete:
	default:
		return OperationStatus{}, false
	}
	r := hci.NewMetaEventReader(packet)
	ev := OperationStatus{
		CID:       hci.MetaCID(packet),
		CType:     CommandType(r.U8()),
		Operation: OperationID(r.U8()),
	}
	return ev, r.Err == nil
}

// ParseOperation decodes an OPERATION event.
func ParseOperation(packet []byte) (Operation, bool) {
	if Subevent(packet) != SubeventOperation {
		return Operation{}, false
	}
	r := hci.NewMetaEventReader(packet)
	ev := Operation{
		CID:            hci.MetaCID(packet),
		Operation:      OperationID(r.U8()),
		Pressed:        r.Bool(),
		OperandsLength: r.U8(),
		Operand:        r.U8(),
	}
	return ev, r.Err == nil
}

// ParseNowPlayingInfo decodes a NOW_PLAYING_INFO event.
func ParseNowPlayingInfo(packet []byte) (NowPlayingInfo, bool) {
	if Subevent(packet) != SubeventNowPlayingInfo {
		return NowPlayingInfo{}, false
	}
	r := hci.NewMetaEventReader(packet)
	ev := NowPlayingInfo{
		CID:          hci.MetaCID(packet),
		CType:        CommandType(r.U8()),
		Track:        r.U8(),
		TotalTracks:  r.U8(),
		SongLengthMs: r.U32(),
	}
	rest := r.Rest()
	for _, dst := range []*string{&ev.Title, &ev.Artist, &ev.Album, &ev.Genre} {
		if len(rest) < 1 || len(rest) < 1+int(rest[0]) {
			return ev, false
		}
		*dst = string(rest[1 : 1+int(rest[0])])
		rest = rest[1+int(rest[0]):]
	}
	return ev, r.Err == nil
}

// ParseNowPlayingInfoDone returns the status of NOW_PLAYING_INFO_DONE. A
// status of 1 means the response was aborted.
func ParseNowPlayingInfoDone(packet []byte) (cid uint16, status uint8, ok bool) {
	if Subevent(packet) != SubeventNowPlayingInfoDone {
		return 0, 0, false
	}
	r := hci.NewMetaEventReader(packet)
	r.U8()
	status = r.U8()
	return hci.MetaCID(packet), status, r.Err == nil
}

// ParseShuffleAndRepeat decodes a SHUFFLE_AND_REPEAT_MODE event.
func ParseShuffleAndRepeat(packet []byte) (ShuffleAndRepeat, bool) {
	if Subevent(packet) != SubeventShuffleAndRepeatMode {
		return ShuffleAndRepeat{}, false
	}
	r := hci.NewMetaEventReader(packet)
	ev := ShuffleAndRepeat{
		CID:     hci.MetaCID(packet),
		CType:   CommandType(r.U8()),
		Repeat:  RepeatMode(r.U8()),
		Shuffle: ShuffleMode(r.U8()),
	}
	return ev, r.Err == nil
}

// ParseCapabilityEventID returns the event id of a CAPABILITY_EVENT_ID event.
func ParseCapabilityEventID(packet []byte) (NotificationEvent, bool) {
	if Subevent(packet) != SubeventCapabilityEventID {
		return 0, false
	}
	r := hci.NewMetaEventReader(packet)
	r.U8()
	r.U8()
	ev := NotificationEvent(r.U8())
	return ev, r.Err == nil
}

// ParseCapabilityCompanyID returns the company of a CAPABILITY_COMPANY_ID
// event.
func ParseCapabilityCompanyID(packet []byte) (uint32, bool) {
	if Subevent(packet) != SubeventCapabilityCompanyID {
		return 0, false
	}
	r := hci.NewMetaEventReader(packet)
	r.U8()
	r.U8()
	lo := uint32(r.U16())
	hi := uint32(r.U8())
	return hi<<16 | lo, r.Err == nil
}

// ParseCustomCommandResponse decodes a CUSTOM_COMMAND_RESPONSE event.
func ParseCustomCommandResponse(packet []byte) (CustomCommandResponse, bool) {
	if Subevent(packet) != SubeventCustomCommandResponse {
		return CustomCommandResponse{}, false
	}
	r := hci.NewMetaEventReader(packet)
	ev := CustomCommandResponse{
		CID:   hci.MetaCID(packet),
		CType: CommandType(r.U8()),
		PDU:   PDUID(r.U8()),
	}
	n := int(r.U16())
	ev.Params = r.Rest()
	if len(ev.Params) != n {
		return ev, false
	}
	return ev, r.Err == nil
}

func metaEvent(subevent uint8, cid uint16) *hci.EventBuilder {
	return hci.NewMetaEvent(EventAVRCPMeta, subevent, cid)
}

func deliver(handler hci.PacketHandler, event []byte) {
	if handler != nil {
		handler(hci.EventPacket, 0, event)
	}
}

func (s *Service) emitConnectionEstablished(c *connection, status hci.Status) {
	ev := metaEvent(SubeventConnectionEstablished, c.cid).
		U8(uint8(status)).
		Addr(c.addr).
		U16(uint16(c.handle)).
		Bytes()
	deliver(s.handler, ev)
}

func (s *Service) emitConnectionReleased(c *connection) {
	deliver(s.handler, metaEvent(SubeventConnectionReleased, c.cid).Bytes())
}

// emit delivers a controller event, falling back to the service handler.
func (ct *Controller) emit(event []byte) {
	if ct.handler != nil {
		deliver(ct.handler, event)
		return
	}
	deliver(ct.s.handler, event)
}

func (ct *Controller) emitNotificationState(c *connection, status hci.Status, event NotificationEvent, enabled bool) {
	ct.emit(metaEvent(SubeventNotificationState, c.cid).
		U8(uint8(status)).
		Bool(enabled).
		U8(uint8(event)).
		Bytes())
}

func (ct *Controller) emitOperationStatus(c *connection, subevent uint8, ctype CommandType, op OperationID) {
	ct.emit(metaEvent(subevent, c.cid).U8(uint8(ctype)).U8(uint8(op)).Bytes())
}

func (ct *Controller) emitCommandTimeout(c *connection, cmd *command) {
	var op OperationID
	if cmd.opcode == OpcodePassThrough && len(cmd.operands) > 0 {
		op = OperationID(cmd.operands[0]) &^ operationReleased
	}
	ct.emit(metaEvent(SubeventCommandTimeout, c.cid).
		U8(uint8(hci.StatusConnectionTimeout)).
		U8(uint8(cmd.opcode)).
		U8(uint8(cmd.pdu)).
		U8(uint8(op)).
		Bytes())
}

func (ct *Controller) emitNowPlayingInfoDone(c *connection, ctype CommandType, status uint8) {
	ct.emit(metaEvent(SubeventNowPlayingInfoDone, c.cid).U8(uint8(ctype)).U8(status).Bytes())
}

func (ct *Controller) emitShuffleAndRepeat(c *connection, ctype CommandType, repeat RepeatMode, shuffle ShuffleMode) {
	ct.emit(metaEvent(SubeventShuffleAndRepeatMode, c.cid).
		U8(uint8(ctype)).
		U8(uint8(repeat)).
		U8(uint8(shuffle)).
		Bytes())
}

func (ct *Controller) emitSupportedEvents(c *connection) {
	for ev := notificationFirst; ev <= notificationLast; ev++ {
		if c.ct.remoteEvents&ev.mask() == 0 {
			continue
		}
		ct.emit(metaEvent(SubeventCapabilityEventID, c.cid).
			U8(uint8(ResponseImplementedStable)).
			U8(0).
			U8(uint8(ev)).
			Bytes())
	}
	ct.emit(metaEvent(SubeventCapabilityEventIDDone, c.cid).
		U8(uint8(ResponseImplementedStable)).
		U8(0).
		Bytes())
}

// emitNotificationValue reports the value carried by an INTERIM or CHANGED
// notification. value is the response parameters after the event id.
func (ct *Controller) emitNotificationValue(c *connection, ctype CommandType, event NotificationEvent, value []byte) {
	var ev *hci.EventBuilder
	switch event {
	case NotificationPlaybackStatusChanged, NotificationBatteryStatusChanged, NotificationSystemStatusChanged:
		if len(value) < 1 {
			return
		}
		ev = metaEvent(uint8(event), c.cid).U8(uint8(ctype)).U8(value[0])
	case NotificationVolumeChanged:
		if len(value) < 1 {
			return
		}
		ev = metaEvent(SubeventNotificationVolumeChanged, c.cid).U8(uint8(ctype)).U8(value[0] & 0x7F)
	case NotificationTrackChanged, NotificationTrackReachedEnd, NotificationTrackReachedStart,
		NotificationNowPlayingContentChanged, NotificationAvailablePlayersChanged:
		ev = metaEvent(uint8(event), c.cid).U8(uint8(ctype))
	case NotificationUIDsChanged:
		if len(value) < 2 {
			return
		}
		ev = metaEvent(SubeventNotificationUIDsChanged, c.cid).
			U8(uint8(ctype)).
			U16(binary.BigEndian.Uint16(value))
	case NotificationPlaybackPosChanged:
		if len(value) < 4 {
			return
		}
		ev = metaEvent(SubeventNotificationPlaybackPosChanged, c.cid).
			U8(uint8(ctype)).
			U32(binary.BigEndian.Uint32(value))
	case NotificationAddressedPlayerChanged:
		if len(value) < 4 {
			return
		}
		ev = metaEvent(SubeventNotificationAddressedPlayerChanged, c.cid).
			U8(uint8(ctype)).
			U16(binary.BigEndian.Uint16(value)).
			U16(binary.BigEndian.Uint16(value[2:]))
	case NotificationPlayerApplicationSettingChanged:
		repeat, shuffle := parseSettings(value)
		ev = metaEvent(SubeventNotificationPlayerApplicationSettingChanged, c.cid).
			U8(uint8(ctype)).
			U8(uint8(repeat)).
			U8(uint8(shuffle))
	default:
		return
	}
	ct.emit(ev.Bytes())
}

// emitAttribute reports one element attribute as it is parsed.
func (ct *Controller) emitAttribute(c *connection, ctype CommandType, attr MediaAttribute, value []byte) {
	var sub uint8
	switch attr {
	case MediaAttributeTitle:
		sub = SubeventNowPlayingTitleInfo
	case MediaAttributeArtist:
		sub = SubeventNowPlayingArtistInfo
	case MediaAttributeAlbum:
		sub = SubeventNowPlayingAlbumInfo
	case MediaAttributeGenre:
		sub = SubeventNowPlayingGenreInfo
	case MediaAttributeTrack:
		ct.emit(metaEvent(SubeventNowPlayingTrackInfo, c.cid).U8(uint8(ctype)).U8(uint8(atoi(value))).Bytes())
		return
	case MediaAttributeTotalTracks:
		ct.emit(metaEvent(SubeventNowPlayingTotalTracksInfo, c.cid).U8(uint8(ctype)).U8(uint8(atoi(value))).Bytes())
		return
	case MediaAttributeSongLength:
		ct.emit(metaEvent(SubeventNowPlayingSongLengthInfo, c.cid).U8(uint8(ctype)).U32(atoi(value)).Bytes())
		return
	default:
		return
	}
	ct.emit(metaEvent(sub, c.cid).U8(uint8(ctype)).U8(uint8(len(value))).Raw(value).Bytes())
}

func (ct *Controller) emitNowPlayingInfo(c *connection, ctype CommandType) {
	np := &c.ct.nowPlaying
	strs := fairTruncate([][]byte{np.title, np.artist, np.album, np.genre}, eventParamsSize-nowPlayingInfoHeaderSize)
	ev := metaEvent(SubeventNowPlayingInfo, c.cid).
		U8(uint8(ctype)).
		U8(np.track).
		U8(np.totalTracks).
		U32(np.songLengthMs)
	for _, v := range strs {
		ev.U8(uint8(len(v))).Raw(v)
	}
	ct.emit(ev.Bytes())
}

// emit delivers a target event, falling back to the service handler.
func (tg *Target) emit(event []byte) {
	if tg.handler != nil {
		deliver(tg.handler, event)
		return
	}
	deliver(tg.s.handler, event)
}

func (tg *Target) emitOperation(c *connection, op OperationID, pressed bool, operandsLength, operand uint8) {
	tg.emit(metaEvent(SubeventOperation, c.cid).
		U8(uint8(op)).
		Bool(pressed).
		U8(operandsLength).
		U8(operand).
		Bytes())
}
