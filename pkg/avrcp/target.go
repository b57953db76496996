package avrcp

import (
	"encoding/binary"
	"strconv"

	"github.com/backkem/bthost/pkg/hci"
)

// Track describes the track a target is playing.
type Track struct {
	ID           [8]byte
	Title        string
	Artist       string
	Album        string
	Genre        string
	Number       uint32
	SongLengthMs uint32
}

// noTrackID is reported by TRACK_CHANGED while no track is selected.
var noTrackID = [8]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

// defaultTargetEvents are the notifications a target supports unless
// configured otherwise.
var defaultTargetEvents = []NotificationEvent{
	NotificationPlaybackStatusChanged,
	NotificationTrackChanged,
	NotificationNowPlayingContentChanged,
	NotificationBatteryStatusChanged,
	NotificationVolumeChanged,
	NotificationAddressedPlayerChanged,
}

// targetConn is the target role state of a connection.
type targetConn struct {
	state                ConnectionState
	waitingForCanSendNow bool

	supportedEvents    uint16
	companies          []uint32
	enabled            uint16
	changed            uint16
	notificationLabels [notificationLast + 1]uint8

	unitType    SubunitType
	companyID   uint32
	subunitInfo []byte

	playbackStatus PlaybackStatus
	positionMs     uint32
	track          Track
	trackSelected  bool
	totalTracks    uint32
	volume         uint8
	battery        BatteryStatus
	playerID       uint16
	uidCounter     uint16
	repeat         RepeatMode
	shuffle        ShuffleMode

	continuation      [][]byte
	playStatusLabel   uint8
	playStatusPending bool
}

func (tc *targetConn) init() {
	for _, ev := range defaultTargetEvents {
		tc.supportedEvents |= ev.mask()
	}
	tc.companies = []uint32{CompanyIDBluetoothSIG}
	tc.unitType = SubunitPanel
	tc.companyID = CompanyIDBluetoothSIG
	tc.subunitInfo = []byte{uint8(SubunitPanel) << 3, 0xFF, 0xFF, 0xFF}
	tc.playbackStatus = PlaybackStopped
	tc.repeat = RepeatOff
	tc.shuffle = ShuffleOff
}

// Target is the AVRCP target role. It answers the commands of a remote
// controller from the player state the application reports.
type Target struct {
	s       *Service
	handler hci.PacketHandler

	addressedPlayerHandler func(cid uint16, playerID uint16) bool
}

// RegisterPacketHandler sets the handler for target events. Without one they
// go to the service handler.
func (tg *Target) RegisterPacketHandler(handler hci.PacketHandler) {
	tg.handler = handler
}

// SetAddressedPlayerHandler sets the callback deciding SET_ADDRESSED_PLAYER.
// Without one every player is accepted.
func (tg *Target) SetAddressedPlayerHandler(handler func(cid uint16, playerID uint16) bool) {
	tg.addressedPlayerHandler = handler
}

// State returns the target state of cid.
func (tg *Target) State(cid uint16) ConnectionState {
	if c := tg.s.connectionForCID(cid); c != nil {
		return c.tg.state
	}
	return ConnectionIdle
}

func (tg *Target) connection(cid uint16) (*connection, hci.Status) {
	c := tg.s.connectionForCID(cid)
	if c == nil {
		return nil, hci.StatusUnknownConnectionIdentifier
	}
	return c, hci.StatusSuccess
}

// SupportEvent adds event to the notifications the target reports.
func (tg *Target) SupportEvent(cid uint16, event NotificationEvent) hci.Status {
	c, st := tg.connection(cid)
	if !st.OK() {
		return st
	}
	if !event.Valid() {
		return hci.StatusUnsupportedFeatureOrParameterValue
	}
	c.tg.supportedEvents |= event.mask()
	return hci.StatusSuccess
}

// SupportCompanies replaces the companies reported by GET_CAPABILITIES.
func (tg *Target) SupportCompanies(cid uint16, companies []uint32) hci.Status {
	c, st := tg.connection(cid)
	if !st.OK() {
		return st
	}
	if len(companies) == 0 || len(companies) > 0xFF {
		return hci.StatusInvalidHCICommandParameters
	}
	c.tg.companies = append([]uint32(nil), companies...)
	return hci.StatusSuccess
}

// SetUnitInfo sets the UNIT_INFO answer.
func (tg *Target) SetUnitInfo(cid uint16, unitType SubunitType, companyID uint32) hci.Status {
	c, st := tg.connection(cid)
	if !st.OK() {
		return st
	}
	c.tg.unitType = unitType
	c.tg.companyID = companyID
	return hci.StatusSuccess
}

// SetSubunitInfo sets the SUBUNIT_INFO table, four bytes per page.
func (tg *Target) SetSubunitInfo(cid uint16, info []byte) hci.Status {
	c, st := tg.connection(cid)
	if !st.OK() {
		return st
	}
	if len(info) > 8*4 {
		return hci.StatusInvalidHCICommandParameters
	}
	c.tg.subunitInfo = append([]byte(nil), info...)
	return hci.StatusSuccess
}

// PlayStatus answers the pending GET_PLAY_STATUS of cid.
func (tg *Target) PlayStatus(cid uint16, songLengthMs, songPositionMs uint32, status PlaybackStatus) hci.Status {
	c, st := tg.connection(cid)
	if !st.OK() {
		return st
	}
	tc := &c.tg
	if !tc.playStatusPending {
		return hci.StatusCommandDisallowed
	}
	tc.playStatusPending = false
	tc.playbackStatus = status
	tc.positionMs = songPositionMs

	params := binary.BigEndian.AppendUint32(nil, songLengthMs)
	params = binary.BigEndian.AppendUint32(params, songPositionMs)
	params = append(params, uint8(status))
	tg.respond(c, vendorRequest(tc.playStatusLabel), ResponseImplementedStable,
		vendorOperands(PDUGetPlayStatus, packetSingle, params))
	return hci.StatusSuccess
}

// SetPlaybackStatus reports a new playback status.
func (tg *Target) SetPlaybackStatus(cid uint16, status PlaybackStatus) hci.Status {
	c, st := tg.connection(cid)
	if !st.OK() {
		return st
	}
	if c.tg.playbackStatus == status {
		return hci.StatusSuccess
	}
	c.tg.playbackStatus = status
	tg.markChanged(c, NotificationPlaybackStatusChanged)
	return hci.StatusSuccess
}

// SetNowPlayingInfo reports the current track; nil means none is selected.
func (tg *Target) SetNowPlayingInfo(cid uint16, track *Track, totalTracks uint32) hci.Status {
	c, st := tg.connection(cid)
	if !st.OK() {
		return st
	}
	tc := &c.tg
	tc.totalTracks = totalTracks
	if track == nil {
		tc.track = Track{}
		tc.trackSelected = false
	} else {
		tc.track = *track
		tc.trackSelected = true
	}
	tg.markChanged(c, NotificationTrackChanged)
	return hci.StatusSuccess
}

// TrackChanged reports a new track id without changing its attributes.
func (tg *Target) TrackChanged(cid uint16, id [8]byte) hci.Status {
	c, st := tg.connection(cid)
	if !st.OK() {
		return st
	}
	c.tg.track.ID = id
	c.tg.trackSelected = true
	tg.markChanged(c, NotificationTrackChanged)
	return hci.StatusSuccess
}

// PlayingContentChanged notifies a change of the now playing list.
func (tg *Target) PlayingContentChanged(cid uint16) hci.Status {
	c, st := tg.connection(cid)
	if !st.OK() {
		return st
	}
	tg.markChanged(c, NotificationNowPlayingContentChanged)
	return hci.StatusSuccess
}

// AddressedPlayerChanged notifies a new addressed player.
func (tg *Target) AddressedPlayerChanged(cid uint16, playerID, uidCounter uint16) hci.Status {
	c, st := tg.connection(cid)
	if !st.OK() {
		return st
	}
	c.tg.playerID = playerID
	c.tg.uidCounter = uidCounter
	tg.markChanged(c, NotificationAddressedPlayerChanged)
	return hci.StatusSuccess
}

// BatteryStatusChanged notifies a new battery status.
func (tg *Target) BatteryStatusChanged(cid uint16, status BatteryStatus) hci.Status {
	c, st := tg.connection(cid)
	if !st.OK() {
		return st
	}
	if c.tg.battery == status {
		return hci.StatusSuccess
	}
	c.tg.battery = status
	tg.markChanged(c, NotificationBatteryStatusChanged)
	return hci.StatusSuccess
}

// AdjustAbsoluteVolume sets the volume without notifying the controller.
func (tg *Target) AdjustAbsoluteVolume(cid uint16, volume uint8) hci.Status {
	c, st := tg.connection(cid)
	if !st.OK() {
		return st
	}
	if volume > 0x7F {
		return hci.StatusInvalidHCICommandParameters
	}
	c.tg.volume = volume
	return hci.StatusSuccess
}

// VolumeChanged sets the volume and notifies the controller.
func (tg *Target) VolumeChanged(cid uint16, volume uint8) hci.Status {
	if st := tg.AdjustAbsoluteVolume(cid, volume); !st.OK() {
		return st
	}
	c, _ := tg.connection(cid)
	tg.markChanged(c, NotificationVolumeChanged)
	return hci.StatusSuccess
}

// SetPlayerApplicationSettings reports new repeat and shuffle modes.
func (tg *Target) SetPlayerApplicationSettings(cid uint16, repeat RepeatMode, shuffle ShuffleMode) hci.Status {
	c, st := tg.connection(cid)
	if !st.OK() {
		return st
	}
	if repeat < RepeatOff || repeat > RepeatGroup || shuffle < ShuffleOff || shuffle > ShuffleGroup {
		return hci.StatusUnsupportedFeatureOrParameterValue
	}
	c.tg.repeat = repeat
	c.tg.shuffle = shuffle
	tg.markChanged(c, NotificationPlayerApplicationSettingChanged)
	return hci.StatusSuccess
}

// markChanged queues a CHANGED notification when the controller registered
// for event.
func (tg *Target) markChanged(c *connection, event NotificationEvent) {
	if c.tg.enabled&event.mask() == 0 {
		return
	}
	c.tg.changed |= event.mask()
	tg.s.requestSend(c, &c.tg.waitingForCanSendNow)
}

// handleCanSendNow sends one pending CHANGED notification.
func (tg *Target) handleCanSendNow(c *connection) {
	tc := &c.tg
	for ev := notificationFirst; ev <= notificationLast; ev++ {
		mask := ev.mask()
		if tc.changed&mask == 0 {
			continue
		}
		tc.changed &^= mask
		if tc.enabled&mask == 0 {
			continue
		}
		tc.enabled &^= mask
		params := append([]byte{uint8(ev)}, tc.notificationValue(ev)...)
		tg.respond(c, vendorRequest(tc.notificationLabels[ev]), ResponseChangedStable,
			vendorOperands(PDURegisterNotification, packetSingle, params))
		break
	}
	if tc.changed&tc.enabled != 0 {
		tc.waitingForCanSendNow = true
	}
}

func (tc *targetConn) notificationValue(event NotificationEvent) []byte {
	switch event {
	case NotificationPlaybackStatusChanged:
		return []byte{uint8(tc.playbackStatus)}
	case NotificationTrackChanged:
		if !tc.trackSelected {
			return noTrackID[:]
		}
		return tc.track.ID[:]
	case NotificationPlaybackPosChanged:
		return binary.BigEndian.AppendUint32(nil, tc.positionMs)
	case NotificationBatteryStatusChanged:
		return []byte{uint8(tc.battery)}
	case NotificationSystemStatusChanged:
		return []byte{0}
	case NotificationPlayerApplicationSettingChanged:
		return []byte{2, settingRepeat, uint8(tc.repeat), settingShuffle, uint8(tc.shuffle)}
	case NotificationAddressedPlayerChanged:
		b := binary.BigEndian.AppendUint16(nil, tc.playerID)
		return binary.BigEndian.AppendUint16(b, tc.uidCounter)
	case NotificationUIDsChanged:
		return binary.BigEndian.AppendUint16(nil, tc.uidCounter)
	case NotificationVolumeChanged:
		return []byte{tc.volume}
	}
	return nil
}

// vendorRequest stands in for the command a deferred response answers.
func vendorRequest(label uint8) *message {
	return &message{
		label:     label,
		pid:       ProfileID,
		subunit:   SubunitPanel,
		subunitID: subunitID,
		opcode:    OpcodeVendorDependent,
	}
}

// respond answers m with the given response code and operands.
func (tg *Target) respond(c *connection, m *message, ctype CommandType, operands []byte) {
	r := message{
		label:     m.label,
		response:  true,
		pid:       m.pid,
		ctype:     ctype,
		subunit:   m.subunit,
		subunitID: m.subunitID,
		opcode:    m.opcode,
		operands:  operands,
	}
	tg.s.send(c, &r)
	if len(c.outbox) > 0 {
		c.tg.state = ConnectionW2SendResponse
	}
}

func (tg *Target) respondVendor(c *connection, m *message, ctype CommandType, pdu PDUID, params []byte) {
	tg.respond(c, m, ctype, vendorOperands(pdu, packetSingle, params))
}

func (tg *Target) reject(c *connection, m *message, pdu PDUID, status StatusCode) {
	if tg.s.log != nil {
		tg.s.log.Debugf("rejecting %s from %s: %s", pdu, c.addr, status)
	}
	tg.respondVendor(c, m, ResponseRejected, pdu, []byte{uint8(status)})
}

// handleCommand answers one command frame.
func (tg *Target) handleCommand(c *connection, m *message) {
	if m.pid != ProfileID {
		if tg.s.log != nil {
			tg.s.log.Debugf("invalid profile id 0x%04X from %s", m.pid, c.addr)
		}
		r := message{label: m.label, response: true, ipid: true, pid: m.pid}
		tg.s.send(c, &r)
		return
	}

	switch m.opcode {
	case OpcodeUnitInfo:
		operands := []byte{0x07, uint8(c.tg.unitType) << 3}
		operands = append(operands, uint8(c.tg.companyID>>16), uint8(c.tg.companyID>>8), uint8(c.tg.companyID))
		tg.respond(c, m, ResponseImplementedStable, operands)

	case OpcodeSubunitInfo:
		var page uint8
		if len(m.operands) > 0 {
			page = m.operands[0] >> 4 & 0x07
		}
		operands := []byte{page<<4 | 0x07, 0xFF, 0xFF, 0xFF, 0xFF}
		if off := int(page) * 4; off < len(c.tg.subunitInfo) {
			copy(operands[1:], c.tg.subunitInfo[off:])
		}
		tg.respond(c, m, ResponseImplementedStable, operands)

	case OpcodePassThrough:
		tg.handlePassThrough(c, m)

	case OpcodeVendorDependent:
		v, err := parseVendor(m.operands)
		if err != nil {
			if tg.s.log != nil {
				tg.s.log.Warnf("vendor command from %s: %v", c.addr, err)
			}
			tg.respond(c, m, ResponseRejected, m.operands)
			return
		}
		tg.handleVendorCommand(c, m, &v)

	default:
		tg.respond(c, m, ResponseNotImplemented, m.operands)
	}
}

func (tg *Target) handlePassThrough(c *connection, m *message) {
	if len(m.operands) < 2 {
		tg.respond(c, m, ResponseRejected, m.operands)
		return
	}
	op := OperationID(m.operands[0]) &^ operationReleased
	if !op.Valid() {
		tg.respond(c, m, ResponseNotImplemented, m.operands)
		return
	}
	tg.respond(c, m, ResponseAccepted, m.operands)

	var operand uint8
	if m.operands[1] > 0 && len(m.operands) > 2 {
		operand = m.operands[2]
	}
	pressed := m.operands[0]&uint8(operationReleased) == 0
	tg.emitOperation(c, op, pressed, m.operands[1], operand)
}

func (tg *Target) handleVendorCommand(c *connection, m *message, v *vendorFrame) {
	tc := &c.tg
	p := v.params
	switch v.pdu {
	case PDUGetCapabilities:
		if len(p) < 1 {
			tg.reject(c, m, v.pdu, StatusInvalidParameter)
			return
		}
		switch CapabilityID(p[0]) {
		case CapabilityEvent:
			params := []byte{uint8(CapabilityEvent), 0}
			for ev := notificationFirst; ev <= notificationLast; ev++ {
				if tc.supportedEvents&ev.mask() != 0 {
					params = append(params, uint8(ev))
					params[1]++
				}
			}
			tg.respondVendor(c, m, ResponseImplementedStable, v.pdu, params)
		case CapabilityCompany:
			params := []byte{uint8(CapabilityCompany), uint8(len(tc.companies))}
			for _, company := range tc.companies {
				params = append(params, uint8(company>>16), uint8(company>>8), uint8(company))
			}
			tg.respondVendor(c, m, ResponseImplementedStable, v.pdu, params)
		default:
			tg.reject(c, m, v.pdu, StatusInvalidParameter)
		}

	case PDUListPlayerApplicationAttributes:
		tg.respondVendor(c, m, ResponseImplementedStable, v.pdu, []byte{2, settingRepeat, settingShuffle})

	case PDUGetCurrentPlayerApplicationValue:
		params := []byte{0}
		if len(p) > 0 {
			for _, attr := range p[1:min(len(p), 1+int(p[0]))] {
				switch attr {
				case settingRepeat:
					params = append(params, attr, uint8(tc.repeat))
					params[0]++
				case settingShuffle:
					params = append(params, attr, uint8(tc.shuffle))
					params[0]++
				}
			}
		}
		if params[0] == 0 {
			tg.reject(c, m, v.pdu, StatusInvalidParameter)
			return
		}
		tg.respondVendor(c, m, ResponseImplementedStable, v.pdu, params)

	case PDUSetPlayerApplicationValue:
		if len(p) < 1 {
			tg.reject(c, m, v.pdu, StatusInvalidParameter)
			return
		}
		repeat, shuffle := parseSettings(p)
		if repeat > RepeatGroup || shuffle > ShuffleGroup {
			tg.reject(c, m, v.pdu, StatusInvalidParameter)
			return
		}
		if repeat != RepeatInvalid {
			tc.repeat = repeat
		}
		if shuffle != ShuffleInvalid {
			tc.shuffle = shuffle
		}
		tg.respondVendor(c, m, ResponseAccepted, v.pdu, nil)
		tg.emit(metaEvent(SubeventShuffleAndRepeatMode, c.cid).
			U8(uint8(m.ctype)).
			U8(uint8(tc.repeat)).
			U8(uint8(tc.shuffle)).
			Bytes())
		tg.markChanged(c, NotificationPlayerApplicationSettingChanged)

	case PDUGetPlayStatus:
		tc.playStatusLabel = m.label
		tc.playStatusPending = true
		tg.emit(metaEvent(SubeventPlayStatusQuery, c.cid).Bytes())

	case PDUGetElementAttributes:
		tg.handleElementAttributes(c, m, v)

	case PDURequestContinuingResponse:
		if len(p) < 1 || PDUID(p[0]) != PDUGetElementAttributes {
			tg.reject(c, m, v.pdu, StatusInvalidCommand)
			return
		}
		if len(tc.continuation) == 0 {
			tg.reject(c, m, v.pdu, StatusInvalidParameter)
			return
		}
		part := tc.continuation[0]
		tc.continuation = tc.continuation[1:]
		pt := packetContinue
		if len(tc.continuation) == 0 {
			pt = packetEnd
		}
		tg.respond(c, m, ResponseImplementedStable, vendorOperands(PDUGetElementAttributes, pt, part))

	case PDURequestAbortContinuingResponse:
		tc.continuation = nil
		tg.respondVendor(c, m, ResponseAccepted, v.pdu, nil)

	case PDURegisterNotification:
		tg.handleRegisterNotification(c, m, v)

	case PDUSetAbsoluteVolume:
		if len(p) != 1 {
			tg.reject(c, m, v.pdu, StatusInvalidCommand)
			return
		}
		if p[0] < 0x80 {
			tc.volume = p[0]
		}
		tg.emit(metaEvent(SubeventNotificationVolumeChanged, c.cid).U8(uint8(m.ctype)).U8(tc.volume).Bytes())
		tg.respondVendor(c, m, ResponseAccepted, v.pdu, []byte{tc.volume})

	case PDUSetAddressedPlayer:
		if len(p) < 2 {
			tg.reject(c, m, v.pdu, StatusInvalidParameter)
			return
		}
		player := binary.BigEndian.Uint16(p)
		if tg.addressedPlayerHandler != nil && !tg.addressedPlayerHandler(c.cid, player) {
			tg.respondVendor(c, m, ResponseRejected, v.pdu, []byte{uint8(StatusInvalidPlayerID)})
			return
		}
		tc.playerID = player
		tg.respondVendor(c, m, ResponseAccepted, v.pdu, []byte{uint8(StatusSuccess)})

	default:
		tg.reject(c, m, v.pdu, StatusInvalidCommand)
	}
}

func (tg *Target) handleRegisterNotification(c *connection, m *message, v *vendorFrame) {
	tc := &c.tg
	if len(v.params) < 1 {
		tg.reject(c, m, v.pdu, StatusInvalidParameter)
		return
	}
	ev := NotificationEvent(v.params[0])
	if !ev.Valid() {
		tg.reject(c, m, v.pdu, StatusInvalidParameter)
		return
	}
	tc.notificationLabels[ev] = m.label
	if tc.supportedEvents&ev.mask() == 0 {
		tg.respondVendor(c, m, ResponseNotImplemented, v.pdu, []byte{uint8(ev)})
		return
	}
	tc.enabled |= ev.mask()
	params := append([]byte{uint8(ev)}, tc.notificationValue(ev)...)
	tg.respondVendor(c, m, ResponseInterim, v.pdu, params)
}

// handleElementAttributes answers GET_ELEMENT_ATTRIBUTES. Answers that do not
// fit one frame are split and the rest waits for REQUEST_CONTINUING.
func (tg *Target) handleElementAttributes(c *connection, m *message, v *vendorFrame) {
	tc := &c.tg
	p := v.params
	if len(p) < 9 {
		tg.reject(c, m, v.pdu, StatusInvalidParameter)
		return
	}
	for _, b := range p[:8] {
		if b != 0 {
			tg.reject(c, m, v.pdu, StatusInvalidParameter)
			return
		}
	}

	var attrs []MediaAttribute
	n := int(p[8])
	p = p[9:]
	if n == 0 {
		for a := MediaAttributeTitle; a <= MediaAttributeSongLength; a++ {
			attrs = append(attrs, a)
		}
	}
	for i := 0; i < n && len(p) >= 4; i++ {
		a := MediaAttribute(binary.BigEndian.Uint32(p))
		p = p[4:]
		if a >= MediaAttributeTitle && a <= MediaAttributeSongLength {
			attrs = append(attrs, a)
		}
	}

	params := []byte{uint8(len(attrs))}
	for _, a := range attrs {
		value := tc.attributeValue(a)
		params = binary.BigEndian.AppendUint32(params, uint32(a))
		params = binary.BigEndian.AppendUint16(params, charsetUTF8)
		params = binary.BigEndian.AppendUint16(params, uint16(len(value)))
		params = append(params, value...)
	}

	tc.continuation = nil
	if len(params) <= maxVendorParams {
		tg.respondVendor(c, m, ResponseImplementedStable, v.pdu, params)
		return
	}
	first := params[:maxVendorParams]
	for rest := params[maxVendorParams:]; len(rest) > 0; {
		k := min(len(rest), maxVendorParams)
		tc.continuation = append(tc.continuation, rest[:k])
		rest = rest[k:]
	}
	tg.respond(c, m, ResponseImplementedStable, vendorOperands(v.pdu, packetStart, first))
}

func (tc *targetConn) attributeValue(a MediaAttribute) []byte {
	t := &tc.track
	switch a {
	case MediaAttributeTitle:
		return []byte(t.Title)
	case MediaAttributeArtist:
		return []byte(t.Artist)
	case MediaAttributeAlbum:
		return []byte(t.Album)
	case MediaAttributeGenre:
		return []byte(t.Genre)
	case MediaAttributeTrack:
		if !tc.trackSelected {
			return nil
		}
		return strconv.AppendUint(nil, uint64(t.Number), 10)
	case MediaAttributeTotalTracks:
		return strconv.AppendUint(nil, uint64(tc.totalTracks), 10)
	case MediaAttributeSongLength:
		if !tc.trackSelected {
			return nil
		}
		return strconv.AppendUint(nil, uint64(t.SongLengthMs), 10)
	}
	return nil
}
