package avrcp

import (
	"cmp"
	"encoding/binary"
	"slices"
	"strconv"
	"unicode/utf8"

	"github.com/backkem/bthost/pkg/hci"
	"github.com/backkem/bthost/pkg/runloop"
)

type capabilityState uint8

const (
	capabilitiesUnknown capabilityState = iota
	capabilitiesPending
	capabilitiesQuerying
	capabilitiesKnown
)

// command is the single outstanding controller command of a connection.
type command struct {
	ctype     CommandType
	subunit   SubunitType
	subunitID uint8
	opcode    Opcode

	// Vendor dependent commands.
	company     uint32
	pdu         PDUID
	responsePDU PDUID
	params      []byte

	// Other opcodes.
	operands []byte
}

func (cmd *command) message(label uint8) message {
	m := message{
		label:     label,
		ctype:     cmd.ctype,
		subunit:   cmd.subunit,
		subunitID: cmd.subunitID,
		opcode:    cmd.opcode,
		operands:  cmd.operands,
	}
	if cmd.opcode == OpcodeVendorDependent {
		m.operands = companyOperands(cmd.company, cmd.pdu, packetSingle, cmd.params)
	}
	return m
}

func vendorCommand(ctype CommandType, pdu PDUID, params []byte) command {
	return command{
		ctype:       ctype,
		subunit:     SubunitPanel,
		subunitID:   subunitID,
		opcode:      OpcodeVendorDependent,
		company:     CompanyIDBluetoothSIG,
		pdu:         pdu,
		responsePDU: pdu,
		params:      params,
	}
}

// controllerConn is the controller role state of a connection.
type controllerConn struct {
	state                ConnectionState
	waitingForCanSendNow bool

	label            uint8
	outstandingLabel uint8
	cmd              command
	responseTimer    runloop.Timer

	operation        OperationID
	pressAndHold     bool
	releaseRequested bool
	pressTimer       runloop.Timer

	capabilities   capabilityState
	capabilityEmit bool
	remoteEvents   uint16

	enabled         uint16
	toRegister      uint16
	toDeregister    uint16
	initialReported uint16
	labelEvents     [maxLabel + 1]NotificationEvent

	maxFragments uint8
	fragments    uint8
	parser       attributeParser
	nowPlaying   nowPlaying
}

func (cc *controllerConn) init(maxFragments uint8) {
	cc.maxFragments = maxFragments
}

func (cc *controllerConn) nextLabel() uint8 {
	cc.label++
	if cc.label > maxLabel {
		cc.label = 1
	}
	return cc.label
}

// Controller is the AVRCP controller role. It sends commands to the target
// of a connection and reports responses as events. Every command returns a
// status right away; only one command is outstanding per connection.
type Controller struct {
	s       *Service
	handler hci.PacketHandler
}

// RegisterPacketHandler sets the handler for controller events. Without one
// they go to the service handler.
func (ct *Controller) RegisterPacketHandler(handler hci.PacketHandler) {
	ct.handler = handler
}

// State returns the controller state of cid.
func (ct *Controller) State(cid uint16) ConnectionState {
	if c := ct.s.connectionForCID(cid); c != nil {
		return c.ct.state
	}
	return ConnectionIdle
}

func (ct *Controller) opened(cid uint16) (*connection, hci.Status) {
	c := ct.s.connectionForCID(cid)
	if c == nil {
		return nil, hci.StatusUnknownConnectionIdentifier
	}
	if c.ct.state != ConnectionOpened {
		if ct.s.log != nil {
			ct.s.log.Debugf("cid 0x%04X busy in %s", cid, c.ct.state)
		}
		return nil, hci.StatusCommandDisallowed
	}
	return c, hci.StatusSuccess
}

func (ct *Controller) request(cid uint16, cmd command) hci.Status {
	c, st := ct.opened(cid)
	if !st.OK() {
		return st
	}
	ct.queue(c, cmd)
	return hci.StatusSuccess
}

func (ct *Controller) queue(c *connection, cmd command) {
	c.ct.cmd = cmd
	c.ct.state = ConnectionW2SendCommand
	ct.s.requestSend(c, &c.ct.waitingForCanSendNow)
}

func (ct *Controller) pressCommand(c *connection) command {
	return command{
		ctype:     CommandControl,
		subunit:   SubunitPanel,
		subunitID: subunitID,
		opcode:    OpcodePassThrough,
		pdu:       PDUUndefined,
		operands:  []byte{uint8(c.ct.operation), 0},
	}
}

func (ct *Controller) transmit(c *connection, cmd *command, outstanding bool) uint8 {
	label := c.ct.nextLabel()
	if outstanding {
		c.ct.outstandingLabel = label
	}
	m := cmd.message(label)
	ct.s.send(c, &m)
	return label
}

// Pass-through operations.

func (ct *Controller) press(cid uint16, op OperationID, pressAndHold bool) hci.Status {
	c, st := ct.opened(cid)
	if !st.OK() {
		return st
	}
	cc := &c.ct
	cc.state = ConnectionW2SendPressCommand
	cc.operation = op
	cc.pressAndHold = pressAndHold
	cc.releaseRequested = false
	if pressAndHold {
		ct.s.loop.RemoveTimer(&cc.pressTimer)
		cc.pressTimer.Process = ct.pressAndHoldTimeout
		cc.pressTimer.Context = c
		ct.s.loop.SetTimer(&cc.pressTimer, pressAndHoldIntervalMs)
		ct.s.loop.AddTimer(&cc.pressTimer)
	}
	ct.s.requestSend(c, &cc.waitingForCanSendNow)
	return hci.StatusSuccess
}

// pressAndHoldTimeout repeats the press of a held button.
func (ct *Controller) pressAndHoldTimeout(t *runloop.Timer) {
	c := t.Context.(*connection)
	if ct.s.connectionForCID(c.cid) != c {
		return
	}
	ct.s.loop.SetTimer(t, pressAndHoldIntervalMs)
	ct.s.loop.AddTimer(t)
	// Repeat only once the previous press was answered.
	if c.ct.state != ConnectionW4Stop {
		return
	}
	c.ct.state = ConnectionW2SendPressCommand
	ct.s.requestSend(c, &c.ct.waitingForCanSendNow)
}

func (ct *Controller) requestRelease(c *connection) hci.Status {
	cc := &c.ct
	cc.state = ConnectionW2SendReleaseCommand
	if cc.pressAndHold {
		cc.pressAndHold = false
		ct.s.loop.RemoveTimer(&cc.pressTimer)
	}
	cc.operation |= operationReleased
	ct.s.requestSend(c, &cc.waitingForCanSendNow)
	return hci.StatusSuccess
}

// Play presses and releases PLAY.
func (ct *Controller) Play(cid uint16) hci.Status { return ct.press(cid, OperationPlay, false) }

// Stop presses and releases STOP.
func (ct *Controller) Stop(cid uint16) hci.Status { return ct.press(cid, OperationStop, false) }

// Pause presses and releases PAUSE.
func (ct *Controller) Pause(cid uint16) hci.Status { return ct.press(cid, OperationPause, false) }

// Forward skips to the next track.
func (ct *Controller) Forward(cid uint16) hci.Status { return ct.press(cid, OperationForward, false) }

// Backward skips to the previous track.
func (ct *Controller) Backward(cid uint16) hci.Status { return ct.press(cid, OperationBackward, false) }

// VolumeUp presses and releases VOLUME_UP.
func (ct *Controller) VolumeUp(cid uint16) hci.Status { return ct.press(cid, OperationVolumeUp, false) }

// VolumeDown presses and releases VOLUME_DOWN.
func (ct *Controller) VolumeDown(cid uint16) hci.Status {
	return ct.press(cid, OperationVolumeDown, false)
}

// Mute presses and releases MUTE.
func (ct *Controller) Mute(cid uint16) hci.Status { return ct.press(cid, OperationMute, false) }

// Skip presses and releases SKIP.
func (ct *Controller) Skip(cid uint16) hci.Status { return ct.press(cid, OperationSkip, false) }

// FastForward presses and releases FAST_FORWARD.
func (ct *Controller) FastForward(cid uint16) hci.Status {
	return ct.press(cid, OperationFastForward, false)
}

// Rewind presses and releases REWIND.
func (ct *Controller) Rewind(cid uint16) hci.Status { return ct.press(cid, OperationRewind, false) }

// StartPressAndHoldCmd presses op and repeats the press every two seconds
// until ReleasePressAndHoldCmd.
func (ct *Controller) StartPressAndHoldCmd(cid uint16, op OperationID) hci.Status {
	if !op.Valid() {
		return hci.StatusInvalidHCICommandParameters
	}
	return ct.press(cid, op, true)
}

// PressAndHoldPlay holds PLAY until ReleasePressAndHoldCmd.
func (ct *Controller) PressAndHoldPlay(cid uint16) hci.Status {
	return ct.press(cid, OperationPlay, true)
}

// PressAndHoldStop holds STOP until ReleasePressAndHoldCmd.
func (ct *Controller) PressAndHoldStop(cid uint16) hci.Status {
	return ct.press(cid, OperationStop, true)
}

// PressAndHoldPause holds PAUSE until ReleasePressAndHoldCmd.
func (ct *Controller) PressAndHoldPause(cid uint16) hci.Status {
	return ct.press(cid, OperationPause, true)
}

// PressAndHoldForward holds FORWARD until ReleasePressAndHoldCmd.
func (ct *Controller) PressAndHoldForward(cid uint16) hci.Status {
	return ct.press(cid, OperationForward, true)
}

// PressAndHoldBackward holds BACKWARD until ReleasePressAndHoldCmd.
func (ct *Controller) PressAndHoldBackward(cid uint16) hci.Status {
	return ct.press(cid, OperationBackward, true)
}

// PressAndHoldFastForward holds FAST_FORWARD until ReleasePressAndHoldCmd.
func (ct *Controller) PressAndHoldFastForward(cid uint16) hci.Status {
	return ct.press(cid, OperationFastForward, true)
}

// PressAndHoldRewind holds REWIND until ReleasePressAndHoldCmd.
func (ct *Controller) PressAndHoldRewind(cid uint16) hci.Status {
	return ct.press(cid, OperationRewind, true)
}

// PressAndHoldVolumeUp holds VOLUME_UP until ReleasePressAndHoldCmd.
func (ct *Controller) PressAndHoldVolumeUp(cid uint16) hci.Status {
	return ct.press(cid, OperationVolumeUp, true)
}

// PressAndHoldVolumeDown holds VOLUME_DOWN until ReleasePressAndHoldCmd.
func (ct *Controller) PressAndHoldVolumeDown(cid uint16) hci.Status {
	return ct.press(cid, OperationVolumeDown, true)
}

// PressAndHoldMute holds MUTE until ReleasePressAndHoldCmd.
func (ct *Controller) PressAndHoldMute(cid uint16) hci.Status {
	return ct.press(cid, OperationMute, true)
}

// StartFastForward holds FAST_FORWARD until StopFastForward.
func (ct *Controller) StartFastForward(cid uint16) hci.Status { return ct.PressAndHoldFastForward(cid) }

// StopFastForward releases a held FAST_FORWARD.
func (ct *Controller) StopFastForward(cid uint16) hci.Status { return ct.ReleasePressAndHoldCmd(cid) }

// StartRewind holds REWIND until StopRewind.
func (ct *Controller) StartRewind(cid uint16) hci.Status { return ct.PressAndHoldRewind(cid) }

// StopRewind releases a held REWIND.
func (ct *Controller) StopRewind(cid uint16) hci.Status { return ct.ReleasePressAndHoldCmd(cid) }

// ReleasePressAndHoldCmd releases the held button. A press still waiting for
// its response is released once the response arrives.
func (ct *Controller) ReleasePressAndHoldCmd(cid uint16) hci.Status {
	c := ct.s.connectionForCID(cid)
	if c == nil {
		return hci.StatusUnknownConnectionIdentifier
	}
	switch c.ct.state {
	case ConnectionW4ReceivePressResponse:
		c.ct.releaseRequested = true
	case ConnectionW4Response, ConnectionW2SendReleaseCommand:
	case ConnectionW2SendPressCommand, ConnectionW4Stop:
		return ct.requestRelease(c)
	default:
		return hci.StatusCommandDisallowed
	}
	return hci.StatusSuccess
}

// Vendor dependent commands.

// GetPlayStatus queries song length, position and playback status.
func (ct *Controller) GetPlayStatus(cid uint16) hci.Status {
	return ct.request(cid, vendorCommand(CommandStatus, PDUGetPlayStatus, nil))
}

// SetAbsoluteVolume sets the target volume (0..0x7F). A volume command may
// replace one still waiting for its response.
func (ct *Controller) SetAbsoluteVolume(cid uint16, volume uint8) hci.Status {
	c := ct.s.connectionForCID(cid)
	if c == nil {
		return hci.StatusUnknownConnectionIdentifier
	}
	if volume > 0x7F {
		return hci.StatusInvalidHCICommandParameters
	}
	switch c.ct.state {
	case ConnectionOpened:
	case ConnectionW4Response:
		if c.ct.cmd.opcode != OpcodeVendorDependent || c.ct.cmd.pdu != PDUSetAbsoluteVolume {
			return hci.StatusCommandDisallowed
		}
	default:
		return hci.StatusCommandDisallowed
	}
	ct.queue(c, vendorCommand(CommandControl, PDUSetAbsoluteVolume, []byte{volume}))
	return hci.StatusSuccess
}

// GetNowPlayingInfo requests all element attributes of the current track.
func (ct *Controller) GetNowPlayingInfo(cid uint16) hci.Status {
	return ct.GetElementAttributes(cid, nil)
}

// GetNowPlayingInfoForAttribute requests a single element attribute.
func (ct *Controller) GetNowPlayingInfoForAttribute(cid uint16, attr MediaAttribute) hci.Status {
	if attr == MediaAttributeAll {
		return ct.GetNowPlayingInfo(cid)
	}
	return ct.GetElementAttributes(cid, []MediaAttribute{attr})
}

// GetElementAttributes requests attrs of the current track; none means all.
// Invalid ids are skipped.
func (ct *Controller) GetElementAttributes(cid uint16, attrs []MediaAttribute) hci.Status {
	if len(attrs) > mediaAttributeCount {
		return hci.StatusInvalidHCICommandParameters
	}
	params := make([]byte, 9, 9+4*len(attrs))
	for _, a := range attrs {
		if a > MediaAttributeAll && a <= MediaAttributeSongLength {
			params = binary.BigEndian.AppendUint32(params, uint32(a))
			params[8]++
		}
	}
	return ct.request(cid, vendorCommand(CommandStatus, PDUGetElementAttributes, params))
}

// QueryShuffleAndRepeatModes reads the player application settings.
func (ct *Controller) QueryShuffleAndRepeatModes(cid uint16) hci.Status {
	params := []byte{4, settingEqualizer, settingRepeat, settingShuffle, settingScan}
	return ct.request(cid, vendorCommand(CommandStatus, PDUGetCurrentPlayerApplicationValue, params))
}

func (ct *Controller) setSetting(cid uint16, attr, value uint8) hci.Status {
	return ct.request(cid, vendorCommand(CommandControl, PDUSetPlayerApplicationValue, []byte{1, attr, value}))
}

// SetShuffleMode sets the shuffle setting of the target player.
func (ct *Controller) SetShuffleMode(cid uint16, mode ShuffleMode) hci.Status {
	if mode < ShuffleOff || mode > ShuffleGroup {
		return hci.StatusUnsupportedFeatureOrParameterValue
	}
	return ct.setSetting(cid, settingShuffle, uint8(mode))
}

// SetRepeatMode sets the repeat setting of the target player.
func (ct *Controller) SetRepeatMode(cid uint16, mode RepeatMode) hci.Status {
	if mode < RepeatOff || mode > RepeatGroup {
		return hci.StatusUnsupportedFeatureOrParameterValue
	}
	return ct.setSetting(cid, settingRepeat, uint8(mode))
}

// GetSupportedCompanyIDs lists the companies of the target.
func (ct *Controller) GetSupportedCompanyIDs(cid uint16) hci.Status {
	return ct.request(cid, vendorCommand(CommandStatus, PDUGetCapabilities, []byte{uint8(CapabilityCompany)}))
}

// GetSupportedEvents lists the notifications of the target. A cached list
// is reported right away.
func (ct *Controller) GetSupportedEvents(cid uint16) hci.Status {
	c, st := ct.opened(cid)
	if !st.OK() {
		return st
	}
	switch c.ct.capabilities {
	case capabilitiesKnown:
		ct.emitSupportedEvents(c)
	case capabilitiesQuerying:
		c.ct.capabilityEmit = true
	default:
		c.ct.capabilities = capabilitiesQuerying
		c.ct.capabilityEmit = true
		ct.queue(c, vendorCommand(CommandStatus, PDUGetCapabilities, []byte{uint8(CapabilityEvent)}))
	}
	return hci.StatusSuccess
}

// EnableNotification subscribes to event. The subscription is renewed after
// every change until DisableNotification.
func (ct *Controller) EnableNotification(cid uint16, event NotificationEvent) hci.Status {
	c := ct.s.connectionForCID(cid)
	if c == nil {
		return hci.StatusUnknownConnectionIdentifier
	}
	if !event.Valid() {
		return hci.StatusUnsupportedFeatureOrParameterValue
	}
	if c.ct.state < ConnectionOpened {
		return hci.StatusCommandDisallowed
	}
	return ct.registerNotification(c, event)
}

// DisableNotification ends the subscription to event with its next change.
func (ct *Controller) DisableNotification(cid uint16, event NotificationEvent) hci.Status {
	c := ct.s.connectionForCID(cid)
	if c == nil {
		return hci.StatusUnknownConnectionIdentifier
	}
	cc := &c.ct
	if cc.capabilities != capabilitiesKnown {
		return hci.StatusCommandDisallowed
	}
	if !event.Valid() || cc.remoteEvents&event.mask() == 0 {
		return hci.StatusUnsupportedFeatureOrParameterValue
	}
	if cc.enabled&event.mask() == 0 {
		return hci.StatusSuccess
	}
	cc.toDeregister |= event.mask()
	return hci.StatusSuccess
}

func (ct *Controller) registerNotification(c *connection, event NotificationEvent) hci.Status {
	cc := &c.ct
	mask := event.mask()
	if cc.capabilities == capabilitiesKnown && cc.remoteEvents&mask == 0 {
		return hci.StatusUnsupportedFeatureOrParameterValue
	}
	if cc.toDeregister&mask != 0 {
		return hci.StatusCommandDisallowed
	}
	if cc.enabled&mask != 0 {
		return hci.StatusSuccess
	}
	cc.toRegister |= mask
	switch cc.capabilities {
	case capabilitiesUnknown:
		cc.capabilities = capabilitiesPending
		if cc.state == ConnectionOpened {
			ct.s.requestSend(c, &cc.waitingForCanSendNow)
		}
	case capabilitiesKnown:
		ct.s.requestSend(c, &cc.waitingForCanSendNow)
	}
	return hci.StatusSuccess
}

func (ct *Controller) sendRegistration(c *connection, event NotificationEvent) {
	params := []byte{uint8(event), 0, 0, 0, 1}
	cmd := vendorCommand(CommandNotify, PDURegisterNotification, params)
	label := ct.transmit(c, &cmd, false)
	c.ct.labelEvents[label] = event
}

// UnitInfo queries the unit of the target.
func (ct *Controller) UnitInfo(cid uint16) hci.Status {
	return ct.request(cid, command{
		ctype:     CommandStatus,
		subunit:   SubunitUnit,
		subunitID: subunitIDIgnore,
		opcode:    OpcodeUnitInfo,
		pdu:       PDUUndefined,
		operands:  []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF},
	})
}

// SubunitInfo queries the first page of target subunits.
func (ct *Controller) SubunitInfo(cid uint16) hci.Status {
	return ct.request(cid, command{
		ctype:     CommandStatus,
		subunit:   SubunitUnit,
		subunitID: subunitIDIgnore,
		opcode:    OpcodeSubunitInfo,
		pdu:       PDUUndefined,
		operands:  []byte{0x07, 0xFF, 0xFF, 0xFF, 0xFF},
	})
}

// SetAddressedPlayer selects the player that receives commands.
func (ct *Controller) SetAddressedPlayer(cid uint16, playerID uint16) hci.Status {
	params := binary.BigEndian.AppendUint16(nil, playerID)
	return ct.request(cid, vendorCommand(CommandControl, PDUSetAddressedPlayer, params))
}

func itemParams(scope Scope, uid [8]byte, uidCounter uint16) []byte {
	params := append([]byte{uint8(scope)}, uid[:]...)
	return binary.BigEndian.AppendUint16(params, uidCounter)
}

// PlayItem starts playing the item uid of scope.
func (ct *Controller) PlayItem(cid uint16, scope Scope, uid [8]byte, uidCounter uint16) hci.Status {
	return ct.request(cid, vendorCommand(CommandControl, PDUPlayItem, itemParams(scope, uid, uidCounter)))
}

// AddToNowPlaying appends the item uid of scope to the now playing list.
func (ct *Controller) AddToNowPlaying(cid uint16, scope Scope, uid [8]byte, uidCounter uint16) hci.Status {
	return ct.request(cid, vendorCommand(CommandControl, PDUAddToNowPlaying, itemParams(scope, uid, uidCounter)))
}

// SetMaxFragments bounds the continuation fragments accepted for one
// response. Longer responses are aborted.
func (ct *Controller) SetMaxFragments(cid uint16, n uint8) hci.Status {
	c := ct.s.connectionForCID(cid)
	if c == nil {
		return hci.StatusUnknownConnectionIdentifier
	}
	c.ct.maxFragments = n
	return hci.StatusSuccess
}

// SendCustomCommand sends a vendor dependent command. The response with the
// same PDU is reported as CUSTOM_COMMAND_RESPONSE.
func (ct *Controller) SendCustomCommand(cid uint16, ctype CommandType, subunit SubunitType, id uint8,
	pdu PDUID, company uint32, data []byte) hci.Status {
	if len(data) > maxVendorParams {
		return hci.StatusInvalidHCICommandParameters
	}
	return ct.request(cid, command{
		ctype:       ctype,
		subunit:     subunit,
		subunitID:   id,
		opcode:      OpcodeVendorDependent,
		company:     company,
		pdu:         pdu,
		responsePDU: pdu,
		params:      slices.Clone(data),
	})
}

func (ct *Controller) requestContinuation(c *connection, pdu PDUID) {
	cmd := vendorCommand(CommandControl, pdu, []byte{uint8(PDUGetElementAttributes)})
	if pdu == PDURequestContinuingResponse {
		cmd.responsePDU = PDUGetElementAttributes
	}
	ct.queue(c, cmd)
}

// handleCanSendNow spends one send opportunity of the controller.
func (ct *Controller) handleCanSendNow(c *connection) {
	cc := &c.ct
	switch cc.state {
	case ConnectionW2SendPressCommand:
		cc.cmd = ct.pressCommand(c)
		ct.transmit(c, &cc.cmd, true)
		cc.state = ConnectionW4ReceivePressResponse
		ct.startResponseTimer(c)
		return
	case ConnectionW2SendReleaseCommand:
		cc.cmd = ct.pressCommand(c)
		ct.transmit(c, &cc.cmd, true)
		cc.state = ConnectionW4Response
		ct.startResponseTimer(c)
		return
	case ConnectionW2SendCommand:
		ct.transmit(c, &cc.cmd, true)
		cc.state = ConnectionW4Response
		ct.startResponseTimer(c)
		return
	}
	if cc.state < ConnectionOpened {
		return
	}

	if cc.state == ConnectionOpened && cc.capabilities == capabilitiesPending {
		cc.capabilities = capabilitiesQuerying
		cc.cmd = vendorCommand(CommandStatus, PDUGetCapabilities, []byte{uint8(CapabilityEvent)})
		ct.transmit(c, &cc.cmd, true)
		cc.state = ConnectionW4Response
		ct.startResponseTimer(c)
		return
	}

	// One registration per opportunity, lowest event first.
	if cc.capabilities == capabilitiesKnown && cc.toRegister != 0 {
		for ev := notificationFirst; ev <= notificationLast; ev++ {
			if cc.toRegister&ev.mask() != 0 {
				cc.toRegister &^= ev.mask()
				ct.sendRegistration(c, ev)
				return
			}
		}
	}
}

func (ct *Controller) startResponseTimer(c *connection) {
	t := &c.ct.responseTimer
	ct.s.loop.RemoveTimer(t)
	t.Process = ct.responseTimeout
	t.Context = c
	ct.s.loop.SetTimer(t, responseTimeoutMs)
	ct.s.loop.AddTimer(t)
}

// responseTimeout gives up on the outstanding command and returns the
// connection to OPENED.
func (ct *Controller) responseTimeout(t *runloop.Timer) {
	c := t.Context.(*connection)
	if ct.s.connectionForCID(c.cid) != c {
		return
	}
	cc := &c.ct
	if cc.state != ConnectionW4Response && cc.state != ConnectionW4ReceivePressResponse {
		return
	}
	cmd := cc.cmd
	if ct.s.log != nil {
		ct.s.log.Warnf("no response from %s to %s (pdu %s)", c.addr, cmd.opcode, cmd.pdu)
	}
	cc.state = ConnectionOpened

	switch {
	case cmd.opcode == OpcodePassThrough:
		if cc.pressAndHold {
			cc.pressAndHold = false
			ct.s.loop.RemoveTimer(&cc.pressTimer)
		}
		cc.releaseRequested = false
	case cmd.responsePDU == PDUGetElementAttributes:
		cc.parser.reset()
	case cmd.pdu == PDUGetCapabilities && cc.capabilities == capabilitiesQuerying:
		// Registrations waiting on the capability list fail with it.
		cc.capabilities = capabilitiesUnknown
		cc.capabilityEmit = false
		for ev := notificationFirst; ev <= notificationLast; ev++ {
			if cc.toRegister&ev.mask() != 0 {
				ct.emitNotificationState(c, hci.StatusConnectionTimeout, ev, false)
			}
		}
		cc.toRegister = 0
	}
	ct.emitCommandTimeout(c, &cmd)

	if cc.toRegister != 0 && cc.capabilities == capabilitiesKnown {
		ct.s.requestSend(c, &cc.waitingForCanSendNow)
	}
}

// handleResponse processes one response frame.
func (ct *Controller) handleResponse(c *connection, m *message) {
	cc := &c.ct
	if m.ipid {
		if ct.s.log != nil {
			ct.s.log.Warnf("target on %s rejected profile id", c.addr)
		}
		if cc.state == ConnectionW4Response {
			ct.s.loop.RemoveTimer(&cc.responseTimer)
			cc.state = ConnectionOpened
		}
		return
	}

	switch m.opcode {
	case OpcodeUnitInfo, OpcodeSubunitInfo:
		if !ct.expect(c, m, m.opcode, PDUUndefined) {
			return
		}
		cc.state = ConnectionOpened

	case OpcodeVendorDependent:
		v, err := parseVendor(m.operands)
		if err != nil {
			if ct.s.log != nil {
				ct.s.log.Warnf("vendor response from %s: %v", c.addr, err)
			}
			return
		}
		if v.pdu == PDURegisterNotification {
			ct.handleNotification(c, m, &v)
			break
		}
		if !ct.expect(c, m, OpcodeVendorDependent, v.pdu) {
			return
		}
		cc.state = ConnectionOpened
		ct.handleVendorResponse(c, m, &v)

	case OpcodePassThrough:
		if !ct.handlePassThroughResponse(c, m) {
			return
		}

	default:
		if ct.s.log != nil {
			ct.s.log.Debugf("dropping %s response from %s", m.opcode, c.addr)
		}
		return
	}

	if cc.state == ConnectionOpened && (cc.toRegister != 0 || cc.capabilities == capabilitiesPending) {
		ct.s.requestSend(c, &cc.waitingForCanSendNow)
	}
}

// expect reports whether a response matches the outstanding command. A
// mismatched label is logged but does not drop the response.
func (ct *Controller) expect(c *connection, m *message, opcode Opcode, pdu PDUID) bool {
	cc := &c.ct
	if cc.state != ConnectionW4Response || cc.cmd.opcode != opcode ||
		(opcode == OpcodeVendorDependent && cc.cmd.responsePDU != pdu) {
		if ct.s.log != nil {
			ct.s.log.Debugf("dropping %s response (pdu %s) from %s in %s", opcode, pdu, c.addr, cc.state)
		}
		return false
	}
	if m.label != cc.outstandingLabel && ct.s.log != nil {
		ct.s.log.Debugf("response label %d from %s, outstanding %d", m.label, c.addr, cc.outstandingLabel)
	}
	ct.s.loop.RemoveTimer(&cc.responseTimer)
	return true
}

func (ct *Controller) handlePassThroughResponse(c *connection, m *message) bool {
	cc := &c.ct
	if len(m.operands) < 1 {
		return false
	}
	op := OperationID(m.operands[0])
	switch cc.state {
	case ConnectionW4ReceivePressResponse:
		switch {
		case !cc.pressAndHold:
			cc.state = ConnectionW2SendReleaseCommand
		case cc.releaseRequested:
			cc.releaseRequested = false
			cc.state = ConnectionW2SendReleaseCommand
		default:
			cc.state = ConnectionW4Stop
		}
	case ConnectionW4Response:
		if cc.cmd.opcode != OpcodePassThrough {
			if ct.s.log != nil {
				ct.s.log.Debugf("dropping pass-through response from %s", c.addr)
			}
			return false
		}
		cc.state = ConnectionOpened
	default:
		if ct.s.log != nil {
			ct.s.log.Debugf("dropping pass-through response from %s in %s", c.addr, cc.state)
		}
		return false
	}
	ct.s.loop.RemoveTimer(&cc.responseTimer)

	switch cc.state {
	case ConnectionW4Stop:
		ct.emitOperationStatus(c, SubeventOperationStart, m.ctype, op)
	case ConnectionOpened:
		ct.emitOperationStatus(c, SubeventOperationComplete, m.ctype, op&^operationReleased)
	case ConnectionW2SendReleaseCommand:
		ct.requestRelease(c)
	}
	return true
}

func (ct *Controller) handleNotification(c *connection, m *message, v *vendorFrame) {
	cc := &c.ct
	var event NotificationEvent
	if len(v.params) > 0 {
		event = NotificationEvent(v.params[0])
	}

	switch m.ctype {
	case ResponseRejected, ResponseNotImplemented:
		// The parameters of a rejection carry a status, not the event.
		if e := cc.labelEvents[m.label]; e.Valid() {
			event = e
		}
		if !event.Valid() {
			return
		}
		mask := event.mask()
		cc.toDeregister &^= mask
		cc.toRegister &^= mask
		cc.initialReported &^= mask
		ct.emitNotificationState(c, hci.StatusUnsupportedFeatureOrParameterValue, event, false)
		return
	}

	if !event.Valid() {
		return
	}
	mask := event.mask()
	switch m.ctype {
	case ResponseInterim:
		cc.enabled |= mask
		if cc.initialReported&mask != 0 {
			return
		}
		ct.emitNotificationState(c, hci.StatusSuccess, event, true)
		cc.initialReported |= mask

	case ResponseChangedStable:
		cc.enabled &^= mask
		if cc.toDeregister&mask == 0 {
			ct.registerNotification(c, event)
		} else {
			cc.toDeregister &^= mask
			cc.toRegister &^= mask
			cc.initialReported &^= mask
			ct.emitNotificationState(c, hci.StatusSuccess, event, false)
		}

	default:
		return
	}
	ct.emitNotificationValue(c, m.ctype, event, v.params[1:])
}

func (ct *Controller) handleVendorResponse(c *connection, m *message, v *vendorFrame) {
	p := v.params
	switch v.pdu {
	case PDUGetCurrentPlayerApplicationValue:
		repeat, shuffle := parseSettings(p)
		ct.emitShuffleAndRepeat(c, m.ctype, repeat, shuffle)

	case PDUSetPlayerApplicationValue:
		ct.emit(metaEvent(SubeventPlayerApplicationValueResponse, c.cid).U8(uint8(m.ctype)).Bytes())

	case PDUSetAbsoluteVolume:
		var volume uint8
		if len(p) > 0 {
			volume = p[0] & 0x7F
		}
		ct.emit(metaEvent(SubeventSetAbsoluteVolumeResponse, c.cid).U8(uint8(m.ctype)).U8(volume).Bytes())

	case PDUGetCapabilities:
		ct.handleCapabilities(c, m, p)

	case PDUGetPlayStatus:
		var length, position uint32
		status := PlaybackError
		if len(p) >= 9 {
			length = binary.BigEndian.Uint32(p)
			position = binary.BigEndian.Uint32(p[4:])
			status = PlaybackStatus(p[8])
		}
		ct.emit(metaEvent(SubeventPlayStatus, c.cid).
			U8(uint8(m.ctype)).
			U32(length).
			U32(position).
			U8(uint8(status)).
			Bytes())

	case PDUGetElementAttributes:
		ct.handleElementAttributes(c, m, v)

	case PDURequestAbortContinuingResponse:
		ct.emitNowPlayingInfoDone(c, m.ctype, 0)

	default:
		ct.emit(metaEvent(SubeventCustomCommandResponse, c.cid).
			U8(uint8(m.ctype)).
			U8(uint8(v.pdu)).
			U16(uint16(len(p))).
			Raw(p).
			Bytes())
	}
}

func (ct *Controller) handleCapabilities(c *connection, m *message, p []byte) {
	cc := &c.ct
	rejected := m.ctype == ResponseRejected || m.ctype == ResponseNotImplemented
	var id CapabilityID
	var count int
	if len(p) >= 2 && !rejected {
		id, count = CapabilityID(p[0]), int(p[1])
		p = p[2:]
	} else if len(cc.cmd.params) > 0 {
		id = CapabilityID(cc.cmd.params[0])
	}

	switch id {
	case CapabilityCompany:
		for i := 0; i < count && len(p) >= 3; i++ {
			company := uint32(p[0])<<16 | uint32(p[1])<<8 | uint32(p[2])
			p = p[3:]
			ct.emit(metaEvent(SubeventCapabilityCompanyID, c.cid).
				U8(uint8(m.ctype)).
				U8(0).
				U16(uint16(company)).
				U8(uint8(company >> 16)).
				Bytes())
		}
		ct.emit(metaEvent(SubeventCapabilityCompanyIDDone, c.cid).U8(uint8(m.ctype)).U8(0).Bytes())

	case CapabilityEvent:
		cc.remoteEvents = 0
		for i := 0; i < count && len(p) >= 1; i++ {
			if ev := NotificationEvent(p[0]); ev.Valid() {
				cc.remoteEvents |= ev.mask()
			}
			p = p[1:]
		}
		cc.capabilities = capabilitiesKnown
		for ev := notificationFirst; ev <= notificationLast; ev++ {
			if cc.toRegister&ev.mask() != 0 && cc.remoteEvents&ev.mask() == 0 {
				cc.toRegister &^= ev.mask()
				ct.emitNotificationState(c, hci.StatusUnsupportedFeatureOrParameterValue, ev, false)
			}
		}
		if cc.capabilityEmit {
			cc.capabilityEmit = false
			ct.emitSupportedEvents(c)
		}
	}
}

func (ct *Controller) handleElementAttributes(c *connection, m *message, v *vendorFrame) {
	cc := &c.ct
	if m.ctype == ResponseRejected || m.ctype == ResponseNotImplemented {
		cc.parser.reset()
		ct.emitNowPlayingInfoDone(c, m.ctype, 1)
		return
	}
	emit := func(attr MediaAttribute, value []byte) {
		ct.emitAttribute(c, m.ctype, attr, value)
		cc.nowPlaying.set(attr, value)
	}

	switch v.packetType {
	case packetSingle, packetStart:
		cc.parser.reset()
		cc.nowPlaying = nowPlaying{}
		cc.fragments = 0
		if len(v.params) == 0 {
			break
		}
		cc.parser.begin(int(v.params[0]))
		cc.parser.feed(v.params[1:], emit)
		if v.packetType == packetStart {
			ct.requestContinuation(c, PDURequestContinuingResponse)
			return
		}

	case packetContinue, packetEnd:
		cc.fragments++
		if cc.fragments >= cc.maxFragments {
			ct.emitNowPlayingInfoDone(c, m.ctype, 1)
			cc.parser.reset()
			ct.requestContinuation(c, PDURequestAbortContinuingResponse)
			return
		}
		cc.parser.feed(v.params, emit)
		if v.packetType == packetContinue {
			ct.requestContinuation(c, PDURequestContinuingResponse)
			return
		}
	}

	cc.parser.reset()
	ct.emitNowPlayingInfo(c, m.ctype)
	ct.emitNowPlayingInfoDone(c, m.ctype, 0)
}

// parseSettings reads attribute and value pairs after a count byte.
func parseSettings(p []byte) (RepeatMode, ShuffleMode) {
	repeat, shuffle := RepeatInvalid, ShuffleInvalid
	if len(p) < 1 {
		return repeat, shuffle
	}
	n := int(p[0])
	p = p[1:]
	for i := 0; i < n && len(p) >= 2; i++ {
		switch p[0] {
		case settingRepeat:
			repeat = RepeatMode(p[1])
		case settingShuffle:
			shuffle = ShuffleMode(p[1])
		}
		p = p[2:]
	}
	return repeat, shuffle
}

// attributeParser reads element attributes across response fragments.
// Values longer than MaxAttributeSize are cut and the rest is skipped.
type attributeParser struct {
	header    [attributeHeaderSize]byte
	headerLen int
	value     []byte
	total     int
	read      int
	remaining int
}

func (p *attributeParser) reset() {
	*p = attributeParser{value: p.value[:0]}
}

func (p *attributeParser) begin(count int) {
	p.reset()
	p.remaining = count
}

// feed consumes b and calls emit for every completed attribute. The value
// passed to emit is only valid during the call.
func (p *attributeParser) feed(b []byte, emit func(MediaAttribute, []byte)) {
	for len(b) > 0 && p.remaining > 0 {
		if p.headerLen < attributeHeaderSize {
			n := copy(p.header[p.headerLen:], b)
			p.headerLen += n
			b = b[n:]
			if p.headerLen < attributeHeaderSize {
				return
			}
			p.total = int(binary.BigEndian.Uint16(p.header[6:]))
			p.read = 0
			p.value = p.value[:0]
			if p.total == 0 {
				p.finish(emit)
			}
			continue
		}
		n := min(len(b), p.total-p.read)
		if keep := MaxAttributeSize - len(p.value); keep > 0 {
			p.value = append(p.value, b[:min(n, keep)]...)
		}
		p.read += n
		b = b[n:]
		if p.read == p.total {
			p.finish(emit)
		}
	}
}

func (p *attributeParser) finish(emit func(MediaAttribute, []byte)) {
	emit(MediaAttribute(binary.BigEndian.Uint32(p.header[:4])), p.value)
	p.headerLen = 0
	p.remaining--
}

// nowPlaying collects the attributes of one GET_ELEMENT_ATTRIBUTES response.
type nowPlaying struct {
	title, artist, album, genre []byte

	track        uint8
	totalTracks  uint8
	songLengthMs uint32
}

func (np *nowPlaying) set(attr MediaAttribute, value []byte) {
	switch attr {
	case MediaAttributeTitle:
		np.title = slices.Clone(value)
	case MediaAttributeArtist:
		np.artist = slices.Clone(value)
	case MediaAttributeAlbum:
		np.album = slices.Clone(value)
	case MediaAttributeGenre:
		np.genre = slices.Clone(value)
	case MediaAttributeTrack:
		np.track = uint8(atoi(value))
	case MediaAttributeTotalTracks:
		np.totalTracks = uint8(atoi(value))
	case MediaAttributeSongLength:
		np.songLengthMs = atoi(value)
	}
}

// fairTruncate shortens values to fit budget bytes in total. Each value gets
// an equal share of what the shorter values leave unused. Cuts fall on rune
// boundaries.
func fairTruncate(values [][]byte, budget int) [][]byte {
	order := make([]int, len(values))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		return cmp.Compare(len(values[a]), len(values[b]))
	})

	out := make([][]byte, len(values))
	remaining := budget
	for i, idx := range order {
		share := remaining / (len(order) - i)
		v := values[idx]
		if len(v) > share {
			n := share
			for n > 0 && !utf8.RuneStart(v[n]) {
				n--
			}
			v = v[:n]
		}
		out[idx] = v
		remaining -= len(v)
	}
	return out
}

// atoi parses a decimal attribute value; invalid values read as 0.
func atoi(b []byte) uint32 {
	n, err := strconv.ParseUint(string(b), 10, 32)
	if err != nil {
		return 0
	}
	return uint32(n)
}
