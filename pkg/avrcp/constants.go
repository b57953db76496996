package avrcp

import (
	"fmt"

	"github.com/backkem/bthost/pkg/l2cap"
)

// Protocol parameters.
const (
	// PSM carries the control channel.
	PSM = l2cap.PSMAVCTP

	// BrowsingPSM is announced for the browsing channel.
	BrowsingPSM = l2cap.PSMAVCTPBrowse

	// MaxFrameSize bounds one AV/C frame.
	MaxFrameSize = 512

	// ProfileID is the AVCTP profile identifier of AV Remote Control.
	ProfileID uint16 = 0x110E

	// CompanyIDBluetoothSIG is used for all vendor dependent commands.
	CompanyIDBluetoothSIG uint32 = 0x001958

	// MaxAttributeSize caps a single element attribute value.
	MaxAttributeSize = 130

	// DefaultMaxFragments bounds continuation fragments of one response.
	DefaultMaxFragments uint8 = 0xFF

	// DefaultMTU is requested for the control channel.
	DefaultMTU = l2cap.DefaultMTU

	attributeHeaderSize = 8

	charsetUTF8 uint16 = 106

	pressAndHoldIntervalMs uint32 = 2000
	sdpRetryIntervalMs     uint32 = 100
	connectRetryBaseMs     uint32 = 100

	// responseTimeoutMs bounds the wait for the response to a command.
	responseTimeoutMs uint32 = 2000

	maxLabel = 15

	// avcHeaderSize is ctype, subunit and opcode.
	avcHeaderSize = 3

	// vendorHeaderSize is company id, pdu, packet type and parameter length.
	vendorHeaderSize = 7

	// maxVendorParams is the parameter budget of one vendor dependent frame.
	maxVendorParams = MaxFrameSize - avcHeaderSize - vendorHeaderSize

	// eventParamsSize is the parameter budget of one event.
	eventParamsSize = 255
)

// EventAVRCPMeta groups all AVRCP events. The subevent code follows the
// length byte.
const EventAVRCPMeta uint8 = 0xEC

// Subevent codes.
const (
	SubeventNotificationPlaybackStatusChanged           uint8 = 0x01
	SubeventNotificationTrackChanged                    uint8 = 0x02
	SubeventNotificationTrackReachedEnd                 uint8 = 0x03
	SubeventNotificationTrackReachedStart               uint8 = 0x04
	SubeventNotificationBatteryStatusChanged            uint8 = 0x06
	SubeventNotificationSystemStatusChanged             uint8 = 0x07
	SubeventNotificationPlayerApplicationSettingChanged uint8 = 0x08
	SubeventNotificationNowPlayingContentChanged        uint8 = 0x09
	SubeventNotificationAvailablePlayersChanged         uint8 = 0x0A
	SubeventNotificationAddressedPlayerChanged          uint8 = 0x0B
	SubeventNotificationUIDsChanged                     uint8 = 0x0C
	SubeventNotificationVolumeChanged                   uint8 = 0x0D
	SubeventSetAbsoluteVolumeResponse                   uint8 = 0x10
	SubeventNotificationState                           uint8 = 0x11
	SubeventConnectionEstablished                       uint8 = 0x12
	SubeventConnectionReleased                          uint8 = 0x13
	SubeventShuffleAndRepeatMode                        uint8 = 0x14
	SubeventPlayStatus                                  uint8 = 0x15
	SubeventOperationStart                              uint8 = 0x16
	SubeventOperationComplete                           uint8 = 0x17
	SubeventPlayerApplicationValueResponse              uint8 = 0x18
	SubeventPlayStatusQuery                             uint8 = 0x19
	SubeventOperation                                   uint8 = 0x1A
	SubeventNowPlayingTrackInfo                         uint8 = 0x1B
	SubeventNowPlayingTotalTracksInfo                   uint8 = 0x1C
	SubeventNowPlayingSongLengthInfo                    uint8 = 0x1D
	SubeventNowPlayingTitleInfo                         uint8 = 0x1E
	SubeventNowPlayingArtistInfo                        uint8 = 0x1F
	SubeventNowPlayingAlbumInfo                         uint8 = 0x20
	SubeventNowPlayingGenreInfo                         uint8 = 0x21
	SubeventNowPlayingInfoDone                          uint8 = 0x22
	SubeventNotificationPlaybackPosChanged              uint8 = 0x23
	SubeventCapabilityEventID                           uint8 = 0x24
	SubeventCapabilityEventIDDone                       uint8 = 0x25
	SubeventCapabilityCompanyID                         uint8 = 0x26
	SubeventCapabilityCompanyIDDone                     uint8 = 0x27
	SubeventCustomCommandResponse                       uint8 = 0x28
	SubeventNowPlayingInfo                              uint8 = 0x29
	SubeventCommandTimeout                              uint8 = 0x2A
)

// ConnectionState is the state of one role of a connection. The order
// matters: every state from ConnectionOpened on means the channel is up.
type ConnectionState uint8

const (
	ConnectionIdle ConnectionState = iota
	ConnectionW2SendSDPQuery
	ConnectionW4SDPQueryComplete
	ConnectionW4ERTMConfiguration
	ConnectionW2L2CAPRetry
	ConnectionW4L2CAPConnected
	ConnectionOpened
	ConnectionW2SendPressCommand
	ConnectionW4ReceivePressResponse
	ConnectionW4Stop
	ConnectionW2SendReleaseCommand
	ConnectionW2SendCommand
	ConnectionW4Response
	ConnectionW2SendResponse
)

var connectionStateNames = [...]string{
	"IDLE",
	"W2_SEND_SDP_QUERY",
	"W4_SDP_QUERY_COMPLETE",
	"W4_ERTM_CONFIGURATION",
	"W2_L2CAP_RETRY",
	"W4_L2CAP_CONNECTED",
	"OPENED",
	"W2_SEND_PRESS_COMMAND",
	"W4_RECEIVE_PRESS_RESPONSE",
	"W4_STOP",
	"W2_SEND_RELEASE_COMMAND",
	"W2_SEND_COMMAND",
	"W4_RESPONSE",
	"W2_SEND_RESPONSE",
}

func (s ConnectionState) String() string {
	if int(s) < len(connectionStateNames) {
		return connectionStateNames[s]
	}
	return fmt.Sprintf("ConnectionState(%d)", uint8(s))
}

// CommandType is the AV/C ctype of commands and the response code of
// responses.
type CommandType uint8

const (
	CommandControl         CommandType = 0x00
	CommandStatus          CommandType = 0x01
	CommandSpecificInquiry CommandType = 0x02
	CommandNotify          CommandType = 0x03
	CommandGeneralInquiry  CommandType = 0x04

	ResponseNotImplemented    CommandType = 0x08
	ResponseAccepted          CommandType = 0x09
	ResponseRejected          CommandType = 0x0A
	ResponseInTransition      CommandType = 0x0B
	ResponseImplementedStable CommandType = 0x0C
	ResponseChangedStable     CommandType = 0x0D
	ResponseInterim           CommandType = 0x0F
)

func (c CommandType) String() string {
	switch c {
	case CommandControl:
		return "CONTROL"
	case CommandStatus:
		return "STATUS"
	case CommandSpecificInquiry:
		return "SPECIFIC_INQUIRY"
	case CommandNotify:
		return "NOTIFY"
	case CommandGeneralInquiry:
		return "GENERAL_INQUIRY"
	case ResponseNotImplemented:
		return "NOT_IMPLEMENTED"
	case ResponseAccepted:
		return "ACCEPTED"
	case ResponseRejected:
		return "REJECTED"
	case ResponseInTransition:
		return "IN_TRANSITION"
	case ResponseImplementedStable:
		return "IMPLEMENTED_STABLE"
	case ResponseChangedStable:
		return "CHANGED_STABLE"
	case ResponseInterim:
		return "INTERIM"
	default:
		return fmt.Sprintf("CommandType(0x%02X)", uint8(c))
	}
}

// SubunitType addresses an AV/C subunit.
type SubunitType uint8

const (
	SubunitMonitor SubunitType = 0x00
	SubunitAudio   SubunitType = 0x01
	SubunitTuner   SubunitType = 0x05
	SubunitPanel   SubunitType = 0x09
	SubunitUnit    SubunitType = 0x1F
)

func (s SubunitType) String() string {
	switch s {
	case SubunitMonitor:
		return "MONITOR"
	case SubunitAudio:
		return "AUDIO"
	case SubunitTuner:
		return "TUNER"
	case SubunitPanel:
		return "PANEL"
	case SubunitUnit:
		return "UNIT"
	default:
		return fmt.Sprintf("SubunitType(0x%02X)", uint8(s))
	}
}

// Subunit ids.
const (
	subunitID       uint8 = 0
	subunitIDIgnore uint8 = 7
)

// Opcode is the AV/C opcode.
type Opcode uint8

const (
	OpcodeVendorDependent Opcode = 0x00
	OpcodeUnitInfo        Opcode = 0x30
	OpcodeSubunitInfo     Opcode = 0x31
	OpcodePassThrough     Opcode = 0x7C
)

func (o Opcode) String() string {
	switch o {
	case OpcodeVendorDependent:
		return "VENDOR_DEPENDENT"
	case OpcodeUnitInfo:
		return "UNIT_INFO"
	case OpcodeSubunitInfo:
		return "SUBUNIT_INFO"
	case OpcodePassThrough:
		return "PASS_THROUGH"
	default:
		return fmt.Sprintf("Opcode(0x%02X)", uint8(o))
	}
}

// OperationID is a pass-through operation. The high bit of the wire value
// marks a release.
type OperationID uint8

const (
	OperationSelect      OperationID = 0x00
	OperationUp          OperationID = 0x01
	OperationDown        OperationID = 0x02
	OperationLeft        OperationID = 0x03
	OperationRight       OperationID = 0x04
	OperationRootMenu    OperationID = 0x09
	OperationChannelUp   OperationID = 0x30
	OperationChannelDown OperationID = 0x31
	OperationSkip        OperationID = 0x3C
	OperationPower       OperationID = 0x40
	OperationVolumeUp    OperationID = 0x41
	OperationVolumeDown  OperationID = 0x42
	OperationMute        OperationID = 0x43
	OperationPlay        OperationID = 0x44
	OperationStop        OperationID = 0x45
	OperationPause       OperationID = 0x46
	OperationRecord      OperationID = 0x47
	OperationRewind      OperationID = 0x48
	OperationFastForward OperationID = 0x49
	OperationEject       OperationID = 0x4A
	OperationForward     OperationID = 0x4B
	OperationBackward    OperationID = 0x4C
	OperationF1          OperationID = 0x71
	OperationF5          OperationID = 0x75

	operationReleased OperationID = 0x80
)

var operationNames = map[OperationID]string{
	OperationSelect:      "SELECT",
	OperationUp:          "UP",
	OperationDown:        "DOWN",
	OperationLeft:        "LEFT",
	OperationRight:       "RIGHT",
	OperationRootMenu:    "ROOT_MENU",
	OperationChannelUp:   "CHANNEL_UP",
	OperationChannelDown: "CHANNEL_DOWN",
	OperationSkip:        "SKIP",
	OperationPower:       "POWER",
	OperationVolumeUp:    "VOLUME_UP",
	OperationVolumeDown:  "VOLUME_DOWN",
	OperationMute:        "MUTE",
	OperationPlay:        "PLAY",
	OperationStop:        "STOP",
	OperationPause:       "PAUSE",
	OperationRecord:      "RECORD",
	OperationRewind:      "REWIND",
	OperationFastForward: "FAST_FORWARD",
	OperationEject:       "EJECT",
	OperationForward:     "FORWARD",
	OperationBackward:    "BACKWARD",
	OperationF1:          "F1",
	OperationF5:          "F5",
}

func (o OperationID) String() string {
	if n, ok := operationNames[o]; ok {
		return n
	}
	return fmt.Sprintf("OperationID(0x%02X)", uint8(o))
}

// Valid reports whether o lies in one of the assigned operation ranges.
func (o OperationID) Valid() bool {
	switch {
	case o <= 0x0D:
		return true
	case o >= 0x20 && o <= 0x2C:
		return true
	case o >= 0x30 && o <= 0x38:
		return true
	case o == OperationSkip:
		return true
	case o >= 0x40 && o <= 0x4C:
		return true
	case o >= 0x50 && o <= 0x51:
		return true
	case o >= 0x71 && o <= 0x75:
		return true
	}
	return false
}

// PDUID identifies a vendor dependent command.
type PDUID uint8

const (
	PDUGetCapabilities                  PDUID = 0x10
	PDUListPlayerApplicationAttributes  PDUID = 0x11
	PDUGetCurrentPlayerApplicationValue PDUID = 0x13
	PDUSetPlayerApplicationValue        PDUID = 0x14
	PDUGetElementAttributes             PDUID = 0x20
	PDUGetPlayStatus                    PDUID = 0x30
	PDURegisterNotification             PDUID = 0x31
	PDURequestContinuingResponse        PDUID = 0x40
	PDURequestAbortContinuingResponse   PDUID = 0x41
	PDUSetAbsoluteVolume                PDUID = 0x50
	PDUSetAddressedPlayer               PDUID = 0x60
	PDUPlayItem                         PDUID = 0x74
	PDUAddToNowPlaying                  PDUID = 0x90
	PDUUndefined                        PDUID = 0xFF
)

func (p PDUID) String() string {
	switch p {
	case PDUGetCapabilities:
		return "GET_CAPABILITIES"
	case PDUListPlayerApplicationAttributes:
		return "LIST_PLAYER_APPLICATION_SETTING_ATTRIBUTES"
	case PDUGetCurrentPlayerApplicationValue:
		return "GET_CURRENT_PLAYER_APPLICATION_SETTING_VALUE"
	case PDUSetPlayerApplicationValue:
		return "SET_PLAYER_APPLICATION_SETTING_VALUE"
	case PDUGetElementAttributes:
		return "GET_ELEMENT_ATTRIBUTES"
	case PDUGetPlayStatus:
		return "GET_PLAY_STATUS"
	case PDURegisterNotification:
		return "REGISTER_NOTIFICATION"
	case PDURequestContinuingResponse:
		return "REQUEST_CONTINUING_RESPONSE"
	case PDURequestAbortContinuingResponse:
		return "REQUEST_ABORT_CONTINUING_RESPONSE"
	case PDUSetAbsoluteVolume:
		return "SET_ABSOLUTE_VOLUME"
	case PDUSetAddressedPlayer:
		return "SET_ADDRESSED_PLAYER"
	case PDUPlayItem:
		return "PLAY_ITEM"
	case PDUAddToNowPlaying:
		return "ADD_TO_NOW_PLAYING"
	case PDUUndefined:
		return "UNDEFINED"
	default:
		return fmt.Sprintf("PDUID(0x%02X)", uint8(p))
	}
}

// NotificationEvent is an event id of REGISTER_NOTIFICATION.
type NotificationEvent uint8

const (
	NotificationPlaybackStatusChanged           NotificationEvent = 0x01
	NotificationTrackChanged                    NotificationEvent = 0x02
	NotificationTrackReachedEnd                 NotificationEvent = 0x03
	NotificationTrackReachedStart               NotificationEvent = 0x04
	NotificationPlaybackPosChanged              NotificationEvent = 0x05
	NotificationBatteryStatusChanged            NotificationEvent = 0x06
	NotificationSystemStatusChanged             NotificationEvent = 0x07
	NotificationPlayerApplicationSettingChanged NotificationEvent = 0x08
	NotificationNowPlayingContentChanged        NotificationEvent = 0x09
	NotificationAvailablePlayersChanged         NotificationEvent = 0x0A
	NotificationAddressedPlayerChanged          NotificationEvent = 0x0B
	NotificationUIDsChanged                     NotificationEvent = 0x0C
	NotificationVolumeChanged                   NotificationEvent = 0x0D

	notificationFirst = NotificationPlaybackStatusChanged
	notificationLast  = NotificationVolumeChanged
)

var notificationNames = [...]string{
	"",
	"PLAYBACK_STATUS_CHANGED",
	"TRACK_CHANGED",
	"TRACK_REACHED_END",
	"TRACK_REACHED_START",
	"PLAYBACK_POS_CHANGED",
	"BATT_STATUS_CHANGED",
	"SYSTEM_STATUS_CHANGED",
	"PLAYER_APPLICATION_SETTING_CHANGED",
	"NOW_PLAYING_CONTENT_CHANGED",
	"AVAILABLE_PLAYERS_CHANGED",
	"ADDRESSED_PLAYER_CHANGED",
	"UIDS_CHANGED",
	"VOLUME_CHANGED",
}

func (e NotificationEvent) String() string {
	if e.Valid() {
		return notificationNames[e]
	}
	return fmt.Sprintf("NotificationEvent(0x%02X)", uint8(e))
}

// Valid reports whether e is an assigned event id.
func (e NotificationEvent) Valid() bool {
	return e >= notificationFirst && e <= notificationLast
}

func (e NotificationEvent) mask() uint16 {
	return 1 << e
}

// MediaAttribute identifies a GET_ELEMENT_ATTRIBUTES attribute.
type MediaAttribute uint32

const (
	MediaAttributeAll         MediaAttribute = 0
	MediaAttributeTitle       MediaAttribute = 1
	MediaAttributeArtist      MediaAttribute = 2
	MediaAttributeAlbum       MediaAttribute = 3
	MediaAttributeTrack       MediaAttribute = 4
	MediaAttributeTotalTracks MediaAttribute = 5
	MediaAttributeGenre       MediaAttribute = 6
	MediaAttributeSongLength  MediaAttribute = 7

	mediaAttributeCount = 7
)

func (a MediaAttribute) String() string {
	switch a {
	case MediaAttributeAll:
		return "ALL"
	case MediaAttributeTitle:
		return "TITLE"
	case MediaAttributeArtist:
		return "ARTIST"
	case MediaAttributeAlbum:
		return "ALBUM"
	case MediaAttributeTrack:
		return "TRACK"
	case MediaAttributeTotalTracks:
		return "TOTAL_TRACKS"
	case MediaAttributeGenre:
		return "GENRE"
	case MediaAttributeSongLength:
		return "SONG_LENGTH_MS"
	default:
		return fmt.Sprintf("MediaAttribute(%d)", uint32(a))
	}
}

// PlaybackStatus is reported by GET_PLAY_STATUS and PLAYBACK_STATUS_CHANGED.
type PlaybackStatus uint8

const (
	PlaybackStopped     PlaybackStatus = 0x00
	PlaybackPlaying     PlaybackStatus = 0x01
	PlaybackPaused      PlaybackStatus = 0x02
	PlaybackForwardSeek PlaybackStatus = 0x03
	PlaybackReverseSeek PlaybackStatus = 0x04
	PlaybackError       PlaybackStatus = 0xFF
)

func (p PlaybackStatus) String() string {
	switch p {
	case PlaybackStopped:
		return "STOPPED"
	case PlaybackPlaying:
		return "PLAYING"
	case PlaybackPaused:
		return "PAUSED"
	case PlaybackForwardSeek:
		return "FWD_SEEK"
	case PlaybackReverseSeek:
		return "REV_SEEK"
	case PlaybackError:
		return "ERROR"
	default:
		return fmt.Sprintf("PlaybackStatus(0x%02X)", uint8(p))
	}
}

// BatteryStatus is reported by BATT_STATUS_CHANGED.
type BatteryStatus uint8

const (
	BatteryNormal     BatteryStatus = 0x00
	BatteryWarning    BatteryStatus = 0x01
	BatteryCritical   BatteryStatus = 0x02
	BatteryExternal   BatteryStatus = 0x03
	BatteryFullCharge BatteryStatus = 0x04
)

// ShuffleMode is the shuffle player application setting.
type ShuffleMode uint8

const (
	ShuffleInvalid   ShuffleMode = 0x00
	ShuffleOff       ShuffleMode = 0x01
	ShuffleAllTracks ShuffleMode = 0x02
	ShuffleGroup     ShuffleMode = 0x03
)

func (m ShuffleMode) String() string {
	switch m {
	case ShuffleOff:
		return "OFF"
	case ShuffleAllTracks:
		return "ALL_TRACKS"
	case ShuffleGroup:
		return "GROUP"
	default:
		return "INVALID"
	}
}

// RepeatMode is the repeat player application setting.
type RepeatMode uint8

const (
	RepeatInvalid     RepeatMode = 0x00
	RepeatOff         RepeatMode = 0x01
	RepeatSingleTrack RepeatMode = 0x02
	RepeatAllTracks   RepeatMode = 0x03
	RepeatGroup       RepeatMode = 0x04
)

func (m RepeatMode) String() string {
	switch m {
	case RepeatOff:
		return "OFF"
	case RepeatSingleTrack:
		return "SINGLE_TRACK"
	case RepeatAllTracks:
		return "ALL_TRACKS"
	case RepeatGroup:
		return "GROUP"
	default:
		return "INVALID"
	}
}

// Player application setting attributes.
const (
	settingEqualizer uint8 = 0x01
	settingRepeat    uint8 = 0x02
	settingShuffle   uint8 = 0x03
	settingScan      uint8 = 0x04
)

// CapabilityID selects the GET_CAPABILITIES list.
type CapabilityID uint8

const (
	CapabilityCompany CapabilityID = 0x02
	CapabilityEvent   CapabilityID = 0x03
)

// StatusCode is the error code carried in REJECTED vendor dependent
// responses.
type StatusCode uint8

const (
	StatusInvalidCommand    StatusCode = 0x00
	StatusInvalidParameter  StatusCode = 0x01
	StatusParameterNotFound StatusCode = 0x02
	StatusInternalError     StatusCode = 0x03
	StatusSuccess           StatusCode = 0x04
	StatusUIDChanged        StatusCode = 0x05
	StatusInvalidPlayerID   StatusCode = 0x11
)

func (s StatusCode) String() string {
	switch s {
	case StatusInvalidCommand:
		return "INVALID_COMMAND"
	case StatusInvalidParameter:
		return "INVALID_PARAMETER"
	case StatusParameterNotFound:
		return "SPECIFIED_PARAMETER_NOT_FOUND"
	case StatusInternalError:
		return "INTERNAL_ERROR"
	case StatusSuccess:
		return "SUCCESS"
	case StatusUIDChanged:
		return "UID_CHANGED"
	case StatusInvalidPlayerID:
		return "INVALID_PLAYER_ID"
	default:
		return fmt.Sprintf("StatusCode(0x%02X)", uint8(s))
	}
}

// Browsing scopes for PlayItem and AddToNowPlaying.
type Scope uint8

const (
	ScopeMediaPlayerList      Scope = 0x00
	ScopeMediaPlayerVirtualFS Scope = 0x01
	ScopeSearch               Scope = 0x02
	ScopeNowPlaying           Scope = 0x03
)
