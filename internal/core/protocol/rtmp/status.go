// This file maps NetConnection/NetStream/SharedObject status codes to their
// level and description, and builds the status objects sent in _result and onStatus.

package rtmp

import "rtmpd/internal/core/protocol/amf0"

// Status identifies one status event.
type Status int

const (
	StatusNone Status = iota
	AppGC
	AppResourceLowMemory
	AppScriptError
	AppScriptWarning
	AppShutdown
	NCCallBadVersion
	NCCallFailed
	NCConnectAppShutdown
	NCConnectClosed
	NCConnectFailed
	NCConnectInvalidApplication
	NCConnectRejected
	NCConnectSuccess
	NSClearFailed
	NSClearSuccess
	NSDataStart
	NSFailed
	NSInvalidArgument
	NSPauseNotify
	NSPlayComplete
	NSPlayFailed
	NSPlayFileStructureInvalid
	NSPlayInsufficientBW
	NSPlayNoSupportedTrackFound
	NSPlayPublishNotify
	NSPlayReset
	NSPlayStart
	NSPlayStop
	NSPlayStreamNotFound
	NSPlaySwitch
	NSPlayUnpublishNotify
	NSPublishBadName
	NSPublishIdle
	NSPublishStart
	NSRecordFailed
	NSRecordNoAccess
	NSRecordStart
	NSRecordStop
	NSSeekFailed
	NSSeekNotify
	NSUnpauseNotify
	NSUnpublishSuccess
	SOCreationFailed
	SONoReadAccess
	SONoWriteAccess
	SOPersistenceMismatch
)

// Status levels
const (
	LevelStatus  = "status"
	LevelError   = "error"
	LevelWarning = "warning"
)

type statusInfo struct {
	code        string
	level       string
	description string
}

var statusTable = map[Status]statusInfo{
	AppGC:                       {"Application.GCNotification", LevelStatus, "Garbage collection"},
	AppResourceLowMemory:        {"Application.Resource.LowMemory", LevelWarning, "Low memory"},
	AppScriptError:              {"Application.Script.Error", LevelError, "Script error"},
	AppScriptWarning:            {"Application.Script.Warning", LevelWarning, "Script warning"},
	AppShutdown:                 {"Application.Shutdown", LevelStatus, "Application shutting down"},
	NCCallBadVersion:            {"NetConnection.Call.BadVersion", LevelError, "Bad version"},
	NCCallFailed:                {"NetConnection.Call.Failed", LevelError, "Call failed"},
	NCConnectAppShutdown:        {"NetConnection.Connect.AppShutdown", LevelError, "Application shut down"},
	NCConnectClosed:             {"NetConnection.Connect.Closed", LevelStatus, "Connection closed"},
	NCConnectFailed:             {"NetConnection.Connect.Failed", LevelError, "Connection failed"},
	NCConnectInvalidApplication: {"NetConnection.Connect.InvalidApp", LevelError, "Invalid application"},
	NCConnectRejected:           {"NetConnection.Connect.Rejected", LevelError, "Connection rejected"},
	NCConnectSuccess:            {"NetConnection.Connect.Success", LevelStatus, "Connection succeeded."},
	NSClearFailed:               {"NetStream.Clear.Failed", LevelError, "Clear failed"},
	NSClearSuccess:              {"NetStream.Clear.Success", LevelStatus, "Clear succeeded"},
	NSDataStart:                 {"NetStream.Data.Start", LevelStatus, "Data start"},
	NSFailed:                    {"NetStream.Failed", LevelError, "Stream failed"},
	NSInvalidArgument:           {"NetStream.InvalidArg", LevelError, "Invalid argument"},
	NSPauseNotify:               {"NetStream.Pause.Notify", LevelStatus, "Pausing"},
	NSPlayComplete:              {"NetStream.Play.Complete", LevelStatus, "Playback complete"},
	NSPlayFailed:                {"NetStream.Play.Failed", LevelError, "Play failed"},
	NSPlayFileStructureInvalid:  {"NetStream.Play.FileStructureInvalid", LevelError, "File structure invalid"},
	NSPlayInsufficientBW:        {"NetStream.Play.InsufficientBW", LevelWarning, "Insufficient bandwidth"},
	NSPlayNoSupportedTrackFound: {"NetStream.Play.NoSupportedTrackFound", LevelError, "No supported track found"},
	NSPlayPublishNotify:         {"NetStream.Play.PublishNotify", LevelStatus, "Publish notify"},
	NSPlayReset:                 {"NetStream.Play.Reset", LevelStatus, "Playing and resetting"},
	NSPlayStart:                 {"NetStream.Play.Start", LevelStatus, "Started playing"},
	NSPlayStop:                  {"NetStream.Play.Stop", LevelStatus, "Stopped playing"},
	NSPlayStreamNotFound:        {"NetStream.Play.StreamNotFound", LevelError, "Stream not found"},
	NSPlaySwitch:                {"NetStream.Play.Switch", LevelStatus, "Switching stream"},
	NSPlayUnpublishNotify:       {"NetStream.Play.UnpublishNotify", LevelStatus, "Unpublish notify"},
	NSPublishBadName:            {"NetStream.Publish.BadName", LevelError, "Stream name already in use"},
	NSPublishIdle:               {"NetStream.Publish.Idle", LevelStatus, "Publish idle"},
	NSPublishStart:              {"NetStream.Publish.Start", LevelStatus, "Started publishing"},
	NSRecordFailed:              {"NetStream.Record.Failed", LevelError, "Record failed"},
	NSRecordNoAccess:            {"NetStream.Record.NoAccess", LevelError, "Record access denied"},
	NSRecordStart:               {"NetStream.Record.Start", LevelStatus, "Recording started"},
	NSRecordStop:                {"NetStream.Record.Stop", LevelStatus, "Recording stopped"},
	NSSeekFailed:                {"NetStream.Seek.Failed", LevelError, "Seek failed"},
	NSSeekNotify:                {"NetStream.Seek.Notify", LevelStatus, "Seeking"},
	NSUnpauseNotify:             {"NetStream.Unpause.Notify", LevelStatus, "Unpausing"},
	NSUnpublishSuccess:          {"NetStream.Unpublish.Success", LevelStatus, "Stopped publishing"},
	SOCreationFailed:            {"SharedObject.Creation.Failed", LevelError, "Shared object creation failed"},
	SONoReadAccess:              {"SharedObject.NoReadAccess", LevelError, "No read access"},
	SONoWriteAccess:             {"SharedObject.NoWriteAccess", LevelError, "No write access"},
	SOPersistenceMismatch:       {"SharedObject.ObjectPersistenceMismatch", LevelError, "Persistence mismatch"},
}

var statusByCode = func() map[string]Status {
	m := make(map[string]Status, len(statusTable))
	for s, info := range statusTable {
		m[info.code] = s
	}
	return m
}()

// Code returns the dotted status code, or "" for StatusNone.
func (s Status) Code() string {
	return statusTable[s].code
}

// Level returns status, warning or error.
func (s Status) Level() string {
	return statusTable[s].level
}

// Description returns the default human-readable description.
func (s Status) Description() string {
	return statusTable[s].description
}

func (s Status) String() string {
	if code := s.Code(); code != "" {
		return code
	}
	return "none"
}

// StatusFromCode looks up a dotted status code. Unknown codes map to StatusNone.
func StatusFromCode(code string) Status {
	return statusByCode[code]
}

// StatusObject builds the level/code/description object for s followed by extra properties.
// An extra property named like a default one replaces it.
func StatusObject(s Status, extra ...amf0.Property) *amf0.Object {
	obj := amf0.NewObject(
		amf0.Prop("level", amf0.String(s.Level())),
		amf0.Prop("code", amf0.String(s.Code())),
		amf0.Prop("description", amf0.String(s.Description())),
	)
	for _, p := range extra {
		obj.Set(p.Name, p.Value)
	}
	return obj
}
