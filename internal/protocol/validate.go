package protocol

import "strings"

// knownTypes is the full message catalog. Decode does not require the
// envelope type to be known (the tunnel forwards opaque payloads by
// routing headers only, per §4.4) but a workstation dispatcher uses
// KnownType to decide between dispatching and replying INVALID_PAYLOAD.
var knownTypes = map[string]bool{
	TypePing: true, TypePong: true,
	TypeHeartbeat: true, TypeHeartbeatAck: true,
	TypeAuth: true, TypeAuthSuccess: true, TypeAuthError: true,
	TypeSync: true, TypeSyncState: true,
	TypeError: true, TypeResponse: true,
	TypeWorkstationRegister: true, TypeWorkstationRegistered: true,
	TypeConnect: true, TypeConnected: true,
	TypeWorkstationOnline: true, TypeWorkstationOffline: true,
	TypeSupervisorListSessions: true, TypeSupervisorCreateSession: true,
	TypeSupervisorTerminateSession: true,
	TypeSessionCreated: true, TypeSessionTerminated: true,
	TypeSupervisorCommand: true, TypeSupervisorClearContext: true,
	TypeSupervisorCancel: true, TypeSupervisorOutput: true,
	TypeSupervisorUserMessage: true, TypeSupervisorContextCleared: true,
	TypeSupervisorTranscription: true, TypeSupervisorVoiceOutput: true,
	TypeSessionExecute: true, TypeSessionCancel: true, TypeSessionOutput: true,
	TypeSessionTranscription: true, TypeSessionVoiceOutput: true,
	TypeSessionInput: true, TypeSessionResize: true, TypeSessionResized: true,
	TypeSessionSubscribe: true, TypeSessionSubscribed: true,
	TypeSessionUnsubscribe: true, TypeSessionUnsubscribed: true,
	TypeSessionReplay: true, TypeSessionReplayData: true, TypeTerminalData: true,
	TypeAudioRequest: true, TypeAudioResponse: true,
}

// KnownType reports whether typ is part of the message catalog.
func KnownType(typ string) bool {
	return knownTypes[typ]
}

// VersionCompatible reports whether peerVersion shares a major component
// with Version; an empty peerVersion is incompatible. No handshake in
// this repository calls it.
func VersionCompatible(peerVersion string) bool {
	if peerVersion == "" {
		return false
	}
	return majorOf(peerVersion) == majorOf(Version)
}

func majorOf(v string) string {
	if i := strings.IndexByte(v, '.'); i >= 0 {
		return v[:i]
	}
	return v
}
