// Package supervisor adapts the singleton cross-device chat session to the
// supervisor.* message family (§4.9's "Supervisor variant"). The session
// itself is just an Agent session with fanoutAll set (see
// internal/session), the way the teacher's agent.Controller and pty.Hub
// already share one piece of machinery across two call sites; this
// package is the thin translation layer between supervisor.command /
// supervisor.cancel / supervisor.clear_context and the underlying
// session.Execute / Cancel / ClearContext calls, plus the device-dedup
// contract peers need for their optimistic local echo.
package supervisor

import (
	"context"

	"github.com/hyper-ai-inc/hyper-backend/internal/protocol"
	"github.com/hyper-ai-inc/hyper-backend/internal/session"
)

// Supervisor wraps the registry's singleton session.
type Supervisor struct {
	sess *session.Session
}

// New wraps the registry's Supervisor session.
func New(registry *session.Registry) *Supervisor {
	return &Supervisor{sess: registry.Supervisor()}
}

// HandleCommand runs one supervisor turn. onOutput receives
// supervisor.transcription (when the command carried audio),
// supervisor.user_message (broadcast to every device for echo-dedup per
// from_device_id), supervisor.output, and supervisor.voice_output
// emissions in that order.
func (s *Supervisor) HandleCommand(ctx context.Context, deviceID string, cmd protocol.Execute, onOutput func(typ string, payload any)) error {
	return s.sess.Execute(ctx, deviceID, cmd, func(typ string, payload any) {
		// Translate the generic Agent-session output vocabulary to the
		// supervisor.* wire names per the message catalog.
		switch typ {
		case protocol.TypeSessionOutput:
			onOutput(protocol.TypeSupervisorOutput, payload)
		case protocol.TypeSessionTranscription:
			onOutput(protocol.TypeSupervisorTranscription, payload)
		case protocol.TypeSessionVoiceOutput:
			onOutput(protocol.TypeSupervisorVoiceOutput, payload)
		default:
			onOutput(typ, payload)
		}
	})
}

// Cancel aborts the supervisor's in-flight turn, if any.
func (s *Supervisor) Cancel(onOutput func(typ string, payload any)) bool {
	return s.sess.Cancel(func(typ string, payload any) {
		if typ == protocol.TypeSessionOutput {
			onOutput(protocol.TypeSupervisorOutput, payload)
			return
		}
		onOutput(typ, payload)
	})
}

// ClearContext erases the supervisor's history and the caller broadcasts
// supervisor.context_cleared to every device.
func (s *Supervisor) ClearContext() error {
	return s.sess.ClearContext()
}

// Subscribe attaches deviceID to the supervisor session's output.
func (s *Supervisor) Subscribe(deviceID string) protocol.Subscribed {
	return s.sess.Subscribe(deviceID)
}
