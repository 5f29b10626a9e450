package router

import (
	"fmt"
	"log/slog"

	"github.com/Ruz-on-git/FiguraJustCommunicateServer/pkg/protocol"
	"github.com/Ruz-on-git/FiguraJustCommunicateServer/pkg/state"
)

// Router decides the authorization/delivery outcome for every command a
// registered client sends. It holds no per-connection state; everything
// it needs arrives as the sender's client record and the parsed command.
type Router struct {
	logger   *slog.Logger
	registry state.Registry
}

func New(logger *slog.Logger, registry state.Registry) *Router {
	return &Router{
		logger:   logger.With(slog.String("component", "router")),
		registry: registry,
	}
}

// HandleCommand dispatches one parsed command from a registered client.
// Register is handled by the session before the router is involved; it
// is a protocol violation here.
func (r *Router) HandleCommand(sender *state.Client, cmd protocol.Command) {
	switch c := cmd.(type) {
	case *protocol.Message:
		r.handleMessage(sender, c)
	case *protocol.WhitelistAdd:
		sender.Whitelist.Add(c.UserID)
		r.respondWhitelistUpdated(sender, fmt.Sprintf("User '%s' was added.", c.UserID))
	case *protocol.WhitelistRemove:
		sender.Whitelist.Remove(c.UserID)
		r.respondWhitelistUpdated(sender, fmt.Sprintf("User '%s' was removed.", c.UserID))
	case *protocol.WhitelistToggleWildcard:
		sender.Whitelist.SetWildcard(c.Enabled)
		if c.Enabled {
			r.respondWhitelistUpdated(sender, "Wildcard whitelist has been enabled (accepting from all in room).")
		} else {
			r.respondWhitelistUpdated(sender, "Wildcard whitelist has been disabled (accepting from no one).")
		}
	default:
		r.sendError(sender, fmt.Sprintf("Command '%s' is not valid after registration.", cmd.CommandType()))
	}
}

// handleMessage routes one direct message. Exactly one frame leaves the
// relay for a well-formed command: the forwarded message to the
// recipient, or a generic error to the sender. The error is identical
// for an absent recipient and a recipient that has not whitelisted the
// sender, so a sender cannot probe for presence.
func (r *Router) handleMessage(sender *state.Client, cmd *protocol.Message) {
	recipient, found := r.registry.Lookup(sender.RoomID, cmd.RecipientID)
	if !found || !recipient.Whitelist.Allows(sender.UserID) {
		r.sendError(sender, protocol.DeliveryFailureMessage(cmd.RecipientID))
		return
	}

	frame, err := protocol.EncodeIncomingMessage(sender.UserID, cmd.Payload)
	if err != nil {
		r.logger.Error("Failed to encode incoming_message frame", slog.Any("error", err))
		r.sendError(sender, protocol.DeliveryFailureMessage(cmd.RecipientID))
		return
	}
	if err := recipient.Conn.Send(frame); err != nil {
		// The recipient is shutting down; delivery is fire-and-forget
		// and the failure is never surfaced to the sender.
		r.logger.Warn("Delivery to closing connection dropped",
			slog.String("roomID", sender.RoomID),
			slog.String("recipientID", cmd.RecipientID),
			slog.Any("error", err),
		)
	}
}

func (r *Router) respondWhitelistUpdated(sender *state.Client, message string) {
	frame, err := protocol.EncodeWhitelistUpdated(message, sender.Whitelist.Snapshot())
	if err != nil {
		r.logger.Error("Failed to encode whitelist_updated frame", slog.Any("error", err))
		return
	}
	if err := sender.Conn.Send(frame); err != nil {
		r.logger.Warn("Failed to send whitelist_updated", slog.Any("error", err))
	}
}

func (r *Router) sendError(sender *state.Client, message string) {
	frame, err := protocol.EncodeError(message)
	if err != nil {
		r.logger.Error("Failed to encode error frame", slog.Any("error", err))
		return
	}
	if err := sender.Conn.Send(frame); err != nil {
		r.logger.Warn("Failed to send error frame", slog.Any("error", err))
	}
}
