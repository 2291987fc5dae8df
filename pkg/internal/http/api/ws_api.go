package api

import (
	"context"
	"fmt"

	"git.solsynth.dev/hypernet/courier/pkg/internal/models"
	"git.solsynth.dev/hypernet/courier/pkg/internal/transport"
	"github.com/gofiber/contrib/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog/log"
)

func (v *Server) messageGateway(c *websocket.Conn) {
	user := c.Locals("user").(uint)

	// Push connection
	session := v.adapter.OpenPush(user, c)

	// Event loop
	for {
		_, packet, err := c.ReadMessage()
		if err != nil {
			break
		}

		var task models.UnifiedCommand
		if err := jsoniter.Unmarshal(packet, &task); err != nil {
			session.Send(models.UnifiedCommand{
				Action:  "error",
				Message: "unable to unmarshal your command, requires json request",
			}.Marshal())
			continue
		}

		if message := v.dealCommand(context.Background(), session, task); message != nil {
			if !session.Send(message.Marshal()) {
				break
			}
		}
	}

	// Pop connection, a write failure may have dropped it already
	if err := v.adapter.Drop(session.ID()); err != nil {
		log.Debug().Err(err).Str("session", session.ID()).Msg("Push session was already dropped")
	}
	session.Wait()
}

func (v *Server) dealCommand(ctx context.Context, session *transport.PushSession, task models.UnifiedCommand) *models.UnifiedCommand {
	var scope models.Scope
	models.FitStruct(task.Payload, &scope)

	switch task.Action {
	case "scopes.join":
		if err := v.delivery.CanAccess(ctx, session.UserID(), scope); err != nil {
			return commandError(err)
		}
		if _, err := v.adapter.Join(session.ID(), scope.Room()); err != nil {
			return commandError(err)
		}
		return &models.UnifiedCommand{Action: "scopes.joined", Payload: scope}
	case "scopes.leave":
		if err := v.adapter.Leave(session.ID(), scope.Room()); err != nil {
			return commandError(err)
		}
		return &models.UnifiedCommand{Action: "scopes.left", Payload: scope}
	case "status.typing":
		if err := v.delivery.SetTyping(ctx, session.UserID(), scope); err != nil {
			return commandError(err)
		}
		return nil
	default:
		return commandError(fmt.Errorf("unknown action %q", task.Action))
	}
}

func commandError(err error) *models.UnifiedCommand {
	command := models.UnifiedCommandFromError(err)
	return &command
}
