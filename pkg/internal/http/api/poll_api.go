package api

import (
	"strconv"

	"git.solsynth.dev/hypernet/courier/pkg/internal/http/exts"
	"git.solsynth.dev/hypernet/courier/pkg/internal/models"
	"git.solsynth.dev/hypernet/courier/pkg/internal/transport"
	"github.com/gofiber/fiber/v2"
)

func (v *Server) openPoll(c *fiber.Ctx) error {
	if err := exts.EnsureAuthenticated(c); err != nil {
		return err
	}
	user := exts.GetUserID(c)

	session := v.adapter.OpenPoll(user)
	private := models.UserScope(user)
	cursor, err := v.adapter.Join(session.ID(), private.Room())
	if err != nil {
		return exts.Translate(err)
	}

	return c.JSON(fiber.Map{
		"session_id": session.ID(),
		"scope_kind": private.Kind,
		"scope_id":   private.ID,
		"cursor":     cursor,
	})
}

func (v *Server) closePoll(c *fiber.Ctx) error {
	session, err := v.pollSession(c)
	if err != nil {
		return err
	}
	if err := v.adapter.Drop(session.ID()); err != nil {
		return exts.Translate(err)
	}
	return c.SendStatus(fiber.StatusOK)
}

func (v *Server) joinPollScope(c *fiber.Ctx) error {
	session, err := v.pollSession(c)
	if err != nil {
		return err
	}
	scope, err := pollScope(c)
	if err != nil {
		return err
	}
	if scope.Kind != models.ScopeUser {
		if err := v.delivery.CanAccess(c.UserContext(), session.UserID(), scope); err != nil {
			return exts.Translate(err)
		}
	}

	cursor, err := v.adapter.Join(session.ID(), scope.Room())
	if err != nil {
		return exts.Translate(err)
	}
	return c.JSON(fiber.Map{
		"scope_kind": scope.Kind,
		"scope_id":   scope.ID,
		"cursor":     cursor,
	})
}

func (v *Server) leavePollScope(c *fiber.Ctx) error {
	session, err := v.pollSession(c)
	if err != nil {
		return err
	}
	scope, err := pollScope(c)
	if err != nil {
		return err
	}
	if err := v.adapter.Leave(session.ID(), scope.Room()); err != nil {
		return exts.Translate(err)
	}
	return c.SendStatus(fiber.StatusOK)
}

func (v *Server) drainPollScope(c *fiber.Ctx) error {
	session, err := v.pollSession(c)
	if err != nil {
		return err
	}
	scope, err := pollScope(c)
	if err != nil {
		return err
	}
	cursor, err := strconv.ParseUint(c.Query("cursor", "0"), 10, 64)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "cursor must be a non-negative integer")
	}

	events, next, resync, err := v.adapter.Poll(session.ID(), scope.Room(), cursor)
	if err != nil {
		return exts.Translate(err)
	}
	if resync {
		// The client lost events, it has to reload the scope state.
		events = append([]transport.Event{{
			Seq:     next,
			Room:    scope.Room(),
			Name:    models.EventResync,
			Payload: models.ResyncPayload{Scope: scope},
		}}, events...)
	}
	if events == nil {
		events = []transport.Event{}
	}

	return c.JSON(fiber.Map{
		"events": events,
		"cursor": next,
		"resync": resync,
	})
}

// pollSession loads the poll session named in the route, sessions of
// other users look the same as missing ones.
func (v *Server) pollSession(c *fiber.Ctx) (transport.Session, error) {
	if err := exts.EnsureAuthenticated(c); err != nil {
		return nil, err
	}
	session, ok := v.adapter.Session(c.Params("sessionId"))
	if !ok || session.UserID() != exts.GetUserID(c) {
		return nil, exts.Translate(transport.ErrSessionNotFound)
	}
	if session.Mode() != transport.ModePoll {
		return nil, exts.Translate(transport.ErrWrongMode)
	}
	return session, nil
}

func pollScope(c *fiber.Ctx) (models.Scope, error) {
	if c.Params("kind") != string(models.ScopeUser) {
		return exts.ScopeParam(c)
	}
	id, _ := c.ParamsInt("scopeId", 0)
	if id <= 0 || uint(id) != exts.GetUserID(c) {
		return models.Scope{}, exts.Translate(transport.ErrNotSubscribed)
	}
	return models.UserScope(uint(id)), nil
}
