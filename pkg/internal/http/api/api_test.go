package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"git.solsynth.dev/hypernet/courier/pkg/internal/http/exts"
	"git.solsynth.dev/hypernet/courier/pkg/internal/ledger"
	"git.solsynth.dev/hypernet/courier/pkg/internal/models"
	"git.solsynth.dev/hypernet/courier/pkg/internal/rooms"
	"git.solsynth.dev/hypernet/courier/pkg/internal/services"
	"git.solsynth.dev/hypernet/courier/pkg/internal/store"
	"git.solsynth.dev/hypernet/courier/pkg/internal/transport"
	"github.com/gofiber/fiber/v2"
	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	alice = uint(1)
	bob   = uint(2)
	eve   = uint(3)
)

func newTestApp(t *testing.T) *fiber.App {
	return newTestAppWith(t, transport.Config{})
}

func newTestAppWith(t *testing.T, cfg transport.Config) *fiber.App {
	viper.Set("security.access_token_secret", "api-test-secret")

	members := services.NewMemoryMembership()
	require.NoError(t, members.AddMember(context.Background(), models.ChannelScope(1), alice))
	require.NoError(t, members.AddMember(context.Background(), models.ChannelScope(1), bob))

	adapter := transport.NewAdapter(rooms.NewRegistry(), cfg)
	t.Cleanup(adapter.Close)

	messages := store.NewMemoryStore(time.Now)
	counters := ledger.NewLedger(messages, ledger.NewMemoryMarkerStore(), adapter, ledger.Config{})
	delivery := services.NewDelivery(messages, counters, adapter, members, services.Config{})

	app := fiber.New(fiber.Config{
		JSONEncoder: jsoniter.ConfigCompatibleWithStandardLibrary.Marshal,
		JSONDecoder: jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal,
	})
	NewServer(delivery, adapter).MapAPIs(app, "/api")
	return app
}

func call(t *testing.T, app *fiber.App, method, path string, user uint, body any) (int, map[string]any) {
	var reader io.Reader
	if body != nil {
		raw, err := jsoniter.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	if user > 0 {
		tk, err := exts.CreateAccessToken(user, time.Hour)
		require.NoError(t, err)
		req.Header.Set(fiber.HeaderAuthorization, "Bearer "+tk)
	}

	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]any
	_ = jsoniter.Unmarshal(raw, &out)
	return resp.StatusCode, out
}

func eventNames(out map[string]any) []string {
	var names []string
	events, _ := out["events"].([]any)
	for _, item := range events {
		if evt, ok := item.(map[string]any); ok {
			names = append(names, fmt.Sprint(evt["w"]))
		}
	}
	return names
}

func TestRequiresAuthentication(t *testing.T) {
	app := newTestApp(t)

	status, _ := call(t, app, fiber.MethodGet, "/api/unread", 0, nil)
	assert.Equal(t, fiber.StatusUnauthorized, status)

	req := httptest.NewRequest(fiber.MethodGet, "/api/unread", nil)
	req.Header.Set(fiber.HeaderAuthorization, "Bearer not-a-token")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}

func TestSendAndPollFlow(t *testing.T) {
	app := newTestApp(t)

	status, opened := call(t, app, fiber.MethodPost, "/api/poll", bob, nil)
	require.Equal(t, fiber.StatusOK, status)
	sid := opened["session_id"].(string)
	privateCursor := uint64(opened["cursor"].(float64))

	status, joined := call(t, app, fiber.MethodPost, "/api/poll/"+sid+"/scopes/channel/1", bob, nil)
	require.Equal(t, fiber.StatusOK, status)
	cursor := uint64(joined["cursor"].(float64))

	status, sent := call(t, app, fiber.MethodPost, "/api/scopes/channel/1/messages", alice, fiber.Map{
		"uuid": "b1d7c3f0-0000-4000-8000-000000000001",
		"body": "hello",
	})
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "hello", sent["body"])

	status, drained := call(t, app, fiber.MethodGet, fmt.Sprintf("/api/poll/%s/scopes/channel/1?cursor=%d", sid, cursor), bob, nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, false, drained["resync"])
	assert.Equal(t, []string{models.EventMessageNew}, eventNames(drained))

	status, private := call(t, app, fiber.MethodGet, fmt.Sprintf("/api/poll/%s/scopes/user/%d?cursor=%d", sid, bob, privateCursor), bob, nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, []string{models.EventNotificationDelta}, eventNames(private))

	status, unread := call(t, app, fiber.MethodGet, "/api/unread", bob, nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, float64(1), unread["total"])

	status, read := call(t, app, fiber.MethodPost, "/api/scopes/channel/1/read", bob, nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, float64(0), read["count"])

	status, count := call(t, app, fiber.MethodGet, "/api/scopes/channel/1/unread", bob, nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, float64(0), count["count"])

	status, _ = call(t, app, fiber.MethodDelete, "/api/poll/"+sid, bob, nil)
	assert.Equal(t, fiber.StatusOK, status)
	status, _ = call(t, app, fiber.MethodGet, "/api/poll/"+sid+"/scopes/channel/1", bob, nil)
	assert.Equal(t, fiber.StatusNotFound, status)
}

func TestPollResync(t *testing.T) {
	app := newTestApp(t)

	_, opened := call(t, app, fiber.MethodPost, "/api/poll", bob, nil)
	sid := opened["session_id"].(string)
	_, _ = call(t, app, fiber.MethodPost, "/api/poll/"+sid+"/scopes/channel/1", bob, nil)

	status, drained := call(t, app, fiber.MethodGet, "/api/poll/"+sid+"/scopes/channel/1?cursor=999999", bob, nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, true, drained["resync"])
	assert.Equal(t, []string{models.EventResync}, eventNames(drained))

	t.Run("missed events were evicted", func(t *testing.T) {
		app := newTestAppWith(t, transport.Config{ReplayCapacity: 2})

		_, opened := call(t, app, fiber.MethodPost, "/api/poll", bob, nil)
		sid := opened["session_id"].(string)
		_, joined := call(t, app, fiber.MethodPost, "/api/poll/"+sid+"/scopes/channel/1", bob, nil)
		cursor := uint64(joined["cursor"].(float64))

		for _, body := range []string{"one", "two", "three"} {
			status, _ := call(t, app, fiber.MethodPost, "/api/scopes/channel/1/messages", alice, fiber.Map{"body": body})
			require.Equal(t, fiber.StatusOK, status)
		}

		path := fmt.Sprintf("/api/poll/%s/scopes/channel/1?cursor=%d", sid, cursor)
		status, drained := call(t, app, fiber.MethodGet, path, bob, nil)
		require.Equal(t, fiber.StatusOK, status)
		assert.Equal(t, true, drained["resync"])
		assert.Equal(t, []string{models.EventResync}, eventNames(drained))

		// The cursor handed back with the resync picks up from the head.
		next := uint64(drained["cursor"].(float64))
		_, _ = call(t, app, fiber.MethodPost, "/api/scopes/channel/1/messages", alice, fiber.Map{"body": "four"})
		status, drained = call(t, app, fiber.MethodGet, fmt.Sprintf("/api/poll/%s/scopes/channel/1?cursor=%d", sid, next), bob, nil)
		require.Equal(t, fiber.StatusOK, status)
		assert.Equal(t, false, drained["resync"])
		assert.Equal(t, []string{models.EventMessageNew}, eventNames(drained))
	})
}

func TestAccessRules(t *testing.T) {
	app := newTestApp(t)

	status, _ := call(t, app, fiber.MethodPost, "/api/scopes/channel/1/messages", eve, fiber.Map{"body": "hi"})
	assert.Equal(t, fiber.StatusForbidden, status)

	status, _ = call(t, app, fiber.MethodPost, "/api/scopes/galaxy/1/messages", alice, fiber.Map{"body": "hi"})
	assert.Equal(t, fiber.StatusBadRequest, status)

	status, _ = call(t, app, fiber.MethodPost, "/api/scopes/channel/1/messages", alice, fiber.Map{"body": "   "})
	assert.Equal(t, fiber.StatusBadRequest, status)

	_, opened := call(t, app, fiber.MethodPost, "/api/poll", bob, nil)
	sid := opened["session_id"].(string)

	// Someone else's session looks missing.
	status, _ = call(t, app, fiber.MethodPost, "/api/poll/"+sid+"/scopes/channel/1", alice, nil)
	assert.Equal(t, fiber.StatusNotFound, status)

	// A non-member can open a session but not subscribe to the scope.
	_, opened = call(t, app, fiber.MethodPost, "/api/poll", eve, nil)
	status, _ = call(t, app, fiber.MethodPost, "/api/poll/"+opened["session_id"].(string)+"/scopes/channel/1", eve, nil)
	assert.Equal(t, fiber.StatusForbidden, status)

	status, _ = call(t, app, fiber.MethodGet, fmt.Sprintf("/api/poll/%s/scopes/user/%d", sid, alice), bob, nil)
	assert.Equal(t, fiber.StatusConflict, status)
}

func TestEditAndReact(t *testing.T) {
	app := newTestApp(t)

	_, sent := call(t, app, fiber.MethodPost, "/api/scopes/channel/1/messages", alice, fiber.Map{"body": "hello"})
	id := int(sent["id"].(float64))

	status, edited := call(t, app, fiber.MethodPut, fmt.Sprintf("/api/messages/%d", id), alice, fiber.Map{"body": "hello there"})
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "hello there", edited["body"])
	assert.Equal(t, true, edited["is_edited"])

	status, _ = call(t, app, fiber.MethodPut, fmt.Sprintf("/api/messages/%d", id), bob, fiber.Map{"body": "mine now"})
	assert.Equal(t, fiber.StatusForbidden, status)

	status, _ = call(t, app, fiber.MethodPut, fmt.Sprintf("/api/messages/%d", id), alice, fiber.Map{"scope_kind": "channel", "scope_id": 2})
	assert.Equal(t, fiber.StatusBadRequest, status)

	status, reacted := call(t, app, fiber.MethodPost, fmt.Sprintf("/api/messages/%d/reactions", id), bob, fiber.Map{"emoji": "👍"})
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, true, reacted["applied"])

	status, _ = call(t, app, fiber.MethodDelete, fmt.Sprintf("/api/messages/%d", id), alice, nil)
	assert.Equal(t, fiber.StatusOK, status)
	status, _ = call(t, app, fiber.MethodDelete, fmt.Sprintf("/api/messages/%d", id), alice, nil)
	assert.Equal(t, fiber.StatusNotFound, status)
}
