package game_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coder/balatrollm/internal/game"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *game.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	c := game.NewClient(u.Hostname(), port)
	c.Connect()
	t.Cleanup(func() { c.Close() })
	return c
}

func TestCallIncrementsRequestID(t *testing.T) {
	var ids []int
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "2.0", req["jsonrpc"])
		ids = append(ids, int(req["id"].(float64)))
		json.NewEncoder(w).Encode(map[string]any{"result": map[string]any{"state": "SHOP"}})
	})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := c.Call(ctx, "get_game_state", nil)
		require.NoError(t, err)
	}
	assert.Equal(t, []int{1, 2, 3}, ids)
}

func TestCallReturnsResult(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"result": map[string]any{"state": "SELECTING_HAND", "ante_num": 3},
		})
	})

	raw, err := c.Call(context.Background(), "start_run", map[string]any{"deck": "RED"})
	require.NoError(t, err)

	gs, err := game.ParseGameState(raw)
	require.NoError(t, err)
	assert.Equal(t, game.StateSelectingHand, gs.Label())
	assert.Equal(t, 3, gs.Ante())
}

func TestCallServerError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{
				"code":    -32000,
				"message": "cannot play that hand",
				"data":    map[string]any{"name": "InvalidAction"},
			},
		})
	})

	_, err := c.Call(context.Background(), "play_hand", map[string]any{"cards": []int{1}})
	var rpcErr *game.RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, -32000, rpcErr.Code)
	assert.Equal(t, "InvalidAction", rpcErr.Name)
	assert.Equal(t, "[InvalidAction] cannot play that hand", rpcErr.Error())
}

func TestCallServerErrorWithoutJSONContentType(t *testing.T) {
	// The game server does not always label replies as JSON; a
	// rejection must still surface as an RPCError, not an empty
	// success.
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte(`{"error":{"code":-32000,"message":"cards not in hand","data":{"name":"InvalidAction"}}}`))
	})

	raw, err := c.Call(context.Background(), "play_hand", map[string]any{"cards": []int{9}})
	var rpcErr *game.RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, "InvalidAction", rpcErr.Name)
	assert.Empty(t, raw)
}

func TestCallBeforeConnect(t *testing.T) {
	c := game.NewClient("127.0.0.1", 12346)
	_, err := c.Call(context.Background(), "get_game_state", nil)
	assert.ErrorIs(t, err, game.ErrNotConnected)
}

func TestGameStateAccessors(t *testing.T) {
	gs, err := game.ParseGameState([]byte(`{
		"state": "GAME_OVER", "won": true,
		"ante_num": 8, "round_num": 24,
		"hand": [{"rank": "A"}]
	}`))
	require.NoError(t, err)
	assert.Equal(t, game.StateGameOver, gs.Label())
	assert.True(t, gs.Won())
	assert.Equal(t, 8, gs.Ante())
	assert.Equal(t, 24, gs.Round())

	empty := game.GameState{}
	assert.Equal(t, game.State(""), empty.Label())
	assert.False(t, empty.Won())
	assert.Equal(t, 0, empty.Ante())
}
