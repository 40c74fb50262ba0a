package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cexll/eliza-go/pkg/character"
	"github.com/cexll/eliza-go/pkg/eliza"
	"github.com/cexll/eliza-go/pkg/memory"
	"github.com/cexll/eliza-go/pkg/plugin"
	"github.com/cexll/eliza-go/pkg/runtime"
)

func echoPlugin() plugin.Plugin {
	return plugin.Plugin{
		Name: "echo",
		Actions: []plugin.Action{{
			Name: "ECHO",
			Handler: func(_ context.Context, _ plugin.Runtime, msg *memory.Memory, _ *plugin.State, _ plugin.HandlerOptions, _ plugin.Callback) (plugin.ActionResult, error) {
				return plugin.ActionResult{Success: true, Text: "echo: " + msg.Content.Text}, nil
			},
		}},
	}
}

func newTestServer(t *testing.T) (*Server, *eliza.Registry, uuid.UUID) {
	t.Helper()
	reg := eliza.New(eliza.Options{Plugins: func(*character.Character) []plugin.Plugin {
		return []plugin.Plugin{echoPlugin()}
	}})
	res, err := reg.AddAgents(context.Background(), []eliza.AgentSpec{{Character: &character.Character{Name: "Ada"}}}, eliza.AddOptions{AutoStart: true})
	require.NoError(t, err)
	srv, err := New(reg, Options{})
	require.NoError(t, err)
	t.Cleanup(func() {
		srv.Close()
		_ = reg.Close(context.Background())
	})
	return srv, reg, res.IDs[0]
}

func do(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestServerListAndGetAgents(t *testing.T) {
	srv, _, id := newTestServer(t)

	rec := do(t, srv, http.MethodGet, "/agents", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var agents []agentView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &agents))
	require.Len(t, agents, 1)
	assert.Equal(t, id, agents[0].ID)
	assert.Equal(t, "Ada", agents[0].Name)
	assert.Equal(t, runtime.StatusRunning, agents[0].Status)
	assert.True(t, agents[0].Attached)

	rec = do(t, srv, http.MethodGet, "/agents/"+id.String(), "")
	require.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, srv, http.MethodGet, "/agents/not-a-uuid", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServerHandleMessage(t *testing.T) {
	srv, reg, id := newTestServer(t)
	room, user := uuid.New(), uuid.New()
	body := `{"entity_id":"` + user.String() + `","room_id":"` + room.String() + `","text":"hello"}`

	rec := do(t, srv, http.MethodPost, "/agents/"+id.String()+"/messages", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out messageResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.True(t, out.DidRespond)
	require.NotNil(t, out.Content)
	assert.Equal(t, "echo: hello", out.Content.Text)
	assert.Equal(t, "http", out.Content.Source)
	assert.NotEqual(t, uuid.Nil, out.ResponseID)

	rt, _ := reg.GetAgent(id)
	stored, err := rt.Store().GetMemoryByID(context.Background(), out.ResponseID)
	require.NoError(t, err)
	require.NotNil(t, stored)

	rec = do(t, srv, http.MethodGet, "/agents/"+id.String()+"/runs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var runs []runtime.RunSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, runtime.RunCompleted, runs[0].Status)

	rec = do(t, srv, http.MethodDelete, "/agents/"+id.String()+"/messages/"+out.ResponseID.String(), "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = do(t, srv, http.MethodDelete, "/agents/"+id.String()+"/messages/"+out.ResponseID.String(), "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	stored, err = rt.Store().GetMemoryByID(context.Background(), out.ResponseID)
	require.NoError(t, err)
	assert.Nil(t, stored)

	rec = do(t, srv, http.MethodDelete, "/agents/"+id.String()+"/rooms/"+room.String()+"/messages", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	left, err := rt.Store().GetMemories(context.Background(), memory.Filter{RoomID: room})
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestServerHandleMessageErrors(t *testing.T) {
	srv, _, id := newTestServer(t)

	rec := do(t, srv, http.MethodPost, "/agents/"+uuid.NewString()+"/messages", `{"entity_id":"`+uuid.NewString()+`","room_id":"`+uuid.NewString()+`","text":"hi"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "not found")

	rec = do(t, srv, http.MethodPost, "/agents/"+id.String()+"/messages", `{"text":"no ids"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, srv, http.MethodPost, "/agents/"+id.String()+"/messages", `{`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServerAgentLifecycle(t *testing.T) {
	srv, reg, _ := newTestServer(t)

	rec := do(t, srv, http.MethodPost, "/agents", `{"character":{"name":"Grace","bio":["Compilers"]}}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created agentView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, runtime.StatusCreated, created.Status)
	path := "/agents/" + created.ID.String()

	rec = do(t, srv, http.MethodPost, "/agents", `{"character":{"name":"Grace"}}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = do(t, srv, http.MethodPost, "/agents", `{"character":{"bio":["nameless"]}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, srv, http.MethodPost, path+"/start", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var view agentView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, runtime.StatusRunning, view.Status)

	rec = do(t, srv, http.MethodPost, path+"/stop", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, runtime.StatusStopped, view.Status)
	assert.False(t, view.Attached)

	rec = do(t, srv, http.MethodDelete, path, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	_, ok := reg.GetAgent(created.ID)
	assert.False(t, ok)
	rec = do(t, srv, http.MethodDelete, path, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServerEventStream(t *testing.T) {
	srv, reg, _ := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/events", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		srv.ServeHTTP(rec, req)
	}()

	time.Sleep(20 * time.Millisecond)
	_, err := reg.AddAgents(context.Background(), []eliza.AgentSpec{{Character: &character.Character{Name: "Grace"}}}, eliza.AddOptions{})
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	cancel()
	wg.Wait()

	body := rec.Body.String()
	assert.Contains(t, body, ": connected")
	assert.Contains(t, body, "event: agents:added")
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
}

func TestServerEventStreamFiltersByAgent(t *testing.T) {
	srv, reg, id := newTestServer(t)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/events?agent_id="+id.String()+"&category=lifecycle", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, err = reg.AddAgents(context.Background(), []eliza.AgentSpec{{Character: &character.Character{Name: "Grace"}}}, eliza.AddOptions{})
	require.NoError(t, err)
	require.NoError(t, reg.StopAgents(context.Background(), []uuid.UUID{id}))

	r := bufio.NewReader(resp.Body)
	var events []string
	for len(events) == 0 {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		if name, ok := strings.CutPrefix(strings.TrimSpace(line), "event: "); ok {
			events = append(events, name)
		}
	}
	assert.Equal(t, []string{"agents:stopped"}, events)

	rec := do(t, srv, http.MethodGet, "/events?agent_id=nope", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServerHealth(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := do(t, srv, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestNewRequiresRegistry(t *testing.T) {
	_, err := New(nil, Options{})
	require.Error(t, err)
}
