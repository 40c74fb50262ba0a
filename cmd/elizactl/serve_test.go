package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type agentSummary struct {
	ID       uuid.UUID `json:"id"`
	Name     string    `json:"name"`
	Attached bool      `json:"attached"`
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestServeCommandHostsAgents(t *testing.T) {
	useMemoryStore(t)
	useModels(t, cannedText(plannedReply))
	path := writeCharacter(t, t.TempDir(), "Ada")

	buf := &syncBuffer{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- runCLI(ctx, []string{"serve", "--addr", "127.0.0.1:0", "--character", path}, ioStreams{out: buf, err: io.Discard})
	}()
	addr := waitForAddress(t, buf, 3*time.Second)
	base := "http://" + addr

	require.Equal(t, http.StatusOK, getJSON(t, base+"/health", nil))

	var agents []agentSummary
	require.Equal(t, http.StatusOK, getJSON(t, base+"/agents", &agents))
	require.Len(t, agents, 1)
	assert.Equal(t, "Ada", agents[0].Name)
	assert.True(t, agents[0].Attached)
	id := agents[0].ID

	body := `{"entity_id":"` + uuid.NewString() + `","room_id":"` + uuid.NewString() + `","text":"hello"}`
	resp, err := http.Post(base+"/agents/"+id.String()+"/messages", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	data, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	assert.Contains(t, string(data), "Hello from Ada")
	assert.Contains(t, string(data), `"did_respond":true`)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("serve did not exit after cancel")
	}
}

func TestServeCommandReloadsEditedCharacter(t *testing.T) {
	useMemoryStore(t)
	useModels(t)
	dir := t.TempDir()
	path := writeCharacter(t, dir, "Ada")
	cfgPath := writeFile(t, dir, "eliza.yaml", "agents:\n  - character: ada.yaml\n")

	buf := &syncBuffer{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- runCLI(ctx, []string{"-c", cfgPath, "serve", "--addr", "127.0.0.1:0"}, ioStreams{out: buf, err: io.Discard})
	}()
	base := "http://" + waitForAddress(t, buf, 3*time.Second)

	var agents []agentSummary
	require.Equal(t, http.StatusOK, getJSON(t, base+"/agents", &agents))
	require.Len(t, agents, 1)
	id := agents[0].ID

	// Rewritten on every poll in case the watcher was not armed yet.
	require.Eventually(t, func() bool {
		if err := os.WriteFile(path, []byte("name: Ada Lovelace\nbio:\n  - Writes programs\n"), 0o600); err != nil {
			return false
		}
		time.Sleep(150 * time.Millisecond)
		resp, err := http.Get(base + "/agents/" + id.String())
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var got agentSummary
		if json.NewDecoder(resp.Body).Decode(&got) != nil {
			return false
		}
		return got.Name == "Ada Lovelace" && got.ID == id
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("serve did not exit after cancel")
	}
}

func TestServeCommandRejectsMissingConfig(t *testing.T) {
	err := runCLI(context.Background(), []string{"-c", "/nonexistent/eliza.yaml", "serve"}, ioStreams{out: io.Discard, err: io.Discard})
	require.ErrorContains(t, err, "not found")
}
