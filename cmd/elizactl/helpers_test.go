package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/cexll/eliza-go/pkg/config"
	"github.com/cexll/eliza-go/pkg/memory"
	"github.com/cexll/eliza-go/pkg/model"
)

const plannedReply = "<response><thought>say hi</thought><actions>REPLY</actions><providers></providers><text>Hello from Ada</text></response>"

// useModels replaces the provider handlers with a canned planner.
func useModels(t *testing.T, handlers ...model.Handler) {
	t.Helper()
	original := modelFactory
	modelFactory = func(config.ModelsConfig) ([]model.Handler, error) { return handlers, nil }
	t.Cleanup(func() { modelFactory = original })
}

// useMemoryStore keeps tests off any database the environment points at.
func useMemoryStore(t *testing.T) {
	t.Helper()
	original := storeFactory
	storeFactory = func(context.Context, config.DatabaseConfig, *zerolog.Logger) (memory.Store, error) { return nil, nil }
	t.Cleanup(func() { storeFactory = original })
}

func cannedText(reply string) model.Handler {
	return model.Handler{
		Type:     model.TypeTextLarge,
		Provider: "canned",
		Text: func(context.Context, model.TextParams) (model.TextResult, error) {
			return model.TextResult{Text: reply}, nil
		},
	}
}

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func writeCharacter(t *testing.T, dir, name string) string {
	t.Helper()
	return writeFile(t, dir, strings.ToLower(name)+".yaml", "name: "+name+"\nbio:\n  - Counts things\n")
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func waitForAddress(t *testing.T, buf *syncBuffer, timeout time.Duration) string {
	t.Helper()
	deadline := time.Now().Add(timeout)
	const marker = "elizactl serve listening on http://"
	for time.Now().Before(deadline) {
		output := buf.String()
		idx := strings.LastIndex(output, marker)
		if idx >= 0 {
			start := idx + len(marker)
			end := strings.Index(output[start:], "\n")
			if end < 0 {
				time.Sleep(10 * time.Millisecond)
				continue
			}
			return strings.TrimSpace(output[start : start+end])
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("server address not reported in time")
	return ""
}
