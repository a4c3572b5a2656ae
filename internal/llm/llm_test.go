package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, s *Stream) ([]string, string, error) {
	t.Helper()
	var chunks []string
	for c := range s.Chunks() {
		chunks = append(chunks, c)
	}
	text, err := s.Wait(context.Background())
	return chunks, text, err
}

func TestScriptedFragments(t *testing.T) {
	m := NewScripted("<response>hello world</response>")
	m.ChunkSize = 5

	s, err := m.Stream(context.Background(), Request{Prompt: "p1"})
	require.NoError(t, err)
	chunks, text, err := collect(t, s)
	require.NoError(t, err)
	assert.Equal(t, "<response>hello world</response>", text)
	assert.Equal(t, "<resp", chunks[0])
	assert.Equal(t, text, strings.Join(chunks, ""))

	// Exhausted scripts answer with nothing.
	s, err = m.Stream(context.Background(), Request{Prompt: "p2"})
	require.NoError(t, err)
	chunks, text, err = collect(t, s)
	require.NoError(t, err)
	assert.Empty(t, chunks)
	assert.Empty(t, text)

	assert.Equal(t, []string{"p1", "p2"}, m.Prompts())
}

func TestLoadScript(t *testing.T) {
	path := filepath.Join(t.TempDir(), "script.yaml")
	require.NoError(t, os.WriteFile(path, []byte("chunkSize: 3\ndelay: 1ms\nresponses:\n  - abcdef\n  - second\n"), 0o644))

	m, err := LoadScript(path)
	require.NoError(t, err)
	assert.Equal(t, 3, m.ChunkSize)

	s, err := m.Stream(context.Background(), Request{})
	require.NoError(t, err)
	chunks, _, err := collect(t, s)
	require.NoError(t, err)
	assert.Equal(t, []string{"abc", "def"}, chunks)
}

func TestStreamCancelUnblocksProducer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := NewStream(ctx, func(ctx context.Context, emit Emit) error {
		for i := 0; ; i++ {
			if err := emit(fmt.Sprint(i)); err != nil {
				return err
			}
		}
	})
	<-s.Chunks()
	cancel()
	for range s.Chunks() {
	}
	_, err := s.Wait(context.Background())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStreamProducerError(t *testing.T) {
	boom := errors.New("boom")
	s := NewStream(context.Background(), func(ctx context.Context, emit Emit) error {
		_ = emit("partial")
		return boom
	})
	chunks, text, err := collect(t, s)
	assert.Equal(t, []string{"partial"}, chunks)
	assert.Equal(t, "partial", text)
	assert.ErrorIs(t, err, boom)
}

func TestOllamaStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)
		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprintln(w, `{"response":"<response>","done":false}`)
		fmt.Fprintln(w, `{"response":"hi","done":false}`)
		fmt.Fprintln(w, `{"response":"</response>","done":true}`)
	}))
	defer srv.Close()

	m := NewOllama(srv.URL, "llama3")
	s, err := m.Stream(context.Background(), Request{Prompt: "hello"})
	require.NoError(t, err)
	chunks, text, err := collect(t, s)
	require.NoError(t, err)
	assert.Len(t, chunks, 3)
	assert.Equal(t, "<response>hi</response>", text)
}

func TestOllamaErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"error":"model not found"}`)
	}))
	defer srv.Close()

	s, err := NewOllama(srv.URL, "missing").Stream(context.Background(), Request{Prompt: "hello"})
	require.NoError(t, err)
	_, _, err = collect(t, s)
	assert.ErrorContains(t, err, "model not found")

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer down.Close()

	_, err = NewOllama(down.URL, "llama3").Stream(context.Background(), Request{})
	assert.ErrorContains(t, err, "ollama error 500")
}
