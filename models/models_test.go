package models

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ids(vs []Variant) []string {
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = v.Name
	}
	return out
}

func TestFilter(t *testing.T) {
	cases := []struct {
		quantized, multilingual bool
		want                    []string
	}{
		{false, false, []string{"tiny", "base"}},
		{false, true, []string{"tiny", "base"}},
		{true, false, []string{"tiny", "base", "small", "medium", "distil-medium.en"}},
		{true, true, []string{"tiny", "base", "small", "medium", "distil-large-v2"}},
	}
	for _, tc := range cases {
		got := Filter(Registry, tc.quantized, tc.multilingual)
		assert.Equal(t, tc.want, ids(got), "quantized=%v multilingual=%v", tc.quantized, tc.multilingual)
	}
}

func TestFilterIsPure(t *testing.T) {
	before := append([]Variant(nil), Registry...)
	a := Filter(Registry, true, false)
	b := Filter(Registry, true, false)
	assert.Equal(t, a, b)
	assert.Equal(t, before, Registry)
}

func TestQuantizedFlagRestrictsToQuantizedArtifacts(t *testing.T) {
	for _, v := range Filter(Registry, true, true) {
		assert.Positive(t, v.QuantizedMB, v.ID)
	}
	for _, v := range Filter(Registry, false, true) {
		assert.Positive(t, v.FullMB, v.ID)
	}
}

func TestResolve(t *testing.T) {
	a, err := Resolve("tiny", false, false)
	require.NoError(t, err)
	assert.Equal(t, "tiny.en", a.Name)
	assert.Equal(t, "csukuangfj/sherpa-onnx-whisper-tiny.en", a.Repo)
	assert.Equal(t, []string{"tiny.en-encoder.onnx", "tiny.en-decoder.onnx", "tiny.en-tokens.txt"}, a.Files())

	a, err = Resolve("Xenova/whisper-base", true, true)
	require.NoError(t, err)
	assert.Equal(t, "base", a.Name)
	assert.Equal(t, "base-encoder.int8.onnx", a.Encoder)

	_, err = Resolve("Xenova/whisper-small", false, false)
	assert.Error(t, err, "small has no full-precision artifact")

	_, err = Resolve("distil-whisper/distil-medium.en", true, true)
	assert.Error(t, err)

	_, err = Resolve("nope", true, true)
	assert.Error(t, err)
}

func newFileServer(t *testing.T) (*httptest.Server, *sync.Map) {
	t.Helper()
	hits := &sync.Map{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Store(r.URL.Path, true)
		if strings.Contains(r.URL.Path, "missing") {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(strings.Repeat("x", 4096)))
	}))
	t.Cleanup(srv.Close)
	return srv, hits
}

func TestEnsureDownloadsEachFile(t *testing.T) {
	srv, hits := newFileServer(t)
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)
	m.SetBaseURL(srv.URL)

	a, err := Resolve("tiny", true, false)
	require.NoError(t, err)

	type report struct {
		file   string
		status FileStatus
	}
	var mu sync.Mutex
	var reports []report
	paths, err := m.Ensure(context.Background(), a, func(file string, p float64, status FileStatus) {
		mu.Lock()
		reports = append(reports, report{file, status})
		mu.Unlock()
	})
	require.NoError(t, err)
	assert.True(t, m.IsDownloaded(a))

	_, err = os.Stat(paths.Encoder)
	require.NoError(t, err)
	_, ok := hits.Load("/csukuangfj/sherpa-onnx-whisper-tiny.en/resolve/main/tiny.en-tokens.txt")
	assert.True(t, ok)

	for _, f := range a.Files() {
		assert.Contains(t, reports, report{f, FileInitiate})
		assert.Contains(t, reports, report{f, FileDone})
	}

	// второй вызов не качает и не сообщает прогресс
	_, err = m.Ensure(context.Background(), a, func(string, float64, FileStatus) { t.Fatal("unexpected progress") })
	require.NoError(t, err)

	states := m.List(true, false)
	require.NotEmpty(t, states)
	assert.Equal(t, ModelStatusDownloaded, states[0].Status)
	assert.Equal(t, "tiny.en", states[0].Artifact)
}

func TestEnsureFailure(t *testing.T) {
	srv, _ := newFileServer(t)
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)
	m.SetBaseURL(srv.URL + "/missing")

	a, _ := Resolve("base", true, true)
	_, err = m.Ensure(context.Background(), a, nil)
	require.Error(t, err)
	assert.False(t, errors.Is(err, context.Canceled))
	assert.False(t, m.IsDownloaded(a))
}

func TestEnsureCancelled(t *testing.T) {
	srv, _ := newFileServer(t)
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)
	m.SetBaseURL(srv.URL)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	a, _ := Resolve("base", true, true)
	_, err = m.Ensure(ctx, a, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	_, statErr := os.Stat(m.Paths(a).Encoder + ".tmp")
	assert.True(t, os.IsNotExist(statErr))
}

// stallingServer принимает запрос и не отвечает, пока клиент не уйдёт
func stallingServer(t *testing.T) *httptest.Server {
	t.Helper()
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})
	return srv
}

func TestCancelDownload(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)
	m.SetBaseURL(stallingServer(t).URL)

	a, _ := Resolve("base", true, true)
	assert.Error(t, m.CancelDownload(a.Name), "nothing to cancel yet")

	errCh := make(chan error, 1)
	go func() {
		_, err := m.Ensure(context.Background(), a, nil)
		errCh <- err
	}()
	require.Eventually(t, func() bool { return m.isDownloading(a.Name) }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, ModelStatusDownloading, m.List(true, true)[1].Status)

	// пока идёт скачивание, удалять нельзя
	assert.ErrorIs(t, m.Delete(a), ErrAlreadyDownloading)

	require.NoError(t, m.CancelDownload(a.Name))
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("download was not cancelled")
	}
	assert.False(t, m.isDownloading(a.Name))
	assert.False(t, m.IsDownloaded(a))
}

func TestDeleteRemovesModel(t *testing.T) {
	srv, _ := newFileServer(t)
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)
	m.SetBaseURL(srv.URL)

	a, _ := Resolve("tiny", true, false)
	paths, err := m.Ensure(context.Background(), a, nil)
	require.NoError(t, err)
	require.True(t, m.IsDownloaded(a))

	require.NoError(t, m.Delete(a))
	assert.False(t, m.IsDownloaded(a))
	_, statErr := os.Stat(paths.Encoder)
	assert.True(t, os.IsNotExist(statErr))
	assert.Equal(t, ModelStatusNotDownloaded, m.List(true, false)[0].Status)
}
