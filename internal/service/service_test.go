package service

import (
	"bytes"
	"context"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"whisperingest/media"
	"whisperingest/session"
	"whisperingest/worker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func wavPayload(seconds float64) []byte {
	n := int(seconds * media.SampleRate)
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = float32(0.3 * math.Sin(2*math.Pi*440*float64(i)/media.SampleRate))
	}
	return media.EncodeWAV(&media.Buffer{SampleRate: media.SampleRate, Channels: [][]float32{samples}})
}

func newSources() (*SourceManager, *BlobStore) {
	blobs := NewBlobStore()
	return NewSourceManager(media.NewDecoder("/nonexistent/ffmpeg"), blobs, nil), blobs
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 3*time.Second, 5*time.Millisecond)
}

func TestLoadFromURL(t *testing.T) {
	payload := wavPayload(5)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/wave")
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		w.Write(payload)
	}))
	defer srv.Close()

	m, blobs := newSources()
	var mu sync.Mutex
	var fractions []float64
	m.OnChange(func(st SourceState) {
		if st.AcquisitionProgress != nil {
			mu.Lock()
			fractions = append(fractions, st.AcquisitionProgress.Fraction)
			mu.Unlock()
		}
	})

	asset, err := m.LoadFromURL(context.Background(), srv.URL+"/clip.wav")
	require.NoError(t, err)

	assert.Equal(t, SourceURL, asset.Source)
	assert.Equal(t, media.MimeWAV, asset.MimeType)
	assert.Equal(t, media.SampleRate, asset.SampleRate)
	assert.InDelta(t, 5.0, asset.DurationSeconds, 0.01)
	assert.Equal(t, AssetURLPrefix+asset.ID, asset.URL)

	st := m.State()
	assert.Nil(t, st.AcquisitionProgress)
	assert.False(t, st.IsAudioLoading)
	assert.Same(t, asset, st.AudioAsset)
	assert.Equal(t, 1, blobs.Len())

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, fractions)
	assert.Equal(t, 1.0, fractions[len(fractions)-1])
	for i := 1; i < len(fractions); i++ {
		assert.GreaterOrEqual(t, fractions[i], fractions[i-1])
	}
}

func TestLoadFromURLGenericContentType(t *testing.T) {
	payload := wavPayload(1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write(payload)
	}))
	defer srv.Close()

	m, _ := newSources()
	asset, err := m.LoadFromURL(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, media.MimeWAV, asset.MimeType)
}

func TestLoadFromURLFault(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	m, _ := newSources()
	_, err := m.LoadFromURL(context.Background(), srv.URL)

	var te *TransferError
	require.ErrorAs(t, err, &te)
	assert.False(t, te.Cancelled)
	assert.Equal(t, http.StatusNotFound, te.StatusCode)

	st := m.State()
	assert.Nil(t, st.AudioAsset)
	assert.Nil(t, st.AcquisitionProgress)
	assert.NotEmpty(t, st.Error)
}

func TestLoadFromFile(t *testing.T) {
	payload := wavPayload(2)
	m, _ := newSources()

	asset, err := m.LoadFromFile(context.Background(), FileInput{
		Name: "memo.wav",
		Size: int64(len(payload)),
		Body: bytes.NewReader(payload),
	})
	require.NoError(t, err)
	assert.Equal(t, SourceFile, asset.Source)
	assert.Equal(t, media.MimeWAV, asset.MimeType)

	// успешная загрузка не выглядит отменённой
	st := m.State()
	assert.Nil(t, st.AcquisitionProgress)
	assert.Empty(t, st.Error)
	assert.Same(t, asset, st.AudioAsset)
}

func TestProgressNotificationsInOrder(t *testing.T) {
	m, _ := newSources()
	_, gen := m.begin(context.Background(), true)
	defer m.Cancel()

	var (
		mu   sync.Mutex
		seen []float64
	)
	m.OnChange(func(st SourceState) {
		if st.AcquisitionProgress == nil {
			return
		}
		mu.Lock()
		seen = append(seen, st.AcquisitionProgress.Fraction)
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 1; i <= 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m.setProgress(gen, float64(i)/100, true)
		}(i)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, seen)
	assert.IsNonDecreasing(t, seen)
	assert.Equal(t, m.State().AcquisitionProgress.Fraction, seen[len(seen)-1])
	assert.Equal(t, 1.0, seen[len(seen)-1])
}

func TestLoadFromRecording(t *testing.T) {
	var out bytes.Buffer
	enc, err := media.NewWebMEncoder(&out, 48000, 1)
	require.NoError(t, err)
	require.NoError(t, enc.Write(make([]float32, 48000)))
	require.NoError(t, enc.Close())

	m, _ := newSources()
	asset, err := m.LoadFromRecording(context.Background(), out.Bytes(), media.MimeWebM)
	require.NoError(t, err)
	assert.Equal(t, SourceRecording, asset.Source)
	assert.Equal(t, media.MimeWebM, asset.MimeType)
	assert.Equal(t, media.SampleRate, asset.SampleRate)
	assert.InDelta(t, 1.0, asset.DurationSeconds, 0.05)
}

func TestDecodeErrorLeavesNoAsset(t *testing.T) {
	m, blobs := newSources()
	_, err := m.LoadFromRecording(context.Background(), []byte("definitely not audio"), "audio/ogg")

	var de *media.DecodeError
	require.ErrorAs(t, err, &de)

	st := m.State()
	assert.Nil(t, st.AudioAsset)
	assert.Nil(t, st.AcquisitionProgress)
	assert.NotEmpty(t, st.Error)
	assert.Zero(t, blobs.Len())
}

// slowServer отдаёт половину файла и ждёт, пока клиент не уйдёт
func slowServer(t *testing.T, payload []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/wav")
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		w.Write(payload[:len(payload)/2])
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNewLoadSupersedesInFlight(t *testing.T) {
	payload := wavPayload(3)
	srv := slowServer(t, payload)
	m, blobs := newSources()

	slowErr := make(chan error, 1)
	go func() {
		_, err := m.LoadFromURL(context.Background(), srv.URL)
		slowErr <- err
	}()
	eventually(t, func() bool {
		p := m.State().AcquisitionProgress
		return p != nil && p.Fraction > 0
	})

	asset, err := m.LoadFromFile(context.Background(), FileInput{Name: "b.wav", Body: bytes.NewReader(payload)})
	require.NoError(t, err)

	select {
	case err := <-slowErr:
		assert.True(t, IsCancelled(err), "superseded load must report cancellation: %v", err)
	case <-time.After(3 * time.Second):
		t.Fatal("superseded load did not return")
	}

	st := m.State()
	assert.Same(t, asset, st.AudioAsset)
	assert.Equal(t, SourceFile, st.AudioAsset.Source)
	assert.Empty(t, st.Error)
	assert.Equal(t, 1, blobs.Len())
}

func TestCancelIsSilent(t *testing.T) {
	srv := slowServer(t, wavPayload(3))
	m, _ := newSources()

	done := make(chan error, 1)
	go func() {
		_, err := m.LoadFromURL(context.Background(), srv.URL)
		done <- err
	}()
	eventually(t, func() bool { return m.State().IsAudioLoading })

	m.Cancel()

	select {
	case err := <-done:
		var te *TransferError
		require.ErrorAs(t, err, &te)
		assert.True(t, te.Cancelled)
	case <-time.After(3 * time.Second):
		t.Fatal("cancelled load did not return")
	}

	st := m.State()
	assert.Nil(t, st.AcquisitionProgress)
	assert.Nil(t, st.AudioAsset)
	assert.Empty(t, st.Error)
}

func TestResetReleasesAsset(t *testing.T) {
	payload := wavPayload(1)
	m, blobs := newSources()

	var cleared bool
	m.OnAssetChange(func(a *Asset) { cleared = a == nil })

	asset, err := m.LoadFromFile(context.Background(), FileInput{Name: "a.wav", Body: bytes.NewReader(payload)})
	require.NoError(t, err)
	_, ok := blobs.Get(asset.ID)
	require.True(t, ok)

	m.Reset()
	assert.Nil(t, m.State().AudioAsset)
	assert.True(t, cleared)
	_, ok = blobs.Get(asset.ID)
	assert.False(t, ok)
}

func TestBlobMP3Rendition(t *testing.T) {
	m, blobs := newSources()
	asset, err := m.LoadFromFile(context.Background(), FileInput{Name: "a.wav", Body: bytes.NewReader(wavPayload(1))})
	require.NoError(t, err)

	blob, ok := blobs.Get(asset.ID)
	require.True(t, ok)
	assert.Equal(t, media.MimeMP3, media.Sniff(blob.MP3()))
}

// scriptedTransport отвечает на задания заранее заданными событиями
type scriptedTransport struct {
	mu     sync.Mutex
	sent   []worker.Request
	events chan worker.Event
	script func(req worker.Request) []worker.Event
	once   sync.Once
}

func newScriptedTransport(script func(req worker.Request) []worker.Event) *scriptedTransport {
	return &scriptedTransport{events: make(chan worker.Event, 64), script: script}
}

func (s *scriptedTransport) Send(ctx context.Context, req worker.Request) error {
	s.mu.Lock()
	s.sent = append(s.sent, req)
	s.mu.Unlock()
	if s.script != nil {
		for _, ev := range s.script(req) {
			ev.JobID = req.JobID
			s.events <- ev
		}
	}
	return nil
}

func (s *scriptedTransport) Events() <-chan worker.Event { return s.events }

func (s *scriptedTransport) Close() error {
	s.once.Do(func() { close(s.events) })
	return nil
}

func (s *scriptedTransport) requests() []worker.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]worker.Request(nil), s.sent...)
}

var finalChunks = []worker.Chunk{
	{Text: "Hello world", Timestamp: [2]float64{0, 1}},
	{Text: " today.", Timestamp: [2]float64{1, 2}},
}

func helloWorker(req worker.Request) []worker.Event {
	if req.Action != worker.ActionTranscribe {
		return nil
	}
	return []worker.Event{
		{Status: worker.StatusProgress, Data: worker.EventData{Chunks: []worker.Chunk{{Text: "Hello", Timestamp: [2]float64{0, 1}}}}},
		{Status: worker.StatusComplete, Data: worker.EventData{Chunks: finalChunks}},
	}
}

func e2eConfig() worker.Config {
	return worker.Config{ModelID: "tiny", Language: "english", Task: "transcribe", Multilingual: false, Quantized: false}
}

// fakeStream и fakeDevice заменяют микрофон
type fakeStream struct {
	data   chan []float32
	closed chan struct{}
	once   sync.Once
}

func (s *fakeStream) Format() session.Format {
	return session.Format{SampleRate: media.SampleRate, Channels: 1}
}
func (s *fakeStream) Data() <-chan []float32 { return s.data }
func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

type fakeDevice struct {
	stream *fakeStream
	err    error
}

func (d *fakeDevice) Open(ctx context.Context) (session.Stream, error) {
	if d.err != nil {
		return nil, d.err
	}
	d.stream = &fakeStream{data: make(chan []float32, 64), closed: make(chan struct{})}
	return d.stream, nil
}

type idleTicker struct{ c chan time.Time }

func (t idleTicker) C() <-chan time.Time { return t.c }
func (t idleTicker) Stop()               {}

func newCore(t *testing.T, tr worker.Transport, device session.Device) *Core {
	t.Helper()
	sources, blobs := newSources()
	recorder := session.New(device, session.WithTicker(func(time.Duration) session.Ticker {
		return idleTicker{c: make(chan time.Time)}
	}))
	client := worker.NewClient(tr)
	core := NewCore(sources, recorder, NewTranscriber(client, e2eConfig()), blobs)
	t.Cleanup(func() {
		core.Close()
		client.Close()
	})
	return core
}

func TestURLToTranscriptEndToEnd(t *testing.T) {
	payload := wavPayload(5)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/wav")
		w.Write(payload)
	}))
	defer srv.Close()

	tr := newScriptedTransport(helloWorker)
	core := newCore(t, tr, &fakeDevice{})

	_, err := core.Sources.LoadFromURL(context.Background(), srv.URL)
	require.NoError(t, err)

	_, err = core.Transcribe(context.Background())
	require.NoError(t, err)

	eventually(t, func() bool {
		out := core.State().Transcriber.Output
		return out != nil && !out.IsBusy
	})

	st := core.State()
	assert.False(t, st.Transcriber.IsBusy)
	assert.Equal(t, finalChunks, st.Transcriber.Output.Chunks)

	reqs := tr.requests()
	require.Len(t, reqs, 1)
	assert.Len(t, reqs[0].Samples, 5*media.SampleRate)
	assert.Equal(t, e2eConfig(), *reqs[0].Config)

	// правка не трогает таймстемпы, новое задание её перезаписывает
	require.NoError(t, core.Transcriber.EditChunk(0, "Howdy world"))
	st = core.State()
	assert.Equal(t, "Howdy world", st.Transcriber.Output.Chunks[0].Text)
	assert.Equal(t, finalChunks[0].Timestamp, st.Transcriber.Output.Chunks[0].Timestamp)
	assert.Equal(t, finalChunks[1], st.Transcriber.Output.Chunks[1])

	_, err = core.Transcribe(context.Background())
	require.NoError(t, err)
	eventually(t, func() bool {
		out := core.State().Transcriber.Output
		return out != nil && !out.IsBusy
	})
	assert.Equal(t, finalChunks, core.State().Transcriber.Output.Chunks)
}

func TestNewAssetClearsTranscript(t *testing.T) {
	core := newCore(t, newScriptedTransport(helloWorker), &fakeDevice{})

	_, err := core.Sources.LoadFromFile(context.Background(), FileInput{Name: "a.wav", Body: bytes.NewReader(wavPayload(1))})
	require.NoError(t, err)
	_, err = core.Transcribe(context.Background())
	require.NoError(t, err)
	eventually(t, func() bool {
		out := core.State().Transcriber.Output
		return out != nil && !out.IsBusy
	})

	_, err = core.Sources.LoadFromFile(context.Background(), FileInput{Name: "b.wav", Body: bytes.NewReader(wavPayload(1))})
	require.NoError(t, err)
	assert.Nil(t, core.State().Transcriber.Output)
}

func TestLoadDuringJobDropsOldTranscript(t *testing.T) {
	tr := newScriptedTransport(nil) // события задания подаёт тест
	core := newCore(t, tr, &fakeDevice{})

	_, err := core.Sources.LoadFromFile(context.Background(), FileInput{Name: "a.wav", Body: bytes.NewReader(wavPayload(1))})
	require.NoError(t, err)
	jobA, err := core.Transcribe(context.Background())
	require.NoError(t, err)

	assetB, err := core.Sources.LoadFromFile(context.Background(), FileInput{Name: "b.wav", Body: bytes.NewReader(wavPayload(2))})
	require.NoError(t, err)

	tr.events <- worker.Event{Status: worker.StatusProgress, JobID: jobA, Data: worker.EventData{Chunks: []worker.Chunk{{Text: "from a"}}}}
	tr.events <- worker.Event{Status: worker.StatusComplete, JobID: jobA, Data: worker.EventData{Chunks: finalChunks}}

	eventually(t, func() bool { return !core.State().Transcriber.IsBusy })
	st := core.State()
	assert.Nil(t, st.Transcriber.Output)
	assert.Empty(t, st.Transcriber.Error)
	assert.Same(t, assetB, st.AudioAsset)
}

func TestTranscribeWithoutAudio(t *testing.T) {
	core := newCore(t, newScriptedTransport(nil), &fakeDevice{})
	_, err := core.Transcribe(context.Background())
	assert.ErrorIs(t, err, ErrNoAudio)
}

func TestTranscriberSettersArePure(t *testing.T) {
	tr := newScriptedTransport(nil)
	client := worker.NewClient(tr)
	defer client.Close()
	tx := NewTranscriber(client, e2eConfig())

	tx.SetModel("Xenova/whisper-base")
	tx.SetLanguage("german")
	tx.SetTask("translate")
	tx.SetMultilingual(true)
	tx.SetQuantized(true)

	assert.Equal(t, worker.Config{
		ModelID:      "Xenova/whisper-base",
		Language:     "german",
		Task:         "translate",
		Multilingual: true,
		Quantized:    true,
	}, tx.Config())
	assert.Empty(t, tr.requests())
}

func TestTranscriberRejectsWhileBusy(t *testing.T) {
	tr := newScriptedTransport(nil) // воркер молчит: задание остаётся активным
	client := worker.NewClient(tr)
	defer client.Close()
	tx := NewTranscriber(client, e2eConfig())

	_, err := tx.Start(context.Background(), []float32{0.1})
	require.NoError(t, err)

	_, err = tx.Start(context.Background(), []float32{0.2})
	var busy *worker.BusyError
	require.ErrorAs(t, err, &busy)
	assert.Len(t, tr.requests(), 1)
}

func TestTranscriberRejectsWhileModelLoading(t *testing.T) {
	tr := newScriptedTransport(func(req worker.Request) []worker.Event {
		if req.Action == worker.ActionInitiate {
			return []worker.Event{{Status: worker.StatusInitiate, Data: worker.EventData{File: "tiny.en-encoder.onnx"}}}
		}
		return nil
	})
	client := worker.NewClient(tr)
	defer client.Close()
	tx := NewTranscriber(client, e2eConfig())

	require.NoError(t, tx.Warmup(context.Background()))
	eventually(t, func() bool { return tx.State().IsModelLoading })

	_, err := tx.Start(context.Background(), []float32{0.1})
	var busy *worker.BusyError
	require.ErrorAs(t, err, &busy)
	assert.Equal(t, "model loading", busy.Reason)
}

func TestRecordingBecomesAsset(t *testing.T) {
	device := &fakeDevice{}
	core := newCore(t, newScriptedTransport(nil), device)

	require.NoError(t, core.StartRecording(context.Background()))
	assert.True(t, core.State().Recording.IsRecording)

	for i := 0; i < 10; i++ {
		device.stream.data <- make([]float32, 1600)
	}
	require.NoError(t, core.StopRecording())
	assert.False(t, core.State().Recording.IsRecording)

	eventually(t, func() bool { return core.State().AudioAsset != nil })
	st := core.State()
	assert.Equal(t, SourceRecording, st.AudioAsset.Source)
	assert.Equal(t, media.MimeWebM, st.AudioAsset.MimeType)
	assert.InDelta(t, 1.0, st.AudioAsset.DurationSeconds, 0.05)
}

func TestRecordingDeviceDenied(t *testing.T) {
	core := newCore(t, newScriptedTransport(nil), &fakeDevice{err: errors.New("permission denied")})

	err := core.StartRecording(context.Background())
	var denied *session.DeviceAccessError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, session.StateIdle, core.State().Recording.State)
	assert.Nil(t, core.State().AudioAsset)
}
