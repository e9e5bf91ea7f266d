package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mewkiz/flac"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firefly-cmu/Audio-Biodiversity/internal/audio"
	"github.com/firefly-cmu/Audio-Biodiversity/internal/config"
	"github.com/firefly-cmu/Audio-Biodiversity/internal/ingest"
	"github.com/firefly-cmu/Audio-Biodiversity/internal/metrics"
	"github.com/firefly-cmu/Audio-Biodiversity/internal/recorder"
	"github.com/firefly-cmu/Audio-Biodiversity/internal/session"
	"github.com/firefly-cmu/Audio-Biodiversity/internal/spectral"
)

type testStack struct {
	cfg        *config.Config
	root       string
	store      *session.Store
	classifier *spectral.Classifier
	handler    *ingest.Handler
	ws         *WSServer
	metrics    *metrics.Metrics
	registry   *prometheus.Registry
}

func newTestStack(t *testing.T, mutate func(cfg *config.Config)) *testStack {
	t.Helper()

	cfg := config.Default()
	cfg.Recording.Directory = filepath.Join(t.TempDir(), "recordings")
	if mutate != nil {
		mutate(cfg)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := prometheus.NewRegistry()
	appMetrics := metrics.NewMetrics(registry)

	store := session.NewStore(logger, cfg.Audio.GetMaxSegmentBytes())
	classifier, err := spectral.NewClassifier(cfg.Classifier.FlatnessThreshold, cfg.Audio.SampleRate)
	require.NoError(t, err)

	encoder, err := audio.NewEncoder(cfg.Recording.Format)
	require.NoError(t, err)
	fileRecorder, err := recorder.NewFileRecorder(cfg.Recording.Directory, encoder, cfg.Audio.SampleRate, logger)
	require.NoError(t, err)

	handler, err := ingest.NewHandler(ingest.Config{
		SampleRate:     cfg.Audio.SampleRate,
		OverflowPolicy: cfg.Audio.OverflowPolicy,
	}, logger, store, classifier, fileRecorder, nil, appMetrics)
	require.NoError(t, err)

	return &testStack{
		cfg:        cfg,
		root:       cfg.Recording.Directory,
		store:      store,
		classifier: classifier,
		handler:    handler,
		ws:         NewWSServer(&cfg.Server, logger, handler),
		metrics:    appMetrics,
		registry:   registry,
	}
}

// serve runs the listener behind an httptest server and returns its ws:// URL
func (s *testStack) serve(t *testing.T) string {
	t.Helper()

	srv := httptest.NewServer(s.ws)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.ws.Stop(ctx)
		srv.Close()
	})

	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// writeSegment sends an optional identification, the PCM in chunks and END
func writeSegment(conn *websocket.Conn, id string, pcm []byte) error {
	if id != "" {
		if err := conn.WriteMessage(websocket.TextMessage, []byte("ID:"+id)); err != nil {
			return err
		}
	}
	for len(pcm) > 0 {
		n := min(4096, len(pcm))
		if err := conn.WriteMessage(websocket.BinaryMessage, pcm[:n]); err != nil {
			return err
		}
		pcm = pcm[n:]
	}
	return conn.WriteMessage(websocket.TextMessage, []byte("END"))
}

func sendSegment(t *testing.T, conn *websocket.Conn, id string, pcm []byte) {
	t.Helper()
	require.NoError(t, writeSegment(conn, id, pcm))
}

func tonePCM(freq float64, n int) []byte {
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = int16(8000 * math.Sin(2*math.Pi*freq*float64(i)/audio.SampleRate))
	}
	return audio.EncodePCM16(samples)
}

func noisePCM(n int) []byte {
	rng := rand.New(rand.NewSource(7))
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = int16(rng.Intn(16001) - 8000)
	}
	return audio.EncodePCM16(samples)
}

// readFLAC returns the sample count and sample rate of a FLAC file
func readFLAC(t *testing.T, path string) (int, uint32) {
	t.Helper()

	stream, err := flac.Open(path)
	require.NoError(t, err)
	defer stream.Close()

	var n int
	for {
		frame, err := stream.ParseNext()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		n += len(frame.Subframes[0].Samples)
	}

	return n, stream.Info.SampleRate
}

func recordingsIn(t *testing.T, dir string) []string {
	t.Helper()

	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	require.NoError(t, err)

	var paths []string
	for _, e := range entries {
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	return paths
}

func TestToneSegmentIsSaved(t *testing.T) {
	stack := newTestStack(t, nil)
	conn := dial(t, stack.serve(t)+"/any/path")

	sendSegment(t, conn, "finch01", tonePCM(1000, 16000))

	require.Eventually(t, func() bool {
		return stack.handler.Stats().RecordingsSaved == 1
	}, 5*time.Second, 10*time.Millisecond)

	files := recordingsIn(t, filepath.Join(stack.root, "finch01"))
	require.Len(t, files, 1)
	assert.Regexp(t, `^recording_\d{8}_\d{6}\.flac$`, filepath.Base(files[0]))

	samples, rate := readFLAC(t, files[0])
	assert.Equal(t, 16000, samples)
	assert.Equal(t, uint32(16000), rate)
}

func TestNoiseSegmentIsDiscarded(t *testing.T) {
	stack := newTestStack(t, nil)
	conn := dial(t, stack.serve(t))

	sendSegment(t, conn, "finch02", noisePCM(16000))

	require.Eventually(t, func() bool {
		return stack.handler.Stats().NoiseDiscarded == 1
	}, 5*time.Second, 10*time.Millisecond)

	assert.Empty(t, recordingsIn(t, filepath.Join(stack.root, "finch02")))
	assert.Zero(t, stack.handler.Stats().RecordingsSaved)
}

func TestConcurrentClientsAreIsolated(t *testing.T) {
	stack := newTestStack(t, nil)
	url := stack.serve(t)

	clients := []struct {
		id      string
		samples int
	}{
		{id: "nodeA", samples: 16000},
		{id: "nodeB", samples: 8000},
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(clients))
	for _, c := range clients {
		conn := dial(t, url)
		wg.Add(1)
		go func(conn *websocket.Conn, id string, samples int) {
			defer wg.Done()
			errs <- writeSegment(conn, id, tonePCM(1000, samples))
		}(conn, c.id, c.samples)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return stack.handler.Stats().RecordingsSaved == 2
	}, 5*time.Second, 10*time.Millisecond)

	for _, c := range clients {
		files := recordingsIn(t, filepath.Join(stack.root, c.id))
		require.Len(t, files, 1, c.id)

		samples, _ := readFLAC(t, files[0])
		assert.Equal(t, c.samples, samples, c.id)
	}
}

func TestUnidentifiedNodeUsesTransportIdentity(t *testing.T) {
	stack := newTestStack(t, nil)
	conn := dial(t, stack.serve(t))

	sendSegment(t, conn, "", tonePCM(1000, 16000))

	require.Eventually(t, func() bool {
		return stack.handler.Stats().RecordingsSaved == 1
	}, 5*time.Second, 10*time.Millisecond)

	dir := filepath.Join(stack.root, recorder.SanitizeKey(conn.LocalAddr().String()))
	assert.Len(t, recordingsIn(t, dir), 1)
}

func TestDisconnectReleasesSession(t *testing.T) {
	stack := newTestStack(t, nil)
	conn := dial(t, stack.serve(t))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ID:finch03")))
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, tonePCM(1000, 1600)))

	require.Eventually(t, func() bool {
		info, ok := stack.store.Get("finch03")
		return ok && info.BufferedBytes == 3200
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	conn.Close()

	require.Eventually(t, func() bool { return stack.store.Len() == 0 }, 5*time.Second, 10*time.Millisecond)
	assert.Zero(t, stack.handler.Stats().RecordingsSaved)
	assert.Zero(t, stack.ws.GetStatistics().ConnectionErrors)
}

func TestReadLimitClosesConnection(t *testing.T) {
	stack := newTestStack(t, func(cfg *config.Config) {
		cfg.Server.MaxMessageSize = 1024
	})
	conn := dial(t, stack.serve(t))

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, make([]byte, 2048)))

	require.Eventually(t, func() bool {
		return stack.ws.GetStatistics().ConnectionErrors == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Zero(t, stack.store.Len())
}

func TestIdleTimeoutClosesConnection(t *testing.T) {
	stack := newTestStack(t, func(cfg *config.Config) {
		cfg.Server.IdleTimeout = 1
	})
	dial(t, stack.serve(t))

	require.Eventually(t, func() bool {
		stats := stack.ws.GetStatistics()
		return stats.ConnectionsAccepted == 1 && stats.ActiveConnections == 0
	}, 5*time.Second, 20*time.Millisecond)
	assert.Zero(t, stack.store.Len())
}

func TestStartStop(t *testing.T) {
	stack := newTestStack(t, func(cfg *config.Config) {
		cfg.Server.BindAddress = "127.0.0.1"
		cfg.Server.Port = 0
	})

	require.NoError(t, stack.ws.Start())
	require.NotEmpty(t, stack.ws.Addr())

	conn := dial(t, "ws://"+stack.ws.Addr()+"/")
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ID:finch04")))

	require.Eventually(t, func() bool {
		_, ok := stack.store.Get("finch04")
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, stack.ws.Stop(ctx))

	// The server closes live connections on shutdown
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		assert.Equal(t, websocket.CloseGoingAway, closeErr.Code)
	}

	assert.Zero(t, stack.store.Len())
	stats := stack.ws.GetStatistics()
	assert.Equal(t, uint64(1), stats.ConnectionsAccepted)
	assert.Zero(t, stats.ActiveConnections)

	// New connections are refused after Stop
	_, _, err = websocket.DefaultDialer.Dial("ws://"+stack.ws.Addr()+"/", nil)
	assert.Error(t, err)
}

func TestUpgradeFailureIsCounted(t *testing.T) {
	stack := newTestStack(t, nil)
	url := stack.serve(t)

	resp, err := http.Get("http" + strings.TrimPrefix(url, "ws"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	require.Eventually(t, func() bool {
		return stack.ws.GetStatistics().UpgradeFailures == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Zero(t, stack.ws.GetStatistics().ConnectionsAccepted)
}
