package engine_test

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"segmentation-gateway/internal/engine"
	"segmentation-gateway/internal/models"
)

func TestFraming_RoundTrip(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	want := models.FrameResult{FrameIndex: 3, Objects: []models.VideoObject{{ID: 7, Mask: "abc", Score: 0.5}}}
	require.NoError(t, engine.WriteFrame(&buf, want))
	require.NoError(t, engine.WriteFrame(&buf, want))

	var got models.FrameResult
	require.NoError(t, engine.ReadFrame(&buf, &got))
	assert.Equal(t, want.FrameIndex, got.FrameIndex)
	require.NoError(t, engine.ReadFrame(&buf, &got))
	assert.ErrorIs(t, engine.ReadFrame(&buf, &got), io.EOF)
}

func TestFraming_TruncatedPayload(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, engine.WriteFrame(&buf, map[string]int{"a": 1}))
	truncated := bytes.NewReader(buf.Bytes()[:buf.Len()-1])

	var got map[string]int
	err := engine.ReadFrame(truncated, &got)
	require.Error(t, err)
	assert.NotErrorIs(t, err, io.EOF)
}

func writeMsgpack(t *testing.T, w http.ResponseWriter, v interface{}) {
	t.Helper()
	w.Header().Set("Content-Type", "application/msgpack")
	require.NoError(t, msgpack.NewEncoder(w).Encode(v))
}

func TestHTTPEngine_StartVideoSession(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/video/sessions", r.URL.Path)

		var body map[string]string
		require.NoError(t, msgpack.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "/videos/a.mp4", body["source_path"])
		assert.Equal(t, "s1", body["session_id"])

		writeMsgpack(t, w, map[string]interface{}{
			"engine_session_id": "e1",
			"total_frames":      60,
			"fps":               30.0,
			"width":             640,
			"height":            480,
		})
	}))
	defer srv.Close()

	e := engine.NewHTTPEngine(engine.HTTPConfig{BaseURL: srv.URL + "/"})
	id, info, err := e.StartVideoSession(context.Background(), "/videos/a.mp4", "s1")
	require.NoError(t, err)
	assert.Equal(t, "e1", id)
	assert.Equal(t, 60, info.TotalFrames)
	assert.Equal(t, 640, info.Width)
	assert.InDelta(t, 2.0, info.DurationSeconds, 1e-9)
}

func TestHTTPEngine_RemoteError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		writeMsgpack(t, w, map[string]string{"error": "CUDA out of memory"})
	}))
	defer srv.Close()

	e := engine.NewHTTPEngine(engine.HTTPConfig{BaseURL: srv.URL})
	err := e.ResetSession(context.Background(), "e1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CUDA out of memory")
	assert.False(t, engine.IsNotFound(err))
}

func TestHTTPEngine_CloseSessionIgnoresNotFound(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	e := engine.NewHTTPEngine(engine.HTTPConfig{BaseURL: srv.URL})
	assert.NoError(t, e.CloseSession(context.Background(), "gone"))
}

func TestHTTPEngine_RequestTimeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	e := engine.NewHTTPEngine(engine.HTTPConfig{BaseURL: srv.URL, RequestTimeout: 50 * time.Millisecond})
	_, err := e.Info(context.Background())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHTTPEngine_Propagate(t *testing.T) {
	t.Parallel()

	t.Run("streams frames until EOF", func(t *testing.T) {
		t.Parallel()
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/v1/video/sessions/e1/propagate", r.URL.Path)
			for i := 0; i < 3; i++ {
				frame := models.FrameResult{FrameIndex: i, Objects: []models.VideoObject{{ID: 1}}}
				require.NoError(t, engine.WriteFrame(w, map[string]interface{}{"frame": frame}))
			}
		}))
		defer srv.Close()

		e := engine.NewHTTPEngine(engine.HTTPConfig{BaseURL: srv.URL})
		it, err := e.Propagate(context.Background(), "e1", models.PropagateRequest{Direction: models.DirectionForward})
		require.NoError(t, err)
		defer it.Close()

		for i := 0; i < 3; i++ {
			frame, err := it.Next()
			require.NoError(t, err)
			assert.Equal(t, i, frame.FrameIndex)
		}
		_, err = it.Next()
		assert.ErrorIs(t, err, io.EOF)
	})

	t.Run("error record ends the stream", func(t *testing.T) {
		t.Parallel()
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, engine.WriteFrame(w, map[string]interface{}{"frame": models.FrameResult{FrameIndex: 0}}))
			require.NoError(t, engine.WriteFrame(w, map[string]interface{}{"error": "tracker lost state"}))
		}))
		defer srv.Close()

		e := engine.NewHTTPEngine(engine.HTTPConfig{BaseURL: srv.URL})
		it, err := e.Propagate(context.Background(), "e1", models.PropagateRequest{})
		require.NoError(t, err)
		defer it.Close()

		_, err = it.Next()
		require.NoError(t, err)
		_, err = it.Next()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "tracker lost state")
	})

	t.Run("non-2xx fails before streaming", func(t *testing.T) {
		t.Parallel()
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.NotFound(w, r)
		}))
		defer srv.Close()

		e := engine.NewHTTPEngine(engine.HTTPConfig{BaseURL: srv.URL})
		_, err := e.Propagate(context.Background(), "missing", models.PropagateRequest{})
		require.Error(t, err)
		assert.True(t, engine.IsNotFound(err))
	})
}
