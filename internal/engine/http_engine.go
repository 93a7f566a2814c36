package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"segmentation-gateway/internal/models"
)

const msgpackContentType = "application/msgpack"

// HTTPConfig holds engine client configuration
type HTTPConfig struct {
	BaseURL        string        // Engine worker base URL (e.g. http://localhost:9000)
	RequestTimeout time.Duration // Per-call timeout, not applied to propagation streams (default: 120s)
}

// HTTPEngine talks to a remote engine worker over HTTP with msgpack bodies.
// Propagation responses are a stream of length-prefixed msgpack records.
type HTTPEngine struct {
	baseURL string
	timeout time.Duration
	client  *http.Client
}

// NewHTTPEngine creates a new engine client
func NewHTTPEngine(config HTTPConfig) *HTTPEngine {
	if config.RequestTimeout == 0 {
		config.RequestTimeout = 120 * time.Second
	}

	return &HTTPEngine{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		timeout: config.RequestTimeout,
		// No client-level timeout: propagation streams may run for minutes and
		// are bounded by the caller's context instead.
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

type errorBody struct {
	Error string `msgpack:"error"`
}

// remoteError is a non-2xx answer from the engine worker
type remoteError struct {
	StatusCode int
	Message    string
}

func (e *remoteError) Error() string {
	return fmt.Sprintf("engine returned status %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether the engine answered 404 for the referenced object
func IsNotFound(err error) bool {
	var re *remoteError
	return errors.As(err, &re) && re.StatusCode == http.StatusNotFound
}

func (e *HTTPEngine) newRequest(ctx context.Context, method, path string, body interface{}) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		payload, err := msgpack.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, e.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", msgpackContentType)
	}
	req.Header.Set("Accept", msgpackContentType)
	return req, nil
}

func readRemoteError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var body errorBody
	msg := strings.TrimSpace(string(raw))
	if err := msgpack.Unmarshal(raw, &body); err == nil && body.Error != "" {
		msg = body.Error
	}
	return &remoteError{StatusCode: resp.StatusCode, Message: msg}
}

// call performs a unary request and decodes the msgpack response into out
// (out may be nil for calls without a result body).
func (e *HTTPEngine) call(ctx context.Context, method, path string, in, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	req, err := e.newRequest(ctx, method, path, in)
	if err != nil {
		return err
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: %w", method, path, readRemoteError(resp))
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := msgpack.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: failed to decode response: %w", method, path, err)
	}
	return nil
}

type segmentRequest struct {
	Image     []byte          `msgpack:"image"`
	Prompts   []models.Prompt `msgpack:"prompts"`
	Threshold float64         `msgpack:"threshold"`
}

// Segment runs one-shot segmentation on an encoded image
func (e *HTTPEngine) Segment(ctx context.Context, image []byte, prompts []models.Prompt, threshold float64) (*models.SegmentResult, error) {
	var result models.SegmentResult
	if err := e.call(ctx, http.MethodPost, "/v1/image/segment", segmentRequest{Image: image, Prompts: prompts, Threshold: threshold}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

type featuresRequest struct {
	Image []byte `msgpack:"image"`
}

// ComputeFeatures runs the image backbone and returns a feature handle
func (e *HTTPEngine) ComputeFeatures(ctx context.Context, image []byte) (*models.Features, error) {
	var features models.Features
	if err := e.call(ctx, http.MethodPost, "/v1/image/features", featuresRequest{Image: image}, &features); err != nil {
		return nil, err
	}
	return &features, nil
}

type featuresSegmentRequest struct {
	Handle    string   `msgpack:"handle"`
	Data      []byte   `msgpack:"data,omitempty"`
	Prompts   []string `msgpack:"text_prompts"`
	Threshold float64  `msgpack:"threshold"`
}

type featuresSegmentResponse struct {
	Results []models.SegmentResult `msgpack:"results"`
}

// SegmentWithFeatures runs the decoder once per text prompt over cached features
func (e *HTTPEngine) SegmentWithFeatures(ctx context.Context, features *models.Features, textPrompts []string, threshold float64) ([]models.SegmentResult, error) {
	if features == nil {
		return nil, errors.New("nil features")
	}
	var resp featuresSegmentResponse
	in := featuresSegmentRequest{Handle: features.Handle, Data: features.Data, Prompts: textPrompts, Threshold: threshold}
	if err := e.call(ctx, http.MethodPost, "/v1/image/features/segment", in, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// ReleaseFeatures frees engine-side feature memory. Unknown handles are not an error.
func (e *HTTPEngine) ReleaseFeatures(ctx context.Context, handle string) error {
	if handle == "" {
		return nil
	}
	err := e.call(ctx, http.MethodDelete, "/v1/image/features/"+url.PathEscape(handle), nil, nil)
	if IsNotFound(err) {
		return nil
	}
	return err
}

type startSessionRequest struct {
	SourcePath string `msgpack:"source_path"`
	SessionID  string `msgpack:"session_id"`
}

type startSessionResponse struct {
	EngineSessionID string  `msgpack:"engine_session_id"`
	TotalFrames     int     `msgpack:"total_frames"`
	FPS             float64 `msgpack:"fps"`
	Width           int     `msgpack:"width"`
	Height          int     `msgpack:"height"`
}

// StartVideoSession loads a video into engine memory
func (e *HTTPEngine) StartVideoSession(ctx context.Context, sourcePath, sessionID string) (string, models.VideoInfo, error) {
	var resp startSessionResponse
	if err := e.call(ctx, http.MethodPost, "/v1/video/sessions", startSessionRequest{SourcePath: sourcePath, SessionID: sessionID}, &resp); err != nil {
		return "", models.VideoInfo{}, err
	}

	info := models.VideoInfo{
		TotalFrames: resp.TotalFrames,
		FPS:         resp.FPS,
		Width:       resp.Width,
		Height:      resp.Height,
	}
	if info.FPS > 0 {
		info.DurationSeconds = float64(info.TotalFrames) / info.FPS
	}
	return resp.EngineSessionID, info, nil
}

func sessionPath(engineSessionID string) string {
	return "/v1/video/sessions/" + url.PathEscape(engineSessionID)
}

// AddPrompt adds prompts on one frame
func (e *HTTPEngine) AddPrompt(ctx context.Context, engineSessionID string, req models.AddPromptRequest) (*models.PromptResult, error) {
	var result models.PromptResult
	if err := e.call(ctx, http.MethodPost, sessionPath(engineSessionID)+"/prompts", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// RemoveObject stops tracking an object
func (e *HTTPEngine) RemoveObject(ctx context.Context, engineSessionID string, objectID int) error {
	return e.call(ctx, http.MethodDelete, fmt.Sprintf("%s/objects/%d", sessionPath(engineSessionID), objectID), nil, nil)
}

// ResetSession clears all prompts and tracked objects
func (e *HTTPEngine) ResetSession(ctx context.Context, engineSessionID string) error {
	return e.call(ctx, http.MethodPost, sessionPath(engineSessionID)+"/reset", nil, nil)
}

// CloseSession releases the engine session. Closing an unknown session is not an error.
func (e *HTTPEngine) CloseSession(ctx context.Context, engineSessionID string) error {
	err := e.call(ctx, http.MethodDelete, sessionPath(engineSessionID), nil, nil)
	if IsNotFound(err) {
		return nil
	}
	return err
}

// SessionInfo reports engine-side session statistics
func (e *HTTPEngine) SessionInfo(ctx context.Context, engineSessionID string) (*models.EngineSessionInfo, error) {
	var info models.EngineSessionInfo
	if err := e.call(ctx, http.MethodGet, sessionPath(engineSessionID), nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Info returns model information
func (e *HTTPEngine) Info(ctx context.Context) (*models.EngineInfo, error) {
	var info models.EngineInfo
	if err := e.call(ctx, http.MethodGet, "/v1/info", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// propagationRecord is one element of the propagation stream
type propagationRecord struct {
	Frame *models.FrameResult `msgpack:"frame"`
	Error string              `msgpack:"error"`
}

// Propagate opens a propagation stream. Frames are produced by the engine
// only as fast as the caller reads them (TCP flow control), and closing the
// iterator aborts the request.
func (e *HTTPEngine) Propagate(ctx context.Context, engineSessionID string, req models.PropagateRequest) (FrameIterator, error) {
	ctx, cancel := context.WithCancel(ctx)

	httpReq, err := e.newRequest(ctx, http.MethodPost, sessionPath(engineSessionID)+"/propagate", req)
	if err != nil {
		cancel()
		return nil, err
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("propagate: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("propagate: %w", readRemoteError(resp))
	}

	return &streamIterator{body: resp.Body, cancel: cancel}, nil
}

type streamIterator struct {
	body   io.ReadCloser
	cancel context.CancelFunc

	done      bool
	closeOnce sync.Once
	closeErr  error
}

func (it *streamIterator) Next() (models.FrameResult, error) {
	if it.done {
		return models.FrameResult{}, io.EOF
	}

	var rec propagationRecord
	if err := ReadFrame(it.body, &rec); err != nil {
		it.done = true
		if errors.Is(err, io.EOF) {
			return models.FrameResult{}, io.EOF
		}
		return models.FrameResult{}, fmt.Errorf("propagate stream: %w", err)
	}
	if rec.Error != "" {
		it.done = true
		return models.FrameResult{}, fmt.Errorf("propagate stream: %s", rec.Error)
	}
	if rec.Frame == nil {
		it.done = true
		return models.FrameResult{}, errors.New("propagate stream: empty record")
	}
	return *rec.Frame, nil
}

func (it *streamIterator) Close() error {
	it.closeOnce.Do(func() {
		it.cancel()
		it.closeErr = it.body.Close()
	})
	return it.closeErr
}
