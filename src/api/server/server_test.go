package server

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/go-resty/resty/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bbernhard/caption-playground/src/captioner"
	"github.com/bbernhard/caption-playground/src/commons"
	"github.com/bbernhard/caption-playground/src/datastructures"
)

type fakeCaptioner struct {
	caption string
	err     error

	mu     sync.Mutex
	calls  int
	params captioner.Params
}

func (f *fakeCaptioner) Caption(ctx context.Context, img image.Image, params captioner.Params) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.params = params
	return f.caption, f.err
}

func (f *fakeCaptioner) ModelInfo() datastructures.ModelInfo {
	return datastructures.ModelInfo{Name: "blip-test", Build: 1}
}

type testEnv struct {
	url        string
	client     *resty.Client
	queue      *commons.JobQueue
	uploadsDir string
}

func newTestEnv(t *testing.T, c captioner.Captioner) *testEnv {
	return newReportingTestEnv(t, c, nil)
}

func newReportingTestEnv(t *testing.T, c captioner.Captioner, report func(error, map[string]string)) *testEnv {
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	pool := commons.NewRedisPool(mr.Addr(), 5)
	t.Cleanup(func() { pool.Close() })
	queue := commons.NewJobQueue(pool)

	uploadsDir := t.TempDir()
	opts := Options{
		Queue:      queue,
		Limits:     captioner.DefaultLimits(),
		UploadsDir: uploadsDir,
		Report:     report,
	}
	if c != nil {
		opts.Captioner = c
	}
	ts := httptest.NewServer(New(opts).Router())
	t.Cleanup(ts.Close)

	return &testEnv{
		url:        ts.URL,
		client:     resty.New(),
		queue:      queue,
		uploadsDir: uploadsDir,
	}
}

func pngBytes(t *testing.T) []byte {
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, color.RGBA{R: 40, G: 160, B: 40, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func (e *testEnv) postImage(t *testing.T, path string, img []byte, form map[string]string) *resty.Response {
	req := e.client.R()
	if img != nil {
		req.SetFileReader("image", "upload.png", bytes.NewReader(img))
	} else {
		// force a multipart body without the image part
		req.SetMultipartFormData(map[string]string{"max_tokens": "50"})
	}
	if form != nil {
		req.SetMultipartFormData(form)
	}
	resp, err := req.Post(e.url + path)
	require.NoError(t, err)
	return resp
}

func TestInfo(t *testing.T) {
	env := newTestEnv(t, &fakeCaptioner{})

	var res struct {
		Limits    datastructures.CaptionLimits `json:"limits"`
		ModelInfo datastructures.ModelInfo     `json:"model_info"`
	}
	resp, err := env.client.R().SetResult(&res).Get(env.url + "/v1/info")
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode())
	assert.Equal(t, datastructures.Range{Min: 20, Max: 100, Default: 50}, res.Limits.MaxTokens)
	assert.Equal(t, datastructures.Range{Min: 1, Max: 10, Default: 5}, res.Limits.BeamWidth)
	assert.Equal(t, "blip-test", res.ModelInfo.Name)
}

func TestCaptionUsesDefaults(t *testing.T) {
	fake := &fakeCaptioner{caption: "A dog running on grass."}
	env := newTestEnv(t, fake)

	var res datastructures.CaptionMeResult
	resp, err := env.client.R().
		SetFileReader("image", "upload.png", bytes.NewReader(pngBytes(t))).
		SetResult(&res).
		Post(env.url + "/v1/caption")
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode())
	assert.Equal(t, "A dog running on grass.", res.Caption)
	assert.Equal(t, datastructures.CaptionParams{MaxTokens: 50, BeamWidth: 5}, res.Params)
	assert.Equal(t, "blip-test", res.ModelInfo.Name)
	assert.Equal(t, captioner.Params{MaxTokens: 50, BeamWidth: 5}, fake.params)
}

func TestCaptionUsesFormParams(t *testing.T) {
	fake := &fakeCaptioner{caption: "A cat."}
	env := newTestEnv(t, fake)

	resp := env.postImage(t, "/v1/caption", pngBytes(t), map[string]string{"max_tokens": "30", "beam_width": "3"})
	assert.Equal(t, 200, resp.StatusCode())
	assert.Equal(t, captioner.Params{MaxTokens: 30, BeamWidth: 3}, fake.params)
}

func TestCaptionRejectsBadParams(t *testing.T) {
	fake := &fakeCaptioner{caption: "A cat."}
	env := newTestEnv(t, fake)

	for _, form := range []map[string]string{
		{"max_tokens": "500"},
		{"max_tokens": "0"},
		{"beam_width": "11"},
		{"beam_width": "many"},
	} {
		resp := env.postImage(t, "/v1/caption", pngBytes(t), form)
		assert.Equal(t, 400, resp.StatusCode(), "%v", form)
	}
	assert.Equal(t, 0, fake.calls)
}

func TestCaptionRejectsBadUploads(t *testing.T) {
	fake := &fakeCaptioner{caption: "A cat."}
	env := newTestEnv(t, fake)

	resp := env.postImage(t, "/v1/caption", nil, nil)
	assert.Equal(t, 400, resp.StatusCode())

	resp = env.postImage(t, "/v1/caption", []byte("definitely not an image"), nil)
	assert.Equal(t, 400, resp.StatusCode())
	assert.Contains(t, resp.String(), "invalid image")

	assert.Equal(t, 0, fake.calls)
}

func TestCaptionErrorStatus(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{captioner.ErrInferenceFailed, 500},
		{captioner.ErrModelUnavailable, 503},
		{captioner.ErrInvalidImage, 400},
	}
	for _, tt := range tests {
		env := newTestEnv(t, &fakeCaptioner{err: tt.err})
		resp := env.postImage(t, "/v1/caption", pngBytes(t), nil)
		assert.Equal(t, tt.status, resp.StatusCode(), tt.err.Error())
	}
}

func TestCaptionWithoutModel(t *testing.T) {
	env := newTestEnv(t, nil)
	resp := env.postImage(t, "/v1/caption", pngBytes(t), nil)
	assert.Equal(t, 503, resp.StatusCode())
}

func TestCaptionJobFlow(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := env.postImage(t, "/v1/caption/jobs", pngBytes(t), map[string]string{"max_tokens": "40"})
	require.Equal(t, 202, resp.StatusCode())
	uuid := resp.Header().Get("Location")
	require.NotEmpty(t, uuid)

	job, err := env.queue.Pop()
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, uuid, job.Uuid)
	assert.Equal(t, filepath.Join(env.uploadsDir, uuid), job.Filename)
	assert.Equal(t, datastructures.CaptionParams{MaxTokens: 40, BeamWidth: 5}, job.Params)
	_, err = os.Stat(job.Filename)
	assert.NoError(t, err)

	resp, err = env.client.R().Get(env.url + "/v1/caption/jobs/" + uuid)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode())
	assert.JSONEq(t, `{}`, resp.String())

	resp, err = env.client.R().Get(env.url + "/v1/caption/jobs/" + uuid + "/download")
	require.NoError(t, err)
	assert.Equal(t, 404, resp.StatusCode())

	require.NoError(t, env.queue.StoreResult(datastructures.CaptionJobResult{
		Uuid:    uuid,
		Caption: "A green square.",
		Params:  job.Params,
	}))

	var res datastructures.CaptionJobResult
	resp, err = env.client.R().SetResult(&res).Get(env.url + "/v1/caption/jobs/" + uuid)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode())
	assert.Equal(t, "A green square.", res.Caption)

	resp, err = env.client.R().Get(env.url + "/v1/caption/jobs/" + uuid + "/download")
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode())
	assert.Equal(t, "A green square.", resp.String())
	assert.Equal(t, captioner.ExportContentType, resp.Header().Get("Content-Type"))
	assert.Contains(t, resp.Header().Get("Content-Disposition"), "ai_description.txt")
}

func TestCaptionJobFailedResultHasNoDownload(t *testing.T) {
	env := newTestEnv(t, nil)
	require.NoError(t, env.queue.StoreResult(datastructures.CaptionJobResult{
		Uuid:  "failed",
		Error: captioner.ErrInvalidImage.Error(),
	}))

	resp, err := env.client.R().Get(env.url + "/v1/caption/jobs/failed/download")
	require.NoError(t, err)
	assert.Equal(t, 404, resp.StatusCode())
}

func TestCaptionJobRejectsBadParams(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := env.postImage(t, "/v1/caption/jobs", pngBytes(t), map[string]string{"beam_width": "0"})
	assert.Equal(t, 400, resp.StatusCode())

	job, err := env.queue.Pop()
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestCorsExposesLocation(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, err := env.client.R().
		SetHeader("Origin", "http://playground.example").
		SetFileReader("image", "upload.png", bytes.NewReader(pngBytes(t))).
		Post(env.url + "/v1/caption/jobs")
	require.NoError(t, err)
	assert.Equal(t, 202, resp.StatusCode())
	assert.Equal(t, "*", resp.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header().Get("Access-Control-Expose-Headers"), "Location")
}

type reports struct {
	mu   sync.Mutex
	errs []error
}

func (r *reports) report(err error, tags map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *reports) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errs)
}

func TestCanceledCaptionIsNotReported(t *testing.T) {
	var r reports
	env := newReportingTestEnv(t, &fakeCaptioner{err: context.Canceled}, r.report)
	env.postImage(t, "/v1/caption", pngBytes(t), nil)
	assert.Equal(t, 0, r.count())

	env = newReportingTestEnv(t, &fakeCaptioner{err: fmt.Errorf("%w: session closed", captioner.ErrInferenceFailed)}, r.report)
	resp := env.postImage(t, "/v1/caption", pngBytes(t), nil)
	assert.Equal(t, 500, resp.StatusCode())
	require.Equal(t, 1, r.count())
	assert.ErrorIs(t, r.errs[0], captioner.ErrInferenceFailed)
}
