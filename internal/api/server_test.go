package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mangrove/internal/config"
	"mangrove/internal/model"
	"mangrove/internal/progress"
	"mangrove/internal/queue"
	"mangrove/internal/repository"
	"mangrove/internal/signing"
)

type fakeChapters struct {
	chapters map[string]*model.Chapter
	exists   bool
}

func (f *fakeChapters) GetChapter(ctx context.Context, id string) (*model.Chapter, error) {
	if ch, ok := f.chapters[id]; ok {
		return ch, nil
	}
	return nil, repository.ErrNotFound
}

func (f *fakeChapters) ChapterExists(ctx context.Context, seriesID string, number float64) (bool, error) {
	return f.exists, nil
}

type fakeArchives struct {
	stored  map[string][]byte
	deleted []string
}

func (f *fakeArchives) StoreArchive(ctx context.Context, key string, r io.Reader, size int64) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if f.stored == nil {
		f.stored = map[string][]byte{}
	}
	f.stored[key] = data
	return nil
}

func (f *fakeArchives) DeleteArchive(ctx context.Context, key string) error {
	f.deleted = append(f.deleted, key)
	return nil
}

type fakePages struct {
	objects map[string][]byte
}

func (f *fakePages) GetObject(ctx context.Context, key string) ([]byte, error) {
	if data, ok := f.objects[key]; ok {
		return data, nil
	}
	return nil, fmt.Errorf("no such object %s", key)
}

type fakeEnqueuer struct {
	payloads []queue.ProcessChapterPayload
	fail     error
}

func (f *fakeEnqueuer) EnqueueProcessChapter(ctx context.Context, payload queue.ProcessChapterPayload) error {
	if f.fail != nil {
		return f.fail
	}
	f.payloads = append(f.payloads, payload)
	return nil
}

type testEnv struct {
	server   *Server
	handler  http.Handler
	tracker  *progress.Tracker
	chapters *fakeChapters
	archives *fakeArchives
	pages    *fakePages
	enqueue  *fakeEnqueuer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := &config.Config{
		Address:       ":0",
		MaxZipBytes:   10 << 20,
		SignedURLTTL:  5 * time.Minute,
		SigningSecret: []byte("test-secret"),
	}
	env := &testEnv{
		tracker:  progress.New(progress.NewSlogNotifier(log), log),
		chapters: &fakeChapters{chapters: map[string]*model.Chapter{}},
		archives: &fakeArchives{},
		pages:    &fakePages{objects: map[string][]byte{}},
		enqueue:  &fakeEnqueuer{},
	}
	env.server = New(cfg, env.tracker, env.chapters, env.archives, env.pages, env.enqueue,
		signing.NewSigner(cfg.SigningSecret), nil, log)
	env.handler = env.server.routes()
	return env
}

func zipBytes() []byte {
	data := make([]byte, 64)
	copy(data, []byte("PK\x03\x04"))
	return data
}

func multipartUpload(t *testing.T, fields map[string]string, archive []byte) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if archive != nil {
		part, err := mw.CreateFormFile("archive", "chapter.cbz")
		require.NoError(t, err)
		_, err = part.Write(archive)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &body, mw.FormDataContentType()
}

func validFields() map[string]string {
	return map[string]string{
		"series_id":      "series-1",
		"series_name":    "One Piece",
		"chapter_number": "3",
		"title":          "Chapter 3",
	}
}

func postUpload(t *testing.T, env *testEnv, fields map[string]string, archive []byte) *httptest.ResponseRecorder {
	t.Helper()
	body, contentType := multipartUpload(t, fields, archive)
	req := httptest.NewRequest(http.MethodPost, "/uploads", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	return rec
}

func TestUploadAccepted(t *testing.T) {
	env := newTestEnv(t)
	rec := postUpload(t, env, validFields(), zipBytes())
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	jobID := resp["jobId"]
	require.NotEmpty(t, jobID)

	job, ok := env.tracker.Get(jobID)
	require.True(t, ok)
	assert.Equal(t, model.StatusUploading, job.Status)
	assert.Equal(t, "series-1", job.SeriesID)
	assert.Equal(t, float64(3), job.ChapterNumber)

	require.Len(t, env.enqueue.payloads, 1)
	payload := env.enqueue.payloads[0]
	assert.Equal(t, jobID, payload.JobID)
	assert.Equal(t, "one-piece", payload.SeriesSlug)
	assert.Equal(t, "uploads/"+jobID+".zip", payload.ArchiveKey)
	assert.Contains(t, env.archives.stored, payload.ArchiveKey)
}

func TestUploadFieldValidation(t *testing.T) {
	env := newTestEnv(t)

	noSeries := validFields()
	delete(noSeries, "series_id")
	assert.Equal(t, http.StatusBadRequest, postUpload(t, env, noSeries, zipBytes()).Code)

	badNumber := validFields()
	badNumber["chapter_number"] = "three"
	assert.Equal(t, http.StatusBadRequest, postUpload(t, env, badNumber, zipBytes()).Code)

	negative := validFields()
	negative["chapter_number"] = "-1"
	assert.Equal(t, http.StatusBadRequest, postUpload(t, env, negative, zipBytes()).Code)

	assert.Equal(t, http.StatusBadRequest, postUpload(t, env, validFields(), nil).Code)
	assert.Empty(t, env.enqueue.payloads)
}

func TestUploadRejectsNonZip(t *testing.T) {
	env := newTestEnv(t)
	rec := postUpload(t, env, validFields(), []byte("GIF89a definitely not a zip archive"))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "validation_failed", resp["kind"])
	assert.Empty(t, env.enqueue.payloads)
}

func TestUploadDuplicatePreCheck(t *testing.T) {
	env := newTestEnv(t)
	env.chapters.exists = true
	rec := postUpload(t, env, validFields(), zipBytes())
	require.Equal(t, http.StatusConflict, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "duplicate_chapter", resp["kind"])
}

func TestUploadEnqueueFailureCleansUp(t *testing.T) {
	env := newTestEnv(t)
	env.enqueue.fail = fmt.Errorf("redis down")
	rec := postUpload(t, env, validFields(), zipBytes())
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	// The spooled archive must not be orphaned.
	require.Len(t, env.archives.deleted, 1)
}

func TestUploadStatusAndCancel(t *testing.T) {
	env := newTestEnv(t)
	rec := postUpload(t, env, validFields(), zipBytes())
	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	jobID := resp["jobId"]

	statusReq := httptest.NewRequest(http.MethodGet, "/uploads/"+jobID, nil)
	statusRec := httptest.NewRecorder()
	env.handler.ServeHTTP(statusRec, statusReq)
	require.Equal(t, http.StatusOK, statusRec.Code)

	missing := httptest.NewRecorder()
	env.handler.ServeHTTP(missing, httptest.NewRequest(http.MethodGet, "/uploads/nope", nil))
	assert.Equal(t, http.StatusNotFound, missing.Code)

	cancel := httptest.NewRecorder()
	env.handler.ServeHTTP(cancel, httptest.NewRequest(http.MethodPost, "/uploads/"+jobID+"/cancel", nil))
	assert.Equal(t, http.StatusAccepted, cancel.Code)
	assert.True(t, env.tracker.Aborted(jobID))

	// Once terminal, cancel conflicts.
	done := model.StatusComplete
	env.tracker.Update(jobID, progress.Patch{Status: &done})
	late := httptest.NewRecorder()
	env.handler.ServeHTTP(late, httptest.NewRequest(http.MethodPost, "/uploads/"+jobID+"/cancel", nil))
	assert.Equal(t, http.StatusConflict, late.Code)
}

func TestChapterEndpoints(t *testing.T) {
	env := newTestEnv(t)
	env.chapters.chapters["ch-1"] = &model.Chapter{
		ID:         "ch-1",
		SeriesID:   "series-1",
		Number:     3,
		Pages:      []string{"one-piece-ch3-page001.jpg", "one-piece-ch3-page002.jpg"},
		TotalPages: 2,
	}

	ok := httptest.NewRecorder()
	env.handler.ServeHTTP(ok, httptest.NewRequest(http.MethodGet, "/chapters/ch-1", nil))
	require.Equal(t, http.StatusOK, ok.Code)
	var chapter model.Chapter
	require.NoError(t, json.Unmarshal(ok.Body.Bytes(), &chapter))
	assert.Equal(t, "ch-1", chapter.ID)

	missing := httptest.NewRecorder()
	env.handler.ServeHTTP(missing, httptest.NewRequest(http.MethodGet, "/chapters/nope", nil))
	assert.Equal(t, http.StatusNotFound, missing.Code)
}

func TestPageURLsRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	env.chapters.chapters["ch-1"] = &model.Chapter{
		ID:         "ch-1",
		Pages:      []string{"one-piece-ch3-page001.jpg"},
		TotalPages: 1,
	}
	env.pages.objects["one-piece-ch3-page001.jpg"] = []byte("jpeg-bytes")

	list := httptest.NewRecorder()
	env.handler.ServeHTTP(list, httptest.NewRequest(http.MethodGet, "/chapters/ch-1/pages", nil))
	require.Equal(t, http.StatusOK, list.Code)

	var resp struct {
		Pages []struct {
			Position int    `json:"position"`
			Key      string `json:"key"`
			URL      string `json:"url"`
		} `json:"pages"`
	}
	require.NoError(t, json.Unmarshal(list.Body.Bytes(), &resp))
	require.Len(t, resp.Pages, 1)
	assert.Equal(t, 1, resp.Pages[0].Position)

	// The signed URL it handed out must actually serve the page.
	page := httptest.NewRecorder()
	env.handler.ServeHTTP(page, httptest.NewRequest(http.MethodGet, resp.Pages[0].URL, nil))
	require.Equal(t, http.StatusOK, page.Code)
	assert.Equal(t, "jpeg-bytes", page.Body.String())
	assert.Equal(t, "image/jpeg", page.Header().Get("Content-Type"))

	// Tampered signature is rejected.
	tampered := httptest.NewRecorder()
	env.handler.ServeHTTP(tampered, httptest.NewRequest(http.MethodGet, resp.Pages[0].URL+"0", nil))
	assert.Equal(t, http.StatusForbidden, tampered.Code)

	// Expired link is rejected even with a valid signature.
	expired := time.Now().Add(-time.Hour).Unix()
	sig := signing.NewSigner([]byte("test-secret")).Sign("one-piece-ch3-page001.jpg", expired)
	staleURL := fmt.Sprintf("/pages/one-piece-ch3-page001.jpg?expires=%d&sig=%s", expired, sig)
	stale := httptest.NewRecorder()
	env.handler.ServeHTTP(stale, httptest.NewRequest(http.MethodGet, staleURL, nil))
	assert.Equal(t, http.StatusForbidden, stale.Code)
}
