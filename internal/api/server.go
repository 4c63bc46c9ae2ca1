// Package api exposes the HTTP surface: upload acceptance with fast
// pre-checks, job status/cancel, and chapter/page reads. All archive
// processing is asynchronous; the upload handler only spools, validates
// cheaply, and enqueues.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"mangrove/internal/config"
	"mangrove/internal/ingest"
	"mangrove/internal/model"
	"mangrove/internal/progress"
	"mangrove/internal/queue"
	"mangrove/internal/repository"
	"mangrove/internal/signing"
)

// ChapterReader is the chapter read/pre-check slice of the repository.
type ChapterReader interface {
	GetChapter(ctx context.Context, id string) (*model.Chapter, error)
	ChapterExists(ctx context.Context, seriesID string, number float64) (bool, error)
}

// ArchiveSink accepts spooled raw archives.
type ArchiveSink interface {
	StoreArchive(ctx context.Context, key string, r io.Reader, size int64) error
	DeleteArchive(ctx context.Context, key string) error
}

// PageSource serves published page bytes.
type PageSource interface {
	GetObject(ctx context.Context, key string) ([]byte, error)
}

// Presigner is optionally implemented by object-store backends; when
// available, page URLs point straight at the store instead of through
// /pages.
type Presigner interface {
	PresignPage(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// Enqueuer hands accepted uploads to the background pipeline.
type Enqueuer interface {
	EnqueueProcessChapter(ctx context.Context, payload queue.ProcessChapterPayload) error
}

// Server exposes the HTTP endpoints.
type Server struct {
	cfg            *config.Config
	tracker        *progress.Tracker
	chapters       ChapterReader
	archives       ArchiveSink
	pages          PageSource
	enqueue        Enqueuer
	signer         *signing.Signer
	metricsHandler http.Handler
	log            *slog.Logger
	server         *http.Server
	once           sync.Once
}

// New constructs a Server.
func New(cfg *config.Config, tracker *progress.Tracker, chapters ChapterReader, archives ArchiveSink, pages PageSource, enqueue Enqueuer, signer *signing.Signer, metricsHandler http.Handler, log *slog.Logger) *Server {
	return &Server{
		cfg:            cfg,
		tracker:        tracker,
		chapters:       chapters,
		archives:       archives,
		pages:          pages,
		enqueue:        enqueue,
		signer:         signer,
		metricsHandler: metricsHandler,
		log:            log,
	}
}

// routes builds the request mux.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	if s.metricsHandler != nil {
		mux.Handle("/metrics", s.metricsHandler)
	}
	mux.HandleFunc("/uploads", s.handleUploads)
	mux.HandleFunc("/uploads/", s.handleUploadRoute)
	mux.HandleFunc("/chapters/", s.handleChapterRoute)
	mux.HandleFunc("/pages/", s.handlePage)
	return loggingMiddleware(s.log, mux)
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.once.Do(func() {
		s.server = &http.Server{
			Addr:    s.cfg.Address,
			Handler: s.routes(),
		}
	})
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()
	s.log.Info("api listening", "address", s.cfg.Address)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleUploads(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.handleBeginUpload(w, r)
}

func (s *Server) handleUploadRoute(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/uploads/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	id := parts[0]
	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		s.handleUploadStatus(w, r, id)
	case len(parts) == 2 && parts[1] == "cancel" && r.Method == http.MethodPost:
		s.handleCancelUpload(w, r, id)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleChapterRoute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/chapters/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	id := parts[0]
	if len(parts) == 1 {
		s.handleChapter(w, r, id)
		return
	}
	if len(parts) == 2 && parts[1] == "pages" {
		s.handleChapterPages(w, r, id)
		return
	}
	http.NotFound(w, r)
}

// handleBeginUpload runs the fast synchronous pre-checks, spools the
// archive, and hands off. It never touches the extraction pipeline.
func (s *Server) handleBeginUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxZipBytes+64*1024)
	mr, err := r.MultipartReader()
	if err != nil {
		respondError(w, http.StatusBadRequest, "expecting multipart form", "")
		return
	}

	form, tmp, err := s.readUploadForm(mr)
	if tmp != nil {
		defer os.Remove(tmp.path)
		defer tmp.f.Close()
	}
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error(), "")
		return
	}
	meta, err := form.validate()
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error(), "")
		return
	}
	if tmp == nil || tmp.size == 0 {
		respondError(w, http.StatusBadRequest, "missing archive file", "")
		return
	}
	if !isZipSignature(tmp.sniff) {
		werr := &ingest.Error{Kind: ingest.KindValidationFailed, Message: "upload is not a ZIP archive", Hint: "upload a ZIP or CBZ archive"}
		respondError(w, statusForKind(werr.Kind), werr.Hint, string(werr.Kind))
		return
	}
	if tmp.size > s.cfg.MaxZipBytes {
		werr := &ingest.Error{Kind: ingest.KindSecurityViolation, Message: "archive exceeds upload size cap", Hint: fmt.Sprintf("archives are limited to %d MB", s.cfg.MaxZipBytes>>20)}
		respondError(w, statusForKind(werr.Kind), werr.Hint, string(werr.Kind))
		return
	}

	exists, err := s.chapters.ChapterExists(ctx, meta.SeriesID, meta.Number)
	if err != nil {
		s.log.Error("chapter pre-check failed", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to verify chapter number", "")
		return
	}
	if exists {
		respondError(w, statusForKind(ingest.KindDuplicateChapter), "a chapter with this number already exists; please choose a different chapter number", string(ingest.KindDuplicateChapter))
		return
	}

	jobID := uuid.NewString()
	archiveKey := fmt.Sprintf("uploads/%s.zip", jobID)
	if _, err := tmp.f.Seek(0, io.SeekStart); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to store archive", "")
		return
	}
	if err := s.archives.StoreArchive(ctx, archiveKey, tmp.f, tmp.size); err != nil {
		s.log.Error("store raw archive failed", "jobId", jobID, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to store archive", "")
		return
	}

	s.tracker.Init(jobID, meta.SeriesID, meta.Number)
	uploading := model.StatusUploading
	percent := 10
	message := "archive received, queued for processing"
	s.tracker.Update(jobID, progress.Patch{Status: &uploading, Progress: &percent, Message: &message, BytesUploaded: &tmp.size})

	payload := queue.ProcessChapterPayload{
		JobID:         jobID,
		SeriesID:      meta.SeriesID,
		SeriesSlug:    meta.SeriesSlug,
		ChapterNumber: meta.Number,
		Title:         meta.Title,
		ArchiveKey:    archiveKey,
	}
	if err := s.enqueue.EnqueueProcessChapter(ctx, payload); err != nil {
		s.log.Error("enqueue failed", "jobId", jobID, "error", err)
		if derr := s.archives.DeleteArchive(context.WithoutCancel(ctx), archiveKey); derr != nil {
			s.log.Warn("orphaned raw archive", "key", archiveKey, "error", derr)
		}
		failed := model.StatusError
		failMsg := "failed to queue processing"
		s.tracker.Update(jobID, progress.Patch{Status: &failed, Message: &failMsg})
		respondError(w, http.StatusInternalServerError, "failed to queue processing", "")
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]string{
		"jobId":     jobID,
		"status":    string(model.StatusUploading),
		"statusUrl": "/uploads/" + jobID,
	})
}

func (s *Server) handleUploadStatus(w http.ResponseWriter, r *http.Request, id string) {
	job, ok := s.tracker.Get(id)
	if !ok {
		respondError(w, http.StatusNotFound, "upload job not found", "")
		return
	}
	respondJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelUpload(w http.ResponseWriter, r *http.Request, id string) {
	job, ok := s.tracker.Get(id)
	if !ok {
		respondError(w, http.StatusNotFound, "upload job not found", "")
		return
	}
	if job.Status.Terminal() {
		respondError(w, http.StatusConflict, "upload already finished", "")
		return
	}
	if !s.tracker.Cancel(id) {
		respondError(w, http.StatusConflict, "upload already finished", "")
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"jobId": id, "status": "cancelling"})
}

func (s *Server) handleChapter(w http.ResponseWriter, r *http.Request, id string) {
	chapter, err := s.chapters.GetChapter(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			respondError(w, http.StatusNotFound, "chapter not found", "")
			return
		}
		s.log.Error("load chapter failed", "chapterId", id, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to load chapter", "")
		return
	}
	respondJSON(w, http.StatusOK, chapter)
}

func (s *Server) handleChapterPages(w http.ResponseWriter, r *http.Request, id string) {
	chapter, err := s.chapters.GetChapter(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			respondError(w, http.StatusNotFound, "chapter not found", "")
			return
		}
		s.log.Error("load chapter failed", "chapterId", id, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to load chapter", "")
		return
	}

	type pageURL struct {
		Position int    `json:"position"`
		Key      string `json:"key"`
		URL      string `json:"url"`
	}
	expires := time.Now().Add(s.cfg.SignedURLTTL).Unix()
	out := make([]pageURL, len(chapter.Pages))
	presigner, canPresign := s.pages.(Presigner)
	for i, key := range chapter.Pages {
		var pageHref string
		if canPresign {
			pageHref, err = presigner.PresignPage(r.Context(), key, s.cfg.SignedURLTTL)
			if err != nil {
				s.log.Error("presign page failed", "key", key, "error", err)
				respondError(w, http.StatusInternalServerError, "failed to generate page urls", "")
				return
			}
		} else {
			sig := s.signer.Sign(key, expires)
			pageHref = fmt.Sprintf("/pages/%s?expires=%d&sig=%s", url.PathEscape(key), expires, sig)
		}
		out[i] = pageURL{Position: i + 1, Key: key, URL: pageHref}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"chapterId":             chapter.ID,
		"totalPages":            chapter.TotalPages,
		"requiresManualReorder": chapter.RequiresManualReorder,
		"pages":                 out,
	})
}

func (s *Server) handlePage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	key := strings.TrimPrefix(r.URL.Path, "/pages/")
	if key == "" || strings.Contains(key, "/") {
		http.NotFound(w, r)
		return
	}
	expires := r.URL.Query().Get("expires")
	sig := r.URL.Query().Get("sig")
	exp, err := strconv.ParseInt(expires, 10, 64)
	if err != nil || time.Now().Unix() > exp {
		respondError(w, http.StatusForbidden, "link expired", "")
		return
	}
	if !s.signer.Validate(key, expires, sig) {
		respondError(w, http.StatusForbidden, "invalid signature", "")
		return
	}
	data, err := s.pages.GetObject(r.Context(), key)
	if err != nil {
		respondError(w, http.StatusNotFound, "page not found", "")
		return
	}
	w.Header().Set("Content-Type", contentTypeForKey(key))
	w.Header().Set("Cache-Control", "private, max-age=300")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// uploadForm carries the metadata fields of the multipart request.
type uploadForm struct {
	seriesID      string
	seriesName    string
	chapterNumber string
	title         string
}

type chapterMetaInput struct {
	SeriesID   string
	SeriesSlug string
	Number     float64
	Title      string
}

func (f *uploadForm) validate() (chapterMetaInput, error) {
	seriesID := strings.TrimSpace(f.seriesID)
	if seriesID == "" || len(seriesID) > 64 {
		return chapterMetaInput{}, errors.New("series_id is required and must be at most 64 characters")
	}
	number, err := strconv.ParseFloat(strings.TrimSpace(f.chapterNumber), 64)
	if err != nil || number < 0 || number > 100000 {
		return chapterMetaInput{}, errors.New("chapter_number must be a number between 0 and 100000")
	}
	title := strings.TrimSpace(f.title)
	if len(title) > 200 {
		return chapterMetaInput{}, errors.New("title must be at most 200 characters")
	}
	if title == "" {
		title = "Chapter " + ingest.FormatChapterNumber(number)
	}
	name := strings.TrimSpace(f.seriesName)
	if len(name) > 120 {
		return chapterMetaInput{}, errors.New("series_name must be at most 120 characters")
	}
	if name == "" {
		name = seriesID
	}
	return chapterMetaInput{
		SeriesID:   seriesID,
		SeriesSlug: ingest.SlugifySeriesName(name),
		Number:     number,
		Title:      title,
	}, nil
}

type tempUpload struct {
	f     *os.File
	path  string
	size  int64
	sniff []byte
}

// readUploadForm walks the multipart parts, spooling the archive to a temp
// file and collecting the small metadata fields.
func (s *Server) readUploadForm(mr *multipart.Reader) (*uploadForm, *tempUpload, error) {
	form := &uploadForm{}
	var tmp *tempUpload
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return form, tmp, fmt.Errorf("read multipart form: %w", err)
		}
		switch part.FormName() {
		case "series_id":
			form.seriesID, err = readField(part)
		case "series_name":
			form.seriesName, err = readField(part)
		case "chapter_number":
			form.chapterNumber, err = readField(part)
		case "title":
			form.title, err = readField(part)
		case "archive":
			if tmp != nil {
				part.Close()
				return form, tmp, errors.New("multiple archive parts")
			}
			tmp, err = s.spoolArchive(part)
		default:
			_, _ = io.Copy(io.Discard, part)
		}
		part.Close()
		if err != nil {
			return form, tmp, err
		}
	}
	return form, tmp, nil
}

func readField(part *multipart.Part) (string, error) {
	data, err := io.ReadAll(io.LimitReader(part, 1024))
	if err != nil {
		return "", fmt.Errorf("read form field %s: %w", part.FormName(), err)
	}
	return string(data), nil
}

// spoolArchive streams the archive part to a temp file, keeping a sniff
// buffer for the ZIP signature check and enforcing the size cap as bytes
// arrive rather than after.
func (s *Server) spoolArchive(part *multipart.Part) (*tempUpload, error) {
	tmpFile, err := os.CreateTemp("", "mangrove-upload-*.zip")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	cleanup := func() {
		tmpFile.Close()
		os.Remove(tmpFile.Name())
	}
	var sniff []byte
	buf := make([]byte, 32*1024)
	var written int64
	for {
		n, readErr := part.Read(buf)
		if n > 0 {
			written += int64(n)
			if written > s.cfg.MaxZipBytes {
				cleanup()
				return nil, fmt.Errorf("archive exceeds limit of %d MB", s.cfg.MaxZipBytes>>20)
			}
			if len(sniff) < 8 {
				chunk := n
				if remain := 8 - len(sniff); chunk > remain {
					chunk = remain
				}
				sniff = append(sniff, buf[:chunk]...)
			}
			if _, err := tmpFile.Write(buf[:n]); err != nil {
				cleanup()
				return nil, fmt.Errorf("write temp file: %w", err)
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			cleanup()
			return nil, fmt.Errorf("read archive: %w", readErr)
		}
	}
	if written == 0 {
		cleanup()
		return nil, errors.New("empty archive")
	}
	return &tempUpload{f: tmpFile, path: tmpFile.Name(), size: written, sniff: sniff}, nil
}

func isZipSignature(sniff []byte) bool {
	return len(sniff) >= 4 && sniff[0] == 'P' && sniff[1] == 'K' && sniff[2] == 0x03 && sniff[3] == 0x04
}

// statusForKind maps the closed error taxonomy to HTTP statuses. The
// switch is exhaustive on purpose: a new kind must be placed here
// deliberately.
func statusForKind(kind ingest.Kind) int {
	switch kind {
	case ingest.KindSecurityViolation, ingest.KindValidationFailed:
		return http.StatusBadRequest
	case ingest.KindDuplicateChapter:
		return http.StatusConflict
	case ingest.KindExtractionFailed, ingest.KindStoreWriteFailed, ingest.KindStallTimeout, ingest.KindCommitInconsistency:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

func contentTypeForKey(key string) string {
	switch {
	case strings.HasSuffix(key, ".jpg"), strings.HasSuffix(key, ".jpeg"):
		return "image/jpeg"
	case strings.HasSuffix(key, ".png"):
		return "image/png"
	case strings.HasSuffix(key, ".webp"):
		return "image/webp"
	case strings.HasSuffix(key, ".gif"):
		return "image/gif"
	case strings.HasSuffix(key, ".avif"):
		return "image/avif"
	case strings.HasSuffix(key, ".bmp"):
		return "image/bmp"
	case strings.HasSuffix(key, ".tiff"), strings.HasSuffix(key, ".tif"):
		return "image/tiff"
	default:
		return "application/octet-stream"
	}
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message, kind string) {
	body := map[string]string{"error": message}
	if kind != "" {
		body["kind"] = kind
	}
	respondJSON(w, status, body)
}

func loggingMiddleware(log *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Debug("http request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}
