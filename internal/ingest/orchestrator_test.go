package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mangrove/internal/model"
)

type fakeBlobs struct {
	mu        sync.Mutex
	objects   map[string][]byte
	failAtPut int // 1-based put index that fails; 0 disables
	puts      int
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{objects: map[string][]byte{}}
}

func (f *fakeBlobs) PutObject(ctx context.Context, key string, data []byte, contentType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts++
	if f.failAtPut > 0 && f.puts == f.failAtPut {
		return errors.New("injected put failure")
	}
	f.objects[key] = data
	return nil
}

func (f *fakeBlobs) DeleteObject(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	return nil
}

func (f *fakeBlobs) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (f *fakeBlobs) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.objects)
}

type fakeChapters struct {
	mu         sync.Mutex
	created    []*model.Chapter
	deleted    []string
	failCreate error
}

func (f *fakeChapters) ChapterExists(ctx context.Context, seriesID string, number float64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.created {
		if ch.SeriesID == seriesID && ch.Number == number {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeChapters) CreateChapter(ctx context.Context, ch *model.Chapter) (*model.Chapter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreate != nil {
		return nil, f.failCreate
	}
	for _, existing := range f.created {
		if existing.SeriesID == ch.SeriesID && existing.Number == ch.Number {
			return nil, fmt.Errorf("insert chapter: %w", ErrDuplicateChapter)
		}
	}
	f.created = append(f.created, ch)
	return ch, nil
}

func (f *fakeChapters) DeleteChapter(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}

type fakeJobs struct {
	mu      sync.Mutex
	phases  []model.JobStatus
	abortOn model.JobStatus // mark cancelled when this phase is reported
	aborted bool
}

func (f *fakeJobs) SetPhase(jobID string, status model.JobStatus, percent int, message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.phases = append(f.phases, status)
	if f.abortOn != "" && status == f.abortOn {
		f.aborted = true
	}
}

func (f *fakeJobs) SetPageProgress(jobID string, currentFile string, done, total int) {}

func (f *fakeJobs) Aborted(jobID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.aborted
}

func testMeta() ChapterMeta {
	return ChapterMeta{SeriesID: "series-1", SeriesSlug: "one-piece", Number: 3, Title: "Chapter 3"}
}

func newTestOrchestrator(blobs BlobStore, chapters ChapterStore, jobs JobControl) *Orchestrator {
	extractor := NewExtractor(DefaultLimits(), testLogger())
	return NewOrchestrator(extractor, blobs, chapters, jobs, testLogger())
}

func TestOrchestratorPublishesChapter(t *testing.T) {
	r := buildZip(t, []zipEntry{
		{"3.jpg", jpegPayload(64)},
		{"1.jpg", jpegPayload(64)},
		{"2.png", pngPayload(64)},
	})
	blobs := newFakeBlobs()
	chapters := &fakeChapters{}
	jobs := &fakeJobs{}

	chapter, err := newTestOrchestrator(blobs, chapters, jobs).Run(context.Background(), "job-1", r, r.Size(), testMeta())
	require.NoError(t, err)

	assert.Equal(t, 3, chapter.TotalPages)
	require.Len(t, chapter.Pages, 3)
	assert.Equal(t, "one-piece-ch3-page001.jpg", chapter.Pages[0])
	assert.Equal(t, "one-piece-ch3-page002.png", chapter.Pages[1])
	assert.Equal(t, "one-piece-ch3-page003.jpg", chapter.Pages[2])
	assert.Equal(t, chapter.Pages[0], chapter.CoverImageKey)
	assert.Equal(t, 1.0, chapter.OrderingConfidence)
	assert.False(t, chapter.RequiresManualReorder)
	assert.NotEmpty(t, chapter.ID)

	assert.Equal(t, 3, blobs.count())
	require.Len(t, chapters.created, 1)
	assert.Equal(t, model.StatusComplete, jobs.phases[len(jobs.phases)-1])
}

func TestOrchestratorCompensatesFailedPageWrite(t *testing.T) {
	r := buildZip(t, []zipEntry{
		{"1.jpg", jpegPayload(64)},
		{"2.jpg", jpegPayload(64)},
		{"3.jpg", jpegPayload(64)},
	})
	blobs := newFakeBlobs()
	blobs.failAtPut = 3
	chapters := &fakeChapters{}

	_, err := newTestOrchestrator(blobs, chapters, &fakeJobs{}).Run(context.Background(), "job-1", r, r.Size(), testMeta())
	require.Error(t, err)
	kind, _ := KindOf(err)
	assert.Equal(t, KindStoreWriteFailed, kind)
	assert.Equal(t, 0, blobs.count(), "partial writes must be compensated")
	assert.Empty(t, chapters.created)
}

func TestOrchestratorCompensatesDuplicateChapter(t *testing.T) {
	blobs := newFakeBlobs()
	chapters := &fakeChapters{}
	chapters.created = append(chapters.created, &model.Chapter{SeriesID: "series-1", Number: 3})

	r := buildZip(t, []zipEntry{{"1.jpg", jpegPayload(64)}})
	_, err := newTestOrchestrator(blobs, chapters, &fakeJobs{}).Run(context.Background(), "job-1", r, r.Size(), testMeta())
	require.Error(t, err)
	kind, _ := KindOf(err)
	assert.Equal(t, KindDuplicateChapter, kind)
	assert.Equal(t, "please choose a different chapter number", HintOf(err))
	assert.Equal(t, 0, blobs.count())
}

// Two uploads race for the same chapter number: exactly one row is created
// and the loser leaves no page objects behind.
func TestOrchestratorConcurrentDuplicateRace(t *testing.T) {
	chapters := &fakeChapters{}
	blobsA, blobsB := newFakeBlobs(), newFakeBlobs()

	run := func(blobs *fakeBlobs, jobID string) error {
		r := buildZip(t, []zipEntry{{"1.jpg", jpegPayload(64)}, {"2.jpg", jpegPayload(64)}})
		_, err := newTestOrchestrator(blobs, chapters, &fakeJobs{}).Run(context.Background(), jobID, r, r.Size(), testMeta())
		return err
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	stores := []*fakeBlobs{blobsA, blobsB}
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = run(stores[i], fmt.Sprintf("job-%d", i))
		}(i)
	}
	wg.Wait()

	failures := 0
	for i, err := range errs {
		if err != nil {
			failures++
			kind, _ := KindOf(err)
			assert.Equal(t, KindDuplicateChapter, kind)
			assert.Equal(t, 0, stores[i].count(), "loser must compensate its writes")
		}
	}
	assert.Equal(t, 1, failures, "exactly one upload must lose the race")
	assert.Len(t, chapters.created, 1)
}

func TestOrchestratorCancelBeforeExtraction(t *testing.T) {
	r := buildZip(t, []zipEntry{{"1.jpg", jpegPayload(64)}})
	blobs := newFakeBlobs()
	jobs := &fakeJobs{aborted: true}

	_, err := newTestOrchestrator(blobs, &fakeChapters{}, jobs).Run(context.Background(), "job-1", r, r.Size(), testMeta())
	require.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, 0, blobs.count())
	assert.Empty(t, jobs.phases)
}

func TestOrchestratorCancelAfterPageWrites(t *testing.T) {
	r := buildZip(t, []zipEntry{{"1.jpg", jpegPayload(64)}, {"2.jpg", jpegPayload(64)}})
	blobs := newFakeBlobs()
	chapters := &fakeChapters{}
	// Cancellation lands while pages are being written; the abort is
	// observed at the next phase boundary and everything written is removed.
	jobs := &fakeJobs{abortOn: model.StatusProcessing}

	_, err := newTestOrchestrator(blobs, chapters, jobs).Run(context.Background(), "job-1", r, r.Size(), testMeta())
	require.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, 0, blobs.count())
	assert.Empty(t, chapters.created)
}
