package cloud

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const candidateOFF = "OFF\n2 0 0\n0.5 0 0\n0.5 1 0\n"

// fakeService imitates the completion endpoint. Progress answers follow the
// configured sequence, repeating the last value.
type fakeService struct {
	mu       sync.Mutex
	calls    map[string]int
	forms    map[string][]map[string]string
	headers  []http.Header
	progress []any
	submit   map[string]any
	planes   []PlaneParams
	status   int
}

func newFakeService(progress ...any) *fakeService {
	return &fakeService{
		calls:    make(map[string]int),
		forms:    make(map[string][]map[string]string),
		progress: progress,
		submit:   map[string]any{"status": "ok", "dirname": "job-1"},
		planes:   []PlaneParams{{A: 1, D: -0.5}},
		status:   http.StatusOK,
	}
}

func (f *fakeService) count(task string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[task]
}

func (f *fakeService) lastForm(task string) map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	forms := f.forms[task]
	if len(forms) == 0 {
		return nil
	}
	return forms[len(forms)-1]
}

func (f *fakeService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	task := r.PostForm.Get("task")
	form := make(map[string]string)
	for k := range r.PostForm {
		form[k] = r.PostForm.Get(k)
	}

	f.mu.Lock()
	f.calls[task]++
	n := f.calls[task]
	f.forms[task] = append(f.forms[task], form)
	f.headers = append(f.headers, r.Header.Clone())
	status := f.status
	f.mu.Unlock()

	if status != http.StatusOK {
		w.WriteHeader(status)
		return
	}

	var resp any
	switch task {
	case "submit":
		resp = f.submit
	case "progress":
		p := any(0)
		if len(f.progress) > 0 {
			p = f.progress[min(n, len(f.progress))-1]
		}
		resp = map[string]any{"status": "ok", "progress": p}
	case "get_candidates":
		resp = map[string]any{"status": "ok", "data": f.planes}
	case "get_results":
		resp = map[string]any{"status": "ok", "data": candidateOFF}
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// recordingSink collects what a finished job renders
type recordingSink struct {
	mu      sync.Mutex
	results []ResultSet
	planes  []Label
}

func (s *recordingSink) AddResult(rs ResultSet, index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, rs)
	return nil
}

func (s *recordingSink) AddPlane(label Label, params PlaneParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.planes = append(s.planes, label)
	return nil
}

func (s *recordingSink) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.results), len(s.planes)
}

func testSelection() PointSet {
	return PointSet{X: []float64{0.1, 0.2}, Y: []float64{0.3, 0.4}, Z: []float64{0.5, 0.6}}
}

func newTestClient(t *testing.T, srv *httptest.Server) *CompletionClient {
	t.Helper()
	c, err := NewCompletionClient(srv.URL, WithTimeout(2*time.Second))
	require.NoError(t, err)
	return c
}

func waitDone(t *testing.T, j *Job) {
	t.Helper()
	select {
	case <-j.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("job %s still %s", j.ID(), j.Status())
	}
}

func TestNewCompletionClient_RejectsBadEndpoint(t *testing.T) {
	_, err := NewCompletionClient("")
	assert.Error(t, err)
	_, err = NewCompletionClient("not a url")
	assert.Error(t, err)
}

func TestCompletionClient_Submit(t *testing.T) {
	fake := newFakeService()
	srv := httptest.NewServer(fake)
	defer srv.Close()

	sub, err := newTestClient(t, srv).Submit(context.Background(), testSelection())
	require.NoError(t, err)
	assert.Equal(t, Submission{Token: "job-1", Key: KeyDirname}, sub)

	form := fake.lastForm("submit")
	var sent PointSet
	require.NoError(t, json.Unmarshal([]byte(form["data"]), &sent))
	assert.Equal(t, []float64{0.1, 0.2}, sent.X)
	assert.Equal(t, []float64{0.5, 0.6}, sent.Z)

	h := fake.headers[0]
	assert.Equal(t, "application/x-www-form-urlencoded", h.Get("Content-Type"))
	assert.NotEmpty(t, h.Get("X-Request-ID"))
}

func TestCompletionClient_FilenameToken(t *testing.T) {
	fake := newFakeService("55")
	fake.submit = map[string]any{"status": "ok", "filename": "f-9"}
	srv := httptest.NewServer(fake)
	defer srv.Close()
	c := newTestClient(t, srv)

	sub, err := c.Submit(context.Background(), testSelection())
	require.NoError(t, err)
	assert.Equal(t, Submission{Token: "f-9", Key: KeyFilename}, sub)

	progress, err := c.Progress(context.Background(), sub)
	require.NoError(t, err)
	assert.Equal(t, 55, progress, "string progress is accepted")
	assert.Equal(t, "f-9", fake.lastForm("progress")[KeyFilename])
}

func TestCompletionClient_TransportErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"server error", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}},
		{"not json", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("<html>"))
		}},
		{"status not ok", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"status":"error","dirname":"x"}`))
		}},
		{"no token", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			_, err := newTestClient(t, srv).Submit(context.Background(), testSelection())
			assert.ErrorIs(t, err, ErrTransport)
		})
	}
}

func TestCompletionClient_CachesCandidates(t *testing.T) {
	fake := newFakeService()
	srv := httptest.NewServer(fake)
	defer srv.Close()
	c := newTestClient(t, srv)
	ctx := context.Background()

	assert.False(t, c.Cached("job-1"))
	for i := 0; i < 2; i++ {
		planes, err := c.Candidates(ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, []PlaneParams{{A: 1, D: -0.5}}, planes)

		data, err := c.Results(ctx, "job-1", 0)
		require.NoError(t, err)
		assert.Equal(t, candidateOFF, data)
	}
	assert.True(t, c.Cached("job-1"))
	assert.Equal(t, 1, fake.count("get_candidates"))
	assert.Equal(t, 1, fake.count("get_results"))
	assert.Equal(t, "0", fake.lastForm("get_results")["candidate_num"])
}

func TestCompletion_EmptySelectionMakesNoRequest(t *testing.T) {
	fake := newFakeService()
	srv := httptest.NewServer(fake)
	defer srv.Close()

	m := NewCompletion(newTestClient(t, srv), &recordingSink{})
	defer m.Close()

	j, err := m.Submit(context.Background(), PointSet{})
	assert.NoError(t, err)
	assert.Nil(t, j)
	assert.Equal(t, 0, fake.count("submit"))
	assert.Empty(t, m.Jobs())
}

func TestCompletion_PollsUntilComplete(t *testing.T) {
	fake := newFakeService(40, 100)
	srv := httptest.NewServer(fake)
	defer srv.Close()

	var mu sync.Mutex
	var events []Event
	sink := &recordingSink{}
	m := NewCompletion(newTestClient(t, srv), sink,
		WithPollInterval(10*time.Millisecond),
		WithEvents(EventFunc(func(ev Event) {
			mu.Lock()
			events = append(events, ev)
			mu.Unlock()
		})))
	defer m.Close()

	j, err := m.Submit(context.Background(), testSelection())
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, "job-1", j.ID())

	waitDone(t, j)
	require.Equal(t, JobCompleted, j.Status())
	assert.NoError(t, j.Err())
	assert.Equal(t, 2, j.Polls())
	assert.Equal(t, 2, fake.count("progress"))
	assert.Equal(t, 1, fake.count("get_candidates"))
	assert.Equal(t, 1, fake.count("get_results"))

	results := j.Results()
	require.Len(t, results, 1)
	assert.Equal(t, CandidateLabel("job-1", 0), results[0].Label)
	assert.Equal(t, 2, results[0].Count)
	require.NotNil(t, results[0].Plane)
	assert.Equal(t, PlaneParams{A: 1, D: -0.5}, *results[0].Plane)

	nResults, nPlanes := sink.counts()
	assert.Equal(t, 1, nResults)
	assert.Equal(t, 1, nPlanes)
	assert.Equal(t, []Label{PlaneLabel("job-1", 0)}, sink.planes)

	got, ok := m.Job("job-1")
	require.True(t, ok)
	assert.Same(t, j, got)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, EventJobStatus, last.Type)
	assert.Equal(t, JobCompleted, last.Status)
	assert.Equal(t, "job-1", last.Job)
}

func TestCompletion_NoPlanesStillFetchesOneCandidate(t *testing.T) {
	fake := newFakeService(100)
	fake.planes = nil
	srv := httptest.NewServer(fake)
	defer srv.Close()

	m := NewCompletion(newTestClient(t, srv), &recordingSink{}, WithPollInterval(5*time.Millisecond))
	defer m.Close()

	j, err := m.Submit(context.Background(), testSelection())
	require.NoError(t, err)
	waitDone(t, j)

	require.Equal(t, JobCompleted, j.Status())
	results := j.Results()
	require.Len(t, results, 1)
	assert.Nil(t, results[0].Plane)
	assert.Equal(t, 1, fake.count("get_results"))
}

func TestCompletion_SubmitFailureFailsJob(t *testing.T) {
	fake := newFakeService()
	fake.status = http.StatusBadGateway
	srv := httptest.NewServer(fake)
	defer srv.Close()

	m := NewCompletion(newTestClient(t, srv), &recordingSink{})
	defer m.Close()

	j, err := m.Submit(context.Background(), testSelection())
	assert.ErrorIs(t, err, ErrTransport)
	require.NotNil(t, j)
	assert.Equal(t, JobFailed, j.Status())
	assert.ErrorIs(t, j.Err(), ErrTransport)
	waitDone(t, j)
	assert.Equal(t, 1, fake.count("submit"), "no retry")
}

func TestCompletion_ProgressFailureFailsJob(t *testing.T) {
	fake := newFakeService("soon")
	srv := httptest.NewServer(fake)
	defer srv.Close()

	m := NewCompletion(newTestClient(t, srv), &recordingSink{}, WithPollInterval(5*time.Millisecond))
	defer m.Close()

	j, err := m.Submit(context.Background(), testSelection())
	require.NoError(t, err)
	waitDone(t, j)
	assert.Equal(t, JobFailed, j.Status())
	assert.ErrorIs(t, j.Err(), ErrTransport)
	assert.Equal(t, 0, fake.count("get_candidates"))
}

func TestCompletion_MaxPolls(t *testing.T) {
	fake := newFakeService(10)
	srv := httptest.NewServer(fake)
	defer srv.Close()

	m := NewCompletion(newTestClient(t, srv), &recordingSink{},
		WithPollInterval(5*time.Millisecond), WithMaxPolls(3))
	defer m.Close()

	j, err := m.Submit(context.Background(), testSelection())
	require.NoError(t, err)
	waitDone(t, j)
	assert.Equal(t, JobFailed, j.Status())
	assert.ErrorIs(t, j.Err(), ErrTransport)
	assert.Equal(t, 3, j.Polls())
}

func TestCompletion_CancelStopsPolling(t *testing.T) {
	fake := newFakeService(10)
	srv := httptest.NewServer(fake)
	defer srv.Close()

	m := NewCompletion(newTestClient(t, srv), &recordingSink{}, WithPollInterval(5*time.Millisecond))
	defer m.Close()

	j, err := m.Submit(context.Background(), testSelection())
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)

	ok, err := m.Cancel("job-1")
	require.NoError(t, err)
	assert.True(t, ok)
	waitDone(t, j)
	assert.Equal(t, JobCancelled, j.Status())

	// an in-flight poll may still land; after that the count must not move
	time.Sleep(20 * time.Millisecond)
	polls := fake.count("progress")
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, polls, fake.count("progress"))

	ok, err = m.Cancel("job-1")
	require.NoError(t, err)
	assert.False(t, ok, "second cancel")

	_, err = m.Cancel("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCompletion_CloseCancelsRunningJobs(t *testing.T) {
	fake := newFakeService(10)
	srv := httptest.NewServer(fake)
	defer srv.Close()

	m := NewCompletion(newTestClient(t, srv), &recordingSink{}, WithPollInterval(time.Hour))
	j, err := m.Submit(context.Background(), testSelection())
	require.NoError(t, err)
	assert.Equal(t, JobPolling, j.Status())

	m.Close()
	waitDone(t, j)
	assert.Equal(t, JobCancelled, j.Status())
	assert.Equal(t, 0, fake.count("progress"))

	_, err = m.Submit(context.Background(), testSelection())
	assert.Error(t, err)
	m.Close()
}

func TestCompletion_RestoreFromCache(t *testing.T) {
	fake := newFakeService(100)
	srv := httptest.NewServer(fake)
	defer srv.Close()

	sink := &recordingSink{}
	m := NewCompletion(newTestClient(t, srv), sink, WithPollInterval(5*time.Millisecond))
	defer m.Close()

	_, err := m.Restore(context.Background(), "job-1")
	assert.ErrorIs(t, err, ErrNotFound)

	j, err := m.Submit(context.Background(), testSelection())
	require.NoError(t, err)
	waitDone(t, j)
	require.Equal(t, JobCompleted, j.Status())

	results, err := m.Restore(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Len(t, results, 1)
	assert.Equal(t, 1, fake.count("get_candidates"), "restore is served from the cache")
	assert.Equal(t, 1, fake.count("get_results"))

	nResults, nPlanes := sink.counts()
	assert.Equal(t, 2, nResults)
	assert.Equal(t, 2, nPlanes)
}

func TestCompletion_ResultsRenderIntoScene(t *testing.T) {
	fake := newFakeService(100)
	srv := httptest.NewServer(fake)
	defer srv.Close()

	scene, err := NewScene(DefaultSceneOptions(), nil)
	require.NoError(t, err)
	m := NewCompletion(newTestClient(t, srv), scene, WithPollInterval(5*time.Millisecond))
	defer m.Close()

	j, err := m.Submit(context.Background(), testSelection())
	require.NoError(t, err)
	waitDone(t, j)
	require.Equal(t, JobCompleted, j.Status())

	kinds := make(map[Label]Kind)
	for _, o := range scene.Objects() {
		kinds[o.Label] = o.Kind
	}
	assert.Equal(t, KindPoints, kinds[CandidateLabel("job-1", 0)])
	assert.Equal(t, KindPlane, kinds[PlaneLabel("job-1", 0)])
}

func TestCompletion_RestoreTwiceKeepsOneCopy(t *testing.T) {
	fake := newFakeService(100)
	srv := httptest.NewServer(fake)
	defer srv.Close()

	scene, err := NewScene(DefaultSceneOptions(), nil)
	require.NoError(t, err)
	m := NewCompletion(newTestClient(t, srv), scene, WithPollInterval(5*time.Millisecond))
	defer m.Close()

	j, err := m.Submit(context.Background(), testSelection())
	require.NoError(t, err)
	waitDone(t, j)
	require.Equal(t, JobCompleted, j.Status())

	snapshot := func() map[Label]ObjectInfo {
		out := make(map[Label]ObjectInfo)
		for _, o := range scene.Objects() {
			out[o.Label] = o
		}
		return out
	}
	before := snapshot()

	_, err = m.Restore(context.Background(), "job-1")
	require.NoError(t, err)
	after := snapshot()

	assert.Equal(t, before, after)
	assert.Equal(t, 1, after[CandidateLabel("job-1", 0)].Handles)
	assert.Equal(t, 1, after[PlaneLabel("job-1", 0)].Handles)
}

func TestJobStatus_String(t *testing.T) {
	assert.Equal(t, "idle", JobIdle.String())
	assert.Equal(t, "polling", JobPolling.String())
	assert.False(t, JobPolling.Terminal())
	for _, s := range []JobStatus{JobCompleted, JobFailed, JobCancelled} {
		assert.True(t, s.Terminal(), s.String())
	}
}
