package cloud

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultPollInterval is the fixed delay between progress polls.
const DefaultPollInterval = 5 * time.Second

// JobStatus is the lifecycle state of a completion job
type JobStatus string

const (
	JobIdle      JobStatus = ""
	JobSubmitted JobStatus = "submitted"
	JobPolling   JobStatus = "polling"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

func (s JobStatus) String() string {
	if s == JobIdle {
		return "idle"
	}
	return string(s)
}

// Terminal reports whether no further transition can happen
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// ResultSink receives the geometry of finished jobs. Scene implements it.
type ResultSink interface {
	AddResult(rs ResultSet, index int) error
	AddPlane(label Label, params PlaneParams) error
}

// Job is one submitted selection being polled to completion
type Job struct {
	mu      sync.Mutex
	sub     Submission
	status  JobStatus
	results []ResultSet
	err     error
	polls   int
	created time.Time
	timer   *time.Timer
	done    chan struct{}
	m       *Completion
}

// JobInfo is a snapshot of a job's state
type JobInfo struct {
	ID      string      `json:"id"`
	Key     string      `json:"key"`
	Status  string      `json:"status"`
	Polls   int         `json:"polls"`
	Results []ResultSet `json:"results,omitempty"`
	Error   string      `json:"error,omitempty"`
	Created time.Time   `json:"created"`
}

// ID returns the server token
func (j *Job) ID() string { return j.sub.Token }

// Status returns the current status
func (j *Job) Status() JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// Err returns the error that failed the job, if any
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// Polls returns how many progress requests were made
func (j *Job) Polls() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.polls
}

// Results returns a copy of the fetched result sets
func (j *Job) Results() []ResultSet {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]ResultSet, len(j.results))
	copy(out, j.results)
	return out
}

// Done is closed once the job reaches a terminal status
func (j *Job) Done() <-chan struct{} { return j.done }

// Info returns a snapshot of the job
func (j *Job) Info() JobInfo {
	j.mu.Lock()
	defer j.mu.Unlock()
	info := JobInfo{
		ID:      j.sub.Token,
		Key:     j.sub.Key,
		Status:  j.status.String(),
		Polls:   j.polls,
		Results: append([]ResultSet(nil), j.results...),
		Created: j.created,
	}
	if j.err != nil {
		info.Error = j.err.Error()
	}
	return info
}

// Cancel stops polling. It returns false when the job had already finished.
func (j *Job) Cancel() bool {
	j.mu.Lock()
	if j.status.Terminal() {
		j.mu.Unlock()
		return false
	}
	j.finishLocked(JobCancelled, nil)
	j.mu.Unlock()
	j.m.statusChanged(j)
	return true
}

// finishLocked moves the job to a terminal status. j.mu must be held.
func (j *Job) finishLocked(status JobStatus, err error) {
	if j.timer != nil {
		j.timer.Stop()
		j.timer = nil
	}
	j.status = status
	j.err = err
	close(j.done)
}

func (j *Job) finish(status JobStatus, err error) {
	j.mu.Lock()
	if j.status.Terminal() {
		j.mu.Unlock()
		return
	}
	j.finishLocked(status, err)
	j.mu.Unlock()
	j.m.statusChanged(j)
}

// poll runs on the timer goroutine
func (j *Job) poll() {
	j.mu.Lock()
	if j.status.Terminal() {
		j.mu.Unlock()
		return
	}
	j.timer = nil
	j.polls++
	n := j.polls
	j.mu.Unlock()

	m := j.m
	progress, err := m.client.Progress(m.ctx, j.sub)
	if err != nil {
		m.logger.Warn("progress poll failed", zap.String("job", j.ID()), zap.Error(err))
		j.finish(JobFailed, err)
		return
	}
	m.logger.Debug("progress", zap.String("job", j.ID()), zap.Int("progress", progress), zap.Int("poll", n))

	if progress >= 100 {
		results, err := m.fetchResults(m.ctx, j.ID())
		if err != nil {
			m.logger.Warn("fetching results failed", zap.String("job", j.ID()), zap.Error(err))
			j.finish(JobFailed, err)
			return
		}
		j.mu.Lock()
		if j.status.Terminal() {
			j.mu.Unlock()
			return
		}
		j.results = results
		j.mu.Unlock()

		if err := m.apply(j.ID(), results); err != nil {
			j.finish(JobFailed, err)
			return
		}
		j.finish(JobCompleted, nil)
		return
	}

	if m.maxPolls > 0 && n >= m.maxPolls {
		j.finish(JobFailed, fmt.Errorf("job %s: %w: no completion after %d polls", j.ID(), ErrTransport, n))
		return
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.status.Terminal() {
		j.timer = time.AfterFunc(m.interval, j.poll)
	}
}

// CompletionOption configures a Completion manager
type CompletionOption func(*Completion)

// WithPollInterval sets the delay between progress polls
func WithPollInterval(d time.Duration) CompletionOption {
	return func(m *Completion) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithMaxPolls bounds the number of progress polls; 0 polls forever
func WithMaxPolls(n int) CompletionOption {
	return func(m *Completion) {
		m.maxPolls = n
	}
}

// WithEvents sets where job status events are published
func WithEvents(sink EventSink) CompletionOption {
	return func(m *Completion) {
		m.events = sink
	}
}

// WithLogger sets the manager's logger
func WithLogger(l *zap.Logger) CompletionOption {
	return func(m *Completion) {
		if l != nil {
			m.logger = l
		}
	}
}

// Completion submits selections and tracks the resulting jobs until their
// results are rendered into the sink.
type Completion struct {
	client   *CompletionClient
	sink     ResultSink
	events   EventSink
	interval time.Duration
	maxPolls int
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	jobs   map[string]*Job
	closed bool
}

// NewCompletion creates a job manager delivering results to sink
func NewCompletion(client *CompletionClient, sink ResultSink, opts ...CompletionOption) *Completion {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Completion{
		client:   client,
		sink:     sink,
		interval: DefaultPollInterval,
		logger:   zap.NewNop(),
		ctx:      ctx,
		cancel:   cancel,
		jobs:     make(map[string]*Job),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.Named("completion")
	return m
}

// Submit sends a selection to the service. An empty selection is not
// submitted and yields (nil, nil). On a transport failure the returned job is
// Failed and the error is returned as well; there is no retry.
func (m *Completion) Submit(ctx context.Context, sel PointSet) (*Job, error) {
	if sel.Len() == 0 {
		return nil, nil
	}
	if err := sel.Validate(); err != nil {
		return nil, fmt.Errorf("submit: %w", err)
	}

	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("submit: completion manager closed")
	}

	j := &Job{
		status:  JobSubmitted,
		created: time.Now(),
		done:    make(chan struct{}),
		m:       m,
	}

	sub, err := m.client.Submit(ctx, sel)
	if err != nil {
		m.logger.Warn("submit failed", zap.Int("points", sel.Len()), zap.Error(err))
		j.finish(JobFailed, err)
		return j, err
	}
	j.sub = sub

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		j.finish(JobCancelled, nil)
		return j, nil
	}
	m.jobs[sub.Token] = j
	m.mu.Unlock()

	j.mu.Lock()
	if !j.status.Terminal() {
		j.status = JobPolling
		j.timer = time.AfterFunc(m.interval, j.poll)
	}
	j.mu.Unlock()

	m.logger.Info("job submitted",
		zap.String("job", sub.Token),
		zap.String("key", sub.Key),
		zap.Int("points", sel.Len()))
	m.statusChanged(j)
	return j, nil
}

// Job returns the job for token
func (m *Completion) Job(token string) (*Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[token]
	return j, ok
}

// Jobs returns every known job, oldest first
func (m *Completion) Jobs() []*Job {
	m.mu.Lock()
	out := make([]*Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, j)
	}
	m.mu.Unlock()
	sort.Slice(out, func(a, b int) bool { return out[a].created.Before(out[b].created) })
	return out
}

// Cancel stops the job for token
func (m *Completion) Cancel(token string) (bool, error) {
	j, ok := m.Job(token)
	if !ok {
		return false, fmt.Errorf("cancel job %s: %w", token, ErrNotFound)
	}
	return j.Cancel(), nil
}

// Restore re-renders the results of a finished job from the cache, e.g.
// after the scene was cleared. It makes no request to the service.
func (m *Completion) Restore(ctx context.Context, token string) ([]ResultSet, error) {
	if !m.client.Cached(token) {
		return nil, fmt.Errorf("restore %s: %w", token, ErrNotFound)
	}
	results, err := m.fetchResults(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("restore %s: %w", token, err)
	}
	if err := m.apply(token, results); err != nil {
		return nil, fmt.Errorf("restore %s: %w", token, err)
	}
	return results, nil
}

// Close stops every pending poll timer. Jobs still running become Cancelled.
func (m *Completion) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	jobs := make([]*Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		jobs = append(jobs, j)
	}
	m.mu.Unlock()

	for _, j := range jobs {
		j.Cancel()
	}
	m.cancel()
}

// fetchResults downloads every candidate of a finished job. The number of
// candidates is the number of planes, or one when the service reports none.
func (m *Completion) fetchResults(ctx context.Context, token string) ([]ResultSet, error) {
	planes, err := m.client.Candidates(ctx, token)
	if err != nil {
		return nil, err
	}
	count := max(1, len(planes))

	results := make([]ResultSet, 0, count)
	for i := 0; i < count; i++ {
		payload, err := m.client.Results(ctx, token, i)
		if err != nil {
			return nil, err
		}
		label := CandidateLabel(token, i)
		ps, err := ParsePointSet(string(label), []byte(payload))
		if err != nil {
			return nil, fmt.Errorf("candidate %d: %w", i, err)
		}
		rs := ResultSet{Label: label, Points: ps, Count: ps.Len()}
		if i < len(planes) {
			p := planes[i]
			rs.Plane = &p
		}
		results = append(results, rs)
	}
	return results, nil
}

// apply hands results to the sink. Labels are deterministic per token and
// the scene replaces by label, so applying twice leaves one copy.
func (m *Completion) apply(token string, results []ResultSet) error {
	if m.sink == nil {
		return nil
	}
	for i, rs := range results {
		if err := m.sink.AddResult(rs, i); err != nil {
			return fmt.Errorf("candidate %d: %w", i, err)
		}
		if rs.Plane != nil {
			if err := m.sink.AddPlane(PlaneLabel(token, i), *rs.Plane); err != nil {
				return fmt.Errorf("plane %d: %w", i, err)
			}
		}
	}
	m.logger.Info("results rendered", zap.String("job", token), zap.Int("candidates", len(results)))
	return nil
}

func (m *Completion) statusChanged(j *Job) {
	status, err := j.Status(), j.Err()
	m.logger.Debug("job status", zap.String("job", j.ID()), zap.Stringer("status", status))
	if m.events == nil {
		return
	}
	ev := Event{Type: EventJobStatus, Job: j.ID(), Status: status}
	if err != nil {
		ev.Error = err.Error()
	}
	m.events.Publish(ev)
}
