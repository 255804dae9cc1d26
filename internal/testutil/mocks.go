// Package testutil provides shared test utilities, in-memory fakes and fixtures
// for testing the tessra service.
package testutil

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"tessra/internal/cache"
	"tessra/internal/domain"
)

// Common test errors
var (
	ErrMockNotImplemented = errors.New("mock function not implemented")
	ErrStoreDown          = fmt.Errorf("%w: mock store down", domain.ErrStoreUnavailable)
)

// Clock is a manually advanced time source shared by fakes and the code under test.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type cacheEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

// MockCacheStore implements cache.Store in memory with TTLs evaluated against Clock.
// Setting Err makes every call fail with it.
type MockCacheStore struct {
	mu      sync.Mutex
	entries map[string]cacheEntry

	Clock *Clock
	Err   error

	GetCalls int
}

func NewMockCacheStore(clock *Clock) *MockCacheStore {
	if clock == nil {
		clock = NewClock(time.Now())
	}
	return &MockCacheStore{entries: make(map[string]cacheEntry), Clock: clock}
}

// lookup must be called with mu held.
func (m *MockCacheStore) lookup(key string) (cacheEntry, bool) {
	e, ok := m.entries[key]
	if !ok {
		return cacheEntry{}, false
	}
	if !e.expiresAt.IsZero() && !m.Clock.Now().Before(e.expiresAt) {
		delete(m.entries, key)
		return cacheEntry{}, false
	}
	return e, true
}

func (m *MockCacheStore) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.GetCalls++
	if m.Err != nil {
		return "", m.Err
	}
	e, ok := m.lookup(key)
	if !ok {
		return "", cache.ErrMiss
	}
	return e.value, nil
}

func (m *MockCacheStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	e := cacheEntry{value: value}
	if ttl > 0 {
		e.expiresAt = m.Clock.Now().Add(ttl)
	}
	m.entries[key] = e
	return nil
}

func (m *MockCacheStore) GetDel(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return "", m.Err
	}
	e, ok := m.lookup(key)
	if !ok {
		return "", cache.ErrMiss
	}
	delete(m.entries, key)
	return e.value, nil
}

func (m *MockCacheStore) Del(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	for _, k := range keys {
		delete(m.entries, k)
	}
	return nil
}

func (m *MockCacheStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return 0, m.Err
	}
	e, ok := m.lookup(key)
	if !ok {
		return 0, cache.ErrMiss
	}
	if e.expiresAt.IsZero() {
		return 0, nil
	}
	return e.expiresAt.Sub(m.Clock.Now()), nil
}

func (m *MockCacheStore) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return 0, 0, m.Err
	}

	e, ok := m.lookup(key)
	var count int64
	if ok {
		n, err := strconv.ParseInt(e.value, 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("value is not an integer: %w", err)
		}
		count = n
	}
	count++

	if count == 1 || e.expiresAt.IsZero() {
		e.expiresAt = m.Clock.Now().Add(window)
	}
	e.value = strconv.FormatInt(count, 10)
	m.entries[key] = e

	return count, e.expiresAt.Sub(m.Clock.Now()), nil
}

func (m *MockCacheStore) DeleteByPrefix(ctx context.Context, prefix string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return 0, m.Err
	}
	var n int64
	for k := range m.entries {
		if strings.HasPrefix(k, prefix) {
			delete(m.entries, k)
			n++
		}
	}
	return n, nil
}

func (m *MockCacheStore) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Err
}

func (m *MockCacheStore) Close() error { return nil }

// Has reports whether key is present and unexpired.
func (m *MockCacheStore) Has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.lookup(key)
	return ok
}

// MockSessionRepository implements domain.SessionRepository in memory
type MockSessionRepository struct {
	mu sync.Mutex

	// Function overrides - set these to customize behavior
	ReplaceAllFunc  func(ctx context.Context, session *domain.Session) error
	TouchFunc       func(ctx context.Context, token string, now, idleCutoff time.Time) (bool, error)
	DeleteFunc      func(ctx context.Context, token string) error
	DeleteStaleFunc func(ctx context.Context, now, idleCutoff time.Time) (int64, error)

	Sessions map[string]*domain.Session
}

func NewMockSessionRepository() *MockSessionRepository {
	return &MockSessionRepository{Sessions: make(map[string]*domain.Session)}
}

func (m *MockSessionRepository) ReplaceAll(ctx context.Context, session *domain.Session) error {
	if m.ReplaceAllFunc != nil {
		return m.ReplaceAllFunc(ctx, session)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Sessions = map[string]*domain.Session{}
	if session.ID == "" {
		session.ID = nextID("session")
	}
	cp := *session
	m.Sessions[session.Token] = &cp
	return nil
}

func (m *MockSessionRepository) Touch(ctx context.Context, token string, now, idleCutoff time.Time) (bool, error) {
	if m.TouchFunc != nil {
		return m.TouchFunc(ctx, token, now, idleCutoff)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.Sessions[token]
	if !ok || !now.Before(s.ExpiresAt) || !s.LastActivityAt.After(idleCutoff) {
		return false, nil
	}
	s.LastActivityAt = now
	return true, nil
}

func (m *MockSessionRepository) Delete(ctx context.Context, token string) error {
	if m.DeleteFunc != nil {
		return m.DeleteFunc(ctx, token)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.Sessions, token)
	return nil
}

func (m *MockSessionRepository) DeleteStale(ctx context.Context, now, idleCutoff time.Time) (int64, error) {
	if m.DeleteStaleFunc != nil {
		return m.DeleteStaleFunc(ctx, now, idleCutoff)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for token, s := range m.Sessions {
		if s.ExpiresAt.Before(now) || s.LastActivityAt.Before(idleCutoff) {
			delete(m.Sessions, token)
			n++
		}
	}
	return n, nil
}

// Get returns a copy of the stored session for assertions.
func (m *MockSessionRepository) Get(token string) (domain.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.Sessions[token]
	if !ok {
		return domain.Session{}, false
	}
	return *s, true
}

// Count returns the number of stored sessions.
func (m *MockSessionRepository) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Sessions)
}

// MockSettingRepository implements domain.SettingRepository in memory
type MockSettingRepository struct {
	mu sync.Mutex

	GetFunc    func(ctx context.Context, key string) (*domain.Setting, error)
	UpsertFunc func(ctx context.Context, key, value string) error

	Settings map[string]*domain.Setting
	GetCalls int
}

func NewMockSettingRepository() *MockSettingRepository {
	return &MockSettingRepository{Settings: make(map[string]*domain.Setting)}
}

func (m *MockSettingRepository) Get(ctx context.Context, key string) (*domain.Setting, error) {
	m.mu.Lock()
	m.GetCalls++
	m.mu.Unlock()

	if m.GetFunc != nil {
		return m.GetFunc(ctx, key)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.Settings[key]
	if !ok {
		return nil, domain.ErrSettingNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MockSettingRepository) Upsert(ctx context.Context, key, value string) error {
	if m.UpsertFunc != nil {
		return m.UpsertFunc(ctx, key, value)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Settings[key] = &domain.Setting{Key: key, Value: value, UpdatedAt: time.Now()}
	return nil
}

// MockUploadRepository implements domain.UploadRepository in memory
type MockUploadRepository struct {
	mu sync.Mutex

	CreateFunc     func(ctx context.Context, upload *domain.Upload) error
	SetOCRTextFunc func(ctx context.Context, id, text string) error

	Uploads        map[string]*domain.Upload
	SetOCRTextCall int
}

func NewMockUploadRepository() *MockUploadRepository {
	return &MockUploadRepository{Uploads: make(map[string]*domain.Upload)}
}

func (m *MockUploadRepository) Create(ctx context.Context, upload *domain.Upload) error {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, upload)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if upload.ID == "" {
		upload.ID = nextID("upload")
	}
	if upload.CreatedAt.IsZero() {
		upload.CreatedAt = time.Now()
	}
	cp := *upload
	m.Uploads[upload.ID] = &cp
	return nil
}

func (m *MockUploadRepository) GetPublic(ctx context.Context, id string) (*domain.Upload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.Uploads[id]
	if !ok || u.Visibility != domain.VisibilityPublic {
		return nil, domain.ErrUploadNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *MockUploadRepository) SetOCRText(ctx context.Context, id, text string) error {
	if m.SetOCRTextFunc != nil {
		return m.SetOCRTextFunc(ctx, id, text)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.SetOCRTextCall++
	u, ok := m.Uploads[id]
	if !ok {
		return domain.ErrUploadNotFound
	}
	t := text
	u.OCRText = &t
	return nil
}

// Get returns a copy of the stored upload regardless of visibility.
func (m *MockUploadRepository) Get(id string) (domain.Upload, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.Uploads[id]
	if !ok {
		return domain.Upload{}, false
	}
	return *u, true
}

// RetryCall records one Retry invocation on MockJobRepository.
type RetryCall struct {
	ID     int64
	RunAt  time.Time
	At     time.Time
	Reason string
}

// MockJobRepository implements domain.JobRepository in memory with the same
// claiming rules as the Postgres queue: highest priority, then earliest run_at,
// then lowest id. Active jobs whose lease ran out are claimable again while they
// have attempts left and are failed otherwise. Claim-scoped methods return
// ErrLeaseLost when (id, attempt) no longer names the active claim.
type MockJobRepository struct {
	mu     sync.Mutex
	nextID int64
	jobs   map[int64]*domain.Job
	leases map[int64]time.Time

	EnqueueErr error
	DequeueErr error
	ExtendErr  error

	Retries  []RetryCall
	Released []int64
	Extends  int
}

func NewMockJobRepository() *MockJobRepository {
	return &MockJobRepository{
		jobs:   make(map[int64]*domain.Job),
		leases: make(map[int64]time.Time),
	}
}

func (m *MockJobRepository) Enqueue(ctx context.Context, job *domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.EnqueueErr != nil {
		return m.EnqueueErr
	}

	m.nextID++
	job.ID = m.nextID
	job.Status = domain.JobWaiting
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *MockJobRepository) Dequeue(ctx context.Context, queue string, now time.Time, lease time.Duration) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.DequeueErr != nil {
		return nil, m.DequeueErr
	}

	var eligible []*domain.Job
	for _, j := range m.jobs {
		if j.Queue != queue {
			continue
		}
		switch j.Status {
		case domain.JobWaiting:
			if !j.RunAt.After(now) {
				eligible = append(eligible, j)
			}
		case domain.JobActive:
			if m.leases[j.ID].After(now) {
				continue
			}
			if j.Exhausted() {
				j.Status = domain.JobFailed
				j.LastError = "lease expired on final attempt"
				delete(m.leases, j.ID)
				continue
			}
			eligible = append(eligible, j)
		}
	}
	if len(eligible) == 0 {
		return nil, domain.ErrJobNotFound
	}

	sort.Slice(eligible, func(a, b int) bool {
		x, y := eligible[a], eligible[b]
		if x.Priority != y.Priority {
			return x.Priority > y.Priority
		}
		if !x.RunAt.Equal(y.RunAt) {
			return x.RunAt.Before(y.RunAt)
		}
		return x.ID < y.ID
	})

	j := eligible[0]
	j.Status = domain.JobActive
	j.AttemptsMade++
	m.leases[j.ID] = now.Add(lease)

	cp := *j
	return &cp, nil
}

func (m *MockJobRepository) Extend(ctx context.Context, id int64, attempt int, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ExtendErr != nil {
		return m.ExtendErr
	}
	if _, err := m.claimed(id, attempt); err != nil {
		return err
	}
	m.leases[id] = until
	m.Extends++
	return nil
}

func (m *MockJobRepository) Complete(ctx context.Context, id int64, attempt int) error {
	return m.transition(id, attempt, func(j *domain.Job) {
		j.Status = domain.JobCompleted
	})
}

func (m *MockJobRepository) Retry(ctx context.Context, id int64, attempt int, runAt time.Time, reason string) error {
	m.mu.Lock()
	m.Retries = append(m.Retries, RetryCall{ID: id, RunAt: runAt, At: time.Now(), Reason: reason})
	m.mu.Unlock()

	return m.transition(id, attempt, func(j *domain.Job) {
		j.Status = domain.JobWaiting
		j.RunAt = runAt
		j.LastError = reason
	})
}

func (m *MockJobRepository) Fail(ctx context.Context, id int64, attempt int, reason string) error {
	return m.transition(id, attempt, func(j *domain.Job) {
		j.Status = domain.JobFailed
		j.LastError = reason
	})
}

func (m *MockJobRepository) Release(ctx context.Context, id int64, attempt int) error {
	err := m.transition(id, attempt, func(j *domain.Job) {
		j.Status = domain.JobWaiting
		j.AttemptsMade--
	})
	if err == nil {
		m.mu.Lock()
		m.Released = append(m.Released, id)
		m.mu.Unlock()
	}
	return err
}

func (m *MockJobRepository) transition(id int64, attempt int, fn func(*domain.Job)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, err := m.claimed(id, attempt)
	if err != nil {
		return err
	}
	fn(j)
	delete(m.leases, id)
	return nil
}

// claimed must be called with m.mu held.
func (m *MockJobRepository) claimed(id int64, attempt int) (*domain.Job, error) {
	j, ok := m.jobs[id]
	if !ok || j.Status != domain.JobActive || j.AttemptsMade != attempt {
		return nil, domain.ErrLeaseLost
	}
	return j, nil
}

// ExtendCount returns how many lease renewals succeeded.
func (m *MockJobRepository) ExtendCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Extends
}

// ReleasedIDs returns a copy of the released job ids.
func (m *MockJobRepository) ReleasedIDs() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int64(nil), m.Released...)
}

// Job returns a copy of the stored job for assertions.
func (m *MockJobRepository) Job(id int64) (domain.Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return domain.Job{}, false
	}
	return *j, true
}

// RetryCalls returns a copy of the recorded Retry invocations.
func (m *MockJobRepository) RetryCalls() []RetryCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]RetryCall(nil), m.Retries...)
}

// Verify interface compliance
var (
	_ cache.Store              = (*MockCacheStore)(nil)
	_ domain.SessionRepository = (*MockSessionRepository)(nil)
	_ domain.SettingRepository = (*MockSettingRepository)(nil)
	_ domain.UploadRepository  = (*MockUploadRepository)(nil)
	_ domain.JobRepository     = (*MockJobRepository)(nil)
)
