package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"productlens/internal/config"
	"productlens/internal/dispatch"
	"productlens/internal/model"
	"productlens/internal/pkg/jobqueue"
	"productlens/internal/progress"
	"productlens/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const testSecret = "test-secret"

type mockTaskService struct {
	createFunc     func(ctx context.Context, owner, name string, payload model.TaskPayload) (uuid.UUID, error)
	regenerateFunc func(ctx context.Context, owner string, id uuid.UUID, payload model.TaskPayload) error
	renameErr      error
	deleteErr      error
	history        []model.Task
	doc            *model.AnalysisDocument
	getErr         error

	createCalls     int
	regenerateCalls int
	renameCalls     int
	deleteCalls     int
	lastOwner       string
	lastName        string
	lastPayload     model.TaskPayload
}

func (m *mockTaskService) CreateTask(ctx context.Context, owner, name string, payload model.TaskPayload) (uuid.UUID, error) {
	m.createCalls++
	m.lastOwner, m.lastName, m.lastPayload = owner, name, payload
	return m.createFunc(ctx, owner, name, payload)
}

func (m *mockTaskService) RegenerateTask(ctx context.Context, owner string, id uuid.UUID, payload model.TaskPayload) error {
	m.regenerateCalls++
	m.lastOwner, m.lastPayload = owner, payload
	if m.regenerateFunc == nil {
		return nil
	}
	return m.regenerateFunc(ctx, owner, id, payload)
}

func (m *mockTaskService) RenameTask(_ context.Context, owner string, _ uuid.UUID, name string) error {
	m.renameCalls++
	m.lastOwner, m.lastName = owner, name
	return m.renameErr
}

func (m *mockTaskService) DeleteTask(_ context.Context, owner string, _ uuid.UUID) error {
	m.deleteCalls++
	m.lastOwner = owner
	return m.deleteErr
}

func (m *mockTaskService) History(_ context.Context, owner string) ([]model.Task, error) {
	m.lastOwner = owner
	return m.history, nil
}

func (m *mockTaskService) GetTask(_ context.Context, owner string, _ uuid.UUID) (*model.AnalysisDocument, error) {
	m.lastOwner = owner
	return m.doc, m.getErr
}

// mockPublisher 记录发布的作业，failOn 中的类型返回错误。
type mockPublisher struct {
	mu     sync.Mutex
	jobs   []*jobqueue.AnalysisJob
	failOn map[model.JobType]bool
}

func (m *mockPublisher) PushJob(_ context.Context, job *jobqueue.AnalysisJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failOn[job.TaskType] {
		return errors.New("broker unavailable")
	}
	m.jobs = append(m.jobs, job)
	return nil
}

type mockSink struct {
	calls   int
	jobType model.JobType
	message string
	err     error
}

func (m *mockSink) RecordResult(_ context.Context, _ uuid.UUID, _ string, jobType model.JobType, message string) error {
	m.calls++
	m.jobType, m.message = jobType, message
	return m.err
}

type mockStreamer struct {
	lines []progress.Line
	err   error
	id    uuid.UUID
}

func (m *mockStreamer) Stream(_ context.Context, taskID uuid.UUID, w progress.LineWriter) error {
	m.id = taskID
	for _, l := range m.lines {
		data, _ := l.Encode()
		if err := w.WriteLine(data); err != nil {
			return nil
		}
	}
	return m.err
}

type testEnv struct {
	server *Server
	tasks  *mockTaskService
	pub    *mockPublisher
	sink   *mockSink
	stream *mockStreamer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	env := &testEnv{
		tasks: &mockTaskService{
			createFunc: func(ctx context.Context, owner, name string, payload model.TaskPayload) (uuid.UUID, error) {
				return uuid.New(), nil
			},
		},
		pub:    &mockPublisher{},
		sink:   &mockSink{},
		stream: &mockStreamer{},
	}
	env.server = &Server{
		cfg:        &config.Config{Security: config.SecurityConfig{JWTSecret: testSecret}},
		logger:     logger,
		router:     newRouter(logger),
		tasks:      env.tasks,
		dispatcher: dispatch.New(env.pub, logger),
		sink:       env.sink,
		progress:   env.stream,
	}
	env.server.registerRoutes()
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	switch v := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(v)
	default:
		payload, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+signToken(t, "user-1"))
	w := httptest.NewRecorder()
	e.server.Router().ServeHTTP(w, req)
	return w
}

func signToken(t *testing.T, subject string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func sampleCreateBody() map[string]any {
	return map[string]any{
		"main": map[string]any{
			"id": 1, "name": "Kettle", "description": "steel kettle", "price": 1200,
			"imageUrl": "https://img/1.jpg",
			"reviews":  []map[string]string{{"text": "good", "pros": "fast", "cons": "loud"}},
		},
		"products": []map[string]any{
			{"id": 2, "name": "Other kettle", "description": "glass kettle", "imageUrl": "https://img/2.jpg"},
		},
		"used_words":   []string{"steel"},
		"unused_words": []string{"glass"},
	}
}

func TestCreateTask_Normal(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/v1/create/task", sampleCreateBody())

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if env.tasks.createCalls != 1 {
		t.Fatalf("expected create task to be called once, got %d", env.tasks.createCalls)
	}
	if env.tasks.lastOwner != "user-1" {
		t.Fatalf("expected owner from token subject, got %q", env.tasks.lastOwner)
	}
	if len(env.tasks.lastPayload.Competitors) != 1 || env.tasks.lastPayload.KeywordsUnused[0] != "glass" {
		t.Fatalf("unexpected payload: %+v", env.tasks.lastPayload)
	}

	var resp createTaskResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(env.pub.jobs) != 3 {
		t.Fatalf("expected 3 published jobs, got %d", len(env.pub.jobs))
	}
	for _, job := range env.pub.jobs {
		if job.TaskID != resp.ID {
			t.Fatalf("job %s carries task %s, expected %s", job.TaskType, job.TaskID, resp.ID)
		}
	}
}

func TestCreateTask_DispatchFailureReportsJobTypes(t *testing.T) {
	env := newTestEnv(t)
	env.pub.failOn = map[model.JobType]bool{model.JobTypePhoto: true}

	w := env.do(t, http.MethodPost, "/api/v1/create/task", sampleCreateBody())

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	var resp struct {
		ID     uuid.UUID `json:"id"`
		Failed []string  `json:"failed"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Failed) != 1 || resp.Failed[0] != "photo" {
		t.Fatalf("expected failed [photo], got %v", resp.Failed)
	}
	if resp.ID == uuid.Nil {
		t.Fatalf("expected the stored task id in the error response")
	}
	if len(env.pub.jobs) != 2 {
		t.Fatalf("expected text and reviews to be published, got %d", len(env.pub.jobs))
	}
}

func TestCreateTask_StoreFailureSkipsDispatch(t *testing.T) {
	env := newTestEnv(t)
	env.tasks.createFunc = func(ctx context.Context, owner, name string, payload model.TaskPayload) (uuid.UUID, error) {
		return uuid.Nil, store.ErrDocumentStore
	}

	w := env.do(t, http.MethodPost, "/api/v1/create/task", sampleCreateBody())

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	if len(env.pub.jobs) != 0 {
		t.Fatalf("expected no dispatch after store failure")
	}
}

func TestCreateTask_InvalidBody(t *testing.T) {
	env := newTestEnv(t)

	for name, body := range map[string]any{
		"malformed json": "{",
		"missing main":   map[string]any{"products": []any{}},
	} {
		t.Run(name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/api/v1/create/task", body)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", w.Code)
			}
		})
	}
	if env.tasks.createCalls != 0 {
		t.Fatalf("expected no store call on invalid input")
	}
}

func TestCreateTask_RequiresToken(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/create/task", strings.NewReader("{}"))
	w := httptest.NewRecorder()
	env.server.Router().ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestRegenerateTask(t *testing.T) {
	env := newTestEnv(t)
	id := uuid.New()
	body := sampleCreateBody()
	body["id"] = id

	w := env.do(t, http.MethodPost, "/api/v1/regenerate/task", body)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if env.tasks.regenerateCalls != 1 || len(env.pub.jobs) != 3 {
		t.Fatalf("expected regenerate and three jobs, got %d / %d", env.tasks.regenerateCalls, len(env.pub.jobs))
	}
}

func TestRegenerateTask_NotFound(t *testing.T) {
	env := newTestEnv(t)
	env.tasks.regenerateFunc = func(ctx context.Context, owner string, id uuid.UUID, payload model.TaskPayload) error {
		return store.ErrTaskNotFound
	}
	body := sampleCreateBody()
	body["id"] = uuid.New()

	w := env.do(t, http.MethodPost, "/api/v1/regenerate/task", body)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	if len(env.pub.jobs) != 0 {
		t.Fatalf("expected no dispatch for a missing task")
	}
}

func TestRenameTask(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPut, "/api/v1/edit/task", map[string]any{"id": uuid.New(), "newName": "Kettles"})
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", w.Code)
	}
	if env.tasks.lastName != "Kettles" {
		t.Fatalf("expected new name to be passed, got %q", env.tasks.lastName)
	}

	w = env.do(t, http.MethodPut, "/api/v1/edit/task", map[string]any{"id": uuid.New(), "newName": " "})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for blank name, got %d", w.Code)
	}
}

func TestDeleteTask_NotFound(t *testing.T) {
	env := newTestEnv(t)
	env.tasks.deleteErr = store.ErrTaskNotFound

	w := env.do(t, http.MethodPost, "/api/v1/delete/task", map[string]any{"id": uuid.New()})
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestHistory(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/v1/get/history", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"elements":[]`) {
		t.Fatalf("expected empty elements array, got %s", w.Body.String())
	}

	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	env.tasks.history = []model.Task{{ID: uuid.New(), Name: "Kettle", CreatedAt: now}}
	w = env.do(t, http.MethodGet, "/api/v1/get/history", nil)

	var resp historyResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Elements) != 1 || resp.Elements[0].Name != "Kettle" || !resp.Elements[0].CreatedAt.Equal(now) {
		t.Fatalf("unexpected history: %+v", resp)
	}
}

func TestGetTask_PendingAnalysisIsNull(t *testing.T) {
	env := newTestEnv(t)
	text := "concise copy"
	env.tasks.doc = &model.AnalysisDocument{
		MainProduct:  model.Product{ID: 1, Name: "Kettle"},
		TextAnalysis: &text,
	}

	w := env.do(t, http.MethodPost, "/api/v1/get/task", map[string]any{"id": uuid.New()})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["textAnalysis"] != text {
		t.Fatalf("expected text analysis, got %v", resp["textAnalysis"])
	}
	if v, ok := resp["photoAnalysis"]; !ok || v != nil {
		t.Fatalf("expected photoAnalysis to be null, got %v", v)
	}
	if products, ok := resp["products"].([]any); !ok || len(products) != 0 {
		t.Fatalf("expected empty products array, got %v", resp["products"])
	}
}

func TestAddResult(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/v1/add/task", map[string]any{
		"id": uuid.New(), "taskType": "reviews", "message": "mostly positive",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if env.sink.calls != 1 || env.sink.jobType != model.JobTypeReviews || env.sink.message != "mostly positive" {
		t.Fatalf("unexpected sink call: %+v", env.sink)
	}
}

func TestAddResult_UnknownTypeRejected(t *testing.T) {
	env := newTestEnv(t)

	for _, tag := range []string{"video", "Text", ""} {
		w := env.do(t, http.MethodPost, "/api/v1/add/task", map[string]any{
			"id": uuid.New(), "taskType": tag, "message": "x",
		})
		if w.Code != http.StatusBadRequest {
			t.Fatalf("taskType %q: expected 400, got %d", tag, w.Code)
		}
	}
	if env.sink.calls != 0 {
		t.Fatalf("expected sink not to be called, got %d calls", env.sink.calls)
	}
}

func TestAddResult_MissingTask(t *testing.T) {
	env := newTestEnv(t)
	env.sink.err = store.ErrTaskNotFound

	w := env.do(t, http.MethodPost, "/api/v1/add/task", map[string]any{
		"id": uuid.New(), "taskType": "text", "message": "x",
	})
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestInformation_StreamsLines(t *testing.T) {
	env := newTestEnv(t)
	env.stream.lines = []progress.Line{
		progress.StartLine,
		{Message: "analysing", TaskType: "text"},
		progress.DoneLine,
	}
	id := uuid.New()

	w := env.do(t, http.MethodGet, "/api/v1/information?id="+id.String(), nil)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/x-ndjson" {
		t.Fatalf("unexpected content type %q", ct)
	}
	if env.stream.id != id {
		t.Fatalf("expected stream for %s, got %s", id, env.stream.id)
	}

	var got []progress.Line
	scanner := bufio.NewScanner(w.Body)
	for scanner.Scan() {
		var l progress.Line
		if err := json.Unmarshal(scanner.Bytes(), &l); err != nil {
			t.Fatalf("line %q is not json: %v", scanner.Text(), err)
		}
		got = append(got, l)
	}
	if len(got) != 3 || got[0] != progress.StartLine || got[2] != progress.DoneLine {
		t.Fatalf("unexpected lines: %+v", got)
	}
}

func TestInformation_InvalidID(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/v1/information?id=not-a-uuid", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if env.stream.id != uuid.Nil {
		t.Fatalf("expected stream not to start")
	}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	env.server.checks = []healthCheck{
		{name: "mysql", check: func(context.Context) error { return nil }},
		{name: "redis", check: func(context.Context) error { return errors.New("down") }},
	}

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	env.server.Router().ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "redis") {
		t.Fatalf("expected failing component in body, got %s", w.Body.String())
	}
}
