package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/owncloud/search-elastic-sub000/internal/api/middleware"
	"github.com/owncloud/search-elastic-sub000/internal/domain/model"
	"github.com/owncloud/search-elastic-sub000/internal/hub"
	"github.com/owncloud/search-elastic-sub000/internal/service"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// --- Моки ---

type mockSearcher struct {
	fn    func(userID, query string, cursor, size int) (*model.SearchPage, error)
	calls int
}

func (m *mockSearcher) Search(_ context.Context, userID, query string, cursor, size int) (*model.SearchPage, error) {
	m.calls++
	return m.fn(userID, query, cursor, size)
}

type mockHub struct {
	statuses []hub.ConnectorStatus
	err      error
}

func (m *mockHub) Status(context.Context) ([]hub.ConnectorStatus, error) {
	return m.statuses, m.err
}

type mockCounter struct {
	counts map[model.Status]int
	err    error
}

func (m *mockCounter) CountByStatus(context.Context) (map[model.Status]int, error) {
	return m.counts, m.err
}

type mockJobs struct {
	inProgress bool
	report     *service.JobReport
}

func (m *mockJobs) IsInProgress() bool            { return m.inProgress }
func (m *mockJobs) LastReport() *service.JobReport { return m.report }

type staticChecker struct{ status, message string }

func (c staticChecker) CheckReady() (string, string) { return c.status, c.message }

// withClaims добавляет в запрос claims, как это делает JWT middleware.
func withClaims(r *http.Request, userID string) *http.Request {
	ctx := context.WithValue(r.Context(), middleware.ContextKeyClaims, &middleware.AuthClaims{UserID: userID})
	return r.WithContext(ctx)
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("тело ошибки: %v", err)
	}
	return body.Error.Code
}

// --- Поиск ---

func TestSearchFiles(t *testing.T) {
	searcher := &mockSearcher{fn: func(userID, query string, cursor, size int) (*model.SearchPage, error) {
		if userID != "alice" || query != "report" || cursor != 30 || size != 10 {
			t.Errorf("Search(%q, %q, %d, %d)", userID, query, cursor, size)
		}
		return &model.SearchPage{
			Results:    []model.SearchResult{{ID: 42, Name: "report.txt"}},
			Total:      11,
			Cursor:     30,
			NextCursor: 40,
			HasMore:    true,
		}, nil
	}}
	h := NewAPIHandler(searcher, &mockHub{}, &mockCounter{}, nil, 30, testLogger())

	req := withClaims(httptest.NewRequest(http.MethodGet, "/api/v1/search?q=+report+&cursor=30&size=10", nil), "alice")
	rec := httptest.NewRecorder()
	h.SearchFiles(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("статус = %d, тело: %s", rec.Code, rec.Body.String())
	}
	var page model.SearchPage
	if err := json.NewDecoder(rec.Body).Decode(&page); err != nil {
		t.Fatal(err)
	}
	if len(page.Results) != 1 || page.Results[0].ID != 42 || page.NextCursor != 40 || !page.HasMore {
		t.Errorf("страница: %+v", page)
	}
}

func TestSearchFiles_DefaultSize(t *testing.T) {
	searcher := &mockSearcher{fn: func(_, _ string, cursor, size int) (*model.SearchPage, error) {
		if cursor != 0 || size != 30 {
			t.Errorf("cursor=%d size=%d, ожидается 0 и 30", cursor, size)
		}
		return &model.SearchPage{Results: []model.SearchResult{}}, nil
	}}
	h := NewAPIHandler(searcher, &mockHub{}, &mockCounter{}, nil, 30, testLogger())

	rec := httptest.NewRecorder()
	h.SearchFiles(rec, withClaims(httptest.NewRequest(http.MethodGet, "/api/v1/search?q=x", nil), "alice"))
	if rec.Code != http.StatusOK {
		t.Errorf("статус = %d", rec.Code)
	}
}

func TestSearchFiles_Errors(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		noClaims bool
		err      error
		wantCode int
		wantErr  string
	}{
		{"без claims", "/api/v1/search?q=x", true, nil, http.StatusUnauthorized, "UNAUTHORIZED"},
		{"отрицательный cursor", "/api/v1/search?q=x&cursor=-1", false, nil, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"size не число", "/api/v1/search?q=x&size=abc", false, nil, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"size больше предела", "/api/v1/search?q=x&size=5000", false, nil, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"индекс не готов", "/api/v1/search?q=x", false, hub.ErrSearchNotReady, http.StatusServiceUnavailable, "INDEX_NOT_READY"},
		{"ошибка бэкенда", "/api/v1/search?q=x", false, errors.New("boom"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			searcher := &mockSearcher{fn: func(string, string, int, int) (*model.SearchPage, error) {
				return nil, tt.err
			}}
			h := NewAPIHandler(searcher, &mockHub{}, &mockCounter{}, nil, 30, testLogger())

			req := httptest.NewRequest(http.MethodGet, tt.url, nil)
			if !tt.noClaims {
				req = withClaims(req, "alice")
			}
			rec := httptest.NewRecorder()
			h.SearchFiles(rec, req)

			if rec.Code != tt.wantCode {
				t.Fatalf("статус = %d, ожидается %d", rec.Code, tt.wantCode)
			}
			if code := decodeError(t, rec); code != tt.wantErr {
				t.Errorf("код ошибки = %s, ожидается %s", code, tt.wantErr)
			}
			if tt.wantCode == http.StatusBadRequest && searcher.calls != 0 {
				t.Error("некорректный запрос не должен доходить до поиска")
			}
		})
	}
}

// --- Состояние ---

func TestGetStatus(t *testing.T) {
	counter := &mockCounter{counts: map[model.Status]int{
		model.StatusIndexed: 7,
		model.StatusNew:     2,
	}}
	hubStatus := &mockHub{statuses: []hub.ConnectorStatus{
		{Name: "Legacy", Role: "search", State: hub.StateReady},
	}}
	jobs := &mockJobs{report: &service.JobReport{
		RunID:    "run-1",
		Users:    3,
		Busy:     []string{"bob"},
		Result:   service.BatchResult{Counts: map[model.OutcomeKind]int{model.OutcomeIndexed: 5}},
		Deleted:  1,
		Duration: 1500 * time.Millisecond,
	}}
	h := NewAPIHandler(&mockSearcher{}, hubStatus, counter, jobs, 30, testLogger())

	rec := httptest.NewRecorder()
	h.GetStatus(rec, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("статус = %d", rec.Code)
	}

	var resp statusResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Files["indexed"] != 7 || resp.Files["new"] != 2 || resp.Files["error"] != 0 {
		t.Errorf("files = %v", resp.Files)
	}
	if len(resp.Files) != len(model.AllStatuses) {
		t.Errorf("в ответе %d статусов, ожидается %d", len(resp.Files), len(model.AllStatuses))
	}
	if len(resp.Connectors) != 1 || resp.Connectors[0].State != hub.StateReady {
		t.Errorf("connectors = %+v", resp.Connectors)
	}
	if resp.Jobs == nil || resp.Jobs.LastRun == nil {
		t.Fatal("нет итога заданий")
	}
	if resp.Jobs.LastRun.Files["indexed"] != 5 || resp.Jobs.LastRun.Duration != "1.5s" {
		t.Errorf("last_run = %+v", resp.Jobs.LastRun)
	}
}

func TestGetStatus_CounterError(t *testing.T) {
	h := NewAPIHandler(&mockSearcher{}, &mockHub{}, &mockCounter{err: errors.New("db down")}, nil, 30, testLogger())
	rec := httptest.NewRecorder()
	h.GetStatus(rec, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("статус = %d, ожидается 500", rec.Code)
	}
}

// --- Health ---

func TestHealthReady(t *testing.T) {
	tests := []struct {
		name       string
		pg         ReadinessChecker
		hub        *mockHub
		wantStatus string
		wantCode   int
	}{
		{
			name:       "всё готово",
			pg:         staticChecker{"ok", ""},
			hub:        &mockHub{statuses: []hub.ConnectorStatus{{Name: "Legacy", Role: "search", State: hub.StateReady}}},
			wantStatus: "ok",
			wantCode:   http.StatusOK,
		},
		{
			name:       "индекс не создан",
			pg:         staticChecker{"ok", ""},
			hub:        &mockHub{statuses: []hub.ConnectorStatus{{Name: "Legacy", Role: "search", State: hub.StateNotProvisioned}}},
			wantStatus: "degraded",
			wantCode:   http.StatusOK,
		},
		{
			name:       "Elasticsearch недоступен",
			pg:         staticChecker{"ok", ""},
			hub:        &mockHub{statuses: []hub.ConnectorStatus{{Name: "Legacy", Role: "search", State: hub.StateUnreachable, Error: "timeout"}}},
			wantStatus: "fail",
			wantCode:   http.StatusServiceUnavailable,
		},
		{
			name:       "PostgreSQL не инициализирован",
			pg:         nil,
			hub:        &mockHub{statuses: []hub.ConnectorStatus{{Name: "Legacy", Role: "search", State: hub.StateReady}}},
			wantStatus: "fail",
			wantCode:   http.StatusServiceUnavailable,
		},
		{
			name:       "ошибка настроек коннекторов",
			pg:         staticChecker{"ok", ""},
			hub:        &mockHub{err: errors.New("settings")},
			wantStatus: "fail",
			wantCode:   http.StatusServiceUnavailable,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthHandler(tt.pg, tt.hub)
			rec := httptest.NewRecorder()
			h.HealthReady(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

			if rec.Code != tt.wantCode {
				t.Errorf("статус = %d, ожидается %d", rec.Code, tt.wantCode)
			}
			var resp healthReadyResponse
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatal(err)
			}
			if resp.Status != tt.wantStatus {
				t.Errorf("status = %s, ожидается %s", resp.Status, tt.wantStatus)
			}
		})
	}
}

func TestHealthLive(t *testing.T) {
	h := NewHealthHandler(nil, nil)
	rec := httptest.NewRecorder()
	h.HealthLive(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("статус = %d", rec.Code)
	}
}

func TestOverallStatus(t *testing.T) {
	tests := []struct {
		in   []string
		want string
	}{
		{[]string{"ok", "ok"}, "ok"},
		{[]string{"ok", "degraded"}, "degraded"},
		{[]string{"degraded", "fail"}, "fail"},
	}
	for _, tt := range tests {
		if got := overallStatus(tt.in...); got != tt.want {
			t.Errorf("overallStatus(%v) = %s, ожидается %s", tt.in, got, tt.want)
		}
	}
}
