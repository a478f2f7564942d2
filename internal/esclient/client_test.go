package esclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// recorded — запрос, полученный тестовым сервером.
type recorded struct {
	Method string
	Path   string
	Query  string
	Body   string
}

// fakeES — тестовый сервер Elasticsearch с заданными ответами по "METHOD path".
type fakeES struct {
	mu        sync.Mutex
	requests  []recorded
	responses map[string]func(w http.ResponseWriter)
}

func newFakeES(t *testing.T) (*fakeES, *Client) {
	t.Helper()
	f := &fakeES{responses: map[string]func(w http.ResponseWriter){}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.requests = append(f.requests, recorded{r.Method, r.URL.Path, r.URL.RawQuery, string(body)})
		handler, ok := f.responses[r.Method+" "+r.URL.Path]
		f.mu.Unlock()

		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.Header().Set("Content-Type", "application/json")
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":{"type":"index_not_found_exception","reason":"no such index"},"status":404}`))
			return
		}
		handler(w)
	}))
	t.Cleanup(srv.Close)

	client, err := New(Options{URL: srv.URL + "/", MaxRetries: 0}, testLogger())
	if err != nil {
		t.Fatalf("New() ошибка: %v", err)
	}
	return f, client
}

func (f *fakeES) on(key string, status int, body string) {
	f.responses[key] = func(w http.ResponseWriter) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}
}

func (f *fakeES) last() recorded {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func TestIndexExists(t *testing.T) {
	f, c := newFakeES(t)
	f.on("HEAD /oc-abc-legacy", http.StatusOK, "")

	ok, err := c.IndexExists(context.Background(), "oc-abc-legacy")
	if err != nil || !ok {
		t.Errorf("IndexExists(существующий) = %v, %v", ok, err)
	}

	ok, err = c.IndexExists(context.Background(), "oc-abc-missing")
	if err != nil || ok {
		t.Errorf("IndexExists(отсутствующий) = %v, %v", ok, err)
	}
}

func TestPipelineExists(t *testing.T) {
	f, c := newFakeES(t)
	f.on("GET /_ingest/pipeline/oc-abc-legacy-attachments", http.StatusOK, `{"oc-abc-legacy-attachments":{}}`)

	ok, err := c.PipelineExists(context.Background(), "oc-abc-legacy-attachments")
	if err != nil || !ok {
		t.Errorf("PipelineExists = %v, %v", ok, err)
	}
	ok, err = c.PipelineExists(context.Background(), "other")
	if err != nil || ok {
		t.Errorf("PipelineExists(other) = %v, %v", ok, err)
	}
}

func TestIndexDocument_WithPipeline(t *testing.T) {
	f, c := newFakeES(t)
	f.on("PUT /idx/_doc/42", http.StatusCreated, `{"result":"created"}`)

	err := c.IndexDocument(context.Background(), "idx", "42", "idx-attachments", map[string]any{"name": "a.txt"})
	if err != nil {
		t.Fatalf("IndexDocument() ошибка: %v", err)
	}
	req := f.last()
	if !strings.Contains(req.Query, "pipeline=idx-attachments") {
		t.Errorf("query = %q, ожидается pipeline", req.Query)
	}
	if !strings.Contains(req.Body, `"name":"a.txt"`) {
		t.Errorf("body = %s", req.Body)
	}
}

func TestUpsertDocument(t *testing.T) {
	f, c := newFakeES(t)
	f.on("POST /idx/_update/43", http.StatusOK, `{"result":"updated"}`)

	if err := c.UpsertDocument(context.Background(), "idx", "43", map[string]any{"size": 0}); err != nil {
		t.Fatalf("UpsertDocument() ошибка: %v", err)
	}
	var body map[string]any
	if err := json.Unmarshal([]byte(f.last().Body), &body); err != nil {
		t.Fatalf("тело запроса: %v", err)
	}
	if body["doc_as_upsert"] != true {
		t.Errorf("doc_as_upsert = %v", body["doc_as_upsert"])
	}
}

func TestDeleteDocument_NotFoundIsSuccess(t *testing.T) {
	_, c := newFakeES(t)
	if err := c.DeleteDocument(context.Background(), "idx", "404"); err != nil {
		t.Errorf("DeleteDocument(отсутствующий) = %v, ожидается nil", err)
	}
}

func TestResponseError(t *testing.T) {
	f, c := newFakeES(t)
	f.on("PUT /idx", http.StatusBadRequest,
		`{"error":{"type":"resource_already_exists_exception","reason":"index [idx] already exists"},"status":400}`)

	err := c.CreateIndex(context.Background(), "idx", map[string]any{})
	var respErr *ResponseError
	if !errors.As(err, &respErr) {
		t.Fatalf("ошибка = %v, ожидается *ResponseError", err)
	}
	if respErr.StatusCode != http.StatusBadRequest || respErr.Type != "resource_already_exists_exception" {
		t.Errorf("ResponseError = %+v", respErr)
	}
}

func TestSearch(t *testing.T) {
	f, c := newFakeES(t)
	f.on("POST /idx/_search", http.StatusOK, `{
		"took": 3,
		"hits": {
			"total": {"value": 2, "relation": "eq"},
			"hits": [
				{"_id": "42", "_score": 1.5, "_source": {"name": "a.txt", "mtime": 1700000000},
				 "highlight": {"attachment.content": ["<em>hello</em>"]}},
				{"_id": "43", "_score": 0.5, "_source": {"name": "b.txt"}}
			]
		}
	}`)

	resp, err := c.Search(context.Background(), "idx", map[string]any{"query": map[string]any{"match_all": map[string]any{}}})
	if err != nil {
		t.Fatalf("Search() ошибка: %v", err)
	}
	if resp.Hits.Total.Value != 2 || len(resp.Hits.Hits) != 2 {
		t.Fatalf("ответ = %+v", resp)
	}
	hit := resp.Hits.Hits[0]
	if hit.ID != "42" || hit.Score != 1.5 || hit.Source["name"] != "a.txt" {
		t.Errorf("hit = %+v", hit)
	}
	if hit.Highlight["attachment.content"][0] != "<em>hello</em>" {
		t.Errorf("highlight = %v", hit.Highlight)
	}
}

func TestIndexStatsAndHealth(t *testing.T) {
	f, c := newFakeES(t)
	f.on("GET /idx/_stats", http.StatusOK, `{"_all":{"primaries":{"docs":{"count":7}}}}`)
	f.on("GET /_cluster/health", http.StatusOK, `{"status":"yellow"}`)

	stats, err := c.IndexStats(context.Background(), "idx")
	if err != nil || stats["_all"] == nil {
		t.Errorf("IndexStats = %v, %v", stats, err)
	}
	status, err := c.ClusterHealth(context.Background())
	if err != nil || status != "yellow" {
		t.Errorf("ClusterHealth = %q, %v", status, err)
	}
}

func TestNormalizeURL(t *testing.T) {
	if got := normalizeURL("http://es:9200///"); got != "http://es:9200" {
		t.Errorf("normalizeURL = %q", got)
	}
}
