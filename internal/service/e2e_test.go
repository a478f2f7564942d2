package service

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/owncloud/search-elastic-sub000/internal/access"
	"github.com/owncloud/search-elastic-sub000/internal/connector"
	"github.com/owncloud/search-elastic-sub000/internal/domain/model"
	"github.com/owncloud/search-elastic-sub000/internal/esclient"
	"github.com/owncloud/search-elastic-sub000/internal/hub"
)

// --- Elasticsearch в памяти ---

type memBackend struct {
	mu        sync.Mutex
	indexes   map[string]bool
	pipelines map[string]bool
	docs      map[string]map[string]any
	// piped — id документов, записанных через пайплайн
	piped map[string]string
}

func newMemBackend() *memBackend {
	return &memBackend{
		indexes:   make(map[string]bool),
		pipelines: make(map[string]bool),
		docs:      make(map[string]map[string]any),
		piped:     make(map[string]string),
	}
}

func (b *memBackend) IndexExists(_ context.Context, index string) (bool, error) {
	return b.indexes[index], nil
}

func (b *memBackend) CreateIndex(_ context.Context, index string, _ any) error {
	b.indexes[index] = true
	return nil
}

func (b *memBackend) DeleteIndex(_ context.Context, index string) error {
	delete(b.indexes, index)
	return nil
}

func (b *memBackend) PipelineExists(_ context.Context, id string) (bool, error) {
	return b.pipelines[id], nil
}

func (b *memBackend) PutPipeline(_ context.Context, id string, _ any) error {
	b.pipelines[id] = true
	return nil
}

func (b *memBackend) DeletePipeline(_ context.Context, id string) error {
	delete(b.pipelines, id)
	return nil
}

func (b *memBackend) IndexDocument(_ context.Context, _, id, pipeline string, doc any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.docs[id] = doc.(map[string]any)
	b.piped[id] = pipeline
	return nil
}

func (b *memBackend) UpsertDocument(_ context.Context, _, id string, fields any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	existing := b.docs[id]
	if existing == nil {
		existing = make(map[string]any)
	}
	for k, v := range fields.(map[string]any) {
		existing[k] = v
	}
	b.docs[id] = existing
	return nil
}

func (b *memBackend) DeleteDocument(_ context.Context, _, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.docs, id)
	return nil
}

func (b *memBackend) Search(context.Context, string, any) (*esclient.SearchResponse, error) {
	return &esclient.SearchResponse{}, nil
}

func (b *memBackend) IndexStats(context.Context, string) (map[string]any, error) {
	return map[string]any{}, nil
}

func (b *memBackend) ForceMerge(context.Context, string) error { return nil }

// --- коллабораторы коннектора ---

type noShares struct{}

func (noShares) SharesOf(context.Context, int64) ([]string, []string, error) { return nil, nil, nil }
func (noShares) ParentOf(context.Context, int64) (int64, bool, error)         { return 0, false, nil }

type noGroups struct{}

func (noGroups) GroupsOf(context.Context, string) ([]string, error) { return nil, nil }

type textContent struct{}

func (textContent) OpenContent(_ context.Context, node *model.Node) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(strings.Repeat("x", int(node.Size)))), nil
}

type e2eSettings struct{}

func (e2eSettings) InstanceID(context.Context) (string, error) { return "oce2e", nil }

func (e2eSettings) ContentPolicy(context.Context) (model.ContentPolicy, error) {
	return model.ContentPolicy{MaxSize: 1024, ScanExternal: true}, nil
}

type e2eConfig struct{}

func (e2eConfig) WriteConnectors(context.Context) ([]string, error) {
	return []string{connector.LegacyName}, nil
}
func (e2eConfig) SearchConnector(context.Context) (string, error) { return connector.LegacyName, nil }

// TestEndToEnd_IndexNodes — пакет из трёх файлов через Hub и коннектор Legacy:
// 42 индексируется с содержимым, 43 (пустой) без содержимого, 44 исчез.
func TestEndToEnd_IndexNodes(t *testing.T) {
	backend := newMemBackend()
	legacy, err := connector.NewLegacy(connector.Deps{
		Backend:  backend,
		Access:   access.NewResolver(noShares{}, testLogger()),
		Groups:   noGroups{},
		Content:  textContent{},
		Settings: e2eSettings{},
		Logger:   testLogger(),
	})
	require.NoError(t, err)

	h := hub.New(e2eConfig{}, connector.LegacyName, testLogger())
	h.RegisterConnector(legacy)

	cat := newFakeCatalog("alice")
	cat.addFile(42, "/alice/files/docs/report.txt", 100)
	cat.addFile(43, "/alice/files/docs/empty.txt", 0)
	status := newMemStatus(42, 43)

	svc := NewIndexingService(status, cat, h, newFakeSettings(".git"), testLogger())
	result, err := svc.IndexNodes(context.Background(), "alice", []int64{42, 43, 44}, true)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Processed)

	st, _ := status.status(42)
	assert.Equal(t, model.StatusIndexed, st)
	assert.Contains(t, backend.docs["42"], "data", "содержимое 42 передано в пайплайн")
	assert.Equal(t, "oc-oce2e-legacy-attachments", backend.piped["42"])
	assert.ElementsMatch(t, []string{"alice"}, backend.docs["42"]["users"])

	st, _ = status.status(43)
	assert.Equal(t, model.StatusIndexed, st)
	assert.NotContains(t, backend.docs["43"], "data", "пустой файл записан без содержимого")
	assert.Empty(t, backend.piped["43"], "без пайплайна")

	st, msg := status.status(44)
	assert.Equal(t, model.StatusVanished, st)
	assert.Equal(t, "File vanished", msg)
	assert.NotContains(t, backend.docs, "44")
}

// Файл 42 опустел: документ заменяется, содержимое прежней версии не остаётся.
func TestEndToEnd_EmptiedFileDropsContent(t *testing.T) {
	backend := newMemBackend()
	legacy, err := connector.NewLegacy(connector.Deps{
		Backend:  backend,
		Access:   access.NewResolver(noShares{}, testLogger()),
		Groups:   noGroups{},
		Content:  textContent{},
		Settings: e2eSettings{},
		Logger:   testLogger(),
	})
	require.NoError(t, err)

	h := hub.New(e2eConfig{}, connector.LegacyName, testLogger())
	h.RegisterConnector(legacy)

	cat := newFakeCatalog("alice")
	cat.addFile(42, "/alice/files/docs/report.txt", 100)
	svc := NewIndexingService(newMemStatus(42), cat, h, newFakeSettings(".git"), testLogger())

	_, err = svc.IndexNodes(context.Background(), "alice", []int64{42}, true)
	require.NoError(t, err)
	require.Contains(t, backend.docs["42"], "data")

	cat.addFile(42, "/alice/files/docs/report.txt", 0)
	_, err = svc.IndexNodes(context.Background(), "alice", []int64{42}, true)
	require.NoError(t, err)
	assert.NotContains(t, backend.docs["42"], "data", "содержимое прежней версии удалено")
	assert.Empty(t, backend.piped["42"])
	assert.Equal(t, int64(0), backend.docs["42"]["size"])
}
