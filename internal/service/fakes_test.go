package service

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path"
	"slices"
	"strconv"
	"sync"

	"github.com/owncloud/search-elastic-sub000/internal/catalog"
	"github.com/owncloud/search-elastic-sub000/internal/connector"
	"github.com/owncloud/search-elastic-sub000/internal/domain/model"
	"github.com/owncloud/search-elastic-sub000/internal/esclient"
	"github.com/owncloud/search-elastic-sub000/internal/repository"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// --- memStatus: StatusStore в памяти ---

// memStatus хранит статусы в map. files — file id, присутствующие в
// каталоге; по ним вычисляются файлы без статуса и исчезнувшие файлы.
type memStatus struct {
	mu      sync.Mutex
	rows    map[int64]*model.FileStatus
	files   []int64
	writes  int
	failOn  model.Status
	markErr error
	// changed — переходы, которые вернёт обход изменений
	changed map[int64]model.Status
}

func newMemStatus(files ...int64) *memStatus {
	return &memStatus{rows: make(map[int64]*model.FileStatus), files: files}
}

func (m *memStatus) status(id int64) (model.Status, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fs, ok := m.rows[id]
	if !ok {
		return "", ""
	}
	return fs.Status, fs.Message
}

func (m *memStatus) set(id int64, s model.Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[id] = model.LoadedFileStatus(id, s, "")
}

func (m *memStatus) Get(_ context.Context, fileID int64) (*model.FileStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fs, ok := m.rows[fileID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return model.LoadedFileStatus(fs.FileID, fs.Status, fs.Message), nil
}

func (m *memStatus) GetOrCreate(ctx context.Context, fileID int64) (*model.FileStatus, error) {
	if fs, err := m.Get(ctx, fileID); err == nil {
		return fs, nil
	}
	m.mu.Lock()
	m.rows[fileID] = model.LoadedFileStatus(fileID, model.StatusNew, "")
	m.writes++
	m.mu.Unlock()
	return m.Get(ctx, fileID)
}

func (m *memStatus) mark(fs *model.FileStatus, target model.Status, msg string) error {
	if m.markErr != nil && target == m.failOn {
		return m.markErr
	}
	if !fs.Apply(target, msg) {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	m.rows[fs.FileID] = model.LoadedFileStatus(fs.FileID, fs.Status, fs.Message)
	fs.MarkPersisted()
	return nil
}

func (m *memStatus) MarkNew(_ context.Context, fs *model.FileStatus) error {
	return m.mark(fs, model.StatusNew, "")
}

func (m *memStatus) MarkMetadataChanged(_ context.Context, fs *model.FileStatus) error {
	return m.mark(fs, model.StatusMetadataChanged, "")
}

func (m *memStatus) MarkIndexed(_ context.Context, fs *model.FileStatus) error {
	return m.mark(fs, model.StatusIndexed, "")
}

func (m *memStatus) MarkSkipped(_ context.Context, fs *model.FileStatus, msg string) error {
	return m.mark(fs, model.StatusSkipped, msg)
}

func (m *memStatus) MarkUnIndexed(_ context.Context, fs *model.FileStatus) error {
	return m.mark(fs, model.StatusUnindexed, "")
}

func (m *memStatus) MarkVanished(_ context.Context, fs *model.FileStatus, msg string) error {
	return m.mark(fs, model.StatusVanished, msg)
}

func (m *memStatus) MarkError(_ context.Context, fs *model.FileStatus, msg string) error {
	return m.mark(fs, model.StatusError, msg)
}

func (m *memStatus) MarkNewBatch(_ context.Context, ids []int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		m.rows[id] = model.LoadedFileStatus(id, model.StatusNew, "")
	}
	m.writes++
	return int64(len(ids)), nil
}

func (m *memStatus) byStatus(s model.Status, includeAbsent bool) []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []int64
	for _, id := range m.files {
		fs, ok := m.rows[id]
		if (!ok && includeAbsent) || (ok && fs.Status == s) {
			ids = append(ids, id)
		}
	}
	return ids
}

func (m *memStatus) FindFilesNeedingContentIndex(context.Context, []int64) ([]int64, error) {
	return m.byStatus(model.StatusNew, true), nil
}

func (m *memStatus) FindFilesNeedingMetadataIndex(context.Context, []int64) ([]int64, error) {
	return m.byStatus(model.StatusMetadataChanged, false), nil
}

func (m *memStatus) FindIndexedFiles(_ context.Context, _ []int64, minID int64, limit int) ([]int64, error) {
	ids := m.byStatus(model.StatusIndexed, false)
	slices.Sort(ids)
	var result []int64
	for _, id := range ids {
		if id > minID && len(result) < limit {
			result = append(result, id)
		}
	}
	return result, nil
}

func (m *memStatus) CountIndexed(context.Context, []int64) (int, error) {
	return len(m.byStatus(model.StatusIndexed, false)), nil
}

func (m *memStatus) CountByStatus(context.Context) (map[model.Status]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[model.Status]int)
	for _, fs := range m.rows {
		counts[fs.Status]++
	}
	return counts, nil
}

func (m *memStatus) DetectChanges(context.Context, []int64) (repository.ChangeCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var counts repository.ChangeCounts
	for id, target := range m.changed {
		m.rows[id] = model.LoadedFileStatus(id, target, "")
		if target == model.StatusNew {
			counts.Content++
		} else {
			counts.Metadata++
		}
	}
	m.changed = nil
	return counts, nil
}

func (m *memStatus) FindVanished(context.Context) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []int64
	for id := range m.rows {
		if !slices.Contains(m.files, id) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

func (m *memStatus) DeleteByIDs(_ context.Context, ids []int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, id := range ids {
		if _, ok := m.rows[id]; ok {
			delete(m.rows, id)
			n++
		}
	}
	return n, nil
}

func (m *memStatus) Clear(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := int64(len(m.rows))
	m.rows = make(map[int64]*model.FileStatus)
	return n, nil
}

// --- fakeCatalog ---

type fakeCatalog struct {
	nodes    map[int64]*model.Node
	children map[int64][]catalog.Child
	users    []string
	// hidden — file id, недоступные пользователю
	hidden     map[string][]int64
	resolveErr error
}

func newFakeCatalog(users ...string) *fakeCatalog {
	return &fakeCatalog{
		nodes:    make(map[int64]*model.Node),
		children: make(map[int64][]catalog.Child),
		users:    users,
		hidden:   make(map[string][]int64),
	}
}

func (c *fakeCatalog) addFile(id int64, p string, size int64) *model.Node {
	n := &model.Node{
		FileID: id, ParentID: 1, StorageID: 1, StorageKey: "home::alice",
		Path: p, Name: path.Base(p), MimeType: "text/plain",
		Size: size, MTime: 1700000000, Permissions: 27, Owner: "alice",
		Local: true, Kind: model.NodeFile,
	}
	c.nodes[id] = n
	return n
}

func (c *fakeCatalog) Resolve(_ context.Context, userID string, fileID int64) (*model.Node, error) {
	if c.resolveErr != nil {
		return nil, c.resolveErr
	}
	if slices.Contains(c.hidden[userID], fileID) {
		return nil, catalog.ErrNotFound
	}
	n, ok := c.nodes[fileID]
	if !ok {
		return nil, catalog.ErrNotFound
	}
	cp := *n
	return &cp, nil
}

func (c *fakeCatalog) HomeFolder(_ context.Context, userID string) (*model.Node, error) {
	if !slices.Contains(c.users, userID) {
		return nil, catalog.ErrNotFound
	}
	return &model.Node{FileID: 1, Path: "/" + userID + "/files", Owner: userID, Kind: model.NodeFolder}, nil
}

func (c *fakeCatalog) Children(_ context.Context, fileID int64) ([]catalog.Child, error) {
	return c.children[fileID], nil
}

func (c *fakeCatalog) Users(context.Context) ([]string, error) {
	return c.users, nil
}

func (c *fakeCatalog) UserExists(_ context.Context, userID string) (bool, error) {
	return slices.Contains(c.users, userID), nil
}

func (c *fakeCatalog) HomeScope(context.Context, string, bool) ([]int64, error) {
	return []int64{1}, nil
}

// --- fakeHub ---

type fakeHub struct {
	mu          sync.Mutex
	indexFn     func(node *model.Node, extract bool) (bool, error)
	indexed     []int64
	extracted   map[int64]bool
	deleteFn    func(fileID int64) (bool, error)
	deleted     []int64
	optimized   int
	connectors  map[string]connector.Connector
	fetchFn     func(limit, offset int) (*connector.ResultSet, error)
	fetchCalls  int
	searchConn  connector.Connector
	optimizeErr error
}

func newFakeHub() *fakeHub {
	return &fakeHub{extracted: make(map[int64]bool), connectors: make(map[string]connector.Connector)}
}

func (h *fakeHub) PrepareWriteIndexes(context.Context, bool) (bool, error) { return true, nil }

func (h *fakeHub) IndexNode(_ context.Context, _ string, node *model.Node, extract bool) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.indexed = append(h.indexed, node.FileID)
	h.extracted[node.FileID] = extract
	if h.indexFn != nil {
		return h.indexFn(node, extract)
	}
	return true, nil
}

func (h *fakeHub) DeleteByFileID(_ context.Context, fileID int64) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.deleteFn != nil {
		if ok, err := h.deleteFn(fileID); !ok || err != nil {
			return ok, err
		}
	}
	h.deleted = append(h.deleted, fileID)
	return true, nil
}

func (h *fakeHub) Optimize(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.optimized++
	return h.optimizeErr
}

func (h *fakeHub) Connector(name string) (connector.Connector, bool) {
	c, ok := h.connectors[name]
	return c, ok
}

func (h *fakeHub) FetchResults(_ context.Context, _, _ string, limit, offset int) (*connector.ResultSet, connector.Connector, error) {
	h.fetchCalls++
	rs, err := h.fetchFn(limit, offset)
	if err != nil {
		return nil, nil, err
	}
	return rs, h.searchConn, nil
}

// --- fakeSettings ---

type fakeSettings struct {
	mu      sync.Mutex
	skipped []string
	cursors map[string]int64
	err     error
}

func newFakeSettings(skipped ...string) *fakeSettings {
	return &fakeSettings{skipped: skipped, cursors: make(map[string]int64)}
}

func (s *fakeSettings) SkippedDirs(context.Context, string) ([]string, error) {
	return s.skipped, s.err
}

func (s *fakeSettings) ScanExternalStorages(context.Context) (bool, error) { return false, nil }

func (s *fakeSettings) FillCursor(_ context.Context, userID, name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursors[userID+"/"+name], nil
}

func (s *fakeSettings) SetFillCursor(_ context.Context, userID, name string, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[userID+"/"+name] = id
	return nil
}

func (s *fakeSettings) ClearFillCursor(_ context.Context, userID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cursors, userID+"/"+name)
	return nil
}

// --- fakeConnector ---

type fakeConnector struct {
	name     string
	setup    bool
	prepared int
	indexed  []int64
}

func (c *fakeConnector) IsSetup(context.Context) (bool, error) { return c.setup, nil }

func (c *fakeConnector) PrepareIndex(context.Context) error {
	c.prepared++
	c.setup = true
	return nil
}

func (c *fakeConnector) IndexNode(_ context.Context, _ string, node *model.Node, _ bool) (bool, error) {
	c.indexed = append(c.indexed, node.FileID)
	return true, nil
}

func (c *fakeConnector) FetchResults(context.Context, string, string, int, int) (*connector.ResultSet, error) {
	return &connector.ResultSet{}, nil
}

// FindInResult разбирает id и score, как коннекторы Elasticsearch.
func (c *fakeConnector) FindInResult(hit esclient.Hit, key string) any {
	switch key {
	case connector.KeyID:
		id, err := strconv.ParseInt(hit.ID, 10, 64)
		if err != nil {
			return nil
		}
		return id
	case connector.KeyScore:
		return hit.Score
	case connector.KeyHighlights:
		return hit.Highlight["attachment.content"]
	default:
		return hit.Source[key]
	}
}

func (c *fakeConnector) DeleteByFileID(context.Context, int64) (bool, error) { return true, nil }

func (c *fakeConnector) GetStats(context.Context) (map[string]any, error) { return nil, nil }

func (c *fakeConnector) Optimize(context.Context) error { return nil }

func (c *fakeConnector) ConnectorName() string        { return c.name }
func (c *fakeConnector) PrivateConnectorName() string { return c.name }

var errBackend = errors.New("connection reset by peer")
