package settings

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/owncloud/search-elastic-sub000/internal/config"
	"github.com/owncloud/search-elastic-sub000/internal/repository"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// memStore — SettingsStore в памяти со счётчиком чтений.
type memStore struct {
	values map[string]string
	gets   int
	getErr error
}

func newMemStore() *memStore {
	return &memStore{values: map[string]string{}}
}

func k(scope, userID, key string) string { return scope + "/" + userID + "/" + key }

func (m *memStore) Get(_ context.Context, scope, userID, key string) (string, error) {
	m.gets++
	if m.getErr != nil {
		return "", m.getErr
	}
	v, ok := m.values[k(scope, userID, key)]
	if !ok {
		return "", repository.ErrNotFound
	}
	return v, nil
}

func (m *memStore) Set(_ context.Context, scope, userID, key, value string) error {
	m.values[k(scope, userID, key)] = value
	return nil
}

func (m *memStore) SetIfAbsent(ctx context.Context, scope, userID, key, value string) (string, error) {
	if _, ok := m.values[k(scope, userID, key)]; !ok {
		m.values[k(scope, userID, key)] = value
	}
	return m.values[k(scope, userID, key)], nil
}

func (m *memStore) Delete(_ context.Context, scope, userID, key string) error {
	delete(m.values, k(scope, userID, key))
	return nil
}

func (m *memStore) List(context.Context, string, string) ([]repository.Setting, error) {
	return nil, nil
}

func testConfig() *config.Config {
	return &config.Config{
		MaxFileSize:         10 * 1024 * 1024,
		ScanExternalStorage: true,
		SkippedDirs:         []string{".git", ".svn"},
		WriteConnectors:     []string{"Legacy"},
		SearchConnector:     "Legacy",
		SettingsCacheSize:   100,
		SettingsCacheTTL:    time.Minute,
	}
}

func TestDefaultsFromConfig(t *testing.T) {
	p := New(newMemStore(), testConfig(), testLogger())
	ctx := context.Background()

	policy, err := p.ContentPolicy(ctx)
	if err != nil {
		t.Fatalf("ContentPolicy() ошибка: %v", err)
	}
	if policy.MaxSize != 10*1024*1024 || policy.NoContent || !policy.ScanExternal {
		t.Errorf("policy = %+v", policy)
	}

	writes, _ := p.WriteConnectors(ctx)
	if !slices.Equal(writes, []string{"Legacy"}) {
		t.Errorf("WriteConnectors = %v", writes)
	}
	dirs, _ := p.SkippedDirs(ctx, "alice")
	if !slices.Equal(dirs, []string{".git", ".svn"}) {
		t.Errorf("SkippedDirs = %v", dirs)
	}
}

func TestOverridesFromStore(t *testing.T) {
	store := newMemStore()
	store.values[k("app", "", KeyMaxSize)] = "2048"
	store.values[k("app", "", KeyNoContent)] = "yes"
	store.values[k("app", "", KeyGroupNoContent)] = "interns, contractors"
	store.values[k("app", "", KeyScanExternal)] = "false"
	store.values[k("app", "", KeyWriteConnectors)] = "Legacy,RelevanceV2"
	store.values[k("app", "", KeySearchConnector)] = "RelevanceV2"
	store.values[k("user", "alice", KeySkippedDirs)] = "node_modules;.cache"

	p := New(store, testConfig(), testLogger())
	ctx := context.Background()

	policy, err := p.ContentPolicy(ctx)
	if err != nil {
		t.Fatalf("ContentPolicy() ошибка: %v", err)
	}
	if policy.MaxSize != 2048 || !policy.NoContent || policy.ScanExternal {
		t.Errorf("policy = %+v", policy)
	}
	if !slices.Equal(policy.NoContentGroups, []string{"interns", "contractors"}) {
		t.Errorf("NoContentGroups = %v", policy.NoContentGroups)
	}

	writes, _ := p.WriteConnectors(ctx)
	if !slices.Equal(writes, []string{"Legacy", "RelevanceV2"}) {
		t.Errorf("WriteConnectors = %v", writes)
	}
	search, _ := p.SearchConnector(ctx)
	if search != "RelevanceV2" {
		t.Errorf("SearchConnector = %q", search)
	}
	dirs, _ := p.SkippedDirs(ctx, "alice")
	if !slices.Equal(dirs, []string{"node_modules", ".cache"}) {
		t.Errorf("SkippedDirs(alice) = %v", dirs)
	}
	dirs, _ = p.SkippedDirs(ctx, "bob")
	if !slices.Equal(dirs, []string{".git", ".svn"}) {
		t.Errorf("SkippedDirs(bob) = %v", dirs)
	}
}

// TestCache — повторные чтения не обращаются к БД, Set сбрасывает кэш.
func TestCache(t *testing.T) {
	store := newMemStore()
	p := New(store, testConfig(), testLogger())
	ctx := context.Background()

	_, _ = p.SearchConnector(ctx)
	_, _ = p.SearchConnector(ctx)
	if store.gets != 1 {
		t.Errorf("обращений к БД = %d, ожидается 1", store.gets)
	}

	if err := p.Set(ctx, "", KeySearchConnector, "RelevanceV2"); err != nil {
		t.Fatalf("Set() ошибка: %v", err)
	}
	got, _ := p.SearchConnector(ctx)
	if got != "RelevanceV2" {
		t.Errorf("после Set SearchConnector = %q", got)
	}
}

func TestInstanceID(t *testing.T) {
	store := newMemStore()
	p := New(store, testConfig(), testLogger())
	ctx := context.Background()

	id, err := p.InstanceID(ctx)
	if err != nil {
		t.Fatalf("InstanceID() ошибка: %v", err)
	}
	if !strings.HasPrefix(id, "oc") || len(id) != 12 {
		t.Errorf("InstanceID = %q, ожидается oc + 10 символов", id)
	}
	again, _ := New(store, testConfig(), testLogger()).InstanceID(ctx)
	if again != id {
		t.Errorf("повторный InstanceID = %q, ожидается %q", again, id)
	}

	cfg := testConfig()
	cfg.InstanceID = "ocfixed"
	fixed, _ := New(newMemStore(), cfg, testLogger()).InstanceID(ctx)
	if fixed != "ocfixed" {
		t.Errorf("InstanceID из конфигурации = %q", fixed)
	}
}

func TestSet_Validation(t *testing.T) {
	p := New(newMemStore(), testConfig(), testLogger())
	ctx := context.Background()

	tests := []struct {
		user, key, value string
		wantErr          bool
	}{
		{"", KeyMaxSize, "1024", false},
		{"", KeyMaxSize, "-1", true},
		{"", KeyNoContent, "maybe", true},
		{"", KeyNoContent, "no", false},
		{"", KeyWriteConnectors, " , ", true},
		{"", "unknown", "x", true},
		{"", KeySkippedDirs, ".git", true},
		{"alice", KeySkippedDirs, ".git;.hg", false},
	}
	for _, tt := range tests {
		err := p.Set(ctx, tt.user, tt.key, tt.value)
		if (err != nil) != tt.wantErr {
			t.Errorf("Set(%q, %q, %q) = %v, ожидается ошибка: %v", tt.user, tt.key, tt.value, err, tt.wantErr)
		}
	}

	if err := p.Set(ctx, "", "unknown", "x"); !errors.Is(err, ErrUnknownKey) {
		t.Errorf("ошибка = %v, ожидается ErrUnknownKey", err)
	}

	v, err := p.Get(ctx, "", KeyMaxSize)
	if err != nil || v != "1024" {
		t.Errorf("Get(max_size) = %q, %v", v, err)
	}
}

func TestFillCursor(t *testing.T) {
	p := New(newMemStore(), testConfig(), testLogger())
	ctx := context.Background()

	if n, err := p.FillCursor(ctx, "alice", "RelevanceV2"); err != nil || n != 0 {
		t.Errorf("FillCursor(пустой) = %d, %v", n, err)
	}
	if err := p.SetFillCursor(ctx, "alice", "RelevanceV2", 1234); err != nil {
		t.Fatalf("SetFillCursor() ошибка: %v", err)
	}
	if n, _ := p.FillCursor(ctx, "alice", "RelevanceV2"); n != 1234 {
		t.Errorf("FillCursor = %d, ожидается 1234", n)
	}
	if err := p.ClearFillCursor(ctx, "alice", "RelevanceV2"); err != nil {
		t.Fatalf("ClearFillCursor() ошибка: %v", err)
	}
	if n, _ := p.FillCursor(ctx, "alice", "RelevanceV2"); n != 0 {
		t.Errorf("FillCursor после сброса = %d", n)
	}
}

func TestStoreError(t *testing.T) {
	store := newMemStore()
	store.getErr = errors.New("connection refused")
	p := New(store, testConfig(), testLogger())

	if _, err := p.ContentPolicy(context.Background()); err == nil {
		t.Error("ожидалась ошибка БД")
	}
}
