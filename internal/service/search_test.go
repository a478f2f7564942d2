package service

import (
	"context"
	"errors"
	"slices"
	"strconv"
	"testing"

	"github.com/owncloud/search-elastic-sub000/internal/connector"
	"github.com/owncloud/search-elastic-sub000/internal/domain/model"
	"github.com/owncloud/search-elastic-sub000/internal/esclient"
	"github.com/owncloud/search-elastic-sub000/internal/hub"
)

// backendOf возвращает fetchFn, отдающий id total документов по порядку.
func backendOf(total int) func(limit, offset int) (*connector.ResultSet, error) {
	return func(limit, offset int) (*connector.ResultSet, error) {
		rs := &connector.ResultSet{Total: int64(total)}
		for i := offset; i < offset+limit && i < total; i++ {
			rs.Hits = append(rs.Hits, esclient.Hit{
				ID:        strconv.Itoa(i + 1),
				Score:     float64(total - i),
				Highlight: map[string][]string{"attachment.content": {"<em>q</em>"}},
			})
		}
		return rs, nil
	}
}

func searchFixture(total int) (*fakeCatalog, *fakeHub) {
	cat := newFakeCatalog("alice")
	for id := int64(1); id <= int64(total); id++ {
		cat.addFile(id, "/alice/files/docs/f"+strconv.FormatInt(id, 10)+".txt", id)
	}
	h := newFakeHub()
	h.searchConn = &fakeConnector{name: connector.LegacyName}
	h.fetchFn = backendOf(total)
	return cat, h
}

func ids(results []model.SearchResult) []int64 {
	out := make([]int64, 0, len(results))
	for _, r := range results {
		out = append(out, r.ID)
	}
	return out
}

func TestSearch_EmptyQuery(t *testing.T) {
	cat, h := searchFixture(5)
	svc := NewSearchService(h, cat, SearchOptions{}, testLogger())

	page, err := svc.Search(context.Background(), "alice", "   ", 0, 10)
	if err != nil {
		t.Fatalf("Search() ошибка: %v", err)
	}
	if len(page.Results) != 0 || page.Results == nil {
		t.Errorf("Results = %v, ожидается пустой срез", page.Results)
	}
	if h.fetchCalls != 0 {
		t.Errorf("пустой запрос обратился к бэкенду %d раз", h.fetchCalls)
	}
}

// TestSearch_DropsUnresolvable — неразрешимые результаты отбрасываются,
// страница дозаполняется, курсор бэкенда не смешивается с числом результатов.
func TestSearch_DropsUnresolvable(t *testing.T) {
	cat, h := searchFixture(10)
	cat.hidden["alice"] = []int64{2, 3}
	svc := NewSearchService(h, cat, SearchOptions{}, testLogger())

	page, err := svc.Search(context.Background(), "alice", "report", 0, 4)
	if err != nil {
		t.Fatalf("Search() ошибка: %v", err)
	}
	if !slices.Equal(ids(page.Results), []int64{1, 4, 5, 6}) {
		t.Errorf("результаты = %v, ожидается [1 4 5 6]", ids(page.Results))
	}
	if page.NextCursor != 6 || page.Dropped != 2 || page.Total != 10 || !page.HasMore {
		t.Errorf("NextCursor=%d Dropped=%d Total=%d HasMore=%v", page.NextCursor, page.Dropped, page.Total, page.HasMore)
	}
	if h.fetchCalls != 2 {
		t.Errorf("запросов к бэкенду = %d, ожидается 2", h.fetchCalls)
	}

	next, err := svc.Search(context.Background(), "alice", "report", page.NextCursor, 4)
	if err != nil {
		t.Fatalf("Search() ошибка: %v", err)
	}
	if !slices.Equal(ids(next.Results), []int64{7, 8, 9, 10}) {
		t.Errorf("вторая страница = %v", ids(next.Results))
	}
	if next.HasMore || next.NextCursor != 10 || next.Cursor != 6 {
		t.Errorf("вторая страница: HasMore=%v NextCursor=%d Cursor=%d", next.HasMore, next.NextCursor, next.Cursor)
	}
}

func TestSearch_ShortBackendPageStops(t *testing.T) {
	cat, h := searchFixture(3)
	cat.hidden["alice"] = []int64{1}
	svc := NewSearchService(h, cat, SearchOptions{}, testLogger())

	page, err := svc.Search(context.Background(), "alice", "q", 0, 10)
	if err != nil {
		t.Fatalf("Search() ошибка: %v", err)
	}
	if len(page.Results) != 2 || page.HasMore || h.fetchCalls != 1 {
		t.Errorf("результатов %d, HasMore=%v, запросов %d", len(page.Results), page.HasMore, h.fetchCalls)
	}
}

func TestSearch_MaxRounds(t *testing.T) {
	cat, h := searchFixture(100)
	all := make([]int64, 100)
	for i := range all {
		all[i] = int64(i + 1)
	}
	cat.hidden["alice"] = all
	svc := NewSearchService(h, cat, SearchOptions{MaxRounds: 3}, testLogger())

	page, err := svc.Search(context.Background(), "alice", "q", 0, 2)
	if err != nil {
		t.Fatalf("Search() ошибка: %v", err)
	}
	if h.fetchCalls != 3 {
		t.Errorf("запросов к бэкенду = %d, ожидается 3", h.fetchCalls)
	}
	if len(page.Results) != 0 || page.NextCursor != 6 || !page.HasMore {
		t.Errorf("Results=%d NextCursor=%d HasMore=%v", len(page.Results), page.NextCursor, page.HasMore)
	}
}

func TestSearch_BackendError(t *testing.T) {
	cat, h := searchFixture(1)
	h.fetchFn = func(int, int) (*connector.ResultSet, error) { return nil, hub.ErrSearchNotReady }
	svc := NewSearchService(h, cat, SearchOptions{}, testLogger())

	if _, err := svc.Search(context.Background(), "alice", "q", 0, 10); !errors.Is(err, hub.ErrSearchNotReady) {
		t.Errorf("ошибка = %v, ожидается ErrSearchNotReady", err)
	}
}

func TestSearch_Mapping(t *testing.T) {
	cat, h := searchFixture(2)
	cat.nodes[2].Kind = model.NodeFolder
	cat.nodes[2].Path = "/alice/files/docs/Projects"
	cat.nodes[2].Name = "Projects"
	svc := NewSearchService(h, cat, SearchOptions{WebURL: "https://cloud.example.com/"}, testLogger())

	page, err := svc.Search(context.Background(), "alice", "q", 0, 10)
	if err != nil {
		t.Fatalf("Search() ошибка: %v", err)
	}
	if len(page.Results) != 2 {
		t.Fatalf("результатов %d, ожидается 2", len(page.Results))
	}

	file := page.Results[0]
	if file.Path != "/docs/f1.txt" || file.Name != "f1.txt" || file.Type != "file" {
		t.Errorf("файл: %+v", file)
	}
	if file.Link != "https://cloud.example.com/index.php/apps/files/?dir=%2Fdocs&scrollto=f1.txt" {
		t.Errorf("ссылка файла = %s", file.Link)
	}
	if file.Score != 2 || len(file.Highlights) != 1 || file.MTime != 1700000000 || file.Permissions != 27 {
		t.Errorf("поля результата: %+v", file)
	}

	folder := page.Results[1]
	if folder.Type != "folder" || folder.Link != "https://cloud.example.com/index.php/apps/files/?dir=%2Fdocs%2FProjects" {
		t.Errorf("каталог: %+v", folder)
	}
}
