package connector

import (
	"time"

	"github.com/owncloud/search-elastic-sub000/internal/domain/model"
)

// RelevanceV2Name — имя коннектора RelevanceV2.
const RelevanceV2Name = "RelevanceV2"

// recencyWeights — множители оценки по возрасту файла, от старых к новым.
var recencyWeights = []struct {
	gte, lt string
	weight  float64
}{
	{"", "now-1y", 0.25},
	{"now-1y", "now-1M", 0.5},
	{"now-1M", "now-1w", 0.75},
	{"now-1w", "now-1d", 1.0},
	{"now-1d", "", 1.5},
}

// relevanceV2 — имя разделено на базовое имя и расширение, n-граммы имени
// для нечёткого и префиксного поиска, свежие файлы выше старых.
type relevanceV2 struct{}

// NewRelevanceV2 создаёт коннектор RelevanceV2.
func NewRelevanceV2(deps Deps) (*ESConnector, error) {
	return newESConnector(relevanceV2{}, deps)
}

func (relevanceV2) name() string           { return RelevanceV2Name }
func (relevanceV2) privateName() string    { return "relevance_v2" }
func (relevanceV2) definitionFile() string { return "relevance_v2.yaml" }

func (relevanceV2) document(node *model.Node, access model.AccessSet) map[string]any {
	return map[string]any{
		"name":   node.BaseName(),
		"ext":    node.Extension(),
		"size":   node.Size,
		"mtime":  time.Unix(node.MTime, 0).UTC().Format(time.RFC3339),
		"users":  access.Users,
		"groups": access.Groups,
	}
}

func (relevanceV2) query(q string, filter map[string]any, withContent bool) map[string]any {
	// Запрос раскладывается так же, как имя документа: "report.pdf" → report + pdf
	parts := model.Node{Name: q}
	name, ext := parts.BaseName(), parts.Extension()

	should := []any{
		map[string]any{"match": map[string]any{"name": map[string]any{"query": name, "boost": 3}}},
		map[string]any{"match": map[string]any{"name.edge": map[string]any{"query": name, "boost": 2}}},
		map[string]any{"match": map[string]any{"name.ngram": map[string]any{"query": name}}},
	}
	if ext != "" {
		should = append(should, map[string]any{"term": map[string]any{"ext": map[string]any{"value": ext}}})
	}
	if withContent {
		should = append(should, map[string]any{"match": map[string]any{"attachment.content": q}})
	}

	functions := make([]any, 0, len(recencyWeights))
	for _, rw := range recencyWeights {
		bounds := map[string]any{}
		if rw.gte != "" {
			bounds["gte"] = rw.gte
		}
		if rw.lt != "" {
			bounds["lt"] = rw.lt
		}
		functions = append(functions, map[string]any{
			"filter": map[string]any{"range": map[string]any{"mtime": bounds}},
			"weight": rw.weight,
		})
	}

	return map[string]any{
		"function_score": map[string]any{
			"query": map[string]any{
				"bool": map[string]any{
					"filter":               []any{filter},
					"should":               should,
					"minimum_should_match": 1,
				},
			},
			"functions":  functions,
			"score_mode": "first",
			"boost_mode": "multiply",
		},
	}
}

// mtime хранится как дата RFC3339.
func (relevanceV2) mtime(raw any) any {
	switch v := raw.(type) {
	case string:
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return nil
		}
		return t.Unix()
	case float64:
		return int64(v)
	default:
		return nil
	}
}
