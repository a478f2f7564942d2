package connector

import (
	"github.com/owncloud/search-elastic-sub000/internal/domain/model"
)

// LegacyName — имя коннектора Legacy. Используется Hub как запасной.
const LegacyName = "Legacy"

// legacy — исходная схема: имя целиком, mtime в секундах,
// совпадение по имени, фразе имени и содержимому.
type legacy struct{}

// NewLegacy создаёт коннектор Legacy.
func NewLegacy(deps Deps) (*ESConnector, error) {
	return newESConnector(legacy{}, deps)
}

func (legacy) name() string           { return LegacyName }
func (legacy) privateName() string    { return "legacy" }
func (legacy) definitionFile() string { return "legacy.yaml" }

func (legacy) document(node *model.Node, access model.AccessSet) map[string]any {
	return map[string]any{
		"name":   node.Name,
		"size":   node.Size,
		"mtime":  node.MTime,
		"users":  access.Users,
		"groups": access.Groups,
	}
}

func (legacy) query(q string, filter map[string]any, withContent bool) map[string]any {
	should := []any{
		map[string]any{"match": map[string]any{"name": q}},
		map[string]any{"match_phrase": map[string]any{
			"name": map[string]any{"query": q, "boost": 2},
		}},
	}
	if withContent {
		should = append(should, map[string]any{"match": map[string]any{"attachment.content": q}})
	}
	return map[string]any{
		"bool": map[string]any{
			"filter":               []any{filter},
			"should":               should,
			"minimum_should_match": 1,
		},
	}
}

// mtime хранится в секундах; после JSON-декодирования это float64.
func (legacy) mtime(raw any) any {
	switch v := raw.(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	default:
		return nil
	}
}
