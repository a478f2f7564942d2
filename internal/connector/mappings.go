package connector

import (
	"embed"
	"fmt"

	"github.com/goccy/go-yaml"
)

//go:embed mappings/*.yaml
var mappingsFS embed.FS

// definition — настройки индекса, маппинг и ingest-пайплайн коннектора.
type definition struct {
	Settings map[string]any `yaml:"settings"`
	Mappings map[string]any `yaml:"mappings"`
	Pipeline map[string]any `yaml:"pipeline"`
}

// indexBody возвращает тело запроса создания индекса.
func (d *definition) indexBody() map[string]any {
	return map[string]any{
		"settings": d.Settings,
		"mappings": d.Mappings,
	}
}

// loadDefinition читает встроенное описание индекса.
func loadDefinition(file string) (*definition, error) {
	data, err := mappingsFS.ReadFile("mappings/" + file)
	if err != nil {
		return nil, fmt.Errorf("чтение описания индекса %s: %w", file, err)
	}
	var def definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("разбор описания индекса %s: %w", file, err)
	}
	if def.Mappings == nil || def.Pipeline == nil {
		return nil, fmt.Errorf("описание индекса %s: отсутствует mappings или pipeline", file)
	}
	return &def, nil
}
