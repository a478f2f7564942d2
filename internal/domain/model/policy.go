package model

import "github.com/samber/lo"

// ContentPolicy — политика извлечения содержимого файлов.
type ContentPolicy struct {
	// NoContent — глобальный запрет индексации содержимого
	NoContent bool
	// NoContentGroups — группы, для участников которых содержимое не индексируется и не ищется
	NoContentGroups []string
	// MaxSize — максимальный размер файла для извлечения (0 — без ограничения)
	MaxSize int64
	// ScanExternal — извлекать содержимое файлов внешних хранилищ
	ScanExternal bool
}

// InNoContentGroup возвращает true, если хотя бы одна из groups входит в NoContentGroups.
func (p ContentPolicy) InNoContentGroup(groups []string) bool {
	return lo.Some(p.NoContentGroups, groups)
}
