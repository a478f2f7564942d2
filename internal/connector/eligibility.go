package connector

import "github.com/owncloud/search-elastic-sub000/internal/domain/model"

// Причины отказа в извлечении содержимого.
const (
	ReasonNoContentGlobal = "no_content_global"
	ReasonFolder          = "folder"
	ReasonSizeUnknown     = "size_unknown"
	ReasonSizeEmpty       = "size_empty"
	ReasonSizeTooLarge    = "size_too_large"
	ReasonExternalStorage = "external_storage"
	ReasonGroupNoContent  = "group_no_content"
)

// ReasonContentUnavailable выставляется при чтении, а не в Eligibility:
// хранилище не отдаёт содержимое (object::).
const ReasonContentUnavailable = "content_unavailable"

// Eligibility возвращает все причины, по которым содержимое узла
// не извлекается. Пустой список — содержимое извлекается.
// groups — группы пользователя, от имени которого идёт индексация.
func Eligibility(policy model.ContentPolicy, node *model.Node, groups []string) []string {
	var reasons []string
	if policy.NoContent {
		reasons = append(reasons, ReasonNoContentGlobal)
	}
	if node.IsFolder() {
		reasons = append(reasons, ReasonFolder)
	}
	switch {
	case node.Size < 0:
		reasons = append(reasons, ReasonSizeUnknown)
	case node.Size == 0:
		reasons = append(reasons, ReasonSizeEmpty)
	case policy.MaxSize > 0 && node.Size > policy.MaxSize:
		reasons = append(reasons, ReasonSizeTooLarge)
	}
	if !node.Local && !policy.ScanExternal {
		reasons = append(reasons, ReasonExternalStorage)
	}
	if policy.InNoContentGroup(groups) {
		reasons = append(reasons, ReasonGroupNoContent)
	}
	return reasons
}
