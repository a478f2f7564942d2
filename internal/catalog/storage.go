// storage.go — классификация хранилищ ownCloud по строковому идентификатору
// и политика "домашнего scope" пользователя.
package catalog

import "strings"

// Префиксы идентификаторов локальных хранилищ.
const (
	homePrefix       = "home::"
	localPrefix      = "local::"
	objectUserPrefix = "object::user:"
	objectPrefix     = "object::"
)

// StorageRef — хранилище, смонтированное пользователю.
type StorageRef struct {
	NumericID int64
	Key       string
}

// IsLocalStorage возвращает true для home::, local:: и object:: хранилищ.
// Остальные (smb::, webdav::, sftp:: и т.д.) считаются внешними.
func IsLocalStorage(key string) bool {
	return strings.HasPrefix(key, homePrefix) ||
		strings.HasPrefix(key, localPrefix) ||
		strings.HasPrefix(key, objectPrefix)
}

// HomeOwner возвращает владельца домашнего хранилища.
// Для не домашних хранилищ второй результат — false.
func HomeOwner(key string) (string, bool) {
	switch {
	case strings.HasPrefix(key, homePrefix):
		return strings.TrimPrefix(key, homePrefix), true
	case strings.HasPrefix(key, objectUserPrefix):
		return strings.TrimPrefix(key, objectUserPrefix), true
	default:
		return "", false
	}
}

// FilterScope оставляет хранилища, которые индексируются в контексте userID:
//   - домашние хранилища других пользователей (расшаренные) исключаются всегда,
//     их файлы индексируются только от имени владельца;
//   - внешние хранилища включаются только при scanExternal.
func FilterScope(userID string, storages []StorageRef, scanExternal bool) []int64 {
	seen := make(map[int64]bool, len(storages))
	var scope []int64
	for _, s := range storages {
		if seen[s.NumericID] {
			continue
		}
		if owner, ok := HomeOwner(s.Key); ok && owner != userID {
			continue
		}
		if !IsLocalStorage(s.Key) && !scanExternal {
			continue
		}
		seen[s.NumericID] = true
		scope = append(scope, s.NumericID)
	}
	return scope
}
