package model

import (
	"errors"
	"path"
	"strings"
)

// ErrContentUnavailable — хранилище узла не позволяет прочитать содержимое
// (object store, путь вне корня хранилища).
var ErrContentUnavailable = errors.New("содержимое хранилища недоступно")

// NodeKind — тип узла файлового дерева ownCloud.
type NodeKind int

const (
	// NodeOther — служебная запись кэша (корзина, версии, превью и т.п.)
	NodeOther NodeKind = iota
	// NodeFile — файл
	NodeFile
	// NodeFolder — каталог
	NodeFolder
)

// FolderMimeType — mimetype каталога в oc_filecache.
const FolderMimeType = "httpd/unix-directory"

// Node — узел файлового дерева, разрешённый для конкретного пользователя.
type Node struct {
	// FileID — идентификатор в oc_filecache (0 — ещё не записан в кэш)
	FileID int64
	// ParentID — идентификатор родителя (-1 — нет родителя)
	ParentID int64
	// StorageID — числовой идентификатор хранилища
	StorageID int64
	// StorageKey — строковый идентификатор хранилища (home::alice, local::/srv/)
	StorageKey string
	// Path — путь в пространстве пользователя: /alice/files/docs/a.txt
	Path string
	// InternalPath — путь внутри хранилища: files/docs/a.txt
	InternalPath string
	Name         string
	MimeType     string
	// Size — размер в байтах (-1 — неизвестен)
	Size        int64
	MTime       int64
	Permissions int
	Owner       string
	// Local — хранилище локальное (не внешнее)
	Local bool
	Kind  NodeKind
}

// IsFolder возвращает true для каталогов.
func (n *Node) IsFolder() bool {
	return n.Kind == NodeFolder
}

// Indexable возвращает true для файлов и каталогов.
func (n *Node) Indexable() bool {
	return n.Kind == NodeFile || n.Kind == NodeFolder
}

// Extension возвращает расширение имени без точки в нижнем регистре.
// Для имён вида ".bashrc" расширение пустое.
func (n *Node) Extension() string {
	ext := path.Ext(n.Name)
	if ext == "" || ext == n.Name {
		return ""
	}
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

// BaseName возвращает имя без расширения.
func (n *Node) BaseName() string {
	ext := n.Extension()
	if ext == "" {
		return n.Name
	}
	return n.Name[:len(n.Name)-len(ext)-1]
}

// UserRelativePath возвращает путь относительно каталога files пользователя:
// /alice/files/docs/a.txt → /docs/a.txt.
func (n *Node) UserRelativePath() string {
	parts := strings.SplitN(strings.TrimPrefix(n.Path, "/"), "/", 3)
	if len(parts) < 2 || parts[1] != "files" {
		return n.Path
	}
	if len(parts) == 2 {
		return "/"
	}
	return "/" + parts[2]
}
