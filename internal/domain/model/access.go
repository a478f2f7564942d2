package model

import (
	"sort"

	"github.com/samber/lo"
)

// AccessSet — пользователи и группы, которым виден файл в поиске.
type AccessSet struct {
	Users  []string
	Groups []string
}

// Normalize удаляет дубликаты и пустые значения и сортирует списки,
// чтобы документ в индексе не зависел от порядка обхода шар.
func (a AccessSet) Normalize() AccessSet {
	users := lo.Uniq(lo.Compact(a.Users))
	groups := lo.Uniq(lo.Compact(a.Groups))
	sort.Strings(users)
	sort.Strings(groups)
	return AccessSet{Users: users, Groups: groups}
}
