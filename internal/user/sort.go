package user

import (
	"cmp"
	"slices"

	"github.com/hitoshi/sheetlens/internal/model"
)

func sortUsers(users []*model.User) {
	slices.SortFunc(users, func(a, b *model.User) int {
		if c := cmp.Compare(b.CreatedAt, a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}
