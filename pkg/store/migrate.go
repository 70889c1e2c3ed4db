package store

import (
	"context"
	"fmt"

	"github.com/exploopio/vulnview/pkg/vuln"
)

// DefaultMigratePageSize is the page size of Migrate when none is given.
const DefaultMigratePageSize = 1000

// Migrate copies every record of from into to, page by page in native
// order, and returns the number copied. Running it twice is harmless since
// AddMany replaces by id. from must not change while it runs.
func Migrate(ctx context.Context, from, to Backend, pageSize int) (int, error) {
	if pageSize <= 0 {
		pageSize = DefaultMigratePageSize
	}

	copied := 0
	for {
		page, err := from.Query(ctx, vuln.Filters{}, copied, pageSize, nil)
		if err != nil {
			return copied, fmt.Errorf("read %s page at %d: %w", from.Name(), copied, err)
		}
		if len(page) == 0 {
			return copied, nil
		}
		if err := to.AddMany(ctx, page); err != nil {
			return copied, fmt.Errorf("write %s page at %d: %w", to.Name(), copied, err)
		}
		copied += len(page)
		if len(page) < pageSize {
			return copied, nil
		}
	}
}
