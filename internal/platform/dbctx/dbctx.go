package dbctx

import (
	"context"

	"gorm.io/gorm"
)

// Context bundles a request context with an optional GORM transaction.
// Repo methods accept this instead of a bare context.Context so callers
// can thread an existing transaction through without every method
// growing a *gorm.DB parameter.
type Context struct {
	Ctx context.Context
	Tx  *gorm.DB
}

// Background returns a Context with no transaction, for call sites
// outside an HTTP request (worker loops, idle detector, migrations).
func Background() Context {
	return Context{Ctx: context.Background()}
}
