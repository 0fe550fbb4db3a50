// Package chain composes ordered interceptors ("filters") around a base
// operation. It is independent of the dispatch layer and can wrap any call
// that takes a parameter value and returns a result.
//
// A filter sees the parameters before the rest of the chain and the result
// after it:
//
//	h := chain.Chain(base, logging, auth, retry)
//	// logging -> auth -> retry -> base -> retry -> auth -> logging
package chain

import "context"

// Handler is a link of the chain. The innermost Handler is the base operation.
type Handler[P any, R any] func(ctx context.Context, params P) (R, error)

// Filter wraps the rest of the chain. It continues by calling next exactly
// once, optionally with transformed params, or short-circuits by returning
// without calling it.
type Filter[P any, R any] func(ctx context.Context, params P, next Handler[P, R]) (R, error)

// Chain composes filters around base. The first filter is the outermost
// wrapper. Nil filters are skipped; with no filters base is returned as is.
func Chain[P any, R any](base Handler[P, R], filters ...Filter[P, R]) Handler[P, R] {
	h := base
	for i := len(filters) - 1; i >= 0; i-- {
		f := filters[i]
		if f == nil {
			continue
		}
		next := h
		h = func(ctx context.Context, params P) (R, error) {
			return f(ctx, params, next)
		}
	}
	return h
}

// Compose folds several filters into a single Filter with the same ordering
// semantics as Chain.
func Compose[P any, R any](filters ...Filter[P, R]) Filter[P, R] {
	return func(ctx context.Context, params P, next Handler[P, R]) (R, error) {
		return Chain(next, filters...)(ctx, params)
	}
}

// Run builds the chain and invokes it once.
func Run[P any, R any](ctx context.Context, params P, base Handler[P, R], filters ...Filter[P, R]) (R, error) {
	return Chain(base, filters...)(ctx, params)
}
