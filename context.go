package oidcx

import "context"

type resultKey struct{}

// BindResult stores a verification result inside the context for downstream consumers.
func BindResult(ctx context.Context, result *Result) context.Context {
	return context.WithValue(ctx, resultKey{}, result)
}

// ResultFromContext retrieves a result previously stored with BindResult.
func ResultFromContext(ctx context.Context) (*Result, bool) {
	if ctx == nil {
		return nil, false
	}
	result, ok := ctx.Value(resultKey{}).(*Result)
	return result, ok && result != nil
}
