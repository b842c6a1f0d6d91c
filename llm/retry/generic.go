package retry

import "context"

// DoTyped 是 Retryer.DoWithResult 的泛型包装，省去返回值的类型断言。
//
//	resp, err := retry.DoTyped(r, ctx, func() (*providers.Response, error) {
//	    return p.Generate(ctx, key, req)
//	})
func DoTyped[T any](r Retryer, ctx context.Context, fn func() (T, error)) (T, error) {
	result, err := r.DoWithResult(ctx, func() (any, error) {
		return fn()
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result.(T), nil
}
