package utils

import "golang.org/x/sync/errgroup"

// ParallelMap 以最多 workers 个并发执行 fn，结果顺序与输入一致。
// 单个元素或 workers<=1 时直接串行处理。
func ParallelMap[T any, R any](input []T, workers int, fn func(T) R) []R {
	out := make([]R, len(input))
	if len(input) == 0 {
		return out
	}
	if len(input) == 1 || workers <= 1 {
		for i, v := range input {
			out[i] = fn(v)
		}
		return out
	}

	var g errgroup.Group
	g.SetLimit(workers)
	for i, v := range input {
		g.Go(func() error {
			out[i] = fn(v)
			return nil
		})
	}
	_ = g.Wait()
	return out
}
