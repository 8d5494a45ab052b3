// Package schedule provides admission control for job waves.
package schedule

// Chunk splits items into contiguous batches of at most max elements,
// preserving order. A list no longer than max yields a single chunk, an empty
// list yields none, and max <= 0 means unbounded.
func Chunk[T any](items []T, max int) [][]T {
	if len(items) == 0 {
		return nil
	}
	if max <= 0 || len(items) <= max {
		return [][]T{items}
	}

	n := (len(items) + max - 1) / max
	out := make([][]T, 0, n)
	for start := 0; start < len(items); start += max {
		end := start + max
		if end > len(items) {
			end = len(items)
		}
		out = append(out, items[start:end:end])
	}
	return out
}
