package jobregistry

import (
	"bufio"
	"io"
	"os"
)

// maxLogLine bounds a single log line; synthesis tools occasionally emit
// very long netlist dumps.
const maxLogLine = 1024 * 1024

// TailFile returns the last n lines of the file at path.
func TailFile(path string, n int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return TailLines(f, n)
}

// TailLines returns the last n lines read from r, oldest first.
func TailLines(r io.Reader, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}

	ring := make([]string, n)
	seen := 0
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLogLine)
	for scanner.Scan() {
		ring[seen%n] = scanner.Text()
		seen++
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if seen <= n {
		return ring[:seen], nil
	}
	start := seen % n
	return append(ring[start:], ring[:start]...), nil
}
