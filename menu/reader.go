package menu

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
	"time"
)

// ErrTimeout is returned by ReadLine when no line arrives in time or the
// input has ended.
var ErrTimeout = errors.New("input timed out")

// LineReader delivers lines from an input stream to timed reads. A single
// goroutine scans the input for the reader's lifetime, so a read that times
// out leaves nothing blocked on the stream.
type LineReader struct {
	lines chan string
}

// NewLineReader starts scanning r.
func NewLineReader(r io.Reader) *LineReader {
	lr := &LineReader{lines: make(chan string)}
	go lr.scan(r)
	return lr
}

func (lr *LineReader) scan(r io.Reader) {
	defer close(lr.lines)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		lr.lines <- strings.TrimRight(scanner.Text(), "\r")
	}
	if err := scanner.Err(); err != nil {
		logger.Warningf("stopped reading input: %v", err)
	}
}

// ReadLine waits up to timeout for the next line.
func (lr *LineReader) ReadLine(ctx context.Context, timeout time.Duration) (string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case line, ok := <-lr.lines:
		if !ok {
			return "", ErrTimeout
		}
		return line, nil
	case <-timer.C:
		return "", ErrTimeout
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
