package logs

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// FromEnd as Options.Offset starts at the last Limit lines of the file.
const FromEnd int64 = -1

const pollInterval = 250 * time.Millisecond

// Options controls a read.
type Options struct {
	// Offset is the byte position to continue from, or FromEnd.
	Offset int64
	// Limit caps the lines returned for FromEnd reads. Zero skips to the end.
	Limit int
	// Match keeps only lines containing the substring.
	Match string
	// Wait blocks up to this long for new lines when none are available.
	Wait time.Duration
}

// Chunk is the result of one read. Offset is where the next read continues.
type Chunk struct {
	Lines  []string
	Offset int64
}

// Read returns lines from path according to opts. A missing file reads as
// empty at offset zero.
func Read(ctx context.Context, path string, opts Options) (Chunk, error) {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return Chunk{}, nil
	}
	if err != nil {
		return Chunk{}, fmt.Errorf("stat log file: %w", err)
	}
	if info.IsDir() {
		return Chunk{}, fmt.Errorf("log path %q is a directory", path)
	}

	var chunk Chunk
	if opts.Offset < 0 {
		chunk, err = readLast(path, opts.Limit, opts.Match)
	} else {
		offset := opts.Offset
		if offset > info.Size() {
			// Rotated or truncated; start over.
			offset = 0
		}
		chunk, err = readFrom(path, offset, opts.Match)
	}
	if err != nil || len(chunk.Lines) > 0 || opts.Wait <= 0 {
		return chunk, err
	}
	return waitForLines(ctx, path, chunk.Offset, opts.Match, opts.Wait)
}

// Follow reads new lines from offset until ctx is cancelled, passing each
// non-empty batch to fn. It returns nil on cancellation.
func Follow(ctx context.Context, path string, offset int64, match string, fn func([]string) error) error {
	for {
		chunk, err := Read(ctx, path, Options{Offset: offset, Match: match, Wait: time.Second})
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return err
		}
		offset = chunk.Offset
		if len(chunk.Lines) == 0 {
			continue
		}
		if err := fn(chunk.Lines); err != nil {
			return err
		}
	}
}

func newScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return scanner
}

func matches(line, match string) bool {
	return match == "" || strings.Contains(line, match)
}

func readLast(path string, limit int, match string) (Chunk, error) {
	file, err := os.Open(path)
	if err != nil {
		return Chunk{}, fmt.Errorf("open log file: %w", err)
	}
	defer file.Close()

	if limit <= 0 {
		end, err := file.Seek(0, io.SeekEnd)
		if err != nil {
			return Chunk{}, fmt.Errorf("seek log file: %w", err)
		}
		return Chunk{Offset: end}, nil
	}

	ring := make([]string, limit)
	count, next := 0, 0
	scanner := newScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		if !matches(line, match) {
			continue
		}
		ring[next] = line
		next = (next + 1) % limit
		count = min(count+1, limit)
	}
	if err := scanner.Err(); err != nil {
		return Chunk{}, fmt.Errorf("read log file: %w", err)
	}
	end, err := file.Seek(0, io.SeekEnd)
	if err != nil {
		return Chunk{}, fmt.Errorf("seek log file: %w", err)
	}

	lines := make([]string, 0, count)
	start := 0
	if count == limit {
		start = next
	}
	for i := range count {
		lines = append(lines, ring[(start+i)%limit])
	}
	return Chunk{Lines: lines, Offset: end}, nil
}

// readFrom returns complete lines after offset. A trailing partial line is
// left for the next read.
func readFrom(path string, offset int64, match string) (Chunk, error) {
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return Chunk{}, nil
	}
	if err != nil {
		return Chunk{}, fmt.Errorf("open log file: %w", err)
	}
	defer file.Close()

	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return Chunk{}, fmt.Errorf("seek log file: %w", err)
	}
	reader := bufio.NewReader(file)
	chunk := Chunk{Offset: offset}
	for {
		line, err := reader.ReadString('\n')
		if errors.Is(err, io.EOF) {
			return chunk, nil
		}
		if err != nil {
			return chunk, fmt.Errorf("read log file: %w", err)
		}
		chunk.Offset += int64(len(line))
		if text := strings.TrimRight(line, "\r\n"); matches(text, match) {
			chunk.Lines = append(chunk.Lines, text)
		}
	}
}

func waitForLines(ctx context.Context, path string, offset int64, match string, wait time.Duration) (Chunk, error) {
	deadline := time.Now().Add(wait)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	chunk := Chunk{Offset: offset}
	for {
		select {
		case <-ctx.Done():
			return chunk, ctx.Err()
		case <-ticker.C:
		}
		next, err := readFrom(path, chunk.Offset, match)
		if err != nil {
			return chunk, err
		}
		chunk.Offset = next.Offset
		if len(next.Lines) > 0 || time.Now().After(deadline) {
			chunk.Lines = next.Lines
			return chunk, nil
		}
	}
}
