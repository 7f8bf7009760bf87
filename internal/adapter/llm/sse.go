package llm

import (
	"bufio"
	"bytes"
	"context"
	"io"
)

// parseSSEStream reads SSE-formatted lines from body and converts each data
// payload into a Chunk using the provider-specific parseLine function.
// The returned channel is closed when the stream ends, the body is closed,
// or ctx is cancelled. An I/O error mid-stream yields a final Chunk{Err}.
func parseSSEStream(ctx context.Context, body io.ReadCloser, parseLine func(data []byte) (*Chunk, error)) <-chan Chunk {
	ch := make(chan Chunk, 16)
	go func() {
		defer close(ch)
		defer body.Close()

		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case <-ctx.Done():
				return
			default:
			}

			line := scanner.Bytes()

			// Skip empty lines and comments.
			if len(line) == 0 || line[0] == ':' {
				continue
			}

			// We only care about "data: ..." lines.
			if !bytes.HasPrefix(line, []byte("data: ")) {
				continue
			}
			data := bytes.TrimPrefix(line, []byte("data: "))

			// Common termination signal.
			if bytes.Equal(data, []byte("[DONE]")) {
				ch <- Chunk{Done: true}
				return
			}

			chunk, err := parseLine(data)
			if err != nil {
				// Skip unparseable lines.
				continue
			}
			if chunk == nil {
				continue
			}

			select {
			case ch <- *chunk:
			case <-ctx.Done():
				return
			}

			if chunk.Done || chunk.Err != nil {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			select {
			case ch <- Chunk{Err: err}:
			case <-ctx.Done():
			}
		}
	}()
	return ch
}
