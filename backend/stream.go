// Copyright 2025 The kbflow Authors
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/go-json-experiment/json"
)

// searchingNotice is the progress chunk emitted before the backend call
// starts producing text.
const searchingNotice = "Searching the knowledge base..."

// Chunk is one record of an incremental answer. Content is cumulative:
// each chunk carries the full answer so far, not a delta. References, if
// present, ride on the final chunk.
type Chunk struct {
	Content    string
	References map[string]any
	Final      bool
}

// Stream is a live incremental answer. Read Chunks until it closes, then
// check Err for how the stream ended.
type Stream struct {
	chunks chan Chunk
	cancel context.CancelFunc

	mu  sync.Mutex
	err error
}

// Chunks returns the channel of answer records. It closes after the
// final chunk or on failure.
func (s *Stream) Chunks() <-chan Chunk {
	return s.chunks
}

// Err returns the stream failure, if any, once Chunks has closed.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close abandons the stream and releases the connection.
func (s *Stream) Close() {
	s.cancel()
}

func (s *Stream) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// AnswerStream opens an incremental answer call. Opening the response is
// covered by the retry policy; the chunk loop itself is not retried. The
// first chunk is a progress notice so subscribers see activity before
// the backend produces text.
func (c *Client) AnswerStream(ctx context.Context, backendSessionID, question string) (*Stream, error) {
	payload := map[string]any{
		"question":   question,
		"stream":     true,
		"session_id": backendSessionID,
	}

	streamCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.answerTimeout)

	var resp *http.Response
	err := withRetry(ctx, c.opts.retry, c.opts.logger, "answer stream", func(ctx context.Context) error {
		r, err := c.do(streamCtx, c.collectionPath()+"/completions", payload)
		if err != nil {
			return err
		}
		if r.StatusCode != http.StatusOK {
			msg, _ := io.ReadAll(io.LimitReader(r.Body, 1024))
			r.Body.Close()
			return &UpstreamError{
				Operation:  "answer stream",
				StatusCode: r.StatusCode,
				Message:    strings.TrimSpace(string(msg)),
			}
		}
		resp = r
		return nil
	})
	if err != nil {
		cancel()
		return nil, err
	}

	s := &Stream{
		chunks: make(chan Chunk),
		cancel: cancel,
	}
	go c.readChunks(streamCtx, s, resp)
	return s, nil
}

// readChunks decodes line-delimited event records until the end-of-stream
// marker, a backend error, or a clean connection close.
func (c *Client) readChunks(ctx context.Context, s *Stream, resp *http.Response) {
	defer resp.Body.Close()
	defer close(s.chunks)

	if !s.deliver(ctx, Chunk{Content: searchingNotice}) {
		return
	}

	var (
		accumulated string
		references  map[string]any
	)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		raw := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if raw == "" {
			continue
		}

		var env envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			c.opts.logger.WarnContext(ctx, "skipping malformed stream record",
				slog.String("line", line))
			continue
		}
		if env.Code != 0 {
			s.fail(&UpstreamError{Operation: "answer stream", Message: env.Message})
			return
		}

		// The end-of-stream marker is a record whose data is literal true.
		var done bool
		if err := json.Unmarshal(env.Data, &done); err == nil && done {
			break
		}

		var data answerData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			continue
		}
		if data.Reference != nil {
			references = data.Reference
		}
		if data.Answer != "" && data.Answer != accumulated {
			accumulated = data.Answer
			if !s.deliver(ctx, Chunk{Content: accumulated}) {
				return
			}
		}
	}
	if err := scanner.Err(); err != nil {
		s.fail(err)
		return
	}

	s.deliver(ctx, Chunk{Content: accumulated, References: references, Final: true})
}

// deliver sends one chunk, giving up when the stream context ends.
func (s *Stream) deliver(ctx context.Context, chunk Chunk) bool {
	select {
	case s.chunks <- chunk:
		return true
	case <-ctx.Done():
		s.fail(ctx.Err())
		return false
	}
}
