package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// CosignEvent is a co-sign decision streamed by the service.
type CosignEvent = CosignRecord

// AwaitCosign subscribes to co-sign events for feePayer (all fee payers if empty)
// and returns the first event matcher accepts. It blocks until a match, the
// stream ends, or ctx is done.
func (c *Client) AwaitCosign(ctx context.Context, feePayer string, matcher func(*CosignEvent) bool) (*CosignEvent, error) {
	path := "/api/v1/stream/cosigns"
	if feePayer != "" {
		path += "/" + url.PathEscape(feePayer)
	}

	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	// Streams outlive the default request timeout.
	streamClient := *c.httpClient
	streamClient.Timeout = 0

	resp, err := streamClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseErrorResponse(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	event := ""
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			event = ""
		case strings.HasPrefix(line, ":"):
			// keepalive
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if event != "" && event != "cosign" {
				continue
			}
			var ev CosignEvent
			if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &ev); err != nil {
				c.logger.Warn("failed to decode co-sign event", "error", err)
				continue
			}
			if matcher == nil || matcher(&ev) {
				return &ev, nil
			}
		}
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read stream: %w", err)
	}
	return nil, fmt.Errorf("stream closed before a matching event")
}
