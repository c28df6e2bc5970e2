package gateway

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"taskweave/internal/logging"
)

// CallWithRetry sends the chat call up to maxRetries times, treating any
// parse failure reported by the caller as a protocol failure worth retrying.
// Backoff doubles between attempts. The parsed value is whatever the parse
// callback captured; the raw response of the successful attempt is returned.
func CallWithRetry(ctx context.Context, client ModelClient, history []Message, model string, opts *ChatOptions, maxRetries int, parse func(raw string) error) (string, error) {
	if maxRetries < 1 {
		maxRetries = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if attempt > 1 {
			backoff := time.Duration(1<<uint(attempt-2)) * time.Second
			logging.Gateway("model call attempt %d/%d after %v (previous: %v)",
				attempt, maxRetries, backoff, lastErr)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
		}

		raw, err := client.Chat(ctx, history, model, opts)
		if err != nil {
			lastErr = err
			continue
		}
		if parse != nil {
			if err := parse(raw); err != nil {
				lastErr = fmt.Errorf("response parse failed: %w", err)
				continue
			}
		}
		return raw, nil
	}
	return "", fmt.Errorf("model call failed after %d attempts: %w", maxRetries, lastErr)
}

var fenceRe = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*(.*?)```")

// SanitizeResponse normalizes a model reply that should contain JSON:
// markdown code fences are stripped and Pythonic literals are coerced to
// their JSON spellings. Models drift into both habits constantly.
func SanitizeResponse(raw string) string {
	s := strings.TrimSpace(raw)

	if m := fenceRe.FindStringSubmatch(s); m != nil {
		s = strings.TrimSpace(m[1])
	}

	s = strings.ReplaceAll(s, ": True", ": true")
	s = strings.ReplaceAll(s, ": False", ": false")
	s = strings.ReplaceAll(s, ": None", ": null")

	return s
}
