package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Sender delivers one notification.
type Sender interface {
	Send(ctx context.Context, n Notification) error
}

// RetryAfterError carries the delay a rate-limited webhook asked for.
type RetryAfterError struct {
	After time.Duration
	Err   error
}

func (e *RetryAfterError) Error() string { return fmt.Sprintf("retry after %s: %v", e.After, e.Err) }
func (e *RetryAfterError) Unwrap() error { return e.Err }

// DiscordSender posts embeds to a Discord webhook.
type DiscordSender struct {
	URL      string
	Username string
	Client   *http.Client
}

type embedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type embed struct {
	Title     string       `json:"title"`
	Color     int          `json:"color"`
	Fields    []embedField `json:"fields,omitempty"`
	Timestamp string       `json:"timestamp"`
}

type webhookBody struct {
	Username string  `json:"username,omitempty"`
	Embeds   []embed `json:"embeds"`
}

func (d *DiscordSender) Send(ctx context.Context, n Notification) error {
	body, err := json.Marshal(webhookBody{Username: d.Username, Embeds: []embed{render(n)}})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	client := d.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		after := time.Duration(gjson.GetBytes(b, "retry_after").Float() * float64(time.Second))
		return &RetryAfterError{After: after, Err: fmt.Errorf("discord webhook rate limited")}
	default:
		return fmt.Errorf("discord webhook: status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
}

func render(n Notification) embed {
	e := embed{
		Title:     titleFor(n.Kind),
		Color:     colorFor(n.Kind),
		Timestamp: n.At.UTC().Format(time.RFC3339),
	}
	keys := make([]string, 0, len(n.Payload))
	for k := range n.Payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := fmt.Sprint(n.Payload[k])
		if len(v) > 1000 {
			v = v[:1000] + "..."
		}
		if v == "" {
			v = "-"
		}
		e.Fields = append(e.Fields, embedField{Name: k, Value: v, Inline: len(v) < 40})
	}
	return e
}

func titleFor(kind string) string {
	switch kind {
	case KindJobFailed:
		return "Job failed"
	case KindSubmitFailed:
		return "Submission failed"
	case KindSubmitted:
		return "Price submitted"
	case KindScheduleInvalid:
		return "Schedule rejected"
	case KindPriceLogError:
		return "Price log error"
	case KindLog:
		return "Log alert"
	default:
		return kind
	}
}

func colorFor(kind string) int {
	switch kind {
	case KindSubmitted:
		return 0x2ecc71
	case KindScheduleInvalid, KindLog:
		return 0xf1c40f
	default:
		return 0xe74c3c
	}
}
