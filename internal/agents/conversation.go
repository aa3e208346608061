package agents

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"
)

// PollOptions bounds WaitForRun
type PollOptions struct {
	// Interval is the fixed wait between status checks
	Interval time.Duration
	// Limit is the total time allowed before giving up with ErrTimeout
	Limit time.Duration
}

// DefaultPollOptions checks once per second for up to five minutes
var DefaultPollOptions = PollOptions{
	Interval: time.Second,
	Limit:    5 * time.Minute,
}

type wireThread struct {
	ID string `json:"id"`
}

type wireMessage struct {
	Role      string `json:"role"`
	CreatedAt int64  `json:"created_at"`
	Content   []struct {
		Type string `json:"type"`
		Text struct {
			Value string `json:"value"`
		} `json:"text"`
	} `json:"content"`
}

type wireMessageList struct {
	Data []wireMessage `json:"data"`
}

// Ask sends message to the assistant on a new thread, waits for the run
// to finish and returns the thread's messages oldest first.
func (c *Client) Ask(ctx context.Context, assistantID, message string, opts PollOptions) ([]Message, error) {
	var thread wireThread
	if err := c.do(ctx, http.MethodPost, "/threads", map[string]any{}, &thread); err != nil {
		return nil, fmt.Errorf("create thread: %w", err)
	}
	c.logger.Info("thread created", "thread", thread.ID)

	userMessage := map[string]string{"role": "user", "content": message}
	if err := c.do(ctx, http.MethodPost, "/threads/"+thread.ID+"/messages", userMessage, nil); err != nil {
		return nil, fmt.Errorf("add message: %w", err)
	}

	var run Run
	if err := c.do(ctx, http.MethodPost, "/threads/"+thread.ID+"/runs", map[string]string{"assistant_id": assistantID}, &run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	c.logger.Info("run started", "run", run.ID, "assistant", assistantID)

	final, err := c.WaitForRun(ctx, thread.ID, run.ID, opts)
	if err != nil {
		return nil, err
	}
	if final.Status != "completed" {
		c.logger.Warn("run finished without completing", "run", final.ID, "status", final.Status)
	}

	return c.ListMessages(ctx, thread.ID)
}

// WaitForRun polls the run until it reaches a terminal state. It checks
// the status, returns when terminal, fails with ErrTimeout once the limit
// has elapsed, and otherwise waits a fixed interval.
func (c *Client) WaitForRun(ctx context.Context, threadID, runID string, opts PollOptions) (*Run, error) {
	if opts.Interval <= 0 {
		opts.Interval = DefaultPollOptions.Interval
	}
	if opts.Limit <= 0 {
		opts.Limit = DefaultPollOptions.Limit
	}

	start := c.now()
	for {
		var run Run
		if err := c.do(ctx, http.MethodGet, "/threads/"+threadID+"/runs/"+runID, nil, &run); err != nil {
			return nil, fmt.Errorf("get run %s: %w", runID, err)
		}
		c.logger.Debug("run status", "run", runID, "status", run.Status)

		if run.Terminal() {
			return &run, nil
		}
		if c.now().Sub(start) >= opts.Limit {
			return nil, fmt.Errorf("%w: run %s still %s after %s", ErrTimeout, runID, run.Status, opts.Limit)
		}
		if err := c.sleep(ctx, opts.Interval); err != nil {
			return nil, err
		}
	}
}

// ListMessages returns the messages of a thread oldest first. Messages
// without content are reported as "Nothing...".
func (c *Client) ListMessages(ctx context.Context, threadID string) ([]Message, error) {
	var list wireMessageList
	if err := c.do(ctx, http.MethodGet, "/threads/"+threadID+"/messages?order=asc", nil, &list); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	messages := make([]Message, 0, len(list.Data))
	for _, m := range list.Data {
		content := "Nothing..."
		if len(m.Content) > 0 {
			content = m.Content[0].Text.Value
		}
		messages = append(messages, Message{
			Role:      m.Role,
			Content:   content,
			CreatedAt: time.Unix(m.CreatedAt, 0),
		})
	}
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].CreatedAt.Before(messages[j].CreatedAt)
	})
	return messages, nil
}
