package fabric

import (
	"context"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// noResponseText is returned when a run finished without producing a new
// assistant message.
const noResponseText = "No response received from the data agent."

// AskOptions tunes a single orchestrated question.
type AskOptions struct {
	// Timeout bounds the run-polling phase only. Defaults to 120s.
	Timeout time.Duration
	// History holds prior turns, oldest first. It is budgeted before replay.
	History []ConversationTurn
}

// RunDetails is the full outcome of a detailed orchestration.
type RunDetails struct {
	Question   string
	RunStatus  string
	Steps      []RunStep
	Messages   []Message
	Response   string
	Extraction *ExtractionResult
}

// Ask relays a question (plus budgeted history) through the thread protocol
// and returns exactly the newest assistant reply. The whole orchestration is
// wrapped in the retry policy; auth failures surface immediately.
func (c *Client) Ask(ctx context.Context, question string, opts AskOptions) (string, error) {
	if strings.TrimSpace(question) == "" {
		return "", fmt.Errorf("question cannot be empty")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultAskTimeout
	}
	history := TrimHistory(opts.History, DefaultMaxHistoryPairs, DefaultMaxHistoryChars)

	var answer string
	err := c.withRetry(ctx, func() error {
		a, errAsk := c.askOnce(ctx, question, timeout, history)
		if errAsk != nil {
			return errAsk
		}
		answer = a
		return nil
	})
	if err != nil {
		return "", err
	}
	return answer, nil
}

// GetRunDetails runs the same orchestration but additionally returns run
// steps, all messages and the extraction result for the detailed endpoint.
func (c *Client) GetRunDetails(ctx context.Context, question string, opts AskOptions) (*RunDetails, error) {
	if strings.TrimSpace(question) == "" {
		return nil, fmt.Errorf("question cannot be empty")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultAskTimeout
	}
	history := TrimHistory(opts.History, DefaultMaxHistoryPairs, DefaultMaxHistoryChars)

	var details *RunDetails
	err := c.withRetry(ctx, func() error {
		d, errRun := c.runOnce(ctx, question, timeout, history)
		if errRun != nil {
			return errRun
		}
		details = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	return details, nil
}

// askOnce performs one pass of the state machine and returns only the newest
// assistant message's text.
func (c *Client) askOnce(ctx context.Context, question string, timeout time.Duration, history []ConversationTurn) (string, error) {
	threadID, _, _, err := c.submit(ctx, question, timeout, history)
	if err != nil {
		return "", err
	}
	defer c.cleanup(ctx, threadID)

	messages, err := c.listMessages(ctx, threadID, "desc")
	if err != nil {
		return "", err
	}
	if answer, ok := newestAssistantText(messages); ok {
		return answer, nil
	}
	return noResponseText, nil
}

// runOnce performs one detailed pass: submit, collect steps and messages,
// then run the extractor over both.
func (c *Client) runOnce(ctx context.Context, question string, timeout time.Duration, history []ConversationTurn) (*RunDetails, error) {
	threadID, runID, status, err := c.submit(ctx, question, timeout, history)
	if err != nil {
		return nil, err
	}
	defer c.cleanup(ctx, threadID)

	steps, err := c.listRunSteps(ctx, threadID, runID)
	if err != nil {
		return nil, err
	}
	messages, err := c.listMessages(ctx, threadID, "asc")
	if err != nil {
		return nil, err
	}

	response := ""
	newest := ""
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "assistant" {
			newest = messages[i].Text
			response = messages[i].Text
			break
		}
	}
	if response == "" {
		response = noResponseText
	}

	extraction := Extract(steps, newest)

	return &RunDetails{
		Question:   question,
		RunStatus:  status,
		Steps:      steps,
		Messages:   messages,
		Response:   response,
		Extraction: extraction,
	}, nil
}

// submit drives OPEN_THREAD through POLLING: it opens the thread, replays
// history in chronological order, posts the new question last, starts the run
// and polls until the run leaves {queued, in_progress} or the timeout
// elapses. A poll timeout is not a failure; the current status is returned
// and the caller proceeds to fetch whatever exists.
func (c *Client) submit(ctx context.Context, question string, timeout time.Duration, history []ConversationTurn) (threadID, runID, status string, err error) {
	assistantID, err := c.createAssistant(ctx)
	if err != nil {
		return "", "", "", err
	}
	threadID, err = c.createThread(ctx)
	if err != nil {
		return "", "", "", err
	}

	for _, turn := range history {
		role := turn.Role
		if role != "assistant" {
			role = "user"
		}
		if err = c.addMessage(ctx, threadID, role, turn.Content); err != nil {
			c.cleanup(ctx, threadID)
			return "", "", "", err
		}
	}
	if len(history) > 0 {
		log.Debugf("replayed %d history messages to thread", len(history))
	}

	// The new question is always the last message in the thread.
	if err = c.addMessage(ctx, threadID, "user", question); err != nil {
		c.cleanup(ctx, threadID)
		return "", "", "", err
	}

	runID, status, err = c.createRun(ctx, threadID, assistantID)
	if err != nil {
		c.cleanup(ctx, threadID)
		return "", "", "", err
	}

	start := time.Now()
	for status == "queued" || status == "in_progress" {
		if time.Since(start) > timeout {
			log.Warnf("run polling timed out after %s with status %s, fetching partial result", timeout, status)
			break
		}
		log.Debugf("run status %s", status)
		c.sleep(c.pollInterval)

		status, err = c.retrieveRun(ctx, threadID, runID)
		if err != nil {
			c.cleanup(ctx, threadID)
			return "", "", "", err
		}
	}
	log.Debugf("final run status %s", status)
	return threadID, runID, status, nil
}

// cleanup deletes the remote thread. Failure is logged and swallowed: a
// dangling thread is an acceptable cost, a failed user-visible response is not.
func (c *Client) cleanup(ctx context.Context, threadID string) {
	if threadID == "" {
		return
	}
	if err := c.deleteThread(ctx, threadID); err != nil {
		log.Warnf("thread cleanup failed: %v", err)
	}
}

// newestAssistantText returns the content of the first assistant message in a
// newest-first listing. Only the newly generated reply is ever surfaced, never
// a replayed historical turn.
func newestAssistantText(messages []Message) (string, bool) {
	for _, msg := range messages {
		if msg.Role == "assistant" {
			return msg.Text, true
		}
	}
	return "", false
}
