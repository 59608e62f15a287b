package fabric

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ingage-labs/fabric-agent-gateway/internal/auth"
	"github.com/tidwall/gjson"
)

// fakeAgent is an in-process stand-in for a Fabric Data Agent endpoint
// speaking the thread protocol.
type fakeAgent struct {
	mu sync.Mutex

	srv *httptest.Server

	// posted holds role/content pairs in arrival order.
	posted []ConversationTurn
	// answer is the assistant reply the agent "generates" for the run.
	answer string
	// stepsJSON is returned from the run-steps listing.
	stepsJSON string

	// pollStatuses is consumed one per run retrieval; the last repeats.
	pollStatuses []string

	assistantCalls int
	pollCalls      int
	deleteCalls    int

	// failAssistants, when non-zero, makes assistant creation fail with
	// that status code.
	failAssistants int
	// failDelete makes thread deletion fail with a 500.
	failDelete bool
}

func newFakeAgent(t *testing.T) *fakeAgent {
	t.Helper()
	f := &fakeAgent{
		answer:       "There are 42 active users.",
		stepsJSON:    `{"data":[]}`,
		pollStatuses: []string{"completed"},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /assistants", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.assistantCalls++
		if f.failAssistants != 0 {
			http.Error(w, "upstream unavailable", f.failAssistants)
			return
		}
		fmt.Fprint(w, `{"id":"asst_1"}`)
	})
	mux.HandleFunc("POST /threads", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":"thread_1"}`)
	})
	mux.HandleFunc("POST /threads/thread_1/messages", func(w http.ResponseWriter, r *http.Request) {
		body := readBody(t, r)
		f.mu.Lock()
		f.posted = append(f.posted, ConversationTurn{
			Role:    gjson.Get(body, "role").String(),
			Content: gjson.Get(body, "content").String(),
		})
		f.mu.Unlock()
		fmt.Fprint(w, `{"id":"msg_posted"}`)
	})
	mux.HandleFunc("POST /threads/thread_1/runs", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":"run_1","status":"queued"}`)
	})
	mux.HandleFunc("GET /threads/thread_1/runs/run_1", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		status := f.pollStatuses[0]
		if len(f.pollStatuses) > 1 {
			f.pollStatuses = f.pollStatuses[1:]
		}
		f.pollCalls++
		f.mu.Unlock()
		fmt.Fprintf(w, `{"id":"run_1","status":%q}`, status)
	})
	mux.HandleFunc("GET /threads/thread_1/runs/run_1/steps", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		fmt.Fprint(w, f.stepsJSON)
	})
	mux.HandleFunc("GET /threads/thread_1/messages", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("api-version") != apiVersion {
			t.Errorf("message listing missing api-version query, got %q", r.URL.RawQuery)
		}
		f.mu.Lock()
		all := append(append([]ConversationTurn{}, f.posted...), ConversationTurn{Role: "assistant", Content: f.answer})
		f.mu.Unlock()
		if r.URL.Query().Get("order") == "desc" {
			for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
				all[i], all[j] = all[j], all[i]
			}
		}
		entries := make([]string, len(all))
		for i, m := range all {
			entries[i] = fmt.Sprintf(`{"id":"msg_%d","role":%q,"content":[{"type":"text","text":{"value":%q}}]}`, i, m.Role, m.Content)
		}
		fmt.Fprintf(w, `{"data":[%s]}`, strings.Join(entries, ","))
	})
	mux.HandleFunc("DELETE /threads/thread_1", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.deleteCalls++
		fail := f.failDelete
		f.mu.Unlock()
		if fail {
			http.Error(w, "cannot delete", http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, `{"id":"thread_1","deleted":true}`)
	})

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func readBody(t *testing.T, r *http.Request) string {
	t.Helper()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		t.Fatal(err)
	}
	return string(body)
}

// client wires a Client against the fake agent, recording sleep calls
// instead of waiting.
func (f *fakeAgent) client() (*Client, *[]time.Duration) {
	delays := &[]time.Duration{}
	provider := auth.NewProvider(auth.Options{
		AccessToken:       "test-token",
		AccessTokenExpiry: time.Now().Add(time.Hour),
	})
	c := NewClient(f.srv.URL, provider, f.srv.Client())
	c.sleep = func(d time.Duration) { *delays = append(*delays, d) }
	return c, delays
}

func TestAskReturnsNewestAssistantReplyOnly(t *testing.T) {
	agent := newFakeAgent(t)
	agent.pollStatuses = []string{"in_progress", "completed"}
	c, _ := agent.client()

	answer, err := c.Ask(context.Background(), "How many users are active?", AskOptions{
		History: []ConversationTurn{
			{Role: "user", Content: "earlier question"},
			{Role: "assistant", Content: "earlier answer"},
		},
	})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if answer != agent.answer {
		t.Fatalf("answer = %q, want %q", answer, agent.answer)
	}

	// History replays in order with the new question last; historical
	// assistant turns keep their role, everything else posts as user.
	want := []ConversationTurn{
		{Role: "user", Content: "earlier question"},
		{Role: "assistant", Content: "earlier answer"},
		{Role: "user", Content: "How many users are active?"},
	}
	agent.mu.Lock()
	defer agent.mu.Unlock()
	if len(agent.posted) != len(want) {
		t.Fatalf("posted %d messages, want %d", len(agent.posted), len(want))
	}
	for i, w := range want {
		if agent.posted[i] != w {
			t.Fatalf("posted[%d] = %+v, want %+v", i, agent.posted[i], w)
		}
	}
	if agent.pollCalls != 2 {
		t.Fatalf("run polled %d times, want 2", agent.pollCalls)
	}
	if agent.deleteCalls != 1 {
		t.Fatalf("thread deleted %d times, want 1", agent.deleteCalls)
	}
}

func TestNewestAssistantText(t *testing.T) {
	if _, ok := newestAssistantText([]Message{
		{Role: "user", Text: "question"},
		{Role: "user", Text: "another"},
	}); ok {
		t.Fatal("newestAssistantText found a reply among user messages")
	}

	got, ok := newestAssistantText([]Message{
		{Role: "assistant", Text: "newest"},
		{Role: "user", Text: "question"},
		{Role: "assistant", Text: "older"},
	})
	if !ok || got != "newest" {
		t.Fatalf("newestAssistantText = %q, %v; want the first assistant entry", got, ok)
	}
}

func TestAskEmptyQuestion(t *testing.T) {
	agent := newFakeAgent(t)
	c, _ := agent.client()
	if _, err := c.Ask(context.Background(), "   ", AskOptions{}); err == nil {
		t.Fatal("expected an error for a blank question")
	}
}

func TestAskRetriesTransientFailures(t *testing.T) {
	agent := newFakeAgent(t)
	agent.failAssistants = http.StatusServiceUnavailable
	c, delays := agent.client()

	_, err := c.Ask(context.Background(), "question", AskOptions{})
	if err == nil {
		t.Fatal("expected the exhausted-retries failure")
	}
	if Classify(err) != CategoryServer {
		t.Fatalf("Classify = %s, want %s", Classify(err), CategoryServer)
	}

	agent.mu.Lock()
	calls := agent.assistantCalls
	agent.mu.Unlock()
	if calls != 1+maxRetries {
		t.Fatalf("assistant creation attempted %d times, want %d", calls, 1+maxRetries)
	}
	wantDelays := []time.Duration{2 * time.Second, 4 * time.Second}
	if len(*delays) != len(wantDelays) || (*delays)[0] != wantDelays[0] || (*delays)[1] != wantDelays[1] {
		t.Fatalf("retry delays = %v, want %v", *delays, wantDelays)
	}
}

func TestAskPermissionFailureIsTerminal(t *testing.T) {
	agent := newFakeAgent(t)
	agent.failAssistants = http.StatusForbidden
	c, delays := agent.client()

	_, err := c.Ask(context.Background(), "question", AskOptions{})
	if err == nil {
		t.Fatal("expected the permission failure")
	}
	if Classify(err) != CategoryPermission {
		t.Fatalf("Classify = %s, want %s", Classify(err), CategoryPermission)
	}

	agent.mu.Lock()
	calls := agent.assistantCalls
	agent.mu.Unlock()
	if calls != 1 {
		t.Fatalf("assistant creation attempted %d times, want 1 (no retry)", calls)
	}
	if len(*delays) != 0 {
		t.Fatalf("delays = %v, want none", *delays)
	}
}

func TestAskCleanupFailureSwallowed(t *testing.T) {
	agent := newFakeAgent(t)
	agent.failDelete = true
	c, _ := agent.client()

	answer, err := c.Ask(context.Background(), "question", AskOptions{})
	if err != nil {
		t.Fatalf("Ask must not surface a cleanup failure: %v", err)
	}
	if answer != agent.answer {
		t.Fatalf("answer = %q, want %q", answer, agent.answer)
	}
	agent.mu.Lock()
	defer agent.mu.Unlock()
	if agent.deleteCalls != 1 {
		t.Fatalf("delete attempted %d times, want 1", agent.deleteCalls)
	}
}

func TestAskPollTimeoutIsNotAFailure(t *testing.T) {
	agent := newFakeAgent(t)
	agent.pollStatuses = []string{"in_progress"}
	c, _ := agent.client()

	answer, err := c.Ask(context.Background(), "question", AskOptions{Timeout: time.Nanosecond})
	if err != nil {
		t.Fatalf("Ask after poll timeout: %v", err)
	}
	if answer != agent.answer {
		t.Fatalf("answer = %q, want the partial result %q", answer, agent.answer)
	}
}

func TestGetRunDetails(t *testing.T) {
	agent := newFakeAgent(t)
	agent.answer = "Two rows matched."
	agent.stepsJSON = `{"data":[{"id":"step_1","step_details":{"type":"tool_calls","tool_calls":[{"type":"function","function":{"name":"run_query","arguments":"{\"sql\":\"SELECT name FROM users WHERE active = 1\"}"},"output":"[{\"name\":\"Alice\"},{\"name\":\"Bob\"}]"}]}}]}`
	c, _ := agent.client()

	details, err := c.GetRunDetails(context.Background(), "Who is active?", AskOptions{
		History: []ConversationTurn{
			{Role: "user", Content: "hello"},
			{Role: "assistant", Content: "hi"},
		},
	})
	if err != nil {
		t.Fatalf("GetRunDetails: %v", err)
	}

	if details.Question != "Who is active?" {
		t.Fatalf("Question = %q", details.Question)
	}
	if details.RunStatus != "completed" {
		t.Fatalf("RunStatus = %q, want completed", details.RunStatus)
	}
	if details.Response != "Two rows matched." {
		t.Fatalf("Response = %q, want the newest assistant reply", details.Response)
	}
	if len(details.Steps) != 1 {
		t.Fatalf("Steps = %d, want 1", len(details.Steps))
	}
	// 2 history turns + the question + the generated reply.
	if len(details.Messages) != 4 {
		t.Fatalf("Messages = %d, want 4", len(details.Messages))
	}
	if details.Extraction == nil {
		t.Fatal("Extraction is nil")
	}
	if got := details.Extraction.RetrievalQuery; got != "SELECT name FROM users WHERE active = 1" {
		t.Fatalf("RetrievalQuery = %q", got)
	}
	if preview := details.Extraction.BestPreview(); len(preview) != 4 {
		t.Fatalf("BestPreview = %v, want header, separator and two rows", preview)
	}
}

func TestWithTokenClonesCredential(t *testing.T) {
	agent := newFakeAgent(t)
	base, _ := agent.client()

	bound := base.WithToken("caller-token", time.Now().Add(time.Hour))
	if bound.Provider() == base.Provider() {
		t.Fatal("WithToken must not share the server credential")
	}
	tok, err := bound.Provider().Token(context.Background(), auth.FabricScope)
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if tok.Value != "caller-token" {
		t.Fatalf("token = %q, want the caller-supplied one", tok.Value)
	}

	if _, err := base.Ask(context.Background(), "still works", AskOptions{}); err != nil {
		t.Fatalf("base client broken after clone: %v", err)
	}
}

func TestExpiredCallerTokenIsTerminal(t *testing.T) {
	agent := newFakeAgent(t)
	base, delays := agent.client()

	bound := base.WithToken("stale-token", time.Now().Add(-time.Minute))
	_, err := bound.Ask(context.Background(), "question", AskOptions{})
	if err == nil {
		t.Fatal("expected an auth failure for an expired caller token")
	}
	var authErr *auth.AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("err = %v, want an AuthError", err)
	}
	if len(*delays) != 0 {
		t.Fatalf("delays = %v, want none (auth failures are terminal)", *delays)
	}
}
