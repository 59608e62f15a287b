package fabric

import (
	"reflect"
	"strings"
	"testing"
)

func toolCallStep(arguments, output string) RunStep {
	raw := `{"step_details":{"type":"tool_calls","tool_calls":[{"type":"function","function":{"name":"run_query","arguments":` +
		quoteJSON(arguments) + `},"output":` + quoteJSON(output) + `}]}}`
	return RunStep{Raw: raw}
}

func quoteJSON(s string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`, "\t", `\t`)
	return `"` + replacer.Replace(s) + `"`
}

func TestExtractStructuredQueryAndPreview(t *testing.T) {
	steps := []RunStep{toolCallStep(
		`{"sql":"SELECT name FROM users WHERE active = 1"}`,
		`[{"name":"Alice"},{"name":"Bob"}]`,
	)}

	res := Extract(steps, "")

	wantQuery := "SELECT name FROM users WHERE active = 1"
	if len(res.Queries) != 1 || res.Queries[0] != wantQuery {
		t.Fatalf("Queries = %v, want [%q]", res.Queries, wantQuery)
	}
	if res.RetrievalQuery != wantQuery {
		t.Fatalf("RetrievalQuery = %q, want %q", res.RetrievalQuery, wantQuery)
	}
	if res.RetrievalIndex != 0 {
		t.Fatalf("RetrievalIndex = %d, want 0", res.RetrievalIndex)
	}

	wantPreview := []string{"| name |", "|---|", "| Alice |", "| Bob |"}
	if !reflect.DeepEqual(res.BestPreview(), wantPreview) {
		t.Fatalf("BestPreview = %v, want %v", res.BestPreview(), wantPreview)
	}
}

func TestExtractNestedArguments(t *testing.T) {
	steps := []RunStep{toolCallStep(
		`{"parameters":{"query":"SELECT region, total FROM sales"}}`,
		``,
	)}

	res := Extract(steps, "")
	if len(res.Queries) != 1 || res.Queries[0] != "SELECT region, total FROM sales" {
		t.Fatalf("Queries = %v, want the nested statement", res.Queries)
	}
}

func TestExtractDeduplicatesStatements(t *testing.T) {
	stmt := "SELECT id FROM orders WHERE total > 100"
	steps := []RunStep{toolCallStep(
		`{"sql":"`+stmt+`"}`,
		`{"generated_code":"`+stmt+`"}`,
	)}

	res := Extract(steps, "")
	if len(res.Queries) != 1 {
		t.Fatalf("Queries = %v, want the statement exactly once", res.Queries)
	}
}

func TestExtractLaterDataBearingCallWins(t *testing.T) {
	steps := []RunStep{
		toolCallStep(`{"sql":"SELECT a FROM first_table"}`, `[{"a":"1"}]`),
		toolCallStep(`{"sql":"SELECT b FROM second_table"}`, `[{"b":"2"}]`),
	}

	res := Extract(steps, "")
	if len(res.Queries) != 2 {
		t.Fatalf("Queries = %v, want both statements", res.Queries)
	}
	if res.RetrievalQuery != "SELECT b FROM second_table" {
		t.Fatalf("RetrievalQuery = %q, want the later call's statement", res.RetrievalQuery)
	}
	if res.RetrievalIndex != 1 {
		t.Fatalf("RetrievalIndex = %d, want 1", res.RetrievalIndex)
	}

	// Retrieval attribution points at the later call, but the surfaced
	// preview is still the first non-empty one in discovery order.
	wantPreview := []string{"| a |", "|---|", "| 1 |"}
	if !reflect.DeepEqual(res.BestPreview(), wantPreview) {
		t.Fatalf("BestPreview = %v, want %v", res.BestPreview(), wantPreview)
	}
}

func TestExtractRegexFallbackOverStepText(t *testing.T) {
	steps := []RunStep{{Raw: `{"step_details":{"type":"message_creation"},"log":"ran SELECT region, total FROM sales; done"}`}}

	res := Extract(steps, "")
	if len(res.Queries) != 1 || res.Queries[0] != "SELECT region, total FROM sales" {
		t.Fatalf("Queries = %v, want the statement recovered by regex", res.Queries)
	}
	if res.RetrievalIndex != 0 {
		t.Fatalf("RetrievalIndex = %d, want 0 for the fallback pass", res.RetrievalIndex)
	}
}

func TestExtractDataUnwrap(t *testing.T) {
	tests := []struct {
		name   string
		output string
	}{
		{"data key", `{"data":[{"city":"Oslo","pop":"709037"}]}`},
		{"results key", `{"results":[{"city":"Oslo","pop":"709037"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			steps := []RunStep{toolCallStep(`{"sql":"SELECT city, pop FROM cities"}`, tt.output)}
			res := Extract(steps, "")
			want := []string{"| city | pop |", "|---|---|", "| Oslo | 709037 |"}
			if !reflect.DeepEqual(res.BestPreview(), want) {
				t.Fatalf("BestPreview = %v, want %v", res.BestPreview(), want)
			}
		})
	}
}

func TestExtractMarkdownTableFromAssistantText(t *testing.T) {
	steps := []RunStep{toolCallStep(`{"sql":"SELECT region, total FROM sales"}`, ``)}
	text := "Here are the results:\n\n| Region | Total |\n|---|---|\n| West | 10 |"

	res := Extract(steps, text)
	// The table travels as one verbatim block; only BestPreview row-splits it.
	if len(res.DataPreviews) != 1 || len(res.DataPreviews[0]) != 1 {
		t.Fatalf("DataPreviews = %v, want a single verbatim block", res.DataPreviews)
	}
	want := []string{"| Region | Total |", "|---|---|", "| West | 10 |"}
	if !reflect.DeepEqual(res.BestPreview(), want) {
		t.Fatalf("BestPreview = %v, want %v", res.BestPreview(), want)
	}
	if res.RetrievalQuery != "SELECT region, total FROM sales" {
		t.Fatalf("RetrievalQuery = %q, want the sole statement attributed", res.RetrievalQuery)
	}
}

func TestExtractTextPreviewNeedsAQuery(t *testing.T) {
	text := "| Region | Total |\n|---|---|\n| West | 10 |"
	res := Extract(nil, text)
	if len(res.Queries) != 0 {
		t.Fatalf("Queries = %v, want none", res.Queries)
	}
	if res.BestPreview() != nil {
		t.Fatalf("BestPreview = %v, want nil when no statement was found", res.BestPreview())
	}
	if res.RetrievalIndex != -1 {
		t.Fatalf("RetrievalIndex = %d, want -1", res.RetrievalIndex)
	}
}

func TestExtractFromTextNumberedList(t *testing.T) {
	text := "Top rows:\n1. Date: 4/29/2020, State: WI, Positive: 7660\n2. Date: 4/28/2020, State: WI, Positive: 7314"

	got := extractFromText(text)
	want := []string{
		"| Date | State | Positive |",
		"|---|---|---|",
		"| 4/29/2020 | WI | 7660 |",
		"| 4/28/2020 | WI | 7314 |",
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("extractFromText = %v, want %v", got, want)
	}
}

func TestExtractFromTextCandidateLines(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("Summary follows.\n")
	for i := 0; i < 20; i++ {
		sb.WriteString("Revenue: 100, Cost: 40, Margin: 60\n")
	}

	got := extractFromText(sb.String())
	if len(got) != previewRowLimit {
		t.Fatalf("candidate lines = %d, want cap of %d", len(got), previewRowLimit)
	}
	if got[0] != "Revenue: 100, Cost: 40, Margin: 60" {
		t.Fatalf("first candidate = %q", got[0])
	}
}

func TestFormatRecordsRowCap(t *testing.T) {
	var parts []string
	for i := 0; i < 25; i++ {
		parts = append(parts, `{"n":"v"}`)
	}
	steps := []RunStep{toolCallStep(`{"sql":"SELECT n FROM big_table"}`, `[`+strings.Join(parts, ",")+`]`)}

	res := Extract(steps, "")
	// Header, separator, then at most previewRowLimit data rows.
	if len(res.DataPreviews) != 1 || len(res.DataPreviews[0]) != 2+previewRowLimit {
		t.Fatalf("rendered preview lines = %d, want %d", len(res.DataPreviews[0]), 2+previewRowLimit)
	}
	if got := res.BestPreview(); len(got) != previewRowLimit {
		t.Fatalf("BestPreview lines = %d, want cap of %d", len(got), previewRowLimit)
	}
}

func TestCleanStatement(t *testing.T) {
	in := "SELECT a,\\n       b\\tFROM t\nWHERE x = 1"
	want := "SELECT a, b FROM t WHERE x = 1"
	if got := cleanStatement(in); got != want {
		t.Fatalf("cleanStatement = %q, want %q", got, want)
	}
}
