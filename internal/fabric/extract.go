package fabric

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// ExtractionResult is the best-effort recovery of generated SQL and a data
// preview from a run. It is derived per request and never persisted.
type ExtractionResult struct {
	// Queries are the unique statements found, in discovery order.
	Queries []string
	// DataPreviews is aligned 1:1 with the discovered tool calls; entries are
	// formatted preview lines or empty when a call produced no usable data.
	DataPreviews [][]string
	// RetrievalQuery is the statement judged responsible for the data that
	// was ultimately returned; empty when none could be attributed.
	RetrievalQuery string
	// RetrievalIndex is the position of RetrievalQuery in Queries, -1 if none.
	RetrievalIndex int
}

// previewRowLimit bounds rendered previews.
const previewRowLimit = 10

// minStatementLen filters out fragments too short to be a real statement.
const minStatementLen = 10

// argumentKeys are the keys scanned for statements in tool-call arguments.
var argumentKeys = []string{"sql", "query", "sql_query", "statement", "command", "code"}

// outputKeys additionally cover generated code embedded in tool outputs.
var outputKeys = []string{"sql", "query", "sql_query", "statement", "command", "code", "generated_code"}

var (
	quotedStatementRe = regexp.MustCompile(`(?i)"(?:sql|query|statement|code|generated_code)"\s*:\s*"([^"]+)"`)
	whitespaceRe      = regexp.MustCompile(`\s+`)
	numberedRowRe     = regexp.MustCompile(`^\d+\.\s+`)

	statementRes = []*regexp.Regexp{
		regexp.MustCompile(`(?is)(SELECT\s+.*?FROM\s+.*?)(?:\s*;|\s*\}|\s*\)|\s*$)`),
		regexp.MustCompile(`(?is)(INSERT\s+INTO\s+.*?)(?:\s*;|\s*\}|\s*\)|\s*$)`),
		regexp.MustCompile(`(?is)(UPDATE\s+.*?SET\s+.*?)(?:\s*;|\s*\}|\s*\)|\s*$)`),
		regexp.MustCompile(`(?is)(DELETE\s+FROM\s+.*?)(?:\s*;|\s*\}|\s*\)|\s*$)`),
	}
)

// Extract combines the structured pass over run steps with the text-fallback
// pass over the newest assistant message. Structured queries win; a regex
// sweep over all step text is the last resort. Everything here is
// best-effort: any shape that fails to decode simply contributes nothing.
func Extract(steps []RunStep, newestAssistantText string) *ExtractionResult {
	res := extractFromSteps(steps)

	if len(res.Queries) == 0 {
		for _, step := range steps {
			res.Queries = appendUnique(res.Queries, findStatements(step.Raw)...)
		}
		if len(res.Queries) > 0 {
			res.RetrievalQuery = res.Queries[0]
			res.RetrievalIndex = 0
		}
	}

	if newestAssistantText != "" {
		if preview := extractFromText(newestAssistantText); len(preview) > 0 && len(res.Queries) > 0 {
			if !hasNonEmptyPreview(res.DataPreviews) {
				res.DataPreviews = [][]string{preview}
			} else {
				res.DataPreviews = append(res.DataPreviews, preview)
			}
			if res.RetrievalQuery == "" {
				res.RetrievalQuery = res.Queries[0]
				res.RetrievalIndex = 0
			}
		}
	}
	return res
}

// extractFromSteps walks every tool call in every step, pulling statements
// from arguments and outputs and rendering previews from record-shaped
// outputs. When a call yields both data and a statement, that statement
// becomes the retrieval query; a later such call wins over an earlier one.
func extractFromSteps(steps []RunStep) *ExtractionResult {
	res := &ExtractionResult{RetrievalIndex: -1}

	for _, step := range steps {
		gjson.Get(step.Raw, "step_details.tool_calls").ForEach(func(_, call gjson.Result) bool {
			fromArgs := statementsFromArguments(call)
			fromOutput := statementsFromOutput(call)
			preview := previewFromOutput(call)

			res.Queries = appendUnique(res.Queries, fromArgs...)
			res.Queries = appendUnique(res.Queries, fromOutput...)

			if len(preview) > 0 {
				all := append(append([]string{}, fromArgs...), fromOutput...)
				if len(all) > 0 {
					res.RetrievalQuery = all[len(all)-1]
					res.RetrievalIndex = indexOf(res.Queries, res.RetrievalQuery)
				}
			}
			res.DataPreviews = append(res.DataPreviews, preview)
			return true
		})
	}
	return res
}

// statementsFromArguments decodes a tool call's function arguments as JSON
// and collects statement values from the known keys, one level of nesting
// deep. When decode fails it falls back to a quoted-key regex search.
func statementsFromArguments(call gjson.Result) []string {
	args := call.Get("function.arguments").String()
	if args == "" {
		return nil
	}

	parsed := gjson.Parse(args)
	if parsed.IsObject() {
		return statementsFromObject(parsed, argumentKeys)
	}

	if containsStatementKeyword(args) {
		var found []string
		for _, m := range quotedStatementRe.FindAllStringSubmatch(args, -1) {
			if s := strings.TrimSpace(m[1]); len(s) > minStatementLen {
				found = append(found, s)
			}
		}
		return found
	}
	return nil
}

// statementsFromOutput scans a tool call's output: JSON decode first, then
// pattern search over the raw text as a backup.
func statementsFromOutput(call gjson.Result) []string {
	output := call.Get("output").String()
	if output == "" {
		return nil
	}

	var found []string
	parsed := gjson.Parse(output)
	if parsed.IsObject() {
		found = statementsFromObject(parsed, outputKeys)
	}

	if containsStatementKeyword(output) {
		for _, m := range quotedStatementRe.FindAllStringSubmatch(output, -1) {
			if s := cleanStatement(m[1]); len(s) > minStatementLen {
				found = append(found, s)
			}
		}
		for _, re := range statementRes {
			for _, m := range re.FindAllStringSubmatch(output, -1) {
				if s := cleanStatement(m[1]); len(s) > minStatementLen {
					found = append(found, s)
				}
			}
		}
	}
	return found
}

// statementsFromObject collects statement values for the given keys at the
// top level and one level of nesting.
func statementsFromObject(obj gjson.Result, keys []string) []string {
	var found []string
	for _, key := range keys {
		if v := obj.Get(key); v.Exists() {
			if s := strings.TrimSpace(v.String()); len(s) > minStatementLen {
				found = append(found, s)
			}
		}
	}
	obj.ForEach(func(_, value gjson.Result) bool {
		if value.IsObject() {
			for _, key := range keys {
				if v := value.Get(key); v.Exists() {
					if s := strings.TrimSpace(v.String()); len(s) > minStatementLen {
						found = append(found, s)
					}
				}
			}
		}
		return true
	})
	return found
}

// previewFromOutput renders a bounded row/column preview from a tool call's
// output. A JSON array of records becomes a table; object output with a
// "data" or "results" list is unwrapped first; any other object becomes a
// key/value table. Non-JSON output falls through to a loose text scan.
func previewFromOutput(call gjson.Result) []string {
	output := call.Get("output").String()
	if output == "" {
		return nil
	}

	parsed := gjson.Parse(output)
	switch {
	case parsed.IsArray():
		return formatRecords(parsed.Array())
	case parsed.IsObject():
		if data := parsed.Get("data"); data.IsArray() {
			return formatRecords(data.Array())
		}
		if results := parsed.Get("results"); results.IsArray() {
			return formatRecords(results.Array())
		}
		lines := []string{"| Key | Value |", "|---|---|"}
		parsed.ForEach(func(key, value gjson.Result) bool {
			lines = append(lines, "| "+key.String()+" | "+value.String()+" |")
			return true
		})
		if len(lines) > 2 {
			return lines
		}
		return nil
	default:
		return looseTablePreview(output)
	}
}

// formatRecords renders a list of JSON records into markdown-style rows,
// capped at previewRowLimit. Column order follows the first record.
func formatRecords(records []gjson.Result) []string {
	if len(records) == 0 || !records[0].IsObject() {
		return nil
	}

	var headers []string
	records[0].ForEach(func(key, _ gjson.Result) bool {
		headers = append(headers, key.String())
		return true
	})
	if len(headers) == 0 {
		return nil
	}

	lines := []string{"| " + strings.Join(headers, " | ") + " |", "|" + strings.Repeat("---|", len(headers))}
	for i, rec := range records {
		if i >= previewRowLimit {
			break
		}
		values := make([]string, len(headers))
		for j, h := range headers {
			values[j] = rec.Get(h).String()
		}
		lines = append(lines, "| "+strings.Join(values, " | ")+" |")
	}
	return lines
}

// looseTablePreview picks table-ish lines out of free text: pipe rows first,
// then CSV-ish runs.
func looseTablePreview(text string) []string {
	var tableLines []string
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.Count(trimmed, "|") >= 2 {
			tableLines = append(tableLines, trimmed)
			continue
		}
		if len(tableLines) > 0 {
			break
		}
	}
	if len(tableLines) > 0 {
		if len(tableLines) > 15 {
			tableLines = tableLines[:15]
		}
		return tableLines
	}

	var csvLines []string
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.Contains(trimmed, ",") && len(strings.Split(trimmed, ",")) >= 2 {
			csvLines = append(csvLines, trimmed)
			if len(csvLines) >= previewRowLimit {
				break
			}
		} else if len(csvLines) > 0 {
			break
		}
	}
	if len(csvLines) > 1 {
		return csvLines
	}
	return nil
}

// extractFromText recovers a preview from the newest assistant message's raw
// text. A markdown table is returned verbatim as a single unit; a numbered
// list of comma-joined key/value pairs is rebuilt into a table; otherwise
// loose candidate lines are returned, capped at previewRowLimit.
func extractFromText(text string) []string {
	if table := extractMarkdownTable(text); table != "" {
		return []string{table}
	}

	lines := strings.Split(text, "\n")

	var dataRows []string
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if numberedRowRe.MatchString(trimmed) {
			dataRows = append(dataRows, numberedRowRe.ReplaceAllString(trimmed, ""))
		}
	}
	if len(dataRows) > 0 {
		if rebuilt := rebuildNumberedTable(dataRows); len(rebuilt) > 0 {
			return rebuilt
		}
		out := make([]string, len(dataRows))
		for i, row := range dataRows {
			out[i] = "Row " + strconv.Itoa(i+1) + ": " + row
		}
		return out
	}

	var candidates []string
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if strings.Contains(trimmed, "|") || strings.Count(trimmed, ",") >= 2 || strings.Count(trimmed, ":") >= 2 {
			candidates = append(candidates, trimmed)
			if len(candidates) >= previewRowLimit {
				break
			}
		}
	}
	return candidates
}

// extractMarkdownTable finds a contiguous block of pipe-delimited lines with
// a separator row and returns it verbatim, or "" when no table exists.
func extractMarkdownTable(text string) string {
	var tableLines []string
	inTable := false

	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		isSeparator := strings.Contains(trimmed, "|") && strings.Count(trimmed, "-") > 3
		switch {
		case isSeparator, strings.Contains(trimmed, "|"):
			tableLines = append(tableLines, line)
			inTable = true
		case inTable && trimmed == "":
			tableLines = append(tableLines, line)
		case inTable:
			// Non-table content after the table: done.
			goto done
		}
	}
done:
	for len(tableLines) > 0 && strings.TrimSpace(tableLines[len(tableLines)-1]) == "" {
		tableLines = tableLines[:len(tableLines)-1]
	}
	if len(tableLines) >= 2 {
		return strings.Join(tableLines, "\n")
	}
	return ""
}

// rebuildNumberedTable turns rows like
// "Date: 4/29/2020, State: WI, Positive: 7,660" into a header + rows table.
// Rows whose pair count does not match the header are skipped.
func rebuildNumberedTable(rows []string) []string {
	if !strings.Contains(rows[0], ":") {
		return nil
	}

	var headers, firstValues []string
	for _, pair := range strings.Split(rows[0], ", ") {
		if key, value, ok := strings.Cut(pair, ":"); ok {
			headers = append(headers, strings.TrimSpace(key))
			firstValues = append(firstValues, strings.TrimSpace(value))
		}
	}
	if len(headers) == 0 {
		return nil
	}

	lines := []string{
		"| " + strings.Join(headers, " | ") + " |",
		"|" + strings.Repeat("---|", len(headers)),
		"| " + strings.Join(firstValues, " | ") + " |",
	}
	for _, row := range rows[1:] {
		var values []string
		for _, pair := range strings.Split(row, ", ") {
			if _, value, ok := strings.Cut(pair, ":"); ok {
				values = append(values, strings.TrimSpace(value))
			}
		}
		if len(values) == len(headers) {
			lines = append(lines, "| "+strings.Join(values, " | ")+" |")
		}
	}
	return lines
}

// findStatements is the regex-only last resort applied to raw step text.
func findStatements(text string) []string {
	var found []string
	for _, re := range statementRes {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			if s := cleanStatement(m[1]); len(s) > minStatementLen {
				found = append(found, s)
			}
		}
	}
	return found
}

// BestPreview returns the preview lines to surface to the caller: the first
// non-empty preview in discovery order. A verbatim markdown table block is
// split back into lines; output is capped at previewRowLimit lines.
func (r *ExtractionResult) BestPreview() []string {
	pick := func() []string {
		for _, p := range r.DataPreviews {
			if len(p) > 0 {
				return p
			}
		}
		return nil
	}
	preview := pick()
	if len(preview) == 0 {
		return nil
	}
	if len(preview) == 1 && strings.Contains(preview[0], "\n") && strings.Contains(preview[0], "|") {
		preview = strings.Split(preview[0], "\n")
	} else if len(preview) > previewRowLimit {
		preview = preview[:previewRowLimit]
	}
	return preview
}

func hasNonEmptyPreview(previews [][]string) bool {
	for _, p := range previews {
		if len(p) > 0 {
			return true
		}
	}
	return false
}

func containsStatementKeyword(text string) bool {
	upper := strings.ToUpper(text)
	for _, kw := range []string{"SELECT", "INSERT", "UPDATE", "DELETE", "FROM"} {
		if strings.Contains(upper, kw) {
			return true
		}
	}
	return false
}

// cleanStatement unescapes embedded newlines/tabs and collapses whitespace.
func cleanStatement(s string) string {
	s = strings.ReplaceAll(s, `\n`, " ")
	s = strings.ReplaceAll(s, `\t`, " ")
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\t", " ")
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(s, " "))
}

// appendUnique appends values not already present, preserving order.
func appendUnique(dst []string, values ...string) []string {
	for _, v := range values {
		if indexOf(dst, v) == -1 {
			dst = append(dst, v)
		}
	}
	return dst
}

func indexOf(list []string, v string) int {
	for i, s := range list {
		if s == v {
			return i
		}
	}
	return -1
}
