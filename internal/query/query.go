package query

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/mcpstash/mcpstash/internal/errors"
)

const (
	// DefaultLimit is the page size applied when options carry none.
	DefaultLimit = 100

	// DefaultContextLines is how many trimmed neighbour lines are attached
	// before and after each text or regex match.
	DefaultContextLines = 2
)

// Mode selects how a query string is interpreted.
type Mode string

const (
	// ModeAuto detects the mode from the query string itself.
	ModeAuto Mode = ""
	// ModeText performs case-insensitive substring search line by line.
	ModeText Mode = "text"
	// ModeRegex matches a regular expression line by line.
	ModeRegex Mode = "regex"
	// ModePath evaluates a structured path against the value itself.
	ModePath Mode = "path"
)

// Options tunes a single query. The zero value means: auto-detected mode,
// default limit, offset zero, default context, case-insensitive.
type Options struct {
	Mode          Mode
	Limit         int
	Offset        int
	ContextLines  *int
	CaseSensitive bool
}

// Match is one query hit. Line, Content, and the context slices are set for
// text and regex modes; Matched additionally for regex; Value for path mode.
type Match struct {
	Line    int      `json:"line,omitempty"`
	Content string   `json:"content"`
	Matched string   `json:"match,omitempty"`
	Value   any      `json:"value,omitempty"`
	Before  []string `json:"context_before,omitempty"`
	After   []string `json:"context_after,omitempty"`
}

// Result is a paginated view over the full match set.
type Result struct {
	Results []Match `json:"results"`
	Total   int     `json:"total"`
	Limit   int     `json:"limit"`
	Offset  int     `json:"offset"`
	HasMore bool    `json:"has_more"`
}

// Chunk is one fixed-size slice of a value's canonical rendering.
type Chunk struct {
	Chunk       string `json:"chunk"`
	ChunkNumber int    `json:"chunk_number"`
	TotalChunks int    `json:"total_chunks"`
	ChunkSize   int    `json:"chunk_size"`
	HasMore     bool   `json:"has_more"`
}

// Render produces the canonical textual form of a stored value: the original
// JSON re-indented with two spaces. It is deterministic for a given value
// and is the substrate for text search, regex search, and chunking.
func Render(value json.RawMessage) string {
	var out bytes.Buffer

	if err := json.Indent(&out, value, "", "  "); err != nil {
		// Not JSON at all; fall back to the raw bytes so search and
		// chunking stay total.
		return string(value)
	}

	return out.String()
}

// TotalChunks reports how many chunks of chunkSize the canonical rendering
// of value splits into.
func TotalChunks(value json.RawMessage, chunkSize int) int {
	if chunkSize <= 0 {
		return 0
	}

	return (len(Render(value)) + chunkSize - 1) / chunkSize
}

// Query runs queryString against value and returns a paginated match set.
//
// Mode resolution when options.Mode is unset: a leading "$" selects path
// mode, a "/expr/flags" wrapper selects regex mode, anything else text mode.
func Query(value json.RawMessage, queryString string, opts Options) (*Result, error) {
	mode := opts.Mode
	if mode == ModeAuto {
		mode = DetectMode(queryString)
	}

	var (
		matches []Match
		err     error
	)

	switch mode {
	case ModePath:
		matches, err = pathMatches(value, queryString)
	case ModeRegex:
		matches, err = regexMatches(value, queryString, opts)
	case ModeText:
		matches = textMatches(value, queryString, opts)
	default:
		err = &errors.QueryError{Expression: queryString, Err: fmt.Errorf("unknown mode %q", mode)}
	}

	if err != nil {
		return nil, err
	}

	return paginate(matches, opts), nil
}

// ExtractChunk returns chunk chunkNumber of the canonical rendering of
// value, sliced in chunkSize-byte pieces. A chunk number outside
// [0, totalChunks) fails with a *ChunkRangeError.
func ExtractChunk(value json.RawMessage, chunkNumber, chunkSize int) (*Chunk, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}

	text := Render(value)
	totalChunks := (len(text) + chunkSize - 1) / chunkSize

	if chunkNumber < 0 || chunkNumber >= totalChunks {
		return nil, &errors.ChunkRangeError{Chunk: chunkNumber, TotalChunks: totalChunks}
	}

	start := chunkNumber * chunkSize
	end := min(len(text), start+chunkSize)

	return &Chunk{
		Chunk:       text[start:end],
		ChunkNumber: chunkNumber,
		TotalChunks: totalChunks,
		ChunkSize:   chunkSize,
		HasMore:     chunkNumber+1 < totalChunks,
	}, nil
}

// DetectMode resolves the query mode from the query string shape.
func DetectMode(queryString string) Mode {
	q := strings.TrimSpace(queryString)

	if strings.HasPrefix(q, "$") {
		return ModePath
	}

	if _, _, ok := splitRegexLiteral(q); ok {
		return ModeRegex
	}

	return ModeText
}

// splitRegexLiteral splits a "/expr/flags" literal into expression and
// flags. Reports false when the string is not shaped like one.
func splitRegexLiteral(q string) (expr, flags string, ok bool) {
	if len(q) < 2 || !strings.HasPrefix(q, "/") {
		return "", "", false
	}

	last := strings.LastIndex(q[1:], "/")
	if last < 0 {
		return "", "", false
	}

	last++ // index within q

	expr = q[1:last]
	flags = q[last+1:]

	for _, f := range flags {
		switch f {
		case 'i', 'm', 's', 'g':
		default:
			return "", "", false
		}
	}

	return expr, flags, true
}

// pathMatches evaluates a structured path directly against the value.
// Paths use the "$.a.b[0].c" form; evaluation order is the traversal order
// of the underlying document.
func pathMatches(value json.RawMessage, queryString string) ([]Match, error) {
	path := normalizePath(queryString)
	if path == "" {
		return nil, &errors.QueryError{Expression: queryString, Err: fmt.Errorf("empty path expression")}
	}

	if !gjson.ValidBytes(value) {
		return nil, &errors.QueryError{Expression: queryString, Err: fmt.Errorf("value is not structured data")}
	}

	res := gjson.GetBytes(value, path)
	if !res.Exists() {
		return nil, nil
	}

	// A "#"-style query yields one result per matched element; expand those
	// so pagination sees individual matches.
	if res.IsArray() && strings.Contains(path, "#") {
		arr := res.Array()
		matches := make([]Match, 0, len(arr))

		for _, el := range arr {
			matches = append(matches, Match{Content: el.Raw, Value: el.Value()})
		}

		return matches, nil
	}

	return []Match{{Content: res.Raw, Value: res.Value()}}, nil
}

// normalizePath converts a "$.a.b[0]" expression to gjson's "a.b.0" form.
func normalizePath(queryString string) string {
	p := strings.TrimSpace(queryString)
	p = strings.TrimPrefix(p, "$")
	p = strings.TrimPrefix(p, ".")

	var out strings.Builder

	for _, r := range p {
		switch r {
		case '[':
			if out.Len() > 0 {
				out.WriteByte('.')
			}
		case ']':
			// dropped
		default:
			out.WriteRune(r)
		}
	}

	return out.String()
}

// regexMatches compiles the expression and matches it line by line against
// the canonical rendering. The default is case-insensitive and global; an
// explicit flag set replaces the default.
func regexMatches(value json.RawMessage, queryString string, opts Options) ([]Match, error) {
	expr, flags, ok := splitRegexLiteral(strings.TrimSpace(queryString))
	if !ok {
		// Explicit regex mode on a bare pattern: treat the whole string as
		// the expression with default flags.
		expr, flags = queryString, ""
	}

	var prefix string

	if flags == "" {
		prefix = "(?i)"
	} else {
		var goFlags strings.Builder

		for _, f := range flags {
			switch f {
			case 'i':
				goFlags.WriteByte('i')
			case 'm':
				goFlags.WriteByte('m')
			case 's':
				goFlags.WriteByte('s')
			case 'g':
				// Matching is per line and inherently global.
			}
		}

		if goFlags.Len() > 0 {
			prefix = "(?" + goFlags.String() + ")"
		}
	}

	re, err := regexp.Compile(prefix + expr)
	if err != nil {
		return nil, &errors.QueryError{Expression: queryString, Err: err}
	}

	lines := strings.Split(Render(value), "\n")

	var matches []Match

	for i, line := range lines {
		loc := re.FindString(line)
		if loc == "" && !re.MatchString(line) {
			continue
		}

		m := Match{
			Line:    i + 1,
			Content: strings.TrimSpace(line),
			Matched: loc,
		}
		attachContext(&m, lines, i, contextLines(opts))
		matches = append(matches, m)
	}

	return matches, nil
}

// textMatches performs substring containment line by line against the
// canonical rendering, case-insensitive unless opts.CaseSensitive.
func textMatches(value json.RawMessage, queryString string, opts Options) []Match {
	lines := strings.Split(Render(value), "\n")

	needle := queryString
	if !opts.CaseSensitive {
		needle = strings.ToLower(needle)
	}

	var matches []Match

	for i, line := range lines {
		haystack := line
		if !opts.CaseSensitive {
			haystack = strings.ToLower(haystack)
		}

		if !strings.Contains(haystack, needle) {
			continue
		}

		m := Match{
			Line:    i + 1,
			Content: strings.TrimSpace(line),
		}
		attachContext(&m, lines, i, contextLines(opts))
		matches = append(matches, m)
	}

	return matches
}

// attachContext copies up to n trimmed lines immediately before and after
// line idx into the match.
func attachContext(m *Match, lines []string, idx, n int) {
	if n <= 0 {
		return
	}

	for i := max(0, idx-n); i < idx; i++ {
		m.Before = append(m.Before, strings.TrimSpace(lines[i]))
	}

	for i := idx + 1; i <= min(len(lines)-1, idx+n); i++ {
		m.After = append(m.After, strings.TrimSpace(lines[i]))
	}
}

func contextLines(opts Options) int {
	if opts.ContextLines != nil {
		return *opts.ContextLines
	}

	return DefaultContextLines
}

// paginate slices the collected match set uniformly across modes.
func paginate(matches []Match, opts Options) *Result {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}

	offset := max(opts.Offset, 0)
	total := len(matches)

	start := min(offset, total)
	end := min(start+limit, total)

	page := matches[start:end]
	if page == nil {
		page = []Match{}
	}

	return &Result{
		Results: page,
		Total:   total,
		Limit:   limit,
		Offset:  offset,
		HasMore: offset+limit < total,
	}
}
