package event

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// BindingName is the service binding through which the app worker reports
// request and subrequest events.
const BindingName = "H2O_LOG_EVENT"

// DevRoutes are paths served by the dev server itself. Events for them are
// acknowledged but not recorded.
var DevRoutes = map[string]bool{
	"/graphiql":            true,
	"/subrequest-profiler": true,
}

var (
	operationPattern = regexp.MustCompile(`(query|mutation)\s+(\w+)`)
	whitespace       = regexp.MustCompile(`\s+`)
	trailingDigits   = regexp.MustCompile(`\d+$`)
)

// StackInfo is the generated-code frame attached to a subrequest.
type StackInfo struct {
	File   string `json:"file,omitempty"`
	Func   string `json:"func,omitempty"`
	Line   int    `json:"line,omitempty"`
	Column int    `json:"column,omitempty"`
}

type graphqlDocument struct {
	Query     string          `json:"query"`
	Variables json.RawMessage `json:"variables"`
}

// Recorder is the http.Handler bound to BindingName. It turns the raw event
// posted by the app worker into the display payload and records it on Bus.
type Recorder struct {
	Bus *Bus
	// Mapper translates bundle positions; nil leaves them as reported.
	Mapper PositionMapper
	// BundlePath replaces relative stack file names.
	BundlePath string
	// GraphiQLPath is the dev route used for query deep links.
	GraphiQLPath string
}

// ServeHTTP implements http.Handler.
func (rec *Recorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if DevRoutes[r.URL.Path] {
		writeOK(w)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read event: "+err.Error(), http.StatusBadRequest)
		return
	}

	kind, payload, err := rec.Build(requestURL(r), body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	rec.Bus.Record(kind, payload)
	writeOK(w)
}

// Build converts a raw event body reported for requestURL into its kind and
// display payload. Unknown fields of the raw event are carried through.
func (rec *Recorder) Build(requestURL string, body []byte) (Kind, json.RawMessage, error) {
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return "", nil, fmt.Errorf("decode event: %w", err)
	}

	eventType := takeString(fields, "eventType")
	if eventType == "" {
		eventType = "unknown"
	}
	displayURL := takeString(fields, "url")
	displayName := takeString(fields, "displayName")
	purpose := ""
	if takeString(fields, "purpose") == "prefetch" {
		purpose = "(prefetch)"
	}

	var doc *graphqlDocument
	if raw := takeString(fields, "graphql"); raw != "" {
		var d graphqlDocument
		if err := json.Unmarshal([]byte(raw), &d); err == nil {
			doc = &d
		}
	}

	var stack *StackInfo
	if raw, ok := fields["stackInfo"]; ok {
		delete(fields, "stackInfo")
		var s StackInfo
		if err := json.Unmarshal(raw, &s); err == nil {
			stack = &s
		}
	}

	defaultField(fields, "requestId", `""`)
	defaultField(fields, "cacheStatus", `""`)
	if string(fields["endTime"]) == "0" {
		delete(fields, "endTime")
	}
	defaultField(fields, "endTime", strconv.FormatInt(time.Now().UnixMilli(), 10))

	descriptionURL := requestURL
	graphiqlLink := ""
	if Kind(eventType) == KindSubrequest {
		if displayName == "" && doc != nil {
			if m := operationPattern.FindString(doc.Query); m != "" {
				displayName = whitespace.ReplaceAllString(m, " ")
			}
		}
		if displayURL != "" {
			descriptionURL = displayURL
		}
		if doc != nil {
			graphiqlLink = rec.graphiqlURL(doc)
		}
	}

	stackLine, stackLink := rec.stackFrame(stack)

	fields["displayName"] = mustMarshal(displayName)
	fields["url"] = mustMarshal(strings.TrimSpace(purpose + " " + descriptionURL))
	fields["graphiqlLink"] = mustMarshal(graphiqlLink)
	fields["stackLine"] = mustMarshal(stackLine)
	fields["stackLink"] = mustMarshal(stackLink)

	payload, err := json.Marshal(fields)
	if err != nil {
		return "", nil, fmt.Errorf("encode event: %w", err)
	}
	return Kind(eventType), payload, nil
}

// stackFrame returns the display line "func (routes/x.tsx:3:5)" and the
// vscode:// link for a frame, or nils when there is no frame.
func (rec *Recorder) stackFrame(stack *StackInfo) (*string, *string) {
	if stack == nil || stack.File == "" {
		return nil, nil
	}

	file := stack.File
	if !filepath.IsAbs(file) && rec.BundlePath != "" {
		file = rec.BundlePath
	}

	pos := Position{Source: file, Line: stack.Line, Column: stack.Column}
	if rec.Mapper != nil {
		pos = rec.Mapper.MapPosition(pos)
	}

	line := fmt.Sprintf("%s:%d:%d", pos.Source, pos.Line, pos.Column+1)
	link := "vscode://" + path.Join("file", filepath.ToSlash(line))

	sep := string(filepath.Separator)
	if _, after, ok := strings.Cut(line, sep+"app"+sep); ok {
		line = after
	}
	if stack.Func != "" {
		line = fmt.Sprintf("%s (%s)", trailingDigits.ReplaceAllString(stack.Func, ""), line)
	}
	return &line, &link
}

func (rec *Recorder) graphiqlURL(doc *graphqlDocument) string {
	base := rec.GraphiQLPath
	if base == "" {
		base = "/graphiql"
	}
	q := url.Values{}
	q.Set("query", doc.Query)
	if len(doc.Variables) > 0 && string(doc.Variables) != "null" {
		q.Set("variables", string(doc.Variables))
	}
	return base + "?" + q.Encode()
}

func requestURL(r *http.Request) string {
	if r.URL.IsAbs() {
		return r.URL.String()
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

// takeString removes key from fields and returns it as a string. Non-string
// values and JSON null yield "".
func takeString(fields map[string]json.RawMessage, key string) string {
	raw, ok := fields[key]
	if !ok {
		return ""
	}
	delete(fields, key)
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

func defaultField(fields map[string]json.RawMessage, key, value string) {
	if raw, ok := fields[key]; !ok || string(raw) == "null" {
		fields[key] = json.RawMessage(value)
	}
}

func mustMarshal(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

func writeOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, "ok")
}
