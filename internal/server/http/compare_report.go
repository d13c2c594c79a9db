package http

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"relay/internal/diff"
	"relay/internal/server/app"
)

// compareReportTemplate renders a DiffResult as a standalone HTML page.
// Everything passes through html/template's contextual escaping; the page
// embeds artifact data only, never request headers or tokens.
var compareReportTemplate = template.Must(template.New("report").Funcs(template.FuncMap{
	"jsonValue":   renderJSONValue,
	"inlineDiff":  renderInlineDiff,
	"isTextPair":  isTextPair,
	"entryClass":  func(t diff.EntryType) string { return string(t) },
}).Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Artifact comparison: {{.LeftID}} vs {{.RightID}}</title>
<style>
body { font-family: system-ui, sans-serif; margin: 2rem; color: #1a1a1a; }
table { border-collapse: collapse; width: 100%; }
th, td { border: 1px solid #ddd; padding: 6px 10px; text-align: left; vertical-align: top; font-size: 14px; }
th { background: #f5f5f5; }
tr.added td.type { color: #1a7f37; }
tr.removed td.type { color: #cf222e; }
tr.changed td.type { color: #9a6700; }
tr.unchanged td.type { color: #666; }
code { font-family: ui-monospace, monospace; white-space: pre-wrap; word-break: break-word; }
ins { background: #d1f4d1; text-decoration: none; }
del { background: #f8d1d1; }
.summary span { margin-right: 1.5rem; }
</style>
</head>
<body>
<h1>Artifact comparison</h1>
<p>Left: <code>{{.LeftID}}</code> — Right: <code>{{.RightID}}</code></p>
<p class="summary">
<span>added: {{.Result.Summary.Added}}</span>
<span>removed: {{.Result.Summary.Removed}}</span>
<span>changed: {{.Result.Summary.Changed}}</span>
<span>unchanged: {{.Result.Summary.Unchanged}}</span>
</p>
<table>
<tr><th>Path</th><th>Type</th><th>Left</th><th>Right</th></tr>
{{range .Result.Entries}}
<tr class="{{entryClass .Type}}">
<td><code>{{.Path}}</code></td>
<td class="type">{{.Type}}</td>
{{if isTextPair .}}
<td colspan="2"><code>{{inlineDiff .}}</code></td>
{{else}}
<td><code>{{jsonValue .Left}}</code></td>
<td><code>{{jsonValue .Right}}</code></td>
{{end}}
</tr>
{{end}}
</table>
</body>
</html>
`))

type compareReportData struct {
	LeftID  string
	RightID string
	Result  *diff.Result
}

func renderJSONValue(value any) string {
	if value == nil {
		return "null"
	}
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", value)
	}
	return string(data)
}

func isTextPair(entry diff.Entry) bool {
	if entry.Type != diff.EntryChanged {
		return false
	}
	_, leftIsString := entry.Left.(string)
	_, rightIsString := entry.Right.(string)
	return leftIsString && rightIsString
}

// renderInlineDiff renders a changed string pair as an inline ins/del
// fragment. Segment text is escaped before the markup is assembled.
func renderInlineDiff(entry diff.Entry) template.HTML {
	left, _ := entry.Left.(string)
	right, _ := entry.Right.(string)

	var b strings.Builder
	for _, segment := range diff.InlineText(left, right) {
		escaped := template.HTMLEscapeString(segment.Text)
		switch segment.Op {
		case "insert":
			b.WriteString("<ins>" + escaped + "</ins>")
		case "delete":
			b.WriteString("<del>" + escaped + "</del>")
		default:
			b.WriteString(escaped)
		}
	}
	return template.HTML(b.String())
}

// HandleCompareHTML implements GET /api/artifacts/compare.html?left=&right=.
func (h *APIHandler) HandleCompareHTML(c *gin.Context) {
	data, err := h.buildCompareReport(c)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.Header("Content-Type", "text/html; charset=utf-8")
	c.Status(http.StatusOK)
	if err := compareReportTemplate.Execute(c.Writer, data); err != nil {
		h.respondError(c, err)
	}
}

// HandleCompareZip implements GET /api/artifacts/compare.zip?left=&right=,
// packaging the HTML report together with the raw diff JSON.
func (h *APIHandler) HandleCompareZip(c *gin.Context) {
	data, err := h.buildCompareReport(c)
	if err != nil {
		h.respondError(c, err)
		return
	}

	var html strings.Builder
	if err := compareReportTemplate.Execute(&html, data); err != nil {
		h.respondError(c, err)
		return
	}
	resultJSON, err := json.MarshalIndent(data.Result, "", "  ")
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.Header("Content-Type", "application/zip")
	c.Header("Content-Disposition", `attachment; filename="compare.zip"`)
	c.Status(http.StatusOK)

	zw := zip.NewWriter(c.Writer)
	entries := []struct {
		name string
		data []byte
	}{
		{"report.html", []byte(html.String())},
		{"diff.json", resultJSON},
	}
	for _, entry := range entries {
		w, err := zw.Create(entry.name)
		if err != nil {
			h.respondError(c, err)
			return
		}
		if _, err := w.Write(entry.data); err != nil {
			h.respondError(c, err)
			return
		}
	}
	if err := zw.Close(); err != nil {
		h.respondError(c, err)
	}
}

func (h *APIHandler) buildCompareReport(c *gin.Context) (*compareReportData, error) {
	leftID := strings.TrimSpace(c.Query("left"))
	rightID := strings.TrimSpace(c.Query("right"))
	if leftID == "" || rightID == "" {
		return nil, app.ValidationError("left and right query parameters are required")
	}

	result, err := h.coordinator.CompareArtifacts(c.Request.Context(), leftID, rightID, c.Query("mode") == "full")
	if err != nil {
		return nil, err
	}
	return &compareReportData{LeftID: leftID, RightID: rightID, Result: result}, nil
}
