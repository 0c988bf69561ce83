package submission

import (
	"encoding/json"
	"fmt"
	"html/template"
	"sort"
	"strings"
)

var bodyTemplate = template.Must(template.New("submission").Parse(`<!DOCTYPE html>
<html>
<head>
<style>
  body { font-family: Arial, sans-serif; }
  .container { padding: 20px; }
  table { width: 100%; border-collapse: collapse; margin-top: 20px; }
  th, td { border: 1px solid #ddd; padding: 12px; text-align: left; }
  th { background-color: #f8f9fa; }
  .header { background-color: #f8f9fa; padding: 20px; border-radius: 5px; margin-bottom: 20px; }
  .origin { color: #666; font-size: 0.9em; }
</style>
</head>
<body>
<div class="container">
  <div class="header">
    <h2>New Form Submission</h2>
    <p class="origin">From: {{.Origin}}</p>
  </div>
  <table>
    <thead>
      <tr><th>Field</th><th>Value</th></tr>
    </thead>
    <tbody>
{{- range .Rows}}
      <tr><td>{{.Field}}</td><td>{{.Value}}</td></tr>
{{- end}}
    </tbody>
  </table>
</div>
</body>
</html>
`))

// row is one rendered payload field.
type row struct {
	Field string
	Value string
}

type bodyData struct {
	Origin string
	Rows   []row
}

// stripAngles removes '<' and '>' so submitted text cannot carry markup.
func stripAngles(s string) string {
	return strings.NewReplacer("<", "", ">", "").Replace(s)
}

// rows flattens fields into sanitized rows sorted by field name.
func rows(fields map[string]any) []row {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]row, 0, len(names))
	for _, name := range names {
		out = append(out, row{
			Field: stripAngles(name),
			Value: stripAngles(formatValue(fields[name])),
		})
	}
	return out
}

func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case json.Number:
		return val.String()
	case []any:
		parts := make([]string, 0, len(val))
		for _, item := range val {
			parts = append(parts, formatValue(item))
		}
		return strings.Join(parts, ", ")
	default:
		return fmt.Sprint(val)
	}
}

// renderHTML builds the HTML body: a header naming the origin and one
// table row per field.
func renderHTML(origin string, fields map[string]any) (string, error) {
	if origin == "" {
		origin = "Unknown origin"
	}

	var b strings.Builder
	if err := bodyTemplate.Execute(&b, bodyData{Origin: origin, Rows: rows(fields)}); err != nil {
		return "", fmt.Errorf("failed to render submission body: %w", err)
	}
	return b.String(), nil
}

// renderText builds the plain-text alternative body.
func renderText(origin string, fields map[string]any) string {
	var b strings.Builder
	b.WriteString("New Form Submission\n")
	fmt.Fprintf(&b, "From: %s\n\n", origin)
	for _, r := range rows(fields) {
		fmt.Fprintf(&b, "%s: %s\n", r.Field, r.Value)
	}
	return b.String()
}
