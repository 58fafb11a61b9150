package mailer

import (
	"html"
	"regexp"
	"sort"
	"strings"

	"github.com/goccy/go-json"
)

var rePlaceholder = regexp.MustCompile(`\{\{.*?\}\}`)

// Keys excluded from the {{form_data}} summary.
var summarySkip = map[string]bool{
	"csrf_token":    true,
	"submission_id": true,
	"submitted_by":  true,
	"footer_text":   true,
}

// ParseTemplate substitutes {{key}} placeholders with HTML-escaped values.
// {{form_data}} expands to a <ul> summary of all non-system fields. Any
// placeholder left over is stripped so template syntax never reaches a
// recipient.
func ParseTemplate(template string, data map[string]any) string {
	parsed := template
	for key, value := range data {
		parsed = strings.ReplaceAll(parsed, "{{"+key+"}}", html.EscapeString(stringify(value)))
	}

	if strings.Contains(parsed, "{{form_data}}") {
		keys := make([]string, 0, len(data))
		for key := range data {
			if !summarySkip[key] {
				keys = append(keys, key)
			}
		}
		sort.Strings(keys)

		var summary strings.Builder
		summary.WriteString("<ul>")
		for _, key := range keys {
			summary.WriteString("<li><strong>")
			summary.WriteString(html.EscapeString(key))
			summary.WriteString(":</strong> ")
			summary.WriteString(html.EscapeString(stringify(data[key])))
			summary.WriteString("</li>")
		}
		summary.WriteString("</ul>")
		parsed = strings.ReplaceAll(parsed, "{{form_data}}", summary.String())
	}

	return rePlaceholder.ReplaceAllString(parsed, "")
}

func stringify(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		buf, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(buf)
	}
}
