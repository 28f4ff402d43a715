package export

import (
	"bytes"
	"html/template"
	"strings"
	"time"
)

type TemplateData struct {
	TicketID           string
	Title              string
	Type               string
	State              string
	Description        template.HTML
	AcceptanceCriteria template.HTML
	Documents          []TemplateDocument
	Comments           []TemplateComment
	GeneratedAt        time.Time
}

type TemplateDocument struct {
	Type       string
	Version    int
	Approved   bool
	ApprovedAt *time.Time
	Content    template.HTML
}

type TemplateComment struct {
	Author    string
	Thread    string
	Body      template.HTML
	CreatedAt time.Time
}

var dossierTemplate = template.Must(template.New("dossier").Funcs(template.FuncMap{
	"title": documentTitle,
	"formatDate": func(t time.Time) string {
		return t.UTC().Format("Jan 2, 2006 15:04 MST")
	},
}).Parse(dossierHTML))

// RenderDossierHTML renders the full dossier page.
func RenderDossierHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := dossierTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func documentTitle(docType string) string {
	words := strings.Split(docType, "_")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}

const dossierHTML = `<!doctype html>
<html>
<head>
  <meta charset="utf-8">
  <title>{{.Title}}</title>
  <style>
    body { font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", sans-serif; margin: 0 auto; max-width: 780px; color: #1f2328; }
    .meta { color: #656d76; font-size: 12px; margin-bottom: 24px; }
    .doc { border-top: 1px solid #d0d7de; margin-top: 24px; padding-top: 8px; }
    .approved { color: #1a7f37; font-size: 12px; }
    .comment { border-left: 3px solid #d0d7de; margin: 12px 0; padding-left: 12px; }
    .comment .who { font-size: 12px; color: #656d76; }
  </style>
</head>
<body>
  <h1>{{.Title}}</h1>
  <div class="meta">{{.TicketID}} | {{.Type}} | {{.State}} | generated {{formatDate .GeneratedAt}}</div>
  {{if .Description}}<h2>Description</h2><div>{{.Description}}</div>{{end}}
  {{if .AcceptanceCriteria}}<h2>Acceptance criteria</h2><div>{{.AcceptanceCriteria}}</div>{{end}}
  {{range .Documents}}
  <div class="doc">
    <h2>{{title .Type}} <small>v{{.Version}}</small></h2>
    {{if .Approved}}<div class="approved">Approved{{if .ApprovedAt}} {{formatDate .ApprovedAt}}{{end}}</div>{{end}}
    <div>{{.Content}}</div>
  </div>
  {{end}}
  {{if .Comments}}
  <h2>Discussion</h2>
  {{range .Comments}}
  <div class="comment">
    <div class="who">{{.Author}} on {{.Thread}} | {{formatDate .CreatedAt}}</div>
    <div>{{.Body}}</div>
  </div>
  {{end}}
  {{end}}
</body>
</html>`
