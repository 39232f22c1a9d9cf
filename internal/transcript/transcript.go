// ABOUTME: Renders a session's conversation as a standalone HTML page
// ABOUTME: Agent replies are Markdown rendered with goldmark; user text is escaped

// Package transcript renders conversation turns for display.
package transcript

import (
	"bytes"
	"html/template"
	"io"
	"sync"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/2389/sessiongate/internal/eventlog"
)

var (
	markdownOnce sync.Once
	markdown     goldmark.Markdown
)

// markdownRenderer returns the shared goldmark instance. Raw HTML in the
// source is omitted since the renderer is not configured as unsafe.
func markdownRenderer() goldmark.Markdown {
	markdownOnce.Do(func() {
		markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))
	})
	return markdown
}

var pageTemplate = template.Must(template.New("transcript").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
</head>
<body>
<h1>{{.Title}}</h1>
{{- range .Turns}}
<section class="turn">
{{- with .User}}
<div class="message user" data-event-id="{{.ID}}"><time>{{.Time}}</time><p>{{.Text}}</p></div>
{{- end}}
{{- with .Agent}}
<div class="message agent" data-event-id="{{.ID}}"><time>{{.Time}}</time>{{.HTML}}</div>
{{- end}}
</section>
{{- end}}
</body>
</html>
`))

type message struct {
	ID   int64
	Time string
	Text string
	HTML template.HTML
}

type turnView struct {
	User  *message
	Agent *message
}

// Render writes the turns as an HTML page titled title.
func Render(w io.Writer, title string, turns []eventlog.Turn) error {
	data := struct {
		Title string
		Turns []turnView
	}{Title: title}

	for _, t := range turns {
		var v turnView
		if t.User != nil {
			v.User = &message{
				ID:   t.User.ID,
				Time: t.User.Timestamp.UTC().Format(time.RFC3339),
				Text: t.User.Content.Text,
			}
		}
		if t.Agent != nil {
			v.Agent = &message{
				ID:   t.Agent.ID,
				Time: t.Agent.Timestamp.UTC().Format(time.RFC3339),
				HTML: Markdown(t.Agent.Content.Text),
			}
		}
		data.Turns = append(data.Turns, v)
	}
	return pageTemplate.Execute(w, data)
}

// Markdown converts Markdown text to HTML. On a conversion error the text is
// returned escaped inside a paragraph.
func Markdown(text string) template.HTML {
	var buf bytes.Buffer
	if err := markdownRenderer().Convert([]byte(text), &buf); err != nil {
		return template.HTML("<p>" + template.HTMLEscapeString(text) + "</p>")
	}
	return template.HTML(buf.String())
}
