// Package transcript renders a conversation history as Markdown or HTML
// for reading outside a chat client.
package transcript

import (
	"bytes"
	"fmt"
	"html"
	"io"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	gmhtml "github.com/yuin/goldmark/renderer/html"

	"github.com/nugget/parley/internal/chat"
)

var md = goldmark.New(
	goldmark.WithExtensions(extension.GFM),
	goldmark.WithRendererOptions(gmhtml.WithHardWraps()),
)

// Markdown writes h as Markdown. Tool calls and results are rendered as
// fenced blocks; metadata parts are omitted.
func Markdown(w io.Writer, title string, h chat.History) error {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", title)
	for _, m := range h {
		writeMessage(&b, m)
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func writeMessage(b *strings.Builder, m chat.Message) {
	heading := roleHeading(m.Role)
	if !m.CreatedAt.IsZero() {
		heading += " · " + m.CreatedAt.UTC().Format("2006-01-02 15:04:05Z")
	}
	fmt.Fprintf(b, "## %s\n\n", heading)

	for _, p := range m.Parts {
		switch p.Type {
		case chat.PartText:
			if strings.TrimSpace(p.Text) != "" {
				b.WriteString(p.Text)
				b.WriteString("\n\n")
			}
		case chat.PartToolCall:
			c := p.ToolCall
			fmt.Fprintf(b, "**Tool call** `%s` (%s)\n\n", c.ToolName, c.State)
			fence(b, "json", string(c.Input))
		case chat.PartToolResult:
			r := p.ToolResult
			if r.Failed() {
				fmt.Fprintf(b, "**Tool error** `%s`\n\n", r.ToolName)
				fence(b, "", r.Error)
			} else {
				fmt.Fprintf(b, "**Tool result** `%s`\n\n", r.ToolName)
				fence(b, "", r.Output)
			}
		case chat.PartConfirmation:
			verdict := "declined"
			if p.Confirmation.Approved {
				verdict = "approved"
			}
			fmt.Fprintf(b, "*Call `%s` %s.*\n\n", p.Confirmation.CallID, verdict)
		}
	}
}

func roleHeading(r chat.Role) string {
	switch r {
	case chat.RoleAssistant:
		return "Assistant"
	case chat.RoleSystem:
		return "System"
	default:
		return "User"
	}
}

// fence writes body in a code fence long enough that backticks inside
// body cannot close it.
func fence(b *strings.Builder, lang, body string) {
	ticks := "```"
	for strings.Contains(body, ticks) {
		ticks += "`"
	}
	fmt.Fprintf(b, "%s%s\n%s\n%s\n\n", ticks, lang, strings.TrimRight(body, "\n"), ticks)
}

// HTML writes h as a standalone HTML page. Raw HTML in message text is
// escaped.
func HTML(w io.Writer, title string, h chat.History) error {
	var src bytes.Buffer
	if err := Markdown(&src, title, h); err != nil {
		return err
	}
	var body bytes.Buffer
	if err := md.Convert(src.Bytes(), &body); err != nil {
		return fmt.Errorf("render transcript: %w", err)
	}
	_, err := fmt.Fprintf(w, page, html.EscapeString(title), body.String())
	return err
}

const page = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>%s</title>
<style>
body { font-family: sans-serif; max-width: 48rem; margin: 2rem auto; line-height: 1.5; }
pre { background: #f4f4f4; padding: 0.75rem; overflow-x: auto; }
h2 { font-size: 1rem; border-bottom: 1px solid #ddd; }
</style>
</head>
<body>
%s</body>
</html>
`
