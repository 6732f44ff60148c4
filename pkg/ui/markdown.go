package ui

import (
	"strings"
	"sync"

	"github.com/charmbracelet/glamour"
	"github.com/rs/zerolog/log"
)

// MarkdownFunc renders a finished assistant reply for the terminal.
type MarkdownFunc func(text string, width int) string

// GlamourMarkdown renders with glamour's dark style, wrapped to the viewport. A renderer is
// built per width and reused.
func GlamourMarkdown() MarkdownFunc {
	var (
		mu       sync.Mutex
		width    int
		renderer *glamour.TermRenderer
	)
	return func(text string, w int) string {
		mu.Lock()
		defer mu.Unlock()
		if renderer == nil || w != width {
			r, err := glamour.NewTermRenderer(glamour.WithStandardStyle("dark"), glamour.WithWordWrap(w))
			if err != nil {
				log.Debug().Err(err).Msg("markdown renderer")
				return text
			}
			renderer, width = r, w
		}
		out, err := renderer.Render(text)
		if err != nil {
			return text
		}
		return strings.Trim(out, "\n")
	}
}
