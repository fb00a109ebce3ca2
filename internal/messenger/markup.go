package messenger

import (
	"regexp"
	"strings"
)

var (
	reBold      = regexp.MustCompile(`\*\*(.+?)\*\*`)
	reUnderline = regexp.MustCompile(`__(.+?)__`)
)

// Markup describes how a platform spells the supported markdown subset.
type Markup struct {
	Escape         func(string) string
	Bold           [2]string
	Underline      [2]string
	PreserveTokens *regexp.Regexp // matches are copied verbatim (e.g. mentions)
}

// Convert rewrites **bold** and __underline__ into the platform syntax,
// escaping everything else.
func (m Markup) Convert(s string) string {
	if m.PreserveTokens == nil {
		return m.convertPlain(s)
	}
	var b strings.Builder
	last := 0
	for _, loc := range m.PreserveTokens.FindAllStringIndex(s, -1) {
		b.WriteString(m.convertPlain(s[last:loc[0]]))
		b.WriteString(s[loc[0]:loc[1]])
		last = loc[1]
	}
	b.WriteString(m.convertPlain(s[last:]))
	return b.String()
}

func (m Markup) convertPlain(s string) string {
	if m.Escape != nil {
		s = m.Escape(s)
	}
	s = reBold.ReplaceAllString(s, m.Bold[0]+"${1}"+m.Bold[1])
	s = reUnderline.ReplaceAllString(s, m.Underline[0]+"${1}"+m.Underline[1])
	return s
}

// StripMarkup removes the markdown markers, leaving plain text.
func StripMarkup(s string) string {
	s = reBold.ReplaceAllString(s, "${1}")
	return reUnderline.ReplaceAllString(s, "${1}")
}
