package telegram

import "strings"

// Telegram rejects texts over 4096 characters; leave room for reopened tags.
const textLimit = 4000

// splitHTML cuts rendered HTML into parts of at most limit runes of source
// text. A cut prefers a blank line, then a newline, then a space, and never
// lands inside a tag or an entity. Tags still open at a cut are closed at the
// end of that part and reopened at the start of the next, so every part is
// valid on its own.
func splitHTML(s string, limit int) []string {
	if limit <= 0 {
		limit = textLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	var out []string
	var open []htmlTag
	for len(rs) > 0 {
		end := cutPoint(rs, limit)
		prefix := openingTags(open)
		open = trackTags(open, rs[:end])

		part := strings.TrimRight(string(rs[:end]), "\n ")
		if body := strings.TrimSpace(part); body != "" {
			out = append(out, prefix+part+closingTags(open))
		}

		rs = rs[end:]
		for len(rs) > 0 && (rs[0] == '\n' || rs[0] == ' ') {
			rs = rs[1:]
		}
	}
	return out
}

// cutPoint returns how many runes of rs go into the next part.
func cutPoint(rs []rune, limit int) int {
	if len(rs) <= limit {
		return len(rs)
	}
	floor := limit / 3
	cut := -1
	for _, at := range []func(i int) bool{
		func(i int) bool { return rs[i] == '\n' && rs[i-1] == '\n' },
		func(i int) bool { return rs[i] == '\n' },
		func(i int) bool { return rs[i] == ' ' },
	} {
		for i := limit - 1; i >= floor && i > 0; i-- {
			if at(i) {
				cut = i + 1
				break
			}
		}
		if cut > 0 {
			break
		}
	}
	if cut <= 0 {
		cut = limit
	}

	// Step back out of a tag that straddles the cut. Text is escaped, so
	// any '<' starts a tag.
	for i := cut - 1; i > 0; i-- {
		if rs[i] == '>' {
			break
		}
		if rs[i] == '<' {
			cut = i
			break
		}
	}
	// Same for an entity such as &amp; or &#39;.
	for i := cut - 1; i > 0 && i >= cut-maxEntity; i-- {
		r := rs[i]
		if r == ';' || r == ' ' || r == '\n' {
			break
		}
		if r == '&' {
			cut = i
			break
		}
	}
	return cut
}

const maxEntity = 8

type htmlTag struct {
	name string
	raw  string
}

// trackTags replays the tags in chunk on top of open.
func trackTags(open []htmlTag, chunk []rune) []htmlTag {
	s := string(chunk)
	for {
		lt := strings.IndexByte(s, '<')
		if lt < 0 {
			return open
		}
		gt := strings.IndexByte(s[lt:], '>')
		if gt < 0 {
			return open
		}
		raw := s[lt : lt+gt+1]
		s = s[lt+gt+1:]

		inner := strings.TrimSuffix(strings.TrimPrefix(raw, "<"), ">")
		if strings.HasPrefix(inner, "/") {
			name := strings.ToLower(strings.TrimSpace(inner[1:]))
			for i := len(open) - 1; i >= 0; i-- {
				if open[i].name == name {
					open = append(open[:i:i], open[i+1:]...)
					break
				}
			}
			continue
		}
		if strings.HasSuffix(inner, "/") {
			continue
		}
		name, _, _ := strings.Cut(inner, " ")
		open = append(open, htmlTag{name: strings.ToLower(name), raw: raw})
	}
}

func openingTags(open []htmlTag) string {
	var b strings.Builder
	for _, t := range open {
		b.WriteString(t.raw)
	}
	return b.String()
}

func closingTags(open []htmlTag) string {
	var b strings.Builder
	for i := len(open) - 1; i >= 0; i-- {
		b.WriteString("</" + open[i].name + ">")
	}
	return b.String()
}
