package engine

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"librusbot/internal/messenger"
)

var (
	// Class roles are named like "1A", "3c", "2B4" (year, letter, optional track).
	reClassRole  = regexp.MustCompile(`^([1-4])([A-Ia-i])(?:3|4)?$`)
	reNumberRole = regexp.MustCompile(`^Numerek ([0-4]?[0-9])$`)
)

// ClassRole matches mentions of one class in notice text, e.g. role "1A"
// matches "1A", "1ab", "1CA".
type ClassRole struct {
	RoleID  string
	Name    string
	Pattern *regexp.Regexp
}

// RoleBinding is derived once per destination from the guild's role names.
type RoleBinding struct {
	Classes []ClassRole
	// Lucky maps a lucky number to the role announced for it.
	Lucky map[int]string
}

// BindRoles builds the binding. Class roles are only collected when tagClasses is set.
func BindRoles(roles []messenger.Role, tagClasses bool) RoleBinding {
	b := RoleBinding{Lucky: map[int]string{}}
	for _, r := range roles {
		if tagClasses {
			if m := reClassRole.FindStringSubmatch(r.Name); m != nil {
				letters := strings.ToUpper(m[2]) + strings.ToLower(m[2])
				b.Classes = append(b.Classes, ClassRole{
					RoleID:  r.ID,
					Name:    r.Name,
					Pattern: regexp.MustCompile(m[1] + `[A-Ia-i]*[` + letters + `][A-Ia-i]*`),
				})
			}
		}
		if m := reNumberRole.FindStringSubmatch(r.Name); m != nil {
			n, err := strconv.Atoi(m[1])
			if err == nil {
				b.Lucky[n] = r.ID
			}
		}
	}
	return b
}

var planChangeKeywords = []string{"zmiany w planie", "poniedziałek", "wtorek", "środa", "czwartek", "piątek"}

// IsPlanChange reports whether a notice subject announces timetable changes.
func IsPlanChange(subject string) bool {
	s := strings.ToLower(subject)
	for _, kw := range planChangeKeywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

type classSpan struct {
	start, end int
	roles      []string
}

// TagClasses finds class mentions in text. It returns the ids of the roles
// that matched (in binding order) and text with each match prefixed by its
// role mentions and wrapped in ** unless it is already bold.
func TagClasses(text string, classes []ClassRole, mention func(roleID string) string) ([]string, string) {
	if len(classes) == 0 {
		return nil, text
	}

	var matched []string
	var spans []classSpan
	for _, c := range classes {
		locs := c.Pattern.FindAllStringIndex(text, -1)
		if len(locs) == 0 {
			continue
		}
		matched = append(matched, c.RoleID)
	next:
		for _, loc := range locs {
			for i := range spans {
				if spans[i].start == loc[0] && spans[i].end == loc[1] {
					spans[i].roles = append(spans[i].roles, c.RoleID)
					continue next
				}
			}
			spans = append(spans, classSpan{start: loc[0], end: loc[1], roles: []string{c.RoleID}})
		}
	}
	if len(spans) == 0 {
		return nil, text
	}
	sort.SliceStable(spans, func(i, j int) bool { return spans[i].start < spans[j].start })

	var b strings.Builder
	last := 0
	for _, sp := range spans {
		if sp.start < last {
			// Overlaps an earlier, different match.
			continue
		}
		b.WriteString(text[last:sp.start])
		for _, id := range sp.roles {
			b.WriteString(mention(id))
			b.WriteByte(' ')
		}
		word := text[sp.start:sp.end]
		if strings.HasSuffix(text[:sp.start], "**") || strings.HasPrefix(text[sp.end:], "**") {
			b.WriteString(word)
		} else {
			b.WriteString("**" + word + "**")
		}
		last = sp.end
	}
	b.WriteString(text[last:])
	return matched, b.String()
}
