package engine

import (
	"fmt"
	"strings"

	"librusbot/internal/librus"
	"librusbot/internal/messenger"
)

const (
	colorNotice  = 0xD3A5FF
	colorFreeDay = 0xE56390
	colorLucky   = 0x36DDE3

	maxDescriptionRunes = 4096

	editedReplyText = "Zmieniono ogłoszenie ^"
)

func noticeHeading(kind librus.ChangeKind) string {
	if kind == librus.ChangeEdit {
		return "Ogłoszenie (Zmienione)"
	}
	return "Nowe Ogłoszenie"
}

// noticeMessage renders a school notice for one destination. lastChange is
// empty for a first post.
func noticeMessage(kind librus.ChangeKind, n *librus.SchoolNotice, author *librus.User, roles RoleBinding, mention func(string) string, lastChange string) messenger.Message {
	content := "**" + noticeHeading(kind) + "**\n"
	desc := n.Content
	if IsPlanChange(n.Subject) && len(roles.Classes) > 0 {
		var ids []string
		ids, desc = TagClasses(desc, roles.Classes, mention)
		for _, id := range ids {
			content += mention(id) + " "
		}
	}

	footer := "Dodano: " + n.CreationDate
	if lastChange != "" {
		footer += " | Ostatnia zmiana: " + lastChange
	}
	return messenger.Message{
		Content: strings.TrimSpace(content),
		Embeds: []messenger.Embed{{
			Color:       colorNotice,
			Author:      author.FullName(),
			Title:       "**__" + n.Subject + "__**",
			Description: truncateRunes(desc, maxDescriptionRunes),
			Footer:      footer,
		}},
	}
}

func freeDayHeading(kind librus.ChangeKind) (string, bool) {
	switch kind {
	case librus.ChangeAdd:
		return "Dodano nieobecność nauczyciela", true
	case librus.ChangeEdit:
		return "Zmieniono nieobecność nauczyciela", true
	case librus.ChangeDelete:
		return "Usunięto nieobecność nauczyciela", true
	}
	return "", false
}

func freeDayMessage(heading string, d *librus.TeacherFreeDay, teacher *librus.User, extra *string) messenger.Message {
	var lines []string
	if extra != nil && *extra != "" {
		lines = append(lines, *extra)
	}
	if d.Name != "" {
		lines = append(lines, d.Name)
	}
	return messenger.Message{
		Content: "**" + heading + "**",
		Embeds: []messenger.Embed{{
			Color:       colorFreeDay,
			Title:       teacher.FullName(),
			Description: strings.Join(lines, "\n"),
			Fields: []messenger.EmbedField{
				{Name: "Od:", Value: joinDateTime(d.DateFrom, d.TimeFrom)},
				{Name: "Do:", Value: joinDateTime(d.DateTo, d.TimeTo)},
			},
			Footer: "Dodano: " + d.AddDate,
		}},
	}
}

func joinDateTime(date string, clock *string) string {
	if clock == nil {
		return date
	}
	return date + " " + *clock
}

func luckyMessage(n *librus.LuckyNumber, roleID string, mention func(string) string) messenger.Message {
	tag := fmt.Sprintf("@Numerek %d (brak roli)", n.LuckyNumber)
	if roleID != "" {
		tag = mention(roleID)
	}
	return messenger.Message{
		Content: tag,
		Embeds: []messenger.Embed{{
			Color:  colorLucky,
			Title:  fmt.Sprintf("**__Dzisiejszy szczęśliwy numerek to %d!__**", n.LuckyNumber),
			Footer: "Dnia: " + n.LuckyNumberDay,
		}},
	}
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
