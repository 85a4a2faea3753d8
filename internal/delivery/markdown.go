package delivery

import "strings"

const markdownV2Special = "\\_*[]()~`>#+-=|{}.!"

// EscapeMarkdownV2 escapes every character Telegram's MarkdownV2 reserves.
func EscapeMarkdownV2(text string) string {
	var b strings.Builder
	b.Grow(len(text) * 2)
	for _, r := range text {
		if strings.ContainsRune(markdownV2Special, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func escapeCode(text string) string {
	return strings.NewReplacer("\\", "\\\\", "`", "\\`").Replace(text)
}

// FormatMarkdownV2 converts the common markdown models emit into MarkdownV2:
// fenced and inline code are kept, **bold** becomes *bold*, and everything
// else is escaped. Unbalanced markers are escaped as literal text.
func FormatMarkdownV2(text string) string {
	var b strings.Builder
	b.Grow(len(text) * 2)

	for len(text) > 0 {
		switch {
		case strings.HasPrefix(text, "```"):
			end := strings.Index(text[3:], "```")
			if end < 0 {
				b.WriteString(EscapeMarkdownV2(text))
				return b.String()
			}
			block := text[3 : 3+end]
			lang := ""
			if nl := strings.IndexByte(block, '\n'); nl >= 0 && !strings.ContainsAny(block[:nl], " \t`") {
				lang, block = block[:nl], block[nl+1:]
			}
			b.WriteString("```" + lang + "\n" + escapeCode(strings.TrimSuffix(block, "\n")) + "\n```")
			text = text[3+end+3:]

		case text[0] == '`':
			end := strings.IndexByte(text[1:], '`')
			if end < 0 || strings.Contains(text[1:1+end], "\n") {
				b.WriteString("\\`")
				text = text[1:]
				continue
			}
			b.WriteString("`" + escapeCode(text[1:1+end]) + "`")
			text = text[1+end+1:]

		case strings.HasPrefix(text, "**"):
			end := strings.Index(text[2:], "**")
			if end <= 0 || strings.Contains(text[2:2+end], "\n") {
				b.WriteString("\\*\\*")
				text = text[2:]
				continue
			}
			b.WriteString("*" + EscapeMarkdownV2(text[2:2+end]) + "*")
			text = text[2+end+2:]

		default:
			next := strings.IndexAny(text[1:], "`*")
			if next < 0 {
				b.WriteString(EscapeMarkdownV2(text))
				return b.String()
			}
			b.WriteString(EscapeMarkdownV2(text[:1+next]))
			text = text[1+next:]
		}
	}
	return b.String()
}
