package dialogue

import "strings"

// BuildPrompt renders lines as the text sent to the generation collaborator,
// one line per entry in dialogue order. User lines carry their speaker and
// language tags; generated lines are prefixed with their speaker. Lines with
// no text yet (an unfilled slot) are skipped.
func BuildPrompt(lines []Line) string {
	var b strings.Builder
	for _, l := range lines {
		if l.Text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(FormatLine(l))
	}
	return b.String()
}

// FormatLine renders a single line the way BuildPrompt does.
func FormatLine(l Line) string {
	if l.Kind == KindGenerated {
		return l.Speaker + ": " + l.Text
	}

	var b strings.Builder
	b.WriteByte('[')
	b.WriteString(l.Speaker)
	if l.Language != "" {
		b.WriteString(", ")
		b.WriteString(l.Language)
	}
	b.WriteString("] ")
	b.WriteString(l.Text)
	return b.String()
}
