package embeddings

import "strings"

// BuildText assembles the text to embed for a video from its title and
// description, truncated to budget characters. The title is prioritized: it is
// never cut in favor of description text, and a title longer than the budget
// is truncated on its own.
func BuildText(title, description string, budget int) string {
	title = collapseWhitespace(title)
	description = collapseWhitespace(description)

	if budget <= 0 {
		return ""
	}

	if title == "" {
		descRunes := []rune(description)
		if len(descRunes) > budget {
			descRunes = descRunes[:budget]
		}
		return string(descRunes)
	}

	titleRunes := []rune(title)
	if len(titleRunes) >= budget {
		return string(titleRunes[:budget])
	}

	if description == "" {
		return title
	}

	remaining := budget - len(titleRunes) - 1 // room for the separator space
	if remaining <= 0 {
		return title
	}

	descRunes := []rune(description)
	if len(descRunes) > remaining {
		descRunes = descRunes[:remaining]
	}

	return title + " " + string(descRunes)
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
