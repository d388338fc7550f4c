package releases

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
)

// Summarize はリリースノートHTMLからテキストを取り出し、maxRunes文字以内の要約を返す。
// 最初の段落（p または li）があればそれを優先する。
func Summarize(notesHTML string, maxRunes int) string {
	if notesHTML == "" {
		return ""
	}

	tokenizer := html.NewTokenizer(strings.NewReader(notesHTML))

	var all, first strings.Builder
	depth := 0
	firstDone := false

	for {
		tt := tokenizer.Next()
		switch tt {
		case html.ErrorToken:
			text := collapseSpace(first.String())
			if text == "" {
				text = collapseSpace(all.String())
			}
			return truncate(text, maxRunes)

		case html.StartTagToken:
			name, _ := tokenizer.TagName()
			if !firstDone && (string(name) == "p" || string(name) == "li") {
				depth++
			}

		case html.EndTagToken:
			name, _ := tokenizer.TagName()
			if depth > 0 && (string(name) == "p" || string(name) == "li") {
				depth--
				if depth == 0 && collapseSpace(first.String()) != "" {
					firstDone = true
				}
			}
			all.WriteByte(' ')

		case html.TextToken:
			text := string(tokenizer.Text())
			all.WriteString(text)
			if depth > 0 && !firstDone {
				first.WriteString(text)
			}
		}
	}
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, maxRunes int) string {
	if maxRunes <= 0 || utf8.RuneCountInString(s) <= maxRunes {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:maxRunes-1])) + "…"
}
