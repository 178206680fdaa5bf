// Package qlsource holds the text handling cqllm applies to CodeQL sources:
// pulling query code out of model replies, reading the metadata header,
// and discovering query files on disk.
package qlsource

import (
	"regexp"
	"strings"
)

var (
	thinkBlock = regexp.MustCompile(`(?is)<think>.*?</think>`)
	fenceOpen  = regexp.MustCompile("```[ \t]*([A-Za-z0-9_+.-]*)[ \t]*\r?\n?")
)

// StripThink removes <think>...</think> reasoning blocks and trims.
func StripThink(text string) string {
	return strings.TrimSpace(thinkBlock.ReplaceAllString(text, ""))
}

type fence struct {
	lang string
	body string
}

// fences returns every fenced block. An unterminated final fence runs to the
// end of the text, which is how truncated replies usually look.
func fences(text string) []fence {
	var out []fence
	for {
		loc := fenceOpen.FindStringSubmatchIndex(text)
		if loc == nil {
			return out
		}
		lang := strings.ToLower(text[loc[2]:loc[3]])
		rest := text[loc[1]:]
		end := strings.Index(rest, "```")
		if end < 0 {
			return append(out, fence{lang: lang, body: rest})
		}
		out = append(out, fence{lang: lang, body: rest[:end]})
		text = rest[end+3:]
	}
}

// ExtractCode returns the QL code in a model reply. Blocks tagged ql or
// codeql win; otherwise all fenced blocks are used; with no fences the whole
// reply (minus reasoning) is taken as code.
func ExtractCode(reply string) string {
	text := StripThink(reply)
	blocks := fences(text)
	if len(blocks) == 0 {
		return text
	}

	var tagged, all []string
	for _, b := range blocks {
		body := strings.TrimSpace(b.body)
		if body == "" {
			continue
		}
		all = append(all, body)
		if b.lang == "ql" || b.lang == "codeql" {
			tagged = append(tagged, body)
		}
	}
	switch {
	case len(tagged) > 0:
		return strings.Join(tagged, "\n\n")
	case len(all) > 0:
		return strings.Join(all, "\n\n")
	default:
		return ""
	}
}
