package classify

import (
	"strings"

	"github.com/Arashiailing/CQLLM/internal/qlsource"
)

// DefaultLabels are the Python query classes a file can be tagged with.
var DefaultLabels = []string{
	"CookieInjectionQuery",
	"PathInjectionQuery",
	"TarSlipQuery",
	"TemplateInjectionQuery",
	"CommandInjectionQuery",
	"UnsafeShellCommandConstructionQuery",
	"ReflectedXssQuery",
	"SqlInjectionQuery",
	"LdapInjectionQuery",
	"CodeInjectionQuery",
	"HttpHeaderInjectionQuery",
	"LogInjectionQuery",
	"StackTraceExposureQuery",
	"PamAuthorizationQuery",
	"CleartextLoggingQuery",
	"CleartextStorageQuery",
	"WeakSensitiveDataHashingQuery",
	"UnsafeDeserializationQuery",
	"UrlRedirectQuery",
	"XxeQuery",
	"XpathInjectionQuery",
	"PolynomialReDoSQuery",
	"RegexInjectionQuery",
	"XmlBombQueryQuery",
	"ServerSideRequestForgeryQuery",
	"NoSqlInjectionQuery",
}

// Answers the model gives instead of labels. They are written to the table
// verbatim.
const (
	DefaultNoneLabel  = "不存在漏洞"
	DefaultOtherLabel = "不存在标签漏洞"
)

// Values written for rows that could not be classified.
const (
	FileNotFound     = "FileNotFound"
	unmappedPrefix   = "UnmappedResponse: "
	modelErrorPrefix = "AIError: "
)

// Labels is the vocabulary a reply is checked against.
type Labels struct {
	Known []string
	None  string
	Other string
}

// DefaultVocabulary returns the built-in labels.
func DefaultVocabulary() Labels {
	return Labels{Known: DefaultLabels, None: DefaultNoneLabel, Other: DefaultOtherLabel}
}

// Parse maps a model reply to the value stored in the table. Only the first
// non-empty line counts. A label list is accepted only if every entry is
// known; anything else is kept for review behind an UnmappedResponse prefix.
func (l Labels) Parse(reply string) string {
	line := ""
	for _, s := range strings.Split(qlsource.StripThink(reply), "\n") {
		if s = strings.TrimSpace(s); s != "" {
			line = s
			break
		}
	}
	line = strings.Trim(line, " \"'")

	if line != "" && (line == l.None || line == l.Other) {
		return line
	}

	known := make(map[string]bool, len(l.Known))
	for _, k := range l.Known {
		known[k] = true
	}
	var labels []string
	for _, part := range strings.Split(line, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if !known[part] {
			return unmappedPrefix + line
		}
		labels = append(labels, part)
	}
	if len(labels) == 0 {
		return unmappedPrefix + line
	}
	return strings.Join(labels, ", ")
}
