package voice

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	speechURLPattern          = regexp.MustCompile(`https?://\S+`)
	speechMarkdownLinkPattern = regexp.MustCompile(`\[(.*?)\]\((.*?)\)`)
	speechListMarkerPattern   = regexp.MustCompile(`(?m)^\s*(?:[-*•]|\d+[.)])\s+`)
	speechDosePattern         = regexp.MustCompile(`(\d)\s*(mg|mcg|ml|mL)\b`)
)

// speechUnits spells out clinical shorthand that TTS voices read badly.
var speechUnits = strings.NewReplacer(
	"°C", " degrees Celsius",
	"°F", " degrees Fahrenheit",
	"%", " percent",
	"mg/dL", " milligrams per decilitre",
	"mmHg", " millimetres of mercury",
	"bpm", " beats per minute",
	"e.g.", "for example",
	"i.e.", "that is",
)

var speechDoseWords = map[string]string{
	"mg":  "milligrams",
	"mcg": "micrograms",
	"ml":  "millilitres",
	"mL":  "millilitres",
}

// speakableText turns a written reply into text that sounds natural when
// read aloud: markdown and links are dropped, units are spelled out.
func speakableText(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	raw = speechMarkdownLinkPattern.ReplaceAllString(raw, "$1")
	raw = speechURLPattern.ReplaceAllString(raw, " ")
	raw = speechListMarkerPattern.ReplaceAllString(raw, "")
	raw = speechUnits.Replace(raw)
	raw = speechDosePattern.ReplaceAllStringFunc(raw, func(m string) string {
		sub := speechDosePattern.FindStringSubmatch(m)
		return sub[1] + " " + speechDoseWords[sub[2]]
	})
	raw = strings.NewReplacer("*", " ", "_", " ", "#", " ", "`", " ", "|", " ", "~", " ").Replace(raw)

	var b strings.Builder
	b.Grow(len(raw))
	prevSpace := true
	for _, r := range raw {
		switch {
		case unicode.IsSpace(r):
			if !prevSpace {
				b.WriteByte(' ')
				prevSpace = true
			}
		case unicode.IsControl(r), unicode.In(r, unicode.So, unicode.Sk):
			continue
		default:
			b.WriteRune(r)
			prevSpace = false
		}
	}
	return strings.TrimSpace(b.String())
}
