package voice

import "strings"

const DefaultLanguage = "en"

// supportedLanguages maps ISO 639-1, ISO 639-3 and English names onto the
// ISO 639-1 codes the service speaks.
var supportedLanguages = map[string]string{
	"en": "en", "eng": "en", "english": "en",
	"hi": "hi", "hin": "hi", "hindi": "hi",
	"bn": "bn", "ben": "bn", "bengali": "bn",
	"ta": "ta", "tam": "ta", "tamil": "ta",
	"te": "te", "tel": "te", "telugu": "te",
	"mr": "mr", "mar": "mr", "marathi": "mr",
	"gu": "gu", "guj": "gu", "gujarati": "gu",
	"kn": "kn", "kan": "kn", "kannada": "kn",
	"ml": "ml", "mal": "ml", "malayalam": "ml",
	"pa": "pa", "pan": "pa", "punjabi": "pa",
	"es": "es", "spa": "es", "spanish": "es",
	"fr": "fr", "fra": "fr", "fre": "fr", "french": "fr",
	"de": "de", "deu": "de", "ger": "de", "german": "de",
}

// SupportedLanguage maps a detected or requested language to a supported
// code. Region suffixes are ignored; unknown languages map to English.
func SupportedLanguage(code string) string {
	code = strings.ToLower(strings.TrimSpace(code))
	if i := strings.IndexAny(code, "-_"); i > 0 {
		code = code[:i]
	}
	if mapped, ok := supportedLanguages[code]; ok {
		return mapped
	}
	return DefaultLanguage
}

// IsSupportedLanguage reports whether code maps to a supported language
// without falling back.
func IsSupportedLanguage(code string) bool {
	code = strings.ToLower(strings.TrimSpace(code))
	if i := strings.IndexAny(code, "-_"); i > 0 {
		code = code[:i]
	}
	_, ok := supportedLanguages[code]
	return ok
}
