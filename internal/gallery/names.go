package gallery

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// RemoveDiacritics removes diacritical marks from a string (e.g., "Jiří" -> "Jiri").
func RemoveDiacritics(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	result, _, _ := transform.String(t, s)
	return result
}

// NormalizePersonName normalizes a name for comparison (lowercase, no
// diacritics, dashes and underscores as spaces, collapsed whitespace).
// Two people in one gallery may not share a normalized name.
func NormalizePersonName(name string) string {
	name = RemoveDiacritics(name)
	name = strings.ToLower(name)
	name = strings.NewReplacer("-", " ", "_", " ").Replace(name)
	return strings.Join(strings.Fields(name), " ")
}

// Slugify turns a person name into a directory-safe slug ("Jiří Novák" -> "jiri-novak").
func Slugify(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range NormalizePersonName(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
	}
	slug := strings.TrimSuffix(b.String(), "-")
	if slug == "" {
		return "person"
	}
	return slug
}

var titleCaser = cases.Title(language.Und)

// DisplayNameFromDir derives a readable person name from a folder that was
// created by hand ("jan_novak" -> "Jan Novak").
func DisplayNameFromDir(dir string) string {
	name := strings.NewReplacer("_", " ", "-", " ").Replace(dir)
	return titleCaser.String(strings.Join(strings.Fields(name), " "))
}
