package catalog

import (
	"strings"
	"unicode"
)

var subjectPrefixes = map[string]struct{}{
	"bear": {}, "lion": {}, "hippo": {}, "panda": {}, "whale": {},
}

var legacyPrefixes = map[string]struct{}{
	"alive": {}, "animated": {}, "living": {}, "realistic": {}, "solitude": {}, "styles": {}, "teddy": {},
}

// dateSuffix is stripped from legacy display names.
const dateSuffix = "082316"

// DisplayName derives a human label from an image file name:
// subject_style_scene.png gives "Subject Scene", NN_scene.png gives "Scene",
// anything else is title-cased with underscores as spaces.
func DisplayName(filename string) string {
	name := strings.ReplaceAll(filename, ".png", "")
	parts := strings.Split(name, "_")

	if len(parts) >= 3 {
		if _, ok := subjectPrefixes[parts[0]]; ok {
			return titleCase(parts[0]) + " " + titleCase(strings.Join(parts[2:], " "))
		}
	}
	if isDigits(parts[0]) {
		return titleCase(strings.Join(parts[1:], " "))
	}
	name = strings.ReplaceAll(name, "_", " ")
	name = strings.ReplaceAll(name, dateSuffix, "")
	return titleCase(strings.TrimSpace(name))
}

// Category derives the catalog category from an image file name.
// Numbered series belong to the whale vignettes.
func Category(filename string) string {
	prefix := strings.Split(strings.ReplaceAll(filename, ".png", ""), "_")[0]

	if _, ok := subjectPrefixes[prefix]; ok {
		return prefix
	}
	if isDigits(prefix) {
		return "whale"
	}
	if _, ok := legacyPrefixes[prefix]; ok {
		return prefix
	}
	return "unknown"
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

// titleCase upper-cases the first letter of every run of letters and
// lower-cases the rest, so "01abc" becomes "01Abc".
func titleCase(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	prevLetter := false
	for _, r := range s {
		isLetter := unicode.IsLetter(r)
		switch {
		case isLetter && !prevLetter:
			b.WriteRune(unicode.ToUpper(r))
		case isLetter:
			b.WriteRune(unicode.ToLower(r))
		default:
			b.WriteRune(r)
		}
		prevLetter = isLetter
	}
	return b.String()
}
