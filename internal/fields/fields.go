package fields

import (
	"regexp"
	"strings"
)

// NotFound is returned for any field that could not be extracted
const NotFound = "Not found"

// Kind identifies which field to extract from recognized text
type Kind string

const (
	Vendor Kind = "vendor"
	Total  Kind = "total"
	Date   Kind = "date"
)

// Kinds lists the kinds extracted on every run, in display order
var Kinds = []Kind{Vendor, Total, Date}

// jsSpace matches the same characters as the JavaScript \s class.
const jsSpace = `\t\n\v\f\r \x{00a0}\x{1680}\x{2000}-\x{200a}\x{2028}\x{2029}\x{202f}\x{205f}\x{3000}\x{feff}`

var (
	totalPattern = regexp.MustCompile(`(?i)total[:` + jsSpace + `]*\$?([\d.,]+)`)
	datePattern  = regexp.MustCompile(`(\d{1,2}[/.-]\d{1,2}[/.-]\d{2,4})`)
)

// Fields holds the values extracted from one invoice
type Fields struct {
	Vendor string `json:"vendor"`
	Total  string `json:"total"`
	Date   string `json:"date"`
}

// Extract returns the first match for kind in text, or NotFound
func Extract(kind Kind, text string) string {
	switch kind {
	case Total:
		if m := totalPattern.FindStringSubmatch(text); m != nil {
			return m[1]
		}
		return NotFound
	case Date:
		if m := datePattern.FindStringSubmatch(text); m != nil {
			return m[1]
		}
		return NotFound
	case Vendor:
		first, _, _ := strings.Cut(text, "\n")
		if first == "" {
			return NotFound
		}
		return first
	}
	return NotFound
}

// ExtractAll runs every kind against text
func ExtractAll(text string) Fields {
	return Fields{
		Vendor: Extract(Vendor, text),
		Total:  Extract(Total, text),
		Date:   Extract(Date, text),
	}
}
