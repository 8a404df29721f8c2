package proposition

import "strings"

type OfferType int

const (
	Unknown OfferType = iota
	JSON
	Text
	HTML
	Image
)

func (t OfferType) String() string {
	switch t {
	case JSON:
		return "JSON"
	case Text:
		return "TEXT"
	case HTML:
		return "HTML"
	case Image:
		return "IMAGE"
	default:
		return "UNKNOWN"
	}
}

// offerTypeFromCode maps the numeric wire code. Out of range codes are not
// a type and fall through to the next source.
func offerTypeFromCode(code int) (OfferType, bool) {
	if code < int(Unknown) || code > int(Image) {
		return Unknown, false
	}
	return OfferType(code), true
}

// offerTypeFromName accepts the symbolic names written by Record.
func offerTypeFromName(name string) (OfferType, bool) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "JSON":
		return JSON, true
	case "TEXT":
		return Text, true
	case "HTML":
		return HTML, true
	case "IMAGE":
		return Image, true
	case "UNKNOWN":
		return Unknown, true
	}
	return Unknown, false
}

func offerTypeFromFormat(format string) (OfferType, bool) {
	f := strings.ToLower(strings.TrimSpace(format))
	switch {
	case f == "":
		return Unknown, false
	case f == "application/json" || strings.HasSuffix(f, "+json"):
		return JSON, true
	case f == "text/html":
		return HTML, true
	case f == "text/plain":
		return Text, true
	case strings.HasPrefix(f, "image/"):
		return Image, true
	}
	return Unknown, false
}

var schemaSuffixes = []struct {
	suffix string
	typ    OfferType
}{
	{"content-component-html", HTML},
	{"content-component-json", JSON},
	{"content-component-text", Text},
	{"content-component-image", Image},
}

func offerTypeFromSchema(schema string) (OfferType, bool) {
	for _, s := range schemaSuffixes {
		if strings.HasSuffix(schema, s.suffix) {
			return s.typ, true
		}
	}
	return Unknown, false
}
