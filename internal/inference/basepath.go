package inference

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// ErrInvalidPagePath is returned for a page path that is not a plain absolute path
var ErrInvalidPagePath = errors.New("invalid page path")

// DefaultModelFilename is the model file served next to the page
const DefaultModelFilename = "invoice-parser.onnx"

var lastSegment = regexp.MustCompile(`/[^/]*$`)

// BasePath strips the trailing file segment from a page path.
// "/smart-invoice/index.html" becomes "/smart-invoice/"; a root result becomes "".
func BasePath(pathname string) string {
	base := lastSegment.ReplaceAllString(pathname, "/")
	if base == "/" {
		return ""
	}
	return base
}

// ValidatePagePath accepts only a path starting with a single "/" that carries
// no scheme, host, userinfo, query or fragment.
func ValidatePagePath(pathname string) error {
	if !strings.HasPrefix(pathname, "/") || strings.HasPrefix(pathname, "//") || strings.ContainsAny(pathname, "\\?#@") {
		return fmt.Errorf("%w: %q", ErrInvalidPagePath, pathname)
	}
	u, err := url.Parse(pathname)
	if err != nil || u.Scheme != "" || u.Host != "" || u.User != nil || u.Opaque != "" {
		return fmt.Errorf("%w: %q", ErrInvalidPagePath, pathname)
	}
	return nil
}

// ModelURL resolves the model location for a page served at origin+pathname.
// The result always stays on origin's host.
func ModelURL(origin, pathname, filename string) (string, error) {
	if err := ValidatePagePath(pathname); err != nil {
		return "", err
	}
	base, err := url.Parse(origin)
	if err != nil {
		return "", fmt.Errorf("parsing origin: %w", err)
	}
	page, err := url.Parse(origin + pathname)
	if err != nil {
		return "", fmt.Errorf("parsing page url: %w", err)
	}
	ref, err := url.Parse(BasePath(pathname) + filename)
	if err != nil {
		return "", fmt.Errorf("parsing model path: %w", err)
	}

	resolved := page.ResolveReference(ref)
	if resolved.Host != base.Host || resolved.User != nil {
		return "", fmt.Errorf("%w: model url %s leaves %s", ErrInvalidPagePath, resolved.Redacted(), base.Host)
	}
	return resolved.String(), nil
}
