package generator

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// ValidationError explains why a document was rejected.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "invalid document: " + e.Reason }

// IsValidationError reports whether err is a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Template syntax is legitimate inside code (shell variables, Helm and Go
// templates), so it is only an unresolved placeholder in prose.
var prosePlaceholders = []*regexp.Regexp{
	regexp.MustCompile(`\{\{[^}\n]*\}\}`),
	regexp.MustCompile(`\$\{[^}\n]*\}`),
}

var placeholders = []*regexp.Regexp{
	regexp.MustCompile(`<(?:your|repository|project|insert|username|repo)[-_][a-z0-9_-]*>`),
	regexp.MustCompile(`(?i)\bTODO:\s*fill`),
	regexp.MustCompile(`(?i)\[insert[^\]\n]*\]`),
}

var codePattern = regexp.MustCompile("(?s)```.*?```|~~~.*?~~~|`[^`\n]*`")

var fencePattern = regexp.MustCompile("(?s)^```(?:markdown|md)?\n(.*)\n```$")

// Clean normalises raw model output: line endings, surrounding whitespace,
// an enclosing code fence and the trailing newline.
func Clean(raw string) string {
	s := strings.ReplaceAll(raw, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = strings.TrimSpace(s)
	if m := fencePattern.FindStringSubmatch(s); m != nil {
		s = strings.TrimSpace(m[1])
	}
	if s == "" {
		return ""
	}
	return s + "\n"
}

var markdown = goldmark.New()

// Validate checks a cleaned document.
func Validate(doc string, maxBytes int) error {
	if strings.TrimSpace(doc) == "" {
		return &ValidationError{Reason: "empty output"}
	}
	if maxBytes > 0 && len(doc) > maxBytes {
		return &ValidationError{Reason: fmt.Sprintf("document is %d bytes, limit is %d", len(doc), maxBytes)}
	}
	for _, re := range placeholders {
		if m := re.FindString(doc); m != "" {
			return &ValidationError{Reason: fmt.Sprintf("unresolved placeholder %q", m)}
		}
	}
	prose := codePattern.ReplaceAllString(doc, "")
	for _, re := range prosePlaceholders {
		if m := re.FindString(prose); m != "" {
			return &ValidationError{Reason: fmt.Sprintf("unresolved placeholder %q", m)}
		}
	}

	src := []byte(doc)
	root := markdown.Parser().Parse(text.NewReader(src))
	headings := 0
	_ = ast.Walk(root, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if entering && n.Kind() == ast.KindHeading {
			headings++
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	if headings == 0 {
		return &ValidationError{Reason: "document has no headings"}
	}
	return nil
}
