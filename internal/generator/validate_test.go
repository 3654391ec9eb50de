package generator

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/attribute"
)

func attributeResult(v string) attribute.KeyValue { return attribute.String("result", v) }

func TestClean(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"trims and adds newline", "  # T\n\ntext  \n\n", "# T\n\ntext\n"},
		{"crlf", "# T\r\ntext\r\n", "# T\ntext\n"},
		{"markdown fence", "```markdown\n# T\n```", "# T\n"},
		{"bare fence", "```\n# T\n```\n", "# T\n"},
		{"inner fences kept", "# T\n\n```go\nx\n```\n", "# T\n\n```go\nx\n```\n"},
		{"empty", " \n\t", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Clean(tt.in))
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantErr string
	}{
		{"valid", goodDoc, ""},
		{"setext heading", "Title\n=====\n\nbody\n", ""},
		{"empty", "\n", "empty"},
		{"too large", "# T\n" + strings.Repeat("x", 5000), "limit"},
		{"mustache", "# T\n\n{{ project_name }}\n", "placeholder"},
		{"shell var", "# T\n\nexport KEY=${API_KEY}\n", "placeholder"},
		{"shell var in code block", "# T\n\n```sh\nexport KEY=${API_KEY}\n```\n", ""},
		{"template in inline code", "# T\n\nRender `{{ .Name }}` in templates.\n", ""},
		{"angle placeholder", "# T\n\ngit clone <your-repo-url>\n", "placeholder"},
		{"todo", "# T\n\nTODO: fill in usage\n", "placeholder"},
		{"insert", "# T\n\n[Insert screenshot here]\n", "placeholder"},
		{"no heading", "just prose\n", "headings"},
		{"heading only inside code", "```\n# not a heading\n```\n", "headings"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.doc, 4096)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
			assert.True(t, IsValidationError(err))
		})
	}
}
