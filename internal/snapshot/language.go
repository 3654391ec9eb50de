package snapshot

import (
	"path"
	"regexp"
	"strings"
	"unicode/utf8"
)

var languageByExt = map[string]string{
	".go":    "Go",
	".py":    "Python",
	".js":    "JavaScript",
	".jsx":   "JavaScript",
	".mjs":   "JavaScript",
	".ts":    "TypeScript",
	".tsx":   "TypeScript",
	".java":  "Java",
	".kt":    "Kotlin",
	".c":     "C",
	".h":     "C",
	".cpp":   "C++",
	".cc":    "C++",
	".hpp":   "C++",
	".rs":    "Rust",
	".rb":    "Ruby",
	".php":   "PHP",
	".cs":    "C#",
	".swift": "Swift",
	".sh":    "Shell",
	".md":    "Markdown",
	".yaml":  "YAML",
	".yml":   "YAML",
	".json":  "JSON",
	".toml":  "TOML",
	".sql":   "SQL",
	".html":  "HTML",
	".css":   "CSS",
}

var languageByName = map[string]string{
	"Dockerfile":  "Dockerfile",
	"Makefile":    "Makefile",
	"Gemfile":     "Ruby",
	"Rakefile":    "Ruby",
	"Jenkinsfile": "Groovy",
}

// Language guesses a file's language from its name.
func Language(p string) string {
	base := path.Base(p)
	if lang, ok := languageByName[base]; ok {
		return lang
	}
	return languageByExt[strings.ToLower(path.Ext(base))]
}

// declaration patterns match top-level definitions worth listing in a
// summary.
var declarations = map[string]*regexp.Regexp{
	"Go":         regexp.MustCompile(`^(func|type|var|const) `),
	"Python":     regexp.MustCompile(`^(async def|def|class) `),
	"JavaScript": regexp.MustCompile(`^(export |function |class |module\.exports)`),
	"TypeScript": regexp.MustCompile(`^(export |function |class |interface |type )`),
	"Rust":       regexp.MustCompile(`^(pub )?(fn|struct|enum|trait|impl|mod) `),
	"Java":       regexp.MustCompile(`^(public |abstract |final )*(class|interface|enum|record) `),
	"Kotlin":     regexp.MustCompile(`^(fun|class|object|interface|data class) `),
	"Ruby":       regexp.MustCompile(`^(class|module|def) `),
	"PHP":        regexp.MustCompile(`^(function|class|interface|trait) `),
	"C#":         regexp.MustCompile(`^(public |internal )?(class|interface|struct|enum|namespace) `),
	"Shell":      regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*\(\) *\{`),
	"Markdown":   regexp.MustCompile(`^#{1,3} `),
}

// IsBinary reports whether content looks like a binary file: it contains a
// NUL byte or is not valid UTF-8.
func IsBinary(content []byte) bool {
	for _, b := range content {
		if b == 0 {
			return true
		}
	}
	return !utf8.Valid(content)
}

// manifestNames are dependency and build manifests, included in full
// whenever they fit.
var manifestNames = map[string]bool{
	"go.mod":              true,
	"package.json":        true,
	"requirements.txt":    true,
	"pyproject.toml":      true,
	"setup.py":            true,
	"setup.cfg":           true,
	"Pipfile":             true,
	"Cargo.toml":          true,
	"pom.xml":             true,
	"build.gradle":        true,
	"build.gradle.kts":    true,
	"Gemfile":             true,
	"composer.json":       true,
	"Makefile":            true,
	"Dockerfile":          true,
	"docker-compose.yml":  true,
	"docker-compose.yaml": true,
	"CMakeLists.txt":      true,
}

// IsManifest reports whether p is a manifest or configuration file. Any
// YAML or TOML file at the repository root counts.
func IsManifest(p string) bool {
	if manifestNames[path.Base(p)] {
		return true
	}
	if strings.Contains(p, "/") {
		return false
	}
	switch strings.ToLower(path.Ext(p)) {
	case ".yaml", ".yml", ".toml":
		return true
	}
	return false
}
