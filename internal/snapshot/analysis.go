package snapshot

import (
	"bufio"
	"bytes"
	"encoding/json"
	"path"
	"sort"
	"strings"
)

// maxDependencies bounds Analysis.Dependencies.
const maxDependencies = 20

// Analysis is a coarse description of the project used to steer the
// prompt.
type Analysis struct {
	Language     string   `json:"language"`
	Framework    string   `json:"framework,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
	HasTests     bool     `json:"has_tests"`
	HasDocs      bool     `json:"has_docs"`
	HasLicense   bool     `json:"has_license"`
	SourceDirs   []string `json:"source_dirs,omitempty"`
	TestDirs     []string `json:"test_dirs,omitempty"`
	ConfigFiles  []string `json:"config_files,omitempty"`
}

// languagePriority breaks ties when several languages are present.
var languagePriority = []string{"Python", "TypeScript", "JavaScript", "Java", "Go", "Rust", "C++", "C", "Ruby", "PHP", "Kotlin", "C#", "Swift"}

// Analyze inspects a sorted file listing.
func Analyze(files []File) Analysis {
	var a Analysis

	counts := make(map[string]int)
	byPath := make(map[string]File, len(files))
	srcDirs := make(map[string]bool)
	testDirs := make(map[string]bool)
	for _, f := range files {
		byPath[f.Path] = f
		lower := strings.ToLower(f.Path)
		if lang := Language(f.Path); lang != "" {
			counts[lang]++
		}
		if strings.Contains(lower, "test") || strings.Contains(lower, "spec") {
			a.HasTests = true
		}
		if strings.Contains(lower, "readme") || strings.HasPrefix(lower, "docs/") {
			a.HasDocs = true
		}
		if strings.HasPrefix(path.Base(lower), "license") || strings.HasPrefix(path.Base(lower), "copying") {
			a.HasLicense = true
		}

		top, _, nested := strings.Cut(f.Path, "/")
		if nested {
			switch {
			case top == "src" || top == "app" || top == "lib" || top == "source" || top == "cmd" || top == "internal" || top == "pkg":
				srcDirs[top] = true
			case strings.Contains(strings.ToLower(top), "test"):
				testDirs[top] = true
			}
		} else if IsManifest(f.Path) || strings.HasSuffix(lower, ".json") || strings.HasSuffix(lower, ".ini") {
			a.ConfigFiles = append(a.ConfigFiles, f.Path)
		}
	}

	a.Language = dominantLanguage(counts)
	a.Framework = detectFramework(a.Language, byPath)
	a.Dependencies = extractDependencies(byPath)
	a.SourceDirs = sortedKeys(srcDirs)
	a.TestDirs = sortedKeys(testDirs)
	return a
}

func dominantLanguage(counts map[string]int) string {
	best, bestN := "", 0
	for _, lang := range languagePriority {
		if n := counts[lang]; n > bestN {
			best, bestN = lang, n
		}
	}
	if best == "" {
		return "Unknown"
	}
	return best
}

func detectFramework(lang string, files map[string]File) string {
	contains := func(name, needle string) bool {
		f, ok := files[name]
		return ok && bytes.Contains(bytes.ToLower(f.Content), []byte(needle))
	}

	switch lang {
	case "Python":
		for _, fw := range []struct{ needle, name string }{{"django", "Django"}, {"flask", "Flask"}, {"fastapi", "FastAPI"}} {
			if contains("requirements.txt", fw.needle) || contains("pyproject.toml", fw.needle) {
				return fw.name
			}
		}
	case "JavaScript", "TypeScript":
		for _, fw := range []struct{ needle, name string }{{`"next"`, "Next.js"}, {`"react"`, "React"}, {`"vue"`, "Vue.js"}, {`"@angular/core"`, "Angular"}, {`"express"`, "Express"}} {
			if contains("package.json", fw.needle) {
				return fw.name
			}
		}
		if _, ok := files["package.json"]; ok {
			return "Node.js"
		}
	case "Go":
		for _, fw := range []struct{ needle, name string }{{"github.com/gin-gonic/gin", "Gin"}, {"github.com/labstack/echo", "Echo"}, {"github.com/spf13/cobra", "Cobra"}} {
			if contains("go.mod", fw.needle) {
				return fw.name
			}
		}
	case "Rust":
		if _, ok := files["Cargo.toml"]; ok {
			return "Cargo"
		}
	}
	return ""
}

func extractDependencies(files map[string]File) []string {
	seen := make(map[string]bool)

	if f, ok := files["requirements.txt"]; ok {
		scanner := bufio.NewScanner(bytes.NewReader(f.Content))
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "-") {
				continue
			}
			name := strings.FieldsFunc(line, func(r rune) bool {
				return strings.ContainsRune("=<>!~;[ ", r)
			})
			if len(name) > 0 {
				seen[name[0]] = true
			}
		}
	}

	if f, ok := files["package.json"]; ok {
		var pkg struct {
			Dependencies    map[string]string `json:"dependencies"`
			DevDependencies map[string]string `json:"devDependencies"`
		}
		if json.Unmarshal(f.Content, &pkg) == nil {
			for name := range pkg.Dependencies {
				seen[name] = true
			}
			for name := range pkg.DevDependencies {
				seen[name] = true
			}
		}
	}

	if f, ok := files["go.mod"]; ok {
		inBlock := false
		scanner := bufio.NewScanner(bytes.NewReader(f.Content))
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			switch {
			case line == "require (":
				inBlock = true
			case line == ")":
				inBlock = false
			case strings.HasPrefix(line, "require "):
				if fields := strings.Fields(line); len(fields) >= 2 {
					seen[fields[1]] = true
				}
			case inBlock && !strings.HasSuffix(line, "// indirect"):
				if fields := strings.Fields(line); len(fields) >= 1 && !strings.HasPrefix(fields[0], "//") {
					seen[fields[0]] = true
				}
			}
		}
	}

	deps := sortedKeys(seen)
	if len(deps) > maxDependencies {
		deps = deps[:maxDependencies]
	}
	return deps
}

func sortedKeys(m map[string]bool) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
