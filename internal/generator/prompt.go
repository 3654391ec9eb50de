package generator

import (
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/autodoc/internal/router"
	"github.com/fyrsmithlabs/autodoc/internal/snapshot"
)

// DocumentKind selects the style of README to write.
type DocumentKind string

const (
	KindSimple       DocumentKind = "simple"
	KindAdvanced     DocumentKind = "advanced"
	KindInstallation DocumentKind = "installation"
	// KindReadme is the general-purpose README; it uses the advanced
	// instructions.
	KindReadme DocumentKind = "readme"
)

// ParseKind validates a kind name. Empty means KindAdvanced.
func ParseKind(s string) (DocumentKind, error) {
	switch k := DocumentKind(strings.ToLower(strings.TrimSpace(s))); k {
	case "":
		return KindAdvanced, nil
	case KindSimple, KindAdvanced, KindInstallation, KindReadme:
		return k, nil
	default:
		return "", fmt.Errorf("unknown document kind %q", s)
	}
}

// Hints steer the style of the document.
type Hints struct {
	Tone         string   `json:"tone,omitempty"`
	Sections     []string `json:"sections,omitempty"`
	Template     string   `json:"template,omitempty"`
	Instructions string   `json:"instructions,omitempty"`
}

// SystemPrompt frames every request.
const SystemPrompt = "You are an expert technical writer and open source documentation specialist. " +
	"Your job is to create clear, comprehensive, and engaging README.md files for software projects. " +
	"You follow best practices for open source documentation, ensuring the README is well-structured, easy to navigate, and provides all essential information for users and contributors. " +
	"You highlight the project's unique features, architecture, setup instructions, usage examples, contribution guidelines, and licensing. " +
	"Always use professional Markdown formatting, include badges if relevant, and tailor the content to the project's language and framework. " +
	"If the project is a library or API, include usage examples and API reference. " +
	"If the project is an application, include screenshots or demo instructions if possible. " +
	"Be concise but thorough, and make the README welcoming for both new users and contributors."

var kindInstructions = map[DocumentKind]string{
	KindSimple: "Write a concise README.md for this project. " +
		"Include: project title, a short description, installation steps, basic usage example, and license section. " +
		"Use clear Markdown formatting and bullet points where appropriate.",
	KindAdvanced: "Write a comprehensive, professional README.md for this project. " +
		"Include the following sections: project title, badges (if relevant), detailed description, key features, architecture overview, installation instructions, configuration, usage examples, API reference (if applicable), contribution guidelines, and license. " +
		"Use advanced Markdown formatting, tables, and code blocks where appropriate. " +
		"Highlight what makes this project unique.",
	KindInstallation: "Write a README.md focused on installation and setup. " +
		"Include: project title, description, prerequisites, detailed installation steps for different platforms (if relevant), configuration instructions, troubleshooting tips, and license. " +
		"Use step-by-step instructions, code blocks, and highlight common pitfalls.",
}

// Instructions returns the requirement text for kind.
func Instructions(kind DocumentKind) string {
	if s, ok := kindInstructions[kind]; ok {
		return s
	}
	return kindInstructions[KindAdvanced]
}

// BuildPrompt renders the prompt for a snapshot. The output depends only on
// its arguments.
func BuildPrompt(snap *snapshot.Snapshot, kind DocumentKind, hints Hints) router.Prompt {
	var b strings.Builder
	a := snap.Analysis

	name := snap.Repository.Name
	if name == "" {
		name = "project"
	}
	fmt.Fprintf(&b, "Project Name: %s\n", name)
	if !snap.Repository.IsZero() {
		fmt.Fprintf(&b, "Repository: %s\n", snap.Repository)
	}
	fmt.Fprintf(&b, "Language: %s\n", a.Language)
	fmt.Fprintf(&b, "Framework: %s\n", orNone(a.Framework))
	fmt.Fprintf(&b, "Dependencies: %s\n", orNone(strings.Join(a.Dependencies, ", ")))
	fmt.Fprintf(&b, "Has Tests: %t\n", a.HasTests)
	fmt.Fprintf(&b, "Has Documentation: %t\n", a.HasDocs)
	fmt.Fprintf(&b, "Has License: %t\n", a.HasLicense)

	b.WriteString("\nProject Structure:\n")
	fmt.Fprintf(&b, "- Source directories: %s\n", orNone(strings.Join(a.SourceDirs, ", ")))
	fmt.Fprintf(&b, "- Configuration files: %s\n", orNone(strings.Join(a.ConfigFiles, ", ")))
	fmt.Fprintf(&b, "- Test directories: %s\n", orNone(strings.Join(a.TestDirs, ", ")))

	fmt.Fprintf(&b, "\nRepository contents (%d entries):\n", len(snap.Entries))
	for _, e := range snap.Entries {
		switch e.Mode {
		case snapshot.ModeFull:
			fmt.Fprintf(&b, "\n=== %s ===\n%s", e.Path, e.Content)
			if !strings.HasSuffix(e.Content, "\n") {
				b.WriteByte('\n')
			}
		default:
			fmt.Fprintf(&b, "\n--- %s (%s) ---\n%s\n", e.Path, e.Mode, e.Summary)
		}
	}

	b.WriteString("\nRequirements:\n")
	b.WriteString(Instructions(kind))
	b.WriteByte('\n')
	if len(hints.Sections) > 0 {
		fmt.Fprintf(&b, "Include these sections: %s.\n", strings.Join(hints.Sections, ", "))
	}
	if hints.Tone != "" {
		fmt.Fprintf(&b, "Write in a %s tone.\n", hints.Tone)
	}
	if hints.Template != "" {
		fmt.Fprintf(&b, "Follow this template:\n%s\n", hints.Template)
	}
	if hints.Instructions != "" {
		fmt.Fprintf(&b, "Additional instructions: %s\n", hints.Instructions)
	}
	b.WriteString("Respond with the Markdown document only. Do not leave placeholders to be filled in.\n")

	return router.Prompt{System: SystemPrompt, User: b.String()}
}

func orNone(s string) string {
	if s == "" {
		return "None"
	}
	return s
}
