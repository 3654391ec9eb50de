package snapshot

import (
	"bufio"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"
)

// maxDeclarationLen truncates long declaration lines in summaries.
const maxDeclarationLen = 120

// summarize describes a file without its content. content may be nil when
// the file was too large to read.
func summarize(p, lang string, size int64, content []byte, binary bool, maxDecls int) (string, int) {
	var b strings.Builder
	b.WriteString(p)
	b.WriteString(" (")
	if lang != "" {
		b.WriteString(lang)
		b.WriteString(", ")
	}
	fmt.Fprintf(&b, "%d bytes", size)

	switch {
	case binary:
		b.WriteString(", binary)")
		return b.String(), 0
	case content == nil:
		b.WriteString(", not read)")
		return b.String(), 0
	}

	lines, decls := scanDeclarations(content, declarations[lang], maxDecls)
	fmt.Fprintf(&b, ", %d lines)", lines)
	for _, d := range decls {
		b.WriteString("\n  ")
		b.WriteString(d)
	}
	return b.String(), lines
}

func scanDeclarations(content []byte, re *regexp.Regexp, limit int) (int, []string) {
	var decls []string
	lines := 0
	scanner := bufio.NewScanner(strings.NewReader(string(content)))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines++
		if re == nil || len(decls) >= limit {
			continue
		}
		line := strings.TrimRight(scanner.Text(), " \t{")
		if !re.MatchString(line) {
			continue
		}
		if len(line) > maxDeclarationLen {
			line = line[:maxDeclarationLen] + "…"
		}
		decls = append(decls, line)
	}
	return lines, decls
}

// directoryListing collapses entries into one summary entry per
// directory.
func directoryListing(entries []Entry) []Entry {
	type dirInfo struct {
		files int
		bytes int64
		langs map[string]int
	}
	dirs := make(map[string]*dirInfo)
	for _, e := range entries {
		dir := path.Dir(e.Path)
		d := dirs[dir]
		if d == nil {
			d = &dirInfo{langs: make(map[string]int)}
			dirs[dir] = d
		}
		d.files++
		d.bytes += e.Size
		if e.Language != "" {
			d.langs[e.Language]++
		}
	}

	out := make([]Entry, 0, len(dirs))
	for dir, d := range dirs {
		var langs []string
		for l := range d.langs {
			langs = append(langs, l)
		}
		sort.Strings(langs)

		summary := fmt.Sprintf("%s/ (%d files, %d bytes", dir, d.files, d.bytes)
		if len(langs) > 0 {
			summary += ", " + strings.Join(langs, ", ")
		}
		summary += ")"
		out = append(out, Entry{Path: dir + "/", Mode: ModeDirectory, Size: d.bytes, Summary: summary})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}
