// Package builtin registers every bundled provider backend. Import it for
// its side effects.
package builtin

import (
	_ "github.com/fyrsmithlabs/autodoc/internal/provider/anthropic"
	_ "github.com/fyrsmithlabs/autodoc/internal/provider/gemini"
	_ "github.com/fyrsmithlabs/autodoc/internal/provider/huggingface"
	_ "github.com/fyrsmithlabs/autodoc/internal/provider/ollama"
	_ "github.com/fyrsmithlabs/autodoc/internal/provider/openai"
)
