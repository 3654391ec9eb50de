package secrets

// DefaultRules returns the built-in detection rules. Provider and hosting
// credentials come first; they are the ones an autodoc user most likely
// has lying around in a checkout.
func DefaultRules() []Rule {
	rules := make([]Rule, 0, 24)
	rules = append(rules, providerRules...)
	rules = append(rules, hostingRules...)
	rules = append(rules, serviceRules...)
	rules = append(rules, structuralRules...)
	return rules
}

// Credentials for the language model providers autodoc routes to.
var providerRules = []Rule{
	{ID: "anthropic-api-key", Description: "Anthropic API key", Pattern: `sk-ant-(?:api|admin)\d{2}-[A-Za-z0-9_\-]{80,}`, Keywords: []string{"sk-ant-"}},
	{ID: "openai-api-key", Description: "OpenAI API key", Pattern: `sk-(?:proj-|svcacct-)?[A-Za-z0-9_\-]{48,}`, Keywords: []string{"sk-"}},
	{ID: "google-api-key", Description: "Google (Gemini) API key", Pattern: `AIza[A-Za-z0-9_\-]{35}`},
	{ID: "huggingface-token", Description: "Hugging Face access token", Pattern: `hf_[A-Za-z0-9]{30,}`},
}

// Tokens that grant write access to a repository host.
var hostingRules = []Rule{
	{ID: "github-token", Description: "GitHub personal access token", Pattern: `ghp_[A-Za-z0-9]{36}`},
	{ID: "github-oauth", Description: "GitHub OAuth token", Pattern: `gho_[A-Za-z0-9]{36}`},
	{ID: "github-app", Description: "GitHub App user or installation token", Pattern: `gh[us]_[A-Za-z0-9]{36}`},
	{ID: "github-fine-grained", Description: "GitHub fine-grained token", Pattern: `github_pat_[A-Za-z0-9_]{22,}`},
	{ID: "gitlab-token", Description: "GitLab personal access token", Pattern: `glpat-[A-Za-z0-9\-_]{20,}`},
}

// Self-identifying keys for common hosted services.
var serviceRules = []Rule{
	{ID: "aws-access-key-id", Description: "AWS access key ID", Pattern: `\b(?:A3T[A-Z0-9]|AKIA|ASIA|AGPA|AIDA|AROA|AIPA|ANPA|ANVA)[A-Z0-9]{16}\b`},
	{
		ID:          "aws-secret-access-key",
		Description: "AWS secret access key assignment",
		Pattern:     `(?i)\baws_?secret(?:_access)?_?key\s*[:=]\s*['"]?[A-Za-z0-9/+=]{40}['"]?`,
		Keywords:    []string{"aws"},
	},
	{ID: "slack-token", Description: "Slack token", Pattern: `xox[abprs]-[A-Za-z0-9\-]{10,}`},
	{ID: "stripe-key", Description: "Stripe secret or restricted key", Pattern: `(?:sk|rk)_(?:live|test)_[A-Za-z0-9]{24,}`},
	{ID: "npm-token", Description: "npm access token", Pattern: `npm_[A-Za-z0-9]{36}`},
	{ID: "sendgrid-key", Description: "SendGrid API key", Pattern: `SG\.[A-Za-z0-9_\-]{22}\.[A-Za-z0-9_\-]{43}`},
}

// Secrets recognised by shape or by the name they are assigned to.
var structuralRules = []Rule{
	{ID: "private-key", Description: "PEM or OpenSSH private key", Pattern: `-----BEGIN (?:[A-Z]+ )*PRIVATE KEY(?: BLOCK)?-----`},
	{ID: "jwt", Description: "JSON Web Token", Pattern: `eyJ[A-Za-z0-9_-]{8,}\.eyJ[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]+`},
	{
		ID:          "database-url",
		Description: "Connection URL with embedded password",
		Pattern:     `(?i)\b(?:postgres(?:ql)?|mysql|mongodb(?:\+srv)?|redis|amqps?)://[^\s:/@]+:[^\s@]+@[^\s'"]+`,
		Keywords:    []string{"://"},
	},
	{
		ID:          "bearer-token",
		Description: "Bearer token in an Authorization value",
		Pattern:     `(?i)\bbearer\s+[A-Za-z0-9_\-.=]{20,}`,
		Keywords:    []string{"bearer"},
	},
	{
		ID:          "env-credential",
		Description: "Credential assigned to a sensitive variable name",
		Pattern:     `(?i)\b[A-Z0-9_]*(?:PASSWORD|PASSWD|SECRET|API_KEY|APIKEY|ACCESS_TOKEN|AUTH_TOKEN|PRIVATE_KEY)\s*[:=]\s*['"]?[^\s'"$]{8,}['"]?`,
		Keywords:    []string{"pass", "secret", "key", "token"},
	},
}
