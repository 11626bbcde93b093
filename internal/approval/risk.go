// Package approval implements the risk classifier and the human approval
// arbiter that gates side-effecting tool calls.
package approval

import (
	"strings"

	"github.com/haasonsaas/relay/pkg/models"
)

// riskRule matches a literal, case-sensitive substring of a shell command.
type riskRule struct {
	substr string
	risk   models.RiskLevel
}

// Rules are ordered by descending risk; the first match wins. "git push
// --force" must outrank "git push", "npm install -g" must outrank
// "npm install", and "sudo rm" must outrank the bare "sudo" rule.
var commandRules = []riskRule{
	{"rm -rf /", models.RiskCritical},
	{"sudo rm", models.RiskCritical},
	{"dd if=", models.RiskCritical},
	{"mkfs", models.RiskCritical},
	{"format ", models.RiskCritical},
	{"> /dev/sd", models.RiskCritical},

	{"rm -rf ", models.RiskHigh},
	{"npm install -g", models.RiskHigh},
	{"npx create-", models.RiskHigh},
	{"git push --force", models.RiskHigh},
	{"docker run", models.RiskHigh},
	{"chmod 777", models.RiskHigh},
	{"sudo", models.RiskHigh},

	{"npm install", models.RiskMedium},
	{"yarn add", models.RiskMedium},
	{"pnpm add", models.RiskMedium},
	{"git push", models.RiskMedium},
	{"git reset", models.RiskMedium},
	{"git commit", models.RiskMedium},
}

// ClassifyCommand grades a shell command string. Reads, lists, status
// checks, and anything else unmatched is low risk.
func ClassifyCommand(command string) models.RiskLevel {
	for _, rule := range commandRules {
		if strings.Contains(command, rule.substr) {
			return rule.risk
		}
	}
	return models.RiskLow
}

// KindForCommand buckets a command into its approval kind, which selects
// the response window.
func KindForCommand(command string) models.ApprovalKind {
	for _, installer := range []string{"npm install", "yarn add", "pnpm add", "npx create-", "pip install", "go get"} {
		if strings.Contains(command, installer) {
			return models.ApprovalDependencyInstall
		}
	}
	trimmed := strings.TrimSpace(command)
	if strings.HasPrefix(trimmed, "git ") || strings.Contains(command, "git push") || strings.Contains(command, "git reset") || strings.Contains(command, "git commit") {
		return models.ApprovalGitOp
	}
	return models.ApprovalCommandExecution
}

// Fingerprint normalizes an action into the session remember-cache key:
// the kind plus the whitespace-collapsed canonical argument.
func Fingerprint(kind models.ApprovalKind, canonical string) string {
	return string(kind) + ":" + strings.Join(strings.Fields(canonical), " ")
}
