package approval

import (
	"testing"

	"github.com/haasonsaas/relay/pkg/models"
)

func TestClassifyCommand(t *testing.T) {
	tests := []struct {
		name    string
		command string
		want    models.RiskLevel
	}{
		{"root wipe", "rm -rf /", models.RiskCritical},
		{"root wipe embedded", "cd /tmp && rm -rf /", models.RiskCritical},
		{"absolute path wipe", "rm -rf /var/www", models.RiskCritical},
		{"sudo rm", "sudo rm /etc/hosts", models.RiskCritical},
		{"dd", "dd if=/dev/zero of=/dev/sda", models.RiskCritical},
		{"mkfs", "mkfs.ext4 /dev/sdb1", models.RiskCritical},
		{"format", "format c:", models.RiskCritical},
		{"device redirect", "echo x > /dev/sda", models.RiskCritical},

		{"relative wipe", "rm -rf node_modules", models.RiskHigh},
		{"global install", "npm install -g typescript", models.RiskHigh},
		{"npx scaffold", "npx create-react-app demo", models.RiskHigh},
		{"force push", "git push --force origin main", models.RiskHigh},
		{"docker", "docker run -it ubuntu bash", models.RiskHigh},
		{"chmod world", "chmod 777 script.sh", models.RiskHigh},
		{"bare sudo", "sudo apt update", models.RiskHigh},

		{"install", "npm install express", models.RiskMedium},
		{"yarn add", "yarn add react", models.RiskMedium},
		{"pnpm add", "pnpm add vite", models.RiskMedium},
		{"push", "git push origin main", models.RiskMedium},
		{"reset", "git reset --hard HEAD~1", models.RiskMedium},
		{"commit", "git commit -m 'wip'", models.RiskMedium},

		{"list", "ls -la src", models.RiskLow},
		{"status", "git status", models.RiskLow},
		{"run script", "npm run build", models.RiskLow},
		{"cat", "cat package.json", models.RiskLow},
		{"formatter", "prettier --write src", models.RiskLow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyCommand(tt.command); got != tt.want {
				t.Errorf("ClassifyCommand(%q) = %s, want %s", tt.command, got, tt.want)
			}
		})
	}
}

func TestClassifyCommandOrdering(t *testing.T) {
	// The overlapping substrings must resolve to the more severe rule.
	tests := []struct {
		command string
		want    models.RiskLevel
	}{
		{"npm install -g serve", models.RiskHigh},
		{"git push --force", models.RiskHigh},
		{"sudo rm -rf /opt/app", models.RiskCritical},
	}

	for _, tt := range tests {
		if got := ClassifyCommand(tt.command); got != tt.want {
			t.Errorf("ClassifyCommand(%q) = %s, want %s", tt.command, got, tt.want)
		}
	}
}

func TestKindForCommand(t *testing.T) {
	tests := []struct {
		command string
		want    models.ApprovalKind
	}{
		{"npm install express", models.ApprovalDependencyInstall},
		{"yarn add lodash", models.ApprovalDependencyInstall},
		{"npx create-next-app web", models.ApprovalDependencyInstall},
		{"git push origin main", models.ApprovalGitOp},
		{"git commit -m x", models.ApprovalGitOp},
		{"ls -la", models.ApprovalCommandExecution},
		{"rm -rf build", models.ApprovalCommandExecution},
	}

	for _, tt := range tests {
		t.Run(tt.command, func(t *testing.T) {
			if got := KindForCommand(tt.command); got != tt.want {
				t.Errorf("KindForCommand(%q) = %s, want %s", tt.command, got, tt.want)
			}
		})
	}
}

func TestFingerprintNormalizesWhitespace(t *testing.T) {
	a := Fingerprint(models.ApprovalCommandExecution, "npm   install \t express")
	b := Fingerprint(models.ApprovalCommandExecution, "npm install express")
	if a != b {
		t.Errorf("fingerprints differ: %q vs %q", a, b)
	}

	c := Fingerprint(models.ApprovalDependencyInstall, "npm install express")
	if a == c {
		t.Error("fingerprints must include the kind")
	}
}
