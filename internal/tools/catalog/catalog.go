// Package catalog assembles the canonical tool registry.
package catalog

import (
	"github.com/haasonsaas/relay/internal/tools"
	"github.com/haasonsaas/relay/internal/tools/files"
	"github.com/haasonsaas/relay/internal/tools/gitops"
	"github.com/haasonsaas/relay/internal/tools/shell"
	"github.com/haasonsaas/relay/pkg/models"
)

// Config carries the executor settings the tools need.
type Config struct {
	Runner       shell.Runner
	Exec         shell.ExecConfig
	MaxReadBytes int
}

// New registers the canonical tool set and returns the registry.
func New(cfg Config) *tools.Registry {
	registry := tools.NewRegistry()

	registry.MustRegister(files.NewReadTool(files.Config{MaxReadBytes: cfg.MaxReadBytes}), tools.Meta{
		Binding:     tools.BindingFilesystem,
		DefaultRisk: models.RiskLow,
	})
	registry.MustRegister(files.NewListTool(), tools.Meta{
		Binding:     tools.BindingFilesystem,
		DefaultRisk: models.RiskLow,
	})
	registry.MustRegister(files.NewWriteTool(), tools.Meta{
		Binding:      tools.BindingFilesystem,
		DefaultRisk:  models.RiskLow,
		ApprovalKind: models.ApprovalFileWrite,
		Mutating:     true,
	})
	registry.MustRegister(files.NewAppendTool(), tools.Meta{
		Binding:      tools.BindingFilesystem,
		DefaultRisk:  models.RiskLow,
		ApprovalKind: models.ApprovalFileWrite,
		Mutating:     true,
	})
	registry.MustRegister(files.NewDeleteTool(), tools.Meta{
		Binding:      tools.BindingFilesystem,
		DefaultRisk:  models.RiskMedium,
		ApprovalKind: models.ApprovalFileDelete,
		Mutating:     true,
	})
	registry.MustRegister(files.NewMkdirTool(), tools.Meta{
		Binding:      tools.BindingFilesystem,
		DefaultRisk:  models.RiskLow,
		ApprovalKind: models.ApprovalFileWrite,
		Mutating:     true,
	})
	registry.MustRegister(files.NewEditTool(), tools.Meta{
		Binding:      tools.BindingEditorVirtual,
		DefaultRisk:  models.RiskMedium,
		ApprovalKind: models.ApprovalFileWrite,
		Mutating:     true,
	})

	registry.MustRegister(shell.NewExecTool(cfg.Runner, cfg.Exec), tools.Meta{
		Binding:      tools.BindingShell,
		ApprovalKind: models.ApprovalCommandExecution,
		Mutating:     true,
	})

	registry.MustRegister(gitops.NewStatusTool(cfg.Runner), tools.Meta{
		Binding:     tools.BindingGit,
		DefaultRisk: models.RiskLow,
	})
	registry.MustRegister(gitops.NewDiffTool(cfg.Runner), tools.Meta{
		Binding:     tools.BindingGit,
		DefaultRisk: models.RiskLow,
	})
	registry.MustRegister(gitops.NewCommitTool(cfg.Runner), tools.Meta{
		Binding:      tools.BindingGit,
		DefaultRisk:  models.RiskMedium,
		ApprovalKind: models.ApprovalGitOp,
		Mutating:     true,
	})
	registry.MustRegister(gitops.NewPushTool(cfg.Runner), tools.Meta{
		Binding:      tools.BindingGit,
		DefaultRisk:  models.RiskMedium,
		ApprovalKind: models.ApprovalGitOp,
		Mutating:     true,
	})

	return registry
}
