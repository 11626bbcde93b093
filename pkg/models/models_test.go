package models

import "testing"

func TestMessageStatusTerminal(t *testing.T) {
	tests := []struct {
		status   MessageStatus
		terminal bool
	}{
		{StatusPending, false},
		{StatusStreaming, false},
		{StatusComplete, true},
		{StatusStopped, true},
		{StatusFailed, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := tt.status.Terminal(); got != tt.terminal {
				t.Errorf("Terminal() = %v, want %v", got, tt.terminal)
			}
		})
	}
}

func TestRiskLevelAtLeast(t *testing.T) {
	tests := []struct {
		name  string
		r     RiskLevel
		other RiskLevel
		want  bool
	}{
		{"critical over high", RiskCritical, RiskHigh, true},
		{"high over medium", RiskHigh, RiskMedium, true},
		{"medium over low", RiskMedium, RiskLow, true},
		{"low under medium", RiskLow, RiskMedium, false},
		{"equal", RiskMedium, RiskMedium, true},
		{"low equals low", RiskLow, RiskLow, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.r.AtLeast(tt.other); got != tt.want {
				t.Errorf("%s.AtLeast(%s) = %v, want %v", tt.r, tt.other, got, tt.want)
			}
		})
	}
}

func TestTokenUsageAdd(t *testing.T) {
	var total TokenUsage
	total.Add(TokenUsage{InputTokens: 100, OutputTokens: 20})
	total.Add(TokenUsage{InputTokens: 50, OutputTokens: 7})

	if total.InputTokens != 150 {
		t.Errorf("InputTokens = %d, want 150", total.InputTokens)
	}
	if total.OutputTokens != 27 {
		t.Errorf("OutputTokens = %d, want 27", total.OutputTokens)
	}
}
