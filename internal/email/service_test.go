package email

import (
	"strings"
	"testing"
)

func TestServiceIsConfigured(t *testing.T) {
	tests := []struct {
		name     string
		config   Config
		expected bool
	}{
		{name: "empty config", config: Config{}, expected: false},
		{name: "missing host", config: Config{Port: "587", From: "portal@uni.edu"}, expected: false},
		{name: "missing port", config: Config{Host: "smtp.uni.edu", From: "portal@uni.edu"}, expected: false},
		{name: "missing from", config: Config{Host: "smtp.uni.edu", Port: "587"}, expected: false},
		{name: "fully configured", config: Config{Host: "smtp.uni.edu", Port: "587", From: "portal@uni.edu"}, expected: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(tt.config)
			if svc.IsConfigured() != tt.expected {
				t.Errorf("IsConfigured() = %v, want %v", svc.IsConfigured(), tt.expected)
			}
		})
	}
}

func TestRenderVerificationTemplate(t *testing.T) {
	html, err := renderTemplate(verificationEmailTemplate, verificationData{
		AppName:         appName,
		UserName:        "Ana Reyes",
		VerificationURL: "https://portal.uni.edu/verify?token=abc123",
	})
	if err != nil {
		t.Fatalf("renderTemplate failed: %v", err)
	}
	for _, want := range []string{appName, "Ana Reyes", "https://portal.uni.edu/verify?token=abc123", "24 hours"} {
		if !strings.Contains(html, want) {
			t.Errorf("template missing %q", want)
		}
	}
}

func TestRenderPasswordResetTemplate(t *testing.T) {
	html, err := renderTemplate(passwordResetEmailTemplate, passwordResetData{
		AppName:  appName,
		UserName: "Ana Reyes",
		ResetURL: "https://portal.uni.edu/reset?token=xyz789",
	})
	if err != nil {
		t.Fatalf("renderTemplate failed: %v", err)
	}
	for _, want := range []string{"Ana Reyes", "https://portal.uni.edu/reset?token=xyz789", "1 hour"} {
		if !strings.Contains(html, want) {
			t.Errorf("template missing %q", want)
		}
	}
}

func TestRenderWorkflowNoticeTemplate(t *testing.T) {
	html, err := renderTemplate(workflowNoticeTemplate, workflowNoticeData{
		AppName:    appName,
		UserName:   "Ana Reyes",
		Subject:    "th_1/chapter-3",
		Headline:   "Your submission was returned for revision",
		Detail:     "Returned by the editor.",
		ReviewNote: "fix citations",
		PortalURL:  "https://portal.uni.edu/submissions/sub_1",
	})
	if err != nil {
		t.Fatalf("renderTemplate failed: %v", err)
	}
	for _, want := range []string{"returned for revision", "fix citations", "https://portal.uni.edu/submissions/sub_1"} {
		if !strings.Contains(html, want) {
			t.Errorf("template missing %q", want)
		}
	}

	// note block is omitted when empty
	html, err = renderTemplate(workflowNoticeTemplate, workflowNoticeData{
		AppName:  appName,
		UserName: "Ana Reyes",
		Headline: "A submission is waiting for your review",
		Detail:   "detail",
	})
	if err != nil {
		t.Fatalf("renderTemplate failed: %v", err)
	}
	if strings.Contains(html, "Reviewer note") {
		t.Error("empty note must not render the note block")
	}
}
