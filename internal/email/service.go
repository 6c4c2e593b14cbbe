// Package email sends the portal's outgoing mail over SMTP: account
// verification, password resets, and workflow notices (your turn to review,
// submission returned, submission approved).
package email

import (
	"bytes"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"
)

const appName = "ThesisTrack"

// Config holds SMTP configuration. An empty Host disables sending.
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
}

type Service struct {
	config Config
	server string
	auth   smtp.Auth
}

func NewService(config Config) *Service {
	return &Service{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   smtp.PlainAuth("", config.Username, config.Password, config.Host),
	}
}

// IsConfigured reports whether outgoing mail is enabled.
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

func (s *Service) sendHTML(to []string, subject, htmlBody string) error {
	if !s.IsConfigured() {
		return fmt.Errorf("email not configured")
	}

	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}

	boundary := "boundary-thesistrack"
	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n", boundary)
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "Please view this email in an HTML-capable email client.\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", htmlBody)
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)

	return smtp.SendMail(s.server, s.auth, s.config.From, to, msg.Bytes())
}

type verificationData struct {
	AppName         string
	UserName        string
	VerificationURL string
}

type passwordResetData struct {
	AppName  string
	UserName string
	ResetURL string
}

type workflowNoticeData struct {
	AppName    string
	UserName   string
	Subject    string
	Headline   string
	Detail     string
	ReviewNote string
	PortalURL  string
}

func (s *Service) SendVerificationEmail(to, userName, verificationURL string) error {
	html, err := renderTemplate(verificationEmailTemplate, verificationData{
		AppName:         appName,
		UserName:        userName,
		VerificationURL: verificationURL,
	})
	if err != nil {
		return fmt.Errorf("render verification template: %w", err)
	}
	return s.sendHTML([]string{to}, fmt.Sprintf("Verify your %s account", appName), html)
}

func (s *Service) SendPasswordResetEmail(to, userName, resetURL string) error {
	html, err := renderTemplate(passwordResetEmailTemplate, passwordResetData{
		AppName:  appName,
		UserName: userName,
		ResetURL: resetURL,
	})
	if err != nil {
		return fmt.Errorf("render password reset template: %w", err)
	}
	return s.sendHTML([]string{to}, fmt.Sprintf("Reset your %s password", appName), html)
}

// SendReviewTurnEmail tells a reviewer a submission now waits on them.
func (s *Service) SendReviewTurnEmail(to, userName, subject, portalURL string) error {
	html, err := renderTemplate(workflowNoticeTemplate, workflowNoticeData{
		AppName:   appName,
		UserName:  userName,
		Subject:   subject,
		Headline:  "A submission is waiting for your review",
		Detail:    fmt.Sprintf("%q has reached your gate in the review sequence.", subject),
		PortalURL: portalURL,
	})
	if err != nil {
		return fmt.Errorf("render review turn template: %w", err)
	}
	return s.sendHTML([]string{to}, fmt.Sprintf("[%s] Review requested: %s", appName, subject), html)
}

// SendReturnedEmail tells the student their submission came back.
func (s *Service) SendReturnedEmail(to, userName, subject, note, portalURL string) error {
	html, err := renderTemplate(workflowNoticeTemplate, workflowNoticeData{
		AppName:    appName,
		UserName:   userName,
		Subject:    subject,
		Headline:   "Your submission was returned for revision",
		Detail:     fmt.Sprintf("%q was returned by a reviewer. Revise and resubmit when ready.", subject),
		ReviewNote: note,
		PortalURL:  portalURL,
	})
	if err != nil {
		return fmt.Errorf("render returned template: %w", err)
	}
	return s.sendHTML([]string{to}, fmt.Sprintf("[%s] Returned: %s", appName, subject), html)
}

// SendApprovedEmail tells the student the full gate sequence approved.
func (s *Service) SendApprovedEmail(to, userName, subject, portalURL string) error {
	html, err := renderTemplate(workflowNoticeTemplate, workflowNoticeData{
		AppName:   appName,
		UserName:  userName,
		Subject:   subject,
		Headline:  "Your submission was approved",
		Detail:    fmt.Sprintf("Every reviewer has approved %q.", subject),
		PortalURL: portalURL,
	})
	if err != nil {
		return fmt.Errorf("render approved template: %w", err)
	}
	return s.sendHTML([]string{to}, fmt.Sprintf("[%s] Approved: %s", appName, subject), html)
}

func renderTemplate(tmpl string, data interface{}) (string, error) {
	t := template.Must(template.New("email").Parse(tmpl))
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const emailStyle = `
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #14532d; padding-bottom: 10px; margin-bottom: 20px; }
        .button { display: inline-block; padding: 12px 24px; background: #14532d; color: white; text-decoration: none; border-radius: 4px; margin: 20px 0; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
        .link { word-break: break-all; color: #14532d; }
        .note { background: #fff3cd; padding: 12px; border-radius: 4px; margin: 20px 0; }
`

const verificationEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Verify your {{.AppName}} account</title>
    <style>` + emailStyle + `</style>
</head>
<body>
    <div class="header"><h1>{{.AppName}}</h1></div>
    <h2>Welcome, {{.UserName}}!</h2>
    <p>Please verify your email address to activate your account.</p>
    <p><a href="{{.VerificationURL}}" class="button">Verify Email Address</a></p>
    <p>Or copy and paste this link into your browser:</p>
    <p class="link">{{.VerificationURL}}</p>
    <p>This verification link will expire in 24 hours.</p>
    <div class="footer">
        <p>If you didn't create an account with {{.AppName}}, you can safely ignore this email.</p>
    </div>
</body>
</html>`

const passwordResetEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Reset your {{.AppName}} password</title>
    <style>` + emailStyle + `</style>
</head>
<body>
    <div class="header"><h1>{{.AppName}}</h1></div>
    <h2>Password Reset Request</h2>
    <p>Hi {{.UserName}},</p>
    <p>We received a request to reset your password. Click the button below to create a new password:</p>
    <p><a href="{{.ResetURL}}" class="button">Reset Password</a></p>
    <p>Or copy and paste this link into your browser:</p>
    <p class="link">{{.ResetURL}}</p>
    <div class="note"><strong>Important:</strong> This reset link will expire in 1 hour.</div>
    <div class="footer">
        <p>If you didn't request a password reset, you can safely ignore this email.</p>
    </div>
</body>
</html>`

const workflowNoticeTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>{{.Headline}}</title>
    <style>` + emailStyle + `</style>
</head>
<body>
    <div class="header"><h1>{{.AppName}}</h1></div>
    <h2>{{.Headline}}</h2>
    <p>Hi {{.UserName}},</p>
    <p>{{.Detail}}</p>
    {{if .ReviewNote}}<div class="note"><strong>Reviewer note:</strong> {{.ReviewNote}}</div>{{end}}
    {{if .PortalURL}}<p><a href="{{.PortalURL}}" class="button">Open in {{.AppName}}</a></p>{{end}}
    <div class="footer">
        <p>You are receiving this because you participate in a review workflow on {{.AppName}}.</p>
    </div>
</body>
</html>`
