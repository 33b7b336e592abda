// Package email provides email sending capabilities via SMTP.
package email

import (
	"bytes"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"
	texttemplate "text/template"
)

const appName = "Folio"

// Config holds SMTP configuration
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
}

// Service provides email sending
type Service struct {
	config Config
	server string
	auth   smtp.Auth
	send   func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewService creates a new email service
func NewService(config Config) *Service {
	var auth smtp.Auth
	if config.Username != "" {
		auth = smtp.PlainAuth("", config.Username, config.Password, config.Host)
	}
	return &Service{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   auth,
		send:   smtp.SendMail,
	}
}

// IsConfigured returns true if email is configured
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

func (s *Service) fromHeader() string {
	if s.config.FromName != "" {
		return fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}
	return s.config.From
}

// SendHTMLEmail sends a multipart email with a plain text fallback.
func (s *Service) SendHTMLEmail(to []string, subject, textBody, htmlBody string) error {
	if !s.IsConfigured() {
		return fmt.Errorf("email not configured")
	}

	boundary := "boundary-folio"

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", s.fromHeader())
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n", boundary)
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", textBody)
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", htmlBody)
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)

	return s.send(s.server, s.auth, s.config.From, to, msg.Bytes())
}

// Kind selects the template for a notification email.
type Kind string

const (
	KindPageInvite      Kind = "page_invite"
	KindCommentMention  Kind = "comment_mention"
	KindCommentReply    Kind = "comment_reply"
	KindWorkspaceInvite Kind = "workspace_invite"
)

// NotificationData fills the notification templates.
type NotificationData struct {
	AppName       string
	RecipientName string
	SenderName    string
	PageTitle     string
	Excerpt       string
	Role          string
	ActionURL     string
}

var templates = map[Kind]struct {
	subject string
	body    string
}{
	KindPageInvite:      {"{{.SenderName}} shared \"{{.PageTitle}}\" with you", pageInviteBody},
	KindCommentMention:  {"{{.SenderName}} mentioned you on \"{{.PageTitle}}\"", commentMentionBody},
	KindCommentReply:    {"{{.SenderName}} replied to your comment", commentReplyBody},
	KindWorkspaceInvite: {"{{.SenderName}} added you to a workspace", workspaceInviteBody},
}

// SendNotification renders the template for kind and sends it to one recipient.
func (s *Service) SendNotification(kind Kind, to string, data NotificationData) error {
	subject, text, html, err := Render(kind, data)
	if err != nil {
		return err
	}
	return s.SendHTMLEmail([]string{to}, subject, text, html)
}

// Render produces the subject, plain text and HTML bodies for a notification.
func Render(kind Kind, data NotificationData) (string, string, string, error) {
	tmpl, ok := templates[kind]
	if !ok {
		return "", "", "", fmt.Errorf("unknown email kind %q", kind)
	}
	if data.AppName == "" {
		data.AppName = appName
	}

	subject, err := renderText(tmpl.subject, data)
	if err != nil {
		return "", "", "", fmt.Errorf("render subject: %w", err)
	}
	html, err := renderTemplate(layoutTemplate+tmpl.body, data)
	if err != nil {
		return "", "", "", fmt.Errorf("render %s template: %w", kind, err)
	}
	text := subject + "\r\n\r\n" + data.ActionURL
	return subject, text, html, nil
}

// renderText is for headers, which must not be HTML-escaped.
func renderText(tmpl string, data NotificationData) (string, error) {
	t, err := texttemplate.New("subject").Parse(tmpl)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return strings.ReplaceAll(buf.String(), "\n", " "), nil
}

func renderTemplate(tmpl string, data interface{}) (string, error) {
	t, err := template.New("email").Parse(tmpl)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const layoutTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>{{.AppName}}</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #111; padding-bottom: 10px; margin-bottom: 20px; }
        .button { display: inline-block; padding: 12px 24px; background: #111; color: white; text-decoration: none; border-radius: 4px; margin: 20px 0; }
        .excerpt { border-left: 3px solid #ddd; padding-left: 12px; color: #555; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>
    <p>Hi {{.RecipientName}},</p>
    {{template "body" .}}
    <p>
        <a href="{{.ActionURL}}" class="button">Open in {{.AppName}}</a>
    </p>
    <div class="footer">
        <p>You received this email because of activity on {{.AppName}}.</p>
    </div>
</body>
</html>`

const pageInviteBody = `{{define "body"}}
    <p><strong>{{.SenderName}}</strong> invited you to the page <strong>{{.PageTitle}}</strong>{{if .Role}} as {{.Role}}{{end}}.</p>
{{end}}`

const commentMentionBody = `{{define "body"}}
    <p><strong>{{.SenderName}}</strong> mentioned you in a comment on <strong>{{.PageTitle}}</strong>:</p>
    <p class="excerpt">{{.Excerpt}}</p>
{{end}}`

const commentReplyBody = `{{define "body"}}
    <p><strong>{{.SenderName}}</strong> replied to your comment on <strong>{{.PageTitle}}</strong>:</p>
    <p class="excerpt">{{.Excerpt}}</p>
{{end}}`

const workspaceInviteBody = `{{define "body"}}
    <p><strong>{{.SenderName}}</strong> added you to the workspace <strong>{{.PageTitle}}</strong>{{if .Role}} as {{.Role}}{{end}}.</p>
{{end}}`
