// Package notify はアカウントのセキュリティ通知メールを送信する。
package notify

import (
	"context"
	"crypto/tls"
	"fmt"
	"html"
	"log/slog"
	"time"

	mail "github.com/go-mail/mail"
	"github.com/hitoshi/newtifi/internal/model"
)

// Notifier はアカウントへの通知インターフェース。
type Notifier interface {
	// MethodLinked は既存アカウントに認証手段が追加されたことを通知する。
	MethodLinked(ctx context.Context, account *model.Account, method model.Method, at time.Time) error
}

// SMTPConfig はSMTP送信の設定。
type SMTPConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	From     string
	TLSMode  string // "starttls" | "ssl" | "none"
	BaseURL  string
}

// dialer はメール送信部分のインターフェース。*mail.Dialerが満たす。
type dialer interface {
	DialAndSend(m ...*mail.Message) error
}

// MailNotifier はSMTPでメールを送信するNotifier。
type MailNotifier struct {
	from    string
	baseURL string
	dialer  dialer
}

// NewMailNotifier はMailNotifierを生成する。
func NewMailNotifier(cfg SMTPConfig) *MailNotifier {
	d := mail.NewDialer(cfg.Host, cfg.Port, cfg.User, cfg.Password)
	d.Timeout = 10 * time.Second
	d.TLSConfig = &tls.Config{ServerName: cfg.Host, MinVersion: tls.VersionTLS12}
	switch cfg.TLSMode {
	case "ssl":
		d.SSL = true
	case "none":
		d.StartTLSPolicy = mail.NoStartTLS
	default:
		d.StartTLSPolicy = mail.MandatoryStartTLS
	}
	return &MailNotifier{from: cfg.From, baseURL: cfg.BaseURL, dialer: d}
}

var methodLabels = map[model.Method]string{
	model.MethodGoogle:   "Google",
	model.MethodLinkedIn: "LinkedIn",
	model.MethodPassword: "email and password",
}

// MethodLinked は認証手段の追加を通知するメールを送信する。
func (n *MailNotifier) MethodLinked(ctx context.Context, account *model.Account, method model.Method, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	label := methodLabels[method]
	if label == "" {
		label = string(method)
	}
	name := account.DisplayName
	if name == "" {
		name = account.Email
	}
	when := at.UTC().Format(time.RFC1123)
	settingsURL := n.baseURL + "/account/security"

	text := fmt.Sprintf(
		"Hello %s,\n\n"+
			"A new sign-in method (%s) was linked to your NewTIFI account on %s.\n"+
			"If this was not you, review your linked sign-in methods and contact support:\n%s\n",
		name, label, when, settingsURL,
	)
	htmlBody := fmt.Sprintf(
		"<p>Hello %s,</p>"+
			"<p>A new sign-in method (<strong>%s</strong>) was linked to your NewTIFI account on %s.</p>"+
			"<p>If this was not you, <a href=\"%s\">review your linked sign-in methods</a> and contact support.</p>",
		html.EscapeString(name), html.EscapeString(label), html.EscapeString(when), html.EscapeString(settingsURL),
	)

	m := mail.NewMessage()
	m.SetHeader("From", n.from)
	m.SetHeader("To", account.Email)
	m.SetHeader("Subject", "New sign-in method linked to your account")
	m.SetBody("text/plain", text)
	m.AddAlternative("text/html", htmlBody)

	if err := n.dialer.DialAndSend(m); err != nil {
		return fmt.Errorf("failed to send method linked notification: %w", err)
	}
	slog.Info("method linked notification sent",
		slog.String("account_id", account.ID),
		slog.String("method", string(method)),
	)
	return nil
}

// Nop は何も送信しないNotifier。SMTP未設定時に使用する。
type Nop struct{}

// MethodLinked は何もしない。
func (Nop) MethodLinked(context.Context, *model.Account, model.Method, time.Time) error {
	return nil
}

// compile-time interface check
var (
	_ Notifier = (*MailNotifier)(nil)
	_ Notifier = Nop{}
)
