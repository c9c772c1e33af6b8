package notify

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	mail "github.com/go-mail/mail"
	"github.com/hitoshi/newtifi/internal/model"
)

type mockDialer struct {
	sent []*mail.Message
	err  error
}

func (m *mockDialer) DialAndSend(msgs ...*mail.Message) error {
	m.sent = append(m.sent, msgs...)
	return m.err
}

func TestMailNotifier_MethodLinked(t *testing.T) {
	d := &mockDialer{}
	n := &MailNotifier{from: "no-reply@newtifi.com", baseURL: "https://newtifi.com", dialer: d}
	account := &model.Account{ID: "acc-1", Email: "alice@example.com", DisplayName: "<Alice>"}

	err := n.MethodLinked(context.Background(), account, model.MethodLinkedIn, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(d.sent) != 1 {
		t.Fatalf("sent = %d, want 1", len(d.sent))
	}

	msg := d.sent[0]
	if got := msg.GetHeader("To"); len(got) != 1 || got[0] != "alice@example.com" {
		t.Errorf("To = %v", got)
	}
	var buf bytes.Buffer
	if _, err := msg.WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}
	body := buf.String()
	if !strings.Contains(body, "LinkedIn") {
		t.Error("body should mention the linked provider")
	}
	if !strings.Contains(body, "&lt;Alice&gt;") {
		t.Error("html body should escape the display name")
	}
	if !strings.Contains(body, "https://newtifi.com/account/security") {
		t.Error("body should link to the security settings page")
	}
}

func TestMailNotifier_MethodLinked_SendError(t *testing.T) {
	n := &MailNotifier{from: "no-reply@newtifi.com", dialer: &mockDialer{err: errors.New("smtp down")}}
	err := n.MethodLinked(context.Background(), &model.Account{Email: "a@example.com"}, model.MethodPassword, time.Now())
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestMailNotifier_MethodLinked_CanceledContext(t *testing.T) {
	d := &mockDialer{}
	n := &MailNotifier{dialer: d}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := n.MethodLinked(ctx, &model.Account{Email: "a@example.com"}, model.MethodGoogle, time.Now()); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if len(d.sent) != 0 {
		t.Error("no mail should be sent after cancellation")
	}
}

func TestNewMailNotifier_ConfiguresDialer(t *testing.T) {
	n := NewMailNotifier(SMTPConfig{Host: "smtp.example.com", Port: 465, TLSMode: "ssl", From: "x@example.com"})
	d, ok := n.dialer.(*mail.Dialer)
	if !ok {
		t.Fatalf("dialer type = %T", n.dialer)
	}
	if !d.SSL {
		t.Error("ssl mode should enable implicit TLS")
	}
}
