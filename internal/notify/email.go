package notify

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"
)

// EmailNotifier sends alert mail over SMTP. UseSSL selects implicit TLS
// (SMTPS, typically port 465); otherwise the connection starts in
// plaintext and upgrades via STARTTLS when UseTLS is set and the server
// offers it.
type EmailNotifier struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       []string
	UseTLS   bool
	UseSSL   bool
}

func (e *EmailNotifier) Name() string { return "email" }

func (e *EmailNotifier) Notify(ctx context.Context, n Notification) error {
	if len(e.To) == 0 {
		return fmt.Errorf("notify: email: no recipients configured")
	}
	addr := net.JoinHostPort(e.Host, strconv.Itoa(e.Port))

	var (
		conn net.Conn
		err  error
	)
	dialer := &net.Dialer{}
	if e.UseSSL {
		tlsDialer := &tls.Dialer{NetDialer: dialer, Config: &tls.Config{ServerName: e.Host}}
		conn, err = tlsDialer.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("notify: email: dial %s: %w", addr, err)
	}
	// The ctx deadline bounds the whole SMTP conversation, not just the
	// dial.
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, e.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("notify: email: handshake: %w", err)
	}
	defer client.Close()

	if !e.UseSSL && e.UseTLS {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(&tls.Config{ServerName: e.Host}); err != nil {
				return fmt.Errorf("notify: email: starttls: %w", err)
			}
		}
	}
	if e.Username != "" {
		if ok, _ := client.Extension("AUTH"); ok {
			auth := smtp.PlainAuth("", e.Username, e.Password, e.Host)
			if err := client.Auth(auth); err != nil {
				return fmt.Errorf("notify: email: auth: %w", err)
			}
		}
	}

	if err := client.Mail(e.From); err != nil {
		return fmt.Errorf("notify: email: mail from: %w", err)
	}
	for _, rcpt := range e.To {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("notify: email: rcpt %s: %w", rcpt, err)
		}
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("notify: email: data: %w", err)
	}
	if _, err := w.Write(e.buildMessage(n, time.Now())); err != nil {
		w.Close()
		return fmt.Errorf("notify: email: write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("notify: email: close body: %w", err)
	}
	return client.Quit()
}

// buildMessage renders a plain-text RFC 5322 message.
func (e *EmailNotifier) buildMessage(n Notification, now time.Time) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", e.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(e.To, ", "))
	fmt.Fprintf(&b, "Subject: [%s] %s\r\n", strings.ToUpper(n.Severity), n.Title)
	fmt.Fprintf(&b, "Date: %s\r\n", now.Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	fmt.Fprintf(&b, "%s\r\n\r\n", n.Message)
	fmt.Fprintf(&b, "Node: %s\r\n", n.NodeName)
	fmt.Fprintf(&b, "Alert: %s\r\n", n.AlertType)
	fmt.Fprintf(&b, "Severity: %s\r\n", n.Severity)
	for _, kv := range sortedDetails(n.Details) {
		fmt.Fprintf(&b, "%s: %s\r\n", kv.key, kv.value)
	}
	return []byte(b.String())
}
