// Package notify sends alert notification emails over SMTP.
package notify

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/tokenwatch/tokenwatch/pkg/models"
)

const (
	smtpSecurityNone     = "none"
	smtpSecurityStartTLS = "starttls"
	smtpSecurityTLS      = "tls"
)

// EmailSenderOptions configures the SMTP transport.
type EmailSenderOptions struct {
	Host          string
	Port          int
	Username      string
	Password      string
	From          string
	ReplyTo       string
	Security      string
	Timeout       time.Duration
	SkipTLSVerify bool
	Logger        *slog.Logger
}

// EmailSender delivers plain-text alert emails. One SMTP session per
// message; alert email volume does not justify connection pooling.
type EmailSender struct {
	host          string
	port          int
	username      string
	password      string
	from          string
	replyTo       string
	security      string
	timeout       time.Duration
	skipTLSVerify bool
	log           *slog.Logger
}

// NewEmailSender constructs an SMTP sender. Unknown or empty security
// modes fall back to STARTTLS.
func NewEmailSender(opts EmailSenderOptions) *EmailSender {
	security := strings.ToLower(strings.TrimSpace(opts.Security))
	switch security {
	case smtpSecurityNone, smtpSecurityStartTLS, smtpSecurityTLS:
	default:
		security = smtpSecurityStartTLS
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &EmailSender{
		host:          strings.TrimSpace(opts.Host),
		port:          opts.Port,
		username:      strings.TrimSpace(opts.Username),
		password:      opts.Password,
		from:          strings.TrimSpace(opts.From),
		replyTo:       strings.TrimSpace(opts.ReplyTo),
		security:      security,
		timeout:       timeout,
		skipTLSVerify: opts.SkipTLSVerify,
		log:           logger.With("component", "email_sender"),
	}
}

// SendAlertEmail sends a plain-text notification for a triggered alert
// to a single recipient.
func (s *EmailSender) SendAlertEmail(ctx context.Context, to, alertName string, metric models.MetricKind, actualValue, thresholdValue float64, orgName string) error {
	recipient := strings.TrimSpace(to)
	if recipient == "" {
		return fmt.Errorf("empty recipient address")
	}
	if s.host == "" || s.port == 0 || s.from == "" {
		return fmt.Errorf("smtp is not configured")
	}

	message := s.buildMessage(recipient, alertName, metric, actualValue, thresholdValue, orgName)
	if err := s.sendEmail(ctx, recipient, message); err != nil {
		return fmt.Errorf("failed to send alert email to %s: %w", recipient, err)
	}
	s.log.Debug("alert email sent", "recipient", recipient, "alert", alertName)
	return nil
}

func (s *EmailSender) buildMessage(recipient, alertName string, metric models.MetricKind, actualValue, thresholdValue float64, orgName string) []byte {
	subject := fmt.Sprintf("[Tokenwatch] Alert triggered: %s", alertName)
	headers := []string{
		fmt.Sprintf("From: %s", s.from),
		fmt.Sprintf("To: %s", recipient),
		fmt.Sprintf("Subject: %s", subject),
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=\"UTF-8\"",
	}
	if s.replyTo != "" {
		headers = append(headers, fmt.Sprintf("Reply-To: %s", s.replyTo))
	}
	lines := []string{
		fmt.Sprintf("Alert: %s", alertName),
		fmt.Sprintf("Metric: %s", metric),
		fmt.Sprintf("Value: %.4f", actualValue),
		fmt.Sprintf("Threshold: %.4f", thresholdValue),
	}
	if orgName != "" {
		lines = append(lines, fmt.Sprintf("Organization: %s", orgName))
	}
	lines = append(lines, fmt.Sprintf("Time: %s", time.Now().UTC().Format(time.RFC3339)))
	body := strings.Join(lines, "\n") + "\n"
	return []byte(strings.Join(headers, "\r\n") + "\r\n\r\n" + body)
}

func (s *EmailSender) sendEmail(ctx context.Context, recipient string, message []byte) error {
	client, err := s.connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Mail(s.from); err != nil {
		return err
	}
	if err := client.Rcpt(recipient); err != nil {
		return err
	}
	writer, err := client.Data()
	if err != nil {
		return err
	}
	if _, err := writer.Write(message); err != nil {
		_ = writer.Close()
		return err
	}
	if err := writer.Close(); err != nil {
		return err
	}
	return client.Quit()
}

func (s *EmailSender) connect(ctx context.Context) (*smtp.Client, error) {
	address := fmt.Sprintf("%s:%d", s.host, s.port)
	dialer := &net.Dialer{Timeout: s.timeout}
	var (
		conn net.Conn
		err  error
	)
	if s.security == smtpSecurityTLS {
		tlsConfig := &tls.Config{ServerName: s.host, InsecureSkipVerify: s.skipTLSVerify} // #nosec G402
		conn, err = tls.DialWithDialer(dialer, "tcp", address, tlsConfig)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", address)
	}
	if err != nil {
		return nil, err
	}
	if s.timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(s.timeout))
	}
	client, err := smtp.NewClient(conn, s.host)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if s.security == smtpSecurityStartTLS {
		if ok, _ := client.Extension("STARTTLS"); !ok {
			_ = client.Close()
			return nil, fmt.Errorf("smtp server does not support STARTTLS")
		}
		tlsConfig := &tls.Config{ServerName: s.host, InsecureSkipVerify: s.skipTLSVerify} // #nosec G402
		if err := client.StartTLS(tlsConfig); err != nil {
			_ = client.Close()
			return nil, err
		}
	}
	if s.username != "" {
		auth := smtp.PlainAuth("", s.username, s.password, s.host)
		if err := client.Auth(auth); err != nil {
			_ = client.Close()
			return nil, err
		}
	}
	return client, nil
}
