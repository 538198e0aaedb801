// Package email sends notification emails over SMTP.
package email

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"sync"
	"time"
)

// SMTPConfig holds SMTP server configuration
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	FromName string
	TLS      bool
}

// Service handles email sending. No SMTP configured means the service
// stays disabled and every send fails fast; the dispatcher treats a
// disabled service as "channel not configured" and skips it.
type Service struct {
	config SMTPConfig

	mu      sync.RWMutex
	enabled bool
}

// New creates a new email service and validates the SMTP connection once
// at startup. Validation is repeated by the scheduler so a mail server
// that comes up later is picked up without a restart.
func New(cfg SMTPConfig) *Service {
	svc := &Service{config: cfg}
	if cfg.Host != "" && cfg.Port > 0 {
		if err := svc.validateSMTP(); err == nil {
			svc.setEnabled(true)
		}
	}
	return svc
}

// IsEnabled returns whether email functionality is available
func (s *Service) IsEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.enabled
}

func (s *Service) setEnabled(v bool) {
	s.mu.Lock()
	s.enabled = v
	s.mu.Unlock()
}

// Refresh re-validates the SMTP connection and updates the enabled state
func (s *Service) Refresh() {
	if s.config.Host == "" || s.config.Port <= 0 {
		s.setEnabled(false)
		return
	}
	s.setEnabled(s.validateSMTP() == nil)
}

// validateSMTP checks if the SMTP server is reachable
func (s *Service) validateSMTP() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return fmt.Errorf("SMTP connection failed: %w", err)
	}
	defer conn.Close()

	if s.config.TLS {
		tlsConn := tls.Client(conn, &tls.Config{
			ServerName: s.config.Host,
		})
		if err := tlsConn.Handshake(); err != nil {
			return fmt.Errorf("SMTP TLS handshake failed: %w", err)
		}
	}

	return nil
}

// Send delivers one notification email. The displayName personalizes the
// recipient header when present.
func (s *Service) Send(subject, recipient, displayName, body string) error {
	if !s.IsEnabled() {
		return fmt.Errorf("email disabled: SMTP not configured")
	}

	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}
	to := recipient
	if displayName != "" {
		to = fmt.Sprintf("%s <%s>", displayName, recipient)
	}

	// Build message per RFC 5322
	var msg strings.Builder
	msg.WriteString(fmt.Sprintf("From: %s\r\n", from))
	msg.WriteString(fmt.Sprintf("To: %s\r\n", to))
	msg.WriteString(fmt.Sprintf("Subject: %s\r\n", subject))
	msg.WriteString(fmt.Sprintf("Date: %s\r\n", time.Now().Format(time.RFC1123Z)))
	msg.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(body)

	var auth smtp.Auth
	if s.config.Username != "" {
		auth = smtp.PlainAuth("", s.config.Username, s.config.Password, s.config.Host)
	}

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	if err := smtp.SendMail(addr, auth, s.config.From, []string{recipient}, []byte(msg.String())); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}

	return nil
}
