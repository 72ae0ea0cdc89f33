// Package mailer delivers transactional email.
package mailer

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/gomail.v2"
)

// Message is a plain-text email.
type Message struct {
	To      string
	Subject string
	Text    string
}

type Sender interface {
	Send(ctx context.Context, msg Message) error
}

type SMTPConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	From     string
	// FromName is shown as the sender display name.
	FromName string
}

// SMTPSender sends through an SMTP relay with gomail.
type SMTPSender struct {
	cfg    SMTPConfig
	dialer *gomail.Dialer
	logger *zap.SugaredLogger
}

func NewSMTPSender(cfg SMTPConfig, logger *zap.SugaredLogger) *SMTPSender {
	return &SMTPSender{
		cfg:    cfg,
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.User, cfg.Password),
		logger: logger,
	}
}

func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	if strings.TrimSpace(msg.To) == "" {
		return fmt.Errorf("empty recipient")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m := buildMessage(s.cfg, msg)
	if err := s.dialer.DialAndSend(m); err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	s.logger.Infow("email sent", "to", msg.To, "subject", msg.Subject)
	return nil
}

func buildMessage(cfg SMTPConfig, msg Message) *gomail.Message {
	m := gomail.NewMessage()
	if cfg.FromName != "" {
		m.SetAddressHeader("From", cfg.From, cfg.FromName)
	} else {
		m.SetHeader("From", cfg.From)
	}
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	m.SetBody("text/plain", msg.Text)
	return m
}

// LogSender writes messages to the log instead of delivering them. Used when
// no SMTP host is configured.
type LogSender struct {
	logger *zap.SugaredLogger
}

func NewLogSender(logger *zap.SugaredLogger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(_ context.Context, msg Message) error {
	s.logger.Warnw("smtp not configured, email not delivered",
		"to", msg.To,
		"subject", msg.Subject,
		"text", msg.Text,
	)
	return nil
}

// New picks the SMTP sender when a host is configured.
func New(cfg SMTPConfig, logger *zap.SugaredLogger) Sender {
	if cfg.Host == "" {
		return NewLogSender(logger)
	}
	return NewSMTPSender(cfg, logger)
}
