package email

import (
	"fmt"
	"net/smtp"
)

// Sender delivers plain-text mail over SMTP.
type Sender struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

func (s *Sender) addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// SendText sends a plain-text message to one recipient.
func (s *Sender) SendText(to, subject, body string) error {
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n%s\r\n",
		s.From, to, subject, body)
	var auth smtp.Auth
	if s.Username != "" {
		auth = smtp.PlainAuth("", s.Username, s.Password, s.Host)
	}
	return smtp.SendMail(s.addr(), auth, s.From, []string{to}, []byte(msg))
}
