package notifications

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
)

// Message is one queued email.
type Message struct {
	To       string
	Subject  string
	HTMLBody string
}

// Sender delivers one message. Implementations are safe for concurrent
// use.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// SMTPConfig carries the transport settings.
type SMTPConfig struct {
	Host        string
	Port        int
	Username    string
	Password    string
	From        string
	StartTLS    bool
	SendTimeout time.Duration
	PoolSize    int
	MaxPerConn  int
}

// SMTPSender sends over a pool of reusable SMTP connections. Each
// connection is retired after MaxPerConn messages; broken connections are
// discarded and redialed on the next send.
type SMTPSender struct {
	cfg  SMTPConfig
	pool chan *smtpConn
}

type smtpConn struct {
	client *smtp.Client
	sent   int
}

// NewSMTPSender builds the sender. Connections are dialed lazily.
func NewSMTPSender(cfg SMTPConfig) *SMTPSender {
	if cfg.PoolSize < 1 {
		cfg.PoolSize = 5
	}
	if cfg.MaxPerConn < 1 {
		cfg.MaxPerConn = 100
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	pool := make(chan *smtpConn, cfg.PoolSize)
	for i := 0; i < cfg.PoolSize; i++ {
		pool <- nil // lazily dialed slot
	}
	return &SMTPSender{cfg: cfg, pool: pool}
}

// Send delivers one message, reusing a pooled connection when possible.
func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	var conn *smtpConn
	select {
	case conn = <-s.pool:
	case <-ctx.Done():
		return ctx.Err()
	}

	var err error
	if conn == nil {
		conn, err = s.dial(ctx)
		if err != nil {
			s.pool <- nil
			return err
		}
	}

	if err := s.deliver(conn, msg); err != nil {
		// The session state is unknown after a failure; drop the
		// connection and retry once on a fresh one.
		conn.client.Close()
		conn, derr := s.dial(ctx)
		if derr != nil {
			s.pool <- nil
			return fmt.Errorf("smtp send: %w (redial: %v)", err, derr)
		}
		if rerr := s.deliver(conn, msg); rerr != nil {
			conn.client.Close()
			s.pool <- nil
			return fmt.Errorf("smtp send: %w", rerr)
		}
		s.release(conn)
		return nil
	}

	s.release(conn)
	return nil
}

// Close quits every pooled connection.
func (s *SMTPSender) Close() {
	for i := 0; i < cap(s.pool); i++ {
		select {
		case conn := <-s.pool:
			if conn != nil {
				conn.client.Quit()
			}
		default:
			return
		}
	}
}

func (s *SMTPSender) release(conn *smtpConn) {
	conn.sent++
	if conn.sent >= s.cfg.MaxPerConn {
		log.Debug().Int("sent", conn.sent).Msg("Retiring SMTP connection")
		conn.client.Quit()
		s.pool <- nil
		return
	}
	s.pool <- conn
}

// dial opens a new SMTP session, honoring the context deadline and the
// configured TLS mode. Port 465 means implicit TLS; otherwise STARTTLS is
// attempted when enabled and offered.
func (s *SMTPSender) dial(ctx context.Context) (*smtpConn, error) {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))

	timeout := s.cfg.SendTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}

	netConn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("smtp dial %s: %w", addr, err)
	}

	tlsConfig := &tls.Config{ServerName: s.cfg.Host}
	if s.cfg.Port == 465 {
		netConn = tls.Client(netConn, tlsConfig)
	}

	client, err := smtp.NewClient(netConn, s.cfg.Host)
	if err != nil {
		netConn.Close()
		return nil, fmt.Errorf("smtp handshake %s: %w", addr, err)
	}

	if s.cfg.Port != 465 && s.cfg.StartTLS {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(tlsConfig); err != nil {
				client.Close()
				return nil, fmt.Errorf("smtp starttls %s: %w", addr, err)
			}
		}
	}

	if s.cfg.Username != "" {
		auth := smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
		if err := client.Auth(auth); err != nil {
			client.Close()
			return nil, fmt.Errorf("smtp auth %s: %w", addr, err)
		}
	}

	return &smtpConn{client: client}, nil
}

func (s *SMTPSender) deliver(conn *smtpConn, msg Message) error {
	c := conn.client
	if err := c.Mail(s.cfg.From); err != nil {
		return err
	}
	if err := c.Rcpt(msg.To); err != nil {
		return err
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(buildMIME(s.cfg.From, msg)); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

func buildMIME(from string, msg Message) []byte {
	headers := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/html; charset=\"UTF-8\"\r\nDate: %s\r\n\r\n",
		from, msg.To, msg.Subject, time.Now().UTC().Format(time.RFC1123Z))
	return append([]byte(headers), []byte(msg.HTMLBody)...)
}
