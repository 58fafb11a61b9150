package mailer

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/mbolis/quick-intake/settings"
	"github.com/pkg/errors"
)

const smtpTimeout = 10 * time.Second

// Mailer delivers one HTML message. Implementations must be safe for
// concurrent use.
type Mailer interface {
	Send(ctx context.Context, to, subject, htmlBody string) error
}

// SMTPMailer speaks the protocol over a raw socket: implicit TLS on port 465,
// STARTTLS upgrade on 587, AUTH LOGIN when credentials are configured.
// Connection parameters are read from settings at send time.
type SMTPMailer struct {
	settings  *settings.Store
	helloHost string
}

func NewSMTPMailer(set *settings.Store, helloHost string) *SMTPMailer {
	if helloHost == "" {
		helloHost = "localhost"
	}
	return &SMTPMailer{set, helloHost}
}

func (m *SMTPMailer) Send(ctx context.Context, to, subject, htmlBody string) error {
	host := m.settings.Get(ctx, settings.KeySMTPHost, "")
	if host == "" {
		return errors.New("smtp host not configured")
	}
	port := m.settings.GetInt(ctx, settings.KeySMTPPort, 587)
	user := m.settings.Get(ctx, settings.KeySMTPUser, "")
	pass := m.settings.Get(ctx, settings.KeySMTPPass, "")
	fromEmail := m.settings.Get(ctx, settings.KeySMTPFromEmail, "noreply@example.com")
	fromName := m.settings.Get(ctx, settings.KeySMTPFromName, "Quick Intake")

	// header-bound values must never carry CR/LF
	to = stripCRLF(to)
	subject = stripCRLF(subject)
	fromName = stripCRLF(fromName)

	dialer := net.Dialer{Timeout: smtpTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return errors.Wrap(err, "smtp.dial")
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(smtpTimeout))

	if port == 465 {
		tlsConn := tls.Client(conn, &tls.Config{ServerName: host})
		if err := tlsConn.Handshake(); err != nil {
			return errors.Wrap(err, "smtp.tls")
		}
		conn = tlsConn
	}
	r := bufio.NewReader(conn)

	if err := expect(r, "220"); err != nil {
		return err
	}
	if err := command(conn, r, "EHLO "+m.helloHost, "250"); err != nil {
		return err
	}

	if port == 587 {
		if err := command(conn, r, "STARTTLS", "220"); err != nil {
			return err
		}
		tlsConn := tls.Client(conn, &tls.Config{ServerName: host})
		if err := tlsConn.Handshake(); err != nil {
			return errors.Wrap(err, "smtp.starttls")
		}
		conn = tlsConn
		r = bufio.NewReader(conn)
		if err := command(conn, r, "EHLO "+m.helloHost, "250"); err != nil {
			return err
		}
	}

	if user != "" && pass != "" {
		if err := command(conn, r, "AUTH LOGIN", "334"); err != nil {
			return err
		}
		if err := command(conn, r, base64.StdEncoding.EncodeToString([]byte(user)), "334"); err != nil {
			return err
		}
		if err := command(conn, r, base64.StdEncoding.EncodeToString([]byte(pass)), "235"); err != nil {
			return err
		}
	}

	if err := command(conn, r, "MAIL FROM: <"+fromEmail+">", "250"); err != nil {
		return err
	}
	if err := command(conn, r, "RCPT TO: <"+to+">", "250"); err != nil {
		return err
	}
	if err := command(conn, r, "DATA", "354"); err != nil {
		return err
	}

	var msg strings.Builder
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	msg.WriteString("From: " + fromName + " <" + fromEmail + ">\r\n")
	msg.WriteString("To: <" + to + ">\r\n")
	msg.WriteString("Subject: " + subject + "\r\n")
	msg.WriteString("Date: " + time.Now().Format(time.RFC1123Z) + "\r\n")
	msg.WriteString("Message-ID: <" + messageID() + "@" + m.helloHost + ">\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(htmlBody)
	msg.WriteString("\r\n.")
	if err := command(conn, r, msg.String(), "250"); err != nil {
		return err
	}

	return command(conn, r, "QUIT", "221")
}

func command(conn net.Conn, r *bufio.Reader, cmd, expectedCode string) error {
	if _, err := conn.Write([]byte(cmd + "\r\n")); err != nil {
		return errors.Wrap(err, "smtp.write")
	}
	return expect(r, expectedCode)
}

// expect consumes one (possibly multi-line) reply and verifies its 3-digit
// status code.
func expect(r *bufio.Reader, expectedCode string) error {
	var response strings.Builder
	for {
		line, err := r.ReadString('\n')
		if err != nil && response.Len() == 0 && line == "" {
			return errors.Wrap(err, "smtp.read")
		}
		response.WriteString(line)
		if len(line) < 4 || line[3] == ' ' || err != nil {
			break
		}
	}

	reply := response.String()
	if reply == "" {
		return errors.New("smtp: no response from server")
	}
	if !strings.HasPrefix(reply, expectedCode) {
		return fmt.Errorf("smtp: unexpected response: %s", strings.TrimSpace(reply))
	}
	return nil
}

func stripCRLF(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	return strings.ReplaceAll(s, "\n", "")
}

func messageID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}
