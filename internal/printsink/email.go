// Clubprint is a Hello Club attendee sheet printing agent.
// Copyright (C) 2025  The Clubprint Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package printsink

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	mail "gopkg.in/mail.v2"

	"clubprint/pkg/config"
)

const (
	smtpConnectTimeout = 30 * time.Second
	smtpSendTimeout    = 60 * time.Second
)

// emailSink mails the sheet to a print-to-email gateway as a PDF
// attachment. DialAndSend opens and closes the session per delivery, so
// no connection state survives a failure.
type emailSink struct {
	to     string
	from   string
	log    *slog.Logger
	dialer *mail.Dialer

	// send is swapped in tests to avoid a real SMTP server.
	send func(ctx context.Context, m *mail.Message) error
}

func newEmailSink(secrets config.Secrets, log *slog.Logger) *emailSink {
	d := mail.NewDialer(secrets.SMTPHost, secrets.SMTPPort, secrets.SMTPUsername, secrets.SMTPPassword)
	d.Timeout = smtpConnectTimeout

	s := &emailSink{
		to:     secrets.PrinterEmail,
		from:   secrets.SenderEmail,
		log:    log,
		dialer: d,
	}
	s.send = s.dialAndSend
	return s
}

func (s *emailSink) Name() string { return "email" }

func (s *emailSink) Deliver(ctx context.Context, job Job) error {
	m := mail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", s.to)
	m.SetHeader("Subject", "Print Job: "+job.Event.Name)
	m.SetBody("text/plain", fmt.Sprintf(
		"Attendee sheet for %s, starting %s.",
		job.Event.Name, job.Event.StartTime.Format("Mon 2 Jan 2006 15:04 MST")))
	m.AttachReader(job.Filename, bytes.NewReader(job.PDF))

	ctx, cancel := context.WithTimeout(ctx, smtpSendTimeout)
	defer cancel()

	if err := s.send(ctx, m); err != nil {
		return fmt.Errorf("%w: smtp send to %q: %v", ErrDelivery, s.to, err)
	}
	s.log.Info("sheet emailed", "to", s.to, "filename", job.Filename, "bytes", len(job.PDF))
	return nil
}

func (s *emailSink) Close() error { return nil }

// dialAndSend bounds the whole SMTP session with the context; the
// dialer's own timeout bounds the connect.
func (s *emailSink) dialAndSend(ctx context.Context, m *mail.Message) error {
	done := make(chan error, 1)
	go func() { done <- s.dialer.DialAndSend(m) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
