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
	"os/exec"
	"strings"
	"time"
)

const spoolTimeout = 30 * time.Second

// localSink submits the sheet to the OS print spooler with lp(1).
// Spooler acceptance (exit 0) counts as delivery.
type localSink struct {
	queue string
	log   *slog.Logger

	// runner is swapped in tests to avoid a real spooler.
	runner func(ctx context.Context, queue, title string, data []byte) error
}

func newLocalSink(queue string, log *slog.Logger) *localSink {
	s := &localSink{queue: queue, log: log}
	s.runner = s.runLP
	return s
}

func (s *localSink) Name() string { return "printer" }

func (s *localSink) Deliver(ctx context.Context, job Job) error {
	ctx, cancel := context.WithTimeout(ctx, spoolTimeout)
	defer cancel()

	if err := s.runner(ctx, s.queue, job.Filename, job.PDF); err != nil {
		return fmt.Errorf("%w: spool to %q: %v", ErrDelivery, s.queue, err)
	}
	s.log.Info("sheet spooled", "queue", s.queue, "filename", job.Filename, "bytes", len(job.PDF))
	return nil
}

func (s *localSink) Close() error { return nil }

func (s *localSink) runLP(ctx context.Context, queue, title string, data []byte) error {
	cmd := exec.CommandContext(ctx, "lp", "-d", queue, "-t", title, "-")
	cmd.Stdin = bytes.NewReader(data)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("lp: %v: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}
