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

// Package logging builds the root slog logger. Records go to stdout and
// to two size-rotated files under the configured log directory:
// activity.log receives everything at the configured level, error.log
// receives warnings and errors only.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	maxSizeMB  = 5
	maxBackups = 5
)

// Options configures New.
type Options struct {
	Level  string // debug, info, warn, error
	Dir    string // log directory; empty disables file output
	Stdout bool
}

// New constructs the root logger and returns it with a close function
// for the underlying rotated files.
func New(opts Options) (*slog.Logger, func() error) {
	level := parseLevel(opts.Level)

	var handlers []slog.Handler
	var closers []io.Closer

	if opts.Stdout {
		handlers = append(handlers, slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	}

	if opts.Dir != "" {
		activity := &lumberjack.Logger{
			Filename:   filepath.Join(opts.Dir, "activity.log"),
			MaxSize:    maxSizeMB,
			MaxBackups: maxBackups,
		}
		errs := &lumberjack.Logger{
			Filename:   filepath.Join(opts.Dir, "error.log"),
			MaxSize:    maxSizeMB,
			MaxBackups: maxBackups,
		}
		closers = append(closers, activity, errs)
		handlers = append(handlers,
			slog.NewTextHandler(activity, &slog.HandlerOptions{Level: level}),
			slog.NewTextHandler(errs, &slog.HandlerOptions{Level: slog.LevelWarn}),
		)
	}

	closeFn := func() error {
		var first error
		for _, c := range closers {
			if err := c.Close(); err != nil && first == nil {
				first = err
			}
		}
		return first
	}

	return slog.New(multiHandler(handlers)), closeFn
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// multiHandler fans a record out to every handler that accepts its level.
type multiHandler []slog.Handler

func (m multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m multiHandler) Handle(ctx context.Context, r slog.Record) error {
	var first error
	for _, h := range m {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(multiHandler, len(m))
	for i, h := range m {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (m multiHandler) WithGroup(name string) slog.Handler {
	out := make(multiHandler, len(m))
	for i, h := range m {
		out[i] = h.WithGroup(name)
	}
	return out
}
