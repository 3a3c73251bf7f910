/*
   swim is a real-time event broker for air traffic flow management data
   Copyright (C) 2026 The swim authors

   This program is free software: you can redistribute it and/or modify
   it under the terms of the GNU Affero General Public License as
   published by the Free Software Foundation, either version 3 of the
   License, or (at your option) any later version.

   This program is distributed in the hope that it will be useful,
   but WITHOUT ANY WARRANTY; without even the implied warranty of
   MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
   GNU Affero General Public License for more details.

   You should have received a copy of the GNU Affero General Public License
   along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/client9/reopen"
	log "github.com/sirupsen/logrus"
)

// setupLogging configures the level, format and destination of the log.
// A log file is reopened on SIGHUP so that it can be rotated.
func setupLogging(ctx context.Context, logLevel, logFormat, logFile string) error {

	level, err := log.ParseLevel(strings.ToLower(logLevel))
	if err != nil {
		return fmt.Errorf("SWIM_LOG_LEVEL can be trace, debug, info, warn, error, fatal or panic but not %s", logLevel)
	}
	log.SetLevel(level)

	switch strings.ToLower(logFormat) {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	case "text":
		log.SetFormatter(&log.TextFormatter{})
	default:
		return fmt.Errorf("SWIM_LOG_FORMAT can be json or text but not %s", logFormat)
	}

	switch strings.ToLower(logFile) {
	case "", "stdout":
		log.SetOutput(reopen.Stdout)
		return nil
	case "stderr":
		log.SetOutput(reopen.Stderr)
		return nil
	}

	f, err := reopen.NewFileWriter(logFile)
	if err != nil {
		log.Infof("Failed to log to %s, logging to default stderr", logFile)
		return nil
	}

	log.SetOutput(f)

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)

	go func() {
		defer signal.Stop(hup)
		for {
			select {
			case <-ctx.Done():
				f.Close()
				return
			case <-hup:
				if err := f.Reopen(); err != nil {
					fmt.Printf("cannot reopen log file %s: %s\n", logFile, err.Error())
				}
			}
		}
	}()

	return nil
}

// signalContext returns a context that is cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {

	ctx, cancel := context.WithCancel(context.Background())

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case <-c:
			log.Infof("Stopping normally due to signal")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(c)
	}()

	return ctx, cancel
}

// mask shows only the ends of a secret
func mask(s string) string {
	if len(s) < 12 {
		return "****"
	}
	return s[:4] + "..." + s[len(s)-4:]
}
