// Copyright (C) 2026 Kevin Exton (kevin.exton@pm.me)
// This software may be modified and distributed under the terms
// of the MIT license. See the LICENSE file for details.

// Command tftpd runs a standalone RFC 1350 TFTP server.
package main

import (
	"flag"
	"os"

	"github.com/rs/zerolog"

	tftp "github.com/kcexn/tftpd"
)

func main() {
	var cfg tftp.Config

	flag.StringVar(&cfg.Addr, "addr", ":69", "UDP address to listen on")
	flag.StringVar(&cfg.Root, "root", "", "directory to serve (required)")
	flag.StringVar(&cfg.MailPrefix, "mail-prefix", "", "mail spool root for mail-mode writes")
	flag.StringVar(&cfg.LogLevel, "log-level", "info", "zerolog level: debug, info, warn, error, disabled")
	flag.Parse()

	log := newLogger(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	srv := tftp.NewServer(cfg.Addr, cfg.Root, cfg.MailPrefix, log)

	log.Info().Str("addr", cfg.Addr).Str("root", cfg.Root).Msg("starting tftpd")
	if err := srv.ListenAndServe(); err != nil {
		log.Fatal().Err(err).Msg("server exited")
	}
}

func newLogger(levelName string) zerolog.Logger {
	level, err := zerolog.ParseLevel(levelName)
	if err != nil {
		level = zerolog.InfoLevel
	}
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}
