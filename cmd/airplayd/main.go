// Command airplayd runs one AirTunes streaming session against a
// sender whose RTSP control address is read from the config file
// (-config), re-serving the audio over HTTP for a local player to
// pull. The ALAC payload itself is left undecoded — stripped of its
// RTP/encryption framing and handed through as raw frames — since
// vendoring a codec is out of scope for the receiver core.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethan/airplay-receiver/internal/config"
	"github.com/ethan/airplay-receiver/internal/logging"
	"github.com/ethan/airplay-receiver/internal/rtpingest"
	"github.com/ethan/airplay-receiver/internal/session"
)

func main() {
	fs := flag.NewFlagSet("airplayd", flag.ExitOnError)
	configPath := fs.String("config", "airplayd.conf", "path to the receiver config file")
	logLevel := fs.String("log-level", "info", "log level: debug, info, warn, error")
	logFormat := fs.String("log-format", "text", "log format: text, json")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "AirTunes streaming receiver\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error parsing flags: %v\n", err)
		os.Exit(1)
	}

	level, err := logging.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error parsing log level: %v\n", err)
		os.Exit(1)
	}
	logCfg := logging.NewConfig()
	logCfg.Level = level
	logCfg.Format = logging.Format(*logFormat)

	log, err := logging.New(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Close()

	log.Info("starting airplayd", "config", *configPath)

	rawCfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	eventCallback := func(evt rtpingest.Event) {
		if evt == rtpingest.EventPlay {
			log.Info("play started")
		}
	}

	sessCfg, err := rawCfg.SessionConfig(passthroughDecoder, eventCallback)
	if err != nil {
		log.Error("failed to build session configuration", "error", err)
		os.Exit(1)
	}
	sessCfg.Log = log

	sess, err := session.New(sessCfg)
	if err != nil {
		log.Error("failed to build session", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	if err := sess.Start(ctx); err != nil {
		log.Error("failed to start session", "error", err)
		os.Exit(1)
	}
	log.Info("session started", "http_port", sess.HTTPPort())

	if err := sess.Announce(ctx); err != nil {
		log.Error("announce failed", "error", err)
		os.Exit(1)
	}
	if err := sess.Setup(ctx); err != nil {
		log.Error("setup failed", "error", err)
		os.Exit(1)
	}
	if err := sess.Play(ctx, 0, 0); err != nil {
		log.Error("record failed", "error", err)
		os.Exit(1)
	}

	<-ctx.Done()
	log.Info("shutting down")
	_ = sess.End(context.Background())
}

// passthroughDecoder hands each RTP payload through unchanged; a real
// deployment supplies its own ALAC decode here.
func passthroughDecoder(payload []byte) ([]byte, error) {
	return payload, nil
}
