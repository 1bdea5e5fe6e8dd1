package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tdm-core/logger"
	"tdm-core/transport"
)

const version = "0.1.0"

func main() {
	listenAddr := flag.String("listen", "0.0.0.0:7400", "Listen address for emulator uplinks")
	interval := flag.Duration("interval", 5*time.Second, "Counter print interval")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	showVersion := flag.Bool("version", false, "Show version information")

	flag.Parse()

	if *showVersion {
		fmt.Printf("tdm-collector version %s\n", version)
		os.Exit(0)
	}

	if err := logger.SetGlobalLevelFromString(*logLevel); err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	defer logger.Global().Sync()

	counter := newFrameCounter(logger.Global().Named("collector"))

	server, err := transport.Listen(&transport.ServerConfig{
		ListenAddr: *listenAddr,
		Handler:    counter,
	})
	if err != nil {
		logger.Fatal("Failed to listen: %v", err)
	}
	logger.Info("Collector listening on %s", server.Addr())

	go func() {
		if err := server.Serve(); err != nil {
			logger.Error("Serve: %v", err)
		}
	}()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	for {
		select {
		case <-ticker.C:
			printCounters(counter, server.ConnectionCount())
		case <-sigChan:
			logger.Info("Shutting down gracefully...")
			server.Close()
			printCounters(counter, 0)
			return
		}
	}
}

func printCounters(c *frameCounter, conns int) {
	lines, invalid := c.snapshot()
	logger.Info("connections=%d groups=%d invalid=%d", conns, len(lines), invalid)
	for _, l := range lines {
		logger.Info("  group %-3d frames=%d bytes=%d seq=%d rate=%.1f/s",
			l.group, l.snap.Frames, l.snap.Bytes, l.sequence, l.snap.FrameRate())
	}
}
