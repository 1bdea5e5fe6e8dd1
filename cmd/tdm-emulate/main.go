package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tdm-core/config"
	"tdm-core/control"
	"tdm-core/emulator"
	"tdm-core/logger"
	"tdm-core/receiver"
	"tdm-core/runcontrol"
	"tdm-core/stream"
	"tdm-core/uplink"
)

const version = "0.1.0"

func main() {
	configFile := flag.String("config", "", "Path to configuration file (.json, .yaml)")
	controlListen := flag.String("listen", "", "Control API listen address")
	showVersion := flag.Bool("version", false, "Show version information")
	generateConfig := flag.String("generate-config", "", "Generate default config file")

	flag.Parse()

	if *showVersion {
		fmt.Printf("tdm-emulate version %s\n", version)
		fmt.Println("TDM column board emulator and frame receiver")
		os.Exit(0)
	}

	if *generateConfig != "" {
		if err := config.Save(config.Default(), *generateConfig); err != nil {
			log.Fatalf("Failed to generate config: %v", err)
		}
		fmt.Printf("Generated default configuration at %s\n", *generateConfig)
		os.Exit(0)
	}

	var cfg *config.Config
	if *configFile != "" {
		var err error
		cfg, err = config.Load(*configFile)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	} else {
		cfg = config.Default()
	}
	if *controlListen != "" {
		cfg.ControlListen = *controlListen
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	if err := logger.SetGlobalLevelFromString(cfg.LogLevel); err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	defer logger.Global().Sync()

	printBanner(cfg)

	rx := receiver.New(cfg.Collector.Host, cfg.Collector.Port,
		receiver.WithLogger(logger.Global().Named("receiver")),
		receiver.WithUplinkOptions(
			uplink.WithQueueDepth(cfg.Collector.QueueDepth),
			uplink.WithDialTimeout(cfg.Collector.Timeout.Std()),
		))

	run := runcontrol.New(nil)
	if err := run.SetRate(cfg.RunRate); err != nil {
		logger.Fatal("%v", err)
	}

	ctl := control.NewServer(cfg.ControlListen, rx, run, nil)

	var groups []*emulator.Generator
	for _, gc := range cfg.Groups {
		// Отдельный поток на группу, все потоки сходятся в один приемник
		m := stream.NewMaster()
		m.Connect(rx)

		g := emulator.New(gc.ID, m, emulator.WithRetryInterval(cfg.RetryInterval.Std()))
		if err := g.SetTopology(gc.NumColBoards, gc.NumRows); err != nil {
			logger.Fatal("group %d: %v", gc.ID, err)
		}

		if err := ctl.RegisterGroup(g); err != nil {
			continue
		}
		run.Add(g)
		groups = append(groups, g)

		for col := uint8(0); col < gc.NumColBoards; col++ {
			for row := uint8(0); row < gc.NumRows; row++ {
				rx.AddDetectorRow(gc.ID, col, row, receiver.DefaultRowLen)
			}
		}
	}

	if err := rx.InitializeCommunication(); err != nil {
		logger.Warn("collector uplink unavailable, frames will be counted only: %v", err)
	}

	go func() {
		if err := ctl.ListenAndServe(); err != nil {
			logger.Error("control API: %v", err)
		}
	}()

	if cfg.Autostart {
		for _, g := range groups {
			g.Start()
		}
		run.Start()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down gracefully...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ctl.Shutdown(ctx); err != nil {
		logger.Warn("control shutdown: %v", err)
	}

	run.Stop()
	for _, g := range groups {
		g.Stop()
	}
	rx.Close()

	logger.Info("Final receiver counters: %d frames, %d bytes", rx.RxFrameCount(), rx.RxByteCount())
}

func printBanner(cfg *config.Config) {
	banner := `
╔╦╗╔╦╗╔╦╗  ╔═╗╔╦╗╦ ╦╦  ╔═╗╔╦╗╔═╗
 ║  ║║║║║  ║╣ ║║║║ ║║  ╠═╣ ║ ║╣
 ╩ ═╩╝╩ ╩  ╚═╝╩ ╩╚═╝╩═╝╩ ╩ ╩ ╚═╝
TDM column board emulator
Version: %s
`
	fmt.Printf(banner, version)
	fmt.Println("Configuration:")
	for _, g := range cfg.Groups {
		fmt.Printf("  Group %-3d        %d col boards x %d rows\n", g.ID, g.NumColBoards, g.NumRows)
	}
	fmt.Printf("  Collector:       %s:%d\n", cfg.Collector.Host, cfg.Collector.Port)
	fmt.Printf("  Run rate:        %d Hz\n", cfg.RunRate)
	fmt.Printf("  Control API:     %s\n", cfg.ControlListen)
	fmt.Println()
}
