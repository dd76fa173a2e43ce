package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/edvahn/kvm-stream-gate/pkg/config"
	"github.com/edvahn/kvm-stream-gate/pkg/controller"
	"github.com/edvahn/kvm-stream-gate/pkg/gateway"
	"github.com/edvahn/kvm-stream-gate/pkg/logger"
)

func main() {
	fs := flag.NewFlagSet("streamgate", flag.ExitOnError)
	logFlags := logger.RegisterFlags(fs)

	configPath := fs.String("config", "streamgate.yaml", "Path to the dataplane config file")
	relayHost := fs.String("relay-host", "127.0.0.1", "UDP host receiving relayed RTP")
	relayPort := fs.Int("relay-port", 5004, "UDP base port (video; audio uses port+1)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "uStreamer shared-memory sink → RTP-over-UDP dataplane runner\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}

	logOpts, err := logFlags.Options()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error configuring logger: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.Open(logOpts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Close()

	logger.SetDefault(log)

	log.Info("starting streamgate", "log_config", logFlags.Summary())

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	log.Info("configuration loaded", "sink", cfg.Video.Sink, "audio", cfg.AudioEnabled())

	gw, err := gateway.NewUDPRelay(*relayHost, *relayPort, log)
	if err != nil {
		log.Error("failed to set up UDP relay", "error", err)
		os.Exit(1)
	}
	defer gw.Close()

	ctrl, err := controller.New(cfg, gw, log)
	if err != nil {
		log.Error("failed to start dataplane", "error", err)
		os.Exit(1)
	}
	defer ctrl.Destroy()

	// One local session driving the whole pipeline end to end.
	handle := gateway.Handle("local")
	if err := ctrl.CreateSession(handle); err != nil {
		log.Error("failed to create local session", "error", err)
		os.Exit(1)
	}
	ctrl.SetupMedia(handle)

	log.Info("relaying", "video", fmt.Sprintf("%s:%d", *relayHost, *relayPort),
		"audio", fmt.Sprintf("%s:%d", *relayHost, *relayPort+1))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	log.Info("received shutdown signal", "signal", sig.String())
}
