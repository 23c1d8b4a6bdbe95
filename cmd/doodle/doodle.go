package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/akamensky/argparse"
	"github.com/coreos/go-systemd/daemon"
	"github.com/cyclopcam/doodle/server"
	"github.com/cyclopcam/logs"
)

func main() {
	parser := argparse.NewParser("doodle", "Drawing classification server")
	configFile := parser.String("c", "config", &argparse.Options{Help: "Configuration file (defaults are used if the file does not exist)", Default: "doodle.json"})
	hotReloadWWW := parser.Flag("", "hot", &argparse.Options{Help: "Hot reload www instead of embedding into binary", Default: false})
	listen := parser.String("", "listen", &argparse.Options{Help: "Override the listen address, eg ':8080'", Default: ""})
	modelDir := parser.String("", "models", &argparse.Options{Help: "Override the model directory", Default: ""})
	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	logger, err := logs.NewLog()
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	cfg, err := server.LoadConfig(*configFile)
	if os.IsNotExist(err) {
		logger.Infof("Config file %v not found. Using defaults", *configFile)
		cfg = server.DefaultConfig()
	} else if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *modelDir != "" {
		cfg.Model.Dir = *modelDir
	}

	flags := 0
	if *hotReloadWWW {
		flags |= server.ServerFlagHotReloadWWW
	}
	srv, err := server.NewServer(logger, cfg, flags)
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
	srv.ListenForKillSignals()

	// Tell systemd that we're alive
	daemon.SdNotify(false, daemon.SdNotifyReady)

	err = srv.Listen()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Errorf("Listen failed: %v", err)
		srv.Shutdown()
		os.Exit(1)
	}
	err = <-srv.ShutdownComplete
	if err != nil {
		os.Exit(1)
	}
}
