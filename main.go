package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/fzft/go-mini-tomcat/config"
	"github.com/fzft/go-mini-tomcat/log"
	"go.uber.org/zap"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("c", "", "path of the YAML config file")
	port := flag.Int("port", 0, "listen port, overrides the config file")
	connectorKind := flag.String("connector", "", "connector to start: nio or bio")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	v, err := Version()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if *showVersion {
		fmt.Println(versionString(v))
		return 0
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if *port > 0 {
		cfg.Port = *port
	}
	if *connectorKind != "" {
		cfg.Connector = *connectorKind
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	if err := log.InitLogger(cfg.LogLevel); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer log.Sync()

	s, err := NewServer(cfg, ServerName(v))
	if err != nil {
		log.Logger.Error("build server", zap.Error(err))
		return 1
	}
	if err := s.Run(context.Background()); err != nil {
		log.Logger.Error("server stopped", zap.Error(err))
		return 1
	}
	return 0
}
