package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fzft/go-mini-tomcat/config"
	"github.com/fzft/go-mini-tomcat/connector"
	"github.com/fzft/go-mini-tomcat/console"
	"github.com/fzft/go-mini-tomcat/container"
	"github.com/fzft/go-mini-tomcat/log"
	"github.com/fzft/go-mini-tomcat/protocol"
	"github.com/mattn/go-isatty"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	historyFileEnv     = "MINITOMCAT_HISTFILE"
	historyFileDefault = ".minitomcat_history"
)

// Server ties the servlet context, the connector and the operator console
// together for one process.
type Server struct {
	cfg      config.Config
	context  *container.Context
	endpoint connector.Endpoint
	lines    console.LineReader
	console  *console.Console
}

func NewServer(cfg config.Config, serverName string) (*Server, error) {
	ctx := container.NewContext(container.Options{
		SessionTimeout:       cfg.SessionTimeout,
		SessionSweepInterval: cfg.SessionSweepInterval,
		DocRoot:              cfg.DocRoot,
	})
	if err := mountServlets(ctx); err != nil {
		return nil, err
	}

	opts := connector.OptionsFrom(cfg)
	opts.Encode.Server = serverName
	endpoint, err := connector.New(cfg.Connector, opts, protocol.NewParser(cfg.MaxRequestSize), ctx)
	if err != nil {
		return nil, err
	}

	s := &Server{cfg: cfg, context: ctx, endpoint: endpoint}
	s.lines = console.NewLineReader(os.Stdin, historyFile())
	s.console = console.New(s.lines, os.Stdout, isatty.IsTerminal(os.Stdin.Fd()))
	s.console.Register(console.Command{Name: "stats", Usage: "stats  connector and session counters", Run: s.printStats})
	return s, nil
}

func historyFile() string {
	if f := os.Getenv(historyFileEnv); f != "" {
		return f
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, historyFileDefault)
}

func (s *Server) printStats(w io.Writer, _ []string) error {
	st := s.endpoint.Stats()
	_, err := fmt.Fprintf(w, "connector:%s port:%d accepted:%d active:%d requests:%d reaped:%d rejected:%d sessions:%d\n",
		s.cfg.Connector, s.cfg.Port, st.Accepted, st.Active, st.Requests, st.Reaped, st.Rejected, s.context.Sessions().Len())
	return err
}

// Run serves until the console says EXIT, a termination signal arrives or
// parent is cancelled, then shuts everything down.
func (s *Server) Run(parent context.Context) error {
	if err := s.context.Init(); err != nil {
		return multierr.Append(err, s.context.Destroy())
	}
	if err := s.endpoint.Start(s.cfg.Port); err != nil {
		return multierr.Append(err, s.context.Destroy())
	}
	log.Logger.Info("server started",
		zap.String("connector", s.cfg.Connector),
		zap.Stringer("addr", s.endpoint.Addr()))

	g, ctx := errgroup.WithContext(parent)
	g.Go(func() error {
		if err := s.console.Run(ctx); err != nil {
			return err
		}
		return errConsoleExit
	})
	g.Go(func() error {
		return waitSignal(ctx)
	})
	err := g.Wait()
	if errors.Is(err, ErrSignalStopped) || errors.Is(err, errConsoleExit) {
		err = nil
	}
	return multierr.Append(err, s.shutdown())
}

func waitSignal(ctx context.Context) error {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer signal.Stop(signals)
	select {
	case <-ctx.Done():
		return nil
	case sig := <-signals:
		log.Logger.Info("received signal", zap.Stringer("signal", sig))
		return ErrSignalStopped
	}
}

// shutdown order: connector first so no request reaches a destroyed context.
func (s *Server) shutdown() error {
	log.Logger.Info("shutting down server")
	err := s.endpoint.Close()
	err = multierr.Append(err, s.context.Destroy())
	return multierr.Append(err, s.lines.Close())
}
