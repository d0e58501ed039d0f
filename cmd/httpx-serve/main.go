package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"dqx0.com/go/reactor/httpx"
	"dqx0.com/go/reactor/internal/config"
	"dqx0.com/go/reactor/internal/obs"
)

func main() {
	cfgPath := flag.String("config", "config.json", "path to the JSON configuration file")
	addr := flag.String("addr", "", "listen address, overrides host and port")
	root := flag.String("root", "", "document root, overrides document_root")
	debug := flag.Bool("debug", false, "development logging at debug level")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal(err)
	}
	level := obs.ParseLevel(cfg.LogLevel)
	if *debug {
		level = obs.Debug
	}
	zl, err := obs.NewZap(level, *debug)
	if err != nil {
		log.Fatal(err)
	}
	defer zl.Sync()
	logger := zl.Sugar()

	s, err := cfg.Server(obs.Zap{L: logger}, obs.NewTally())
	if err != nil {
		logger.Fatalw("build server", zap.Error(err))
	}
	if *addr != "" {
		s.Addr = *addr
	}
	if *root != "" {
		s.Root = *root
	}
	if err := s.Listen(); err != nil {
		logger.Fatalw("listen", "addr", s.Addr, zap.Error(err))
	}
	logger.Infow("serving",
		"addr", s.ListenAddr().String(),
		"root", s.Root,
		"cgi", s.EnableCGI,
		"proxy", s.EnableProxy)

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		logger.Info("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.Shutdown(ctx); err != nil {
			logger.Warnw("shutdown", zap.Error(err))
		}
	}()

	if err := s.Serve(); err != nil && !errors.Is(err, httpx.ErrServerClosed) {
		logger.Fatalw("serve", zap.Error(err))
	}
}
