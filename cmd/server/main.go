package main

import (
	"flag"

	"github.com/sirupsen/logrus"

	"github.com/tiendaenofertas/mp4nuevo"
	"github.com/tiendaenofertas/mp4nuevo/internal/config"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	listen := flag.String("listen", "", "listen address, overrides the config file")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.WithError(err).Fatal("loading configuration")
	}
	if *listen != "" {
		cfg.Listen = *listen
	}

	svc, err := mp4nuevo.New(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("wiring service")
	}
	defer svc.Close()

	if err := svc.ListenAndServe(); err != nil {
		logger.WithError(err).Fatal("server stopped")
	}
}
