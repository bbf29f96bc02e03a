package main

import (
	"context"
	"flag"
	"os"
	"os/signal"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	"github.com/openslot/trackd/internal/raceserver"
)

var configPath string

func init() {
	flag.StringVar(&configPath, "c", "./config.yml", "config path")
	flag.Parse()
}

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	logger.SetLevel(logrus.DebugLevel)

	logger.Infof("Starting trackd slot car race control")

	config, err := readConfig()

	if err != nil {
		logger.WithError(err).Fatalf("Could not read config at %s", configPath)
	}

	server, err := raceserver.NewServer(context.Background(), config, logger)

	if err != nil {
		logger.WithError(err).Fatal("Could not initialise server")
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)

	go func() {
		for range c {
			if err := server.Stop(); err != nil {
				logger.WithError(err).Fatal("Could not stop server")
			}

			os.Exit(0)
		}
	}()

	err = server.Run()

	if err != nil {
		logger.WithError(err).Fatal("Could not run server")
	}

	logger.Infof("Server stopped. Exiting")
}

func readConfig() (*raceserver.Config, error) {
	conf := raceserver.DefaultConfig()

	f, err := os.Open(configPath)

	if os.IsNotExist(err) {
		return conf, nil
	} else if err != nil {
		return nil, err
	}

	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(conf); err != nil {
		return nil, err
	}

	return conf, nil
}
