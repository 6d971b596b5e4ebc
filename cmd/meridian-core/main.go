package main

import (
	log "github.com/sirupsen/logrus"

	"github.com/meridian-ml/meridian/pkg/logger"
)

func main() {
	logger.SetLogrus(*logger.DefaultConfig())

	if err := rootCmd.Execute(); err != nil {
		log.WithError(err).Fatal("fatal error running meridian core")
	}
}
