package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ghodss/yaml"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/meridian-ml/meridian/internal/api"
	"github.com/meridian-ml/meridian/internal/config"
	"github.com/meridian-ml/meridian/internal/devexec"
	"github.com/meridian-ml/meridian/internal/gang"
	"github.com/meridian-ml/meridian/internal/ledger"
	"github.com/meridian-ml/meridian/internal/lifecycle"
	"github.com/meridian-ml/meridian/internal/scheduler"
	"github.com/meridian-ml/meridian/pkg/logger"
)

const defaultConfigPath = "/etc/meridian/core.yaml"

// logStoreSize is how many log events to keep in memory for the logs API.
const logStoreSize = 25000

var rootCmd = &cobra.Command{
	Use: "meridian-core",
	Run: func(cmd *cobra.Command, args []string) {
		if err := runRoot(); err != nil {
			log.Error(fmt.Sprintf("%+v", err))
			os.Exit(1)
		}
	},
}

func runRoot() error {
	logStore := logger.NewLogBuffer(logStoreSize)
	log.AddHook(logStore)

	conf, err := initializeConfig()
	if err != nil {
		return err
	}
	logger.SetLogrus(conf.Log)

	printableConfig, err := conf.Printable()
	if err != nil {
		return err
	}
	log.Infof("core configuration: %s", printableConfig)

	pools, err := conf.Resolve()
	if err != nil {
		return err
	}

	queueTimeout, execTimeout, startWindow, retention, retryCeiling := conf.Lifecycle()

	exec := devexec.New(
		time.Duration(conf.Executor.PullDelay),
		time.Duration(conf.Executor.RunFor),
	)
	defer exec.Close()

	ldgr := ledger.New(pools)
	svc := lifecycle.New(lifecycle.Config{
		QueueTimeout: queueTimeout,
		ExecTimeout:  execTimeout,
		RetryCeiling: retryCeiling,
		Retention:    retention,
	}, ldgr, exec)
	defer svc.Close()

	sched := scheduler.New(ldgr, svc)
	defer sched.Stop()
	coord := gang.NewCoordinator(exec, svc, startWindow)
	svc.Bind(sched, coord)
	exec.Bind(svc.HandleTaskEvent)

	srv := api.New(svc, ldgr, sched, logStore)

	errs := make(chan error, 1)
	go func() { errs <- srv.Run(conf.API.Host, conf.API.Port) }()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errs:
		return err
	case sig := <-stop:
		log.Infof("received %s, shutting down", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	}
}

// initializeConfig returns the validated configuration populated from the
// config file, environment variables and command line flags.
func initializeConfig() (*config.Config, error) {
	// Fetch an initial config to get the config file path and read its
	// settings into viper.
	initialConfig, err := getConfig(v.AllSettings())
	if err != nil {
		return nil, err
	}

	bs, err := readConfigFile(initialConfig.ConfigFile)
	if err != nil {
		return nil, err
	}
	if err = mergeConfigBytesIntoViper(bs); err != nil {
		return nil, err
	}

	conf, err := getConfig(v.AllSettings())
	if err != nil {
		return nil, err
	}
	return conf, nil
}

func readConfigFile(configPath string) ([]byte, error) {
	isDefault := configPath == ""
	if isDefault {
		configPath = defaultConfigPath
	}

	if _, err := os.Stat(configPath); err != nil {
		if isDefault && os.IsNotExist(err) {
			log.Warnf("no configuration file at %s, skipping", configPath)
			return nil, nil
		}
		return nil, errors.Wrap(err, "error finding configuration file")
	}
	bs, err := os.ReadFile(configPath) // #nosec G304
	if err != nil {
		return nil, errors.Wrap(err, "error reading configuration file")
	}
	return bs, nil
}

func mergeConfigBytesIntoViper(bs []byte) error {
	var configMap map[string]interface{}
	if err := yaml.Unmarshal(bs, &configMap); err != nil {
		return errors.Wrap(err, "error unmarshaling yaml configuration file")
	}
	if err := v.MergeConfigMap(configMap); err != nil {
		return errors.Wrap(err, "error merging configuration into viper")
	}
	return nil
}

func getConfig(configMap map[string]interface{}) (*config.Config, error) {
	conf := config.DefaultConfig()
	bs, err := json.Marshal(configMap)
	if err != nil {
		return nil, errors.Wrap(err, "cannot marshal configuration map into json bytes")
	}
	if err = yaml.Unmarshal(bs, &conf, yaml.DisallowUnknownFields); err != nil {
		return nil, errors.Wrap(err, "cannot unmarshal configuration")
	}
	return conf, nil
}
