package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/maastricht-university/edmo-bci/config"
)

// app carries what every subcommand shares.
type app struct {
	cfgPath string
	v       *viper.Viper
	log     *logrus.Logger
	jsonLog bool
}

// flagKeys maps command-line flags onto config keys.
var flagKeys = map[string]string{
	"log-level": "pipeline.log_level",
	"subject":   "session.subject",
	"model":     "model.path",
	"mode":      "session.mode",
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{log: logrus.New()}
	root := &cobra.Command{
		Use:               "edmo-bci",
		Short:             "Motor-imagery BCI sessions for the EDMO rehabilitation device",
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgPath, "config", "", "config file (default config/$CONFIG_ENV/config.yaml, then ./config.yaml)")
	pf.String("log-level", "", "debug, info, warn or error")
	pf.BoolVar(&a.jsonLog, "log-json", false, "log as JSON lines")
	pf.String("subject", "", "subject identifier")
	pf.String("model", "", "model artifact to serve")

	root.AddCommand(
		newRunCmd(a),
		newReplayCmd(a),
		newSimulateCmd(a),
		newConfigCmd(a),
		newModelCmd(a),
		newRecordCmd(a),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command, _ []string) error {
	v, err := config.NewViper()
	if err != nil {
		return err
	}
	for flag, key := range flagKeys {
		if f := cmd.Flags().Lookup(flag); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return err
			}
		}
	}
	a.v = v
	if a.jsonLog {
		a.log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		a.log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}

// load reads and validates the configuration, then applies its log level.
func (a *app) load() (*config.Root, error) {
	cfg, err := config.Load(a.v, a.cfgPath)
	if err != nil {
		return nil, err
	}
	lvl, err := logrus.ParseLevel(cfg.Pipeline.LogLvl)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	a.log.SetLevel(lvl)
	a.log.WithFields(logrus.Fields{
		"name":    cfg.Pipeline.Name,
		"version": cfg.Pipeline.Version,
		"config":  a.v.ConfigFileUsed(),
	}).Debug("configuration loaded")
	return cfg, nil
}
