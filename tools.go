package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/maastricht-university/edmo-bci/clients"
	"github.com/maastricht-university/edmo-bci/config"
	"github.com/maastricht-university/edmo-bci/model"
	"github.com/maastricht-university/edmo-bci/orchestrator"
)

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Inspect or create configuration files"}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write the default configuration",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "config.yaml"
			if len(args) == 1 {
				path = args[0]
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s exists, use --force to overwrite", path)
			}
			if err := config.WriteDefault(path); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration after files, env and flags",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.load()
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(cfg); err != nil {
				return err
			}
			return enc.Close()
		},
	}
	cmd.AddCommand(initCmd, showCmd)
	return cmd
}

func newModelCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{Use: "model", Short: "Validate or fetch model artifacts"}

	checkCmd := &cobra.Command{
		Use:   "check <artifact>",
		Short: "Load an artifact against the session geometry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.load()
			if err != nil {
				return err
			}
			m, err := model.Load(args[0], model.Geometry{
				Channels:     len(cfg.ModelChannels()),
				EpochSamples: cfg.EpochSamples(),
				Classes:      cfg.Model.Classes,
			})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "version:  %s\n", m.Version())
			fmt.Fprintf(out, "digest:   %s\n", m.Digest())
			fmt.Fprintf(out, "classes:  %v\n", m.Classes())
			fmt.Fprintf(out, "features: %d\n", m.FeatureDim())
			return nil
		},
	}

	fetchCmd := &cobra.Command{
		Use:   "fetch",
		Short: "Download the latest model trained for the subject",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.load()
			if err != nil {
				return err
			}
			if cfg.Services.Workshop.URL == "" {
				return errors.New("services.workshop.url not configured")
			}
			path, err := clients.NewHTTP().FetchModel(cmd.Context(), cfg.Services.Workshop.URL, cfg.Session.Subject, cfg.Paths.Models)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
	cmd.AddCommand(checkCmd, fetchCmd)
	return cmd
}

func newRecordCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{Use: "record", Short: "Manage recorded sessions"}
	uploadCmd := &cobra.Command{
		Use:   "upload <session-dir>",
		Short: "Send a recorded session to the training workshop",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.load()
			if err != nil {
				return err
			}
			m, err := orchestrator.ReadManifest(args[0])
			if err != nil {
				return err
			}
			if m.Recording == nil {
				return fmt.Errorf("%s holds no recording", args[0])
			}
			m.Dir = args[0]
			return a.upload(cmd.Context(), cfg, m)
		},
	}
	cmd.AddCommand(uploadCmd)
	return cmd
}
