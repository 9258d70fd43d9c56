package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/maastricht-university/edmo-bci/clients"
	"github.com/maastricht-university/edmo-bci/config"
	"github.com/maastricht-university/edmo-bci/events"
	"github.com/maastricht-university/edmo-bci/orchestrator"
	"github.com/maastricht-university/edmo-bci/recorder"
	"github.com/maastricht-university/edmo-bci/status"
)

type sessionOpts struct {
	upload bool
}

func newRunCmd(a *app) *cobra.Command {
	var o sessionOpts
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a live session against the configured headset and device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.load()
			if err != nil {
				return err
			}
			return a.session(cmd.Context(), cfg, o)
		},
	}
	cmd.Flags().String("mode", "", "online or recording")
	cmd.Flags().BoolVar(&o.upload, "upload", false, "upload the recording to the workshop afterwards")
	return cmd
}

func newReplayCmd(a *app) *cobra.Command {
	var (
		o    sessionOpts
		pace bool
	)
	cmd := &cobra.Command{
		Use:   "replay <capture>",
		Short: "Run a session from a captured byte stream; commands are not sent to hardware",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.load()
			if err != nil {
				return err
			}
			in := cfg.Acquisition.Link
			cfg.Acquisition.Link = config.Link{
				Kind:        "file",
				Path:        args[0],
				Pace:        pace,
				ChunkSize:   in.ChunkSize,
				ReadTimeout: in.ReadTimeout,
			}
			cfg.Device.Link = config.Link{Kind: "memory"}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return a.session(cmd.Context(), cfg, o)
		},
	}
	cmd.Flags().String("mode", "", "online or recording")
	cmd.Flags().BoolVar(&pace, "pace", false, "release the capture at roughly its recorded rate")
	cmd.Flags().BoolVar(&o.upload, "upload", false, "upload the recording to the workshop afterwards")
	return cmd
}

// session runs one pipeline with its status surfaces until it ends or
// the process is signalled.
func (a *app) session(parent context.Context, cfg *config.Root, o sessionOpts) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()
	surfaces, cancel := context.WithCancel(ctx)
	defer cancel()

	bus := events.NewBus()
	defer bus.Close()
	p, err := orchestrator.New(cfg, a.log, orchestrator.WithBus(bus))
	if err != nil {
		return err
	}
	mgr := orchestrator.NewManager(a.log)

	if addr := cfg.Status.HTTPAddr; addr != "" {
		srv := status.NewServer(addr, mgr, a.log)
		go func() {
			if err := srv.Run(surfaces); err != nil {
				a.log.WithError(err).Error("status server stopped")
			}
		}()
	}
	if cfg.Status.MQTT.Broker != "" {
		em := status.NewEmitter(cfg.Status.MQTT, a.log)
		if err := em.Connect(surfaces); err != nil {
			a.log.WithError(err).Warn("mqtt unavailable, continuing without it")
		} else {
			defer em.Close()
			sub, err := bus.Subscribe("mqtt", cfg.Scheduler.DisplayQueue)
			if err != nil {
				return err
			}
			go em.Run(surfaces, sub)
			if err := em.ListenPhases(mgr); err != nil {
				a.log.WithError(err).Warn("phase topic unavailable")
			}
		}
	}

	done, err := mgr.Launch(ctx, p)
	if err != nil {
		return err
	}
	a.log.WithFields(logrus.Fields{
		"session": p.ID(),
		"mode":    cfg.Session.Mode,
		"device":  p.DeviceKey(),
		"tick":    cfg.TickPeriod(),
	}).Info("session started")

	runErr := <-done
	a.finish(parent, cfg, p, o)
	return runErr
}

// finish reports the ended session to the dashboard and, on request,
// ships the recording to the workshop.
func (a *app) finish(ctx context.Context, cfg *config.Root, p *orchestrator.Pipeline, o sessionOpts) {
	m, ok := p.Manifest()
	if !ok {
		return
	}
	a.log.WithFields(logrus.Fields{
		"session":  m.SessionID,
		"state":    m.Final,
		"epochs":   m.Counters.Epochs,
		"intents":  m.Counters.Intents,
		"commands": m.Counters.Commands,
		"trials":   len(m.Trials),
		"dir":      m.Dir,
	}).Info("session summary")

	h := clients.NewHTTP()
	if url := cfg.Services.Dashboard.URL; url != "" {
		if _, err := h.PostSummary(ctx, url, clients.SummaryFrom(m)); err != nil {
			a.log.WithError(err).Warn("dashboard summary failed")
		}
	}
	if !o.upload || m.Recording == nil {
		return
	}
	if err := a.upload(ctx, cfg, m); err != nil {
		a.log.WithError(err).Error("recording upload failed")
	}
}

func (a *app) upload(ctx context.Context, cfg *config.Root, m orchestrator.Manifest) error {
	url := cfg.Services.Workshop.URL
	if url == "" {
		return errors.New("services.workshop.url not configured")
	}
	paths := []string{
		filepath.Join(m.Dir, orchestrator.ManifestFile),
		filepath.Join(m.Dir, recorder.SamplesFile),
		filepath.Join(m.Dir, recorder.StoreFile),
	}
	resp, err := clients.NewHTTP().UploadRecording(ctx, url, m.SessionID, paths...)
	if err != nil {
		return err
	}
	a.log.WithFields(logrus.Fields{"upload": resp.ID, "files": resp.Received}).Info("recording uploaded")
	return nil
}
