// Package agentcli is the cobra front end of the acquisition agent.
package agentcli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	goyaml "github.com/goccy/go-yaml"
	"github.com/spf13/cobra"

	"github.com/opencortex/eeg-agent/pkg/agent"
)

var outputFormat string

func Main(ctx context.Context, args []string, in io.Reader, out, errOut io.Writer) error {
	dir, err := os.UserConfigDir()
	if err != nil {
		return err
	}
	cmd := NewRootCmd(filepath.Join(dir, "eeg-agent"))
	cmd.SetArgs(args)
	cmd.SetIn(in)
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	return cmd.ExecuteContext(ctx)
}

type agentProvider func() *agent.Agent

func NewRootCmd(configDir string) *cobra.Command {
	cfg := agent.Config{
		DataDir:      filepath.Join(configDir, "data"),
		DeviceConfig: filepath.Join(configDir, "devices.yml"),
	}
	rootCmd := &cobra.Command{
		Use:   "eeg-agent",
		Short: "EEG acquisition agent",
		Long:  `The EEG acquisition agent bridges headsets, patch sensors and analog front end boards to a sample sink.`,
	}
	var a *agent.Agent
	provider := func() *agent.Agent {
		return a
	}
	rootCmd.PersistentFlags().StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "data directory")
	rootCmd.PersistentFlags().StringVar(&cfg.DeviceConfig, "device-config", cfg.DeviceConfig, "device registration file")
	rootCmd.PersistentFlags().StringVar(&cfg.NATSURL, "nats-url", "", "NATS broker URL; empty streams to the log")
	rootCmd.PersistentFlags().StringVar(&cfg.NATSSubject, "nats-subject", "eeg.samples", "NATS subject prefix")
	rootCmd.PersistentFlags().StringVar(&cfg.MetricsAddr, "metrics-addr", "", "Prometheus listen address, e.g. :9464")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "json", "output format: json or yaml")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		var err error
		a, err = agent.NewAgent(cfg)
		return err
	}
	rootCmd.PersistentPostRunE = func(cmd *cobra.Command, args []string) error {
		if a != nil {
			return a.Close()
		}
		return nil
	}
	rootCmd.AddCommand(NewRun(provider))
	rootCmd.AddCommand(NewListDevices(provider))
	rootCmd.AddCommand(NewScan(provider))
	rootCmd.AddCommand(NewStatus(provider))
	rootCmd.AddCommand(NewStream(provider))
	rootCmd.AddCommand(NewCalibrate(provider))
	return rootCmd
}

func NewRun(agent agentProvider) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the acquisition agent",
		Long:  `Runs the agent daemon: discovers devices, serves the control surface and streams samples to the configured sink.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return agent().Run(cmd.Context())
		},
	}
}

func NewListDevices(agent agentProvider) *cobra.Command {
	return &cobra.Command{
		Use:   "list-devices",
		Short: "List devices ever seen by this agent",
		Long:  `Lists the persisted device registry: every device this agent has detected, with first and last sighting.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			records, err := agent().Store().ListDevices()
			if err != nil {
				return err
			}
			return printOut(cmd.OutOrStdout(), records)
		},
	}
}

func NewScan(agent agentProvider) *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Scan for devices now",
		Long:  `Runs one discovery pass across all transports and prints the classified devices.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return agent().RunWith(cmd.Context(), func(ctx context.Context) error {
				if err := agent().Manager().Scan(ctx); err != nil {
					return err
				}
				return printOut(cmd.OutOrStdout(), agent().Manager().List())
			})
		},
	}
}

func NewStatus(agent agentProvider) *cobra.Command {
	return &cobra.Command{
		Use:   "status <device-id>",
		Short: "Show one device's state and statistics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return agent().RunWith(cmd.Context(), func(ctx context.Context) error {
				info, err := agent().Manager().Status(args[0])
				if err != nil {
					return err
				}
				return printOut(cmd.OutOrStdout(), info)
			})
		},
	}
}

func NewStream(agent agentProvider) *cobra.Command {
	var duration time.Duration
	cmd := &cobra.Command{
		Use:   "stream <device-id>",
		Short: "Connect a device and stream samples to the sink",
		Long:  `Connects the device, streams for the given duration (or until interrupted), then stops and disconnects.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return agent().RunWith(cmd.Context(), func(ctx context.Context) error {
				m := agent().Manager()
				if err := m.Connect(ctx, id); err != nil {
					return err
				}
				defer m.Disconnect(id)
				if err := m.StartStreaming(id); err != nil {
					return err
				}
				defer m.StopStreaming(id)

				if duration > 0 {
					timer := time.NewTimer(duration)
					defer timer.Stop()
					select {
					case <-ctx.Done():
					case <-timer.C:
					}
				} else {
					<-ctx.Done()
				}
				info, err := m.Status(id)
				if err != nil {
					return err
				}
				return printOut(cmd.OutOrStdout(), info)
			})
		},
	}
	cmd.Flags().DurationVar(&duration, "duration", 0, "how long to stream; 0 streams until interrupted")
	return cmd
}

func NewCalibrate(agent agentProvider) *cobra.Command {
	return &cobra.Command{
		Use:   "calibrate <device-id>",
		Short: "Compute and persist a baseline profile",
		Long:  `Connects the device, collects a short baseline window, persists the per-channel offsets and prints them.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return agent().RunWith(cmd.Context(), func(ctx context.Context) error {
				m := agent().Manager()
				if err := m.Connect(ctx, id); err != nil {
					return err
				}
				defer m.Disconnect(id)
				profile, err := m.Calibrate(ctx, id)
				if err != nil {
					return err
				}
				return printOut(cmd.OutOrStdout(), profile)
			})
		},
	}
}

func printOut(w io.Writer, v any) error {
	var out []byte
	var err error
	switch outputFormat {
	case "yaml":
		out, err = goyaml.Marshal(v)
	default:
		out, err = json.MarshalIndent(v, "", "  ")
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(w, string(out))
	return nil
}
