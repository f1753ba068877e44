package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/e7canasta/orion-nav/internal/config"
	"github.com/e7canasta/orion-nav/internal/core"
	"github.com/e7canasta/orion-nav/internal/transport/mqtt"
)

func newProbeCmd() *cobra.Command {
	var (
		imagePath   string
		instruction string
	)

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Send one PNG and instruction to the inference provider and print the velocity",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			client, err := core.NewInferenceClient(cfg)
			if err != nil {
				return err
			}

			png, err := os.ReadFile(imagePath)
			if err != nil {
				return fmt.Errorf("failed to read image: %w", err)
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			if timeout := cfg.InferenceTimeout(); timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			started := time.Now()
			v, err := client.GenerateVelocity(ctx, instruction, png)
			if err != nil {
				return fmt.Errorf("inference failed: %w", err)
			}

			slog.Debug("probe completed", "latency", time.Since(started))
			return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]interface{}{
				"instruction": instruction,
				"linear_x":    v.Linear(),
				"angular_z":   v.Angular(),
				"in_range":    cfg.Inference.SafeRange.Contains(v),
				"latency_ms":  time.Since(started).Milliseconds(),
				"provider":    cfg.Inference.Provider,
			})
		},
	}

	cmd.Flags().StringVarP(&imagePath, "image", "i", "", "PNG file to send")
	cmd.Flags().StringVar(&instruction, "command", "move forward", "navigation instruction")
	_ = cmd.MarkFlagRequired("image")
	return cmd
}

func newSayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "say <instruction>",
		Short: "Publish a navigation instruction to a running navd over MQTT",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if !cfg.MQTTEnabled() {
				return fmt.Errorf("mqtt broker not configured")
			}

			client := mqtt.NewClient(cfg, "say")
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			if err := client.Connect(ctx); err != nil {
				return err
			}
			defer client.Disconnect()

			if err := mqtt.SendCommand(ctx, client, args[0]); err != nil {
				return err
			}
			slog.Info("instruction sent", "topic", cfg.MQTT.Topics.Command, "instruction", args[0])
			return nil
		},
	}
}
