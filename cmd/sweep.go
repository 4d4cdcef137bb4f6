package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"plex-kiosk/app/config"
	"plex-kiosk/app/logger"
	"plex-kiosk/app/pipeline"

	"github.com/spf13/cobra"
)

var sweepTimeout time.Duration

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "执行一次对账扫描后退出，供外部 cron 调用",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Parse()
		if err != nil {
			return err
		}

		log := logger.New(cfg.Log)
		defer log.Close()

		p, err := pipeline.Open(cfg, log)
		if err != nil {
			return err
		}
		defer p.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), sweepTimeout)
		defer cancel()

		report, err := p.Reconciler.Sweep(ctx)
		if err != nil {
			return fmt.Errorf("对账扫描失败: %w", err)
		}

		out, _ := json.MarshalIndent(report, "", "  ")
		cmd.Println(string(out))
		return nil
	},
}

func init() {
	sweepCmd.Flags().DurationVar(&sweepTimeout, "timeout", 5*time.Minute, "扫描超时时间")
	rootCmd.AddCommand(sweepCmd)
}
