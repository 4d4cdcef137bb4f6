package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"plex-kiosk/app/config"
	"plex-kiosk/app/logger"
	"plex-kiosk/app/pipeline"

	"github.com/spf13/cobra"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "只运行对账与定时扫描，不提供 HTTP 服务",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := config.Load()

		log := logger.New(cfg.Log)
		defer log.Close()

		p, err := pipeline.Open(cfg, log)
		if err != nil {
			log.Fatalf("%v", err)
		}
		if err := p.Start(); err != nil {
			log.Fatalf("启动请求链路失败: %v", err)
		}
		config.Watch(p.ApplyConfig)
		log.Info("对账进程已启动")

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Info("收到关闭信号，正在停止...")

		if err := p.Close(); err != nil {
			log.Errorf("关闭请求链路失败: %v", err)
		}
		log.Info("对账进程已退出")
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
