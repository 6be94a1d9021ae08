package main

import (
	"context"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"hedgepair/internal/app"
	brcfg "hedgepair/internal/config"
	"hedgepair/internal/logger"

	"github.com/joho/godotenv"
)

func main() {
	// .env 可选，不存在时忽略
	_ = godotenv.Load()

	cfgPath := os.Getenv(brcfg.EnvPrefix + "_CONFIG")
	if cfgPath == "" {
		cfgPath = "configs/config.yaml"
	}

	cfg, err := brcfg.Load(cfgPath)
	if err != nil {
		log.Fatalf("读取配置失败: %v", err)
	}
	logFile, err := setupLogOutput(cfg.App)
	if err != nil {
		log.Fatalf("初始化日志文件失败: %v", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}
	logger.SetFormat(cfg.App.LogFormat)
	logger.SetLevel(cfg.App.LogLevel)
	logger.Infof("✓ 配置加载成功（环境=%s，dry_run=%t，store=%s）", cfg.App.Env, cfg.App.DryRun, cfg.Store.Driver)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := app.NewApp(ctx, cfg)
	if err != nil {
		log.Fatalf("初始化应用失败: %v", err)
	}
	if err := application.Run(ctx); err != nil {
		log.Fatalf("运行失败: %v", err)
	}
	logger.Infof("已退出")
}

func setupLogOutput(cfg brcfg.AppConfig) (io.Closer, error) {
	w, err := logger.NewRotatingWriter(cfg.LogPath, logger.RotateOptions{
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
	})
	if err != nil || w == nil {
		return nil, err
	}
	mw := io.MultiWriter(os.Stdout, w)
	log.SetOutput(mw)
	logger.SetOutput(mw)
	return w, nil
}
