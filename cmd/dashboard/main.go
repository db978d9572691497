package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/joho/godotenv"

	"margin-monitor-go/internal/container"
)

func main() {
	cfgPath := flag.String("config", "configs/margin.yaml", "配置文件路径")
	envFile := flag.String("env", ".env", "环境变量文件，不存在时忽略")
	healthEvery := flag.Duration("healthInterval", 30*time.Second, "组件健康检查间隔，0 关闭")
	flag.Parse()

	// .env 只补充未设置的变量，部署环境优先
	if err := godotenv.Load(*envFile); err != nil && !os.IsNotExist(err) {
		log.Printf("加载 %s 失败: %v", *envFile, err)
	}

	c, err := container.New(*cfgPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	if err := c.Build(); err != nil {
		log.Fatalf("初始化失败: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := c.Start(ctx); err != nil {
		log.Fatalf("启动失败: %v", err)
	}
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Printf("sd_notify ready 失败: %v", err)
	}

	if *healthEvery > 0 {
		go func() {
			ticker := time.NewTicker(*healthEvery)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := c.HealthCheck(); err != nil {
						log.Printf("健康检查失败: %v", err)
					}
				}
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Printf("收到信号 %s，开始退出", sig)

	daemon.SdNotify(false, daemon.SdNotifyStopping)
	cancel()
	if err := c.Stop(); err != nil {
		log.Printf("退出时部分组件未正常停止: %v", err)
		os.Exit(1)
	}
}
