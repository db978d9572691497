package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"

	"margin-monitor-go/config"
	"margin-monitor-go/gateway"
	"margin-monitor-go/margin"
)

func main() {
	cfgPath := flag.String("config", "configs/margin.yaml", "配置文件路径")
	clientID := flag.Int64("client", 0, "账户 ID（0 表示使用配置中的 defaultClientId）")
	withPositions := flag.Bool("positions", false, "同时列出持仓")
	asJSON := flag.Bool("json", false, "以 JSON 输出")
	flag.Parse()

	_ = godotenv.Load()
	cfg, err := config.LoadWithEnvOverrides(*cfgPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	id := *clientID
	if id == 0 {
		id = cfg.Feed.DefaultClientID
	}

	client := &gateway.MarginClient{
		BaseURL:    cfg.Upstream.BaseURL,
		HTTPClient: gateway.NewDefaultHTTPClient(cfg.Upstream.Timeout()),
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Feed.FetchTimeout())
	defer cancel()

	snap, err := client.FetchMarginStatus(ctx, id)
	if err != nil {
		log.Fatalf("查询保证金状态失败: %v", err)
	}
	st := margin.SyncState{ClientID: id, Snapshot: &snap, Status: margin.StatusReady, FetchedAt: time.Now().UTC()}
	metrics := margin.DeriveState(st)
	risk := margin.Classify(metrics, cfg.Requirements)

	var positions []gateway.Position
	if *withPositions {
		positions, err = client.ListPositions(ctx, id)
		if err != nil {
			log.Fatalf("查询持仓失败: %v", err)
		}
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(map[string]interface{}{
			"snapshot":  snap,
			"metrics":   metrics,
			"risk":      risk,
			"positions": positions,
		})
		return
	}

	fmt.Printf("账户 %d\n", id)
	fmt.Printf("  组合价值:   %.2f\n", snap.PortfolioValue)
	fmt.Printf("  净值:       %.2f\n", snap.NetEquity)
	fmt.Printf("  保证金率:   %s\n", metrics.MarginRatio)
	fmt.Printf("  保证金缺口: %.2f (%s)\n", snap.MarginShortfall, describeShortfall(metrics))
	fmt.Printf("  追保:       %v\n", metrics.CallActive)
	fmt.Printf("  风险档位:   %s (初始 %.0f%% / 维持 %.0f%%)\n", risk,
		cfg.Requirements.InitialPercent, cfg.Requirements.MaintenancePercent)

	if *withPositions {
		fmt.Println()
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSYMBOL\tQTY\tCOST")
		for _, p := range positions {
			fmt.Fprintf(w, "%d\t%s\t%d\t%.2f\n", p.ID, p.Symbol, p.Quantity, p.CostBasis)
		}
		w.Flush()
	}
}

func describeShortfall(m margin.DerivedMetrics) string {
	if m.ShortfallPositive {
		return "不足"
	}
	return "充足"
}
