package app

import (
	"fmt"
	"strings"

	brcfg "hedgepair/internal/config"
	"hedgepair/internal/gateway/terminal"
	"hedgepair/internal/pair"
	"hedgepair/internal/risk"
	"hedgepair/internal/store"
)

type StartupSummary struct {
	Env       string
	DryRun    bool
	HTTPAddr  string
	Terminals []TerminalSummary
	Store     StoreSummary
	Risk      risk.Config
	RiskPath  string
	Policy    string
	Interval  string
}

type TerminalSummary struct {
	ID        string
	AccountID string
	Connected bool
}

type StoreSummary struct {
	Driver      string
	Path        string
	HistoryPath string
	Restored    int
	Dropped     int
	NextID      string
}

func newStartupSummary(cfg *brcfg.Config, terms []terminal.Terminal, recon store.ReconcileResult, rc risk.Config) *StartupSummary {
	s := &StartupSummary{
		Env:      cfg.App.Env,
		DryRun:   cfg.App.DryRun,
		HTTPAddr: cfg.App.HTTPAddr,
		Store: StoreSummary{
			Driver:      cfg.Store.Driver,
			Path:        cfg.Store.Path,
			HistoryPath: cfg.Store.HistoryPath,
			Restored:    len(recon.Kept),
			Dropped:     len(recon.Dropped),
			NextID:      pair.FormatID(recon.NextID),
		},
		Risk:     rc,
		RiskPath: cfg.Risk.Path,
		Policy:   cfg.PartialFailure.Policy,
		Interval: cfg.Automation.Interval().String(),
	}
	for _, t := range terms {
		s.Terminals = append(s.Terminals, TerminalSummary{ID: t.ID(), AccountID: t.AccountID(), Connected: t.Connected()})
	}
	return s
}

func (s *StartupSummary) Print() {
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("%*s\n", 40+len("启动配置摘要 (STARTUP SUMMARY)")/2, "启动配置摘要 (STARTUP SUMMARY)")
	fmt.Println(strings.Repeat("=", 80))

	mode := "live"
	if s.DryRun {
		mode = "dry_run (paper)"
	}
	fmt.Println("[运行环境 (RUNTIME)]")
	fmt.Printf("  环境: %s\n", s.Env)
	fmt.Printf("  模式: %s\n", mode)
	fmt.Printf("  HTTP: %s\n", s.HTTPAddr)
	fmt.Println()

	fmt.Println("[终端 (TERMINALS)]")
	if len(s.Terminals) == 0 {
		fmt.Println("  (无配置)")
	}
	for _, t := range s.Terminals {
		state := "disconnected"
		if t.Connected {
			state = "connected"
		}
		fmt.Printf("  > %s account=%s %s\n", t.ID, t.AccountID, state)
	}
	fmt.Println()

	fmt.Println("[登记表 (REGISTRY)]")
	fmt.Printf("  存储: %s (%s)\n", s.Store.Driver, s.Store.Path)
	fmt.Printf("  历史: %s\n", orDash(s.Store.HistoryPath))
	fmt.Printf("  恢复: %d  丢弃: %d  下一个编号: %s\n", s.Store.Restored, s.Store.Dropped, s.Store.NextID)
	fmt.Println()

	fmt.Println("[风控 (RISK)]")
	fmt.Printf("  文件: %s\n", s.RiskPath)
	fmt.Printf("  回撤止损: enabled=%t stop=%.2f%%\n", s.Risk.DrawdownEnabled, s.Risk.DrawdownStop)
	if s.Risk.CloseAfterMinutes > 0 {
		fmt.Printf("  持仓时长平仓: %d 分钟\n", s.Risk.CloseAfterMinutes)
	} else {
		fmt.Println("  持仓时长平仓: 关闭")
	}
	fmt.Printf("  单腿失败策略: %s\n", s.Policy)
	fmt.Printf("  自动化周期: %s\n", s.Interval)
	fmt.Println(strings.Repeat("=", 80))
}

func orDash(v string) string {
	if strings.TrimSpace(v) == "" {
		return "-"
	}
	return v
}
