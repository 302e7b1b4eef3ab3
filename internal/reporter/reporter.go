package reporter

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"binance-pt-bot-go/internal/manager"
	"binance-pt-bot-go/internal/models"

	"github.com/jedib0t/go-pretty/v6/table"
	"go.uber.org/zap"
)

// SnapshotProvider 是报表需要的只读视图，由 SessionManager 满足。
type SnapshotProvider interface {
	SnapshotAll() []manager.SymbolSnapshot
	Counters() (consolidated, expected float64)
}

// Reporter 周期性地把每个交易对的会话快照渲染成表格输出。
type Reporter struct {
	provider SnapshotProvider
	interval time.Duration
	out      io.Writer
	logger   *zap.SugaredLogger

	closing chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

// New 创建一个输出到标准输出的报表器。
func New(provider SnapshotProvider, interval time.Duration, logger *zap.SugaredLogger) *Reporter {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Reporter{
		provider: provider,
		interval: interval,
		out:      os.Stdout,
		logger:   logger,
		closing:  make(chan struct{}),
	}
}

// Start 启动周期渲染协程。
func (r *Reporter) Start() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fmt.Fprintln(r.out, r.Render())
			case <-r.closing:
				return
			}
		}
	}()
}

// Stop 停止渲染并输出最后一张表。
func (r *Reporter) Stop() {
	r.once.Do(func() {
		close(r.closing)
		r.wg.Wait()
		fmt.Fprintln(r.out, r.Render())
	})
}

// Render 渲染当前快照表格。
func (r *Reporter) Render() string {
	snaps := r.provider.SnapshotAll()
	consolidated, expected := r.provider.Counters()

	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.SetTitle("trading sessions %s", time.Now().Format("15:04:05"))
	t.AppendHeader(table.Row{
		"Symbol", "Session", "Cmp", "Min", "Max", "Ticks",
		"NEW", "B-TRD", "S-TRD", "DONE",
		"Consolidated", "Expected", "Total@Cmp", "Isolated", "Markets", "Idle",
	})
	for _, s := range snaps {
		t.AppendRow(table.Row{
			s.Symbol,
			s.SessionID,
			fmt.Sprintf("%.2f", s.Cmp),
			fmt.Sprintf("%.2f", s.MinCmp),
			fmt.Sprintf("%.2f", s.MaxCmp),
			s.CmpCount,
			s.PTCounts[models.PTNew],
			s.PTCounts[models.PTBuyTraded],
			s.PTCounts[models.PTSellTraded],
			s.PTCounts[models.PTCompleted],
			fmt.Sprintf("%.4f", s.ConsolidatedProfit),
			fmt.Sprintf("%.4f", s.ExpectedProfit),
			fmt.Sprintf("%.4f", s.TotalAtCmp),
			s.IsolatedCount,
			s.MarketOrdersCount,
			fmt.Sprintf("%d/%d", s.CyclesFromLastTrade, s.InactivityLimit),
		})
	}
	t.AppendFooter(table.Row{
		"TOTAL", "", "", "", "", "",
		"", "", "", "",
		fmt.Sprintf("%.4f", consolidated),
		fmt.Sprintf("%.4f", expected),
		"", "", "", "",
	})
	return t.Render()
}
