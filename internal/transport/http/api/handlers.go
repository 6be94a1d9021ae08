package apihttp

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"hedgepair/internal/gateway/terminal"
	"hedgepair/internal/orchestrator"
	"hedgepair/internal/pair"
	"hedgepair/internal/risk"
	"hedgepair/internal/store/history"

	"github.com/gin-gonic/gin"
)

type handlers struct {
	cfg ServerConfig
}

// orderContext 去掉请求的取消信号：客户端断开不应中断已发往终端的订单。
func orderContext(c *gin.Context) context.Context {
	return context.WithoutCancel(c.Request.Context())
}

func (h *handlers) register(group *gin.RouterGroup) {
	group.GET("/pairs", h.listPairs)
	group.POST("/pairs", h.openPair)
	group.POST("/pairs/close-all", h.closeAll)
	group.POST("/pairs/:id/close", h.closePair)
	group.GET("/accounts", h.accounts)
	group.GET("/risk", h.getRisk)
	group.PUT("/risk", h.putRisk)
	group.GET("/history", h.listHistory)
}

func (h *handlers) health(c *gin.Context) {
	terms := make(map[string]bool, len(h.cfg.Terminals))
	for _, t := range h.cfg.Terminals {
		terms[t.ID()] = t.Connected()
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "terminals": terms})
}

func (h *handlers) listPairs(c *gin.Context) {
	snap := h.cfg.Registry.Snapshot()
	views := make([]pairView, 0, len(snap.Pairs))
	for _, p := range snap.Pairs {
		views = append(views, newPairView(p))
	}
	c.JSON(http.StatusOK, gin.H{
		"version":    snap.Version,
		"next_id":    pair.FormatID(snap.NextID),
		"net_profit": h.cfg.Registry.NetProfit(),
		"pairs":      views,
	})
}

type openPayload struct {
	AccountA string  `json:"account_a"`
	AccountB string  `json:"account_b"`
	Symbol   string  `json:"symbol"`
	SymbolB  string  `json:"symbol_b"`
	Volume   float64 `json:"volume"`
	VolumeB  float64 `json:"volume_b"`
	Side     string  `json:"side"`
}

func (h *handlers) openPair(c *gin.Context) {
	var payload openPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	side, err := terminal.ParseSide(payload.Side)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req := orchestrator.OpenRequest{
		AccountA: payload.AccountA,
		AccountB: payload.AccountB,
		SymbolA:  payload.Symbol,
		VolumeA:  payload.Volume,
		SymbolB:  payload.SymbolB,
		VolumeB:  payload.VolumeB,
		Side:     side,
	}
	if req.AccountA == "" && req.AccountB == "" && len(h.cfg.Terminals) == 2 {
		req.AccountA = h.cfg.Terminals[0].AccountID()
		req.AccountB = h.cfg.Terminals[1].AccountID()
	}
	res, err := h.cfg.Pairs.OpenPair(orderContext(c), req)
	if err != nil {
		status := http.StatusBadRequest
		if terminal.IsConnectionError(err) {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	body := gin.H{
		"id":     pair.FormatID(res.ID),
		"result": res.Join.Kind.String(),
	}
	if res.Pair != nil {
		body["pair"] = newPairView(*res.Pair)
	}
	switch res.Join.Kind {
	case orchestrator.BothOK:
		c.JSON(http.StatusCreated, body)
	case orchestrator.OneFailed:
		body["failed_leg"] = res.Join.Failed.String()
		body["error"] = res.Join.Reason(res.Join.Failed)
		body["unwound"] = res.Unwound
		c.JSON(http.StatusAccepted, body)
	default:
		body["errors"] = gin.H{
			"leg_a": res.Join.Reason(pair.LegA),
			"leg_b": res.Join.Reason(pair.LegB),
		}
		c.JSON(http.StatusBadGateway, body)
	}
}

type closePayload struct {
	Reason string `json:"reason"`
}

func (h *handlers) closePair(c *gin.Context) {
	id, err := pair.ParseID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var payload closePayload
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&payload); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	res, err := h.cfg.Pairs.ClosePair(orderContext(c), id, operatorReason(payload.Reason))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(closeStatus(res.Outcome), newCloseView(res))
}

func (h *handlers) closeAll(c *gin.Context) {
	var payload closePayload
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&payload); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	results := h.cfg.Pairs.CloseAll(orderContext(c), operatorReason(payload.Reason))
	views := make([]closeView, 0, len(results))
	status := http.StatusOK
	for _, res := range results {
		views = append(views, newCloseView(res))
		if res.Outcome == orchestrator.ClosePartial {
			status = http.StatusMultiStatus
		}
	}
	c.JSON(status, gin.H{"results": views})
}

// operatorReason 统一操作员触发的平仓原因，自动化原因前缀不允许从接口传入。
func operatorReason(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.HasPrefix(raw, "auto:") {
		return orchestrator.ReasonManual
	}
	return raw
}

func closeStatus(o orchestrator.CloseOutcome) int {
	switch o {
	case orchestrator.CloseDone, orchestrator.CloseAlreadyClosed:
		return http.StatusOK
	case orchestrator.CloseInFlight, orchestrator.CloseDeferredOpening:
		return http.StatusAccepted
	default:
		return http.StatusBadGateway
	}
}

func (h *handlers) accounts(c *gin.Context) {
	body := gin.H{}
	conn := make(map[string]bool, len(h.cfg.Terminals))
	for _, t := range h.cfg.Terminals {
		conn[t.AccountID()] = t.Connected()
	}
	body["connected"] = conn
	if h.cfg.Reports != nil {
		body["report"] = h.cfg.Reports.LastReport()
	}
	c.JSON(http.StatusOK, body)
}

func (h *handlers) getRisk(c *gin.Context) {
	snap := h.cfg.Risk.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"version":   snap.Version,
		"loaded_at": snap.LoadedAt,
		"config":    snap.Config,
	})
}

// riskPatch 允许只更新部分字段。
type riskPatch struct {
	DrawdownEnabled   *bool    `json:"drawdown_enabled"`
	DrawdownStop      *float64 `json:"drawdown_stop"`
	CloseAfterMinutes *int     `json:"close_after_minutes"`
}

func (p riskPatch) apply(cfg risk.Config) risk.Config {
	if p.DrawdownEnabled != nil {
		cfg.DrawdownEnabled = *p.DrawdownEnabled
	}
	if p.DrawdownStop != nil {
		cfg.DrawdownStop = *p.DrawdownStop
	}
	if p.CloseAfterMinutes != nil {
		cfg.CloseAfterMinutes = *p.CloseAfterMinutes
	}
	return cfg
}

func (h *handlers) putRisk(c *gin.Context) {
	var patch riskPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	next := patch.apply(h.cfg.Risk.Snapshot().Config)
	snap, err := h.cfg.Risk.Save(next)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"version":   snap.Version,
		"loaded_at": snap.LoadedAt,
		"config":    snap.Config,
	})
}

func (h *handlers) listHistory(c *gin.Context) {
	if h.cfg.History == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "history store disabled"})
		return
	}
	q := history.Query{
		Reason: c.Query("reason"),
		Symbol: c.Query("symbol"),
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		q.Limit = limit
	}
	records, err := h.cfg.History.List(c.Request.Context(), q)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if records == nil {
		records = []history.Record{}
	}
	c.JSON(http.StatusOK, gin.H{"records": records})
}
