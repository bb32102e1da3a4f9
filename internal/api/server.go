package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	xerrors "AgentMarket/internal/errors"
	"AgentMarket/internal/event"
	"AgentMarket/internal/eventbus"
	"AgentMarket/internal/observability/metrics"
	"AgentMarket/internal/pipeline"
	"AgentMarket/internal/settlement"
	"AgentMarket/internal/storage/mysql"
	"AgentMarket/pkg/logger"
)

const (
	actionConfirm = "confirm_settlement"
	actionCancel  = "cancel_settlement"

	reservationConfirm = "confirm"
	reservationCancel  = "cancel"
)

// Server 负责暴露 HTTP 接口，供前端驱动买家 Agent 并观察运行过程。
type Server struct {
	addr     string
	pipeline *pipeline.Pipeline
	metrics  *metrics.Metrics
	runs     mysql.RunRepository
	watcher  eventbus.Subscriber
	logger   *slog.Logger
}

// Option 定义服务的可选配置。
type Option func(*Server)

// WithMetrics 暴露 /metrics 并记录请求指标。
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithRuns 提供运行历史查询。
func WithRuns(repo mysql.RunRepository) Option {
	return func(s *Server) {
		s.runs = repo
	}
}

// WithWatcher 允许旁路观察者按运行 ID 订阅事件。
func WithWatcher(sub eventbus.Subscriber) Option {
	return func(s *Server) {
		s.watcher = sub
	}
}

// WithLogger 指定日志实例。
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, p *pipeline.Pipeline, opts ...Option) *Server {
	s := &Server{addr: addr, pipeline: p, logger: logger.Named("api")}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回注册了全部路由的处理器。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/api/v1/agent/stream", s.instrument("stream", s.handleStream))
	mux.Handle("/api/v1/agent/action", s.instrument("action", s.handleAction))
	mux.Handle("/api/v1/budget", s.instrument("budget", s.handleBudget))
	mux.Handle("/api/v1/budget/reservations", s.instrument("reservations", s.handleReservation))
	mux.Handle("/api/v1/runs", s.instrument("runs", s.handleRuns))
	mux.Handle("/api/v1/runs/{id}/events", s.instrument("run_events", s.handleRunEvents))
	mux.Handle("/api/v1/tools", s.instrument("tools", s.handleTools))
	mux.Handle("/healthz", s.instrument("healthz", s.handleHealth))
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}
	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("API 服务启动", slog.String("addr", s.addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// handleStream 执行一次购买任务，并以 SSE 推送全部事件。客户端断开即取消运行。
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.pipeline == nil {
		http.Error(w, "编排流程未初始化", http.StatusServiceUnavailable)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "当前连接不支持流式输出", http.StatusInternalServerError)
		return
	}

	query := r.URL.Query()
	checkout, err := pipeline.ParseCheckout(query.Get("checkout"))
	if err != nil {
		writeError(w, http.StatusBadRequest, xerrors.UserMessage(err))
		return
	}
	req := pipeline.Request{
		Goal:      query.Get("goal"),
		BuyerNote: query.Get("buyerNote"),
		Mode:      settlement.Mode(strings.TrimSpace(query.Get("mode"))),
		Checkout:  checkout,
		SessionID: strings.TrimSpace(query.Get("sessionId")),
	}

	setStreamHeaders(w)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	emit := func(ev event.Event) error {
		if err := event.WriteSSE(w, ev); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}
	result, err := s.pipeline.Run(r.Context(), req, emit)
	if err != nil {
		s.logger.Debug("运行未正常结束",
			slog.String("run_id", result.RunID),
			slog.String("outcome", string(result.Outcome)),
			slog.Any("error", err))
	}
}

type actionRequest struct {
	SessionID string `json:"sessionId"`
	Action    string `json:"action"`
}

type actionResponse struct {
	OK        bool `json:"ok"`
	Cancelled bool `json:"cancelled,omitempty"`
}

// handleAction 是结算确认的控制面：确认或取消一个等待中的会话。
func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if s.pipeline == nil {
		http.Error(w, "编排流程未初始化", http.StatusServiceUnavailable)
		return
	}

	var req actionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "请求体解析失败")
		return
	}
	req.SessionID = strings.TrimSpace(req.SessionID)
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "sessionId 不能为空")
		return
	}

	sessions := s.pipeline.Sessions()
	var (
		err  error
		resp actionResponse
	)
	switch req.Action {
	case actionConfirm:
		err = sessions.Resolve(req.SessionID)
		resp = actionResponse{OK: true}
	case actionCancel:
		err = sessions.Reject(req.SessionID, "user cancelled")
		resp = actionResponse{OK: true, Cancelled: true}
	default:
		writeError(w, http.StatusBadRequest, "未知的 action")
		return
	}
	if err != nil {
		if xerrors.HasCode(err, xerrors.CodeSessionNotFound) {
			writeError(w, http.StatusNotFound, xerrors.UserMessage(err))
			return
		}
		writeError(w, http.StatusInternalServerError, xerrors.UserMessage(err))
		return
	}

	logger.Audit().Info("结算会话已处理",
		slog.String("session_id", req.SessionID),
		slog.String("action", req.Action))
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleBudget(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.pipeline == nil {
		http.Error(w, "编排流程未初始化", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s.pipeline.Ledger().Status())
}

type reservationRequest struct {
	OrderID string `json:"orderId"`
	Action  string `json:"action"`
}

// handleReservation 人工处理结算结果不明时遗留的预算占用。
func (s *Server) handleReservation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if s.pipeline == nil {
		http.Error(w, "编排流程未初始化", http.StatusServiceUnavailable)
		return
	}

	var req reservationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "请求体解析失败")
		return
	}
	req.OrderID = strings.TrimSpace(req.OrderID)
	if req.OrderID == "" {
		writeError(w, http.StatusBadRequest, "orderId 不能为空")
		return
	}

	ledger := s.pipeline.Ledger()
	amount, ok := ledger.Pending(req.OrderID)
	if !ok {
		writeError(w, http.StatusNotFound, "预算占用不存在")
		return
	}
	switch req.Action {
	case reservationConfirm:
		ledger.Confirm(req.OrderID)
	case reservationCancel:
		ledger.Cancel(req.OrderID)
	default:
		writeError(w, http.StatusBadRequest, "未知的 action")
		return
	}

	logger.Audit().Info("人工处理预算占用",
		slog.String("order_id", req.OrderID),
		slog.String("action", req.Action),
		slog.String("amount", amount.StringFixed(2)))
	status := ledger.Status()
	if s.metrics != nil {
		s.metrics.SetBudget(parseAmount(status.TotalBudget), parseAmount(status.Pending), parseAmount(status.Remaining))
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if s.runs == nil {
		writeJSON(w, http.StatusOK, []mysql.RunRecord{})
		return
	}
	records, err := s.runs.ListLatest(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, xerrors.UserMessage(err))
		return
	}
	if records == nil {
		records = []mysql.RunRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

// handleRunEvents 让旁路观察者以 SSE 跟随某次运行，收到 done 或 error 后结束。
func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.watcher == nil {
		http.Error(w, "未启用事件订阅", http.StatusServiceUnavailable)
		return
	}
	runID := strings.TrimSpace(r.PathValue("id"))
	if runID == "" {
		writeError(w, http.StatusBadRequest, "缺少运行 ID")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "当前连接不支持流式输出", http.StatusInternalServerError)
		return
	}

	records, cancel, err := s.watcher.Subscribe(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusBadGateway, xerrors.UserMessage(err))
		return
	}
	defer cancel()

	setStreamHeaders(w)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case rec, ok := <-records:
			if !ok {
				return
			}
			if err := event.WriteSSE(w, rec.Event); err != nil {
				return
			}
			flusher.Flush()
			switch rec.Event.Kind() {
			case event.KindDone, event.KindError:
				return
			}
		}
	}
}

// ToolDescriptor 描述买家 Agent 在运行中调用的工具。
type ToolDescriptor struct {
	Name        string `json:"name"`
	Stage       string `json:"stage"`
	Description string `json:"description"`
}

var tools = []ToolDescriptor{
	{Name: "search_stores", Stage: string(event.StageDiscover), Description: "按购买目标检索候选店铺"},
	{Name: "search_products", Stage: string(event.StageBrowse), Description: "在选定店铺内检索匹配商品"},
	{Name: "prepare_deal", Stage: string(event.StagePrepare), Description: "按成交价生成订单并计算确定性 dealId"},
	{Name: "settle_deal", Stage: string(event.StageSettle), Description: "提交订单负载并执行结算流程"},
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, tools)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// instrument 记录每个请求的状态码与耗时。
func (s *Server) instrument(name string, h http.HandlerFunc) http.Handler {
	if s.metrics == nil {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		s.metrics.ObserveHTTPRequest(name, r.Method, rec.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func setStreamHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"ok": false, "error": message})
}

func parseAmount(raw string) float64 {
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0
	}
	return f
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
