package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"earnings-sync-sol/internal/logic/dispatch"
	"earnings-sync-sol/internal/logic/earnings"
	"earnings-sync-sol/internal/logic/progress"
	"earnings-sync-sol/internal/logic/reconcile"
	"earnings-sync-sol/internal/logic/sigqueue"
	"earnings-sync-sol/internal/pkg/logger"
	"earnings-sync-sol/internal/rpc"
	"earnings-sync-sol/internal/types"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sugawarayuuta/sonnet"
)

// 以下接口由 svc.ServiceContext 中的具体组件实现

type SignatureQueue interface {
	Enqueue(req sigqueue.Request) bool
	Status(signature string) (sigqueue.Result, bool)
	Stats() sigqueue.Stats
}

type GatewayStats interface {
	Snapshot() ([]rpc.EndpointHealth, rpc.RequestStats)
}

type EarningsStatus interface {
	State() earnings.State
	LastRun() *earnings.CycleStats
	ProcessOne(ctx context.Context, wallet types.Pubkey) dispatch.Outcome
}

type ReconcileStatus interface {
	LastReport() (reconcile.SessionReport, bool)
	History() []reconcile.SessionReport
	Running() bool
}

// Trigger 定时任务的手动触发入口
type Trigger interface {
	Trigger() bool
}

type Deps struct {
	Queue            SignatureQueue
	Gateway          GatewayStats
	Earnings         EarningsStatus
	Reconcile        ReconcileStatus
	EarningsTrigger  Trigger
	ReconcileTrigger Trigger
	FailedCount      func() int
}

type statusResponse struct {
	Queue     sigqueue.Stats           `json:"queue"`
	Endpoints []rpc.EndpointHealth     `json:"endpoints"`
	Requests  rpc.RequestStats         `json:"requests"`
	Earnings  earningsStatus           `json:"earnings"`
	Reconcile *reconcile.SessionReport `json:"last_reconciliation"`
}

type earningsStatus struct {
	State       earnings.State       `json:"state"`
	LastRun     *earnings.CycleStats `json:"last_run"`
	FailedCount int                  `json:"failed_cooldown"`
}

type enqueueRequest struct {
	Signature string       `json:"signature"`
	Wallet    types.Pubkey `json:"wallet"`
}

type outcomeResponse struct {
	Wallet    types.Pubkey `json:"wallet"`
	Kind      string       `json:"kind"`
	Signature string       `json:"signature,omitempty"`
	Reason    string       `json:"reason,omitempty"`
	Attempts  int          `json:"attempts"`
}

// Server 状态与运维接口
type Server struct {
	deps Deps
	srv  *http.Server
}

func NewServer(addr string, deps Deps) *Server {
	s := &Server{deps: deps}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler 路由，测试直接使用
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.health)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /status", s.status)
	mux.HandleFunc("GET /signatures/{signature}", s.signatureStatus)
	mux.HandleFunc("POST /signatures", s.enqueueSignature)
	mux.HandleFunc("GET /reconciliations", s.reconciliations)
	mux.HandleFunc("POST /reconcile", s.triggerReconcile)
	mux.HandleFunc("POST /earnings/run", s.triggerEarnings)
	mux.HandleFunc("POST /earnings/players/{wallet}", s.processPlayer)
	return mux
}

func (s *Server) Start() {
	logger.Infof("[Api] 监听 %s", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Errorf("[Api] 服务异常退出: %v", err)
	}
}

func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		logger.Warnf("[Api] 关闭失败: %v", err)
	}
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{Queue: s.deps.Queue.Stats()}
	if s.deps.Gateway != nil {
		resp.Endpoints, resp.Requests = s.deps.Gateway.Snapshot()
	}
	if s.deps.Earnings != nil {
		resp.Earnings = earningsStatus{State: s.deps.Earnings.State(), LastRun: s.deps.Earnings.LastRun()}
	}
	if s.deps.FailedCount != nil {
		resp.Earnings.FailedCount = s.deps.FailedCount()
	}
	if s.deps.Reconcile != nil {
		if last, ok := s.deps.Reconcile.LastReport(); ok {
			resp.Reconcile = &last
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) signatureStatus(w http.ResponseWriter, r *http.Request) {
	res, ok := s.deps.Queue.Status(r.PathValue("signature"))
	if !ok {
		writeError(w, http.StatusNotFound, "signature not found")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// enqueueSignature 外部提交的签名，处理结果通过通知下发
func (s *Server) enqueueSignature(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := sonnet.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if _, err := types.SignatureFromBase58(req.Signature); err != nil {
		writeError(w, http.StatusBadRequest, "invalid signature")
		return
	}
	if !s.deps.Queue.Enqueue(sigqueue.Request{
		Signature: req.Signature,
		Wallet:    req.Wallet,
		Source:    progress.SourceExternal,
	}) {
		writeError(w, http.StatusServiceUnavailable, sigqueue.ErrQueueFull.Error())
		return
	}
	res, _ := s.deps.Queue.Status(req.Signature)
	writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) reconciliations(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Reconcile == nil {
		writeJSON(w, http.StatusOK, []reconcile.SessionReport{})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Reconcile.History())
}

func (s *Server) triggerReconcile(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Reconcile != nil && s.deps.Reconcile.Running() {
		writeError(w, http.StatusConflict, reconcile.ErrAlreadyRunning.Error())
		return
	}
	s.trigger(w, s.deps.ReconcileTrigger)
}

func (s *Server) triggerEarnings(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Earnings != nil && s.deps.Earnings.State() == earnings.StateRunning {
		writeError(w, http.StatusConflict, earnings.ErrAlreadyRunning.Error())
		return
	}
	s.trigger(w, s.deps.EarningsTrigger)
}

func (s *Server) trigger(w http.ResponseWriter, t Trigger) {
	if t == nil {
		writeError(w, http.StatusNotImplemented, "not configured")
		return
	}
	if !t.Trigger() {
		writeError(w, http.StatusConflict, "a run is already pending")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "triggered"})
}

// processPlayer 单个玩家手动分发收益，同步返回结果
func (s *Server) processPlayer(w http.ResponseWriter, r *http.Request) {
	if s.deps.Earnings == nil {
		writeError(w, http.StatusNotImplemented, "not configured")
		return
	}
	wallet, err := types.TryPubkeyFromBase58(r.PathValue("wallet"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid wallet")
		return
	}
	out := s.deps.Earnings.ProcessOne(r.Context(), wallet)
	writeJSON(w, http.StatusOK, outcomeResponse{
		Wallet:    out.Wallet,
		Kind:      out.Kind.String(),
		Signature: out.Signature,
		Reason:    out.Reason,
		Attempts:  out.Attempts,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	raw, err := sonnet.Marshal(v)
	if err != nil {
		logger.Errorf("[Api] 序列化失败: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(raw)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
