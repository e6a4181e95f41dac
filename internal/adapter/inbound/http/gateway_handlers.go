package http

import (
	"encoding/json"
	"net/http"

	"github.com/sentinelsca/sca/internal/ctxkey"
	"github.com/sentinelsca/sca/internal/service"
)

// writeJSON encodes v as the response body with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorResponse is the JSON body returned for every rejected request.
type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// writeGatewayError renders a *service.GatewayError at its mapped status code.
func writeGatewayError(w http.ResponseWriter, err *service.GatewayError) {
	writeJSON(w, err.Status(), errorResponse{Error: err.Message, Kind: string(err.Kind)})
}

// clientIPFromContext reads the IP RealIPMiddleware resolved for this request.
func clientIPFromContext(r *http.Request) string {
	ip, _ := r.Context().Value(ctxkey.IPAddressKey{}).(string)
	return ip
}

// analyzeHandlers bundles the gateway service dependencies every /analyze
// and /status handler needs, keeping HandleAnalyze/HandleStatus as thin HTTP
// adapters over GatewayService.
type analyzeHandlers struct {
	gateway *service.GatewayService
}

// newAnalyzeHandlers constructs the handler bundle for gw.
func newAnalyzeHandlers(gw *service.GatewayService) *analyzeHandlers {
	return &analyzeHandlers{gateway: gw}
}

func headersFromRequest(r *http.Request) service.AnalyzeHeaders {
	return service.AnalyzeHeaders{
		APIKey:    r.Header.Get("X-API-Key"),
		Signature: r.Header.Get("X-Signature"),
		TSUnix:    r.Header.Get("X-Timestamp-Unix"),
		ClientIP:  clientIPFromContext(r),
	}
}

// HandleAnalyze serves POST /analyze: the gateway's command-analysis
// endpoint, running the full security and policy pipeline per request.
func (h *analyzeHandlers) HandleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req service.AnalyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed request body", Kind: string(service.ErrBadInput)})
		return
	}

	resp, gwErr := h.gateway.Analyze(r.Context(), req, headersFromRequest(r))
	if gwErr != nil {
		writeGatewayError(w, gwErr)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleStatus serves GET /status/{agent} (and its /api/v1/status/{agent_id}
// alias): an agent's current reputation and rate-limit standing.
func (h *analyzeHandlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agent")
	if agentID == "" {
		agentID = r.PathValue("agent_id")
	}

	resp, gwErr := h.gateway.Status(r.Context(), agentID, headersFromRequest(r))
	if gwErr != nil {
		writeGatewayError(w, gwErr)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleRep serves GET /api/v1/rep/{agent_id}: an alias over the same
// reputation snapshot Status returns, for callers that only want the
// reputation numbers without the rate-limit/chain bookkeeping.
func (h *analyzeHandlers) HandleRep(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agent_id")
	resp, gwErr := h.gateway.Status(r.Context(), agentID, headersFromRequest(r))
	if gwErr != nil {
		writeGatewayError(w, gwErr)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		AgentID      string  `json:"agent_id"`
		Reputation   int     `json:"reputation"`
		OracleScore  float64 `json:"oracle_score"`
		LastDecision string  `json:"last_decision"`
	}{resp.AgentID, resp.Reputation, resp.OracleScore, resp.LastDecision})
}

// HandleAuditHead serves GET /audit/head: the hash chain's current tip.
func (h *analyzeHandlers) HandleAuditHead(w http.ResponseWriter, r *http.Request) {
	hash, seq := h.gateway.AuditHead()
	writeJSON(w, http.StatusOK, struct {
		HeadHash string `json:"head_hash"`
		HeadSeq  int64  `json:"head_seq"`
	}{hash, seq})
}

// auditVerifyLimit bounds how many of the audit store's cached recent
// records /audit/verify replays; it mirrors the store's own cache_size
// default since the cache cannot hold more than that anyway.
const auditVerifyLimit = 1000

// HandleAuditVerify serves GET /audit/verify: replays the cached tail of the
// audit chain and reports whether its hashes and signatures are intact.
func (h *analyzeHandlers) HandleAuditVerify(w http.ResponseWriter, r *http.Request) {
	result, gwErr := h.gateway.VerifyAudit(auditVerifyLimit)
	if gwErr != nil {
		writeGatewayError(w, gwErr)
		return
	}
	status := http.StatusOK
	if !result.OK {
		status = http.StatusConflict
	}
	writeJSON(w, status, result)
}

// statsHandler serves GET /stats: unauthenticated aggregate counters.
func statsHandler(stats *service.StatsService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, stats.GetStats())
	}
}
