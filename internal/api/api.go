package api

import (
	"encoding/json"
	"math/big"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"kasracing/internal/market"
	"kasracing/internal/match"
	"kasracing/internal/model"
	"kasracing/internal/realtime"
	"kasracing/internal/reward"
)

// API exposes the settlement core over HTTP. Every mutating response is a
// structured accepted/rejected envelope with a machine-readable reason code;
// GET endpoints serve the authoritative state the sync client polls.
type API struct {
	Matches *match.Service
	Rewards *reward.Service
	Markets *market.Service
	Hub     *realtime.Hub
	Logger  *zap.Logger
}

func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Post("/matches", a.createMatch)
	r.Post("/matches/{id}/join", a.joinMatch)
	r.Post("/matches/{id}/deposits", a.registerDeposit)
	r.Post("/matches/{id}/submit-score", a.submitScore)
	r.Get("/matches/{id}", a.getMatch)
	r.Post("/session/event", a.sessionEvent)
	r.Post("/markets/{id}/bet", a.placeBet)
	r.Post("/markets/{id}/cancel", a.cancelBet)
	r.Get("/markets/{id}", a.getMarket)
	r.Get("/ws", a.Hub.HandleWS)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// rejection maps a service error to the structured rejected envelope. A
// reject reason becomes a 4xx with the code; anything else is a 500.
func (a *API) rejection(w http.ResponseWriter, err error) {
	if reason := model.ReasonOf(err); reason != "" {
		status := http.StatusUnprocessableEntity
		switch reason {
		case model.ReasonMatchNotFound, model.ReasonMarketNotFound, model.ReasonOrderNotFound:
			status = http.StatusNotFound
		case model.ReasonIdempotencyConflict, model.ReasonScoreAlreadySet:
			status = http.StatusConflict
		}
		writeJSON(w, status, map[string]any{"accepted": false, "rejectReason": reason})
		return
	}
	a.Logger.Error("request failed", zap.Error(err))
	writeJSON(w, http.StatusInternalServerError, map[string]any{"accepted": false, "rejectReason": "INTERNAL"})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"accepted": false, "rejectReason": "BAD_REQUEST"})
		return false
	}
	return true
}

// parseWei parses a decimal wei string; nil on malformed input so the
// services reject it with their own reason code.
func parseWei(s string) *big.Int {
	if s == "" {
		return nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil
	}
	return v
}

func (a *API) createMatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PlayerAddress string `json:"playerAddress"`
		BetAmountWei  string `json:"betAmountWei"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	m, err := a.Matches.Create(r.Context(), req.PlayerAddress, parseWei(req.BetAmountWei))
	if err != nil {
		a.rejection(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"accepted": true, "match": m})
}

func (a *API) joinMatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PlayerAddress string `json:"playerAddress"`
		JoinCode      string `json:"joinCode"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	m, err := a.Matches.Join(r.Context(), req.JoinCode, req.PlayerAddress)
	if err != nil {
		a.rejection(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"accepted": true, "match": m})
}

func (a *API) registerDeposit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PlayerAddress  string  `json:"playerAddress"`
		AmountWei      string  `json:"amountWei"`
		TxHash         string  `json:"txHash"`
		OnchainMatchID *uint64 `json:"onchainMatchId,omitempty"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	dep, err := a.Matches.RegisterDeposit(r.Context(), chi.URLParam(r, "id"), req.PlayerAddress, parseWei(req.AmountWei), req.TxHash, req.OnchainMatchID)
	if err != nil {
		a.rejection(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"accepted": true, "deposit": dep})
}

func (a *API) submitScore(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PlayerAddress string `json:"playerAddress"`
		Score         int64  `json:"score"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	m, err := a.Matches.SubmitScore(r.Context(), chi.URLParam(r, "id"), req.PlayerAddress, req.Score)
	if err != nil {
		a.rejection(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"accepted": true, "match": m})
}

func (a *API) getMatch(w http.ResponseWriter, r *http.Request) {
	m, err := a.Matches.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.rejection(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (a *API) sessionEvent(w http.ResponseWriter, r *http.Request) {
	var req model.SessionEvent
	if !decodeBody(w, r, &req) {
		return
	}
	row, err := a.Rewards.HandleSessionEvent(r.Context(), req)
	if err != nil {
		a.rejection(w, err)
		return
	}
	resp := map[string]any{"accepted": true}
	if row != nil {
		resp["rewardAmountWei"] = row.AmountWei.String()
		resp["status"] = row.Status
		if row.TxHash != "" {
			resp["txHash"] = row.TxHash
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) placeBet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID         string `json:"userId"`
		Side           string `json:"side"`
		StakeWei       string `json:"stakeWei"`
		IdempotencyKey string `json:"idempotencyKey"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	order, err := a.Markets.PlaceBet(r.Context(), chi.URLParam(r, "id"), req.UserID, model.Side(req.Side), parseWei(req.StakeWei), req.IdempotencyKey)
	if err != nil {
		a.rejection(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"accepted":           true,
		"orderId":            order.ID,
		"side":               order.Side,
		"stakeWei":           order.StakeWei.String(),
		"oddsAtPlacementBps": order.OddsBps,
		"status":             order.Status,
	})
}

func (a *API) cancelBet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OrderID string `json:"orderId"`
		UserID  string `json:"userId"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	order, err := a.Markets.CancelBet(r.Context(), req.OrderID, req.UserID)
	if err != nil {
		a.rejection(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"accepted": true, "orderId": order.ID, "cancelled": true})
}

func (a *API) getMarket(w http.ResponseWriter, r *http.Request) {
	mk, ticks, err := a.Markets.Snapshot(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.rejection(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"market": mk, "ticks": ticks})
}
