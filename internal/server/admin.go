package server

import (
	"EscrowLedger/internal/core"
	"EscrowLedger/internal/event"
	"EscrowLedger/internal/ingestion"
	"EscrowLedger/internal/ledger"
	fpmath "EscrowLedger/internal/math"
	"EscrowLedger/internal/observability"
	"EscrowLedger/internal/payout"
	"EscrowLedger/internal/query"
	"EscrowLedger/internal/state"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const maxBodyBytes = 1 << 20

// AdminDeps holds the components behind the admin/query HTTP API.
type AdminDeps struct {
	Queries  *query.QueryService
	Locks    *state.LockManager
	Settler  *core.SettlementEngine
	Executor *payout.Executor
	Parser   *ingestion.Parser
	Amounts  fpmath.DecimalConfig
	Metrics  *observability.Metrics
	Log      zerolog.Logger
}

// AdminAPI serves the JSON admin/query API on a gRPC-Gateway ServeMux.
type AdminAPI struct {
	deps AdminDeps
	mux  *runtime.ServeMux
}

type route struct {
	method  string
	pattern string
	name    string
	handle  func(ctx context.Context, r *http.Request, params map[string]string) (int, any, error)
}

// NewAdminAPI builds the mux and registers every route.
func NewAdminAPI(deps AdminDeps) (*AdminAPI, error) {
	api := &AdminAPI{
		deps: deps,
		mux: runtime.NewServeMux(
			runtime.WithMarshalerOption(runtime.MIMEWildcard, &runtime.JSONBuiltin{}),
		),
	}

	routes := []route{
		{http.MethodGet, "/v1/balance", "balance", api.balance},
		{http.MethodGet, "/v1/stats", "stats", api.stats},
		{http.MethodGet, "/v1/locks/{lock_id}", "get_lock", api.getLock},
		{http.MethodGet, "/v1/players/{player_id}/lock", "get_player_lock", api.getPlayerLock},
		{http.MethodGet, "/v1/matches/{match_id}/payout", "get_match_payout", api.getMatchPayout},
		{http.MethodGet, "/v1/payouts/{payout_id}", "get_payout", api.getPayout},
		{http.MethodPost, "/v1/deposits", "deposit", api.deposit},
		{http.MethodPost, "/v1/matches/{match_id}/start", "start_match", api.startMatch},
		{http.MethodPost, "/v1/matches/{match_id}/settle", "settle_match", api.settleMatch},
		{http.MethodPost, "/v1/locks/{lock_id}/refund", "refund_lock", api.refundLock},
		{http.MethodPost, "/v1/payouts/{payout_id}/redrive", "redrive_payout", api.redrivePayout},
		{http.MethodPost, "/v1/payouts/{payout_id}/resolve", "resolve_payout", api.resolvePayout},
	}
	for _, rt := range routes {
		if err := api.mux.HandlePath(rt.method, rt.pattern, api.wrap(rt)); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", rt.method, rt.pattern, err)
		}
	}
	return api, nil
}

// Handler returns the gateway mux.
func (a *AdminAPI) Handler() http.Handler {
	return a.mux
}

func (a *AdminAPI) wrap(rt route) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		ctx := r.Context()
		_, outbound := runtime.MarshalerForRequest(a.mux, r)

		code, body, err := rt.handle(ctx, r, params)
		if err != nil {
			st := StatusFromError(err)
			a.deps.Metrics.Query(rt.name, st.Code().String(), time.Since(start))
			if st.Code() == codes.Internal {
				a.deps.Log.Error().Err(err).Str("route", rt.name).Msg("admin request failed")
			}
			runtime.HTTPError(ctx, a.mux, outbound, w, r, st.Err())
			return
		}

		a.deps.Metrics.Query(rt.name, codes.OK.String(), time.Since(start))
		data, err := outbound.Marshal(body)
		if err != nil {
			runtime.HTTPError(ctx, a.mux, outbound, w, r, status.Errorf(codes.Internal, "marshal response: %v", err))
			return
		}
		w.Header().Set("Content-Type", outbound.ContentType(body))
		w.WriteHeader(code)
		_, _ = w.Write(data)
	}
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && err != io.EOF {
		return ledger.ErrInvalidInput.Detailf("decode body: %v", err)
	}
	return nil
}

// --- Queries ---

func (a *AdminAPI) balance(ctx context.Context, _ *http.Request, _ map[string]string) (int, any, error) {
	b, err := a.deps.Queries.GetBalance(ctx)
	return http.StatusOK, b, err
}

func (a *AdminAPI) stats(ctx context.Context, _ *http.Request, _ map[string]string) (int, any, error) {
	s, err := a.deps.Queries.GetStats(ctx)
	return http.StatusOK, s, err
}

func (a *AdminAPI) getLock(ctx context.Context, _ *http.Request, p map[string]string) (int, any, error) {
	l, err := a.deps.Queries.GetLock(ctx, p["lock_id"])
	return http.StatusOK, l, err
}

func (a *AdminAPI) getPlayerLock(ctx context.Context, _ *http.Request, p map[string]string) (int, any, error) {
	l, err := a.deps.Queries.GetActiveLock(ctx, p["player_id"])
	return http.StatusOK, l, err
}

func (a *AdminAPI) getMatchPayout(ctx context.Context, _ *http.Request, p map[string]string) (int, any, error) {
	out, err := a.deps.Queries.GetMatchPayout(ctx, p["match_id"])
	return http.StatusOK, out, err
}

func (a *AdminAPI) getPayout(ctx context.Context, _ *http.Request, p map[string]string) (int, any, error) {
	out, err := a.deps.Queries.GetPayout(ctx, p["payout_id"])
	return http.StatusOK, out, err
}

// --- Commands ---

// deposit accepts the same body as a DepositConfirmed bus message.
func (a *AdminAPI) deposit(ctx context.Context, r *http.Request, _ map[string]string) (int, any, error) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return 0, nil, ledger.ErrInvalidInput.Detailf("read body: %v", err)
	}
	evt, err := a.deps.Parser.Parse(ingestion.RawEvent{Subject: r.URL.Path, Data: data}, event.EventTypeDepositConfirmed.String())
	if err != nil {
		return 0, nil, err
	}
	d := evt.(*event.DepositConfirmed)

	l, err := a.deps.Locks.CreateLock(ctx, state.CreateLockRequest{
		PlayerID:      d.PlayerID,
		Amount:        d.Amount,
		DepositRef:    d.DepositRef,
		PayoutAddress: d.PayoutAddress,
	})
	if err != nil {
		return 0, nil, err
	}
	return http.StatusCreated, query.NewLockResponse(l, a.deps.Amounts), nil
}

type startMatchRequest struct {
	LockIDs   []string `json:"lock_ids"`
	PlayerIDs []string `json:"player_ids"`
}

func (a *AdminAPI) startMatch(ctx context.Context, r *http.Request, p map[string]string) (int, any, error) {
	var req startMatchRequest
	if err := decodeBody(r, &req); err != nil {
		return 0, nil, err
	}
	if (len(req.LockIDs) == 0) == (len(req.PlayerIDs) == 0) {
		return 0, nil, ledger.ErrInvalidInput.Detailf("exactly one of lock_ids or player_ids is required")
	}

	var (
		locks []*ledger.Lock
		err   error
	)
	if len(req.LockIDs) > 0 {
		locks, err = a.deps.Locks.ActivateMatch(ctx, p["match_id"], req.LockIDs)
	} else {
		locks, err = a.deps.Locks.ActivatePlayers(ctx, p["match_id"], req.PlayerIDs)
	}
	if err != nil {
		return 0, nil, err
	}

	out := make([]*query.LockResponse, 0, len(locks))
	for _, l := range locks {
		out = append(out, query.NewLockResponse(l, a.deps.Amounts))
	}
	return http.StatusOK, map[string]any{"match_id": p["match_id"], "locks": out}, nil
}

type settleRequest struct {
	WinnerID string `json:"winner_id"`
}

type settleResponse struct {
	MatchID        string                `json:"match_id"`
	WinnerID       string                `json:"winner_id"`
	Pot            int64                 `json:"pot"`
	AlreadySettled bool                  `json:"already_settled"`
	Payout         *query.PayoutResponse `json:"payout"`
}

func (a *AdminAPI) settleMatch(ctx context.Context, r *http.Request, p map[string]string) (int, any, error) {
	var req settleRequest
	if err := decodeBody(r, &req); err != nil {
		return 0, nil, err
	}
	res, err := a.deps.Settler.Settle(ctx, p["match_id"], req.WinnerID)
	if err != nil {
		return 0, nil, err
	}
	code := http.StatusCreated
	if res.AlreadySettled {
		code = http.StatusOK
	}
	return code, settleResponse{
		MatchID:        res.MatchID,
		WinnerID:       res.WinnerID,
		Pot:            res.Pot,
		AlreadySettled: res.AlreadySettled,
		Payout:         query.NewPayoutResponse(res.Payout, a.deps.Amounts),
	}, nil
}

type refundRequest struct {
	Reason string `json:"reason"`
}

func (a *AdminAPI) refundLock(ctx context.Context, r *http.Request, p map[string]string) (int, any, error) {
	var req refundRequest
	if err := decodeBody(r, &req); err != nil {
		return 0, nil, err
	}
	if req.Reason == "" {
		req.Reason = ledger.ReasonOperator
	}
	l, err := a.deps.Locks.Refund(ctx, p["lock_id"], req.Reason)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, query.NewLockResponse(l, a.deps.Amounts), nil
}

func (a *AdminAPI) redrivePayout(ctx context.Context, _ *http.Request, p map[string]string) (int, any, error) {
	rec, err := a.deps.Executor.Redrive(ctx, p["payout_id"])
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, query.NewPayoutResponse(rec, a.deps.Amounts), nil
}

type resolveRequest struct {
	TransferRef string `json:"transfer_ref"`
}

func (a *AdminAPI) resolvePayout(ctx context.Context, r *http.Request, p map[string]string) (int, any, error) {
	var req resolveRequest
	if err := decodeBody(r, &req); err != nil {
		return 0, nil, err
	}
	rec, err := a.deps.Executor.ResolveManually(ctx, p["payout_id"], req.TransferRef)
	if err != nil {
		return 0, nil, err
	}
	a.deps.Log.Warn().Str("payout_id", rec.ID).Str("transfer_ref", rec.TransferRef).Msg("payout resolved by operator")
	return http.StatusOK, query.NewPayoutResponse(rec, a.deps.Amounts), nil
}
