package api

import (
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/luxfi/lend/pkg/lend"
	"github.com/luxfi/log"
	"github.com/shopspring/decimal"
)

// JSONRPCServer handles JSON-RPC 2.0 requests against the lending engine
type JSONRPCServer struct {
	engine *lend.Engine
	logger log.Logger
}

// NewJSONRPCServer creates a new JSON-RPC server
func NewJSONRPCServer(engine *lend.Engine, logger log.Logger) *JSONRPCServer {
	return &JSONRPCServer{
		engine: engine,
		logger: logger,
	}
}

// JSONRPCRequest represents a JSON-RPC 2.0 request
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      interface{}     `json:"id"`
}

// JSONRPCResponse represents a JSON-RPC 2.0 response
type JSONRPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// RPCError represents a JSON-RPC error
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Error implements error interface
func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC Error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// ServeHTTP implements http.Handler
func (s *JSONRPCServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, nil, ParseError, "Parse error")
		return
	}

	if req.JSONRPC != "2.0" {
		s.sendError(w, req.ID, InvalidRequest, "Invalid Request")
		return
	}

	result, err := s.handleMethod(req.Method, req.Params)
	if err != nil {
		rpcErr, ok := err.(*RPCError)
		if !ok {
			rpcErr = &RPCError{Code: InternalError, Message: err.Error()}
		}
		s.sendError(w, req.ID, rpcErr.Code, rpcErr.Message)
		return
	}

	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		Result:  result,
		ID:      req.ID,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *JSONRPCServer) handleMethod(method string, params json.RawMessage) (interface{}, error) {
	switch method {
	// Admin methods
	case "lend_initTokenMarket":
		return s.initTokenMarket(params)
	case "lend_initInterest":
		return s.initInterest(params)
	case "lend_updateMarketParams":
		return s.updateMarketParams(params)
	case "lend_setPrice":
		return s.setPrice(params)

	// Balance methods
	case "lend_deposit":
		return s.deposit(params)
	case "lend_withdraw":
		return s.withdraw(params)
	case "lend_borrow":
		return s.borrow(params)
	case "lend_repay":
		return s.repay(params)

	// Trading methods
	case "lend_submitOrder":
		return s.submitOrder(params)
	case "lend_liquidate":
		return s.liquidate(params)

	// Interest methods
	case "lend_chargeMassInterest":
		return s.chargeMassInterest(params)
	case "lend_getRate":
		return s.getRate(params)
	case "lend_getRateInfo":
		return s.getRateInfo(params)

	// Query methods
	case "lend_getMarket":
		return s.getMarket(params)
	case "lend_getUserData":
		return s.getUserData(params)
	case "lend_getInterestCharge":
		return s.getInterestCharge(params)
	case "lend_getMarginRatio":
		return s.getMarginRatio(params)
	case "lend_getPairMarginRatio":
		return s.getPairMarginRatio(params)
	case "lend_getPrice":
		return s.getPrice(params)

	// Info methods
	case "lend_getInfo":
		return s.getInfo(params)
	case "lend_ping":
		return "pong", nil

	default:
		return nil, &RPCError{Code: MethodNotFound, Message: "Method not found"}
	}
}

// parseWad converts a decimal amount string into wad units.
func parseWad(s string) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, err
	}
	return d.Shift(18).BigInt(), nil
}

// formatWad renders wad units as a decimal amount string.
func formatWad(v *big.Int) string {
	return decimal.NewFromBigInt(v, -18).String()
}

type marketParams struct {
	Caller           string `json:"caller"`
	Asset            string `json:"asset"`
	Price            string `json:"price"`
	CollateralValue  string `json:"collateralValue"`
	MakerFee         string `json:"makerFee"`
	TakerFee         string `json:"takerFee"`
	InitialMarginFee string `json:"initialMarginFee"`
	LiquidationFee   string `json:"liquidationFee"`
	IMR              string `json:"initialMarginRequirement"`
	MMR              string `json:"maintenanceMarginRequirement"`
	Optimal          string `json:"optimalBorrowProportion"`
	Maximum          string `json:"maximumBorrowProportion"`
}

func (s *JSONRPCServer) initTokenMarket(params json.RawMessage) (interface{}, error) {
	var p marketParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	fields := []string{p.Price, p.CollateralValue, p.MakerFee, p.TakerFee,
		p.InitialMarginFee, p.LiquidationFee, p.IMR, p.MMR, p.Optimal, p.Maximum}
	wads := make([]*big.Int, len(fields))
	for i, field := range fields {
		v, err := parseWad(field)
		if err != nil {
			return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
		}
		wads[i] = v
	}

	err := s.engine.Ledger.InitTokenMarket(p.Caller, p.Asset, wads[0], wads[1],
		[2]*big.Int{wads[2], wads[3]}, wads[4], wads[5], wads[6], wads[7], wads[8], wads[9])
	if err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}
	s.logger.Info("market initialized", "asset", p.Asset)

	return map[string]interface{}{
		"asset":  p.Asset,
		"status": "initialized",
	}, nil
}

func (s *JSONRPCServer) initInterest(params json.RawMessage) (interface{}, error) {
	var p struct {
		Asset       string `json:"asset"`
		AssetType   uint8  `json:"assetType"`
		Base        string `json:"base"`
		Kink        string `json:"kink"`
		Max         string `json:"max"`
		Optimal     string `json:"optimalBorrowProportion"`
		Ceiling     string `json:"maximumBorrowProportion"`
		InitialRate string `json:"initialRate"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	fields := []string{p.Base, p.Kink, p.Max, p.Optimal, p.Ceiling, p.InitialRate}
	wads := make([]*big.Int, len(fields))
	for i, field := range fields {
		v, err := parseWad(field)
		if err != nil {
			return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
		}
		wads[i] = v
	}

	curve := lend.RateCurve{Base: wads[0], Kink: wads[1], Max: wads[2], Optimal: wads[3], Ceiling: wads[4]}
	if err := s.engine.Interest.InitInterest(p.Asset, p.AssetType, curve, wads[5]); err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}
	s.logger.Info("interest initialized", "asset", p.Asset)

	return map[string]interface{}{
		"asset":  p.Asset,
		"status": "initialized",
	}, nil
}

func (s *JSONRPCServer) updateMarketParams(params json.RawMessage) (interface{}, error) {
	var p struct {
		Caller          string `json:"caller"`
		Asset           string `json:"asset"`
		CollateralValue string `json:"collateralValue,omitempty"`
		IMR             string `json:"initialMarginRequirement,omitempty"`
		MMR             string `json:"maintenanceMarginRequirement,omitempty"`
		LiquidationFee  string `json:"liquidationFee,omitempty"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	// Absent fields stay nil and keep their current values.
	parseOptional := func(raw string) (*big.Int, error) {
		if raw == "" {
			return nil, nil
		}
		return parseWad(raw)
	}
	cv, err := parseOptional(p.CollateralValue)
	if err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	imr, err := parseOptional(p.IMR)
	if err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	mmr, err := parseOptional(p.MMR)
	if err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	fee, err := parseOptional(p.LiquidationFee)
	if err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	if err := s.engine.Ledger.UpdateMarketParams(p.Caller, p.Asset, cv, imr, mmr, fee); err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}
	return map[string]interface{}{
		"asset":  p.Asset,
		"status": "updated",
	}, nil
}

func (s *JSONRPCServer) setPrice(params json.RawMessage) (interface{}, error) {
	var p struct {
		Asset string `json:"asset"`
		Price string `json:"price"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	price, err := parseWad(p.Price)
	if err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	if err := s.engine.Oracle.SetPrice(p.Asset, price); err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}
	return map[string]interface{}{
		"asset": p.Asset,
		"price": p.Price,
	}, nil
}

type balanceParams struct {
	User   string `json:"user"`
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

func (s *JSONRPCServer) balanceOp(params json.RawMessage, op func(user, asset string, amount *big.Int) error, status string) (interface{}, error) {
	var p balanceParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	amount, err := parseWad(p.Amount)
	if err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	if err := op(p.User, p.Asset, amount); err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}
	return map[string]interface{}{
		"user":   p.User,
		"asset":  p.Asset,
		"amount": p.Amount,
		"status": status,
	}, nil
}

func (s *JSONRPCServer) deposit(params json.RawMessage) (interface{}, error) {
	return s.balanceOp(params, s.engine.Ledger.Deposit, "deposited")
}

func (s *JSONRPCServer) withdraw(params json.RawMessage) (interface{}, error) {
	return s.balanceOp(params, s.engine.Ledger.Withdraw, "withdrawn")
}

func (s *JSONRPCServer) borrow(params json.RawMessage) (interface{}, error) {
	return s.balanceOp(params, s.engine.Ledger.Borrow, "borrowed")
}

func (s *JSONRPCServer) repay(params json.RawMessage) (interface{}, error) {
	return s.balanceOp(params, s.engine.Ledger.Repay, "repaid")
}

func (s *JSONRPCServer) submitOrder(params json.RawMessage) (interface{}, error) {
	var p struct {
		Pair         [2]string   `json:"pair"`
		Participants [2][]string `json:"participants"`
		Amounts      [2][]string `json:"amounts"`
		Sides        [2][]bool   `json:"sides"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	var amounts [2][]*big.Int
	for side := 0; side < 2; side++ {
		amounts[side] = make([]*big.Int, len(p.Amounts[side]))
		for i, a := range p.Amounts[side] {
			v, err := parseWad(a)
			if err != nil {
				return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
			}
			amounts[side][i] = v
		}
	}

	result, err := s.engine.SubmitOrder(p.Pair, p.Participants, amounts, p.Sides)
	if err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}
	s.logger.Info("trade settled", "pair", fmt.Sprintf("%s/%s", p.Pair[0], p.Pair[1]), "legs", result.Legs)

	fees := make(map[string]string, len(result.FeesTaken))
	for asset, fee := range result.FeesTaken {
		fees[asset] = formatWad(fee)
	}
	return map[string]interface{}{
		"pair":      result.Pair,
		"legs":      result.Legs,
		"fees":      fees,
		"timestamp": result.Timestamp.Unix(),
		"status":    "settled",
	}, nil
}

func (s *JSONRPCServer) liquidate(params json.RawMessage) (interface{}, error) {
	var p struct {
		Caller          string `json:"caller"`
		User            string `json:"user"`
		DebtAsset       string `json:"debtAsset"`
		CollateralAsset string `json:"collateralAsset"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	result, err := s.engine.Liquidate(p.Caller, p.User, p.DebtAsset, p.CollateralAsset)
	if err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}
	s.logger.Info("position liquidated", "user", p.User, "debtAsset", p.DebtAsset)

	return map[string]interface{}{
		"user":            result.User,
		"liquidator":      result.Liquidator,
		"debtAsset":       result.DebtAsset,
		"collateralAsset": result.CollateralAsset,
		"seizedUnits":     formatWad(result.SeizedUnits),
		"repaidUnits":     formatWad(result.RepaidUnits),
		"feeUnits":        formatWad(result.FeeUnits),
		"timestamp":       result.Timestamp.Unix(),
	}, nil
}

func (s *JSONRPCServer) chargeMassInterest(params json.RawMessage) (interface{}, error) {
	var p struct {
		Asset string `json:"asset"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	if err := s.engine.Interest.ChargeMassInterest(p.Asset); err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}
	idx, err := s.engine.Interest.FetchCurrentRateIndex(p.Asset)
	if err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}
	return map[string]interface{}{
		"asset":     p.Asset,
		"rateIndex": idx,
	}, nil
}

func (s *JSONRPCServer) getRate(params json.RawMessage) (interface{}, error) {
	var p struct {
		Asset string `json:"asset"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	rate, err := s.engine.Interest.FetchCurrentRate(p.Asset)
	if err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}
	idx, err := s.engine.Interest.FetchCurrentRateIndex(p.Asset)
	if err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}
	return map[string]interface{}{
		"asset":     p.Asset,
		"rate":      formatWad(rate),
		"rateIndex": idx,
	}, nil
}

func (s *JSONRPCServer) getRateInfo(params json.RawMessage) (interface{}, error) {
	var p struct {
		Asset string `json:"asset"`
		Index uint64 `json:"index"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	rec, err := s.engine.Interest.FetchRateInfo(p.Asset, p.Index)
	if err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}
	return map[string]interface{}{
		"index":            rec.Index,
		"timestamp":        rec.Timestamp,
		"rate":             formatWad(rec.Rate),
		"cumulativeIndex":  formatWad(rec.CumulativeIndex),
		"totalLiabilities": formatWad(rec.TotalLiabilities),
	}, nil
}

func (s *JSONRPCServer) getMarket(params json.RawMessage) (interface{}, error) {
	var p struct {
		Asset string `json:"asset"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	m, err := s.engine.Ledger.ReturnAssetLogs(p.Asset)
	if err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}
	return map[string]interface{}{
		"asset":                        m.Asset,
		"collateralValue":              formatWad(m.CollateralValue),
		"makerFee":                     formatWad(m.TradeFees[0]),
		"takerFee":                     formatWad(m.TradeFees[1]),
		"initialMarginFee":             formatWad(m.InitialMarginFee),
		"liquidationFee":               formatWad(m.LiquidationFee),
		"initialMarginRequirement":     formatWad(m.InitialMarginRequirement),
		"maintenanceMarginRequirement": formatWad(m.MaintenanceMarginRequirement),
		"optimalBorrowProportion":      formatWad(m.OptimalBorrowProportion),
		"maximumBorrowProportion":      formatWad(m.MaximumBorrowProportion),
		"totalSupplied":                formatWad(m.TotalSupplied),
		"totalBorrowed":                formatWad(m.TotalBorrowed),
		"feePool":                      formatWad(m.FeePool),
	}, nil
}

func (s *JSONRPCServer) getUserData(params json.RawMessage) (interface{}, error) {
	var p struct {
		User  string `json:"user"`
		Asset string `json:"asset"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	collateral, principal, err := s.engine.Ledger.ReadUserData(p.User, p.Asset)
	if err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}
	return map[string]interface{}{
		"user":               p.User,
		"asset":              p.Asset,
		"collateral":         formatWad(collateral),
		"liabilityPrincipal": formatWad(principal),
	}, nil
}

func (s *JSONRPCServer) getInterestCharge(params json.RawMessage) (interface{}, error) {
	var p struct {
		User  string `json:"user"`
		Asset string `json:"asset"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	charge, err := s.engine.Ledger.ReturnInterestCharge(p.User, p.Asset)
	if err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}
	return map[string]interface{}{
		"user":           p.User,
		"asset":          p.Asset,
		"interestCharge": formatWad(charge),
	}, nil
}

func (s *JSONRPCServer) getMarginRatio(params json.RawMessage) (interface{}, error) {
	var p struct {
		User string `json:"user"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	ratio, err := s.engine.Margin.CalculateAMMRForUser(p.User)
	if err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}
	return map[string]interface{}{
		"user":        p.User,
		"marginRatio": formatWad(ratio),
		"noLiability": ratio.Cmp(lend.MaxMarginRatio()) == 0,
	}, nil
}

func (s *JSONRPCServer) getPairMarginRatio(params json.RawMessage) (interface{}, error) {
	var p struct {
		User   string `json:"user"`
		AssetA string `json:"assetA"`
		AssetB string `json:"assetB"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	ratio, err := s.engine.Margin.ReturnPairMMROfUser(p.User, p.AssetA, p.AssetB)
	if err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}
	return map[string]interface{}{
		"user":        p.User,
		"marginRatio": formatWad(ratio),
		"noLiability": ratio.Cmp(lend.MaxMarginRatio()) == 0,
	}, nil
}

func (s *JSONRPCServer) getPrice(params json.RawMessage) (interface{}, error) {
	var p struct {
		Asset string `json:"asset"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	point, err := s.engine.Oracle.GetPricePoint(p.Asset)
	if err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}
	return map[string]interface{}{
		"asset":     point.Asset,
		"price":     formatWad(point.Price),
		"timestamp": point.Timestamp.Unix(),
		"source":    point.Source,
	}, nil
}

func (s *JSONRPCServer) getInfo(params json.RawMessage) (interface{}, error) {
	return map[string]interface{}{
		"version":   "1.0.0",
		"network":   "lend-mainnet",
		"markets":   s.engine.Ledger.Markets(),
		"timestamp": time.Now().Unix(),
	}, nil
}

func (s *JSONRPCServer) sendError(w http.ResponseWriter, id interface{}, code int, message string) {
	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		Error: &RPCError{
			Code:    code,
			Message: message,
		},
		ID: id,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
