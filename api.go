package main

import (
	"bufio"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"matchengine/internal/asset"
	"matchengine/internal/balance"
	"matchengine/internal/engine"
	"matchengine/internal/market"
	"matchengine/internal/metrics"
	"matchengine/pkg/logger"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 100
	defaultDepth     = 20
	maxDepth         = 200
)

// apiServer HTTP 命令接口
type apiServer struct {
	engine  *engine.Engine
	metrics *metrics.Metrics
	hub     *DepthHub
	// listing 为 nil 时管理接口只修改内存
	listing listingStore
}

func newRouter(s *apiServer) *mux.Router {
	router := mux.NewRouter()
	router.Use(requestLog)

	router.HandleFunc("/orders/{type:limit|market|fok|aon}", s.putOrder).Methods("POST")
	router.HandleFunc("/orders/{market}/{id:[0-9]+}", s.cancelOrder).Methods("DELETE")
	router.HandleFunc("/orders/{market}/{id:[0-9]+}", s.getOrder).Methods("GET")
	router.HandleFunc("/users/{user:[0-9]+}/orders", s.userOrders).Methods("GET")
	router.HandleFunc("/users/{user:[0-9]+}/balances", s.balances).Methods("GET")
	router.HandleFunc("/balances", s.updateBalance).Methods("POST")
	router.HandleFunc("/markets", s.markets).Methods("GET")
	router.HandleFunc("/markets", s.createMarket).Methods("POST")
	router.HandleFunc("/markets/{market}/status", s.marketStatus).Methods("GET")
	router.HandleFunc("/markets/{market}/depth", s.depth).Methods("GET")
	router.HandleFunc("/markets/{market}/book", s.book).Methods("GET")
	router.HandleFunc("/markets/{market}/detail", s.marketDetail).Methods("GET")
	router.HandleFunc("/assets", s.assets).Methods("GET")
	router.HandleFunc("/assets", s.createAsset).Methods("POST")
	router.HandleFunc("/assets/{asset}/status", s.assetStatus).Methods("GET")
	router.HandleFunc("/stats", s.stats).Methods("GET")
	if s.metrics != nil {
		router.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	}
	if s.hub != nil {
		router.Handle("/ws/depth", s.hub)
	}
	return router
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack WebSocket 升级需要
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijack not supported")
	}
	return h.Hijack()
}

// requestLog 分配请求 ID 并记录耗时
func requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", id)
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		logger.WithFields(logrus.Fields{
			"request_id": id,
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     sw.status,
			"cost":       time.Since(start).String(),
		}).Debug("HTTP 请求")
	})
}

// apiError 错误响应
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

var errorTable = []struct {
	err    error
	status int
	code   string
}{
	{engine.ErrBusy, http.StatusServiceUnavailable, "service_busy"},
	{engine.ErrStopped, http.StatusServiceUnavailable, "service_stopped"},
	{engine.ErrMarketNotFound, http.StatusNotFound, "market_not_found"},
	{engine.ErrOrderNotFound, http.StatusNotFound, "order_not_found"},
	{asset.ErrNotFound, http.StatusNotFound, "asset_not_found"},
	{engine.ErrUserMismatch, http.StatusForbidden, "user_not_match"},
	{engine.ErrDuplicate, http.StatusConflict, "repeat_update"},
	{engine.ErrMarketExists, http.StatusConflict, "market_exists"},
	{asset.ErrDuplicate, http.StatusConflict, "asset_exists"},
	{balance.ErrInsufficient, http.StatusBadRequest, "balance_not_enough"},
	{market.ErrNoLiquidity, http.StatusBadRequest, "no_enough_trader"},
	{market.ErrAmountTooSmall, http.StatusBadRequest, "amount_too_small"},
	{market.ErrPriceTooSmall, http.StatusBadRequest, "price_too_small"},
	{market.ErrTotalTooSmall, http.StatusBadRequest, "total_too_small"},
	{engine.ErrMarketDelisted, http.StatusBadRequest, "market_delisted"},
	{engine.ErrPriceLimit, http.StatusBadRequest, "price_out_of_limit"},
	{market.ErrInvalidArgument, http.StatusBadRequest, "invalid_argument"},
	{market.ErrInvalidSide, http.StatusBadRequest, "invalid_argument"},
	{market.ErrInvalidConfig, http.StatusBadRequest, "invalid_argument"},
	{asset.ErrInvalid, http.StatusBadRequest, "invalid_argument"},
	{balance.ErrNegativeAmount, http.StatusBadRequest, "invalid_argument"},
}

func errorStatus(err error) (int, string) {
	for _, e := range errorTable {
		if errors.Is(err, e.err) {
			return e.status, e.code
		}
	}
	return http.StatusInternalServerError, "internal_error"
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warnf("写入响应失败: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status, code := errorStatus(err)
	if status == http.StatusInternalServerError {
		logger.Errorf("请求处理失败: %v", err)
	}
	writeJSON(w, status, map[string]apiError{"error": {Code: code, Message: err.Error()}})
}

func badRequest(w http.ResponseWriter, format string, args ...interface{}) {
	writeError(w, errors.Wrapf(market.ErrInvalidArgument, format, args...))
}

func decodeBody(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.Wrapf(market.ErrInvalidArgument, "无效的请求格式: %v", err)
	}
	return nil
}

func parseUser(s string) (uint32, error) {
	user, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, errors.Wrapf(market.ErrInvalidArgument, "user_id %q", s)
	}
	return uint32(user), nil
}

// page 解析 offset/limit，limit 非法时取默认值
func page(r *http.Request, def, max int) (int, int) {
	q := r.URL.Query()
	offset, _ := strconv.Atoi(q.Get("offset"))
	if offset < 0 {
		offset = 0
	}
	limit, err := strconv.Atoi(q.Get("limit"))
	if err != nil || limit <= 0 {
		limit = def
	}
	if limit > max {
		limit = max
	}
	return offset, limit
}

var orderTypes = map[string]market.Type{
	"limit":  market.TypeLimit,
	"market": market.TypeMarket,
	"fok":    market.TypeFOK,
	"aon":    market.TypeAON,
}

// orderRequest 下单请求
type orderRequest struct {
	Market string `json:"market"`
	market.Request
}

// putOrder 处理 POST /orders/{type}，simulate=1 时只试算
func (s *apiServer) putOrder(w http.ResponseWriter, r *http.Request) {
	typ := orderTypes[mux.Vars(r)["type"]]
	var req orderRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Market == "" {
		badRequest(w, "market is required")
		return
	}
	simulate := r.URL.Query().Get("simulate")
	var (
		res market.Result
		err error
	)
	if simulate == "1" || simulate == "true" {
		res, err = s.engine.Simulate(r.Context(), req.Market, typ, req.Request)
	} else {
		res, err = s.engine.Put(r.Context(), req.Market, typ, req.Request)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	if res.Deals == nil {
		res.Deals = []market.Deal{}
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *apiServer) cancelOrder(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, _ := strconv.ParseUint(vars["id"], 10, 64)
	user, err := parseUser(r.URL.Query().Get("user_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	info, err := s.engine.Cancel(r.Context(), vars["market"], user, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *apiServer) getOrder(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, _ := strconv.ParseUint(vars["id"], 10, 64)
	info, err := s.engine.GetOrder(r.Context(), vars["market"], id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *apiServer) userOrders(w http.ResponseWriter, r *http.Request) {
	user, err := parseUser(mux.Vars(r)["user"])
	if err != nil {
		writeError(w, err)
		return
	}
	name := r.URL.Query().Get("market")
	if name == "" {
		badRequest(w, "market is required")
		return
	}
	offset, limit := page(r, defaultPageLimit, maxPageLimit)
	result, err := s.engine.UserOrders(r.Context(), user, name, offset, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *apiServer) balances(w http.ResponseWriter, r *http.Request) {
	user, err := parseUser(mux.Vars(r)["user"])
	if err != nil {
		writeError(w, err)
		return
	}
	var symbols []string
	if q := r.URL.Query().Get("assets"); q != "" {
		symbols = strings.Split(q, ",")
	}
	list, err := s.engine.Balance(r.Context(), user, symbols...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *apiServer) updateBalance(w http.ResponseWriter, r *http.Request) {
	var u engine.BalanceUpdate
	if err := decodeBody(r, &u); err != nil {
		writeError(w, err)
		return
	}
	avail, err := s.engine.UpdateBalance(r.Context(), u)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{"available": avail})
}

func (s *apiServer) markets(w http.ResponseWriter, r *http.Request) {
	list, err := s.engine.Markets(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// createMarket 上线交易对，未指定 include_fee 时默认计入手续费
func (s *apiServer) createMarket(w http.ResponseWriter, r *http.Request) {
	conf := market.Config{IncludeFee: true}
	if err := decodeBody(r, &conf); err != nil {
		writeError(w, err)
		return
	}
	summary, err := s.engine.RegisterMarket(r.Context(), conf)
	if err != nil {
		writeError(w, err)
		return
	}
	if s.listing != nil {
		if err := s.listing.SaveMarket(r.Context(), summary.Config); err != nil {
			logger.Errorf("保存交易对 %s 失败: %v", summary.Name, err)
		}
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *apiServer) marketStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.MarketStatus(r.Context(), mux.Vars(r)["market"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *apiServer) depth(w http.ResponseWriter, r *http.Request) {
	_, limit := page(r, defaultDepth, maxDepth)
	interval := decimal.Zero
	if q := r.URL.Query().Get("interval"); q != "" {
		var err error
		if interval, err = decimal.NewFromString(q); err != nil || interval.IsNegative() {
			badRequest(w, "interval %q", q)
			return
		}
	}
	depth, err := s.engine.Depth(r.Context(), mux.Vars(r)["market"], limit, interval)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, depth)
}

func parseSide(s string) market.Side {
	switch s {
	case "ask", "1":
		return market.Ask
	case "bid", "2":
		return market.Bid
	}
	return 0
}

func (s *apiServer) book(w http.ResponseWriter, r *http.Request) {
	side := parseSide(r.URL.Query().Get("side"))
	offset, limit := page(r, defaultPageLimit, maxPageLimit)
	result, err := s.engine.Book(r.Context(), mux.Vars(r)["market"], side, offset, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *apiServer) marketDetail(w http.ResponseWriter, r *http.Request) {
	list, err := s.engine.MarketDetail(r.Context(), mux.Vars(r)["market"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *apiServer) assets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Assets().List())
}

func (s *apiServer) createAsset(w http.ResponseWriter, r *http.Request) {
	var a asset.Asset
	if err := decodeBody(r, &a); err != nil {
		writeError(w, err)
		return
	}
	out, err := s.engine.RegisterAsset(r.Context(), a)
	if err != nil {
		writeError(w, err)
		return
	}
	if s.listing != nil {
		if err := s.listing.SaveAsset(r.Context(), out); err != nil {
			logger.Errorf("保存资产 %s 失败: %v", out.Symbol, err)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *apiServer) assetStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.AssetStatus(r.Context(), mux.Vars(r)["asset"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *apiServer) stats(w http.ResponseWriter, r *http.Request) {
	seq, err := s.engine.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"order_last_id": seq.OrderID, "deals_last_id": seq.DealID})
}
