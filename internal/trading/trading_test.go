package trading

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-oms/internal/execution"
	"github.com/ksred/klear-oms/internal/types"
	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const sym = "NIFTY24DECFUT"

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type testServer struct {
	service *Service
	engine  *execution.Paper
	router  *gin.Engine
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "trading.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := db.AutoMigrate(&IdempotencyRecord{}); err != nil {
		t.Fatal(err)
	}

	engine := execution.NewPaper(execution.Config{}, execution.Deps{})
	svc := NewService(engine, db)
	h := NewGinHandlers(svc)

	router := gin.New()
	router.POST("/orders", h.CreateOrderHandler())
	router.GET("/orders", h.ListOrdersHandler())
	router.GET("/orders/:order_id", h.GetOrderHandler())
	router.DELETE("/orders/:order_id", h.CancelOrderHandler())
	router.GET("/positions", h.PositionsHandler())
	router.GET("/positions/closed", h.ClosedPositionsHandler())
	router.GET("/metrics", h.MetricsHandler())
	router.POST("/market/ticks", h.MarketTickHandler())
	router.POST("/market/candles", h.CandleCloseHandler())

	return &testServer{service: svc, engine: engine, router: router}
}

func (s *testServer) do(t *testing.T, method, path, body string, headers map[string]string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var reader *bytes.Buffer
	if body != "" {
		reader = bytes.NewBufferString(body)
	} else {
		reader = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode %s %s: %v (%s)", method, path, err, w.Body.String())
	}
	return w, env
}

func (s *testServer) tick(t *testing.T, price string) []types.Order {
	t.Helper()
	w, env := s.do(t, http.MethodPost, "/market/ticks", `{"snapshots":[{"symbol":"`+sym+`","ltp":"`+price+`"}]}`, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("tick = %d %s", w.Code, w.Body.String())
	}
	var res ExitResult
	json.Unmarshal(env.Data, &res)
	return res.ExitOrders
}

func key(k string) map[string]string {
	return map[string]string{"Idempotency-Key": k}
}

func decodeResult(t *testing.T, env envelope) PlaceResult {
	t.Helper()
	var res PlaceResult
	if err := json.Unmarshal(env.Data, &res); err != nil {
		t.Fatal(err)
	}
	return res
}

func TestCreateOrder(t *testing.T) {
	s := newTestServer(t)
	s.tick(t, "19500")

	body := `{"symbol":"nifty24decfut","side":"buy","quantity":50,"kind":"MARKET","strategy":"breakout"}`
	w, env := s.do(t, http.MethodPost, "/orders", body, key("k-1"))
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	first := decodeResult(t, env)
	if first.Replayed || first.Order.State != types.StateFilled || first.Order.Symbol != sym {
		t.Fatalf("first = %+v", first.Order)
	}

	w, env = s.do(t, http.MethodPost, "/orders", body, key("k-1"))
	again := decodeResult(t, env)
	if !again.Replayed || again.Order.ID != first.Order.ID {
		t.Errorf("replay = %+v", again)
	}
	if w.Header().Get("Idempotent-Replayed") != "true" {
		t.Error("replay header missing")
	}
	if n := s.engine.GetMetrics().OrderCount; n != 1 {
		t.Errorf("orders placed = %d, want 1", n)
	}

	_, env = s.do(t, http.MethodPost, "/orders", body, key("k-2"))
	if other := decodeResult(t, env); other.Order.ID == first.Order.ID || other.Replayed {
		t.Error("different key replayed the first order")
	}
}

func TestCreateOrder_Errors(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name    string
		body    string
		headers map[string]string
		want    int
		code    string
	}{
		{name: "missing key", body: `{"symbol":"X","side":"BUY","quantity":1}`, want: http.StatusBadRequest, code: "BAD_REQUEST"},
		{name: "malformed body", body: `{"symbol":`, headers: key("e-1"), want: http.StatusBadRequest, code: "BAD_REQUEST"},
		{name: "zero quantity", body: `{"symbol":"X","side":"BUY","quantity":0}`, headers: key("e-2"), want: http.StatusBadRequest, code: "VALIDATION_FAILED"},
		{name: "short from flat", body: `{"symbol":"X","side":"SELL","quantity":1}`, headers: key("e-3"), want: http.StatusBadRequest, code: "VALIDATION_FAILED"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, env := s.do(t, http.MethodPost, "/orders", tt.body, tt.headers)
			if w.Code != tt.want || env.Error == nil || env.Error.Code != tt.code {
				t.Errorf("response = %d %s", w.Code, w.Body.String())
			}
		})
	}

	// A rejected intent does not burn its key.
	w, _ := s.do(t, http.MethodPost, "/orders", `{"symbol":"X","side":"BUY","quantity":1}`, key("e-2"))
	if w.Code != http.StatusCreated {
		t.Errorf("corrected request = %d", w.Code)
	}
}

func TestCreateOrder_ExpiredKeyPlacesAgain(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	intent := types.OrderIntent{Symbol: sym, Side: types.SideBuy, Quantity: 1, Kind: types.KindMarket}

	first, _, err := s.service.PlaceOrder(ctx, intent, "k", "desk")
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	s.service.clock = func() time.Time { return now.Add(DefaultIdempotencyTTL + time.Minute) }

	second, replayed, err := s.service.PlaceOrder(ctx, intent, "k", "desk")
	if err != nil {
		t.Fatal(err)
	}
	if replayed || second.ID == first.ID {
		t.Error("expired key replayed")
	}
	if n, err := s.service.PurgeExpiredKeys(); err != nil || n != 0 {
		t.Errorf("purge = %d, %v (record was refreshed)", n, err)
	}
	s.service.clock = func() time.Time { return now.Add(3 * DefaultIdempotencyTTL) }
	if n, _ := s.service.PurgeExpiredKeys(); n != 1 {
		t.Errorf("purged = %d, want 1", n)
	}
}

func TestGetAndCancelOrder(t *testing.T) {
	s := newTestServer(t)
	s.tick(t, "19500")

	body := `{"symbol":"` + sym + `","side":"BUY","quantity":50,"kind":"LIMIT","limit_price":"19480"}`
	_, env := s.do(t, http.MethodPost, "/orders", body, key("c-1"))
	order := decodeResult(t, env).Order
	if order.State != types.StateOpen {
		t.Fatalf("limit order = %s", order.State)
	}

	w, _ := s.do(t, http.MethodGet, "/orders/"+order.ID, "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("get = %d", w.Code)
	}
	_, env = s.do(t, http.MethodGet, "/orders", "", nil)
	var working []types.Order
	json.Unmarshal(env.Data, &working)
	if len(working) != 1 {
		t.Errorf("working orders = %d", len(working))
	}

	w, env = s.do(t, http.MethodDelete, "/orders/"+order.ID, "", nil)
	var cancelled types.Order
	json.Unmarshal(env.Data, &cancelled)
	if w.Code != http.StatusOK || cancelled.State != types.StateCancelled {
		t.Errorf("cancel = %d %s", w.Code, cancelled.State)
	}

	w, env = s.do(t, http.MethodDelete, "/orders/"+order.ID, "", nil)
	if w.Code != http.StatusConflict || env.Error.Code != "INVALID_STATE" {
		t.Errorf("second cancel = %d %s", w.Code, w.Body.String())
	}
	if w, _ := s.do(t, http.MethodGet, "/orders/ORD_missing", "", nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown order = %d", w.Code)
	}
}

func TestMarketFeedTriggersExits(t *testing.T) {
	s := newTestServer(t)
	s.tick(t, "19500")

	body := `{"symbol":"` + sym + `","side":"BUY","quantity":50,"exits":{"stop_loss":"19400"}}`
	if w, _ := s.do(t, http.MethodPost, "/orders", body, key("x-1")); w.Code != http.StatusCreated {
		t.Fatalf("place = %d", w.Code)
	}
	if exits := s.tick(t, "19450"); len(exits) != 0 {
		t.Fatalf("early exit: %+v", exits)
	}
	exits := s.tick(t, "19390")
	if len(exits) != 1 || exits[0].Side != types.SideSell || exits[0].State != types.StateFilled {
		t.Fatalf("exits = %+v", exits)
	}

	_, env := s.do(t, http.MethodGet, "/metrics", "", nil)
	var m types.Metrics
	json.Unmarshal(env.Data, &m)
	if !m.RealizedPnL.Equal(decimal.NewFromInt(-5500)) {
		t.Errorf("realized = %s", m.RealizedPnL)
	}
	_, env = s.do(t, http.MethodGet, "/positions/closed", "", nil)
	var closed []types.Position
	json.Unmarshal(env.Data, &closed)
	if len(closed) != 1 {
		t.Errorf("closed positions = %d", len(closed))
	}
}

func TestMarketFeedValidation(t *testing.T) {
	s := newTestServer(t)
	tests := []struct {
		name string
		path string
		body string
	}{
		{name: "tick without symbol", path: "/market/ticks", body: `{"snapshots":[{"ltp":"1"}]}`},
		{name: "tick without snapshots", path: "/market/ticks", body: `{}`},
		{name: "candle without symbol", path: "/market/candles", body: `{}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w, _ := s.do(t, http.MethodPost, tt.path, tt.body, nil); w.Code != http.StatusBadRequest {
				t.Errorf("status = %d", w.Code)
			}
		})
	}

	w, env := s.do(t, http.MethodPost, "/market/candles", `{"symbol":"`+sym+`"}`, nil)
	var res ExitResult
	json.Unmarshal(env.Data, &res)
	if w.Code != http.StatusCreated || res.ExitOrders == nil {
		t.Errorf("candle = %d %s", w.Code, w.Body.String())
	}
}
