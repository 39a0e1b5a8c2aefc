package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ksred/klear-oms/internal/auth"
	"github.com/ksred/klear-oms/internal/database"
	"github.com/ksred/klear-oms/internal/events"
	"github.com/ksred/klear-oms/internal/execution"
	"github.com/ksred/klear-oms/internal/fill"
	"github.com/ksred/klear-oms/internal/journal"
	"github.com/ksred/klear-oms/internal/trading"
	"github.com/ksred/klear-oms/internal/types"
	"github.com/ksred/klear-oms/pkg/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const (
	defaultInternalKey = "klear-internal-key"
	jwtSecret          = "klear-secret-key"
)

var symbols = map[string]float64{
	"NIFTY24DECFUT":     19500,
	"BANKNIFTY24DECFUT": 44200,
	"RELIANCE24DECFUT":  2450,
	"INFY24DECFUT":      1480,
}

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

// routeStats tracks performance statistics for an API endpoint
type routeStats struct {
	mu         sync.Mutex
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

func (rs *routeStats) record(d time.Duration, err error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
	if err != nil {
		rs.failures++
	}
}

// calculate returns min, max, mean, median, p95 and p99 durations
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]

	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))
	median = rs.durations[len(rs.durations)/2]

	p95idx := int(math.Ceil(float64(len(rs.durations))*0.95)) - 1
	p99idx := int(math.Ceil(float64(len(rs.durations))*0.99)) - 1
	p95 = rs.durations[p95idx]
	p99 = rs.durations[p99idx]

	return
}

// apiError is a non-2xx response from the API.
type apiError struct {
	status int
	code   string
	msg    string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("status %d %s: %s", e.status, e.code, e.msg)
}

// simulationClient handles HTTP communication with the order API
type simulationClient struct {
	baseURL     string
	internalKey string
	authToken   string
	client      *http.Client
	stats       map[string]*routeStats
}

func newSimulationClient(baseURL, internalKey string) (*simulationClient, error) {
	sc := &simulationClient{
		baseURL:     strings.TrimRight(baseURL, "/"),
		internalKey: internalKey,
		client:      &http.Client{Timeout: 10 * time.Second},
		stats: map[string]*routeStats{
			"auth":    {name: "Authentication"},
			"create":  {name: "Create Order"},
			"get":     {name: "Get Order"},
			"ticks":   {name: "Market Ticks"},
			"candles": {name: "Candle Close"},
			"metrics": {name: "Metrics"},
		},
	}

	var token auth.TokenResponse
	err := sc.call("auth", http.MethodPost, "/api/v1/auth/token", auth.Credentials{
		APIKey:    auth.TestAPIKey,
		APISecret: auth.TestAPISecret,
	}, nil, &token)
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate: %w", err)
	}
	sc.authToken = token.Token
	return sc, nil
}

// call sends body as JSON and decodes the envelope's data into out.
func (sc *simulationClient) call(route, method, path string, body any, headers map[string]string, out any) (err error) {
	start := time.Now()
	defer func() {
		sc.stats[route].record(time.Since(start), err)
	}()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, sc.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if sc.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+sc.authToken)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := sc.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	log.Debug().Str("route", route).Str("response", string(respBody)).Msg("API response")

	var envelope struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   *struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		apiErr := &apiError{status: resp.StatusCode}
		if envelope.Error != nil {
			apiErr.code, apiErr.msg = envelope.Error.Code, envelope.Error.Message
		}
		return apiErr
	}
	if out != nil && len(envelope.Data) > 0 {
		return json.Unmarshal(envelope.Data, out)
	}
	return nil
}

func (sc *simulationClient) createOrder(intent types.OrderIntent) (*trading.PlaceResult, error) {
	var res trading.PlaceResult
	headers := map[string]string{"Idempotency-Key": uuid.New().String()}
	if err := sc.call("create", http.MethodPost, "/api/v1/orders", intent, headers, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (sc *simulationClient) getOrder(orderID string) (*types.Order, error) {
	var o types.Order
	if err := sc.call("get", http.MethodGet, "/api/v1/orders/"+orderID, nil, nil, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

func (sc *simulationClient) sendTicks(snaps []types.MarketSnapshot) ([]types.Order, error) {
	var res trading.ExitResult
	headers := map[string]string{middleware.InternalKeyHeader: sc.internalKey}
	err := sc.call("ticks", http.MethodPost, "/api/v1/internal/market/ticks", trading.TickRequest{Snapshots: snaps}, headers, &res)
	return res.ExitOrders, err
}

func (sc *simulationClient) closeCandle(symbol string, ts time.Time) ([]types.Order, error) {
	var res trading.ExitResult
	headers := map[string]string{middleware.InternalKeyHeader: sc.internalKey}
	err := sc.call("candles", http.MethodPost, "/api/v1/internal/market/candles", types.CandleClose{Symbol: symbol, Timestamp: ts}, headers, &res)
	return res.ExitOrders, err
}

func (sc *simulationClient) metrics() (*types.Metrics, error) {
	var m types.Metrics
	if err := sc.call("metrics", http.MethodGet, "/api/v1/metrics", nil, nil, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (sc *simulationClient) printPerformanceStats() {
	fmt.Println("\nAPI Performance Statistics")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))

	routes := make([]string, 0, len(sc.stats))
	for route := range sc.stats {
		routes = append(routes, route)
	}
	sort.Strings(routes)
	for _, route := range routes {
		stats := sc.stats[route]
		min, max, mean, median, p95, p99 := stats.calculate()
		fmt.Printf("%-20s %10d %10d %10s %10s %10s %10s %10s %10s\n",
			stats.name,
			stats.totalCalls,
			stats.failures,
			min.Round(time.Microsecond),
			max.Round(time.Microsecond),
			mean.Round(time.Microsecond),
			median.Round(time.Microsecond),
			p95.Round(time.Microsecond),
			p99.Round(time.Microsecond))
	}
	fmt.Println(strings.Repeat("-", 100))
}

// priceFeed random-walks every symbol and shares the latest marks with
// the order workers.
type priceFeed struct {
	mu     sync.RWMutex
	rng    *rand.Rand
	prices map[string]float64
}

func newPriceFeed(seed int64) *priceFeed {
	prices := make(map[string]float64, len(symbols))
	for sym, p := range symbols {
		prices[sym] = p
	}
	return &priceFeed{rng: rand.New(rand.NewSource(seed)), prices: prices}
}

func (f *priceFeed) step(volatility float64) []types.MarketSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now().UTC()
	snaps := make([]types.MarketSnapshot, 0, len(f.prices))
	for _, sym := range sortedSymbols() {
		p := f.prices[sym] * (1 + f.rng.NormFloat64()*volatility)
		p = math.Round(p*20) / 20
		f.prices[sym] = p
		snaps = append(snaps, types.MarketSnapshot{
			Symbol:          sym,
			LastTradedPrice: decimal.NewFromFloat(p),
			Timestamp:       now,
		})
	}
	return snaps
}

func (f *priceFeed) price(sym string) float64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.prices[sym]
}

func sortedSymbols() []string {
	out := make([]string, 0, len(symbols))
	for sym := range symbols {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// runStats accumulates outcomes across workers.
type runStats struct {
	mu        sync.Mutex
	placed    int
	rejected  map[string]int
	failed    int
	exits     map[string]int
	orderIDs  []string
	bySymbol  map[string]int
	startTime time.Time
}

func (s *runStats) addExits(list []types.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range list {
		s.exits[o.CloseReason]++
	}
}

func main() {
	addr := flag.String("addr", "", "base URL of a running server; empty starts an in-process paper server")
	internalKey := flag.String("internal-key", defaultInternalKey, "internal API key for the market feed")
	numOrders := flag.Int("orders", 120, "orders to submit")
	numWorkers := flag.Int("workers", 5, "concurrent order workers")
	seed := flag.Int64("seed", 42, "random seed for prices and order flow")
	tickEvery := flag.Duration("tick", 20*time.Millisecond, "interval between market updates")
	barEvery := flag.Int("bar", 10, "ticks per candle")
	flag.Parse()

	baseURL := *addr
	if baseURL == "" {
		srv, cleanup, err := startServer(*internalKey)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
		defer cleanup()
		baseURL = srv.URL
	}

	simClient, err := newSimulationClient(baseURL, *internalKey)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize simulation client")
	}

	stats := &runStats{
		rejected:  make(map[string]int),
		exits:     make(map[string]int),
		bySymbol:  make(map[string]int),
		startTime: time.Now(),
	}
	feed := newPriceFeed(*seed)

	// Seed marks so market orders have a price to fill against.
	if _, err := simClient.sendTicks(feed.step(0)); err != nil {
		log.Fatal().Err(err).Msg("Failed to send opening marks")
	}

	ctx, stopFeed := context.WithCancel(context.Background())
	feedDone := make(chan struct{})
	go func() {
		defer close(feedDone)
		runFeed(ctx, simClient, feed, stats, *tickEvery, *barEvery)
	}()

	log.Info().Int("target_orders", *numOrders).Int("workers", *numWorkers).Msg("Starting simulation")

	var wg sync.WaitGroup
	perWorker := *numOrders / *numWorkers
	for i := 0; i < *numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			createOrdersHTTP(workerID, perWorker, rand.New(rand.NewSource(*seed+int64(workerID)+1)), simClient, feed, stats)
		}(i)
	}
	wg.Wait()

	// Let resting limits and exits play out.
	time.Sleep(time.Duration(*barEvery*5) * *tickEvery)
	stopFeed()
	<-feedDone

	filled := 0
	for _, id := range stats.orderIDs {
		o, err := simClient.getOrder(id)
		if err != nil {
			log.Error().Err(err).Str("order_id", id).Msg("Failed to fetch order")
			continue
		}
		if o.State == types.StateFilled {
			filled++
		}
	}

	m, err := simClient.metrics()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to fetch metrics")
	}

	printSummary(stats, filled, m)
	simClient.printPerformanceStats()

	log.Info().
		Int("placed", stats.placed).
		Int("filled", filled).
		Str("realized_pnl", m.RealizedPnL.String()).
		Dur("duration", time.Since(stats.startTime)).
		Msg("Simulation completed")
}

func runFeed(ctx context.Context, sc *simulationClient, feed *priceFeed, stats *runStats, every time.Duration, barEvery int) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	ticks := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			exitOrders, err := sc.sendTicks(feed.step(0.0015))
			if err != nil {
				log.Error().Err(err).Msg("Failed to send ticks")
				continue
			}
			stats.addExits(exitOrders)

			ticks++
			if barEvery > 0 && ticks%barEvery == 0 {
				now := time.Now().UTC()
				for _, sym := range sortedSymbols() {
					exitOrders, err := sc.closeCandle(sym, now)
					if err != nil {
						log.Error().Err(err).Str("symbol", sym).Msg("Failed to close candle")
						continue
					}
					stats.addExits(exitOrders)
				}
			}
		}
	}
}

// createOrdersHTTP submits random entries with protective exits. Roughly
// one in four is a limit order just off the market.
func createOrdersHTTP(workerID, numOrders int, rng *rand.Rand, sc *simulationClient, feed *priceFeed, stats *runStats) {
	syms := sortedSymbols()
	for i := 0; i < numOrders; i++ {
		sym := syms[rng.Intn(len(syms))]
		px := feed.price(sym)
		side := types.SideBuy
		dir := 1.0
		if rng.Intn(2) == 0 {
			side = types.SideSell
			dir = -1
		}

		stop := decimal.NewFromFloat(math.Round(px*(1-dir*0.004)*20) / 20)
		target := decimal.NewFromFloat(math.Round(px*(1+dir*0.006)*20) / 20)
		bars := 3 + rng.Intn(5)
		intent := types.OrderIntent{
			Symbol:   sym,
			Side:     side,
			Quantity: int64(25 * (1 + rng.Intn(4))),
			Kind:     types.KindMarket,
			Strategy: fmt.Sprintf("sim-worker-%d", workerID),
			Exits: types.ExitParams{
				StopLoss:     &stop,
				TakeProfit:   &target,
				TimeStopBars: &bars,
			},
		}
		if rng.Intn(4) == 0 {
			limit := decimal.NewFromFloat(math.Round(px*(1-dir*0.001)*20) / 20)
			intent.Kind = types.KindLimit
			intent.LimitPrice = &limit
		}

		res, err := sc.createOrder(intent)
		stats.mu.Lock()
		switch e := err.(type) {
		case nil:
			stats.placed++
			stats.bySymbol[sym]++
			stats.orderIDs = append(stats.orderIDs, res.Order.ID)
		case *apiError:
			stats.rejected[e.code]++
		default:
			stats.failed++
		}
		stats.mu.Unlock()

		if err != nil {
			log.Debug().Err(err).Int("worker_id", workerID).Str("symbol", sym).Msg("Order not placed")
		} else {
			log.Info().
				Int("worker_id", workerID).
				Str("order_id", res.Order.ID).
				Str("symbol", sym).
				Str("side", string(side)).
				Int64("quantity", intent.Quantity).
				Str("state", string(res.Order.State)).
				Msg("Order created")
		}

		time.Sleep(time.Duration(rng.Intn(50)) * time.Millisecond)
	}
}

func printSummary(stats *runStats, filled int, m *types.Metrics) {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("PAPER TRADING SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))

	fmt.Printf(`
Order Statistics
----------------
Placed:           %d
Filled:           %d
Transport errors: %d
Open Positions:   %d
Realized PnL:     %s
Unrealized PnL:   %s
Total PnL:        %s
Duration:         %v
`, stats.placed, filled, stats.failed, m.OpenPositionCount,
		m.RealizedPnL.StringFixed(2), m.UnrealizedPnL.StringFixed(2), m.TotalPnL.StringFixed(2),
		time.Since(stats.startTime).Round(time.Millisecond))

	printCounts("Rejections", stats.rejected)
	printCounts("Exits Triggered", stats.exits)
	printCounts("Symbol Distribution", stats.bySymbol)
	fmt.Println("\n" + strings.Repeat("=", 80))
}

func printCounts(title string, counts map[string]int) {
	fmt.Printf("\n%s\n%s\n", title, strings.Repeat("-", len(title)))
	if len(counts) == 0 {
		fmt.Println("none")
		return
	}
	maxCount := 0
	keys := make([]string, 0, len(counts))
	for k, n := range counts {
		keys = append(keys, k)
		if n > maxCount {
			maxCount = n
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		bar := strings.Repeat("#", int(float64(counts[k])/float64(maxCount)*20))
		fmt.Printf("%-20s: %s (%d)\n", k, bar, counts[k])
	}
}

// startServer runs a paper engine behind the real handlers on a loopback
// listener backed by a throwaway database.
func startServer(internalKey string) (*httptest.Server, func(), error) {
	dir, err := os.MkdirTemp("", "klear-sim-*")
	if err != nil {
		return nil, nil, err
	}
	db, err := database.NewDatabase(filepath.Join(dir, "sim.db"))
	if err != nil {
		os.RemoveAll(dir)
		return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	bus := events.NewBus(events.DefaultCapacity)
	engine := execution.NewPaper(execution.Config{AllowShort: true}, execution.Deps{
		Fill:    fill.NewEngine(fill.DefaultConfig()),
		Bus:     bus,
		Journal: journal.NewStore(db),
	})

	authService := auth.NewService(jwtSecret, time.Hour)
	authService.RegisterAPICredentials(auth.TestAPIKey, auth.TestAPISecret)
	authHandlers := auth.NewGinHandlers(authService)
	tradingHandlers := trading.NewGinHandlers(trading.NewService(engine, db))

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	setupRoutes(router, internalKey, authHandlers, tradingHandlers)

	srv := httptest.NewServer(router)
	cleanup := func() {
		srv.Close()
		bus.Close()
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
		os.RemoveAll(dir)
	}
	return srv, cleanup, nil
}

func setupRoutes(router *gin.Engine, internalKey string, authHandlers *auth.GinHandlers, tradingHandlers *trading.GinHandlers) {
	v1 := router.Group("/api/v1")
	{
		v1.POST("/auth/token", authHandlers.GenerateTokenHandler())

		api := v1.Group("")
		api.Use(middleware.JWTAuth(jwtSecret))
		{
			api.POST("/orders", tradingHandlers.CreateOrderHandler())
			api.GET("/orders/:order_id", tradingHandlers.GetOrderHandler())
			api.GET("/metrics", tradingHandlers.MetricsHandler())
		}

		internal := v1.Group("/internal")
		internal.Use(middleware.InternalAuth(internalKey, jwtSecret))
		{
			internal.POST("/market/ticks", tradingHandlers.MarketTickHandler())
			internal.POST("/market/candles", tradingHandlers.CandleCloseHandler())
		}
	}
}
