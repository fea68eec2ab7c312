package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ksred/trailstop-api/internal/auth"
	"github.com/ksred/trailstop-api/internal/database"
	"github.com/ksred/trailstop-api/internal/dispatcher"
	"github.com/ksred/trailstop-api/internal/monitor"
	"github.com/ksred/trailstop-api/internal/notify"
	"github.com/ksred/trailstop-api/internal/orders"
	"github.com/ksred/trailstop-api/internal/pricefeed"
	"github.com/ksred/trailstop-api/internal/settlement"
	"github.com/ksred/trailstop-api/internal/types"
	"github.com/ksred/trailstop-api/pkg/middleware"
)

const (
	numWorkers      = 5
	ordersPerWorker = 10
	serverAddress   = "http://localhost:8080"
	feedAddress     = ":9090"
	jwtSecret       = "simulation-secret"
	simTimeout      = 2 * time.Minute
)

// assets tracked by the simulation, with their starting prices
var assets = map[string]float64{
	"ETH":   2400.0,
	"BTC":   64000.0,
	"SOL":   145.0,
	"MATIC": 0.52,
	"LINK":  11.8,
}

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// routeStats tracks performance statistics for an API endpoint
type routeStats struct {
	name       string
	mu         sync.Mutex
	durations  []time.Duration
	totalCalls int
	failures   int
}

// addDuration records a new duration measurement for the route
func (rs *routeStats) addDuration(d time.Duration) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
}

// addFailure records a failed call for the route
func (rs *routeStats) addFailure() {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.failures++
}

// calculate computes performance statistics from recorded durations
// Returns min, max, mean, median, 95th percentile, and 99th percentile durations
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

// driftingFeed serves random-walk prices with a mild downward drift so
// trailing stops ratchet up on rallies and eventually trigger on the slide.
type driftingFeed struct {
	mu     sync.Mutex
	prices map[string]float64
}

func newDriftingFeed() *driftingFeed {
	prices := make(map[string]float64, len(assets))
	for asset, base := range assets {
		prices[asset] = base
	}
	return &driftingFeed{prices: prices}
}

func (f *driftingFeed) step(asset string) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	price := f.prices[asset]
	// +-1.5% move per observation, biased slightly down
	move := (rand.Float64()*0.03 - 0.016)
	price *= 1 + move
	f.prices[asset] = price
	return price
}

// startFeedServer serves GET /price/:asset for the engine's HTTP source.
func startFeedServer(feed *driftingFeed) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.GET("/price/:asset", func(c *gin.Context) {
		asset := c.Param("asset")
		if _, ok := assets[asset]; !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown asset"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"price": feed.step(asset)})
	})

	go func() {
		if err := router.Run(feedAddress); err != nil {
			log.Fatal().Err(err).Msg("price feed server failed")
		}
	}()
}

// startEngine builds and starts the full engine in-process: order API,
// monitor loop against the local drifting feed, simulated settlement venue.
func startEngine(ctx context.Context) error {
	db, err := database.NewDatabase("simulation.db")
	if err != nil {
		return err
	}

	notifier := notify.Multi{notify.LogNotifier{}}

	sources := []pricefeed.Source{
		pricefeed.NewHTTPSource("local-sim", "http://localhost:9090/price/{asset}", "price", 3*time.Second),
	}
	feed := pricefeed.NewAggregator(sources, pricefeed.Options{
		CacheTTL:     2 * time.Second,
		StaleCeiling: time.Minute,
	})

	authService := auth.NewService(jwtSecret)
	authService.RegisterAPICredentials(auth.TestAPIKey, auth.TestAPISecret, auth.TestUserAddress)
	authHandlers := auth.NewGinHandlers(authService)

	orderService := orders.NewService(db, notifier)
	orderHandlers := orders.NewGinHandlers(orderService)

	disp := dispatcher.New(orderService.GetDB(), settlement.NewSimulatedClient(), notifier, dispatcher.Options{
		MaxRetries:     3,
		InitialBackoff: 250 * time.Millisecond,
	})

	mon := monitor.New(orderService.GetDB(), feed, disp, notifier, monitor.Options{
		TickInterval:   2 * time.Second,
		MaxConcurrency: 4,
		StalenessBound: 30 * time.Second,
	})
	go mon.Start(ctx)

	// No rate limiting here: the poll loop is intentionally chatty.
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	v1 := router.Group("/api/v1")
	v1.POST("/auth/token", authHandlers.GenerateTokenHandler())
	orderGroup := v1.Group("/orders")
	orderGroup.Use(middleware.JWTAuth(jwtSecret))
	orderGroup.POST("", orderHandlers.CreateOrderHandler())
	orderGroup.GET("", orderHandlers.ListOrdersHandler())
	orderGroup.GET("/:order_id", orderHandlers.GetOrderHandler())
	orderGroup.DELETE("/:order_id", orderHandlers.CancelOrderHandler())

	go func() {
		if err := router.Run(":8080"); err != nil {
			log.Fatal().Err(err).Msg("engine server failed")
		}
	}()

	return nil
}

// simulationClient handles HTTP communication with the order API
type simulationClient struct {
	baseURL   string
	authToken string
	client    *http.Client
	stats     map[string]*routeStats
}

// newSimulationClient creates and initializes a new simulation client
// It authenticates with the API and prepares performance tracking
func newSimulationClient() (*simulationClient, error) {
	sc := &simulationClient{
		baseURL: serverAddress,
		client:  &http.Client{Timeout: 10 * time.Second},
		stats: map[string]*routeStats{
			"auth":   {name: "Authentication"},
			"create": {name: "Create Order"},
			"get":    {name: "Get Order"},
			"cancel": {name: "Cancel Order"},
		},
	}

	token, err := sc.authenticate()
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate: %w", err)
	}
	sc.authToken = token

	return sc, nil
}

// authenticate performs API authentication and returns a JWT token
func (sc *simulationClient) authenticate() (string, error) {
	start := time.Now()
	defer func() {
		sc.stats["auth"].addDuration(time.Since(start))
	}()

	credentials := map[string]string{
		"api_key":    auth.TestAPIKey,
		"api_secret": auth.TestAPISecret,
	}

	body, err := json.Marshal(credentials)
	if err != nil {
		return "", err
	}

	resp, err := sc.client.Post(
		fmt.Sprintf("%s/api/v1/auth/token", sc.baseURL),
		"application/json",
		bytes.NewBuffer(body),
	)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("authentication failed with status: %d", resp.StatusCode)
	}

	var result struct {
		Success bool `json:"success"`
		Data    struct {
			Token string `json:"jwt_token"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}

	return result.Data.Token, nil
}

// createOrder submits a new trailing order to the API
// Returns the order ID on success
func (sc *simulationClient) createOrder(req types.CreateOrderRequest) (string, error) {
	start := time.Now()
	defer func() {
		sc.stats["create"].addDuration(time.Since(start))
	}()

	body, err := json.Marshal(req)
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequest(
		"POST",
		fmt.Sprintf("%s/api/v1/orders", sc.baseURL),
		bytes.NewBuffer(body),
	)
	if err != nil {
		return "", err
	}

	httpReq.Header.Set("Authorization", fmt.Sprintf("Bearer %s", sc.authToken))
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := sc.client.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		sc.stats["create"].addFailure()
		return "", fmt.Errorf("create order failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		Success bool        `json:"success"`
		Data    types.Order `json:"data"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}

	if result.Data.OrderID == "" {
		return "", fmt.Errorf("no order ID in response: %s", string(respBody))
	}

	return result.Data.OrderID, nil
}

// getOrder retrieves the current state of an order
func (sc *simulationClient) getOrder(orderID string) (*types.Order, error) {
	start := time.Now()
	defer func() {
		sc.stats["get"].addDuration(time.Since(start))
	}()

	req, err := http.NewRequest(
		"GET",
		fmt.Sprintf("%s/api/v1/orders/%s", sc.baseURL, orderID),
		nil,
	)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", sc.authToken))

	resp, err := sc.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		sc.stats["get"].addFailure()
		return nil, fmt.Errorf("get order failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		Success bool        `json:"success"`
		Data    types.Order `json:"data"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, err
	}

	return &result.Data, nil
}

// cancelOrder cancels an order; conflicts are expected when the monitor wins
func (sc *simulationClient) cancelOrder(orderID string) error {
	start := time.Now()
	defer func() {
		sc.stats["cancel"].addDuration(time.Since(start))
	}()

	req, err := http.NewRequest(
		"DELETE",
		fmt.Sprintf("%s/api/v1/orders/%s", sc.baseURL, orderID),
		nil,
	)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", sc.authToken))

	resp, err := sc.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode == http.StatusConflict {
		return types.ErrConflictingState
	}
	if resp.StatusCode != http.StatusOK {
		sc.stats["cancel"].addFailure()
		return fmt.Errorf("cancel order failed with status %d", resp.StatusCode)
	}
	return nil
}

// printPerformanceStats reports latency percentiles per route
func (sc *simulationClient) printPerformanceStats() {
	for _, rs := range sc.stats {
		rs.mu.Lock()
		calls, failures := rs.totalCalls, rs.failures
		rs.mu.Unlock()
		if calls == 0 {
			continue
		}
		min, max, mean, median, p95, p99 := rs.calculate()
		log.Info().
			Str("route", rs.name).
			Int("calls", calls).
			Int("failures", failures).
			Dur("min", min).
			Dur("max", max).
			Dur("mean", mean).
			Dur("median", median).
			Dur("p95", p95).
			Dur("p99", p99).
			Msg("route performance")
	}
}

// createOrders runs as a worker goroutine, creating trailing orders with a
// spread of trail distances and sending the resulting IDs to ordersChan.
func createOrders(workerID, count int, sc *simulationClient, feed *driftingFeed, ordersChan chan<- string) {
	assetNames := make([]string, 0, len(assets))
	for a := range assets {
		assetNames = append(assetNames, a)
	}
	sort.Strings(assetNames)

	for i := 0; i < count; i++ {
		asset := assetNames[rand.Intn(len(assetNames))]

		feed.mu.Lock()
		entry := feed.prices[asset]
		feed.mu.Unlock()

		req := types.CreateOrderRequest{
			AssetID:           asset,
			Amount:            1 + rand.Float64()*10,
			EntryPrice:        entry,
			TrailDistance:     2 + rand.Float64()*8, // 2-10%
			TrailDistanceType: types.TrailTypePercent,
		}
		// A few bracket orders with a take-profit well above entry
		if i%4 == 0 {
			tp := entry * 1.05
			req.TakeProfitPrice = &tp
		}

		orderID, err := sc.createOrder(req)
		if err != nil {
			log.Error().Err(err).Int("worker_id", workerID).Msg("failed to create order")
			continue
		}

		log.Debug().
			Int("worker_id", workerID).
			Str("order_id", orderID).
			Str("asset_id", asset).
			Msg("order created")
		ordersChan <- orderID
	}
}

func main() {
	feed := newDriftingFeed()
	startFeedServer(feed)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := startEngine(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start engine")
	}

	// Give both servers a moment to bind
	time.Sleep(500 * time.Millisecond)

	simClient, err := newSimulationClient()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create simulation client")
	}

	ordersChan := make(chan string, numWorkers*ordersPerWorker)
	var wg sync.WaitGroup

	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			createOrders(workerID, ordersPerWorker, simClient, feed, ordersChan)
		}(w)
	}
	wg.Wait()
	close(ordersChan)

	var orderIDs []string
	for id := range ordersChan {
		orderIDs = append(orderIDs, id)
	}
	log.Info().Int("orders", len(orderIDs)).Msg("order population created, monitoring until terminal")

	// Cancel a handful mid-flight to exercise the cancel/trigger race
	for i, id := range orderIDs {
		if i%10 == 0 {
			if err := simClient.cancelOrder(id); err != nil && err != types.ErrConflictingState {
				log.Warn().Err(err).Str("order_id", id).Msg("cancel failed")
			}
		}
	}

	// Poll until every order reaches a terminal status or the timeout hits
	deadline := time.Now().Add(simTimeout)
	outcomes := make(map[string]string, len(orderIDs))

	for time.Now().Before(deadline) && len(outcomes) < len(orderIDs) {
		for _, id := range orderIDs {
			if _, done := outcomes[id]; done {
				continue
			}
			order, err := simClient.getOrder(id)
			if err != nil {
				log.Warn().Err(err).Str("order_id", id).Msg("status poll failed")
				continue
			}
			if types.IsTerminal(order.Status) {
				outcomes[id] = order.Status
				log.Info().
					Str("order_id", id).
					Str("status", order.Status).
					Str("reason", order.TriggerReason).
					Float64("execution_price", order.ExecutionPrice).
					Float64("pnl", order.PnL).
					Msg("order reached terminal state")
			}
		}
		time.Sleep(2 * time.Second)
	}

	tally := make(map[string]int)
	for _, status := range outcomes {
		tally[status]++
	}
	log.Info().
		Int("total", len(orderIDs)).
		Int("terminal", len(outcomes)).
		Int("executed", tally[types.StatusExecuted]).
		Int("cancelled", tally[types.StatusCancelled]).
		Int("failed", tally[types.StatusFailed]).
		Msg("simulation complete")

	simClient.printPerformanceStats()
}
