package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sethvargo/go-envconfig"
	"golang.org/x/time/rate"

	"github.com/invitewave/project/internal/platform/metrics"
)

type config struct {
	GatewayBase      string        `env:"LOADGEN_GATEWAY_BASE,default=http://gateway:8080"`
	Users            int           `env:"LOADGEN_USERS,default=200"`
	SetupConcurrency int           `env:"LOADGEN_SETUP_CONCURRENCY,default=25"`
	StartupWait      time.Duration `env:"LOADGEN_STARTUP_WAIT,default=2m"`
	Duration         time.Duration `env:"LOADGEN_DURATION,default=10m"`
	RampUp           time.Duration `env:"LOADGEN_RAMP_UP,default=30s"`
	RSVPsPerSecond   float64       `env:"LOADGEN_RSVPS_PER_SECOND,default=100"`
	RequestTimeout   time.Duration `env:"LOADGEN_REQUEST_TIMEOUT,default=10s"`
	MetricsAddr      string        `env:"LOADGEN_METRICS_ADDR,default=:9099"`
	Password         string        `env:"LOADGEN_PASSWORD,default=load-test-pass-123"`
	Campaigns        int           `env:"LOADGEN_CAMPAIGNS,default=5"`
	CampaignCapacity int           `env:"LOADGEN_CAMPAIGN_CAPACITY,default=50"`
	EnableWS         bool          `env:"LOADGEN_ENABLE_WS,default=true"`
}

type authResponse struct {
	AccessToken string `json:"access_token"`
	ContactID   string `json:"contact_id"`
}

type campaignResponse struct {
	ID            string `json:"id"`
	Capacity      int    `json:"capacity"`
	AcceptedCount int    `json:"accepted_count"`
	Status        string `json:"status"`
}

type outcomeResponse struct {
	Accepted       bool   `json:"accepted"`
	RemainingSlots int    `json:"remaining_slots"`
	Status         string `json:"status"`
}

type simulatedContact struct {
	Index       int
	Username    string
	Password    string
	ClientIP    string
	AccessToken string
	ContactID   string
}

type runner struct {
	cfg       config
	runID     string
	apiClient *http.Client
	limiter   *rate.Limiter

	coordinator *simulatedContact
	campaignIDs []string

	requestsSuccess atomic.Int64
	requestsError   atomic.Int64
	rsvpAccepted    atomic.Int64
	rsvpRejected    atomic.Int64
	activeVUs       atomic.Int64
	activeWS        atomic.Int64
}

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "invitewave_loadgen_requests_total",
		Help: "Total HTTP requests sent by load generator.",
	}, []string{"endpoint", "method", "status", "outcome"})

	rsvpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "invitewave_loadgen_rsvps_total",
		Help: "RSVP submissions by ledger outcome.",
	}, []string{"outcome"})

	virtualUsersGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "invitewave_loadgen_virtual_users",
		Help: "Current number of active virtual contacts submitting responses.",
	})

	wsConnectedGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "invitewave_loadgen_ws_connected_users",
		Help: "Current number of load-generated contacts with live websocket sessions.",
	})

	wsEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "invitewave_loadgen_ws_events_total",
		Help: "Realtime events received over load-generated websocket sessions.",
	}, []string{"type"})
)

func main() {
	baseCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var cfg config
	if err := envconfig.Process(baseCtx, &cfg); err != nil {
		log.Fatal(err)
	}
	if cfg.Users <= 0 {
		log.Fatal("LOADGEN_USERS must be > 0")
	}
	if cfg.Campaigns <= 0 {
		log.Fatal("LOADGEN_CAMPAIGNS must be > 0")
	}

	ctx := baseCtx
	if cfg.Duration > 0 {
		timeoutCtx, cancel := context.WithTimeout(baseCtx, cfg.Duration)
		defer cancel()
		ctx = timeoutCtx
	}

	go runMetricsServer(cfg.MetricsAddr)

	transport := &http.Transport{
		MaxIdleConns:        cfg.Users * 2,
		MaxIdleConnsPerHost: cfg.Users * 2,
		IdleConnTimeout:     90 * time.Second,
	}

	r := &runner{
		cfg:     cfg,
		runID:   strconv.FormatInt(time.Now().UTC().UnixNano(), 10),
		limiter: rate.NewLimiter(rate.Limit(cfg.RSVPsPerSecond), int(cfg.RSVPsPerSecond)+1),
		apiClient: &http.Client{
			Timeout:   cfg.RequestTimeout,
			Transport: transport,
		},
	}

	if err := r.waitForHTTPStatus(ctx, strings.TrimRight(cfg.GatewayBase, "/")+"/readyz", http.StatusOK, cfg.StartupWait); err != nil {
		log.Fatalf("gateway not ready: %v", err)
	}

	if err := r.setupCoordinatorAndCampaigns(ctx); err != nil {
		log.Fatalf("campaign setup failed: %v", err)
	}

	contacts := r.setupContacts(ctx)
	if len(contacts) == 0 {
		log.Fatal("failed to initialize any contacts")
	}
	log.Printf("load generator initialized: contacts=%d campaigns=%d capacity=%d duration=%s ws=%v rate=%.1f rsvp/s",
		len(contacts), len(r.campaignIDs), cfg.CampaignCapacity, cfg.Duration.String(), cfg.EnableWS, cfg.RSVPsPerSecond)

	go r.logProgress(ctx)

	var wg sync.WaitGroup
	for idx := range contacts {
		contact := contacts[idx]
		wg.Add(1)
		go func(c *simulatedContact) {
			defer wg.Done()
			r.runContact(ctx, c)
		}(contact)
	}

	<-ctx.Done()
	wg.Wait()

	r.verifyLedgers(baseCtx)
	log.Printf("load test complete: success_requests=%d error_requests=%d accepted=%d rejected=%d",
		r.requestsSuccess.Load(), r.requestsError.Load(), r.rsvpAccepted.Load(), r.rsvpRejected.Load())
}

// setupCoordinatorAndCampaigns registers a coordinator account and creates
// the target campaigns. The gateway must run with DEV_PROMOTE_COORDINATORS
// enabled, otherwise campaign creation is rejected.
func (r *runner) setupCoordinatorAndCampaigns(ctx context.Context) error {
	coordinator := &simulatedContact{
		Index:    -1,
		Username: fmt.Sprintf("load-coord-%s", r.runID),
		Password: r.cfg.Password,
		ClientIP: "10.0.0.1",
	}
	if err := r.registerOrLogin(ctx, coordinator); err != nil {
		return err
	}
	r.coordinator = coordinator

	base := strings.TrimRight(r.cfg.GatewayBase, "/")
	for i := 0; i < r.cfg.Campaigns; i++ {
		var c campaignResponse
		status, err := r.requestJSON(ctx, coordinator, "create_campaign", http.MethodPost, base+"/api/v1/campaigns", map[string]any{
			"title":    fmt.Sprintf("Load Campaign %s-%d", r.runID, i),
			"text":     "Synthetic capacity stampede",
			"capacity": r.cfg.CampaignCapacity,
		}, &coordinator.AccessToken, &c, http.StatusCreated)
		if err != nil {
			if status == http.StatusForbidden {
				return fmt.Errorf("create campaign forbidden; run the gateway with DEV_PROMOTE_COORDINATORS=true: %w", err)
			}
			return fmt.Errorf("create campaign %d: %w", i, err)
		}
		r.campaignIDs = append(r.campaignIDs, c.ID)
	}
	return nil
}

func (r *runner) setupContacts(ctx context.Context) []*simulatedContact {
	type setupResult struct {
		contact *simulatedContact
		err     error
	}

	sem := make(chan struct{}, r.cfg.SetupConcurrency)
	results := make(chan setupResult, r.cfg.Users)
	var wg sync.WaitGroup

	for i := 0; i < r.cfg.Users; i++ {
		idx := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			contact := &simulatedContact{
				Index:    idx,
				Username: fmt.Sprintf("load-%s-%04d", r.runID, idx),
				Password: r.cfg.Password,
				ClientIP: fmt.Sprintf("10.0.%d.%d", 1+(idx/250), 1+(idx%250)),
			}
			err := r.registerOrLogin(ctx, contact)
			results <- setupResult{contact: contact, err: err}
		}()
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	contacts := make([]*simulatedContact, 0, r.cfg.Users)
	failures := 0
	for result := range results {
		if result.err != nil {
			failures++
			log.Printf("contact setup failed: %v", result.err)
			continue
		}
		contacts = append(contacts, result.contact)
	}
	log.Printf("contact setup complete: success=%d failed=%d", len(contacts), failures)
	return contacts
}

func (r *runner) registerOrLogin(ctx context.Context, contact *simulatedContact) error {
	base := strings.TrimRight(r.cfg.GatewayBase, "/")

	var auth authResponse
	status, err := r.requestJSON(ctx, contact, "register", http.MethodPost, base+"/api/v1/auth/register", map[string]string{
		"username": contact.Username,
		"password": contact.Password,
	}, nil, &auth, http.StatusCreated, http.StatusConflict)
	if err != nil {
		return fmt.Errorf("register %s: %w", contact.Username, err)
	}

	if status == http.StatusConflict {
		auth = authResponse{}
		if _, err := r.requestJSON(ctx, contact, "login", http.MethodPost, base+"/api/v1/auth/login", map[string]string{
			"username": contact.Username,
			"password": contact.Password,
		}, nil, &auth, http.StatusOK); err != nil {
			return fmt.Errorf("login %s: %w", contact.Username, err)
		}
	}

	if strings.TrimSpace(auth.AccessToken) == "" {
		return fmt.Errorf("empty access token for %s", contact.Username)
	}
	contact.AccessToken = auth.AccessToken
	contact.ContactID = auth.ContactID
	return nil
}

func (r *runner) runContact(ctx context.Context, contact *simulatedContact) {
	if r.cfg.RampUp > 0 {
		delay := time.Duration((float64(r.cfg.RampUp) / float64(maxInt(r.cfg.Users, 1))) * float64(contact.Index))
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}

	if r.cfg.EnableWS {
		go r.runWSLoop(ctx, contact)
	}

	virtualUsersGauge.Inc()
	r.activeVUs.Add(1)
	defer virtualUsersGauge.Dec()
	defer r.activeVUs.Add(-1)

	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(contact.Index*7)))
	for {
		if err := r.limiter.Wait(ctx); err != nil {
			return
		}
		r.submitRSVP(ctx, contact, rng)
	}
}

func (r *runner) submitRSVP(ctx context.Context, contact *simulatedContact, rng *rand.Rand) {
	campaignID := r.campaignIDs[rng.Intn(len(r.campaignIDs))]
	response := "yes"
	if rng.Float64() < 0.10 {
		response = "no"
	}

	var outcome outcomeResponse
	base := strings.TrimRight(r.cfg.GatewayBase, "/")
	_, err := r.requestJSON(ctx, contact, "rsvp", http.MethodPost, base+"/api/v1/campaigns/"+url.PathEscape(campaignID)+"/rsvp", map[string]string{
		"response": response,
	}, &contact.AccessToken, &outcome, http.StatusOK)
	if err != nil {
		rsvpsTotal.WithLabelValues("error").Inc()
		return
	}
	if outcome.Accepted {
		rsvpsTotal.WithLabelValues("accepted").Inc()
		r.rsvpAccepted.Add(1)
		return
	}
	rsvpsTotal.WithLabelValues("rejected").Inc()
	r.rsvpRejected.Add(1)
}

func (r *runner) runWSLoop(ctx context.Context, contact *simulatedContact) {
	base := strings.TrimRight(r.cfg.GatewayBase, "/")
	wsURL := "ws" + strings.TrimPrefix(base, "http") + "/api/v1/ws?token=" + url.QueryEscape(contact.AccessToken)

	for {
		if ctx.Err() != nil {
			return
		}
		err := r.connectAndReadWS(ctx, wsURL)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("ws reconnect contact=%s err=%v", contact.Username, err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(1200 * time.Millisecond):
		}
	}
}

func (r *runner) connectAndReadWS(ctx context.Context, wsURL string) error {
	dialCtx, cancel := context.WithTimeout(ctx, r.cfg.RequestTimeout)
	conn, resp, err := websocket.DefaultDialer.DialContext(dialCtx, wsURL, nil)
	cancel()
	if err != nil {
		if resp != nil {
			return fmt.Errorf("ws handshake status=%d: %w", resp.StatusCode, err)
		}
		return err
	}
	defer conn.Close()

	wsConnectedGauge.Inc()
	r.activeWS.Add(1)
	defer wsConnectedGauge.Dec()
	defer r.activeWS.Add(-1)

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		var event struct {
			Type string `json:"type"`
		}
		if err := conn.ReadJSON(&event); err != nil {
			if ctx.Err() != nil {
				return context.Canceled
			}
			return err
		}
		wsEventsTotal.WithLabelValues(event.Type).Inc()
	}
}

// verifyLedgers rereads every campaign after the stampede and reports any
// ledger that overran its capacity.
func (r *runner) verifyLedgers(ctx context.Context) {
	if r.coordinator == nil {
		return
	}
	base := strings.TrimRight(r.cfg.GatewayBase, "/")
	for _, campaignID := range r.campaignIDs {
		var c campaignResponse
		checkCtx, cancel := context.WithTimeout(ctx, r.cfg.RequestTimeout)
		_, err := r.requestJSON(checkCtx, r.coordinator, "verify_campaign", http.MethodGet, base+"/api/v1/campaigns/"+url.PathEscape(campaignID), nil, &r.coordinator.AccessToken, &c, http.StatusOK)
		cancel()
		if err != nil {
			log.Printf("ledger verify failed campaign=%s err=%v", campaignID, err)
			continue
		}
		if c.AcceptedCount > c.Capacity {
			log.Printf("LEDGER OVERRUN campaign=%s accepted=%d capacity=%d", campaignID, c.AcceptedCount, c.Capacity)
			continue
		}
		log.Printf("ledger ok campaign=%s accepted=%d capacity=%d status=%s", campaignID, c.AcceptedCount, c.Capacity, c.Status)
	}
}

func (r *runner) waitForHTTPStatus(ctx context.Context, requestURL string, expectedStatus int, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
		if err != nil {
			lastErr = err
			time.Sleep(1200 * time.Millisecond)
			continue
		}
		resp, err := r.apiClient.Do(req)
		if err != nil {
			lastErr = err
			time.Sleep(1200 * time.Millisecond)
			continue
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
		if resp.StatusCode == expectedStatus {
			return nil
		}
		lastErr = fmt.Errorf("status=%d", resp.StatusCode)
		time.Sleep(1200 * time.Millisecond)
	}
	if lastErr == nil {
		lastErr = errors.New("timeout")
	}
	return lastErr
}

func (r *runner) requestJSON(
	ctx context.Context,
	contact *simulatedContact,
	endpoint, method, requestURL string,
	payload any,
	bearerToken *string,
	out any,
	expectedStatuses ...int,
) (int, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return 0, err
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, requestURL, body)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Forwarded-For", contact.ClientIP)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearerToken != nil && strings.TrimSpace(*bearerToken) != "" {
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(*bearerToken))
	}

	resp, err := r.apiClient.Do(req)
	if err != nil {
		requestsTotal.WithLabelValues(endpoint, method, "0", "error").Inc()
		r.requestsError.Add(1)
		return 0, err
	}
	defer resp.Body.Close()

	responseBody, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		requestsTotal.WithLabelValues(endpoint, method, strconv.Itoa(resp.StatusCode), "error").Inc()
		r.requestsError.Add(1)
		return resp.StatusCode, readErr
	}

	statusText := strconv.Itoa(resp.StatusCode)
	if isExpectedStatus(resp.StatusCode, expectedStatuses) {
		requestsTotal.WithLabelValues(endpoint, method, statusText, "success").Inc()
		r.requestsSuccess.Add(1)
		if out != nil && len(responseBody) > 0 {
			if err := json.Unmarshal(responseBody, out); err != nil {
				return resp.StatusCode, err
			}
		}
		return resp.StatusCode, nil
	}

	requestsTotal.WithLabelValues(endpoint, method, statusText, "error").Inc()
	r.requestsError.Add(1)
	return resp.StatusCode, fmt.Errorf("unexpected status=%d body=%s", resp.StatusCode, truncate(string(responseBody), 240))
}

func (r *runner) logProgress(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			log.Printf("progress: success_requests=%d error_requests=%d accepted=%d rejected=%d active_vus=%d active_ws=%d",
				r.requestsSuccess.Load(),
				r.requestsError.Load(),
				r.rsvpAccepted.Load(),
				r.rsvpRejected.Load(),
				r.activeVUs.Load(),
				r.activeWS.Load(),
			)
		}
	}
}

func runMetricsServer(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	log.Printf("load generator metrics endpoint listening on %s", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Printf("load generator metrics server failed: %v", err)
	}
}

func isExpectedStatus(status int, expected []int) bool {
	for _, candidate := range expected {
		if status == candidate {
			return true
		}
	}
	return false
}

func truncate(value string, max int) string {
	if len(value) <= max {
		return value
	}
	return value[:max] + "..."
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
