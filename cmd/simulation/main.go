package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	minEscrows = 15
	maxEscrows = 150
	numWorkers = 5
)

// statOrder fixes the order of the performance table
var statOrder = []string{"auth", "assets", "create", "pay", "release", "dispute", "resolve", "snapshot"}

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type escrowView struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Price  struct {
		Display string `json:"display"`
	} `json:"price"`
}

type writeResult struct {
	Operation struct {
		ID    string `json:"id"`
		State string `json:"state"`
		Error string `json:"error"`
	} `json:"operation"`
	Escrow *escrowView `json:"escrow"`
}

// party is an authenticated API identity
type party struct {
	name   string
	wallet string
	token  string
}

// simulationClient handles HTTP communication with the escrow API
type simulationClient struct {
	baseURL string
	client  *http.Client
	stats   map[string]*routeStats
}

func newSimulationClient(baseURL string) *simulationClient {
	return &simulationClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
		stats: map[string]*routeStats{
			"auth":     {name: "Authentication"},
			"assets":   {name: "List Assets"},
			"create":   {name: "Create Escrow"},
			"pay":      {name: "Pay"},
			"release":  {name: "Release"},
			"dispute":  {name: "Dispute"},
			"resolve":  {name: "Resolve"},
			"snapshot": {name: "Snapshot"},
		},
	}
}

// call sends one request, records its latency under stat and decodes the
// envelope data into out
func (sc *simulationClient) call(stat, method, path, token string, body, out any) error {
	start := time.Now()
	var failed bool
	defer func() {
		sc.stats[stat].addDuration(time.Since(start), failed)
	}()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			failed = true
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, sc.baseURL+path, reader)
	if err != nil {
		failed = true
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if method == http.MethodPost {
		req.Header.Set("Idempotency-Key", uuid.New().String())
	}

	resp, err := sc.client.Do(req)
	if err != nil {
		failed = true
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		failed = true
		return fmt.Errorf("failed to read response body: %w", err)
	}
	log.Debug().Str("path", path).Int("status", resp.StatusCode).Str("response", string(respBody)).Msg("API response")

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		failed = true
		return fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}
	if resp.StatusCode >= http.StatusBadRequest {
		failed = true
		if env.Error != nil {
			return fmt.Errorf("%s %s failed with status %d: %s: %s", method, path, resp.StatusCode, env.Error.Code, env.Error.Message)
		}
		return fmt.Errorf("%s %s failed with status %d", method, path, resp.StatusCode)
	}
	if out != nil && len(env.Data) > 0 {
		return json.Unmarshal(env.Data, out)
	}
	return nil
}

// authenticate exchanges an API key pair for a wallet-bound JWT
func (sc *simulationClient) authenticate(name, apiKey, apiSecret string) (*party, error) {
	var result struct {
		Token  string `json:"jwt_token"`
		Wallet string `json:"wallet"`
	}
	err := sc.call("auth", http.MethodPost, "/api/v1/auth/token", "", map[string]string{
		"api_key":    apiKey,
		"api_secret": apiSecret,
	}, &result)
	if err != nil {
		return nil, fmt.Errorf("authenticate %s: %w", name, err)
	}
	return &party{name: name, wallet: result.Wallet, token: result.Token}, nil
}

func (sc *simulationClient) firstAsset() (string, error) {
	var assets []struct {
		Address string `json:"address"`
		Symbol  string `json:"symbol"`
	}
	if err := sc.call("assets", http.MethodGet, "/api/v1/assets", "", nil, &assets); err != nil {
		return "", err
	}
	if len(assets) == 0 {
		return "", errors.New("server accepts no assets")
	}
	return assets[0].Address, nil
}

// write submits an escrow write and waits for it to commit
func (sc *simulationClient) write(stat, path string, who *party, body any) (*writeResult, error) {
	var result writeResult
	if err := sc.call(stat, http.MethodPost, path+"?wait=true", who.token, body, &result); err != nil {
		return nil, err
	}
	if result.Operation.State != "CONFIRMED" {
		return &result, fmt.Errorf("operation %s still %s", result.Operation.ID, result.Operation.State)
	}
	return &result, nil
}

type summary struct {
	mu       sync.Mutex
	created  int
	funded   int
	released int
	refunded int
	failed   int
}

func (s *summary) add(field *int) {
	s.mu.Lock()
	*field++
	s.mu.Unlock()
}

// runEscrow drives one escrow from creation to a terminal status. About a
// third of escrows are disputed and resolved by the arbiter.
func runEscrow(sc *simulationClient, token string, buyer, seller, arbiter *party, sum *summary) {
	price := fmt.Sprintf("%d", (rand.Intn(1000)+1)*1_000_000)

	created, err := sc.write("create", "/api/v1/escrows", buyer, map[string]string{
		"buyer":         buyer.wallet,
		"seller":        seller.wallet,
		"price":         price,
		"token_address": token,
	})
	if err != nil || created.Escrow == nil {
		log.Error().Err(err).Msg("Failed to create escrow")
		sum.add(&sum.failed)
		return
	}
	sum.add(&sum.created)
	id := created.Escrow.ID

	if _, err := sc.write("pay", "/api/v1/escrows/"+id+"/pay", buyer, map[string]string{"amount": price}); err != nil {
		log.Error().Err(err).Str("escrow_id", id).Msg("Failed to pay escrow")
		sum.add(&sum.failed)
		return
	}
	sum.add(&sum.funded)

	if rand.Intn(3) != 0 {
		if _, err := sc.write("release", "/api/v1/escrows/"+id+"/release", buyer, nil); err != nil {
			log.Error().Err(err).Str("escrow_id", id).Msg("Failed to release escrow")
			sum.add(&sum.failed)
			return
		}
		sum.add(&sum.released)
		log.Info().Str("escrow_id", id).Str("price", created.Escrow.Price.Display).Msg("Escrow released")
		return
	}

	if _, err := sc.write("dispute", "/api/v1/escrows/"+id+"/dispute", seller, nil); err != nil {
		log.Error().Err(err).Str("escrow_id", id).Msg("Failed to dispute escrow")
		sum.add(&sum.failed)
		return
	}
	outcome := "RELEASE"
	if rand.Intn(2) == 0 {
		outcome = "REFUND"
	}
	resolved, err := sc.write("resolve", "/api/v1/escrows/"+id+"/resolve", arbiter, map[string]string{"outcome": outcome})
	if err != nil {
		log.Error().Err(err).Str("escrow_id", id).Msg("Failed to resolve escrow")
		sum.add(&sum.failed)
		return
	}
	if resolved.Escrow != nil && resolved.Escrow.Status == "REFUNDED" {
		sum.add(&sum.refunded)
	} else {
		sum.add(&sum.released)
	}
	log.Info().Str("escrow_id", id).Str("outcome", outcome).Msg("Dispute resolved")
}

// main drives concurrent escrow lifecycles against a running server and
// reports per-route latency
func main() {
	server := flag.String("server", envOr("SIM_SERVER", "http://localhost:8080"), "escrow API base URL")
	buyerKey := flag.String("buyer", envOr("SIM_BUYER", "buyer-key:buyer-secret"), "buyer api_key:api_secret")
	sellerKey := flag.String("seller", envOr("SIM_SELLER", "seller-key:seller-secret"), "seller api_key:api_secret")
	arbiterKey := flag.String("arbiter", envOr("SIM_ARBITER", "arbiter-key:arbiter-secret"), "arbiter api_key:api_secret")
	count := flag.Int("escrows", 0, "number of escrows to run, random when zero")
	flag.Parse()

	sc := newSimulationClient(*server)

	login := func(name, pair string) *party {
		key, secret, _ := strings.Cut(pair, ":")
		p, err := sc.authenticate(name, key, secret)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize simulation client")
		}
		return p
	}
	buyer := login("buyer", *buyerKey)
	seller := login("seller", *sellerKey)
	arbiter := login("arbiter", *arbiterKey)

	token, err := sc.firstAsset()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to list assets")
	}

	target := *count
	if target <= 0 {
		target = rand.Intn(maxEscrows-minEscrows) + minEscrows
	}
	log.Info().Int("target_escrows", target).Str("token", token).Msg("Starting simulation")

	start := time.Now()
	sum := &summary{}
	jobs := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range jobs {
				runEscrow(sc, token, buyer, seller, arbiter, sum)
				// Random sleep between escrows
				time.Sleep(time.Duration(rand.Intn(200)) * time.Millisecond)
			}
		}()
	}
	for i := 0; i < target; i++ {
		jobs <- struct{}{}
	}
	close(jobs)
	wg.Wait()

	var snapshot struct {
		Total  int `json:"total"`
		Failed int `json:"failed"`
	}
	if err := sc.call("snapshot", http.MethodGet, "/api/v1/escrows", "", nil, &snapshot); err != nil {
		log.Error().Err(err).Msg("Failed to take snapshot")
	}

	duration := time.Since(start)
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("ESCROW SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf(`
Escrow Statistics
-----------------
Target:           %d
Created:          %d
Funded:           %d
Released:         %d
Refunded:         %d
Failed:           %d
Snapshot total:   %d (%d unreadable)
Duration:         %v
`, target, sum.created, sum.funded, sum.released, sum.refunded, sum.failed,
		snapshot.Total, snapshot.Failed, duration.Round(time.Millisecond))

	log.Info().
		Int("created", sum.created).
		Int("failed", sum.failed).
		Dur("duration", duration).
		Msg("Simulation completed")

	printPerformanceStats(statOrder, sc.stats)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
