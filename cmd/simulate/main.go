// FraudWatch - Transaction risk evaluation and alerting.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

// Command simulate posts synthetic Indian retail transactions to a running
// FraudWatch server and reports how they were classified.
//
// Usage:
//
//	go run ./cmd/simulate --url http://localhost:8080 --count 1000 --workers 10
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Submission is the POST /transactions body.
type Submission struct {
	TransactionID    string          `json:"transaction_id"`
	UserID           string          `json:"user_id"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
	MerchantName     string          `json:"merchant_name"`
	MerchantCategory string          `json:"merchant_category"`
	LocationCity     string          `json:"location_city"`
	LocationState    string          `json:"location_state"`
	PaymentMethod    string          `json:"payment_method"`
	UPIVPA           string          `json:"upi_vpa,omitempty"`
	BankName         string          `json:"bank_name,omitempty"`
}

// Result is the subset of the evaluation response the simulator reads.
type Result struct {
	Transaction struct {
		ID        string `json:"transaction_id"`
		Status    string `json:"status"`
		RiskScore int    `json:"risk_score"`
	} `json:"transaction"`
	Alert *struct {
		Severity string `json:"severity"`
	} `json:"alert"`
	ReconciliationRequired bool `json:"reconciliation_required"`
}

// Metrics tracks simulation results.
type Metrics struct {
	TotalSent      atomic.Int64
	TotalErrors    atomic.Int64
	Alerts         atomic.Int64
	Reconciliation atomic.Int64
	LatencyMs      atomic.Int64

	mu         sync.Mutex
	byStatus   map[string]int64
	bySeverity map[string]int64
	errors     map[string]int64
}

func newMetrics() *Metrics {
	return &Metrics{
		byStatus:   make(map[string]int64),
		bySeverity: make(map[string]int64),
		errors:     make(map[string]int64),
	}
}

func (m *Metrics) record(res *Result, err error, elapsed time.Duration) {
	m.TotalSent.Add(1)
	m.LatencyMs.Add(elapsed.Milliseconds())

	m.mu.Lock()
	defer m.mu.Unlock()

	if err != nil {
		m.TotalErrors.Add(1)
		m.errors[err.Error()]++
		return
	}
	m.byStatus[res.Transaction.Status]++
	if res.Alert != nil {
		m.Alerts.Add(1)
		m.bySeverity[res.Alert.Severity]++
	}
	if res.ReconciliationRequired {
		m.Reconciliation.Add(1)
	}
}

type place struct{ city, state string }

var (
	places = []place{
		{"Mumbai", "Maharashtra"}, {"Pune", "Maharashtra"}, {"Bengaluru", "Karnataka"},
		{"Delhi", "Delhi"}, {"Chennai", "Tamil Nadu"}, {"Hyderabad", "Telangana"},
		{"Kolkata", "West Bengal"}, {"Jaipur", "Rajasthan"}, {"Ahmedabad", "Gujarat"},
		{"Lucknow", "Uttar Pradesh"},
	}
	merchants = map[string][]string{
		"grocery":       {"Big Bazaar", "DMart", "Reliance Fresh"},
		"fuel":          {"Indian Oil", "HP Petrol Pump", "Bharat Petroleum"},
		"restaurant":    {"Swiggy", "Zomato", "Haldiram's"},
		"ecommerce":     {"Flipkart", "Amazon.in", "Meesho"},
		"recharge":      {"Jio Recharge", "Airtel Payments"},
		"electronics":   {"Croma", "Reliance Digital", "Vijay Sales"},
		"gold_jewelry":  {"Tanishq", "Kalyan Jewellers", "Malabar Gold"},
		"travel":        {"IRCTC", "MakeMyTrip", "RedBus"},
		"pharmacy":      {"Apollo Pharmacy", "MedPlus"},
		"entertainment": {"BookMyShow", "PVR Cinemas"},
	}
	banks   = []string{"SBI", "HDFC Bank", "ICICI Bank", "Axis Bank", "Kotak Mahindra", "Punjab National Bank"}
	methods = []string{"upi", "upi", "upi", "debit_card", "credit_card", "netbanking", "wallet", "aadhaar_pay", "bhim"}
	vpaHost = []string{"okicici", "okhdfcbank", "oksbi", "ybl", "paytm"}
)

// generate builds one synthetic submission. riskRate is the share of
// submissions drawn from the high-risk profile.
func generate(r *rand.Rand, users int, riskRate float64) Submission {
	categories := make([]string, 0, len(merchants))
	for c := range merchants {
		categories = append(categories, c)
	}
	sort.Strings(categories)

	category := categories[r.IntN(len(categories))]
	names := merchants[category]
	loc := places[r.IntN(len(places))]
	method := methods[r.IntN(len(methods))]
	user := fmt.Sprintf("user-%04d", r.IntN(users))

	// Typical retail spend is ₹100 to ₹5,000; risky draws reach ₹2,00,000.
	amount := decimal.NewFromFloat(100 + r.Float64()*4900)
	if r.Float64() < riskRate {
		amount = decimal.NewFromFloat(20000 + r.Float64()*180000)
	}

	s := Submission{
		TransactionID:    fmt.Sprintf("SIM-%s", uuid.NewString()[:13]),
		UserID:           user,
		Amount:           amount.Round(2),
		Currency:         "INR",
		MerchantName:     names[r.IntN(len(names))],
		MerchantCategory: category,
		LocationCity:     loc.city,
		LocationState:    loc.state,
		PaymentMethod:    method,
		BankName:         banks[r.IntN(len(banks))],
	}
	if method == "upi" && r.Float64() > 0.1 {
		s.UPIVPA = fmt.Sprintf("%s@%s", user, vpaHost[r.IntN(len(vpaHost))])
	}
	return s
}

func main() {
	baseURL := kingpin.Flag("url", "FraudWatch base URL").Default("http://localhost:8080").String()
	count := kingpin.Flag("count", "Number of transactions to submit").Short('n').Default("1000").Int()
	workers := kingpin.Flag("workers", "Number of concurrent submitters").Short('w').Default("10").Int()
	users := kingpin.Flag("users", "Size of the synthetic user pool").Default("200").Int()
	riskRate := kingpin.Flag("risk-rate", "Share of high-value submissions (0.0-1.0)").Default("0.1").Float64()
	seed := kingpin.Flag("seed", "Random seed (0 = time based)").Default("0").Uint64()
	async := kingpin.Flag("async", "Queue submissions with ?mode=async").Bool()
	verbose := kingpin.Flag("verbose", "Print each result").Short('v').Bool()
	kingpin.Parse()

	fmt.Println("FraudWatch simulator")
	fmt.Printf("\nURL:        %s\n", *baseURL)
	fmt.Printf("Count:      %d\n", *count)
	fmt.Printf("Workers:    %d\n", *workers)
	fmt.Printf("Users:      %d\n", *users)
	fmt.Printf("Risk rate:  %.2f\n", *riskRate)
	fmt.Printf("Async:      %v\n\n", *async)

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: FraudWatch not reachable at %s: %v\n", *baseURL, err)
		os.Exit(1)
	}
	fmt.Println("✓ FraudWatch is healthy")

	s := *seed
	if s == 0 {
		s = uint64(time.Now().UnixNano())
	}

	start := time.Now()
	metrics := runSimulation(*baseURL, *count, *workers, *users, *riskRate, s, *async, *verbose)
	printResults(metrics, time.Since(start), *async)
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func runSimulation(baseURL string, count, numWorkers, users int, riskRate float64, seed uint64, async, verbose bool) *Metrics {
	metrics := newMetrics()
	work := make(chan Submission, 100)
	var wg sync.WaitGroup

	if numWorkers <= 0 {
		numWorkers = 1
	}
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 15 * time.Second}

			for sub := range work {
				start := time.Now()
				res, err := submit(client, baseURL, sub, async)
				metrics.record(res, err, time.Since(start))

				if verbose {
					if err != nil {
						fmt.Printf("ERROR %s -> %v\n", sub.TransactionID, err)
						continue
					}
					fmt.Printf("%-18s | %-10s | ₹%12s | %-12s | %-10s | %3d\n",
						sub.TransactionID, sub.UserID, sub.Amount.StringFixed(2),
						sub.PaymentMethod, res.Transaction.Status, res.Transaction.RiskScore)
				}
			}
		}()
	}

	r := rand.New(rand.NewPCG(seed, seed>>1))
	for i := 0; i < count; i++ {
		work <- generate(r, users, riskRate)
	}
	close(work)
	wg.Wait()

	return metrics
}

func submit(client *http.Client, baseURL string, sub Submission, async bool) (*Result, error) {
	body, err := json.Marshal(sub)
	if err != nil {
		return nil, err
	}

	url := baseURL + "/transactions"
	want := http.StatusCreated
	if async {
		url += "?mode=async"
		want = http.StatusAccepted
	}

	resp, err := client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var res Result
	if async {
		res.Transaction.ID = sub.TransactionID
		res.Transaction.Status = "queued"
		return &res, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, err
	}
	return &res, nil
}

func printResults(m *Metrics, duration time.Duration, async bool) {
	sent := m.TotalSent.Load()

	fmt.Println("\nRESULTS")
	fmt.Printf("   Submitted:        %d\n", sent)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors.Load())

	m.mu.Lock()
	defer m.mu.Unlock()

	fmt.Println("\nSTATUS")
	for _, status := range sortedKeys(m.byStatus) {
		n := m.byStatus[status]
		fmt.Printf("   %-12s %8d  (%.2f%%)\n", status, n, 100*float64(n)/float64(max(sent, 1)))
	}

	if !async {
		fmt.Println("\nALERTS")
		fmt.Printf("   Raised:           %d\n", m.Alerts.Load())
		for _, sev := range sortedKeys(m.bySeverity) {
			fmt.Printf("   %-12s %8d\n", sev, m.bySeverity[sev])
		}
		fmt.Printf("   Reconciliation:   %d\n", m.Reconciliation.Load())
	}

	if len(m.errors) > 0 {
		fmt.Println("\nERRORS")
		for _, e := range sortedKeys(m.errors) {
			fmt.Printf("   %-30s %d\n", e, m.errors[e])
		}
	}

	fmt.Println("\nPERFORMANCE")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if sent > 0 {
		fmt.Printf("   Avg Latency:      %.2f ms\n", float64(m.LatencyMs.Load())/float64(sent))
		fmt.Printf("   Throughput:       %.2f tx/sec\n", float64(sent)/duration.Seconds())
	}
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
