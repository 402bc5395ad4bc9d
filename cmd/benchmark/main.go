package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	targetURL   string
	oracleAddr  string
	concurrency int
	duration    time.Duration
	workload    string
	accounts    int
	goals       int
)

var (
	totalRequests uint64
	success       uint64 // 200/201
	conflicts     uint64 // 409, goal already attested
	rejected      uint64 // 422, typically nothing to withdraw
	failOther     uint64
	attests       uint64
	withdrawals   uint64
)

func main() {
	cmd := &cobra.Command{
		Use:   "benchmark",
		Short: "Concurrent attest/withdraw load against the settlement API",
		Run: func(cmd *cobra.Command, args []string) {
			run()
		},
	}
	cmd.Flags().StringVar(&targetURL, "url", "http://localhost:8080", "API base URL")
	cmd.Flags().StringVar(&oracleAddr, "oracle", "0xoracle", "oracle identity used for attestations")
	cmd.Flags().IntVar(&concurrency, "workers", 10, "number of concurrent workers")
	cmd.Flags().DurationVar(&duration, "duration", 30*time.Second, "test duration")
	cmd.Flags().StringVar(&workload, "workload", "uniform", "workload type: uniform | hotspot")
	cmd.Flags().IntVar(&accounts, "accounts", 1000, "seeded depositors")
	cmd.Flags().IntVar(&goals, "goals", 4, "goals per seeded depositor")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run() {
	log.Infof("Starting Benchmark: %s | Workers: %d | Duration: %s", workload, concurrency, duration)

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go worker(&wg, start)
	}
	wg.Wait()
	printResults(time.Since(start))
}

func worker(wg *sync.WaitGroup, start time.Time) {
	defer wg.Done()
	client := &http.Client{Timeout: 5 * time.Second}

	for time.Since(start) < duration {
		user := pickAccount()

		var req *http.Request
		if rand.Float32() < 0.5 {
			body, _ := json.Marshal(map[string]interface{}{
				"user":       user,
				"goal_index": rand.Intn(goals),
				"success":    rand.Float32() < 0.7,
			})
			req, _ = http.NewRequest("POST", targetURL+"/api/v1/goals/attest", bytes.NewBuffer(body))
			req.Header.Set("X-Caller-Address", oracleAddr)
			atomic.AddUint64(&attests, 1)
		} else {
			req, _ = http.NewRequest("POST", targetURL+"/api/v1/withdrawals", nil)
			req.Header.Set("X-Caller-Address", user)
			atomic.AddUint64(&withdrawals, 1)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}

		atomic.AddUint64(&totalRequests, 1)
		switch resp.StatusCode {
		case http.StatusOK, http.StatusCreated:
			atomic.AddUint64(&success, 1)
		case http.StatusConflict:
			atomic.AddUint64(&conflicts, 1)
		case http.StatusUnprocessableEntity:
			atomic.AddUint64(&rejected, 1)
		default:
			atomic.AddUint64(&failOther, 1)
		}
		resp.Body.Close()
	}
}

// pickAccount matches the seeder's depositor naming.
func pickAccount() string {
	if workload == "hotspot" && rand.Float32() < 0.90 {
		// 90% of traffic goes to the first two depositors.
		return fmt.Sprintf("0xbench%06d", rand.Intn(2))
	}
	return fmt.Sprintf("0xbench%06d", rand.Intn(accounts))
}

func printResults(d time.Duration) {
	total := atomic.LoadUint64(&totalRequests)
	results := map[string]interface{}{
		"workload":          workload,
		"duration_sec":      d.Seconds(),
		"total_requests":    total,
		"throughput_tps":    float64(total) / d.Seconds(),
		"success":           atomic.LoadUint64(&success),
		"already_attested":  atomic.LoadUint64(&conflicts),
		"rejected":          atomic.LoadUint64(&rejected),
		"errors":            atomic.LoadUint64(&failOther),
		"attest_requests":   atomic.LoadUint64(&attests),
		"withdraw_requests": atomic.LoadUint64(&withdrawals),
	}

	// JSON for the plotting scripts.
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	filename := fmt.Sprintf("results_%s.json", workload)
	file, err := os.Create(filename)
	if err != nil {
		log.WithError(err).Warn("unable to write results file")
		return
	}
	defer file.Close()
	json.NewEncoder(file).Encode(results)
}
