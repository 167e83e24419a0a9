package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/citychain/ledger-node/client"
	"github.com/citychain/ledger-node/ledger"
)

type submitResponse struct {
	Approved  bool `json:"approved"`
	Forwarded bool `json:"forwarded"`
}

type chainResponse struct {
	Height int `json:"height"`
}

var users = []string{"Alice", "Bob", "Carol", "Dave", "Erin", "Frank"}

type RequestResult struct {
	Name        string
	Method      string
	Endpoint    string
	Status      int
	Latency     time.Duration
	BlockHeight int
}

func main() {
	nodeURL := flag.String("url", "http://127.0.0.1:5000", "Municipal node base URL")
	count := flag.Int("n", 500, "Transactions per iteration")
	concurrency := flag.Int("c", 16, "Concurrent submitters")
	iterations := flag.Int("i", 1, "Number of iterations to run")
	municipalities := flag.String("municipalities", "Asia-Tokyo,Asia-Osaka,Europe-Paris", "Comma separated receiver municipalities")
	home := flag.String("home", "Asia-Tokyo", "Sender municipality served by the node")
	wait := flag.Duration("wait", 30*time.Second, "How long to wait for the batch to be assembled")
	flag.Parse()

	filename := fmt.Sprintf("benchmark_i_%d_n_%d_c_%d.csv", *iterations, *count, *concurrency)
	file, err := os.Create(filename)
	if err != nil {
		fmt.Printf("Error creating CSV file: %v\n", err)
		return
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"Iteration", "Step", "Method", "Endpoint", "Status", "Latency_ms", "BlockHeight"}
	if err := writer.Write(header); err != nil {
		fmt.Printf("Error writing CSV header: %v\n", err)
		return
	}

	requestClient := client.NewHTTPClient(*nodeURL, 10*time.Second)
	requestClient.DefaultOpts.Headers["Accept"] = "application/json"
	receivers := strings.Split(*municipalities, ",")

	for i := 0; i < *iterations; i++ {
		fmt.Printf("\n[Iteration %d/%d]\n", i+1, *iterations)
		results := runBenchmark(requestClient, *home, receivers, *count, *concurrency, *wait)

		for _, result := range results {
			record := []string{
				strconv.Itoa(i + 1),
				result.Name,
				result.Method,
				result.Endpoint,
				strconv.Itoa(result.Status),
				strconv.FormatInt(result.Latency.Milliseconds(), 10),
				strconv.Itoa(result.BlockHeight),
			}
			if err := writer.Write(record); err != nil {
				fmt.Printf("Error writing record to CSV: %v\n", err)
			}
		}

		time.Sleep(100 * time.Millisecond)
	}

	fmt.Printf("\nBenchmark complete. Results saved to %s\n", filename)
}

func runBenchmark(requestClient *client.HTTPClient, home string, receivers []string, count, concurrency int, wait time.Duration) []RequestResult {
	ctx := context.Background()
	totalStart := time.Now()

	startHeight, err := chainHeight(ctx, requestClient)
	if err != nil {
		fmt.Println(err)
		return nil
	}

	var (
		mu       sync.Mutex
		results  []RequestResult
		accepted int
		approved int
	)
	g := errgroup.Group{}
	g.SetLimit(concurrency)
	for n := 0; n < count; n++ {
		tx := randomTransaction(home, receivers)
		g.Go(func() error {
			start := time.Now()
			resp, err := requestClient.POST(ctx, "/transactions", tx, nil)
			elapsed := time.Since(start)
			if err != nil {
				fmt.Println(err)
				return nil
			}
			var body submitResponse
			_ = client.UnmarshalBody(resp, &body)

			mu.Lock()
			defer mu.Unlock()
			if resp.OK() {
				accepted++
			}
			if body.Approved {
				approved++
			}
			results = append(results, RequestResult{
				Name:     "Submit Transaction",
				Method:   "POST",
				Endpoint: "/transactions",
				Status:   resp.StatusCode,
				Latency:  elapsed,
			})
			return nil
		})
	}
	_ = g.Wait()
	submitElapsed := time.Since(totalStart)
	fmt.Printf("Submitted %d/%d transactions, %d approved [Delay: %v]\n", accepted, count, approved, submitElapsed)

	// Wait for the batch to land in a block
	start := time.Now()
	height := startHeight
	for time.Since(start) < wait {
		if h, err := chainHeight(ctx, requestClient); err == nil {
			height = h
			if height > startHeight {
				break
			}
		}
		time.Sleep(250 * time.Millisecond)
	}
	elapsed := time.Since(start)
	if height > startHeight {
		fmt.Printf("Block assembled, height %d [Delay: %v]\n", height, elapsed)
	} else {
		fmt.Printf("No block assembled within %v\n", wait)
	}
	results = append(results, RequestResult{
		Name:        "Block Assembly",
		Method:      "GET",
		Endpoint:    "/chain",
		Latency:     elapsed,
		BlockHeight: height,
	})

	totalElapsed := time.Since(totalStart)
	fmt.Printf("\nTotal workflow execution time: %v\n", totalElapsed)
	results = append(results, RequestResult{
		Name:        "Complete Workflow",
		Method:      "WORKFLOW",
		Endpoint:    "complete-workflow",
		Latency:     totalElapsed,
		BlockHeight: height,
	})
	return results
}

func chainHeight(ctx context.Context, requestClient *client.HTTPClient) (int, error) {
	resp, err := requestClient.GET(ctx, "/chain?limit=1", nil)
	if err != nil {
		return 0, err
	}
	var chain chainResponse
	if err := client.UnmarshalBody(resp, &chain); err != nil {
		return 0, err
	}
	return chain.Height, nil
}

func randomTransaction(home string, receivers []string) ledger.Transaction {
	sender := users[rand.Intn(len(users))]
	receiver := users[rand.Intn(len(users))]
	for receiver == sender {
		receiver = users[rand.Intn(len(users))]
	}
	return ledger.Transaction{
		Sender:               sender,
		Receiver:             receiver,
		Amount:               float64(1+rand.Intn(10000)) / 100,
		SenderMunicipality:   home,
		ReceiverMunicipality: strings.TrimSpace(receivers[rand.Intn(len(receivers))]),
		Type:                 ledger.TypeSend,
	}
}
