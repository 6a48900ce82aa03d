// Tool to reproduce destroy-while-busy behavior: create a source, then race
// settings updates, event broadcasts and deletes against it, and check the
// daemon stays healthy and the source is gone.
// Usage: go run main.go -url http://localhost:10001 -concurrency 4 -iterations 5
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	retry "github.com/avast/retry-go/v5"
	"github.com/nrednav/cuid2"
)

func main() {
	baseURL := flag.String("url", "http://localhost:10001", "Base URL of the notification daemon")
	concurrency := flag.Int("concurrency", 4, "Number of concurrent callers per operation")
	iterations := flag.Int("iterations", 5, "Number of test iterations")
	settle := flag.Duration("settle", 2*time.Second, "Time to let the page load before racing")
	flag.Parse()

	fmt.Printf("Testing concurrent destroy\n")
	fmt.Printf("  URL: %s\n", *baseURL)
	fmt.Printf("  Concurrency: %d\n", *concurrency)
	fmt.Printf("  Iterations: %d\n", *iterations)

	c := &client{base: *baseURL, http: &http.Client{Timeout: 10 * time.Second}}
	passed, failed := 0, 0
	for i := 0; i < *iterations; i++ {
		id := fmt.Sprintf("race-test-%s-%d", cuid2.Generate(), i)
		fmt.Printf("=== Iteration %d/%d (id=%s) ===\n", i+1, *iterations, id)
		if err := runTest(c, id, *concurrency, *settle); err != nil {
			fmt.Printf("FAILED: %v\n\n", err)
			failed++
			continue
		}
		fmt.Printf("PASSED\n\n")
		passed++
	}

	fmt.Printf("=== RESULTS: %d passed, %d failed ===\n", passed, failed)
	if failed > 0 {
		os.Exit(1)
	}
}

type client struct {
	base string
	http *http.Client
}

func (c *client) do(ctx context.Context, method, path string, body any) (int, []byte, error) {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, r)
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	return resp.StatusCode, data, err
}

func runTest(c *client, id string, concurrency int, settle time.Duration) error {
	ctx := context.Background()

	fmt.Printf("  Creating source...\n")
	status, body, err := c.do(ctx, http.MethodPost, "/sources", map[string]any{"id": id, "name": id})
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}
	if status != http.StatusCreated {
		return fmt.Errorf("create: unexpected status %d: %s", status, body)
	}
	time.Sleep(settle)

	fmt.Printf("  Racing %d updates, broadcasts and deletes...\n", concurrency)
	var wg sync.WaitGroup
	errs := make(chan error, 3*concurrency)
	for i := 0; i < concurrency; i++ {
		wg.Add(3)
		go func(i int) {
			defer wg.Done()
			status, _, err := c.do(ctx, http.MethodPatch, "/sources/"+id+"/settings", map[string]any{"width": 640 + i, "height": 360 + i})
			if err == nil && status != http.StatusOK && status != http.StatusNotFound {
				err = fmt.Errorf("update: unexpected status %d", status)
			}
			errs <- err
		}(i)
		go func(i int) {
			defer wg.Done()
			status, _, err := c.do(ctx, http.MethodPost, "/events", map[string]any{"event_name": "raceEvent", "event_data": map[string]int{"n": i}})
			if err == nil && status != http.StatusAccepted {
				err = fmt.Errorf("broadcast: unexpected status %d", status)
			}
			errs <- err
		}(i)
		go func() {
			defer wg.Done()
			status, _, err := c.do(ctx, http.MethodDelete, "/sources/"+id, nil)
			if err == nil && status != http.StatusNoContent && status != http.StatusNotFound {
				err = fmt.Errorf("delete: unexpected status %d", status)
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			return err
		}
	}

	fmt.Printf("  Checking the daemon...\n")
	return retry.New(
		retry.Attempts(10),
		retry.Delay(200*time.Millisecond),
		retry.LastErrorOnly(true),
	).Do(func() error {
		status, _, err := c.do(ctx, http.MethodGet, "/sources/"+id, nil)
		if err != nil {
			return err
		}
		if status != http.StatusNotFound {
			return fmt.Errorf("source still present (status %d)", status)
		}
		status, body, err := c.do(ctx, http.MethodGet, "/health", nil)
		if err != nil {
			return err
		}
		if status != http.StatusOK {
			return fmt.Errorf("health: status %d: %s", status, body)
		}
		return nil
	})
}
