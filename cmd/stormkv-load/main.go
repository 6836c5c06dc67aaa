package main

import (
	"flag"
	"fmt"
	"math/rand"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-faker/faker/v4"

	"stormkv/client"
)

// deviceProfile is the fake hash document written for search-indexed
// keys.
type deviceProfile struct {
	Name  string `faker:"name"`
	Email string `faker:"email"`
	City  string `faker:"word"`
}

func main() {
	home := flag.String("home", ".", "Home directory for certs")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	duration := flag.Duration("duration", 10*time.Second, "Test duration")
	addr := flag.String("target", "localhost:6480", "Target address")
	keyCount := flag.Int("keys", 1_000_000, "Total number of unique keys (Cardinality)")
	paddingSize := flag.Int("padding", 0, "Additional bytes of padding per value to stress tiering")
	hashRatio := flag.Int("hash-ratio", 10, "Percent of writes that are hash documents")
	withIndex := flag.Bool("index", false, "Create a search index over the hash documents")
	flag.Parse()

	caFile := filepath.Join(*home, "certs/ca.crt")
	certFile := filepath.Join(*home, "certs/client.crt")
	keyFile := filepath.Join(*home, "certs/client.key")

	padStr := ""
	if *paddingSize > 0 {
		padStr = strings.Repeat("x", *paddingSize)
	}

	fmt.Printf("Starting Load Generator\n")
	fmt.Printf("Target: %s\n", *addr)
	fmt.Printf("Duration: %v\n", *duration)
	fmt.Printf("Workers: %d\n", *workers)
	fmt.Printf("Key Pool: %d keys\n", *keyCount)
	if *paddingSize > 0 {
		fmt.Printf("Payload Padding: %d bytes\n", *paddingSize)
	}
	fmt.Println("")

	connect := func() (*client.Client, error) {
		cl, err := client.NewTLSClientHelper(*addr, caFile, certFile, keyFile, nil)
		if err == nil {
			return cl, nil
		}
		return client.NewClient(client.Config{Address: *addr, ConnectTimeout: 5 * time.Second})
	}

	if *withIndex {
		cl, err := connect()
		if err != nil {
			fmt.Printf("connect failed: %v\n", err)
			return
		}
		err = cl.IdxCreate("devices", "device:", "name TEXT email TAG city TAG SORTABLE")
		cl.Close()
		if err != nil {
			fmt.Printf("index create: %v (continuing)\n", err)
		}
	}

	var ops int64
	var errCount int64

	errorMap := make(map[string]int)
	var errMu sync.Mutex

	recordError := func(err error) {
		atomic.AddInt64(&errCount, 1)
		msg := err.Error()
		errMu.Lock()
		errorMap[msg]++
		errMu.Unlock()
	}

	var wg sync.WaitGroup
	start := time.Now()
	done := make(chan struct{})

	go func() {
		time.Sleep(*duration)
		close(done)
	}()

	for i := 0; i < *workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()

			cli, err := connect()
			if err != nil {
				recordError(fmt.Errorf("connect failed: %v", err))
				return
			}
			defer cli.Close()

			rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(id)))

			for {
				select {
				case <-done:
					return
				default:
				}

				keyID := rng.Intn(*keyCount)

				if rng.Intn(100) < *hashRatio {
					var p deviceProfile
					if err := faker.FakeData(&p); err != nil {
						recordError(fmt.Errorf("faker failed: %v", err))
						continue
					}
					key := "device:" + strconv.Itoa(keyID)
					fields := map[string]string{
						"name":  p.Name,
						"email": p.Email,
						"city":  p.City,
					}
					if _, err := cli.HSet(key, fields); err != nil {
						recordError(err)
						continue
					}
				} else {
					key := "load:" + strconv.Itoa(keyID)
					val := faker.Sentence() + padStr
					if err := cli.Set(key, []byte(val)); err != nil {
						recordError(err)
						continue
					}
				}
				atomic.AddInt64(&ops, 1)
			}
		}(i)
	}

	wg.Wait()
	elapsed := time.Since(start)

	fmt.Println("\nStopping workers...")
	fmt.Println("--- Results ---")
	fmt.Printf("Total Operations: %d\n", ops)
	fmt.Printf("Total Errors:     %d\n", errCount)
	fmt.Printf("Throughput:       %.2f ops/sec\n", float64(ops)/elapsed.Seconds())

	if len(errorMap) > 0 {
		fmt.Println("\n--- Error Breakdown ---")
		type errStat struct {
			msg   string
			count int
		}
		var stats []errStat
		for msg, count := range errorMap {
			stats = append(stats, errStat{msg, count})
		}
		sort.Slice(stats, func(i, j int) bool {
			return stats[i].count > stats[j].count
		})

		for _, stat := range stats {
			fmt.Printf("[%4d] %s\n", stat.count, stat.msg)
		}
	}
}
