// Package main provides a benchmark for the classification pipeline.
// It submits a batch of generated images through the coordinator and
// measures submission throughput and end-to-end drain time.
//
// Usage:
//
//	go run benchmark/main.go -tasks 1000 -submitters 10
package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/SylwiaOliwia2/TFLiteClassification/pkg/coordinator"
	"github.com/SylwiaOliwia2/TFLiteClassification/pkg/notify"
	"github.com/SylwiaOliwia2/TFLiteClassification/pkg/queue"
	"github.com/SylwiaOliwia2/TFLiteClassification/pkg/store"
)

func main() {
	numTasks := flag.Int("tasks", 1000, "Number of images to submit")
	submitters := flag.Int("submitters", 10, "Number of concurrent submitters")
	redisAddr := flag.String("redis", "localhost:6379", "Redis address")
	capacity := flag.Int("capacity", 100000, "Queue capacity for the run")
	flag.Parse()

	rdb := redis.NewClient(&redis.Options{Addr: *redisAddr})
	st := store.New(rdb, time.Hour)
	q := queue.New(rdb, *capacity, 2*time.Minute)
	coord := coordinator.New(st, q, notify.New(rdb, st), 10<<20)

	img := sampleJPEG()
	ctx := context.Background()

	fmt.Printf("Classification Pipeline Benchmark\n")
	fmt.Printf("=================================\n")
	fmt.Printf("Images to submit: %d\n", *numTasks)
	fmt.Printf("Concurrent submitters: %d\n", *submitters)
	fmt.Printf("Image size: %d bytes\n\n", len(img))

	start := time.Now()
	var wg sync.WaitGroup
	var submitted, rejected atomic.Int64
	shares := splitWork(*numTasks, *submitters)

	for i := 0; i < *submitters; i++ {
		wg.Add(1)
		go func(count int) {
			defer wg.Done()
			for j := 0; j < count; j++ {
				if _, err := coord.Submit(ctx, img); err != nil {
					if errors.Is(err, coordinator.ErrBusy) {
						rejected.Add(1)
						continue
					}
					fmt.Printf("Submit error: %v\n", err)
					return
				}
				submitted.Add(1)
			}
		}(shares[i])
	}
	wg.Wait()

	elapsed := time.Since(start)
	fmt.Printf("Submitted %d tasks in %s (%.0f/s), %d rejected busy\n",
		submitted.Load(), elapsed, float64(submitted.Load())/elapsed.Seconds(), rejected.Load())

	// Drain phase: wait for workers (run separately) to empty the queue.
	fmt.Printf("\nWaiting for queue to drain (run cmd/worker separately)...\n")
	drainStart := time.Now()
	for {
		depths := q.Depths(ctx)
		var total int64
		for _, d := range depths {
			total += d
		}
		if total == 0 {
			break
		}
		if time.Since(drainStart) > 10*time.Minute {
			fmt.Printf("Gave up draining after 10m, %d ids still queued\n", total)
			return
		}
		time.Sleep(time.Second)
	}
	fmt.Printf("Queue drained in %s\n", time.Since(drainStart))
}

// splitWork spreads total across workers so the shares differ by at
// most one and integer division drops nothing.
func splitWork(total, workers int) []int {
	shares := make([]int, workers)
	for i := range shares {
		shares[i] = total / workers
		if i < total%workers {
			shares[i]++
		}
	}
	return shares
}

// sampleJPEG renders a small gradient image to submit.
func sampleJPEG() []byte {
	im := image.NewRGBA(image.Rect(0, 0, 64, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			im.Set(x, y, color.RGBA{R: uint8(x * 4), G: uint8(y * 4), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, im, nil); err != nil {
		panic(err)
	}
	return buf.Bytes()
}
