// Command loadtest drives the LunchConnect relay with simulated group chat
// clients. Each client joins a group, subscribes to its topic, and sends
// messages at a fixed rate; round-trip latency is measured from SEND to the
// arrival of the client's own MESSAGE echo (matched by correlation ID).
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/lunchconnect/groupchat/loadtest/client"
	"github.com/lunchconnect/groupchat/loadtest/stats"
)

func main() {
	var (
		wsURL    = flag.String("url", "ws://localhost:8080/ws", "relay WebSocket endpoint")
		secret   = flag.String("secret", "", "HS256 token secret (must match the relay's TOKEN_SECRET)")
		clients  = flag.Int("clients", 50, "number of concurrent clients")
		groups   = flag.Int("groups", 5, "number of groups to spread clients across")
		rate     = flag.Duration("rate", 2*time.Second, "per-client send interval")
		duration = flag.Duration("duration", 30*time.Second, "test duration")
		ramp     = flag.Duration("ramp", 5*time.Second, "time over which to ramp up connections")
	)
	flag.Parse()

	if *secret == "" {
		fmt.Fprintln(os.Stderr, "usage: loadtest -secret <relay token secret> [-clients N] [-groups N]")
		os.Exit(2)
	}

	collector := stats.NewCollector()
	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("interrupted, reporting partial results...")
		cancel()
	}()

	log.Printf("loadtest: %d clients, %d groups, rate=%s, duration=%s", *clients, *groups, *rate, *duration)

	var wg sync.WaitGroup
	interval := *ramp / time.Duration(*clients)
	for i := 0; i < *clients; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			runClient(ctx, id, *wsURL, *secret, fmt.Sprintf("g%d", id%*groups), *rate, collector)
		}(i)
		time.Sleep(interval)
	}

	wg.Wait()
	collector.Report()
}

// runClient simulates one user for the lifetime of the context.
func runClient(ctx context.Context, id int, wsURL, secret, groupID string, rate time.Duration, collector *stats.Collector) {
	token, err := mintToken(secret, fmt.Sprintf("load-%d", id))
	if err != nil {
		log.Printf("client %d: mint token: %v", id, err)
		collector.AddError()
		return
	}

	c, err := client.New(ctx, wsURL, token)
	if err != nil {
		log.Printf("client %d: %v", id, err)
		collector.AddError()
		return
	}
	defer c.Close()
	collector.AddConnect(c.GetMetrics().ConnectLatency)

	// Track in-flight sends by correlation ID for echo latency.
	var mu sync.Mutex
	inflight := make(map[string]time.Time)

	c.On("MESSAGE", func(f *client.Frame) {
		collector.AddReceived()
		corrID := client.FieldString(f.Body, "correlationId")
		if corrID == "" {
			return
		}
		mu.Lock()
		sentAt, ok := inflight[corrID]
		if ok {
			delete(inflight, corrID)
		}
		mu.Unlock()
		if ok {
			collector.AddEchoLatency(time.Since(sentAt))
		}
	})
	c.On("ERROR", func(f *client.Frame) {
		collector.AddError()
	})

	handshake, cancelHandshake := context.WithTimeout(ctx, 10*time.Second)
	err = c.WaitForConnected(handshake)
	cancelHandshake()
	if err != nil {
		collector.AddError()
		return
	}

	if err := c.Subscribe(groupID, "sub-0"); err != nil {
		collector.AddError()
		return
	}

	ticker := time.NewTicker(rate)
	defer ticker.Stop()
	seq := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			seq++
			corrID := fmt.Sprintf("load-%d-%d-%d", id, seq, rand.Int31())
			mu.Lock()
			inflight[corrID] = time.Now()
			mu.Unlock()
			if err := c.SendChat(groupID, fmt.Sprintf("lunch poll %d from client %d", seq, id), corrID); err != nil {
				collector.AddError()
				return
			}
			collector.AddSent()
		}
	}
}

// mintToken signs a short-lived HS256 token the relay will accept.
func mintToken(secret, userID string) (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"userId": userID,
		"exp":    time.Now().Add(time.Hour).Unix(),
	})
	return tok.SignedString([]byte(secret))
}
