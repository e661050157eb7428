package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ryandielhenn/zephyrchat/pkg/feed"
	"github.com/ryandielhenn/zephyrchat/pkg/identity"
	"github.com/ryandielhenn/zephyrchat/pkg/peer"
)

func main() {
	addr := flag.String("addr", "", "peer diagnostics address; empty runs an in-process swarm")
	n := flag.Int("n", 200, "messages per sender")
	conc := flag.Int("c", 8, "concurrency (http mode)")
	peers := flag.Int("peers", 5, "peers in the in-process swarm")
	delay := flag.Duration("delay", 5*time.Millisecond, "simulated store latency")
	timeout := flag.Duration("timeout", 2*time.Minute, "give up after")
	flag.Parse()

	if *addr != "" {
		httpLoad(*addr, *n, *conc)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	if err := swarm(ctx, *peers, *n, *delay); err != nil {
		log.Fatal(err)
	}
}

// httpLoad posts n messages to a running peer and reads the buffer back.
func httpLoad(addr string, n, conc int) {
	client := &http.Client{Timeout: 5 * time.Second}
	var wg sync.WaitGroup
	var mu sync.Mutex
	failed := 0
	start := time.Now()
	ch := make(chan struct{}, conc)

	for i := 0; i < n; i++ {
		wg.Add(1)
		ch <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-ch }()
			body := fmt.Sprintf("bench %d", i)
			resp, err := client.Post(addr+"/messages", "text/plain", strings.NewReader(body))
			if err != nil || resp.StatusCode != http.StatusCreated {
				mu.Lock()
				failed++
				mu.Unlock()
			}
			if resp != nil {
				_, _ = io.Copy(io.Discard, resp.Body)
				resp.Body.Close()
			}
		}(i)
	}
	wg.Wait()
	dur := time.Since(start)

	resp, err := client.Get(addr + "/messages")
	if err == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}
	fmt.Printf("Sent %d messages in %s (%.2f msg/s, %d failed)\n", n, dur, float64(n)/dur.Seconds(), failed)
}

// swarm starts count peers on one in-memory store, has each send n
// messages and reports how long until every peer has seen all of them.
func swarm(ctx context.Context, count, n int, delay time.Duration) error {
	store := feed.NewMemory()
	store.Delay = delay

	var ps []*peer.Peer
	for i := 0; i < count; i++ {
		s, err := identity.GenerateSigner()
		if err != nil {
			return err
		}
		p, err := peer.New(store, peer.Config{
			Name:               fmt.Sprintf("bench-%d", i),
			Topic:              "bench",
			Signer:             s,
			MembershipInterval: 100 * time.Millisecond,
			MessageInterval:    100 * time.Millisecond,
			MaintainInterval:   time.Second,
		})
		if err != nil {
			return err
		}
		if err := p.Start(ctx); err != nil {
			return err
		}
		defer p.Stop()
		ps = append(ps, p)
	}

	start := time.Now()
	if err := waitFor(ctx, func() bool {
		for _, p := range ps {
			if len(p.Members()) < count {
				return false
			}
		}
		return true
	}); err != nil {
		return fmt.Errorf("membership did not converge: %w", err)
	}
	fmt.Printf("Membership of %d peers converged in %s\n", count, time.Since(start))

	start = time.Now()
	var wg sync.WaitGroup
	errs := make(chan error, count)
	for _, p := range ps {
		wg.Add(1)
		go func(p *peer.Peer) {
			defer wg.Done()
			for i := 0; i < n; i++ {
				if _, err := p.Send(ctx, fmt.Sprintf("%s #%d", p.Self().Name, i)); err != nil {
					errs <- err
					return
				}
			}
		}(p)
	}
	wg.Wait()
	close(errs)
	if err := <-errs; err != nil {
		return err
	}
	sent := time.Since(start)

	want := (count - 1) * n
	if err := waitFor(ctx, func() bool {
		for _, p := range ps {
			if received(p) < want {
				return false
			}
		}
		return true
	}); err != nil {
		return fmt.Errorf("delivery incomplete: %w", err)
	}
	dur := time.Since(start)
	fmt.Printf("Sent %d messages in %s, all delivered in %s (%.2f msg/s)\n",
		count*n, sent, dur, float64(count*n)/dur.Seconds())
	for _, p := range ps {
		fmt.Printf("  %s poll=%s concurrency=%d\n", p.Self().Name, p.PollInterval(), p.Concurrency())
	}
	return nil
}

func received(p *peer.Peer) int {
	self := p.Self().Address
	got := 0
	for _, m := range p.Messages() {
		if m.Address != self {
			got++
		}
	}
	return got
}

func waitFor(ctx context.Context, cond func() bool) error {
	t := time.NewTicker(20 * time.Millisecond)
	defer t.Stop()
	for !cond() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}
