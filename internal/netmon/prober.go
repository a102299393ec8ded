package netmon

import (
	"context"
	"log"
	"sync"
	"time"
)

// PingFunc checks reachability of the remote store.
type PingFunc func(ctx context.Context) error

// Prober periodically pings the remote store and feeds the result into a Monitor.
type Prober struct {
	monitor  *Monitor
	ping     PingFunc
	interval time.Duration
	timeout  time.Duration

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewProber creates a prober. Non-positive durations fall back to 15s
// interval and 5s timeout.
func NewProber(monitor *Monitor, ping PingFunc, interval, timeout time.Duration) *Prober {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Prober{
		monitor:  monitor,
		ping:     ping,
		interval: interval,
		timeout:  timeout,
	}
}

// Start begins probing in a background goroutine. The first probe runs immediately.
func (p *Prober) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})

	go p.run(ctx, p.stopCh, p.doneCh)
	log.Printf("[NETMON] Prober started (interval: %v)", p.interval)
}

// Stop stops probing and waits for the goroutine to exit.
func (p *Prober) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	stopCh, doneCh := p.stopCh, p.doneCh
	p.mu.Unlock()

	close(stopCh)
	<-doneCh
}

// Probe runs one reachability check and updates the monitor.
func (p *Prober) Probe(ctx context.Context) bool {
	pctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err := p.ping(pctx)
	if err != nil && ctx.Err() != nil {
		// Shutting down, not a connectivity signal.
		return p.monitor.Online()
	}
	online := err == nil
	if !online && p.monitor.Online() {
		log.Printf("[NETMON] Probe failed: %v", err)
	}
	p.monitor.Set(online)
	return online
}

func (p *Prober) run(ctx context.Context, stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.Probe(ctx)
	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Probe(ctx)
		}
	}
}
