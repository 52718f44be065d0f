// Package main - portscan.go
//
// Concurrent discovery of network debug ports.
// Emulators and wireless-debug devices expose an adb port that has to be
// found rather than configured, so the bridge probes a whole range with a
// bounded worker pool. Probes are IO-bound and latency-dominated; the pool
// runs truly parallel while a lock keeps concurrent scan invocations from
// overlapping.
package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const probeTimeout = 3 * time.Second

// probeFunc reports whether a port accepted a bridge connection.
type probeFunc func(ctx context.Context, port int) bool

// probePort issues an adb connect against 127.0.0.1:port. "connected" and
// "already connected" both count as acceptance.
func (b *AdbBridge) probePort(ctx context.Context, port int) bool {
	res, err := b.RunCommand(ctx, probeTimeout, "", "connect", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	return containsConnected(string(res.Stdout))
}

func containsConnected(out string) bool {
	return strings.Contains(strings.ToLower(out), "connected")
}

// ScanPortRange probes every port in [start, end] with the given number of
// workers and returns the sorted set of ports that accepted a connection.
// Results never contain duplicates or ports outside the range.
func (b *AdbBridge) ScanPortRange(ctx context.Context, start, end, workers int) ([]int, error) {
	if !b.Available() {
		return nil, fmt.Errorf("port scan: %w", ErrBridgeUnavailable)
	}
	if start < 1 || end > 65535 || start > end {
		return nil, fmt.Errorf("%w: port range %d-%d", ErrInvalidConfig, start, end)
	}
	if workers < 1 {
		workers = 10
	}

	b.scanMu.Lock()
	defer b.scanMu.Unlock()

	ports := make(chan int)
	results := make(chan int, end-start+1)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for port := range ports {
				if b.probe(ctx, port) {
					results <- port
				}
			}
		}()
	}

	for port := start; port <= end; port++ {
		select {
		case ports <- port:
		case <-ctx.Done():
			close(ports)
			wg.Wait()
			return nil, ctx.Err()
		}
	}
	close(ports)
	wg.Wait()
	close(results)

	seen := make(map[int]bool)
	var open []int
	for port := range results {
		if !seen[port] {
			seen[port] = true
			open = append(open, port)
		}
	}
	sort.Ints(open)

	log.Info().Ints("ports", open).Int("start", start).Int("end", end).Msg("port scan finished")
	return open, nil
}

// AutoDiscover scans the configured port range, connects every responding
// port, and returns the refreshed device list.
func (b *AdbBridge) AutoDiscover(ctx context.Context, cfg AdbConfig) ([]DeviceRecord, error) {
	open, err := b.ScanPortRange(ctx, cfg.ScanStartPort, cfg.ScanEndPort, cfg.ScanWorkers)
	if err != nil {
		return nil, err
	}

	for _, port := range open {
		addr := fmt.Sprintf("127.0.0.1:%d", port)
		if err := b.Connect(ctx, addr); err != nil {
			log.Warn().Str("addr", addr).Err(err).Msg("auto-discover connect failed")
		}
	}

	return b.ListDevices(ctx)
}
