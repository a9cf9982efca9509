package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/autonomy-edge/edge-gateway/internal/protocol"
	"github.com/autonomy-edge/edge-gateway/internal/ws"
	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
)

var AppVersion string

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultReconnectMinDelay = 1 * time.Second
	defaultReconnectMaxDelay = 30 * time.Second
)

func main() {
	InitConfig()

	slog.Info("Edge Gateway Agent", "version", AppVersion, "agent_id", config.Gateway.AgentID)

	if config.Gateway.Endpoint == "" || config.Gateway.AgentID == "" {
		slog.Error("gateway.endpoint and gateway.agent_id are required")
		os.Exit(1)
	}

	var certPEM []byte
	if config.Gateway.CertFile != "" {
		var err error
		certPEM, err = os.ReadFile(config.Gateway.CertFile)
		if err != nil {
			slog.Error("Failed to read client certificate", "error", err, "path", config.Gateway.CertFile)
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		slog.Info("Received shutdown signal", "signal", sig)
		cancel()
	}()

	run(ctx, certPEM)
	slog.Info("Shutdown complete")
}

// run dials the gateway and re-dials with jittered backoff until ctx is
// cancelled.
func run(ctx context.Context, certPEM []byte) {
	minDelay := config.Gateway.ReconnectMinDelay
	if minDelay <= 0 {
		minDelay = defaultReconnectMinDelay
	}
	maxDelay := config.Gateway.ReconnectMaxDelay
	if maxDelay < minDelay {
		maxDelay = defaultReconnectMaxDelay
	}

	endpoint := agentEndpoint()
	delay := minDelay

	for {
		if ctx.Err() != nil {
			return
		}

		client, err := ws.Dial(ctx, endpoint, certPEM)
		if err != nil {
			slog.Warn("Failed to connect to gateway", "error", err, "retry_in", delay)
			select {
			case <-ctx.Done():
				return
			case <-time.After(jitter(delay)):
			}
			if delay *= 2; delay > maxDelay {
				delay = maxDelay
			}
			continue
		}

		slog.Info("Connected to gateway", "endpoint", endpoint)
		delay = minDelay

		heartbeatLoop(ctx, client)
		client.Close()

		select {
		case <-ctx.Done():
			return
		case <-time.After(jitter(delay)):
		}
	}
}

func heartbeatLoop(ctx context.Context, client *ws.Client) {
	interval := config.Gateway.HeartbeatInterval
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			env, err := client.Read()
			if err != nil {
				slog.Warn("Connection to gateway lost", "error", err)
				return
			}
			if env.Topic == protocol.TopicHeartbeatAck {
				slog.Debug("Heartbeat acknowledged", "id", env.ID)
			}
		}
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := sendHeartbeat(client); err != nil {
		slog.Warn("Failed to send heartbeat", "error", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			if err := sendHeartbeat(client); err != nil {
				slog.Warn("Failed to send heartbeat", "error", err)
				return
			}
		}
	}
}

func sendHeartbeat(client *ws.Client) error {
	hb := protocol.Heartbeat{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	if percent, err := cpu.Percent(0, false); err == nil && len(percent) > 0 {
		hb.CPUUsage = percent[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		hb.MemoryUsage = vm.UsedPercent
	}
	if usage, err := disk.Usage("/"); err == nil {
		hb.DiskUsage = usage.UsedPercent
	}

	env, err := protocol.NewHeartbeat(uuid.New().String(), hb)
	if err != nil {
		return fmt.Errorf("failed to build heartbeat: %w", err)
	}

	slog.Debug("Sending heartbeat", "cpu", hb.CPUUsage, "memory", hb.MemoryUsage, "disk", hb.DiskUsage)
	return client.Send(env)
}

func agentEndpoint() string {
	base := strings.TrimSuffix(config.Gateway.Endpoint, "/")
	return fmt.Sprintf("%s/ws/agents/%s", base, config.Gateway.AgentID)
}

func jitter(d time.Duration) time.Duration {
	return d + time.Duration(rand.Int63n(int64(d)/2+1))
}
