// Command remotemic-client joins a remotemic-server session and plays the
// received audio out a local device. Flag handling and the
// signal-driven graceful shutdown mirror the server command and, further
// back, the teacher's server/main.go.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"time"

	"remotemic/internal/audio"
	"remotemic/internal/client"
	"remotemic/internal/metrics"
)

func main() {
	controlAddr := flag.String("server", "", "server control address, host:port")
	psk := flag.String("psk", "", "pre-shared key, must match the server's (empty if unencrypted)")
	deviceID := flag.Int("device", -1, "playback device index (-1 for system default)")
	metricsAddr := flag.String("metrics-addr", ":9101", "Prometheus metrics listen address (empty to disable)")
	flag.Parse()

	if *controlAddr == "" {
		log.Fatal("[client] -server is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)

	if err := audio.Init(); err != nil {
		log.Fatalf("[audio] init: %v", err)
	}
	defer audio.Terminate()

	var pub *metrics.Publisher
	if *metricsAddr != "" {
		pub = metrics.NewPublisher()
	}

	c := client.New(client.Config{
		ControlAddr: *controlAddr,
		PSK:         []byte(*psk),
	})

	done := make(chan client.GoneReason, 1)
	c.SetOnGone(func(reason client.GoneReason) {
		log.Printf("[client] session ended: %s", reason)
		done <- reason
	})

	if err := c.Connect(ctx); err != nil {
		log.Fatalf("[client] connect: %v", err)
	}
	log.Printf("[client] joined, state=%s", c.State())

	sink := audio.NewPlayback(48000, 960)
	if err := sink.Start(*deviceID); err != nil {
		log.Fatalf("[audio] playback start: %v", err)
	}
	sink.Underruns = c.RecordUnderrun
	defer sink.Stop()

	go c.Releaser(ctx, sink)

	if pub != nil {
		go metrics.PublishLoop(ctx, pub, 100*time.Millisecond, func() metrics.Snapshot {
			snap := c.Snapshot()
			rms, peak := c.AudioLevels()
			return metrics.Snapshot{
				AvgLatencyNs:   snap.AvgLatencyNs,
				JitterNs:       snap.JitterNs,
				LossRate:       snap.LossRate(),
				LateDrop:       snap.LateDrop,
				TargetBufferNs: snap.TargetBufferNs,
				BufferedNs:     snap.BufferedNs,
				RMS:            rms,
				Peak:           peak,
				EncStatus:      snap.EncStatus,
			}
		})
		go pub.Serve(ctx, *metricsAddr)
	}

	select {
	case <-sigCh:
		log.Printf("[client] shutting down")
		c.Disconnect()
	case <-done:
	}
	cancel()
}
