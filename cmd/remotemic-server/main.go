// Command remotemic-server captures microphone audio and relays it to a
// LAN multicast group, accepting TCP control connections from any number
// of remotemic-client receivers. Flag handling and the signal-driven
// graceful shutdown are grounded on the teacher's server/main.go.
package main

import (
	"context"
	"flag"
	"log"
	"math"
	"net"
	"os"
	"os/signal"
	"time"

	"remotemic/internal/audio"
	"remotemic/internal/bufpool"
	"remotemic/internal/metrics"
	"remotemic/internal/server"
)

func main() {
	controlAddr := flag.String("addr", ":7890", "TCP control listen address")
	mcastIP := flag.String("mcast-ip", "239.7.8.9", "UDP multicast group (239.0.0.0/8)")
	sampleRate := flag.Uint("rate", 48000, "capture sample rate in Hz")
	channels := flag.Uint("channels", 1, "capture channel count")
	fmtCode := flag.Uint("fmt", uint(audio.FormatF32LE), "PCM sample format code (0=f32le 1=i16le 2=u16le)")
	frameMs := flag.Uint("frame-ms", 20, "capture frame size in milliseconds")
	psk := flag.String("psk", "", "pre-shared key enabling XChaCha20-Poly1305 encryption (empty disables it)")
	ttl := flag.Int("mcast-ttl", 1, "multicast TTL")
	metricsAddr := flag.String("metrics-addr", ":9100", "Prometheus metrics listen address (empty disables it)")
	deviceID := flag.Int("device", -1, "capture device index (-1 for system default)")
	flag.Parse()

	ip := net.ParseIP(*mcastIP).To4()
	if ip == nil {
		log.Fatalf("[server] invalid -mcast-ip %q", *mcastIP)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Printf("[server] shutting down")
		cancel()
	}()

	if err := audio.Init(); err != nil {
		log.Fatalf("[audio] init: %v", err)
	}
	defer audio.Terminate()

	frameSize := int(*sampleRate) * int(*frameMs) / 1000
	pool := bufpool.New(64, frameSize*int(*channels)*4)

	capSrc := audio.NewCapture(float64(*sampleRate), int(*channels), frameSize)
	if err := capSrc.Start(*deviceID); err != nil {
		log.Fatalf("[audio] capture start: %v", err)
	}
	defer capSrc.Stop()

	go feedCapturedFrames(ctx, capSrc, pool)

	srv := server.New(server.Config{
		ControlAddr: *controlAddr,
		McastIP:     ip,
		McastPort:   controlPort(*controlAddr),
		SampleRate:  uint32(*sampleRate),
		Channels:    uint8(*channels),
		FmtCode:     uint8(*fmtCode),
		PSK:         []byte(*psk),
		TTL:         *ttl,
	}, pool)

	if *metricsAddr != "" {
		pub := metrics.NewPublisher()
		go metrics.PublishLoop(ctx, pub, 100*time.Millisecond, func() metrics.Snapshot {
			free, inFlight := pool.Stats()
			return metrics.Snapshot{
				PoolFree:     uint64(free),
				PoolInFlight: uint64(inFlight),
			}
		})
		go pub.Serve(ctx, *metricsAddr)
	}

	if err := srv.Run(ctx); err != nil {
		log.Fatalf("[server] %v", err)
	}
}

// feedCapturedFrames copies each batch the capture adapter produces into a
// pool slot and marks it filled, the producer half of the buffer-pool
// handoff the multicast loop drains (§4.1).
func feedCapturedFrames(ctx context.Context, capSrc *audio.Capture, pool *bufpool.Pool) {
	for {
		select {
		case <-ctx.Done():
			return
		case pcm, ok := <-capSrc.Out:
			if !ok {
				return
			}
			idx, ok := pool.AcquireFree()
			if !ok {
				continue
			}
			slot := pool.Buffer(idx)
			putFloat32LE(slot, pcm)
			pool.PushFilled(idx)
		}
	}
}

func putFloat32LE(dst []byte, samples []float32) {
	for i, s := range samples {
		bits := math.Float32bits(s)
		o := i * 4
		if o+4 > len(dst) {
			return
		}
		dst[o] = byte(bits)
		dst[o+1] = byte(bits >> 8)
		dst[o+2] = byte(bits >> 16)
		dst[o+3] = byte(bits >> 24)
	}
}

func controlPort(addr string) uint16 {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	p, err := net.LookupPort("tcp", portStr)
	if err != nil {
		return 0
	}
	return uint16(p)
}
