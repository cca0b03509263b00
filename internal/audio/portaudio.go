package audio

import (
	"log"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"
)

// Device describes an available audio device, mirroring the teacher's
// AudioDevice (client/audio.go).
type Device struct {
	ID   int
	Name string
}

// ListInputDevices returns available capture devices. This, plus device
// enumeration generally, is explicitly an out-of-scope collaborator
// concern (§1: "audio device enumeration and OS capability probing") —
// exposed here only because Capture/Playback need a concrete device to
// open.
func ListInputDevices() []Device {
	return listDevices(func(d *portaudio.DeviceInfo) bool { return d.MaxInputChannels > 0 })
}

// ListOutputDevices returns available playback devices.
func ListOutputDevices() []Device {
	return listDevices(func(d *portaudio.DeviceInfo) bool { return d.MaxOutputChannels > 0 })
}

func listDevices(match func(*portaudio.DeviceInfo) bool) []Device {
	devices, err := portaudio.Devices()
	if err != nil {
		log.Printf("[audio] list devices: %v", err)
		return nil
	}
	var out []Device
	for i, d := range devices {
		if match(d) {
			out = append(out, Device{ID: i, Name: d.Name})
		}
	}
	return out
}

// Capture wraps a PortAudio input stream and delivers fixed-size float32
// PCM batches to a channel, mirroring the teacher's captureLoop
// (client/audio.go) stripped of Opus/AEC/AGC/VAD — those subsystems serve
// the teacher's multi-party voice-chat feature set, out of this spec's
// one-way mic-relay scope.
type Capture struct {
	SampleRate float64
	Channels   int
	FrameSize  int

	stream  *portaudio.Stream
	buf     []float32
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	// Out carries each captured frame (len == FrameSize*Channels). The
	// caller (the multicast loop's producer side) is responsible for
	// copying into a bufpool slot; Out itself has no backpressure handling
	// of its own beyond a small buffer, matching §4.1's "drop rather than
	// block" policy for the capture path.
	Out chan []float32
}

// NewCapture returns a Capture ready to Start once a device is resolved.
func NewCapture(sampleRate float64, channels, frameSize int) *Capture {
	return &Capture{
		SampleRate: sampleRate,
		Channels:   channels,
		FrameSize:  frameSize,
		Out:        make(chan []float32, 8),
		stopCh:     make(chan struct{}),
	}
}

// Start opens the input stream on deviceID (-1 for the system default) and
// begins the capture loop.
func (c *Capture) Start(deviceID int) error {
	devices, err := portaudio.Devices()
	if err != nil {
		return err
	}
	dev, err := resolveDevice(devices, deviceID, portaudio.DefaultInputDevice)
	if err != nil {
		return err
	}

	c.buf = make([]float32, c.FrameSize*c.Channels)
	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: c.Channels,
			Latency:  dev.DefaultLowInputLatency,
		},
		SampleRate:      c.SampleRate,
		FramesPerBuffer: c.FrameSize,
	}
	stream, err := portaudio.OpenStream(params, c.buf)
	if err != nil {
		return err
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return err
	}

	c.stream = stream
	c.stopCh = make(chan struct{})
	c.running = true

	c.wg.Add(1)
	go c.loop()
	return nil
}

func (c *Capture) loop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}
		if err := c.stream.Read(); err != nil {
			if c.running {
				log.Printf("[audio] capture read: %v", err)
			}
			return
		}
		frame := make([]float32, len(c.buf))
		copy(frame, c.buf)
		select {
		case c.Out <- frame:
		default:
			// Drop the oldest batch under exhaustion — prefer freshness
			// over backpressure, since audio is real-time (§4.1).
			select {
			case <-c.Out:
			default:
			}
			select {
			case c.Out <- frame:
			default:
			}
		}
	}
}

// Stop halts the capture stream. Matches the teacher's Stop ordering
// (client/audio.go): Pa_StopStream unblocks any in-flight Read before we
// wait for the goroutine and then close the native stream.
func (c *Capture) Stop() {
	if !c.running {
		return
	}
	c.running = false
	close(c.stopCh)
	if c.stream != nil {
		c.stream.Stop()
	}
	c.wg.Wait()
	if c.stream != nil {
		c.stream.Close()
		c.stream = nil
	}
}

// Playback wraps a PortAudio output stream. The caller pushes released
// jitter-buffer frames into In; the playback loop waits for a prebuffer
// before its first write, and fills silence plus counts an underrun when
// In is empty (§4.5.5).
type Playback struct {
	SampleRate float64
	FrameSize  int
	Prebuffer  time.Duration

	stream  *portaudio.Stream
	buf     []float32
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	In        chan []float32
	Underruns func() // called once per underrun
}

// NewPlayback returns a Playback ready to Start once a device is resolved.
func NewPlayback(sampleRate float64, frameSize int) *Playback {
	return &Playback{
		SampleRate: sampleRate,
		FrameSize:  frameSize,
		Prebuffer:  20 * time.Millisecond,
		In:         make(chan []float32, 64),
		stopCh:     make(chan struct{}),
	}
}

func (p *Playback) Start(deviceID int) error {
	devices, err := portaudio.Devices()
	if err != nil {
		return err
	}
	dev, err := resolveDevice(devices, deviceID, portaudio.DefaultOutputDevice)
	if err != nil {
		return err
	}

	p.buf = make([]float32, p.FrameSize)
	params := portaudio.StreamParameters{
		Output: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: 1,
			Latency:  dev.DefaultLowOutputLatency,
		},
		SampleRate:      p.SampleRate,
		FramesPerBuffer: p.FrameSize,
	}
	stream, err := portaudio.OpenStream(params, p.buf)
	if err != nil {
		return err
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return err
	}

	p.stream = stream
	p.stopCh = make(chan struct{})
	p.running = true

	p.wg.Add(1)
	go p.loop()
	return nil
}

func (p *Playback) loop() {
	defer p.wg.Done()

	// Prebuffer: wait until at least Prebuffer worth of frames have queued
	// (or stop fires) before the first write, per §4.5.5.
	needed := int(p.Prebuffer / (time.Second / time.Duration(p.SampleRate) * time.Duration(p.FrameSize)))
	if needed < 1 {
		needed = 1
	}
	for len(p.In) < needed {
		select {
		case <-p.stopCh:
			return
		case <-time.After(time.Millisecond):
		}
	}

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		select {
		case frame := <-p.In:
			copy(p.buf, frame)
			for i := len(frame); i < len(p.buf); i++ {
				p.buf[i] = 0
			}
		default:
			for i := range p.buf {
				p.buf[i] = 0
			}
			if p.Underruns != nil {
				p.Underruns()
			}
		}

		if err := p.stream.Write(); err != nil {
			if p.running {
				log.Printf("[audio] playback write: %v", err)
			}
			return
		}
	}
}

func (p *Playback) Stop() {
	if !p.running {
		return
	}
	p.running = false
	close(p.stopCh)
	if p.stream != nil {
		p.stream.Stop()
	}
	p.wg.Wait()
	if p.stream != nil {
		p.stream.Close()
		p.stream = nil
	}
}

func resolveDevice(devices []*portaudio.DeviceInfo, idx int, fallback func() (*portaudio.DeviceInfo, error)) (*portaudio.DeviceInfo, error) {
	if idx >= 0 && idx < len(devices) {
		return devices[idx], nil
	}
	return fallback()
}

// Init/Terminate wrap portaudio's global init, matching the teacher's
// convention of calling them once at process startup/shutdown.
func Init() error      { return portaudio.Initialize() }
func Terminate() error { return portaudio.Terminate() }
