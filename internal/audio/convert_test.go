package audio

import (
	"math"
	"testing"
)

func TestToFloat32I16LE(t *testing.T) {
	// int16 32767 little-endian, then -32768.
	data := []byte{0xFF, 0x7F, 0x00, 0x80}
	out, ok := ToFloat32(data, FormatI16LE)
	if !ok {
		t.Fatal("conversion rejected")
	}
	if math.Abs(float64(out[0])-0.99997) > 1e-3 {
		t.Fatalf("sample 0: got %v, want ~1.0", out[0])
	}
	if math.Abs(float64(out[1])-(-1.0)) > 1e-6 {
		t.Fatalf("sample 1: got %v, want -1.0", out[1])
	}
}

func TestToFloat32UnknownFormatDropped(t *testing.T) {
	_, ok := ToFloat32([]byte{1, 2, 3}, Format(99))
	if ok {
		t.Fatal("unknown format should be rejected, not silently converted")
	}
}

func TestDownmixMonoAverage(t *testing.T) {
	stereo := []float32{1.0, -1.0, 0.5, 0.5}
	mono := DownmixMono(stereo, 2)
	if len(mono) != 2 {
		t.Fatalf("len: got %d, want 2", len(mono))
	}
	if mono[0] != 0 {
		t.Fatalf("frame 0: got %v, want 0", mono[0])
	}
	if mono[1] != 0.5 {
		t.Fatalf("frame 1: got %v, want 0.5", mono[1])
	}
}

func TestDownmixMonoPassthroughSingleChannel(t *testing.T) {
	mono := []float32{0.1, 0.2, 0.3}
	out := DownmixMono(mono, 1)
	for i := range mono {
		if out[i] != mono[i] {
			t.Fatalf("single-channel downmix altered data at %d", i)
		}
	}
}

func TestRMSSilence(t *testing.T) {
	if RMS(make([]float32, 100)) != 0 {
		t.Fatal("RMS of silence should be 0")
	}
}

func TestPeakDecay(t *testing.T) {
	peak := 1.0
	for i := 0; i < 10; i++ {
		peak = PeakDecay(peak, 0)
	}
	if peak >= 1.0 {
		t.Fatalf("peak should decay toward 0 with silent input, got %v", peak)
	}
	if PeakDecay(0.1, 0.9) != 0.9 {
		t.Fatal("peak should jump up to a louder rms immediately")
	}
}

func TestClampFloat32(t *testing.T) {
	if ClampFloat32(2.0) != 1.0 || ClampFloat32(-2.0) != -1.0 || ClampFloat32(0.5) != 0.5 {
		t.Fatal("clamp bounds incorrect")
	}
}
