package redtooth

import "fmt"

// AudioFormat describes the interleaved PCM layout of captured buffers.
// It is fixed for the lifetime of a capture session; every buffer-size
// computation downstream must go through it rather than assuming a frame size.
type AudioFormat struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// BytesPerFrame is the size of one interleaved frame (one sample per channel).
func (f AudioFormat) BytesPerFrame() int {
	return f.Channels * (f.BitsPerSample / 8)
}

func (f AudioFormat) String() string {
	return fmt.Sprintf("%dHz/%dch/%dbit", f.SampleRate, f.Channels, f.BitsPerSample)
}

// FrameCallback receives one captured packet of interleaved samples.
// data is only valid for the duration of the call; receivers must copy
// what they need before returning.
type FrameCallback func(data []byte, frames uint32)
