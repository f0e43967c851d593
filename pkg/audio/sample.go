package audio

// MaxSample returns the largest representable signed sample value for the
// format's bit depth (e.g., 32767 for 16-bit).
func (f Format) MaxSample() int {
	return 1<<(f.BitDepth-1) - 1
}

// MinSample returns the smallest representable signed sample value for the
// format's bit depth (e.g., -32768 for 16-bit).
func (f Format) MinSample() int {
	return -(1 << (f.BitDepth - 1))
}

// ReadSample interprets BitDepth/8 bytes at off in b as a signed
// little-endian integer. The caller must ensure off+SampleBytes() <= len(b).
func (f Format) ReadSample(b []byte, off int) int {
	n := f.SampleBytes()
	var v uint64
	for i := 0; i < n; i++ {
		v |= uint64(b[off+i]) << (8 * i)
	}
	// Sign-extend from the top bit of the sample width.
	shift := 64 - f.BitDepth
	return int(int64(v<<shift) >> shift)
}

// WriteSample clamps v to the representable signed range for the format's
// bit depth and writes it little-endian at off in b.
func (f Format) WriteSample(b []byte, off, v int) {
	v = f.Clamp(v)
	n := f.SampleBytes()
	for i := 0; i < n; i++ {
		b[off+i] = byte(v >> (8 * i))
	}
}

// SampleOffset returns the byte offset of the sample at the given frame
// index and channel index within an interleaved buffer.
func (f Format) SampleOffset(frame, channel int) int {
	return frame*f.FrameBytes() + channel*f.SampleBytes()
}

// Clamp limits v to the representable signed range for the format's bit
// depth. Overflowing mixes clip rather than wrap around.
func (f Format) Clamp(v int) int {
	if max := f.MaxSample(); v > max {
		return max
	}
	if min := f.MinSample(); v < min {
		return min
	}
	return v
}

// MixSamples returns the linear sum of samples[i]*gains[i], clamped to the
// representable range. Linear summation (not averaging) keeps a single loud
// source at full strength while additional quiet sources add naturally;
// clipping on overflow is the accepted distortion policy.
//
// samples and gains must have equal length.
func (f Format) MixSamples(samples []int, gains []float64) int {
	var sum float64
	for i, s := range samples {
		sum += float64(s) * gains[i]
	}
	return f.Clamp(int(sum))
}
