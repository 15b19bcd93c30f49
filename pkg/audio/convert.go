package audio

// Framer reassembles arbitrarily sized PCM input into complete frames of a
// fixed sample count. Partial input stays buffered until enough samples have
// arrived; a short frame is never emitted.
//
// A Framer is not safe for concurrent use.
type Framer struct {
	size int
	buf  []int16
}

// NewFramer returns a Framer producing frames of f.FrameSamples() samples.
func NewFramer(f Format) *Framer {
	n := f.FrameSamples()
	return &Framer{size: n, buf: make([]int16, 0, n*2)}
}

// Write appends pcm and calls emit once for every complete frame now buffered.
// The slice passed to emit is only valid for the duration of the call.
func (fr *Framer) Write(pcm []int16, emit func(frame []int16)) {
	fr.buf = append(fr.buf, pcm...)
	off := 0
	for len(fr.buf)-off >= fr.size {
		emit(fr.buf[off : off+fr.size])
		off += fr.size
	}
	if off > 0 {
		n := copy(fr.buf, fr.buf[off:])
		fr.buf = fr.buf[:n]
	}
}

// Buffered returns the number of samples waiting for a complete frame.
func (fr *Framer) Buffered() int { return len(fr.buf) }

// Reset discards any partial frame.
func (fr *Framer) Reset() { fr.buf = fr.buf[:0] }

// Silence zeroes pcm in place.
func Silence(pcm []int16) {
	clear(pcm)
}

// Int16sToBytes converts int16 PCM samples to little-endian bytes.
func Int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// BytesToInt16s converts little-endian bytes to int16 PCM samples. A trailing
// odd byte is ignored.
func BytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}
