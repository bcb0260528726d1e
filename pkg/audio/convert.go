package audio

import "encoding/binary"

type sample interface {
	~int16 | ~float32
}

// resample converts a whole buffer of mono samples from srcRate to dstRate by linear
// interpolation between neighbouring input samples. The last input sample is
// held when the read position runs past the end.
func resample[S sample](in []S, srcRate, dstRate int) []S {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(in) == 0 {
		return in
	}
	n := int(int64(len(in)) * int64(dstRate) / int64(srcRate))
	if n == 0 {
		return nil
	}

	out := make([]S, n)
	step := float64(srcRate) / float64(dstRate)
	last := len(in) - 1
	for i := range out {
		pos := float64(i) * step
		j := int(pos)
		a := float64(in[j])
		b := a
		if j < last {
			b = float64(in[j+1])
		}
		out[i] = S(a + (b-a)*(pos-float64(j)))
	}
	return out
}

// ResampleMono16 resamples little-endian 16-bit mono PCM from srcRate to
// dstRate. Equal or invalid rates, and input shorter than one sample, return
// pcm unchanged. A trailing odd byte is dropped.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	in := make([]int16, len(pcm)/2)
	for i := range in {
		in[i] = int16(binary.LittleEndian.Uint16(pcm[2*i:]))
	}
	res := resample(in, srcRate, dstRate)
	if len(res) == 0 {
		return nil
	}
	out := make([]byte, 2*len(res))
	for i, s := range res {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(s))
	}
	return out
}

// Resampler converts a mono float stream from one rate to another across
// consecutive blocks. The read position and the last input sample carry
// over, so block boundaries neither truncate output nor break interpolation.
// A Resampler is not safe for concurrent use.
type Resampler struct {
	src, dst int64

	// pos is the next read position relative to the start of the coming
	// block, in units of 1/dst input samples. -dst addresses prev.
	pos  int64
	prev float32
}

// NewResampler returns a Resampler from srcRate to dstRate. Equal or
// invalid rates pass blocks through unchanged.
func NewResampler(srcRate, dstRate int) *Resampler {
	return &Resampler{src: int64(srcRate), dst: int64(dstRate)}
}

// Process resamples the next block of the stream. An output sample is
// produced once both of its neighbours have arrived, so up to one sample of
// the block is held back until the next call.
func (r *Resampler) Process(in []float32) []float32 {
	if r.src <= 0 || r.dst <= 0 || r.src == r.dst || len(in) == 0 {
		return in
	}

	at := func(k int64) float32 {
		if k < 0 {
			return r.prev
		}
		return in[k]
	}

	n := int64(len(in))
	out := make([]float32, 0, n*r.dst/r.src+1)
	for {
		j := r.pos / r.dst
		rem := r.pos - j*r.dst
		if rem < 0 {
			j--
			rem += r.dst
		}
		if j+1 >= n {
			break
		}
		a, b := at(j), at(j+1)
		out = append(out, a+(b-a)*float32(float64(rem)/float64(r.dst)))
		r.pos += r.src
	}

	r.pos -= n * r.dst
	r.prev = in[n-1]
	return out
}

// DownmixFloat averages interleaved frames of the given channel count into
// mono. A trailing partial frame is dropped; mono input is returned as is.
func DownmixFloat(samples []float32, channels int) []float32 {
	if channels <= 1 {
		return samples
	}
	out := make([]float32, len(samples)/channels)
	scale := 1 / float32(channels)
	for i := range out {
		var sum float32
		for _, v := range samples[i*channels : (i+1)*channels] {
			sum += v
		}
		out[i] = sum * scale
	}
	return out
}
