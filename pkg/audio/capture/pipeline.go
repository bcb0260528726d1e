// Package capture turns a live microphone stream into the fixed-format frames
// the conversational endpoint expects: 16 kHz mono 16-bit PCM in blocks of
// exactly [FrameSize] samples, transport-encoded and tagged with [MIMEType].
//
// A [Pipeline] runs two goroutines. The capture goroutine converts and frames
// device samples and pushes them into a bounded outbox. The transmit goroutine
// starts only once [Pipeline.Attach] is called, i.e. after the remote handshake
// completed, and drains the outbox strictly in capture order.
package capture

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/kineo-ai/kineo/pkg/audio"
)

const (
	// SampleRate is the rate of every transmitted frame.
	SampleRate = 16000

	// Channels is the channel count of every transmitted frame.
	Channels = 1

	// FrameSize is the number of samples per transmitted frame (256 ms).
	FrameSize = 4096

	// MIMEType tags transmitted frames for the remote endpoint.
	MIMEType = "audio/pcm;rate=16000"

	// DefaultQueueSize bounds the outbox, about 8 s of audio.
	DefaultQueueSize = 32
)

// Sender transmits one encoded frame to the remote session. Delivery is
// fire-and-forget: a returned error is logged and the frame discarded.
type Sender interface {
	SendAudio(ctx context.Context, frame audio.Frame) error
}

// SenderFunc adapts a function to the [Sender] interface.
type SenderFunc func(ctx context.Context, frame audio.Frame) error

// SendAudio implements [Sender].
func (f SenderFunc) SendAudio(ctx context.Context, frame audio.Frame) error {
	return f(ctx, frame)
}

// Option configures a [Pipeline] during construction.
type Option func(*Pipeline)

// WithQueueSize sets the outbox capacity in frames. Values below 1 are ignored.
func WithQueueSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.queueSize = n
		}
	}
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.log = l
		}
	}
}

// WithOnDrop registers a callback invoked with the number of frames dropped
// because the outbox was full.
func WithOnDrop(fn func(n int)) Option {
	return func(p *Pipeline) {
		p.onDrop = fn
	}
}

// WithOnSent registers a callback invoked after every successfully sent frame.
func WithOnSent(fn func()) Option {
	return func(p *Pipeline) {
		p.onSent = fn
	}
}

// Pipeline is the inbound microphone pipeline of one session. It is
// single-use: after Stop it cannot be restarted.
//
// All exported methods are safe for concurrent use.
type Pipeline struct {
	queueSize int
	log       *slog.Logger
	onDrop    func(int)
	onSent    func()

	ctx    context.Context
	cancel context.CancelFunc
	notify chan struct{}
	wg     sync.WaitGroup

	mu       sync.Mutex
	stream   audio.CaptureStream
	outbox   []audio.Frame
	attached bool
	stopped  bool

	seq     uint64 // capture goroutine only
	sent    atomic.Uint64
	dropped atomic.Uint64
}

// New creates an idle Pipeline.
func New(opts ...Option) *Pipeline {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		queueSize: DefaultQueueSize,
		log:       slog.Default(),
		ctx:       ctx,
		cancel:    cancel,
		notify:    make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Start begins capturing from stream. Frames accumulate in the outbox until
// [Pipeline.Attach] is called. The pipeline takes ownership of stream and
// closes it on Stop. Calling Start twice, or after Stop, closes the extra
// stream and returns immediately.
func (p *Pipeline) Start(stream audio.CaptureStream) {
	p.mu.Lock()
	if p.stopped || p.stream != nil {
		p.mu.Unlock()
		_ = stream.Close()
		return
	}
	p.stream = stream
	p.wg.Add(1)
	p.mu.Unlock()

	go p.captureLoop(stream)
}

// Attach starts transmitting buffered and future frames through send. Only
// the first call has an effect.
func (p *Pipeline) Attach(send Sender) {
	p.mu.Lock()
	if p.stopped || p.attached {
		p.mu.Unlock()
		return
	}
	p.attached = true
	p.wg.Add(1)
	p.mu.Unlock()

	go p.transmitLoop(send)
	p.signal()
}

// Stop closes the capture stream, stops both goroutines and discards any
// buffered frames. It blocks until the goroutines have exited. Idempotent.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	stream := p.stream
	p.outbox = nil
	p.mu.Unlock()

	p.cancel()
	if stream != nil {
		if err := stream.Close(); err != nil {
			p.log.Warn("capture: close stream", "err", err)
		}
	}
	p.wg.Wait()
}

// Sent returns the number of frames transmitted successfully.
func (p *Pipeline) Sent() uint64 { return p.sent.Load() }

// Dropped returns the number of frames discarded because the outbox was full.
func (p *Pipeline) Dropped() uint64 { return p.dropped.Load() }

// Buffered returns the number of frames waiting in the outbox.
func (p *Pipeline) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.outbox)
}

func (p *Pipeline) captureLoop(stream audio.CaptureStream) {
	defer p.wg.Done()

	format := stream.Format()
	rs := audio.NewResampler(format.SampleRate, SampleRate)
	acc := make([]float32, 0, FrameSize*2)
	samples := stream.Samples()
	for {
		select {
		case <-p.ctx.Done():
			return
		case block, ok := <-samples:
			if !ok {
				return
			}
			mono := audio.DownmixFloat(block, format.Channels)
			acc = append(acc, rs.Process(mono)...)
			for len(acc) >= FrameSize {
				p.push(p.encode(acc[:FrameSize]))
				acc = append(acc[:0], acc[FrameSize:]...)
			}
		}
	}
}

func (p *Pipeline) encode(samples []float32) audio.Frame {
	p.seq++
	return audio.Frame{
		Data:       audio.EncodeBytes(audio.FloatToPCM16(samples)),
		MIMEType:   MIMEType,
		SampleRate: SampleRate,
		Channels:   Channels,
		Seq:        p.seq,
	}
}

// push appends f to the outbox, evicting the oldest frame when full.
func (p *Pipeline) push(f audio.Frame) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	dropped := 0
	if len(p.outbox) >= p.queueSize {
		dropped = len(p.outbox) - p.queueSize + 1
		p.outbox = append(p.outbox[:0], p.outbox[dropped:]...)
	}
	p.outbox = append(p.outbox, f)
	p.mu.Unlock()

	if dropped > 0 {
		p.dropped.Add(uint64(dropped))
		p.log.Debug("capture: outbox full, dropped oldest frame", "dropped", dropped, "seq", f.Seq)
		if p.onDrop != nil {
			p.onDrop(dropped)
		}
	}
	p.signal()
}

func (p *Pipeline) signal() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

func (p *Pipeline) pop() (audio.Frame, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped || len(p.outbox) == 0 {
		return audio.Frame{}, false
	}
	f := p.outbox[0]
	p.outbox = p.outbox[1:]
	return f, true
}

func (p *Pipeline) transmitLoop(send Sender) {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-p.notify:
		}
		for {
			f, ok := p.pop()
			if !ok {
				break
			}
			if err := send.SendAudio(p.ctx, f); err != nil {
				if p.ctx.Err() != nil {
					return
				}
				p.log.Warn("capture: send frame failed", "seq", f.Seq, "err", err)
				continue
			}
			p.sent.Add(1)
			if p.onSent != nil {
				p.onSent()
			}
		}
	}
}
