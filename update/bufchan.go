package update

import (
	"context"
	"io"
)

// defaultChannelBytes is the bounded channel's default capacity.
const defaultChannelBytes = 4 * 1024 * 1024

// defaultChunkSize is the unit the downloader writes and the applier reads
// in; the channel's chunk capacity is channelBytes/chunkSize, rounded down
// but never less than one chunk.
const defaultChunkSize = 32 * 1024

// boundedChannel is the bounded byte channel between the downloader and
// applier tasks: the downloader suspends when it is full, the applier
// suspends when it is empty, and cancellation is checked at every
// suspension point. It is one channel of fixed-size chunks rather than a
// true byte-granular ring buffer.
type boundedChannel struct {
	chunks  chan []byte
	pending []byte
	err     error
	errCh   chan struct{}
}

func newBoundedChannel(capacityBytes int64, chunkSize int) *boundedChannel {
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	n := capacityBytes / int64(chunkSize)
	if n < 1 {
		n = 1
	}
	return &boundedChannel{
		chunks: make(chan []byte, n),
		errCh:  make(chan struct{}),
	}
}

// Write pushes p's bytes onto the channel, copying them since the
// downloader's read buffer is reused across calls. It suspends while the
// channel is full and returns ctx.Err() if ctx is cancelled first.
func (b *boundedChannel) Write(ctx context.Context, p []byte) error {
	if len(p) == 0 {
		return nil
	}
	buf := make([]byte, len(p))
	copy(buf, p)
	select {
	case b.chunks <- buf:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CloseWrite signals normal end of stream: the applier's Read calls return
// io.EOF once every already-queued chunk has been drained.
func (b *boundedChannel) CloseWrite() {
	close(b.chunks)
}

// CloseWithError signals that the downloader failed; every subsequent
// Read, after the already-queued chunks drain, returns err instead of
// io.EOF.
func (b *boundedChannel) CloseWithError(err error) {
	b.err = err
	close(b.chunks)
}

// Read reads like io.Reader.Read, suspending while the channel is empty and
// returning ctx.Err() if ctx is cancelled first; contextReader adapts it to
// io.Reader.
func (b *boundedChannel) Read(ctx context.Context, p []byte) (int, error) {
	if len(b.pending) == 0 {
		select {
		case chunk, ok := <-b.chunks:
			if !ok {
				if b.err != nil {
					return 0, b.err
				}
				return 0, io.EOF
			}
			b.pending = chunk
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	n := copy(p, b.pending)
	b.pending = b.pending[n:]
	return n, nil
}

// contextReader adapts boundedChannel.Read to io.Reader against a fixed
// context, for composing with io.Copy and codec readers downstream of it.
type contextReader struct {
	ctx context.Context
	bc  *boundedChannel
}

func (r contextReader) Read(p []byte) (int, error) {
	return r.bc.Read(r.ctx, p)
}
