package update

import (
	"context"
	"io"

	"golang.org/x/time/rate"

	"github.com/a-h/revctl/metrics"
	"github.com/a-h/revctl/progress"
)

// pump is the downloader task: it reads stream in fixed-size chunks,
// optionally throttled by limiter (a bandwidth cap layered on top of but
// independent from the channel's own backpressure), and writes each chunk
// into bc. It suspends on socket reads and on bc.Write, and stops as soon
// as ctx is cancelled.
func pump(ctx context.Context, stream io.Reader, bc *boundedChannel, limiter *rate.Limiter, prog *progress.Aggregator, m metrics.Metrics, repositoryLabel string, chunkSize int) error {
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	buf := make([]byte, chunkSize)
	for {
		if err := ctx.Err(); err != nil {
			bc.CloseWithError(err)
			return err
		}
		n, readErr := stream.Read(buf)
		if n > 0 {
			if limiter != nil {
				if err := limiter.WaitN(ctx, n); err != nil {
					bc.CloseWithError(err)
					return err
				}
			}
			if err := bc.Write(ctx, buf[:n]); err != nil {
				bc.CloseWithError(err)
				return err
			}
			if prog != nil {
				prog.Downloaded(int64(n))
			}
			m.RecordDownload(ctx, repositoryLabel, int64(n))
		}
		if readErr == io.EOF {
			bc.CloseWrite()
			return nil
		}
		if readErr != nil {
			bc.CloseWithError(readErr)
			return readErr
		}
	}
}
