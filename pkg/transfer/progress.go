// Package transfer holds the plumbing shared by the remote store adapters.
package transfer

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/valandreev/mediasync/pkg/media"
)

// DefaultChunkSize is how many bytes are read between progress reports.
const DefaultChunkSize = 64 * 1024

// Progress receives transfer progress as a percentage in [0,100].
type Progress func(percent float64)

// Options are shared by every adapter.
type Options struct {
	// Prefix is prepended to object names.
	Prefix string
	// ChunkSize bounds a single Read; 0 means DefaultChunkSize.
	ChunkSize int
	// BytesPerSec caps bandwidth; 0 disables the limiter.
	BytesPerSec int
}

// Limiter builds the token bucket for o, or nil when unlimited.
func (o Options) Limiter() *rate.Limiter {
	if o.BytesPerSec <= 0 {
		return nil
	}
	burst := o.chunkSize()
	if o.BytesPerSec > burst {
		burst = o.BytesPerSec
	}
	return rate.NewLimiter(rate.Limit(o.BytesPerSec), burst)
}

func (o Options) chunkSize() int {
	if o.ChunkSize <= 0 {
		return DefaultChunkSize
	}
	return o.ChunkSize
}

// ObjectKey joins the prefix and the request name.
func (o Options) ObjectKey(req media.TransferRequest) string {
	name := strings.TrimLeft(req.Name, "/")
	if name == "" {
		name = path.Base(req.Path)
	}
	if o.Prefix == "" {
		return name
	}
	return path.Join(o.Prefix, name)
}

// ProgressReader counts bytes as they are read and reports the running
// percentage of total. Reports never go backwards.
type ProgressReader struct {
	ctx      context.Context
	r        io.Reader
	total    int64
	chunk    int
	limiter  *rate.Limiter
	progress Progress

	mu   sync.Mutex
	read int64
	last float64
}

// NewProgressReader wraps r. progress and limiter may be nil.
func NewProgressReader(ctx context.Context, r io.Reader, total int64, opts Options, progress Progress) *ProgressReader {
	return &ProgressReader{
		ctx:      ctx,
		r:        r,
		total:    total,
		chunk:    opts.chunkSize(),
		limiter:  opts.Limiter(),
		progress: progress,
	}
}

func (p *ProgressReader) Read(b []byte) (int, error) {
	if err := p.ctx.Err(); err != nil {
		return 0, err
	}
	if len(b) > p.chunk {
		b = b[:p.chunk]
	}
	if p.limiter != nil {
		n := len(b)
		if n > p.limiter.Burst() {
			n = p.limiter.Burst()
			b = b[:n]
		}
		if err := p.limiter.WaitN(p.ctx, n); err != nil {
			return 0, err
		}
	}
	n, err := p.r.Read(b)
	if n > 0 {
		p.add(int64(n))
	}
	return n, err
}

// add records n bytes and reports when the percentage advanced.
func (p *ProgressReader) add(n int64) {
	p.mu.Lock()
	p.read += n
	pct := media.Percent(p.read, p.total)
	if pct <= p.last {
		p.mu.Unlock()
		return
	}
	p.last = pct
	p.mu.Unlock()
	if p.progress != nil {
		p.progress(pct)
	}
}

// BytesRead returns how many bytes have passed through so far.
func (p *ProgressReader) BytesRead() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.read
}

// Reporter converts absolute byte counts into monotonic percentages. Used by
// SDKs that report progress through their own callbacks.
type Reporter struct {
	total    int64
	progress Progress

	mu   sync.Mutex
	last float64
}

func NewReporter(total int64, progress Progress) *Reporter {
	return &Reporter{total: total, progress: progress}
}

// Report records that sent bytes out of total have been transferred.
func (r *Reporter) Report(sent int64) {
	if r == nil || r.progress == nil {
		return
	}
	pct := media.Percent(sent, r.total)
	r.mu.Lock()
	if pct <= r.last {
		r.mu.Unlock()
		return
	}
	r.last = pct
	r.mu.Unlock()
	r.progress(pct)
}

// URI renders the canonical remote identifier of key, e.g. s3://bucket/key.
func URI(scheme, bucket, key string) string {
	return scheme + "://" + bucket + "/" + key
}

// KeyFromSource accepts either a URI produced by URI for the same scheme and
// bucket or a bare object key, and returns the object key.
func KeyFromSource(scheme, bucket, source string) (string, error) {
	prefix := scheme + "://"
	if !strings.HasPrefix(source, prefix) {
		if strings.Contains(source, "://") {
			return "", fmt.Errorf("%w: %q is not a %s source", media.ErrValidationFailed, source, scheme)
		}
		key := strings.TrimLeft(source, "/")
		if key == "" {
			return "", fmt.Errorf("%w: empty object key", media.ErrValidationFailed)
		}
		return key, nil
	}
	rest := strings.TrimPrefix(source, prefix)
	gotBucket, key, ok := strings.Cut(rest, "/")
	if !ok || key == "" {
		return "", fmt.Errorf("%w: %q has no object key", media.ErrValidationFailed, source)
	}
	if gotBucket != bucket {
		return "", fmt.Errorf("%w: %q is outside bucket %s", media.ErrValidationFailed, source, bucket)
	}
	return key, nil
}
