package imaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/joseph-ayodele/image-batch/constants"
	"github.com/joseph-ayodele/image-batch/internal/common"
	"github.com/joseph-ayodele/image-batch/internal/entity"
	"github.com/joseph-ayodele/image-batch/internal/storage"
)

// Outcome labels reported per locator.
const (
	OutcomeOK      = "ok"
	OutcomeNetwork = "network"
	OutcomeDecode  = "decode"
	OutcomeStorage = "storage"
	OutcomePanic   = "panic"
)

// Metrics receives one observation per processed locator.
type Metrics interface {
	ObserveLocator(outcome string, d time.Duration)
}

// Processor turns an item's input locators into stored JPEG locators.
type Processor struct {
	fetcher Fetcher
	codec   Codec
	store   storage.Store
	logger  *slog.Logger
	metrics Metrics
	now     func() time.Time

	mu         sync.Mutex
	lastMillis int64
}

type Option func(*Processor)

func WithMetrics(m Metrics) Option {
	return func(p *Processor) {
		if m != nil {
			p.metrics = m
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Processor) {
		if now != nil {
			p.now = now
		}
	}
}

func NewProcessor(fetcher Fetcher, codec Codec, store storage.Store, logger *slog.Logger, opts ...Option) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Processor{
		fetcher: fetcher,
		codec:   codec,
		store:   store,
		logger:  logger,
		now:     time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Process handles the item's locators in order. A failing locator yields the
// failure sentinel in its slot; the result always has one entry per input.
func (p *Processor) Process(ctx context.Context, item *entity.Item) []string {
	logger := common.LoggerFromContext(ctx, p.logger).With("ordinal", item.Ordinal)
	out := make([]string, len(item.InputURLs))
	for i, locator := range item.InputURLs {
		start := time.Now()
		ref, err := p.processOne(ctx, locator)
		outcome := classify(err)
		if p.metrics != nil {
			p.metrics.ObserveLocator(outcome, time.Since(start))
		}
		if err != nil {
			logger.Warn("processor.locator.failed", "locator", locator, "index", i, "outcome", outcome, "err", err)
			out[i] = constants.FailedLocator
			continue
		}
		logger.Debug("processor.locator.ok", "locator", locator, "index", i, "output", ref)
		out[i] = ref
	}
	return out
}

func (p *Processor) processOne(ctx context.Context, locator string) (ref string, err error) {
	defer func() {
		if r := recover(); r != nil {
			ref = ""
			err = &panicError{value: r}
		}
	}()

	data, err := p.fetcher.Get(ctx, locator)
	if err != nil {
		return "", err
	}
	img, _, err := p.codec.Decode(data)
	if err != nil {
		return "", err
	}
	encoded, err := p.codec.Encode(img)
	if err != nil {
		return "", err
	}
	stored, err := p.store.Write(ctx, p.outputName(locator), encoded)
	if err != nil {
		if !errors.Is(err, common.ErrStorage) {
			err = errors.Join(common.ErrStorage, err)
		}
		return "", err
	}
	return stored.URL, nil
}

// outputName builds <unix-millis>-processed-<base>.jpg. Millis are kept
// strictly increasing per processor so names never collide.
func (p *Processor) outputName(locator string) string {
	p.mu.Lock()
	ms := p.now().UnixMilli()
	if ms <= p.lastMillis {
		ms = p.lastMillis + 1
	}
	p.lastMillis = ms
	p.mu.Unlock()
	return fmt.Sprintf("%d-processed-%s", ms, baseName(locator))
}

func baseName(locator string) string {
	raw := locator
	if u, err := url.Parse(locator); err == nil {
		raw = u.Path
	}
	base := path.Base(raw)
	if base == "." || base == "/" || base == "" {
		base = "image"
	}
	base = sanitize(base)
	ext := path.Ext(base)
	if _, ok := constants.ImageExtensions[constants.NormalizeExt(ext)]; ok {
		return base
	}
	stem := strings.TrimSuffix(base, ext)
	if stem == "" {
		stem = "image"
	}
	return stem + ".jpg"
}

func sanitize(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

type panicError struct {
	value any
}

func (e *panicError) Error() string {
	return fmt.Sprintf("panic while processing locator: %v", e.value)
}

func classify(err error) string {
	var pe *panicError
	switch {
	case err == nil:
		return OutcomeOK
	case errors.As(err, &pe):
		return OutcomePanic
	case errors.Is(err, common.ErrDecode):
		return OutcomeDecode
	case errors.Is(err, common.ErrStorage):
		return OutcomeStorage
	default:
		return OutcomeNetwork
	}
}
