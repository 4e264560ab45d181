package userstate

import (
	"context"
	"fmt"
	"iter"

	"github.com/goliatone/go-userstate/overlay"
	"golang.org/x/time/rate"
	"go.uber.org/zap"
)

// ScanOption configures IterAllForBlock and IterAllForCourse.
type ScanOption func(*scanConfig)

type scanConfig struct {
	batchSize int
	blockType string
	limiter   *rate.Limiter
	filter    *Rule
	fields    []string
}

// WithBatchSize sets how many records each backend read returns. It must be
// positive.
func WithBatchSize(size int) ScanOption {
	return func(cfg *scanConfig) {
		cfg.batchSize = size
	}
}

// WithBlockType narrows a course scan to blocks of one type.
func WithBlockType(blockType string) ScanOption {
	return func(cfg *scanConfig) {
		cfg.blockType = blockType
	}
}

// WithRateLimit waits on limiter before every backend read.
func WithRateLimit(limiter *rate.Limiter) ScanOption {
	return func(cfg *scanConfig) {
		cfg.limiter = limiter
	}
}

// WithFilterRule drops records for which rule is false. The rule sees the
// same variables as RecordRule minus operation and removed.
func WithFilterRule(rule *Rule) ScanOption {
	return func(cfg *scanConfig) {
		cfg.filter = rule
	}
}

// WithScanFields restricts the fields of yielded records.
func WithScanFields(names ...string) ScanOption {
	return func(cfg *scanConfig) {
		cfg.fields = names
	}
}

// IterAllForBlock yields every user's record for block in scope. Records are
// read lazily in batches; stopping the iteration stops reading. It fails
// eagerly with a *NotSupportedError when the store cannot scan.
func (c *Client) IterAllForBlock(ctx context.Context, block BlockKey, scope Scope, opts ...ScanOption) (iter.Seq2[Record, error], error) {
	cfg, err := c.scanConfig("iter_all_for_block", scope, opts)
	if err != nil {
		return nil, err
	}
	if err := block.Validate(); err != nil {
		return nil, err
	}
	req := ScanRequest{
		Scope: scope,
		Block: Canonicalize(block),
		Limit: cfg.batchSize,
	}
	return c.scan(ctx, "iter_all_for_block", req, cfg), nil
}

// IterAllForCourse yields every record of every block of course in scope,
// optionally narrowed with WithBlockType.
func (c *Client) IterAllForCourse(ctx context.Context, course CourseKey, scope Scope, opts ...ScanOption) (iter.Seq2[Record, error], error) {
	cfg, err := c.scanConfig("iter_all_for_course", scope, opts)
	if err != nil {
		return nil, err
	}
	if err := course.Validate(); err != nil {
		return nil, err
	}
	req := ScanRequest{
		Scope:     scope,
		Course:    course.Canonical(),
		BlockType: cfg.blockType,
		Limit:     cfg.batchSize,
	}
	return c.scan(ctx, "iter_all_for_course", req, cfg), nil
}

func (c *Client) scanConfig(op string, scope Scope, opts []ScanOption) (scanConfig, error) {
	if c.scanner == nil {
		return scanConfig{}, &NotSupportedError{Operation: op, Backend: backendName(c.store)}
	}
	if err := scope.Validate(); err != nil {
		return scanConfig{}, err
	}
	cfg := scanConfig{batchSize: c.batchSize}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.batchSize <= 0 {
		return scanConfig{}, &ValidationError{Field: "batch_size", Value: fmt.Sprint(cfg.batchSize), Reason: "must be positive"}
	}
	return cfg, nil
}

func (c *Client) scan(ctx context.Context, name string, req ScanRequest, cfg scanConfig) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		ctx, op := c.begin(ctx, name, "", req.Scope, 0)
		var (
			opErr   error
			yielded int
			pages   int
		)
		defer func() {
			c.metrics.recordsScanned(name, req.Scope, yielded)
			c.logger.Debug("scan finished",
				zap.String("op", name),
				zap.String("scope", string(req.Scope)),
				zap.Int("pages", pages),
				zap.Int("records", yielded),
				zap.Error(opErr),
			)
			op.end(opErr)
		}()

		fail := func(err error) {
			opErr = err
			yield(Record{}, err)
		}

		for {
			if cfg.limiter != nil {
				if err := cfg.limiter.Wait(ctx); err != nil {
					fail(err)
					return
				}
			}
			if err := ctx.Err(); err != nil {
				fail(err)
				return
			}
			page, err := c.scanner.Scan(ctx, req)
			if err != nil {
				fail(c.wrap(name, err))
				return
			}
			pages++

			for _, rec := range page.Records {
				if cfg.filter != nil {
					ok, err := cfg.filter.Match(RuleContext{
						Vars:  recordVars(rec.User, rec.Block, rec.Fields, rec.Updated),
						Scope: rec.Scope,
					})
					if err != nil {
						fail(err)
						return
					}
					if !ok {
						continue
					}
				}
				rec.Fields = overlay.Filter(rec.Fields, cfg.fields)
				yielded++
				if !yield(rec, nil) {
					return
				}
			}

			if page.Next == "" {
				return
			}
			if page.Next == req.After {
				fail(fmt.Errorf("userstate: %s: scanner did not advance past %q", name, page.Next))
				return
			}
			req.After = page.Next
		}
	}
}
