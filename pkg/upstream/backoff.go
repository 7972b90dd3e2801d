package upstream

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/flare-foundation/go-flare-common/pkg/logger"
	"github.com/flare-foundation/rollup-archive-indexer/pkg/archive"
	"github.com/pkg/errors"
)

type sourceWithBackoff struct {
	source         Source
	maxElapsedTime time.Duration
	requestTimeout time.Duration
}

// WithBackoff bounds every attempt by requestTimeout and retries transient
// failures until maxElapsedTime has passed. Permanent errors are returned
// immediately.
func WithBackoff(source Source, maxElapsedTime, requestTimeout time.Duration) Source {
	return &sourceWithBackoff{
		source:         source,
		maxElapsedTime: maxElapsedTime,
		requestTimeout: requestTimeout,
	}
}

func (swb *sourceWithBackoff) FetchArchive(ctx context.Context, q Query) (*archive.Archive, error) {
	var result *archive.Archive

	err := backoff.RetryNotify(
		func() (err error) {
			ctx, cancel := context.WithTimeout(ctx, swb.requestTimeout)
			defer cancel()

			result, err = swb.source.FetchArchive(ctx, q)
			return err
		},
		swb.newBackoff(ctx),
		func(err error, d time.Duration) {
			logger.Warnf("FetchArchive %s error: %v. Will retry after %v", q, err, d)
		},
	)
	if err != nil {
		return nil, errors.Wrapf(err, "FetchArchive %s failed", q)
	}

	return result, nil
}

func (swb *sourceWithBackoff) newBackoff(ctx context.Context) backoff.BackOff {
	return backoff.WithContext(backoff.NewExponentialBackOff(
		backoff.WithMaxElapsedTime(swb.maxElapsedTime),
	), ctx)
}
