package broadcast

import (
	"context"
	"errors"

	"github.com/paulgrammer/comicbatch/internal/progress"
)

// Fanout publishes to several transports. Every transport is tried; their
// errors are joined.
type Fanout []progress.Publisher

func (f Fanout) Publish(ctx context.Context, topic string, payload any) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, topic, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
