package usecase

import (
	"context"
	"errors"

	"github.com/V4T54L/chialog/internal/domain"
)

// FanoutPublisher hands every batch to all of its publishers. A failing
// publisher does not keep the batch from the others.
type FanoutPublisher []domain.RecordPublisher

// Publish implements domain.RecordPublisher.
func (f FanoutPublisher) Publish(ctx context.Context, records []domain.LogRecord) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, records); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
