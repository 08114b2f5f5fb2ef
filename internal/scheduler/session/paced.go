package session

import (
	"context"

	"golang.org/x/time/rate"

	"enrollo/internal/automation"
)

// pacedDriver waits on the session limiter before every action that reaches
// the provider. Reads of the local snapshot are not paced.
type pacedDriver struct {
	automation.Driver
	limiter *rate.Limiter
}

func (p *pacedDriver) Navigate(ctx context.Context, url string) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}
	return p.Driver.Navigate(ctx, url)
}

func (p *pacedDriver) Fill(ctx context.Context, selector, value string) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}
	return p.Driver.Fill(ctx, selector, value)
}

func (p *pacedDriver) Click(ctx context.Context, selector string) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}
	return p.Driver.Click(ctx, selector)
}

// Close is owned by the Manager; a job cannot close its lent session.
func (p *pacedDriver) Close() error {
	return nil
}
