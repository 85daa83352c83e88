package client

import (
	"context"
	"fmt"
	"time"

	"github.com/richinsley/comfygen/graphapi"
)

// ModelPolicy controls how long WaitForModels keeps asking. The delay
// before attempt n (counting from zero) is Base + n*Step, capped at Max.
type ModelPolicy struct {
	Attempts int
	Base     time.Duration
	Step     time.Duration
	Max      time.Duration
}

// DefaultModelPolicy matches a freshly started server that is still
// scanning its model folders.
func DefaultModelPolicy() ModelPolicy {
	return ModelPolicy{
		Attempts: 10,
		Base:     500 * time.Millisecond,
		Step:     200 * time.Millisecond,
		Max:      2 * time.Second,
	}
}

func (p ModelPolicy) delay(attempt int) time.Duration {
	d := p.Base + time.Duration(attempt)*p.Step
	if p.Max > 0 && d > p.Max {
		d = p.Max
	}
	return d
}

// ListModels returns the models of one kind known to the server right now.
// Embeddings come from /embeddings, everything else from /object_info.
func (c *ComfyClient) ListModels(ctx context.Context, kind graphapi.ModelKind) ([]string, error) {
	if kind == graphapi.ModelEmbeddings {
		return c.GetEmbeddings(ctx)
	}
	objects, err := c.GetObjectInfo(ctx)
	if err != nil {
		return nil, err
	}
	return objects.Models()[kind], nil
}

// WaitForModels polls until the server reports at least one model of kind.
// It gives up with ErrNoModels once the policy is exhausted.
func (c *ComfyClient) WaitForModels(ctx context.Context, kind graphapi.ModelKind, policy ModelPolicy) ([]string, error) {
	attempts := policy.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		models, err := c.ListModels(ctx, kind)
		if err == nil && len(models) > 0 {
			return models, nil
		}
		lastErr = err
		c.logger.Debug("models not available yet", "kind", kind, "attempt", attempt+1, "error", err)

		if attempt == attempts-1 {
			break
		}
		timer := time.NewTimer(policy.delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	if lastErr != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNoModels, kind, lastErr)
	}
	return nil, fmt.Errorf("%w: %s", ErrNoModels, kind)
}
