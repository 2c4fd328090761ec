// Package reservation provides the restaurant booking tools offered to the
// receptionist agent.
package reservation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/switchline/internal/tools"
)

// ToolName is the name the model calls.
const ToolName = "check_availability"

// DefaultLookupDelay simulates the booking system's response time.
const DefaultLookupDelay = 2 * time.Second

// Args are the arguments of check_availability.
type Args struct {
	Date      string `json:"date" jsonschema:"description=Desired date (YYYY-MM-DD)"`
	Time      string `json:"time" jsonschema:"description=Desired time (HH:MM\\, 24h)"`
	PartySize int    `json:"party_size" jsonschema:"description=Number of guests"`
}

// Validate checks the argument formats.
func (a Args) Validate() error {
	var errs []error
	if _, err := time.Parse(time.DateOnly, a.Date); err != nil {
		errs = append(errs, fmt.Errorf("date %q is not YYYY-MM-DD", a.Date))
	}
	if _, err := time.Parse("15:04", a.Time); err != nil {
		errs = append(errs, fmt.Errorf("time %q is not HH:MM", a.Time))
	}
	if a.PartySize < 1 {
		errs = append(errs, fmt.Errorf("party_size must be at least 1, got %d", a.PartySize))
	}
	return errors.Join(errs...)
}

// Availability is the tool result.
type Availability struct {
	Available bool `json:"available"`
}

// Option configures the tool.
type Option func(*checker)

// WithLookupDelay overrides [DefaultLookupDelay]. Zero disables the delay.
func WithLookupDelay(d time.Duration) Option {
	return func(c *checker) { c.delay = d }
}

type checker struct {
	delay time.Duration
}

// CheckAvailability returns the check_availability tool. Every valid request
// is reported as available once the lookup delay has passed.
func CheckAvailability(opts ...Option) (tools.Tool, error) {
	c := &checker{delay: DefaultLookupDelay}
	for _, o := range opts {
		o(c)
	}
	return tools.Func(ToolName, "Check table availability. Always returns that a table is available.", c.check)
}

func (c *checker) check(ctx context.Context, a Args) (any, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	if c.delay > 0 {
		t := time.NewTimer(c.delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return Availability{Available: true}, nil
}
