// Package clock abstracts time so temporal resolution is testable.
package clock

import (
	"time"

	"go.uber.org/fx"
)

// Clock supplies the engine's notion of now. All pricing, burn-table and
// entitlement windows resolve against it.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// NewSystemClock returns a UTC wall clock.
func NewSystemClock() Clock { return systemClock{} }

var Module = fx.Module("clock",
	fx.Provide(NewSystemClock),
)
