package usage

import (
	"github.com/smallbiznis/creditmeter/internal/usage/liveevents"
	"github.com/smallbiznis/creditmeter/internal/usage/service"
	"go.uber.org/fx"
)

var Module = fx.Module("usage.service",
	fx.Provide(liveevents.NewHub),
	fx.Provide(service.NewService),
)
