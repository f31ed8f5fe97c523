package burntable

import (
	"github.com/smallbiznis/creditmeter/internal/burntable/service"
	"go.uber.org/fx"
)

var Module = fx.Module("burntable.service",
	fx.Provide(service.NewService),
)
