package costcatalog

import (
	"github.com/smallbiznis/creditmeter/internal/costcatalog/service"
	"go.uber.org/fx"
)

var Module = fx.Module("costcatalog.service",
	fx.Provide(service.NewService),
)
