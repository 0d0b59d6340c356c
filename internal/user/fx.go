package user

import (
	"github.com/smallbiznis/creditledger/internal/user/service"
	"go.uber.org/fx"
)

var Module = fx.Module("user.service",
	fx.Provide(service.NewService),
)
