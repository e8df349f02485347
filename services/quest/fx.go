package quest

import (
	"go.uber.org/fx"

	"vhm24-loyalty/services/ledger"
)

var Module = fx.Module("quest.service",
	fx.Provide(
		NewService,
		func(l *ledger.Service) Ledger { return l },
	),
)
