package notification

import (
	"github.com/hibiken/asynq"
	"go.uber.org/fx"

	"vhm24-loyalty/services/ledger"
)

var Module = fx.Module("notification.service",
	fx.Provide(NewService),
)

// Publishing hands every committed ledger transaction to the delivery queue.
var Publishing = fx.Module("notification.publisher",
	fx.Provide(
		NewPublisher,
		func(p *Publisher) ledger.Publisher { return p },
	),
)

var Worker = fx.Module("notification.worker",
	fx.Invoke(func(mux *asynq.ServeMux, s *Service) { s.Register(mux) }),
)
