package permit

import (
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("permit.service",
	fx.Provide(
		NewChecker,
		NewExecutor,
		NewService,
		provideMetrics,
	),
	fx.Invoke(Migrate),
)

// Worker adds the background side: queued executions and the sweep schedule.
var Worker = fx.Module("permit.worker",
	fx.Provide(NewTaskHandler, NewScheduler),
	fx.Invoke(registerTaskHandlers, StartScheduler),
)

func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&PermitSignature{})
}
