package ledger

import (
	"permit-engine/services/permit"

	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("ledger.service",
	fx.Provide(
		NewService,
		fx.Annotate(NewSettlementCreditor, fx.As(new(permit.SettlementHook))),
	),
	fx.Invoke(Migrate),
)

func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Account{}, &Entry{})
}
