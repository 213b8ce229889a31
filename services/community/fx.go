package community

import (
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("community.service",
	fx.Provide(NewService),
	fx.Invoke(Migrate),
)

func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&UserProfile{}, &LevelReward{}, &CommunityPoolClaim{}, &ReferralBonus{})
}
