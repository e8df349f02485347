package loyalty

import (
	"gorm.io/gorm"

	"vhm24-loyalty/services/ledger"
	"vhm24-loyalty/services/notification"
	"vhm24-loyalty/services/quest"
	"vhm24-loyalty/services/reward"
)

// Models lists every table of the loyalty core.
func Models() []any {
	var models []any
	models = append(models, ledger.Models()...)
	models = append(models, quest.Models()...)
	models = append(models, reward.Models()...)
	models = append(models, notification.Models()...)
	return models
}

func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(Models()...)
}
