package schema

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

// Future schema changes get appended here as new migrations; gormigrate
// records the applied ids so existing deployments only run the delta.
func Migrations() []*gormigrate.Migration {
	return []*gormigrate.Migration{
		{
			ID: "0_initial_schema",
			Migrate: func(txn *gorm.DB) error {
				return txn.AutoMigrate(&Model{}, &AccessToken{}, &Admin{})
			},
			Rollback: func(txn *gorm.DB) error {
				return txn.Migrator().DropTable(&AccessToken{}, &Model{}, &Admin{})
			},
		},
	}
}

func Migrate(db *gorm.DB) error {
	return gormigrate.New(db, gormigrate.DefaultOptions, Migrations()).Migrate()
}
