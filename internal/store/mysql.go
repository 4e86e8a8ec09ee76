package store

import (
	"database/sql"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

// InitMySQL opens the gorm handle used by the document and user stores and
// migrates their tables. The snapshot store uses a raw *sql.DB from the same
// pool.
func InitMySQL(dsn string) (*gorm.DB, *sql.DB, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, nil, err
	}
	if err := db.AutoMigrate(&documentRecord{}, &userRecord{}, &snapshotRecord{}); err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	return db, sqlDB, nil
}
