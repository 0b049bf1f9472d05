package infrastructure

import (
	"context"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"odf/internal/pkg/logger"
	"odf/internal/service/odf/infrastructure/lockstore"
)

// MySQLOptions 是连接池配置
type MySQLOptions struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	AutoMigrate     bool
}

// OpenMySQL 打开 ERP 数据库连接
func OpenMySQL(opts MySQLOptions) (*gorm.DB, error) {
	// 只记录主机和库名，不把密码写进日志
	cfg, err := mysql.ParseDSN(opts.DSN)
	if err != nil {
		return nil, errors.Wrap(err, "invalid mysql dsn")
	}
	if !cfg.ParseTime {
		cfg.ParseTime = true
	}

	db, err := gorm.Open(gormmysql.New(gormmysql.Config{DSNConfig: cfg}), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to mysql")
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "get sql.DB")
	}
	sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
	sqlDB.SetMaxIdleConns(opts.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(opts.ConnMaxLifetime)

	if opts.AutoMigrate {
		if err := Migrate(db); err != nil {
			return nil, err
		}
	}

	logger.Ctx(context.Background()).Info().
		Str("addr", cfg.Addr).Str("db", cfg.DBName).Msg("✅ Connected to MySQL.")
	return db, nil
}

// Migrate 创建或更新流水线用到的表
func Migrate(db *gorm.DB) error {
	err := db.AutoMigrate(
		&OrderModel{},
		&OrderLineModel{},
		&ArticleModel{},
		&StockModel{},
		&AffaireModel{},
		&CouponSerialModel{},
		&InventoryMovementModel{},
		&FabricationOrderModel{},
		&FabricationOrderLineModel{},
		&FabricationCouponModel{},
		&RequestModel{},
		&lockstore.SerialLockModel{},
	)
	return errors.Wrap(err, "auto migrate")
}
