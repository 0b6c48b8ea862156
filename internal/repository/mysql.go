package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/lvdashuaibi/promocoupon/config"
	"github.com/lvdashuaibi/promocoupon/internal/model"
)

// ErrPromotionNotPersisted 更新发放信息时找不到预约行
var ErrPromotionNotPersisted = fmt.Errorf("预约记录尚未落库")

type MySQLRepository struct {
	db *sql.DB
}

func NewMySQLRepository(ctx context.Context, cfg config.MySQLConfig) (*MySQLRepository, error) {
	db, err := sql.Open("mysql", cfg.Master)
	if err != nil {
		return nil, fmt.Errorf("连接数据库失败: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(time.Hour)

	if err = db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("数据库连接测试失败: %w", err)
	}

	return &MySQLRepository{db: db}, nil
}

// NewMySQLRepositoryFromDB 使用已有连接
func NewMySQLRepositoryFromDB(db *sql.DB) *MySQLRepository {
	return &MySQLRepository{db: db}
}

// PersistReservation 保存预约记录，重复投递时保持幂等
func (r *MySQLRepository) PersistReservation(ctx context.Context, promotion *model.Promotion) error {
	query := `INSERT INTO promotions (id, user_id, activity_id, reserved_time)
			 VALUES (?, ?, ?, ?)
			 ON DUPLICATE KEY UPDATE id = id`

	_, err := r.db.ExecContext(ctx, query,
		promotion.ID,
		promotion.User,
		promotion.Activity,
		promotion.ReservedTime.UTC(),
	)
	if err != nil {
		return fmt.Errorf("保存预约记录 %s 失败: %w", promotion.ID, err)
	}
	return nil
}

// PersistIssuance 按记录ID写入券码与发放时间
func (r *MySQLRepository) PersistIssuance(ctx context.Context, promotion *model.Promotion) error {
	if promotion.IssuedTime == nil {
		return fmt.Errorf("记录 %s 缺少发放时间", promotion.ID)
	}

	query := "UPDATE promotions SET code = ?, issued_time = ? WHERE id = ?"
	result, err := r.db.ExecContext(ctx, query,
		promotion.Code,
		promotion.IssuedTime.UTC(),
		promotion.ID,
	)
	if err != nil {
		return fmt.Errorf("保存发放记录 %s 失败: %w", promotion.ID, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("获取更新结果失败: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("记录 %s: %w", promotion.ID, ErrPromotionNotPersisted)
	}
	return nil
}

// Close 关闭数据库连接
func (r *MySQLRepository) Close() {
	if r.db != nil {
		r.db.Close()
	}
}
