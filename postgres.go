package main

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"matchengine/internal/asset"
	"matchengine/internal/config"
	"matchengine/internal/market"
)

const insertBatch = 100

// PostgresClient 封装GORM客户端，负责历史落库与资产、交易对配置
type PostgresClient struct {
	db *gorm.DB
}

// NewPostgresClient 初始化GORM客户端
func NewPostgresClient(conf config.DatabaseConfig) (*PostgresClient, error) {
	level := gormlogger.Silent
	if conf.LogEnabled {
		level = gormlogger.Info
	}
	db, err := gorm.Open(postgres.Open(conf.DSN), &gorm.Config{Logger: gormlogger.Default.LogMode(level)})
	if err != nil {
		return nil, fmt.Errorf("无法连接到 PostgreSQL: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("获取连接池失败: %v", err)
	}
	sqlDB.SetMaxOpenConns(conf.MaxOpenConns)
	sqlDB.SetMaxIdleConns(conf.MaxIdleConns)

	// 自动迁移数据库结构
	if err := db.AutoMigrate(&AssetModel{}, &MarketModel{}, &OrderHistory{}, &DealHistory{}, &BalanceHistory{}); err != nil {
		return nil, fmt.Errorf("自动迁移失败: %v", err)
	}
	return &PostgresClient{db: db}, nil
}

// Close 关闭GORM客户端
func (pc *PostgresClient) Close() {
	if sqlDB, err := pc.db.DB(); err == nil {
		sqlDB.Close()
	}
}

// AssetModel 映射到assets表
type AssetModel struct {
	ID        uint32          `gorm:"primaryKey"`
	Name      string          `gorm:"type:varchar(30);uniqueIndex"`
	PrecSave  int             `gorm:"not null"`
	PrecShow  int             `gorm:"not null"`
	MinAmount decimal.Decimal `gorm:"type:numeric(40,20);default:0"`
	IsListed  bool            `gorm:"default:false;index"`
}

// MarketModel 映射到markets表
type MarketModel struct {
	Name          string          `gorm:"primaryKey;type:varchar(30)"`
	Stock         string          `gorm:"type:varchar(30);not null"`
	Money         string          `gorm:"type:varchar(30);not null"`
	Fee           string          `gorm:"type:varchar(30)"`
	StockPrec     int             `gorm:"not null"`
	MoneyPrec     int             `gorm:"not null"`
	FeePrec       int             `gorm:"not null"`
	IncludeFee    bool            `gorm:"not null"`
	MinAmount     decimal.Decimal `gorm:"type:numeric(40,20);default:0"`
	MinPrice      decimal.Decimal `gorm:"type:numeric(40,20);default:0"`
	MinTotal      decimal.Decimal `gorm:"type:numeric(40,20);default:0"`
	ClosingPrice  decimal.Decimal `gorm:"type:numeric(40,20);default:0"`
	DelistingTime int64           `gorm:"default:0"`
	IsListed      bool            `gorm:"default:false;index"`
}

// OrderHistory 映射到order_history表，只保存已结束的订单
type OrderHistory struct {
	ID         uint64 `gorm:"primaryKey;autoIncrement:false"`
	Market     string `gorm:"type:varchar(30);index:idx_order_user_market,priority:2"`
	Source     string `gorm:"type:varchar(30)"`
	Type       uint8
	Side       uint8
	UserID     uint32 `gorm:"index:idx_order_user_market,priority:1"`
	CreateTime time.Time
	FinishTime time.Time
	Price      decimal.Decimal `gorm:"type:numeric(40,20)"`
	Amount     decimal.Decimal `gorm:"type:numeric(40,20)"`
	TakerFee   decimal.Decimal `gorm:"type:numeric(10,4)"`
	MakerFee   decimal.Decimal `gorm:"type:numeric(10,4)"`
	DealStock  decimal.Decimal `gorm:"type:numeric(40,20)"`
	DealMoney  decimal.Decimal `gorm:"type:numeric(40,20)"`
	DealFee    decimal.Decimal `gorm:"type:numeric(40,20)"`
}

// DealHistory 映射到deal_history表
type DealHistory struct {
	ID         uint64 `gorm:"primaryKey;autoIncrement:false"`
	Time       time.Time
	Market     string `gorm:"type:varchar(30);index"`
	Side       uint8
	Price      decimal.Decimal `gorm:"type:numeric(40,20)"`
	Amount     decimal.Decimal `gorm:"type:numeric(40,20)"`
	Deal       decimal.Decimal `gorm:"type:numeric(40,20)"`
	AskOrderID uint64          `gorm:"index"`
	AskUserID  uint32          `gorm:"index"`
	AskRole    uint8
	AskFee     decimal.Decimal `gorm:"type:numeric(40,20)"`
	BidOrderID uint64          `gorm:"index"`
	BidUserID  uint32          `gorm:"index"`
	BidRole    uint8
	BidFee     decimal.Decimal `gorm:"type:numeric(40,20)"`
}

// BalanceHistory 映射到balance_history表
type BalanceHistory struct {
	ID       uint64 `gorm:"primaryKey"`
	Time     time.Time
	UserID   uint32          `gorm:"index:idx_balance_user_asset,priority:1"`
	Asset    string          `gorm:"type:varchar(30);index:idx_balance_user_asset,priority:2"`
	Business string          `gorm:"type:varchar(30)"`
	Change   decimal.Decimal `gorm:"type:numeric(40,20)"`
	Balance  decimal.Decimal `gorm:"type:numeric(40,20)"`
	Detail   string          `gorm:"type:text"`
}

// TableName 指定AssetModel的表名
func (AssetModel) TableName() string {
	return "assets"
}

// TableName 指定MarketModel的表名
func (MarketModel) TableName() string {
	return "markets"
}

// TableName 指定OrderHistory的表名
func (OrderHistory) TableName() string {
	return "order_history"
}

// TableName 指定DealHistory的表名
func (DealHistory) TableName() string {
	return "deal_history"
}

// TableName 指定BalanceHistory的表名
func (BalanceHistory) TableName() string {
	return "balance_history"
}

func unixTime(ts float64) time.Time {
	sec := int64(ts)
	return time.Unix(sec, int64((ts-float64(sec))*1e9))
}

func orderRow(o market.OrderInfo) OrderHistory {
	return OrderHistory{
		ID:         o.ID,
		Market:     o.Market,
		Source:     o.Source,
		Type:       uint8(o.Type),
		Side:       uint8(o.Side),
		UserID:     o.UserID,
		CreateTime: unixTime(o.CTime),
		FinishTime: unixTime(o.MTime),
		Price:      o.Price,
		Amount:     o.Amount,
		TakerFee:   o.TakerFee,
		MakerFee:   o.MakerFee,
		DealStock:  o.DealStock,
		DealMoney:  o.DealMoney,
		DealFee:    o.DealFee,
	}
}

func dealRow(d market.Deal) DealHistory {
	return DealHistory{
		ID:         d.ID,
		Time:       d.Time,
		Market:     d.Market,
		Side:       uint8(d.TakerSide),
		Price:      d.Price,
		Amount:     d.Amount,
		Deal:       d.Total,
		AskOrderID: d.AskOrderID,
		AskUserID:  d.AskUserID,
		AskRole:    uint8(d.AskRole),
		AskFee:     d.AskFee,
		BidOrderID: d.BidOrderID,
		BidUserID:  d.BidUserID,
		BidRole:    uint8(d.BidRole),
		BidFee:     d.BidFee,
	}
}

func balanceRow(c market.BalanceChange) BalanceHistory {
	return BalanceHistory{
		Time:     c.Time,
		UserID:   c.UserID,
		Asset:    c.Asset,
		Business: c.Business,
		Change:   c.Change,
		Balance:  c.Balance,
		Detail:   c.Detail,
	}
}

// SaveOrders 批量保存已结束订单，重复的订单号忽略
func (pc *PostgresClient) SaveOrders(ctx context.Context, orders []market.OrderInfo) error {
	rows := make([]OrderHistory, 0, len(orders))
	for _, o := range orders {
		rows = append(rows, orderRow(o))
	}
	return pc.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(rows, insertBatch).Error
}

// SaveDeals 批量保存成交
func (pc *PostgresClient) SaveDeals(ctx context.Context, deals []market.Deal) error {
	rows := make([]DealHistory, 0, len(deals))
	for _, d := range deals {
		rows = append(rows, dealRow(d))
	}
	return pc.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(rows, insertBatch).Error
}

// SaveBalances 批量保存余额流水
func (pc *PostgresClient) SaveBalances(ctx context.Context, changes []market.BalanceChange) error {
	rows := make([]BalanceHistory, 0, len(changes))
	for _, c := range changes {
		rows = append(rows, balanceRow(c))
	}
	return pc.db.WithContext(ctx).CreateInBatches(rows, insertBatch).Error
}

func (m AssetModel) asset() asset.Asset {
	return asset.Asset{ID: m.ID, Symbol: m.Name, Prec: m.PrecSave, ShowPrec: m.PrecShow, MinAmount: m.MinAmount}
}

func (m MarketModel) config() market.Config {
	return market.Config{
		Name:          m.Name,
		Stock:         m.Stock,
		Money:         m.Money,
		Fee:           m.Fee,
		StockPrec:     m.StockPrec,
		MoneyPrec:     m.MoneyPrec,
		FeePrec:       m.FeePrec,
		IncludeFee:    m.IncludeFee,
		MinAmount:     m.MinAmount,
		MinPrice:      m.MinPrice,
		MinTotal:      m.MinTotal,
		ClosingPrice:  m.ClosingPrice,
		DelistingTime: m.DelistingTime,
	}
}

func marketModel(c market.Config, listed bool) MarketModel {
	return MarketModel{
		Name:          c.Name,
		Stock:         c.Stock,
		Money:         c.Money,
		Fee:           c.Fee,
		StockPrec:     c.StockPrec,
		MoneyPrec:     c.MoneyPrec,
		FeePrec:       c.FeePrec,
		IncludeFee:    c.IncludeFee,
		MinAmount:     c.MinAmount,
		MinPrice:      c.MinPrice,
		MinTotal:      c.MinTotal,
		ClosingPrice:  c.ClosingPrice,
		DelistingTime: c.DelistingTime,
		IsListed:      listed,
	}
}

// LoadAssets 读取已上线或待上线的资产，按编号排序
func (pc *PostgresClient) LoadAssets(ctx context.Context, listed bool) ([]asset.Asset, error) {
	var rows []AssetModel
	if err := pc.db.WithContext(ctx).Where("is_listed = ?", listed).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("查询资产失败: %v", err)
	}
	list := make([]asset.Asset, 0, len(rows))
	for _, row := range rows {
		list = append(list, row.asset())
	}
	return list, nil
}

// LoadMarkets 读取已上线或待上线的交易对
func (pc *PostgresClient) LoadMarkets(ctx context.Context, listed bool) ([]market.Config, error) {
	var rows []MarketModel
	if err := pc.db.WithContext(ctx).Where("is_listed = ?", listed).Order("name").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("查询交易对失败: %v", err)
	}
	list := make([]market.Config, 0, len(rows))
	for _, row := range rows {
		list = append(list, row.config())
	}
	return list, nil
}

// MarkAssetListed 标记资产已上线
func (pc *PostgresClient) MarkAssetListed(ctx context.Context, name string) error {
	return pc.db.WithContext(ctx).Model(&AssetModel{}).Where("name = ?", name).Update("is_listed", true).Error
}

// MarkMarketListed 标记交易对已上线
func (pc *PostgresClient) MarkMarketListed(ctx context.Context, name string) error {
	return pc.db.WithContext(ctx).Model(&MarketModel{}).Where("name = ?", name).Update("is_listed", true).Error
}

// SaveAsset 写入已上线的资产，已存在时更新精度
func (pc *PostgresClient) SaveAsset(ctx context.Context, a asset.Asset) error {
	row := AssetModel{ID: a.ID, Name: a.Symbol, PrecSave: a.Prec, PrecShow: a.ShowPrec, MinAmount: a.MinAmount, IsListed: true}
	return pc.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"prec_save", "prec_show", "min_amount", "is_listed"}),
	}).Create(&row).Error
}

// SaveMarket 写入已上线的交易对
func (pc *PostgresClient) SaveMarket(ctx context.Context, c market.Config) error {
	row := marketModel(c, true)
	return pc.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
}

// SaveClosingPrice 保存收盘价
func (pc *PostgresClient) SaveClosingPrice(ctx context.Context, prices map[string]decimal.Decimal) error {
	return pc.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for name, price := range prices {
			if err := tx.Model(&MarketModel{}).Where("name = ?", name).Update("closing_price", price).Error; err != nil {
				return fmt.Errorf("更新 %s 收盘价失败: %v", name, err)
			}
		}
		return nil
	})
}
