package main

import (
	"flag"
	"math/rand"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"matchengine/pkg/logger"
)

// Order 下单请求，与 HTTP 接口保持一致
type Order struct {
	Market   string          `json:"market"`
	UserID   uint32          `json:"user_id"`
	Side     uint8           `json:"side"`
	Amount   decimal.Decimal `json:"amount"`
	Price    decimal.Decimal `json:"price"`
	TakerFee decimal.Decimal `json:"taker_fee"`
	MakerFee decimal.Decimal `json:"maker_fee"`
	Source   string          `json:"source"`
}

// BalanceUpdate 充值请求
type BalanceUpdate struct {
	UserID     uint32          `json:"user_id"`
	Asset      string          `json:"asset"`
	Business   string          `json:"business"`
	BusinessID uint64          `json:"business_id"`
	Change     decimal.Decimal `json:"change"`
}

type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

var fee = decimal.RequireFromString("0.001")

// generateRandomOrder 生成随机订单，支持限价和市价订单
func generateRandomOrder(market string, users int, source string) (string, Order) {
	kinds := []string{"limit", "limit", "limit", "market"}
	kind := kinds[rand.Intn(len(kinds))]

	order := Order{
		Market:   market,
		UserID:   uint32(rand.Intn(users) + 1),
		Side:     uint8(rand.Intn(2) + 1),
		Price:    decimal.NewFromFloat(40000 + rand.Float64()*1000).Round(2),
		Amount:   decimal.NewFromFloat(0.01 + rand.Float64()*0.99).Round(4),
		TakerFee: fee,
		MakerFee: fee,
		Source:   source,
	}
	// 市价订单价格为 0，市价买单数量以计价资产表示
	if kind == "market" {
		if order.Side == 2 {
			order.Amount = order.Amount.Mul(order.Price).Round(2)
		}
		order.Price = decimal.Zero
	}
	return kind, order
}

// deposit 为每个用户充值
func deposit(client *resty.Client, users int, stock, money string) error {
	id := uint64(time.Now().Unix())
	for user := 1; user <= users; user++ {
		for asset, amount := range map[string]int64{stock: 1000, money: 50000000} {
			id++
			var fail apiError
			resp, err := client.R().
				SetBody(BalanceUpdate{UserID: uint32(user), Asset: asset, Business: "deposit", BusinessID: id, Change: decimal.NewFromInt(amount)}).
				SetError(&fail).
				Post("/balances")
			if err != nil {
				return err
			}
			if resp.IsError() {
				logger.Warnf("用户 %d 充值 %s 失败: %s", user, asset, fail.Error.Message)
			}
		}
	}
	return nil
}

func main() {
	url := flag.String("url", "http://localhost:8080", "撮合引擎地址")
	market := flag.String("market", "BTC_USDT", "交易对")
	stock := flag.String("stock", "BTC", "基础资产")
	money := flag.String("money", "USDT", "计价资产")
	users := flag.Int("users", 10, "用户数量")
	interval := flag.Duration("interval", 10*time.Millisecond, "下单间隔")
	flag.Parse()

	client := resty.New().SetBaseURL(*url).SetTimeout(5 * time.Second)
	if err := deposit(client, *users, *stock, *money); err != nil {
		logger.Errorf("充值失败: %v", err)
		return
	}
	source := "order-gen-" + uuid.New().String()[:8]
	logger.Infof("开始下单, 来源: %s, 用户数量: %d", source, *users)

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	for range ticker.C {
		kind, order := generateRandomOrder(*market, *users, source)
		var fail apiError
		resp, err := client.R().SetBody(order).SetError(&fail).Post("/orders/" + kind)
		if err != nil {
			logger.Errorf("发送订单失败: %v", err)
			continue
		}
		if resp.IsError() {
			logger.Debugf("订单被拒绝: %s %s", fail.Error.Code, fail.Error.Message)
			continue
		}
		logger.Debugf("订单提交成功: %s", resp.String())
	}
}
