package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"binance-pt-bot-go/internal/metrics"
	"binance-pt-bot-go/internal/models"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	mainnetWSBaseURL = "wss://stream.binance.com:9443"
	testnetWSBaseURL = "wss://stream.testnet.binance.vision"

	wsReadTimeout      = 3 * time.Minute
	reconnectDelay     = 2 * time.Second
	listenKeyKeepAlive = 30 * time.Minute
	restTimeout        = 10 * time.Second
)

// LiveExchange 通过 go-binance 的 REST 接口下单，
// 通过原始 WebSocket 流接收行情与用户数据事件。
//
// 断线重连策略：连接被重置、读超时、协议错误和底层 socket 错误
// 视为可恢复，延迟后重拨一次并继续；其余错误关闭事件通道。
type LiveExchange struct {
	client    *binance.Client
	wsBaseURL string
	symbols   []string
	logger    *zap.SugaredLogger

	events    chan models.StreamEvent
	listenKey string

	filtersMu sync.RWMutex
	filters   map[string]models.SymbolFilters

	closing chan struct{}
	wg      sync.WaitGroup
}

// NewLiveExchange 创建实盘适配器。symbols 是需要订阅行情流的全部交易对，
// 包括手续费折算用的辅助交易对。
func NewLiveExchange(apiKey, secretKey string, testnet bool, symbols []string, logger *zap.SugaredLogger) *LiveExchange {
	binance.UseTestnet = testnet
	wsBase := mainnetWSBaseURL
	if testnet {
		wsBase = testnetWSBaseURL
	}
	return &LiveExchange{
		client:    binance.NewClient(apiKey, secretKey),
		wsBaseURL: wsBase,
		symbols:   symbols,
		logger:    logger,
		events:    make(chan models.StreamEvent, 4096),
		filters:   make(map[string]models.SymbolFilters),
		closing:   make(chan struct{}),
	}
}

// Start 创建 listenKey 并启动用户数据流与每个交易对的行情流。
func (e *LiveExchange) Start() error {
	var listenKey string
	err := e.rest("create listen key", func(ctx context.Context) error {
		var err error
		listenKey, err = e.client.NewStartUserStreamService().Do(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("create listen key: %w", wrapAPIError(err))
	}
	e.listenKey = listenKey

	e.wg.Add(1)
	go e.keepAliveLoop()

	e.wg.Add(1)
	go e.streamLoop("user", fmt.Sprintf("%s/ws/%s", e.wsBaseURL, listenKey), e.handleUserMessage)

	for _, s := range e.symbols {
		url := fmt.Sprintf("%s/ws/%s@ticker", e.wsBaseURL, strings.ToLower(s))
		e.wg.Add(1)
		go e.streamLoop(s, url, e.handleTickerMessage)
	}
	return nil
}

// Events 返回归一化事件流。
func (e *LiveExchange) Events() <-chan models.StreamEvent {
	return e.events
}

// keepAliveLoop 周期性续期 listenKey，过期会导致用户数据流静默失效。
func (e *LiveExchange) keepAliveLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(listenKeyKeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), restTimeout)
			err := e.client.NewKeepaliveUserStreamService().ListenKey(e.listenKey).Do(ctx)
			cancel()
			if err != nil {
				e.logger.Errorf("listen key 续期失败: %v", err)
			}
		case <-e.closing:
			return
		}
	}
}

// streamLoop 维持一条 WebSocket 连接，消息交给 handle 处理。
// 可恢复错误触发热重连，其余错误终止该流。
func (e *LiveExchange) streamLoop(name, url string, handle func([]byte)) {
	defer e.wg.Done()
	for {
		select {
		case <-e.closing:
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		if err != nil {
			if !e.retriable(err) {
				e.logger.Errorf("流 %s 连接失败且不可恢复: %v", name, err)
				return
			}
			metrics.Reconnects.Inc()
			e.logger.Warnf("流 %s 连接失败，%s 后重试: %v", name, reconnectDelay, err)
			if !e.sleep(reconnectDelay) {
				return
			}
			continue
		}
		e.logger.Infof("流 %s 已连接", name)

		e.readUntilError(name, conn, handle)
		conn.Close()

		select {
		case <-e.closing:
			return
		default:
		}
		metrics.Reconnects.Inc()
		e.logger.Warnf("流 %s 断开，%s 后重连", name, reconnectDelay)
		if !e.sleep(reconnectDelay) {
			return
		}
	}
}

func (e *LiveExchange) readUntilError(name string, conn *websocket.Conn, handle func([]byte)) {
	for {
		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-e.closing:
			default:
				e.logger.Warnf("流 %s 读取错误: %v", name, err)
			}
			return
		}
		handle(message)
	}
}

// retriable 判断错误是否属于热重连范围。
func (e *LiveExchange) retriable(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	if websocket.IsUnexpectedCloseError(err) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "bad handshake")
}

func (e *LiveExchange) sleep(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-e.closing:
		return false
	}
}

// rest 执行一次 REST 调用；瞬时网络错误（与热重连同一判定）重试一次，
// 业务错误原样返回。每次尝试都有独立的超时。
func (e *LiveExchange) rest(name string, fn func(ctx context.Context) error) error {
	for attempt := 0; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), restTimeout)
		err := fn(ctx)
		cancel()
		if err == nil || attempt > 0 || !e.retriable(err) {
			return err
		}
		e.logger.Warnf("REST %s 瞬时错误，重试一次: %v", name, err)
	}
}

func (e *LiveExchange) handleTickerMessage(message []byte) {
	var ev models.TickerEvent
	if err := json.Unmarshal(message, &ev); err != nil || ev.EventType != string(models.KindTicker) {
		return
	}
	e.emit(models.StreamEvent{Kind: models.KindTicker, Ticker: &ev})
}

// handleUserMessage 按事件类型字段 "e" 分发用户数据流消息。
func (e *LiveExchange) handleUserMessage(message []byte) {
	var head struct {
		EventType string `json:"e"`
	}
	if err := json.Unmarshal(message, &head); err != nil {
		return
	}
	switch models.StreamEventKind(head.EventType) {
	case models.KindExecutionReport:
		var ev models.ExecutionReport
		if err := json.Unmarshal(message, &ev); err != nil {
			e.logger.Warnf("成交回报解析失败: %v", err)
			return
		}
		e.emit(models.StreamEvent{Kind: models.KindExecutionReport, Exec: &ev})
	case models.KindAccountPosition:
		var ev models.AccountPositionEvent
		if err := json.Unmarshal(message, &ev); err != nil {
			e.logger.Warnf("余额更新解析失败: %v", err)
			return
		}
		e.emit(models.StreamEvent{Kind: models.KindAccountPosition, Account: &ev})
	}
}

func (e *LiveExchange) emit(ev models.StreamEvent) {
	select {
	case e.events <- ev:
	case <-e.closing:
	}
}

// PlaceLimit 挂限价单。价格和数量先按过滤器步长对齐再校验。
func (e *LiveExchange) PlaceLimit(order *models.Order) error {
	filters, err := e.symbolFilters(order.Symbol)
	if err != nil {
		return err
	}
	price := AdjustToStep(order.Price, filters.TickSize)
	qty := AdjustToStep(order.Amount, filters.StepSize)
	if err := ValidateOrder(filters, price, qty); err != nil {
		return err
	}

	var res *binance.CreateOrderResponse
	err = e.rest("place limit", func(ctx context.Context) error {
		var err error
		res, err = e.client.NewCreateOrderService().
			Symbol(order.Symbol).
			Side(binance.SideType(order.Side)).
			Type(binance.OrderTypeLimit).
			TimeInForce(binance.TimeInForceTypeGTC).
			Quantity(strconv.FormatFloat(qty, 'f', -1, 64)).
			Price(strconv.FormatFloat(price, 'f', -1, 64)).
			NewClientOrderID(order.UID).
			Do(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("place limit %s: %w", order.UID, wrapAPIError(err))
	}
	order.ExchangeID = res.OrderID
	metrics.OrdersPlaced.WithLabelValues(order.Symbol, "limit").Inc()
	e.logger.Infof("限价单已挂出 [%s] uid=%s side=%s price=%.8f qty=%.8f",
		order.Symbol, order.UID, order.Side, price, qty)
	return nil
}

// PlaceMarket 下市价单，成交明细可得时把数量加权均价写回 order.Price。
func (e *LiveExchange) PlaceMarket(order *models.Order) error {
	filters, err := e.symbolFilters(order.Symbol)
	if err != nil {
		return err
	}
	qty := AdjustToStep(order.Amount, filters.StepSize)
	if qty < filters.MinQty {
		return fmt.Errorf("market order %s: qty %.8f below lot size %.8f", order.UID, qty, filters.MinQty)
	}

	var res *binance.CreateOrderResponse
	err = e.rest("place market", func(ctx context.Context) error {
		var err error
		res, err = e.client.NewCreateOrderService().
			Symbol(order.Symbol).
			Side(binance.SideType(order.Side)).
			Type(binance.OrderTypeMarket).
			Quantity(strconv.FormatFloat(qty, 'f', -1, 64)).
			NewClientOrderID(order.UID).
			Do(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("place market %s: %w", order.UID, wrapAPIError(err))
	}
	order.ExchangeID = res.OrderID
	if avg, ok := averageFillPrice(res.Fills); ok {
		order.Price = avg
	}
	metrics.OrdersPlaced.WithLabelValues(order.Symbol, "market").Inc()
	e.logger.Infof("市价单已发出 [%s] uid=%s side=%s qty=%.8f avg=%.8f",
		order.Symbol, order.UID, order.Side, qty, order.Price)
	return nil
}

// averageFillPrice 按数量加权计算成交均价。
func averageFillPrice(fills []*binance.Fill) (float64, bool) {
	var sumQty, sumQuote float64
	for _, f := range fills {
		p, err1 := strconv.ParseFloat(f.Price, 64)
		q, err2 := strconv.ParseFloat(f.Quantity, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		sumQty += q
		sumQuote += p * q
	}
	if sumQty == 0 {
		return 0, false
	}
	return sumQuote / sumQty, true
}

// Cancel 取消订单。订单已不在交易所侧（-2011）不视为错误。
// 没有交易所ID的订单（如上个进程遗留的隔离订单）按客户端订单ID取消。
func (e *LiveExchange) Cancel(order *models.Order) error {
	err := e.rest("cancel order", func(ctx context.Context) error {
		svc := e.client.NewCancelOrderService().Symbol(order.Symbol)
		if order.ExchangeID != 0 {
			svc.OrderID(order.ExchangeID)
		} else {
			svc.OrigClientOrderID(order.UID)
		}
		_, err := svc.Do(ctx)
		return err
	})
	if err != nil {
		var apiErr *common.APIError
		if errors.As(err, &apiErr) && apiErr.Code == -2011 {
			e.logger.Warnf("取消时订单已不存在 [%s] uid=%s", order.Symbol, order.UID)
			return nil
		}
		return fmt.Errorf("cancel order %s: %w", order.UID, wrapAPIError(err))
	}
	e.logger.Infof("订单已取消 [%s] uid=%s", order.Symbol, order.UID)
	return nil
}

// GetAllSymbolInfo 拉取并缓存交易对过滤器。
func (e *LiveExchange) GetAllSymbolInfo(symbol string) (models.SymbolFilters, error) {
	var res *binance.ExchangeInfo
	err := e.rest("exchange info", func(ctx context.Context) error {
		var err error
		res, err = e.client.NewExchangeInfoService().Symbol(symbol).Do(ctx)
		return err
	})
	if err != nil {
		return models.SymbolFilters{}, fmt.Errorf("exchange info %s: %w", symbol, wrapAPIError(err))
	}
	for _, s := range res.Symbols {
		if s.Symbol != symbol {
			continue
		}
		var f models.SymbolFilters
		if pf := s.PriceFilter(); pf != nil {
			f.MinPrice = parseFloat(pf.MinPrice)
			f.MaxPrice = parseFloat(pf.MaxPrice)
			f.TickSize = parseFloat(pf.TickSize)
		}
		if lf := s.LotSizeFilter(); lf != nil {
			f.MinQty = parseFloat(lf.MinQuantity)
			f.MaxQty = parseFloat(lf.MaxQuantity)
			f.StepSize = parseFloat(lf.StepSize)
		}
		if nf := s.NotionalFilter(); nf != nil {
			f.MinNotional = parseFloat(nf.MinNotional)
		}
		e.filtersMu.Lock()
		e.filters[symbol] = f
		e.filtersMu.Unlock()
		return f, nil
	}
	return models.SymbolFilters{}, fmt.Errorf("symbol %s not found in exchange info", symbol)
}

func (e *LiveExchange) symbolFilters(symbol string) (models.SymbolFilters, error) {
	e.filtersMu.RLock()
	f, ok := e.filters[symbol]
	e.filtersMu.RUnlock()
	if ok {
		return f, nil
	}
	return e.GetAllSymbolInfo(symbol)
}

// GetAccount 返回全部非零余额。
func (e *LiveExchange) GetAccount() ([]models.Account, error) {
	var res *binance.Account
	err := e.rest("get account", func(ctx context.Context) error {
		var err error
		res, err = e.client.NewGetAccountService().Do(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get account: %w", wrapAPIError(err))
	}
	var out []models.Account
	for _, b := range res.Balances {
		free := parseFloat(b.Free)
		locked := parseFloat(b.Locked)
		if free == 0 && locked == 0 {
			continue
		}
		out = append(out, models.Account{AssetName: b.Asset, Free: free, Locked: locked})
	}
	return out, nil
}

// GetAssetBalance 返回单个资产的余额，不存在时返回零值。
func (e *LiveExchange) GetAssetBalance(asset string) (models.Account, error) {
	accounts, err := e.GetAccount()
	if err != nil {
		return models.Account{}, err
	}
	for _, a := range accounts {
		if a.AssetName == asset {
			return a, nil
		}
	}
	return models.Account{AssetName: asset}, nil
}

// GetAvgPrice 返回交易对的当前加权均价。
func (e *LiveExchange) GetAvgPrice(symbol string) (float64, error) {
	var res *binance.AvgPrice
	err := e.rest("avg price", func(ctx context.Context) error {
		var err error
		res, err = e.client.NewAveragePriceService().Symbol(symbol).Do(ctx)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("avg price %s: %w", symbol, wrapAPIError(err))
	}
	return strconv.ParseFloat(res.Price, 64)
}

// GetOpenOrders 返回全部交易对上仍挂着的订单，用于启动对账。
func (e *LiveExchange) GetOpenOrders() ([]models.OpenOrder, error) {
	var res []*binance.Order
	err := e.rest("list open orders", func(ctx context.Context) error {
		var err error
		res, err = e.client.NewListOpenOrdersService().Do(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list open orders: %w", wrapAPIError(err))
	}
	out := make([]models.OpenOrder, 0, len(res))
	for _, o := range res {
		out = append(out, models.OpenOrder{
			Symbol:        o.Symbol,
			ClientOrderID: o.ClientOrderID,
			ExchangeID:    o.OrderID,
			Side:          models.Side(o.Side),
			Price:         parseFloat(o.Price),
			OrigQty:       parseFloat(o.OrigQuantity),
		})
	}
	return out, nil
}

// Close 关闭全部流并释放 listenKey。
func (e *LiveExchange) Close() error {
	close(e.closing)
	e.wg.Wait()
	if e.listenKey != "" {
		ctx, cancel := context.WithTimeout(context.Background(), restTimeout)
		defer cancel()
		if err := e.client.NewCloseUserStreamService().ListenKey(e.listenKey).Do(ctx); err != nil {
			e.logger.Warnf("关闭用户数据流失败: %v", err)
		}
	}
	close(e.events)
	return nil
}

// wrapAPIError 把交易所返回的业务错误映射为不可重试的 APIError。
func wrapAPIError(err error) error {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		return &models.APIError{Code: int(apiErr.Code), Msg: apiErr.Message}
	}
	return err
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
