package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"orderflow/internal/app"
	"orderflow/internal/config"
	"orderflow/internal/exchange"
	"orderflow/internal/filters"
	"orderflow/internal/journal"
	"orderflow/internal/log"
	"orderflow/internal/order"
	"orderflow/internal/validate"
)

// 退出码约定：0 完成；1 计划失败；2 校验/拒单；3 部分完成；4 已取消。
const (
	exitOK                 = 0
	exitFailed             = 1
	exitRejected           = 2
	exitPartiallyCompleted = 3
	exitCancelled          = 4
)

func main() {
	os.Exit(run())
}

func run() int {
	var configPath string
	flag.StringVar(&configPath, "config", "", "配置文件路径，默认使用 configs/config.yaml")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		return exitFailed
	}

	it, err := parseIntent(args[0], args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "参数错误: %v\n", err)
		return exitRejected
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		return exitFailed
	}

	logger, err := log.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		return exitFailed
	}
	defer func(logger *zap.Logger) {
		_ = logger.Sync()
	}(logger)

	store, err := journal.NewStore(cfg.Database)
	if err != nil {
		logger.Error("初始化数据库失败", zap.Error(err))
		return exitFailed
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			logger.Warn("关闭数据库失败", zap.Error(closeErr))
		}
	}()

	application, err := app.New(cfg, logger, store)
	if err != nil {
		logger.Error("初始化应用失败", zap.Error(err))
		return exitFailed
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	result, err := application.Run(ctx, it)
	if err != nil {
		logger.Error("意图执行失败", zap.String("intent_id", it.ID), zap.Error(err))
		fmt.Fprintf(os.Stderr, "执行失败: %v\n", err)
		if isRejection(err) {
			return exitRejected
		}
		return exitFailed
	}

	printResult(result)

	switch result.Status {
	case order.StatusCompleted:
		return exitOK
	case order.StatusPartiallyCompleted:
		return exitPartiallyCompleted
	case order.StatusCancelled:
		return exitCancelled
	default:
		if result.Err != nil && isRejection(result.Err) {
			return exitRejected
		}
		return exitFailed
	}
}

func isRejection(err error) bool {
	return errors.Is(err, validate.ErrInvalidQuantity) ||
		errors.Is(err, validate.ErrInvalidPrice) ||
		errors.Is(err, validate.ErrInvalidPriceOrdering) ||
		errors.Is(err, validate.ErrInvalidGridSpec) ||
		errors.Is(err, filters.ErrUnknownSymbol) ||
		errors.Is(err, order.ErrUnsupportedIntent) ||
		errors.Is(err, exchange.ErrOrderRejected)
}

func printResult(result order.Result) {
	fmt.Printf("意图 %s 执行结束: %s\n", result.IntentID, result.Status)
	for _, c := range result.Children {
		line := fmt.Sprintf("  [%d] %s %s %s qty=%s state=%s",
			c.Spec.Index, c.Spec.Type, c.Spec.Side, c.Spec.Symbol,
			c.Spec.Quantity, c.State)
		if c.Spec.Price.IsPositive() {
			line += " price=" + c.Spec.Price.String()
		}
		if c.FilledQty.IsPositive() {
			line += " filled=" + c.FilledQty.String()
		}
		if c.Err != nil {
			line += " err=" + c.Err.Error()
		}
		fmt.Println(line)
	}
	if open := result.OpenChildren(); len(open) > 0 {
		fmt.Printf("  仍有 %d 个子订单挂在交易所，需后续处理\n", len(open))
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `用法: orderflow [-config 路径] <命令> [参数]

命令:
  market     -symbol -side -quantity
  limit      -symbol -side -quantity -price
  stop-limit -symbol -side -quantity -trigger -price
  oco        -symbol -side -quantity -take-profit -stop -stop-limit
  twap       -symbol -side -quantity -chunks -interval
  grid       -symbol -lower -upper -levels -quantity

symbol 使用 ccxt 统一格式，例如 BTC/USDT:USDT
`)
}

func parseIntent(command string, args []string) (order.Intent, error) {
	fs := flag.NewFlagSet(command, flag.ContinueOnError)

	var (
		symbol     = fs.String("symbol", "", "交易对，例如 BTC/USDT:USDT")
		side       = fs.String("side", "", "方向 buy|sell")
		quantity   = fs.String("quantity", "", "数量")
		price      = fs.String("price", "", "限价")
		trigger    = fs.String("trigger", "", "触发价")
		takeProfit = fs.String("take-profit", "", "止盈限价")
		stop       = fs.String("stop", "", "止损触发价")
		stopLimit  = fs.String("stop-limit", "", "止损限价")
		chunks     = fs.Int("chunks", 0, "分块数")
		interval   = fs.Duration("interval", 0, "分块间隔，例如 5m")
		lower      = fs.String("lower", "", "网格下界")
		upper      = fs.String("upper", "", "网格上界")
		levels     = fs.Int("levels", 0, "网格档位数")
	)

	if err := fs.Parse(args); err != nil {
		return order.Intent{}, err
	}

	if *symbol == "" {
		return order.Intent{}, errors.New("必须指定 -symbol")
	}

	parsedSide, err := parseSide(*side, command)
	if err != nil {
		return order.Intent{}, err
	}

	var it order.Intent
	switch command {
	case "market":
		it = order.NewIntent(order.KindMarket, *symbol, parsedSide)
		it.Quantity, err = requireDecimal("quantity", *quantity)
		if err != nil {
			return order.Intent{}, err
		}

	case "limit":
		it = order.NewIntent(order.KindLimit, *symbol, parsedSide)
		if it.Quantity, err = requireDecimal("quantity", *quantity); err != nil {
			return order.Intent{}, err
		}
		if it.LimitPrice, err = requireDecimal("price", *price); err != nil {
			return order.Intent{}, err
		}

	case "stop-limit":
		it = order.NewIntent(order.KindStopLimit, *symbol, parsedSide)
		if it.Quantity, err = requireDecimal("quantity", *quantity); err != nil {
			return order.Intent{}, err
		}
		if it.TriggerPrice, err = requireDecimal("trigger", *trigger); err != nil {
			return order.Intent{}, err
		}
		if it.LimitPrice, err = requireDecimal("price", *price); err != nil {
			return order.Intent{}, err
		}

	case "oco":
		it = order.NewIntent(order.KindOCO, *symbol, parsedSide)
		if it.Quantity, err = requireDecimal("quantity", *quantity); err != nil {
			return order.Intent{}, err
		}
		if it.TakeProfitPrice, err = requireDecimal("take-profit", *takeProfit); err != nil {
			return order.Intent{}, err
		}
		if it.StopPrice, err = requireDecimal("stop", *stop); err != nil {
			return order.Intent{}, err
		}
		if it.StopLimitPrice, err = requireDecimal("stop-limit", *stopLimit); err != nil {
			return order.Intent{}, err
		}

	case "twap":
		it = order.NewIntent(order.KindTWAP, *symbol, parsedSide)
		if it.Quantity, err = requireDecimal("quantity", *quantity); err != nil {
			return order.Intent{}, err
		}
		if *chunks < 1 {
			return order.Intent{}, errors.New("twap 必须指定 -chunks 且不小于1")
		}
		if *interval <= 0 {
			return order.Intent{}, errors.New("twap 必须指定正的 -interval")
		}
		it.NumChunks = *chunks
		it.Interval = *interval

	case "grid":
		// 网格不需要方向，各档位按参考价自动定向
		it = order.NewIntent(order.KindGrid, *symbol, order.SideBuy)
		if it.QtyPerLevel, err = requireDecimal("quantity", *quantity); err != nil {
			return order.Intent{}, err
		}
		if it.LowerPrice, err = requireDecimal("lower", *lower); err != nil {
			return order.Intent{}, err
		}
		if it.UpperPrice, err = requireDecimal("upper", *upper); err != nil {
			return order.Intent{}, err
		}
		if *levels < 2 {
			return order.Intent{}, errors.New("grid 必须指定 -levels 且不小于2")
		}
		it.NumLevels = *levels

	default:
		return order.Intent{}, fmt.Errorf("%w: %s", order.ErrUnsupportedIntent, command)
	}

	return it, nil
}

func parseSide(raw, command string) (order.Side, error) {
	if command == "grid" {
		return order.SideBuy, nil
	}
	switch raw {
	case "buy":
		return order.SideBuy, nil
	case "sell":
		return order.SideSell, nil
	case "":
		return "", errors.New("必须指定 -side buy|sell")
	default:
		return "", fmt.Errorf("非法方向 %q，只接受 buy|sell", raw)
	}
}

func requireDecimal(name, raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Decimal{}, fmt.Errorf("必须指定 -%s", name)
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("-%s 解析失败: %w", name, err)
	}
	return d, nil
}
