package exchange

import (
	"errors"

	ccxt "github.com/ccxt/ccxt/go/v4"
)

var (
	// ErrMaintenance 表示交易所处于维护状态，需要上层跳过交易。
	ErrMaintenance = errors.New("exchange on maintenance")
	// ErrOrderRejected 表示交易所侧硬性拒单，不会重试。
	ErrOrderRejected = errors.New("order rejected")
	// ErrUpstreamUnavailable 表示可重试错误在重试耗尽后仍未恢复。
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
)

// IsRetryable 判断错误是否可重试。
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		switch ccxtErr.Type {
		case ccxt.NetworkErrorErrType,
			ccxt.RequestTimeoutErrType,
			ccxt.ExchangeNotAvailableErrType,
			ccxt.RateLimitExceededErrType,
			ccxt.DDoSProtectionErrType,
			ccxt.BadResponseErrType,
			ccxt.NullResponseErrType:
			return true
		default:
			return false
		}
	}

	return false
}

// isRejection 判断错误是否为交易所侧硬性拒单（4xx类校验失败）。
func isRejection(err error) bool {
	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		switch ccxtErr.Type {
		case ccxt.InvalidOrderErrType,
			ccxt.InsufficientFundsErrType,
			ccxt.BadRequestErrType,
			ccxt.BadSymbolErrType,
			ccxt.ArgumentsRequiredErrType:
			return true
		}
	}
	return false
}

// isOrderGone 判断错误是否表示订单已不存在或已关闭。
// 交易所的撤单对已成交/已撤销订单是幂等的，这类错误按成功处理。
func isOrderGone(err error) bool {
	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		switch ccxtErr.Type {
		case ccxt.OrderNotFoundErrType,
			ccxt.InvalidOrderErrType:
			return true
		}
	}
	return false
}

// isDuplicateClientID 判断错误是否由重复的客户端订单号引起。
// 幂等键重复意味着此前的提交已经生效。
func isDuplicateClientID(err error) bool {
	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		return ccxtErr.Type == ccxt.DuplicateOrderIdErrType
	}
	return false
}
