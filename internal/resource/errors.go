package resource

import (
	"errors"
	"fmt"
)

var (
	// ErrUnresolvableResource 表示请求无法归类，调用方应直接透传给源站。
	ErrUnresolvableResource = errors.New("unresolvable resource")
	// ErrLengthConflict 表示源站报告的总长度与已记录的不一致。
	ErrLengthConflict = errors.New("total length conflict")
	// ErrRangeOutOfBounds 表示请求起点超出已知总长度。
	ErrRangeOutOfBounds = errors.New("range out of bounds")
	// ErrUnsupportedPartialFetch 表示该类型不允许部分读取。
	ErrUnsupportedPartialFetch = errors.New("partial fetch not supported")
)

// NetworkError 包装源站访问失败，StatusCode 为 0 时表示传输层错误。
type NetworkError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("origin %s: unexpected status %d", e.URL, e.StatusCode)
	}
	if e.Err != nil {
		return fmt.Sprintf("origin %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("origin %s: network error", e.URL)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// IsNetworkError 判断错误链中是否包含 NetworkError。
func IsNetworkError(err error) bool {
	var netErr *NetworkError
	return errors.As(err, &netErr)
}
