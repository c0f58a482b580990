package exchange

import (
	"errors"
	"fmt"
)

// Kind 上游请求失败的分类
type Kind string

const (
	KindNone      Kind = ""
	KindTransport Kind = "transport" // 网络层错误，如连接超时
	KindStatus    Kind = "status"    // 业务层错误，非 2xx 状态码
	KindDecode    Kind = "decode"    // 响应体不是预期的 JSON
	KindUnknown   Kind = "unknown"
)

type TransportError struct {
	Endpoint string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: transport: %v", e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

type StatusError struct {
	Endpoint string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Endpoint, e.Code, e.Body)
}

type DecodeError struct {
	Endpoint string
	Err      error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s: decode: %v", e.Endpoint, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Classify 返回错误分类，供日志与指标打标签
func Classify(err error) Kind {
	if err == nil {
		return KindNone
	}
	var te *TransportError
	var se *StatusError
	var de *DecodeError
	switch {
	case errors.As(err, &te):
		return KindTransport
	case errors.As(err, &se):
		return KindStatus
	case errors.As(err, &de):
		return KindDecode
	default:
		return KindUnknown
	}
}
