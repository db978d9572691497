package margin

import (
	"errors"
	"fmt"
)

// ErrorKind 拉取失败的分类。
type ErrorKind int

const (
	NetworkError  ErrorKind = iota + 1 // 传输层/超时
	UpstreamError                      // 非 2xx 响应
	DecodeError                        // 报文无法解析
)

func (k ErrorKind) String() string {
	switch k {
	case NetworkError:
		return "network"
	case UpstreamError:
		return "upstream"
	case DecodeError:
		return "decode"
	default:
		return "unknown"
	}
}

// FetchError 描述一次快照拉取失败，Reason 面向用户展示。
type FetchError struct {
	Kind   ErrorKind
	Reason string
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("%s error: %s", e.Kind, e.Reason)
}

func (e *FetchError) Unwrap() error { return e.Err }

// NewFetchError 构造带原因的拉取错误；reason 为空时取 cause 的文本。
func NewFetchError(kind ErrorKind, reason string, cause error) *FetchError {
	if reason == "" && cause != nil {
		reason = cause.Error()
	}
	return &FetchError{Kind: kind, Reason: reason, Err: cause}
}

// AsFetchError 把任意错误归类为 FetchError，未分类的错误按网络错误处理。
func AsFetchError(err error) *FetchError {
	if err == nil {
		return nil
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe
	}
	return NewFetchError(NetworkError, "", err)
}
