package interaction

import "errors"

var (
	// ErrInvalidReference 内容不存在或引用不合法，客户端错误，不会修改任何状态
	ErrInvalidReference = errors.New("invalid content reference")
	ErrInvalidKind      = errors.New("invalid interaction kind")
	ErrInvalidInput     = errors.New("invalid input")
	// ErrUnavailable 热路径和回退路径都失败，可重试
	ErrUnavailable = errors.New("interaction store unavailable")
)
