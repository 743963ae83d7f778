package types

import "errors"

// ErrInvalidArgument 参数无效（通用）
var ErrInvalidArgument = errors.New("opendht: invalid argument")
