package models

import (
	"errors"
)

// 领域错误（使用 errors.Is 判断）
var (
	// ErrNotFound 记录不存在或不属于当前调用者
	ErrNotFound = errors.New("not found")
	// ErrConflict 状态转换冲突（记录不在期望状态，或并发更新落败）
	ErrConflict = errors.New("conflict")
	// ErrInvalidArgument 参数校验失败（不自动重试）
	ErrInvalidArgument = errors.New("invalid argument")
)
