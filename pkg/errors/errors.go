// Package errors 提供统一错误辅助，不依赖 internal
package errors

import (
	"errors"
	"fmt"
)

// 常用哨兵错误（可按需扩展错误码）
var (
	ErrNotFound   = errors.New("not found")
	ErrInvalidArg = errors.New("invalid argument")
	// ErrDuplicateJob 相同确定性 ID 的 Job 已存在（提交层据此返回已有 Job）
	ErrDuplicateJob = errors.New("duplicate job")
	// ErrQueueSend 队列发送失败（瞬态，由后台 sweep 重试，不静默丢弃）
	ErrQueueSend = errors.New("queue send failure")
	// ErrStageConflict Stage 完成触发的互斥保护被违反（结构上不应发生）
	ErrStageConflict = errors.New("stage completion conflict")
)

// Wrap 包装错误并附加消息
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Wrapf 带格式的 Wrap
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Validation 参数校验错误：在任何 Job 行创建之前拒绝提交
type Validation struct {
	Field string
	Msg   string
}

func (e *Validation) Error() string {
	if e.Field == "" {
		return e.Msg
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Msg)
}

// NewValidation 创建校验错误
func NewValidation(field, msg string) error {
	return &Validation{Field: field, Msg: msg}
}

// IsValidation err 是否为校验错误
func IsValidation(err error) bool {
	var v *Validation
	return errors.As(err, &v)
}
