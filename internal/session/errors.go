package session

import (
	"net/http"

	xerrors "OpenMCP-Chat/internal/errors"
)

const (
	// CodeSessionBusy 表示用户已有进行中的对话。
	CodeSessionBusy xerrors.Code = "SESSION_BUSY"
	// CodeSessionForbidden 表示会话属于其他用户。
	CodeSessionForbidden xerrors.Code = "SESSION_FORBIDDEN"
)

func init() {
	xerrors.Register(CodeSessionBusy, xerrors.Attributes{
		Message:    "a conversation is already in progress for this user",
		Severity:   xerrors.SeverityInfo,
		Retryable:  true,
		Alert:      false,
		HTTPStatus: http.StatusTooManyRequests,
	})
	xerrors.Register(CodeSessionForbidden, xerrors.Attributes{
		Message:    "session belongs to another user",
		Severity:   xerrors.SeverityWarning,
		Retryable:  false,
		Alert:      false,
		HTTPStatus: http.StatusForbidden,
	})
}

var (
	// ErrSessionBusy 在同一用户并发提交时返回。
	ErrSessionBusy = xerrors.New(CodeSessionBusy, "a conversation is already in progress for this user")
	// ErrSessionForbidden 在访问他人会话时返回。
	ErrSessionForbidden = xerrors.New(CodeSessionForbidden, "session belongs to another user")
)
