package session

import (
	"context"
	"log/slog"
	"time"

	"OpenMCP-Chat/internal/conversation"
	xerrors "OpenMCP-Chat/internal/errors"
	"OpenMCP-Chat/internal/observability/alerting"
	"OpenMCP-Chat/internal/usage"
	"OpenMCP-Chat/pkg/logger"
)

// sessionObserver 把对话结果写入账本并在需要时告警，其余事件转发给 Manager 的观察者。
type sessionObserver struct {
	m         *Manager
	sessionID string
	userID    string
}

func (o *sessionObserver) ToolCalled(name string, failed bool, d time.Duration) {
	if o.m.observer != nil {
		o.m.observer.ToolCalled(name, failed, d)
	}
}

func (o *sessionObserver) ProviderRetried(provider string, code xerrors.Code) {
	if o.m.observer != nil {
		o.m.observer.ProviderRetried(provider, code)
	}
}

func (o *sessionObserver) ConversationFinished(out conversation.Outcome) {
	if o.m.observer != nil {
		o.m.observer.ConversationFinished(out)
	}
	ctx, cancel := context.WithTimeout(context.Background(), o.m.storeTimeout)
	defer cancel()
	log := logger.WithConversation(o.m.logger, o.sessionID, o.userID)

	if o.m.recorder != nil {
		rec := usage.Record{
			SessionID:   o.sessionID,
			UserID:      o.userID,
			Provider:    out.Provider,
			Status:      out.State.String(),
			ErrorCode:   string(out.Code),
			Rounds:      out.Rounds,
			ToolCalls:   out.ToolCalls,
			InputUnits:  out.Usage.InputUnits,
			OutputUnits: out.Usage.OutputUnits,
			Cost:        out.Usage.TotalCost,
			DurationMS:  out.Duration.Milliseconds(),
		}
		if err := o.m.recorder.Record(ctx, rec); err != nil {
			log.Warn("写入用量记录失败", slog.Any("error", err))
		}
	}

	if o.m.alerts == nil || out.State != conversation.StateFailed {
		return
	}
	attrs := xerrors.AttributesOf(out.Code)
	if !attrs.Alert {
		return
	}
	event := alerting.Event{
		Code:      out.Code,
		Message:   attrs.Message,
		Severity:  attrs.Severity,
		Source:    "conversation",
		SessionID: o.sessionID,
		UserID:    o.userID,
		Metadata:  map[string]string{"provider": out.Provider},
	}
	if err := o.m.alerts.Notify(ctx, event); err != nil {
		log.Warn("发送对话告警失败", slog.Any("error", err))
	}
}
