package conversation

// State 是对话循环的状态。
type State int

const (
	StateAwaitingUserInput State = iota
	StateInvokingProvider
	StateEmittingText
	StateDispatchingTool
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateAwaitingUserInput:
		return "awaiting_user_input"
	case StateInvokingProvider:
		return "invoking_provider"
	case StateEmittingText:
		return "emitting_text"
	case StateDispatchingTool:
		return "dispatching_tool"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal 报告状态是否为终态。
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// MarshalText 以字符串形式序列化状态。
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
