package model

// RequestStatus 媒体请求生命周期状态
type RequestStatus string

const (
	RequestStatusPending    RequestStatus = "pending"    // 等待分发
	RequestStatusDispatched RequestStatus = "dispatched" // 已提交到执行后端
	RequestStatusCompleted  RequestStatus = "completed"  // 已完成（终态）
	RequestStatusFailed     RequestStatus = "failed"     // 失败，重试预算耗尽时为终态
	RequestStatusRetrying   RequestStatus = "retrying"   // 等待重新分发
)

// AllRequestStatuses 按生命周期顺序列出全部状态
var AllRequestStatuses = []RequestStatus{
	RequestStatusPending,
	RequestStatusDispatched,
	RequestStatusCompleted,
	RequestStatusFailed,
	RequestStatusRetrying,
}

// transitions 允许的状态转换。failed → retrying 是唯一的回退边
var transitions = map[RequestStatus][]RequestStatus{
	RequestStatusPending:    {RequestStatusDispatched},
	RequestStatusDispatched: {RequestStatusCompleted, RequestStatusFailed},
	RequestStatusFailed:     {RequestStatusRetrying},
	RequestStatusRetrying:   {RequestStatusDispatched},
}

// Valid 判断状态是否合法
func (s RequestStatus) Valid() bool {
	switch s {
	case RequestStatusPending, RequestStatusDispatched, RequestStatusCompleted,
		RequestStatusFailed, RequestStatusRetrying:
		return true
	default:
		return false
	}
}

// CanTransitionTo 判断是否存在 s → to 的边
func (s RequestStatus) CanTransitionTo(to RequestStatus) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Dispatchable 该状态下可以提交新任务
func (s RequestStatus) Dispatchable() bool {
	return s == RequestStatusPending || s == RequestStatusRetrying
}
