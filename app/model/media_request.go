package model

import (
	"time"

	"gorm.io/datatypes"
)

// TaskIDMaxLen celery_task_id 列宽，关联标识不得超过此长度
const TaskIDMaxLen = 100

// MediaType 媒体类型
type MediaType string

const (
	MediaTypeMovie          MediaType = "movie"
	MediaTypeAnimatedMovie  MediaType = "animated_movie"
	MediaTypeSeries         MediaType = "series"
	MediaTypeAnimatedSeries MediaType = "animated_series"
	MediaTypeAnime          MediaType = "anime"
)

// MediaRequest 媒体请求模型
type MediaRequest struct {
	ID      uint          `gorm:"primarykey" json:"id"`
	Status  RequestStatus `gorm:"size:20;not null;default:pending;index;comment:生命周期状态" json:"status"`
	TaskID  *string       `gorm:"column:celery_task_id;type:varchar(100);uniqueIndex:ix_media_requests_celery_task_id;comment:执行后端任务ID" json:"task_id"`
	Version int           `gorm:"not null;default:0;comment:乐观锁版本" json:"-"`

	MediaType         MediaType `gorm:"size:20;not null;comment:媒体类型" json:"media_type"`
	ExternalID        string    `gorm:"size:50;not null;index;comment:TMDB/AniList ID" json:"external_id"`
	Source            string    `gorm:"size:20;not null;default:tmdb;comment:来源(tmdb,anilist)" json:"source"`
	Title             string    `gorm:"size:500;not null" json:"title"`
	TitleKey          string    `gorm:"size:500;index;comment:归一化标题" json:"-"`
	OriginalTitle     string    `gorm:"size:500" json:"original_title,omitempty"`
	Year              int       `json:"year,omitempty"`
	PosterURL         string    `gorm:"size:500" json:"poster_url,omitempty"`
	Overview          string    `gorm:"type:text" json:"overview,omitempty"`
	QualityPreference string    `gorm:"size:20;default:1080p" json:"quality_preference"`
	SeasonsRequested  string    `gorm:"size:100" json:"seasons_requested,omitempty"`
	RequestedBy       string    `gorm:"size:100;index;comment:提交人" json:"requested_by,omitempty"`

	StatusMessage      string            `gorm:"type:text;comment:最近一次状态说明" json:"status_message,omitempty"`
	Result             datatypes.JSONMap `gorm:"comment:任务结果" json:"result,omitempty"`
	RetryCount         int               `gorm:"not null;default:0;comment:已用自动重试次数" json:"retry_count"`
	PreviousTaskID     string            `gorm:"size:100;comment:上一个失效的任务ID" json:"previous_task_id,omitempty"`
	DispatchLeaseUntil *time.Time        `gorm:"comment:分发租约到期时间" json:"-"`

	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	DispatchedAt *time.Time `gorm:"index" json:"dispatched_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// TableName 指定表名
func (MediaRequest) TableName() string {
	return "media_requests"
}

// CurrentTaskID 返回当前任务ID，未分发时为空字符串
func (r *MediaRequest) CurrentTaskID() string {
	if r.TaskID == nil {
		return ""
	}
	return *r.TaskID
}

// IsSeries 是否为剧集类请求
func (r *MediaRequest) IsSeries() bool {
	switch r.MediaType {
	case MediaTypeSeries, MediaTypeAnimatedSeries, MediaTypeAnime:
		return true
	}
	return false
}

// RequestTransition 状态转换审计记录，与转换在同一事务内写入
type RequestTransition struct {
	ID        uint          `gorm:"primarykey" json:"id"`
	RequestID uint          `gorm:"not null;index;comment:媒体请求ID" json:"request_id"`
	From      RequestStatus `gorm:"column:from_status;size:20;not null" json:"from"`
	To        RequestStatus `gorm:"column:to_status;size:20;not null" json:"to"`
	TaskID    string        `gorm:"size:100;comment:转换时的任务ID" json:"task_id,omitempty"`
	Source    string        `gorm:"size:30;comment:触发方(dispatcher,reconciler,api)" json:"source,omitempty"`
	Message   string        `gorm:"type:text" json:"message,omitempty"`
	CreatedAt time.Time     `gorm:"index" json:"created_at"`
}

// TableName 指定表名
func (RequestTransition) TableName() string {
	return "request_transitions"
}
