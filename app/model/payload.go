package model

import (
	"strings"
	"sync"
	"unicode"

	"github.com/go-playground/validator/v10"
	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// RequestPayload 提交媒体请求时的载荷
type RequestPayload struct {
	MediaType         MediaType `json:"media_type" validate:"required,oneof=movie animated_movie series animated_series anime"`
	ExternalID        string    `json:"external_id" validate:"required,max=50"`
	Source            string    `json:"source" validate:"omitempty,oneof=tmdb anilist"`
	Title             string    `json:"title" validate:"required,max=500"`
	OriginalTitle     string    `json:"original_title" validate:"omitempty,max=500"`
	Year              int       `json:"year" validate:"omitempty,gte=1870,lte=2100"`
	PosterURL         string    `json:"poster_url" validate:"omitempty,url,max=500"`
	Overview          string    `json:"overview"`
	QualityPreference string    `json:"quality_preference" validate:"omitempty,oneof=720p 1080p 4K"`
	SeasonsRequested  string    `json:"seasons_requested" validate:"omitempty,max=100"`
	RequestedBy       string    `json:"requested_by" validate:"omitempty,max=100"`
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// Validate 校验载荷字段
func (p *RequestPayload) Validate() error {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	p.Title = strings.TrimSpace(p.Title)
	p.ExternalID = strings.TrimSpace(p.ExternalID)
	return validate.Struct(p)
}

// ToRequest 构造待插入的 pending 请求
func (p *RequestPayload) ToRequest() *MediaRequest {
	source := p.Source
	if source == "" {
		source = "tmdb"
	}
	quality := p.QualityPreference
	if quality == "" {
		quality = "1080p"
	}
	return &MediaRequest{
		Status:            RequestStatusPending,
		MediaType:         p.MediaType,
		ExternalID:        p.ExternalID,
		Source:            source,
		Title:             p.Title,
		TitleKey:          NormalizeTitle(p.Title),
		OriginalTitle:     p.OriginalTitle,
		Year:              p.Year,
		PosterURL:         p.PosterURL,
		Overview:          p.Overview,
		QualityPreference: quality,
		SeasonsRequested:  p.SeasonsRequested,
		RequestedBy:       p.RequestedBy,
	}
}

// NormalizeTitle 去掉变音符号并做大小写折叠，"Amélie" 与 "AMELIE" 得到相同结果
func NormalizeTitle(title string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, title)
	if err != nil {
		out = title
	}
	out = cases.Fold().String(out)
	return strings.Join(strings.Fields(out), " ")
}
