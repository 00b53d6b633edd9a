package models

// RequestLogModel records one proxied request. Status is nil when the
// upstream could not be reached at all. For streams the row is written
// before the body finishes and ResponseBody is filled in afterwards.
type RequestLogModel struct {
	ID               string `gorm:"primaryKey;size:64"`
	TokenID          string `gorm:"index;size:64"`
	ChannelID        string `gorm:"index;size:64"`
	Model            string `gorm:"size:128"`
	Modality         string `gorm:"size:32"`
	InputFormat      string `gorm:"size:32"`
	OutputFormat     string `gorm:"size:32"`
	Status           *int
	LatencyMs        int64
	PromptTokens     int
	CompletionTokens int
	RequestBody      string `gorm:"type:text"`
	ResponseBody     string `gorm:"type:text"`
	RequestHeaders   string `gorm:"type:text"`
	ResponseHeaders  string `gorm:"type:text"`
	RequestURL       string `gorm:"size:1024"`
	UpstreamURL      string `gorm:"size:1024"`
	CreatedAt        string `gorm:"index;size:64"` // RFC 3339
}

func (RequestLogModel) TableName() string {
	return "request_logs"
}

// AppConfigModel is one key/value row of runtime configuration.
type AppConfigModel struct {
	Key   string `gorm:"primaryKey;size:128"`
	Value string `gorm:"type:text;not null"`
}

func (AppConfigModel) TableName() string {
	return "app_config"
}
