package models

import "time"

// ChannelModel is one upstream provider endpoint.
type ChannelModel struct {
	ID          string `gorm:"primaryKey;size:64"`
	Name        string `gorm:"size:128;not null"`
	Provider    string `gorm:"size:32;not null"` // openai, anthropic, gemini, moonshot, azure
	BaseURL     string `gorm:"size:512;not null"`
	Priority    int    `gorm:"not null;default:1"` // lower runs first
	Weight      int    `gorm:"not null;default:1"`
	Enabled     bool   `gorm:"not null;default:true"`
	KeyRotation bool   `gorm:"not null;default:false"`
	RateLimit   *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (ChannelModel) TableName() string {
	return "channels"
}

// ChannelAPIKeyModel is one credential of a channel. Channels with
// key_rotation enabled cycle through their enabled keys.
type ChannelAPIKeyModel struct {
	ID        string `gorm:"primaryKey;size:64"`
	ChannelID string `gorm:"index;size:64;not null"`
	KeyValue  string `gorm:"size:512;not null"`
	Enabled   bool   `gorm:"not null;default:true"`
	CreatedAt time.Time
}

func (ChannelAPIKeyModel) TableName() string {
	return "channel_api_keys"
}

// ModelMappingModel binds a public model name to a channel's actual model.
type ModelMappingModel struct {
	ID         string `gorm:"primaryKey;size:64"`
	ChannelID  string `gorm:"index;size:64;not null"`
	PublicName string `gorm:"index;size:128;not null"`
	ActualName string `gorm:"size:128;not null"`
	Modality   string `gorm:"size:32;not null;default:chat"`
	CreatedAt  time.Time
}

func (ModelMappingModel) TableName() string {
	return "model_mappings"
}
