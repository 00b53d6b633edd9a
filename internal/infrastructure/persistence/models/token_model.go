package models

import (
	"strings"
	"time"
)

// TokenModel is a client API key accepted by the gateway.
// ExpiresAt holds an RFC 3339 timestamp; nil means no expiry.
// AllowedModels is a comma-separated allowlist; empty means all models.
// QuotaLimit is informational; usage accrues in QuotaUsed but requests
// are not blocked at the limit.
type TokenModel struct {
	ID            string `gorm:"primaryKey;size:64"`
	Name          string `gorm:"size:128;not null"`
	KeyValue      string `gorm:"uniqueIndex;size:256;not null"`
	Enabled       bool   `gorm:"not null;default:true"`
	ExpiresAt     *string
	QuotaLimit    *int64
	QuotaUsed     int64  `gorm:"not null;default:0"`
	AllowedModels string `gorm:"type:text"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (TokenModel) TableName() string {
	return "tokens"
}

// AllowsModel reports whether the token may request the given public model.
func (t *TokenModel) AllowsModel(model string) bool {
	if t.AllowedModels == "" {
		return true
	}
	for _, allowed := range strings.Split(t.AllowedModels, ",") {
		if strings.TrimSpace(allowed) == model {
			return true
		}
	}
	return false
}
