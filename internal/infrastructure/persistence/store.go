package persistence

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/relaymux/relaymux/internal/infrastructure/persistence/models"
	"github.com/relaymux/relaymux/internal/routing"
	gwerrors "github.com/relaymux/relaymux/pkg/errors"
)

// Store is the gateway's data access layer. It backs channel selection,
// token auth, request logging, and runtime configuration.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for migrations and tests.
func (s *Store) DB() *gorm.DB { return s.db }

// channelMappingRow is the joined row used for candidate selection.
type channelMappingRow struct {
	ChannelID   string
	Name        string
	Provider    string
	BaseURL     string
	Priority    int
	Weight      int
	Enabled     bool
	KeyRotation bool
	MappingID   string
	PublicName  string
	ActualName  string
	Modality    string
}

// CandidatesForModel returns enabled channels that have a mapping for the
// public model name, ordered by priority ascending.
func (s *Store) CandidatesForModel(ctx context.Context, model string) ([]routing.Candidate, error) {
	var rows []channelMappingRow
	err := s.db.WithContext(ctx).
		Table("model_mappings m").
		Select(`c.id as channel_id, c.name, c.provider, c.base_url,
			c.priority, c.weight, c.enabled, c.key_rotation,
			m.id as mapping_id, m.public_name, m.actual_name, m.modality`).
		Joins("JOIN channels c ON m.channel_id = c.id").
		Where("m.public_name = ? AND c.enabled = ?", model, true).
		Order("c.priority ASC").
		Scan(&rows).Error
	if err != nil {
		return nil, gwerrors.NewDatabase(err)
	}

	candidates := make([]routing.Candidate, 0, len(rows))
	for _, row := range rows {
		candidates = append(candidates, routing.Candidate{
			Channel: routing.Channel{
				ID:          row.ChannelID,
				Name:        row.Name,
				Provider:    row.Provider,
				BaseURL:     row.BaseURL,
				Priority:    row.Priority,
				Weight:      row.Weight,
				Enabled:     row.Enabled,
				KeyRotation: row.KeyRotation,
			},
			Mapping: routing.Mapping{
				ID:         row.MappingID,
				PublicName: row.PublicName,
				ChannelID:  row.ChannelID,
				ActualName: row.ActualName,
				Modality:   row.Modality,
			},
		})
	}
	return candidates, nil
}

// EnabledChannels returns all enabled channels ordered by priority.
func (s *Store) EnabledChannels(ctx context.Context) ([]routing.Channel, error) {
	var rows []models.ChannelModel
	err := s.db.WithContext(ctx).
		Where("enabled = ?", true).
		Order("priority ASC").
		Find(&rows).Error
	if err != nil {
		return nil, gwerrors.NewDatabase(err)
	}

	channels := make([]routing.Channel, 0, len(rows))
	for _, row := range rows {
		channels = append(channels, routing.Channel{
			ID:          row.ID,
			Name:        row.Name,
			Provider:    row.Provider,
			BaseURL:     row.BaseURL,
			Priority:    row.Priority,
			Weight:      row.Weight,
			Enabled:     row.Enabled,
			KeyRotation: row.KeyRotation,
		})
	}
	return channels, nil
}

// EnabledKeys returns the channel's enabled API keys in insertion order.
func (s *Store) EnabledKeys(ctx context.Context, channelID string) ([]string, error) {
	var keys []string
	err := s.db.WithContext(ctx).
		Model(&models.ChannelAPIKeyModel{}).
		Where("channel_id = ? AND enabled = ?", channelID, true).
		Order("created_at ASC").
		Pluck("key_value", &keys).Error
	if err != nil {
		return nil, gwerrors.NewDatabase(err)
	}
	return keys, nil
}

// FindTokenByKey looks up an enabled client token by its key value.
// Returns (nil, nil) when no such token exists.
func (s *Store) FindTokenByKey(ctx context.Context, key string) (*models.TokenModel, error) {
	var token models.TokenModel
	err := s.db.WithContext(ctx).
		Where("key_value = ? AND enabled = ?", key, true).
		First(&token).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, gwerrors.NewDatabase(err)
	}
	return &token, nil
}

// AddQuotaUsed adds consumed tokens to the client token's running total.
func (s *Store) AddQuotaUsed(ctx context.Context, tokenID string, tokens int) error {
	err := s.db.WithContext(ctx).
		Model(&models.TokenModel{}).
		Where("id = ?", tokenID).
		UpdateColumn("quota_used", gorm.Expr("quota_used + ?", tokens)).Error
	if err != nil {
		return gwerrors.NewDatabase(err)
	}
	return nil
}

// InsertRequestLog writes one request log row.
func (s *Store) InsertRequestLog(ctx context.Context, log *models.RequestLogModel) error {
	if err := s.db.WithContext(ctx).Create(log).Error; err != nil {
		return gwerrors.NewDatabase(err)
	}
	return nil
}

// UpdateRequestLogResponse fills in the response body after a stream ends.
func (s *Store) UpdateRequestLogResponse(ctx context.Context, id, responseBody string) error {
	err := s.db.WithContext(ctx).
		Model(&models.RequestLogModel{}).
		Where("id = ?", id).
		UpdateColumn("response_body", responseBody).Error
	if err != nil {
		return gwerrors.NewDatabase(err)
	}
	return nil
}

// PublicModelNames returns the distinct public model names across all
// mappings of enabled channels.
func (s *Store) PublicModelNames(ctx context.Context) ([]string, error) {
	var names []string
	err := s.db.WithContext(ctx).
		Table("model_mappings m").
		Joins("JOIN channels c ON m.channel_id = c.id").
		Where("c.enabled = ?", true).
		Distinct().
		Order("m.public_name ASC").
		Pluck("m.public_name", &names).Error
	if err != nil {
		return nil, gwerrors.NewDatabase(err)
	}
	return names, nil
}

// GetAppConfig reads one runtime configuration value; ok is false when the
// key is absent.
func (s *Store) GetAppConfig(ctx context.Context, key string) (string, bool, error) {
	var row models.AppConfigModel
	err := s.db.WithContext(ctx).First(&row, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, gwerrors.NewDatabase(err)
	}
	return row.Value, true, nil
}

// SetAppConfig upserts one runtime configuration value.
func (s *Store) SetAppConfig(ctx context.Context, key, value string) error {
	row := models.AppConfigModel{Key: key, Value: value}
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return gwerrors.NewDatabase(err)
	}
	return nil
}

// PurgeRequestLogs deletes request logs older than the retention window.
func (s *Store) PurgeRequestLogs(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention).Format(time.RFC3339)
	result := s.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&models.RequestLogModel{})
	if result.Error != nil {
		return 0, gwerrors.NewDatabase(result.Error)
	}
	return result.RowsAffected, nil
}
