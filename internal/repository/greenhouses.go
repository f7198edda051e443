package repository

import (
	"context"
	"database/sql"
	"fmt"

	"greenhouse-irrigation/internal/models"

	"go.uber.org/zap"
)

// GreenhousesRepository 温室仓库（灌溉服务只读：检测时需要温室归属和当前植物）
type GreenhousesRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewGreenhousesRepository 创建温室仓库
func NewGreenhousesRepository(db *sql.DB, logger *zap.Logger) *GreenhousesRepository {
	return &GreenhousesRepository{
		db:     db,
		logger: logger,
	}
}

// GetGreenhouse 根据 greenhouse_id 获取温室
func (r *GreenhousesRepository) GetGreenhouse(ctx context.Context, greenhouseID string) (*models.Greenhouse, error) {
	if greenhouseID == "" {
		return nil, fmt.Errorf("greenhouse_id is required")
	}

	query := `
		SELECT
			greenhouse_id,
			owner_user_id,
			name,
			plant_id
		FROM greenhouses
		WHERE greenhouse_id = $1
	`

	var gh models.Greenhouse
	var plantID sql.NullString

	err := r.db.QueryRowContext(ctx, query, greenhouseID).Scan(
		&gh.GreenhouseID,
		&gh.OwnerUserID,
		&gh.Name,
		&plantID,
	)

	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("greenhouse %s: %w", greenhouseID, models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get greenhouse: %w", err)
	}

	if plantID.Valid {
		gh.PlantID = &plantID.String
	}

	return &gh, nil
}
