package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"greenhouse-irrigation/internal/models"

	"go.uber.org/zap"
)

// ReadingsRepository 传感器读数仓库
type ReadingsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewReadingsRepository 创建传感器读数仓库
func NewReadingsRepository(db *sql.DB, logger *zap.Logger) *ReadingsRepository {
	return &ReadingsRepository{
		db:     db,
		logger: logger,
	}
}

// InsertReading 写入读数（采集侧调用，按到达顺序追加）
func (r *ReadingsRepository) InsertReading(ctx context.Context, reading *models.SensorReading) (int64, error) {
	if reading == nil {
		return 0, fmt.Errorf("reading is required")
	}
	if reading.GreenhouseID == "" {
		return 0, fmt.Errorf("greenhouse_id is required")
	}

	query := `
		INSERT INTO sensor_readings (
			greenhouse_id,
			timestamp,
			soil_moisture,
			air_temperature,
			air_humidity,
			soil_temperature,
			is_valid,
			created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8
		)
		RETURNING id
	`

	var id int64
	err := r.db.QueryRowContext(ctx, query,
		reading.GreenhouseID,
		reading.Timestamp,
		reading.SoilMoisture,
		reading.AirTemperature,
		reading.AirHumidity,
		reading.SoilTemperature,
		reading.IsValid,
		reading.CreatedAt,
	).Scan(&id)

	if err != nil {
		return 0, fmt.Errorf("failed to insert reading: %w", err)
	}

	return id, nil
}

// LatestBefore 获取某温室在 timestamp 之前最近的一条有效读数
// 没有基线时返回 (nil, nil)
func (r *ReadingsRepository) LatestBefore(ctx context.Context, greenhouseID string, timestamp time.Time) (*models.SensorReading, error) {
	if greenhouseID == "" {
		return nil, fmt.Errorf("greenhouse_id is required")
	}

	query := `
		SELECT
			id,
			greenhouse_id,
			timestamp,
			soil_moisture,
			air_temperature,
			air_humidity,
			soil_temperature,
			is_valid,
			created_at
		FROM sensor_readings
		WHERE greenhouse_id = $1
		  AND timestamp < $2
		  AND is_valid = TRUE
		ORDER BY timestamp DESC
		LIMIT 1
	`

	var reading models.SensorReading
	err := r.db.QueryRowContext(ctx, query, greenhouseID, timestamp).Scan(
		&reading.ID,
		&reading.GreenhouseID,
		&reading.Timestamp,
		&reading.SoilMoisture,
		&reading.AirTemperature,
		&reading.AirHumidity,
		&reading.SoilTemperature,
		&reading.IsValid,
		&reading.CreatedAt,
	)

	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // 没有更早的有效读数
		}
		return nil, fmt.Errorf("failed to query latest reading before %s: %w", timestamp.Format(time.RFC3339), err)
	}

	return &reading, nil
}

// LatestForGreenhouse 获取某温室最新的有效读数
func (r *ReadingsRepository) LatestForGreenhouse(ctx context.Context, greenhouseID string) (*models.SensorReading, error) {
	if greenhouseID == "" {
		return nil, fmt.Errorf("greenhouse_id is required")
	}

	query := `
		SELECT
			id,
			greenhouse_id,
			timestamp,
			soil_moisture,
			air_temperature,
			air_humidity,
			soil_temperature,
			is_valid,
			created_at
		FROM sensor_readings
		WHERE greenhouse_id = $1
		  AND is_valid = TRUE
		ORDER BY timestamp DESC
		LIMIT 1
	`

	var reading models.SensorReading
	err := r.db.QueryRowContext(ctx, query, greenhouseID).Scan(
		&reading.ID,
		&reading.GreenhouseID,
		&reading.Timestamp,
		&reading.SoilMoisture,
		&reading.AirTemperature,
		&reading.AirHumidity,
		&reading.SoilTemperature,
		&reading.IsValid,
		&reading.CreatedAt,
	)

	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query latest reading: %w", err)
	}

	return &reading, nil
}
