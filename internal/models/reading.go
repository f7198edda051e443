package models

import (
	"time"
)

// SensorReading 传感器读数（对应 sensor_readings 表）
// 读数是不可变事实：由采集侧写入，检测侧只读，不修改不删除
type SensorReading struct {
	ID              int64     `json:"id" db:"id"`
	GreenhouseID    string    `json:"greenhouse_id" db:"greenhouse_id"`
	Timestamp       time.Time `json:"timestamp" db:"timestamp"`         // 逻辑处理顺序（每温室单调）
	SoilMoisture    float64   `json:"soil_moisture" db:"soil_moisture"` // 0-100
	AirTemperature  float64   `json:"air_temperature" db:"air_temperature"`
	AirHumidity     float64   `json:"air_humidity" db:"air_humidity"`
	SoilTemperature float64   `json:"soil_temperature" db:"soil_temperature"`
	IsValid         bool      `json:"is_valid" db:"is_valid"` // 无效读数入库但不参与检测
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}

// Greenhouse 温室（对应 greenhouses 表，灌溉服务只读）
type Greenhouse struct {
	GreenhouseID string  `json:"greenhouse_id" db:"greenhouse_id"`
	OwnerUserID  string  `json:"owner_user_id" db:"owner_user_id"`
	Name         string  `json:"name" db:"name"`
	PlantID      *string `json:"plant_id,omitempty" db:"plant_id"` // 当前种植的植物（可为空）
}
