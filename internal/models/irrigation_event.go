package models

import (
	"time"
)

// 灌溉事件状态
// 唯一合法的转换：detected → confirmed_manual 或 detected → confirmed_rain
// 确认后除 notes 外所有字段冻结
const (
	StatusDetected        = "detected"
	StatusConfirmedManual = "confirmed_manual"
	StatusConfirmedRain   = "confirmed_rain"
)

// 确认分类（操作员输入）
const (
	ClassificationManual = "manual"
	ClassificationRain   = "rain"
)

// StatusForClassification 分类对应的终态
func StatusForClassification(classification string) (string, bool) {
	switch classification {
	case ClassificationManual:
		return StatusConfirmedManual, true
	case ClassificationRain:
		return StatusConfirmedRain, true
	default:
		return "", false
	}
}

// IsTerminal 是否为终态
func IsTerminal(status string) bool {
	return status == StatusConfirmedManual || status == StatusConfirmedRain
}

// IrrigationEvent 灌溉事件（对应 irrigation_events 表）
// 不变量：
//   - 每个温室同一时刻至多一条 detected 状态的事件（数据库部分唯一索引保证）
//   - water_amount 当且仅当 status = confirmed_manual 时存在
type IrrigationEvent struct {
	EventID          string     `json:"event_id" db:"event_id"`
	GreenhouseID     string     `json:"greenhouse_id" db:"greenhouse_id"`
	PlantID          *string    `json:"plant_id,omitempty" db:"plant_id"` // 检测时温室内的植物
	Status           string     `json:"status" db:"status"`
	TriggerReadingID int64      `json:"trigger_reading_id" db:"trigger_reading_id"`
	PreviousMoisture float64    `json:"previous_moisture" db:"previous_moisture"`
	CurrentMoisture  float64    `json:"current_moisture" db:"current_moisture"`
	MoistureIncrease float64    `json:"moisture_increase" db:"moisture_increase"` // current - previous，恒 > 0
	WaterAmount      *float64   `json:"water_amount,omitempty" db:"water_amount"` // 仅 confirmed_manual
	Notes            *string    `json:"notes,omitempty" db:"notes"`
	ConfirmedAt      *time.Time `json:"confirmed_at,omitempty" db:"confirmed_at"` // 只设置一次
	ConfirmedBy      *string    `json:"confirmed_by,omitempty" db:"confirmed_by"`
	CreatedAt        time.Time  `json:"created_at" db:"created_at"` // 检测时间，不可变
	UpdatedAt        time.Time  `json:"updated_at" db:"updated_at"`
}
