package models

import (
	"encoding/json"
	"time"
)

// 通知类型（封闭集合）
const (
	NotificationIrrigationDetected  = "irrigation_detected"
	NotificationIrrigationConfirmed = "irrigation_confirmed"
	NotificationPumpActivated       = "pump_activated"
	NotificationLSTMPrediction      = "lstm_prediction"
	NotificationSystemAlert         = "system_alert"
)

// ValidNotificationType 校验通知类型是否在封闭集合内
func ValidNotificationType(t string) bool {
	switch t {
	case NotificationIrrigationDetected,
		NotificationIrrigationConfirmed,
		NotificationPumpActivated,
		NotificationLSTMPrediction,
		NotificationSystemAlert:
		return true
	}
	return false
}

// NotificationRecord 通知记录（对应 notifications 表，追加写）
// is_read 只能 false → true，计数永远通过 COUNT 派生，不做反范式缓存
type NotificationRecord struct {
	NotificationID string          `json:"notification_id" db:"notification_id"`
	UserID         string          `json:"user_id" db:"user_id"`
	Type           string          `json:"type" db:"type"`
	Title          string          `json:"title" db:"title"`
	Message        string          `json:"message" db:"message"`
	Data           json.RawMessage `json:"data" db:"data"`   // JSONB，按 type 区分的负载
	DedupKey       *string         `json:"-" db:"dedup_key"` // (type, irrigation_id) 幂等键，可为空
	IsRead         bool            `json:"is_read" db:"is_read"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

// NotificationData 通知负载（按 type 封闭的联合类型，消费方可穷举匹配）
type NotificationData interface {
	notificationData()
}

// IrrigationRef 负载引用了某个灌溉事件（用于派生幂等键）
type IrrigationRef interface {
	IrrigationID() string
}

// IrrigationDetectedData irrigation_detected 负载
type IrrigationDetectedData struct {
	IrrigationEventID string  `json:"irrigation_id"`
	GreenhouseID      string  `json:"greenhouse_id"`
	PreviousMoisture  float64 `json:"previous_moisture"`
	CurrentMoisture   float64 `json:"current_moisture"`
	MoistureIncrease  float64 `json:"moisture_increase"`
}

func (IrrigationDetectedData) notificationData() {}

func (d IrrigationDetectedData) IrrigationID() string { return d.IrrigationEventID }

// IrrigationConfirmedData irrigation_confirmed 负载
type IrrigationConfirmedData struct {
	IrrigationEventID string   `json:"irrigation_id"`
	GreenhouseID      string   `json:"greenhouse_id"`
	Classification    string   `json:"classification"` // manual | rain
	WaterAmount       *float64 `json:"water_amount,omitempty"`
}

func (IrrigationConfirmedData) notificationData() {}

func (d IrrigationConfirmedData) IrrigationID() string { return d.IrrigationEventID }

// PumpActivatedData pump_activated 负载
type PumpActivatedData struct {
	GreenhouseID string  `json:"greenhouse_id"`
	DurationSec  float64 `json:"duration_sec"`
	VolumeML     float64 `json:"volume_ml,omitempty"`
}

func (PumpActivatedData) notificationData() {}

// LSTMPredictionData lstm_prediction 负载（由 AI 服务产生）
type LSTMPredictionData struct {
	GreenhouseID      string  `json:"greenhouse_id"`
	PredictedMoisture float64 `json:"predicted_moisture"`
	Confidence        float64 `json:"confidence"`
	Recommendation    string  `json:"recommendation"`
}

func (LSTMPredictionData) notificationData() {}

// SystemAlertData system_alert 负载
type SystemAlertData struct {
	GreenhouseID string `json:"greenhouse_id,omitempty"`
	Detail       string `json:"detail"`
}

func (SystemAlertData) notificationData() {}

// PushSubscription 用户的推送订阅（对应 push_subscriptions 表）
// 首次注册创建，重新注册时替换，每次投递时读取，不放在进程内变量里
type PushSubscription struct {
	UserID    string    `json:"user_id" db:"user_id"`
	Endpoint  string    `json:"endpoint" db:"endpoint"`
	Keys      string    `json:"keys" db:"keys"` // JSONB：p256dh/auth 等订阅密钥
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
