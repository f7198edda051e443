package config

import (
	"os"
	"strconv"
	"time"

	"greenhouse-irrigation/pkg/config"
)

// Config 灌溉检测服务配置
type Config struct {
	Database config.DatabaseConfig
	Redis    config.RedisConfig
	MQTT     config.MQTTConfig

	// 灌溉检测服务特定配置
	Irrigation struct {
		// 检测配置
		Detection struct {
			Threshold      float64       // 土壤湿度增量阈值（百分点），默认 15.0
			CooldownWindow time.Duration // 同一温室两次检测之间的最小间隔，默认 30 分钟
		}

		// Redis Streams 配置
		Streams struct {
			Readings      string // 传感器读数流，如 "greenhouse:readings"
			ConsumerGroup string // 消费者组名称
			ConsumerName  string // 消费者名称（每个实例唯一）
			BatchSize     int64  // 单次读取消息数量，默认 10
		}

		// Redis 缓存配置
		Cache struct {
			CursorKeyPrefix string // 温室处理游标键前缀，如 "irrigation:cursor:"
		}

		// 重试配置（持久化/通知副作用的瞬态失败）
		Retry struct {
			MaxAttempts int           // 最大重试次数，默认 3
			Backoff     time.Duration // 初始退避时间，默认 1 秒
		}
	}

	// MQTT 接入配置
	Ingest struct {
		Topics struct {
			Readings string // 传感器读数主题，如 "greenhouse/+/readings"
			Pump     string // 水泵动作主题，如 "greenhouse/+/pump"
		}
	}

	// 通知投递配置
	Delivery struct {
		ChannelPrefix  string        // Pub/Sub 频道前缀，如 "notify:user:"
		PushGatewayURL string        // Web Push 网关地址（为空则禁用）
		PushTimeout    time.Duration // 推送请求超时
	}

	// HTTP 服务配置
	HTTP struct {
		Addr string // 监听地址，如 ":8090"
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置
func Load() (*Config, error) {
	cfg := &Config{}

	// 数据库配置
	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = 5432
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "greenhouse")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")
	cfg.Database.LoadFromEnv("DB")

	// Redis 配置
	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = 0

	// MQTT 配置
	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "tcp://localhost:1883")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "greenhouse-irrigation")
	cfg.MQTT.QoS = 1
	cfg.MQTT.LoadFromEnv("MQTT")

	// 检测参数（阈值和冷却窗口是设计参数，不是固定常量）
	cfg.Irrigation.Detection.Threshold = getEnvFloat("DETECTION_THRESHOLD", 15.0)
	cfg.Irrigation.Detection.CooldownWindow = getEnvDuration("DETECTION_COOLDOWN", 30*time.Minute)

	// Streams 配置
	cfg.Irrigation.Streams.Readings = getEnv("STREAM_READINGS", "greenhouse:readings")
	cfg.Irrigation.Streams.ConsumerGroup = getEnv("STREAM_CONSUMER_GROUP", "irrigation-detector")
	cfg.Irrigation.Streams.ConsumerName = getEnv("STREAM_CONSUMER_NAME", "detector-1")
	cfg.Irrigation.Streams.BatchSize = 10

	cfg.Irrigation.Cache.CursorKeyPrefix = getEnv("CACHE_CURSOR_PREFIX", "irrigation:cursor:")

	cfg.Irrigation.Retry.MaxAttempts = getEnvInt("RETRY_MAX_ATTEMPTS", 3)
	cfg.Irrigation.Retry.Backoff = getEnvDuration("RETRY_BACKOFF", time.Second)

	// MQTT 主题
	cfg.Ingest.Topics.Readings = getEnv("MQTT_TOPIC_READINGS", "greenhouse/+/readings")
	cfg.Ingest.Topics.Pump = getEnv("MQTT_TOPIC_PUMP", "greenhouse/+/pump")

	// 投递配置
	cfg.Delivery.ChannelPrefix = getEnv("DELIVERY_CHANNEL_PREFIX", "notify:user:")
	cfg.Delivery.PushGatewayURL = getEnv("PUSH_GATEWAY_URL", "")
	cfg.Delivery.PushTimeout = getEnvDuration("PUSH_TIMEOUT", 10*time.Second)

	cfg.HTTP.Addr = getEnv("HTTP_ADDR", ":8090")

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
