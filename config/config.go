package config

import (
	"fmt"
	"os"

	"go.yaml.in/yaml/v4"
)

type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Redis    RedisConfig    `yaml:"redis"`
	CallBox  CallBoxConfig  `yaml:"callbox"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DBName   string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
}

type KafkaConfig struct {
	Host                       string `yaml:"host"`
	Port                       int    `yaml:"port"`
	DispatchRequestedTopicName string `yaml:"dispatch_requested_topic_name"`
	BatchSettledTopicName      string `yaml:"batch_settled_topic_name"`
}

type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type CallBoxConfig struct {
	HTTPAddr           string `yaml:"http_addr"`
	KafkaConsumerGroup string `yaml:"kafka_consumer_group"`
	TrackingTTLSeconds int    `yaml:"tracking_ttl_seconds"`

	WorkerHTTPAddr string `yaml:"worker_http_addr"`

	// Worker scheduling. If not set, defaults match the platform cron:
	// batch cycle every 2 minutes, cleanup sweep every 10 minutes.
	WorkerBatchIntervalSeconds   int `yaml:"worker_batch_interval_seconds"`
	WorkerCleanupIntervalSeconds int `yaml:"worker_cleanup_interval_seconds"`

	WorkerBatchSize              int `yaml:"worker_batch_size"`
	WorkerConcurrency            int `yaml:"worker_concurrency"`
	WorkerInterestWindowSeconds  int `yaml:"worker_interest_window_seconds"`
	WorkerCallRateLimitPerMinute int `yaml:"worker_call_rate_limit_per_minute"`

	CallGatewayMode          string `yaml:"call_gateway_mode"` // "vapi" | "twilio" | "fake"
	CallGatewayBaseURL       string `yaml:"call_gateway_base_url"`
	CallGatewayAPIKey        string `yaml:"call_gateway_api_key"`
	CallGatewayPhoneNumberID string `yaml:"call_gateway_phone_number_id"`

	TwilioAccountSID string `yaml:"twilio_account_sid"`
	TwilioAuthToken  string `yaml:"twilio_auth_token"`
	TwilioFromNumber string `yaml:"twilio_from_number"`
}

func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	return &config, nil
}
