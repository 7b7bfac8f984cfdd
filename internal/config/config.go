package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Dispatch *Dispatchconfig `yaml:"dispatch"`
	Location *Locationconfig `yaml:"location"`
	Offer    *Offerconfig    `yaml:"offer"`
	Ride     *Rideconfig     `yaml:"ride"`
	Sim      *Simconfig      `yaml:"sim"`
	Log      *Loggerconfig   `yaml:"log"`
}

type Dispatchconfig struct {
	ServerURL   string          `yaml:"server_url"`
	AuthTimeout time.Duration   `yaml:"auth_timeout"`
	Backoff     []time.Duration `yaml:"backoff"`
}

type Locationconfig struct {
	MinDistanceMeters float64       `yaml:"min_distance_meters"`
	MinInterval       time.Duration `yaml:"min_interval"`
	FlushInterval     time.Duration `yaml:"flush_interval"`
	BufferCap         int           `yaml:"buffer_cap"`
	MaxBatchSize      int           `yaml:"max_batch_size"`
}

type Offerconfig struct {
	Window time.Duration `yaml:"window"`
}

type Rideconfig struct {
	CompletionGrace time.Duration `yaml:"completion_grace"`
}

type Simconfig struct {
	Port      int             `yaml:"port"`
	JWTSecret string          `yaml:"jwt_secret"`
	DB        *DBconfig       `yaml:"db"`
	RabbitMq  *RabbitMqconfig `yaml:"rabbitmq"`
}

type DBconfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	User       string `yaml:"user"`
	Password   string `yaml:"password"`
	Database   string `yaml:"database"`
	MaxRetries int    `yaml:"max_retries"`
}

type RabbitMqconfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	VHost    string `yaml:"vhost"`
}

type Loggerconfig struct {
	Level string `yaml:"level"`
}

func New() (*Config, error) {
	getEnv := func(key, def string) string {
		val := os.Getenv(key)
		if val == "" {
			return def
		}
		return val
	}

	getEnvInt := func(key string, def int) int {
		valStr := os.Getenv(key)
		if valStr == "" {
			return def
		}
		val, err := strconv.Atoi(valStr)
		if err != nil {
			return def
		}
		return val
	}

	getEnvDuration := func(key string, def time.Duration) time.Duration {
		valStr := os.Getenv(key)
		if valStr == "" {
			return def
		}
		val, err := time.ParseDuration(valStr)
		if err != nil {
			return def
		}
		return val
	}

	cnf := &Config{
		Dispatch: &Dispatchconfig{
			ServerURL:   getEnv("DISPATCH_URL", "ws://localhost:3001/ws/drivers"),
			AuthTimeout: getEnvDuration("DISPATCH_AUTH_TIMEOUT", 5*time.Second),
			Backoff: []time.Duration{
				1 * time.Second,
				2 * time.Second,
				5 * time.Second,
				10 * time.Second,
				30 * time.Second,
			},
		},
		Location: &Locationconfig{
			MinDistanceMeters: 10,
			MinInterval:       getEnvDuration("LOCATION_MIN_INTERVAL", 5*time.Second),
			FlushInterval:     getEnvDuration("LOCATION_FLUSH_INTERVAL", 10*time.Second),
			BufferCap:         getEnvInt("LOCATION_BUFFER_CAP", 5000),
			MaxBatchSize:      getEnvInt("LOCATION_MAX_BATCH", 500),
		},
		Offer: &Offerconfig{
			Window: getEnvDuration("OFFER_WINDOW", 15*time.Second),
		},
		Ride: &Rideconfig{
			CompletionGrace: getEnvDuration("RIDE_COMPLETION_GRACE", 30*time.Second),
		},
		Sim: &Simconfig{
			Port:      getEnvInt("SIM_PORT", 3001),
			JWTSecret: getEnv("SIM_JWT_SECRET", "dev-secret"),
			DB: &DBconfig{
				Host:       getEnv("DB_HOST", ""),
				Port:       getEnvInt("DB_PORT", 5432),
				User:       getEnv("DB_USER", "ridehail_user"),
				Password:   getEnv("DB_PASSWORD", "ridehail_pass"),
				Database:   getEnv("DB_NAME", "ridehail_db"),
				MaxRetries: getEnvInt("DB_MAX_RETRIES", 5),
			},
			RabbitMq: &RabbitMqconfig{
				Host:     getEnv("RABBITMQ_HOST", ""),
				Port:     getEnvInt("RABBITMQ_PORT", 5672),
				User:     getEnv("RABBITMQ_USER", "guest"),
				Password: getEnv("RABBITMQ_PASSWORD", "guest"),
				VHost:    getEnv("RABBITMQ_VHOST", ""),
			},
		},
		Log: &Loggerconfig{
			Level: getEnv("LOG_LEVEL", "INFO"),
		},
	}

	return cnf, nil
}

// NewFromYAML loads config from a YAML file, with env defaults filling any
// section the file omits.
func NewFromYAML(path string) (*Config, error) {
	cnf, err := New()
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cnf); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	return cnf, nil
}
