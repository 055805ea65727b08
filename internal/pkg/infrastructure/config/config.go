package config

import (
	"fmt"
	"os"
	"time"
)

//Config holds everything the service reads from its environment at start-up
type Config struct {
	ServiceName    string
	Port           string
	LogLevel       string
	RequestTimeout time.Duration

	Database DatabaseConfig

	//MQTTAddress enables the embedded MQTT broker when set, e.g. ":1883"
	MQTTAddress string
	//RabbitMQHost enables publishing of recorded samples when set
	RabbitMQHost string
}

//DatabaseConfig holds the connection parameters for the postgres database
type DatabaseConfig struct {
	Host     string
	User     string
	Name     string
	Password string
	SSLMode  string
}

//DSN returns the connection string used by the postgres driver
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s user=%s dbname=%s sslmode=%s password=%s", c.Host, c.User, c.Name, c.SSLMode, c.Password)
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

//Load reads the configuration from environment variables, falling back to defaults where allowed
func Load(serviceName string) (*Config, error) {
	timeout, err := time.ParseDuration(getEnv("REQUEST_TIMEOUT", "10s"))
	if err != nil {
		return nil, fmt.Errorf("invalid REQUEST_TIMEOUT: %w", err)
	}

	if timeout <= 0 {
		return nil, fmt.Errorf("invalid REQUEST_TIMEOUT: %s must be positive", timeout)
	}

	cfg := &Config{
		ServiceName:    serviceName,
		Port:           getEnv("SERVICE_PORT", "8880"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		RequestTimeout: timeout,
		Database: DatabaseConfig{
			Host:     os.Getenv("INGEST_DB_HOST"),
			User:     os.Getenv("INGEST_DB_USER"),
			Name:     os.Getenv("INGEST_DB_NAME"),
			Password: os.Getenv("INGEST_DB_PASSWORD"),
			SSLMode:  getEnv("INGEST_DB_SSLMODE", "require"),
		},
		MQTTAddress:  os.Getenv("MQTT_ADDRESS"),
		RabbitMQHost: os.Getenv("RABBITMQ_HOST"),
	}

	return cfg, nil
}
