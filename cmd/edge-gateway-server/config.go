package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/autonomy-edge/edge-gateway/internal/api/http"
	"github.com/autonomy-edge/edge-gateway/internal/auth"
	"github.com/autonomy-edge/edge-gateway/internal/db"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Log       LogConfig
	Http      http.Config
	DB        db.Config       `mapstructure:"db"`
	JWT       auth.JWTConfig  `mapstructure:"jwt"`
	Validator ValidatorConfig `mapstructure:"validator"`
	CertStore CertStoreConfig `mapstructure:"cert_store"`
	CA        CAConfig        `mapstructure:"ca"`
	Session   SessionConfig   `mapstructure:"session"`
}

type ValidatorConfig struct {
	Mode string `mapstructure:"mode"`
}

type CertStoreConfig struct {
	Backend string `mapstructure:"backend"` // "postgres" or "file"
	Dir     string `mapstructure:"dir"`
}

type CAConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

type SessionConfig struct {
	StaleTimeout    time.Duration `mapstructure:"stale_timeout"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

var config Config

func InitConfig() {
	var err error

	_ = godotenv.Load()

	viper.SetConfigName("application")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./cmd/edge-gateway-server")
	viper.SetConfigType("yaml")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	_ = viper.BindEnv("db.url", "DATABASE_URL")
	_ = viper.BindEnv("jwt.secret", "JWT_SECRET")
	_ = viper.BindEnv("http.admin_api_key", "ADMIN_API_KEY")

	if err := viper.ReadInConfig(); err != nil {
		panic(err)
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		panic(err)
	}

	// Initialize logger with configured log level
	initLogger(config.Log.Level)

	// Pretty print config as JSON (only at DEBUG level)
	if strings.ToUpper(config.Log.Level) == LOG_LEVEL_DEBUG {
		configJSON, err := json.MarshalIndent(config, "", "  ")
		if err == nil {
			fmt.Println("Config loaded:")
			fmt.Println(string(configJSON))
		}
	}
}
