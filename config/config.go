package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"nurtura/models"

	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

var (
	DB        *gorm.DB
	AppConfig Config
	envLoaded bool
)

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"-"`
	DB       int    `json:"db"`
}

type SMTPConfig struct {
	Host      string `json:"host"`
	Port      int    `json:"port"`
	Username  string `json:"username"`
	Password  string `json:"-"`
	FromName  string `json:"from_name"`
	FromEmail string `json:"from_email"`
}

type IMAPConfig struct {
	Enabled    bool   `json:"enabled"`
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Username   string `json:"username"`
	Password   string `json:"-"`
	Mailbox    string `json:"mailbox"`
	Encryption string `json:"encryption"` // SSL, STARTTLS or none
}

type Config struct {
	Environment    string      `json:"environment"`
	ServerPort     string      `json:"server_port"`
	BaseURL        string      `json:"base_url"`
	JWTSecret      string      `json:"-"`
	TrackingSecret string      `json:"-"`
	SentryDSN      string      `json:"-"`
	DBHost         string      `json:"db_host"`
	DBPort         string      `json:"db_port"`
	DBUser         string      `json:"db_user"`
	DBPassword     string      `json:"-"`
	DBName         string      `json:"db_name"`
	DBSSLMode      string      `json:"db_ssl_mode"`
	DBMaxIdleConns int         `json:"db_max_idle_conns"`
	DBMaxOpenConns int         `json:"db_max_open_conns"`
	Redis          RedisConfig `json:"redis"`
	SMTP           SMTPConfig  `json:"smtp"`
	IMAP           IMAPConfig  `json:"imap"`

	RateLimitTracking int `json:"rate_limit_tracking"`

	// Engine loop intervals
	WakePollInterval  time.Duration `json:"wake_poll_interval"`
	RetryPollInterval time.Duration `json:"retry_poll_interval"`
	ReplyPollInterval time.Duration `json:"reply_poll_interval"`
}

func init() {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()
	envLoaded = true
}

func LoadConfig() error {
	AppConfig = Config{
		Environment:    getEnv("ENVIRONMENT", "development"),
		ServerPort:     getEnv("SERVER_PORT", "5000"),
		BaseURL:        getEnv("BASE_URL", "http://localhost:5000"),
		JWTSecret:      getEnv("JWT_SECRET", ""),
		TrackingSecret: getEnv("TRACKING_SECRET", ""),
		SentryDSN:      getEnv("SENTRY_DSN", ""),
		DBHost:         getEnv("DB_HOST", "localhost"),
		DBPort:         getEnv("DB_PORT", "5432"),
		DBUser:         getEnv("DB_USER", "postgres"),
		DBPassword:     getEnv("DB_PASSWORD", ""),
		DBName:         getEnv("DB_NAME", "nurtura"),
		DBSSLMode:      getEnv("DB_SSL_MODE", "disable"),
		DBMaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 10),
		DBMaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 100),

		Redis: RedisConfig{
			Enabled:  getEnv("REDIS_ENABLED", "") == "true",
			Address:  getEnv("REDIS_ADDRESS", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		SMTP: SMTPConfig{
			Host:      getEnv("SMTP_HOST", "localhost"),
			Port:      getEnvAsInt("SMTP_PORT", 587),
			Username:  getEnv("SMTP_USERNAME", ""),
			Password:  getEnv("SMTP_PASSWORD", ""),
			FromName:  getEnv("SMTP_FROM_NAME", "Nurtura"),
			FromEmail: getEnv("SMTP_FROM_EMAIL", ""),
		},
		IMAP: IMAPConfig{
			Enabled:    getEnv("IMAP_ENABLED", "") == "true",
			Host:       getEnv("IMAP_HOST", ""),
			Port:       getEnvAsInt("IMAP_PORT", 993),
			Username:   getEnv("IMAP_USERNAME", ""),
			Password:   getEnv("IMAP_PASSWORD", ""),
			Mailbox:    getEnv("IMAP_MAILBOX", "INBOX"),
			Encryption: getEnv("IMAP_ENCRYPTION", "SSL"),
		},

		RateLimitTracking: getEnvAsInt("RATE_LIMIT_TRACKING", 120),

		WakePollInterval:  getEnvAsDuration("WAKE_POLL_INTERVAL", 15*time.Second),
		RetryPollInterval: getEnvAsDuration("RETRY_POLL_INTERVAL", 30*time.Second),
		ReplyPollInterval: getEnvAsDuration("REPLY_POLL_INTERVAL", 5*time.Minute),
	}

	// Validate required configurations
	if AppConfig.DBPassword == "" {
		return fmt.Errorf("DB_PASSWORD is required")
	}
	if AppConfig.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if AppConfig.TrackingSecret == "" {
		AppConfig.TrackingSecret = AppConfig.JWTSecret
	}
	if AppConfig.Environment == "production" && AppConfig.SMTP.FromEmail == "" {
		return fmt.Errorf("SMTP_FROM_EMAIL is required in production")
	}

	logConfig()
	return nil
}

func ConnectDB() error {
	log.Println("Attempting to connect to database...")

	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		AppConfig.DBHost,
		AppConfig.DBPort,
		AppConfig.DBUser,
		AppConfig.DBPassword,
		AppConfig.DBName,
		AppConfig.DBSSLMode,
	)
	log.Println("Using connection string:", maskPassword(dsn))

	var err error
	DB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get DB instance: %w", err)
	}

	sqlDB.SetMaxIdleConns(AppConfig.DBMaxIdleConns)
	sqlDB.SetMaxOpenConns(AppConfig.DBMaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetConnMaxIdleTime(30 * time.Minute)

	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	log.Println("✅ Successfully connected to the database")
	log.Println("🔄 Starting database migration...")
	if err := MigrateDB(DB); err != nil {
		return fmt.Errorf("database migration failed: %w", err)
	}
	log.Println("✅ Database migration completed")
	return nil
}

// MigrateDB runs the schema migration for every engine and CRM table.
func MigrateDB(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.User{},
		&models.Contact{},
		&models.Tag{},
		&models.ContactTag{},
		&models.Appointment{},
		&models.Template{},
		&models.Autoresponder{},
		&models.SequenceStep{},
		&models.Enrollment{},
		&models.StepInstance{},
	)
}

// Helper functions
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	if !envLoaded && fallback == "" {
		log.Printf("⚠️ Environment variable %s not found and no fallback provided", key)
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	var value int
	_, err := fmt.Sscanf(valueStr, "%d", &value)
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return fallback
	}
	return value
}

func maskPassword(dsn string) string {
	const passwordMarker = "password="
	startIdx := strings.Index(dsn, passwordMarker)
	if startIdx == -1 {
		return dsn
	}

	startIdx += len(passwordMarker)
	endIdx := strings.IndexAny(dsn[startIdx:], " ")
	if endIdx == -1 {
		return dsn[:startIdx] + "*****"
	}
	return dsn[:startIdx] + "*****" + dsn[startIdx+endIdx:]
}

func logConfig() {
	log.Println("🔧 Loaded configuration:")
	log.Printf("Environment: %s", AppConfig.Environment)
	log.Printf("Server Port: %s", AppConfig.ServerPort)
	log.Printf("Database: %s@%s:%s/%s",
		AppConfig.DBUser,
		AppConfig.DBHost,
		AppConfig.DBPort,
		AppConfig.DBName)
	log.Printf("Redis enabled: %t, IMAP reply detection: %t, Sentry: %t",
		AppConfig.Redis.Enabled,
		AppConfig.IMAP.Enabled,
		AppConfig.SentryDSN != "")
}
