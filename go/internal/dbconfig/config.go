package dbconfig

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"
)

// ApplicationName is reported to Postgres in pg_stat_activity.
const ApplicationName = "courtside"

// Config holds Postgres connection and pool settings shared by the server
// and the seed tool.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	// URL, when set, is used as the DSN as-is and the fields above are ignored.
	URL string

	ConnectTimeout  time.Duration
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
}

// NewConfigFromEnv reads DATABASE_URL and the DB_* environment variables.
func NewConfigFromEnv() Config {
	return Config{
		Host:     getEnv("DB_HOST", "localhost"),
		Port:     getEnvAsInt("DB_PORT", 5432),
		User:     getEnv("DB_USER", "postgres"),
		Password: getEnv("DB_PASSWORD", "postgres"),
		Database: getEnv("DB_NAME", "courtside"),
		SSLMode:  getEnv("DB_SSLMODE", "disable"),
		URL:      os.Getenv("DATABASE_URL"),

		ConnectTimeout:  time.Duration(getEnvAsInt("DB_CONNECT_TIMEOUT_SECONDS", 5)) * time.Second,
		MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 20),
		MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		ConnMaxIdleTime: 5 * time.Minute,
	}
}

// DSN returns the Postgres connection URL. Credentials are escaped, so
// passwords may contain any character.
func (c Config) DSN() string {
	if c.URL != "" {
		return c.URL
	}

	q := url.Values{}
	q.Set("sslmode", c.SSLMode)
	q.Set("application_name", ApplicationName)
	if secs := int(c.ConnectTimeout / time.Second); secs > 0 {
		q.Set("connect_timeout", strconv.Itoa(secs))
	}

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:     "/" + c.Database,
		RawQuery: q.Encode(),
	}
	return u.String()
}

// Target describes the database for logs without exposing the password.
func (c Config) Target() string {
	if c.URL != "" {
		u, err := url.Parse(c.URL)
		if err != nil {
			return "DATABASE_URL"
		}
		return u.Redacted()
	}
	return fmt.Sprintf("%s@%s:%d/%s", c.User, c.Host, c.Port, c.Database)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return fallback
}
