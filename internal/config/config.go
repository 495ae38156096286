package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

type Mode string

const (
	ModeOffline Mode = "offline"
	ModeOnline  Mode = "online"
)

// RefreshStrategy selects how SessionMaterial is re-acquired after the
// platform reports the stored session as expired.
type RefreshStrategy string

const (
	RefreshFull     RefreshStrategy = "full"     // re-run reconciliation with every candidate
	RefreshPrevious RefreshStrategy = "previous" // try the last successful candidate first
)

const placeholderPlatform = "https://your-openedx-domain.com"

// Config is built once at startup and handed to every constructor.
// Nothing below cmd/ reads the environment.
type Config struct {
	Mode          Mode
	HTTPAddr      string
	PublicBaseURL string

	// Open edX
	PlatformBaseURL string
	DashboardURL    string
	CSRFPath        string
	RegisterPath    string
	LoginPath       string
	SessionCookies  []string
	CourseID        string

	DefaultPassword   string
	FallbackPasswords []string
	AlternateTag      string
	UsernamePrefix    string

	PlatformTimeout time.Duration
	SessionTTL      time.Duration
	Refresh         RefreshStrategy
	LoginRate       float64
	LoginBurst      int

	StoreDriver   string // sql|redis|memory
	DBDriver      string // sqlite|postgres
	DBDSN         string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	EventLogSize  int // events kept by the memory and redis logs; 0 is the default

	FrameAncestors []string
	CORSOrigins    []string

	// SSOCookieDomain is the parent domain the bridge shares with the
	// platform; empty makes /sso redirect to the access link instead.
	SSOCookieDomain string

	EnableOperatorAuth bool
	OperatorSecret     string
	AdminUser          string
	AdminPassHash      string // bcrypt

	ICGAPIBase      string
	ICGWebhookPath  string
	ICGTokenURL     string
	ICGClientID     string
	ICGClientSecret string

	LogFormat     string
	EnableMetrics bool
}

func FromEnv() Config {
	mode := Mode(os.Getenv("MODE"))
	if mode == "" {
		mode = ModeOffline
	}
	base := strings.TrimRight(envOr("OPENEDX_API_BASE", "http://localhost:18000"), "/")
	dash := strings.TrimRight(os.Getenv("OPENEDX_DASHBOARD_URL"), "/")
	if dash == "" {
		dash = base + "/dashboard"
	}
	return Config{
		Mode:          mode,
		HTTPAddr:      envOr("HTTP_ADDR", ":8000"),
		PublicBaseURL: strings.TrimRight(envOr("PUBLIC_BASE_URL", "http://localhost:8000"), "/"),

		PlatformBaseURL: base,
		DashboardURL:    dash,
		CSRFPath:        envOr("OPENEDX_CSRF_PATH", "/csrf/api/v1/token"),
		RegisterPath:    envOr("OPENEDX_REGISTER_PATH", "/user_api/v1/account/registration/"),
		LoginPath:       envOr("OPENEDX_LOGIN_PATH", "/user_api/v1/account/login_session/"),
		SessionCookies:  csvOr("OPENEDX_SESSION_COOKIES", "sessionid,lms_sessionid,edxsessionid"),
		CourseID:        envOr("COURSE_ID", "course-v1:Example+Demo+2025"),

		DefaultPassword:   envOr("DEFAULT_USER_PASSWORD", "ChangeMe!2345"),
		FallbackPasswords: csvOr("FALLBACK_PASSWORDS", "password123,Password123,123456,admin123,test123,user123,demo123"),
		AlternateTag:      envOr("ALTERNATE_EMAIL_TAG", "fastapi"),
		UsernamePrefix:    envOr("USERNAME_PREFIX", "user_"),

		PlatformTimeout: envDuration("PLATFORM_TIMEOUT", 15*time.Second),
		SessionTTL:      envDuration("SESSION_TTL", 12*time.Hour),
		Refresh:         RefreshStrategy(envOr("SESSION_REFRESH", string(RefreshFull))),
		LoginRate:       envFloat("LOGIN_RATE", 5),
		LoginBurst:      envInt("LOGIN_BURST", 10),

		StoreDriver:   envOr("STORE_DRIVER", "sql"),
		DBDriver:      envOr("DB_DRIVER", "sqlite"),
		DBDSN:         envOr("DB_DSN", ""),
		RedisAddr:     envOr("REDIS_ADDR", "localhost:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       envInt("REDIS_DB", 0),
		EventLogSize:  envInt("EVENT_LOG_SIZE", 1000),

		FrameAncestors: csvOr("FRAME_ANCESTORS", "*"),
		CORSOrigins:    csvOr("CORS_ORIGINS", "*"),

		SSOCookieDomain: os.Getenv("SSO_COOKIE_DOMAIN"),

		EnableOperatorAuth: envBool("ENABLE_OPERATOR_AUTH", mode == ModeOnline),
		OperatorSecret:     envOr("OPERATOR_HMAC_SECRET", "supersecret-dev-key"),
		AdminUser:          envOr("ADMIN_USER", "admin"),
		AdminPassHash:      envOr("ADMIN_PASS_HASH", "$2y$12$pyZAiWaTfVtM7UElIRStvOC3gNbnp70nmQU4eYopLGBfCJr1DOvji"),

		ICGAPIBase:      strings.TrimRight(envOr("ICG_API_BASE", "http://localhost:3000"), "/"),
		ICGWebhookPath:  envOr("ICG_WEBHOOK_ENDPOINT", "/openedx/course-completed"),
		ICGTokenURL:     os.Getenv("ICG_TOKEN_URL"),
		ICGClientID:     os.Getenv("ICG_CLIENT_ID"),
		ICGClientSecret: os.Getenv("ICG_CLIENT_SECRET"),

		LogFormat:     envOr("LOG_FORMAT", "json"),
		EnableMetrics: envBool("ENABLE_METRICS", true),
	}
}

// Candidates returns the ordered password list: the configured default first,
// then the fallbacks with duplicates removed.
func (c Config) Candidates() []string {
	out := make([]string, 0, 1+len(c.FallbackPasswords))
	seen := map[string]bool{}
	for _, p := range append([]string{c.DefaultPassword}, c.FallbackPasswords...) {
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

// Validate lists configuration problems. An empty result means the config is usable.
func (c Config) Validate() []string {
	var issues []string
	if c.PlatformBaseURL == placeholderPlatform {
		issues = append(issues, "OPENEDX_API_BASE is using placeholder value")
	}
	if !validURL(c.PlatformBaseURL) {
		issues = append(issues, "OPENEDX_API_BASE is not a valid URL")
	}
	if !validURL(c.DashboardURL) {
		issues = append(issues, "OPENEDX_DASHBOARD_URL is not a valid URL")
	}
	if !validURL(c.PublicBaseURL) {
		issues = append(issues, "PUBLIC_BASE_URL is not a valid URL")
	}
	if c.DefaultPassword == "" {
		issues = append(issues, "DEFAULT_USER_PASSWORD is empty")
	}
	if c.PlatformTimeout <= 0 {
		issues = append(issues, "PLATFORM_TIMEOUT must be positive")
	}
	switch c.Refresh {
	case RefreshFull, RefreshPrevious:
	default:
		issues = append(issues, fmt.Sprintf("SESSION_REFRESH %q is not one of full, previous", c.Refresh))
	}
	switch c.StoreDriver {
	case "sql", "redis", "memory":
	default:
		issues = append(issues, fmt.Sprintf("STORE_DRIVER %q is not one of sql, redis, memory", c.StoreDriver))
	}
	if c.StoreDriver == "sql" && c.DBDriver != "sqlite" && c.DBDriver != "postgres" {
		issues = append(issues, fmt.Sprintf("DB_DRIVER %q is not one of sqlite, postgres", c.DBDriver))
	}
	if c.EventLogSize < 0 {
		issues = append(issues, "EVENT_LOG_SIZE must not be negative")
	}
	if len(c.SessionCookies) == 0 {
		issues = append(issues, "OPENEDX_SESSION_COOKIES is empty")
	}
	if c.EnableOperatorAuth && c.OperatorSecret == "supersecret-dev-key" && c.Mode == ModeOnline {
		issues = append(issues, "OPERATOR_HMAC_SECRET is using the development default")
	}
	return issues
}

// Public is the redacted view served by /config-check.
func (c Config) Public() map[string]any {
	return map[string]any{
		"mode":                    c.Mode,
		"public_base_url":         c.PublicBaseURL,
		"openedx_api_base":        c.PlatformBaseURL,
		"dashboard_url":           c.DashboardURL,
		"course_id":               c.CourseID,
		"store_driver":            c.StoreDriver,
		"db_driver":               c.DBDriver,
		"default_password_set":    c.DefaultPassword != "",
		"fallback_password_count": len(c.FallbackPasswords),
		"session_refresh":         c.Refresh,
		"session_ttl":             c.SessionTTL.String(),
		"platform_timeout":        c.PlatformTimeout.String(),
		"frame_ancestors":         c.FrameAncestors,
		"operator_auth":           c.EnableOperatorAuth,
		"event_log_size":          c.EventLogSize,
		"sso_cookie_domain":       c.SSOCookieDomain,
		"webhook_target":          c.ICGAPIBase + c.ICGWebhookPath,
		"authentication_method":   "Direct form-based (no OAuth required)",
	}
}

func validURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && u.Scheme != "" && u.Host != ""
}

func envOr(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}
func envBool(k string, def bool) bool {
	switch os.Getenv(k) {
	case "1", "true", "TRUE", "yes", "YES":
		return true
	case "0", "false", "FALSE", "no", "NO":
		return false
	default:
		return def
	}
}
func envInt(k string, def int) int {
	if v, err := strconv.Atoi(os.Getenv(k)); err == nil {
		return v
	}
	return def
}
func envFloat(k string, def float64) float64 {
	if v, err := strconv.ParseFloat(os.Getenv(k), 64); err == nil {
		return v
	}
	return def
}
func envDuration(k string, def time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(k)); err == nil {
		return v
	}
	return def
}
func csvOr(k, def string) []string {
	v := envOr(k, def)
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
