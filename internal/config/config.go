package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ServerConfig 定义 HTTP 服务器的监听配置
type ServerConfig struct {
	Host string // 监听地址，默认 "0.0.0.0"
	Port int    // 监听端口，默认 8080
}

// PickupConfig 定义取件引擎的核心业务配置
type PickupConfig struct {
	AllowedDomains  []string      // 生成随机地址时可用的域名列表
	DefaultInterval int           // 默认轮询间隔（秒）
	DefaultTimeout  int           // 默认监听超时（秒），0 表示不限时
	SearchLimit     int           // 单次搜索返回的最大邮件数
	StateTTL        time.Duration // 持久化快照的新鲜度窗口，默认 10 分钟
	MaxMailboxes    int           // 注册表可容纳的邮箱上限
}

// SearchConfig 定义上游搜索服务配置
type SearchConfig struct {
	Mode           string        // "http" 访问上游 REST 服务，"local" 使用内置收件池
	BaseURL        string        // 上游搜索服务地址
	APIToken       string        // 上游鉴权令牌
	RequestTimeout time.Duration // 单次搜索请求超时
	RateLimit      float64       // 出站搜索请求的每秒上限
	RateBurst      int           // 出站搜索请求的突发容量
}

// AccountsConfig 定义账号目录相关配置
type AccountsConfig struct {
	TempSyncConfigTTL time.Duration // 临时同步配置的有效期
}

// RedisConfig 定义 Redis 持久化配置
type RedisConfig struct {
	Address  string // Redis 服务地址，格式 "host:port"
	Password string // Redis 认证密码，留空表示无密码
	DB       int    // Redis 数据库编号
}

// DatabaseConfig 定义归档数据库连接配置（支持 MySQL 和 PostgreSQL）
type DatabaseConfig struct {
	Type            string        // "mysql" 或 "postgres"，为空时不启用归档
	DSN             string        // 数据库连接字符串
	MaxOpenConns    int           // 最大打开连接数
	MaxIdleConns    int           // 最大空闲连接数
	ConnMaxLifetime time.Duration // 连接最大生命周期
}

// CORSConfig 定义跨域资源共享配置
type CORSConfig struct {
	AllowedOrigins []string // 允许的来源列表，"*" 表示允许所有来源
}

// LogConfig 定义日志系统配置
type LogConfig struct {
	Level       string // 日志级别: debug, info, warn, error
	Development bool   // 开发模式: 彩色输出与详细堆栈
	File        string // 日志文件路径，为空时只输出到 stdout
}

// WebhookConfig 定义 Webhook 投递配置
type WebhookConfig struct {
	Workers   int // 投递协程数
	QueueSize int // 投递任务队列长度
}

// SMTPConfig 定义内置收件池的 SMTP 配置（仅 local 搜索模式使用）
type SMTPConfig struct {
	Enabled  bool   // 是否启动内置 SMTP 收件池
	BindAddr string // SMTP 监听地址，格式 "host:port"
	Domain   string // HELO/EHLO 响应使用的域名
}

// APIConfig 定义 API 防护配置
type APIConfig struct {
	KeyHash        string  // 管理 API key 的 bcrypt 哈希，为空时不启用校验
	RateLimitRPS   float64 // 每个来源 IP 的每秒请求上限
	RateLimitBurst int     // 每个来源 IP 的突发容量
}

// Config 是系统核心配置的根结构体
type Config struct {
	Server   ServerConfig
	Pickup   PickupConfig
	Search   SearchConfig
	Accounts AccountsConfig
	Redis    RedisConfig
	Database DatabaseConfig
	CORS     CORSConfig
	Log      LogConfig
	Webhook  WebhookConfig
	SMTP     SMTPConfig
	API      APIConfig
}

// Load 从环境变量和 .env 文件加载配置
//
// 加载优先级（从高到低）：
//  1. 系统环境变量
//  2. .env 文件（如果存在）
//  3. 默认值
//
// 环境变量前缀: MAILPICKUP_
// 例如: MAILPICKUP_SERVER_PORT, MAILPICKUP_SEARCH_BASE_URL
func Load() (*Config, error) {
	loadEnvFile()

	viper.SetEnvPrefix("mailpickup")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("pickup.allowed_domains", "pickup.mail")
	viper.SetDefault("pickup.default_interval", 10)
	viper.SetDefault("pickup.default_timeout", 300)
	viper.SetDefault("pickup.search_limit", 50)
	viper.SetDefault("pickup.state_ttl", "10m")
	viper.SetDefault("pickup.max_mailboxes", 100)
	viper.SetDefault("search.mode", "local")
	viper.SetDefault("search.base_url", "")
	viper.SetDefault("search.api_token", "")
	viper.SetDefault("search.request_timeout", "15s")
	viper.SetDefault("search.rate_limit", 5.0)
	viper.SetDefault("search.rate_burst", 10)
	viper.SetDefault("accounts.temp_sync_config_ttl", "10m")
	viper.SetDefault("redis.address", "")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("database.type", "") // 默认为空，不启用归档
	viper.SetDefault("database.dsn", "")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.conn_max_lifetime", "5m")
	viper.SetDefault("cors.allowed_origins", "*")
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.development", false)
	viper.SetDefault("log.file", "")
	viper.SetDefault("webhook.workers", 4)
	viper.SetDefault("webhook.queue_size", 64)
	viper.SetDefault("smtp.enabled", false)
	viper.SetDefault("smtp.bind_addr", ":2525")
	viper.SetDefault("smtp.domain", "pickup.mail")
	viper.SetDefault("api.key_hash", "")
	viper.SetDefault("api.rate_limit_rps", 20.0)
	viper.SetDefault("api.rate_limit_burst", 40)

	domainList := parseDomains(viper.GetString("pickup.allowed_domains"))
	if len(domainList) == 0 {
		return nil, fmt.Errorf("pickup.allowed_domains must not be empty")
	}

	defaultInterval := viper.GetInt("pickup.default_interval")
	if defaultInterval <= 0 {
		return nil, fmt.Errorf("pickup.default_interval must be positive")
	}

	defaultTimeout := viper.GetInt("pickup.default_timeout")
	if defaultTimeout < 0 {
		return nil, fmt.Errorf("pickup.default_timeout must not be negative")
	}

	searchLimit := viper.GetInt("pickup.search_limit")
	if searchLimit <= 0 {
		searchLimit = 50
	}

	stateTTL, err := time.ParseDuration(viper.GetString("pickup.state_ttl"))
	if err != nil {
		return nil, fmt.Errorf("invalid pickup.state_ttl: %w", err)
	}

	searchMode := viper.GetString("search.mode")
	if searchMode != "local" && searchMode != "http" {
		return nil, fmt.Errorf("search.mode must be \"local\" or \"http\", got %q", searchMode)
	}
	if searchMode == "http" && viper.GetString("search.base_url") == "" {
		return nil, fmt.Errorf("search.base_url is required when search.mode is \"http\"")
	}

	requestTimeout, err := time.ParseDuration(viper.GetString("search.request_timeout"))
	if err != nil {
		requestTimeout = 15 * time.Second
	}

	tempSyncTTL, err := time.ParseDuration(viper.GetString("accounts.temp_sync_config_ttl"))
	if err != nil {
		tempSyncTTL = 10 * time.Minute
	}

	connMaxLifetime, err := time.ParseDuration(viper.GetString("database.conn_max_lifetime"))
	if err != nil {
		connMaxLifetime = 5 * time.Minute
	}

	corsOrigins := parseList(viper.GetString("cors.allowed_origins"))
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}

	cfg := &Config{
		Server: ServerConfig{
			Host: viper.GetString("server.host"),
			Port: viper.GetInt("server.port"),
		},
		Pickup: PickupConfig{
			AllowedDomains:  domainList,
			DefaultInterval: defaultInterval,
			DefaultTimeout:  defaultTimeout,
			SearchLimit:     searchLimit,
			StateTTL:        stateTTL,
			MaxMailboxes:    viper.GetInt("pickup.max_mailboxes"),
		},
		Search: SearchConfig{
			Mode:           searchMode,
			BaseURL:        strings.TrimRight(viper.GetString("search.base_url"), "/"),
			APIToken:       viper.GetString("search.api_token"),
			RequestTimeout: requestTimeout,
			RateLimit:      viper.GetFloat64("search.rate_limit"),
			RateBurst:      viper.GetInt("search.rate_burst"),
		},
		Accounts: AccountsConfig{
			TempSyncConfigTTL: tempSyncTTL,
		},
		Redis: RedisConfig{
			Address:  viper.GetString("redis.address"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		Database: DatabaseConfig{
			Type:            viper.GetString("database.type"),
			DSN:             viper.GetString("database.dsn"),
			MaxOpenConns:    viper.GetInt("database.max_open_conns"),
			MaxIdleConns:    viper.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: connMaxLifetime,
		},
		CORS: CORSConfig{
			AllowedOrigins: corsOrigins,
		},
		Log: LogConfig{
			Level:       viper.GetString("log.level"),
			Development: viper.GetBool("log.development"),
			File:        viper.GetString("log.file"),
		},
		Webhook: WebhookConfig{
			Workers:   viper.GetInt("webhook.workers"),
			QueueSize: viper.GetInt("webhook.queue_size"),
		},
		SMTP: SMTPConfig{
			Enabled:  viper.GetBool("smtp.enabled"),
			BindAddr: viper.GetString("smtp.bind_addr"),
			Domain:   viper.GetString("smtp.domain"),
		},
		API: APIConfig{
			KeyHash:        viper.GetString("api.key_hash"),
			RateLimitRPS:   viper.GetFloat64("api.rate_limit_rps"),
			RateLimitBurst: viper.GetInt("api.rate_limit_burst"),
		},
	}

	return cfg, nil
}

// parseDomains 将逗号分隔的域名字符串解析为小写域名数组
func parseDomains(value string) []string {
	out := parseList(value)
	for i := range out {
		out[i] = strings.ToLower(out[i])
	}
	return out
}

// parseList 将逗号分隔的字符串解析为字符串切片
func parseList(value string) []string {
	parts := strings.Split(value, ",")
	items := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}

// loadEnvFile 尝试加载 .env 文件
//
// 依次尝试当前目录与父目录；文件不存在时静默跳过，
// 已设置的环境变量不会被覆盖。
func loadEnvFile() {
	if err := godotenv.Load(".env"); err == nil {
		return
	}

	parentEnv := filepath.Join("..", ".env")
	if _, err := os.Stat(parentEnv); err == nil {
		_ = godotenv.Load(parentEnv)
	}
}
