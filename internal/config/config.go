package config

import (
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	RabbitMQ  RabbitMQConfig  `mapstructure:"rabbitmq"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Log       LogConfig       `mapstructure:"log"`
	Allowlist AllowlistConfig `mapstructure:"allowlist"`
	Rules     RulesConfig     `mapstructure:"rules"`
	Analyzer  AnalyzerConfig  `mapstructure:"analyzer"`
	Watcher   WatcherConfig   `mapstructure:"watcher"`
}

type ServerConfig struct {
	Port     int    `mapstructure:"port"`
	Mode     string `mapstructure:"mode"`      // debug, release
	APIToken string `mapstructure:"api_token"` // 非空时保护 /api/debug
}

type DatabaseConfig struct {
	Type       string `mapstructure:"type"` // mysql, sqlite
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	User       string `mapstructure:"user"`
	Password   string `mapstructure:"password"`
	DBName     string `mapstructure:"db_name"`
	SQLitePath string `mapstructure:"sqlite_path"`
}

type RabbitMQConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	VHost    string `mapstructure:"vhost"`
	Queue    string `mapstructure:"queue"`
}

type WorkerConfig struct {
	Concurrency int `mapstructure:"concurrency"` // Worker 数量
	QueueSize   int `mapstructure:"queue_size"`  // 任务队列大小
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text
}

// AllowlistConfig 白名单配置
type AllowlistConfig struct {
	Source     string `mapstructure:"source"` // file, database
	Path       string `mapstructure:"path"`
	TTLSeconds int    `mapstructure:"ttl_seconds"`
}

// RulesConfig 评分规则配置，path 为空使用内置规则
type RulesConfig struct {
	Path string `mapstructure:"path"`
}

// AnalyzerConfig APK 分析配置
type AnalyzerConfig struct {
	AaptPath        string `mapstructure:"aapt_path"`
	UploadDir       string `mapstructure:"upload_dir"`
	MaxUploadMB     int    `mapstructure:"max_upload_mb"`
	ParallelSignals bool   `mapstructure:"parallel_signals"`
}

// WatcherConfig 投递目录监听配置
type WatcherConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	InboundDir string `mapstructure:"inbound_dir"`
	Pattern    string `mapstructure:"pattern"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.sqlite_path", "./data/apk_risk.db")
	v.SetDefault("rabbitmq.enabled", false)
	v.SetDefault("rabbitmq.port", 5672)
	v.SetDefault("rabbitmq.vhost", "/")
	v.SetDefault("rabbitmq.queue", "apk_scan_queue")
	v.SetDefault("worker.concurrency", 2)
	v.SetDefault("worker.queue_size", 100)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("allowlist.source", "file")
	v.SetDefault("allowlist.path", "./data/safe_apps.json")
	v.SetDefault("allowlist.ttl_seconds", 300)
	v.SetDefault("analyzer.aapt_path", "aapt2")
	v.SetDefault("analyzer.upload_dir", "./uploads")
	v.SetDefault("analyzer.max_upload_mb", 500)
	v.SetDefault("watcher.enabled", false)
	v.SetDefault("watcher.inbound_dir", "./inbound")
	v.SetDefault("watcher.pattern", "*.apk")
}

// Load 加载配置文件；path 为空时只使用默认值和环境变量
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// 环境变量覆盖（支持嵌套配置）
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.BindEnv("server.api_token", "APK_RISK_API_TOKEN")

	// RabbitMQ
	v.BindEnv("rabbitmq.host", "RABBITMQ_HOST")
	v.BindEnv("rabbitmq.port", "RABBITMQ_PORT")
	v.BindEnv("rabbitmq.user", "RABBITMQ_USER")
	v.BindEnv("rabbitmq.password", "RABBITMQ_PASS")

	// Database
	v.BindEnv("database.host", "MYSQL_HOST")
	v.BindEnv("database.port", "MYSQL_PORT")
	v.BindEnv("database.user", "MYSQL_USER")
	v.BindEnv("database.password", "MYSQL_PASS")
	v.BindEnv("database.db_name", "MYSQL_DB")

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
