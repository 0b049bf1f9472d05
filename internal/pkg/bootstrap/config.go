// internal/pkg/bootstrap/config.go
package bootstrap

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

const defaultConfigFile = "configs/odf-service.yaml"

// 支持的锁存储后端
const (
	LockBackendGorm      = "gorm"
	LockBackendRedis     = "redis"
	LockBackendZookeeper = "zookeeper"
	LockBackendMemory    = "memory"
)

// Config 是服务的完整配置
type Config struct {
	App      AppConfig      `yaml:"app"`
	Infra    InfraConfig    `yaml:"infra"`
	Gateways GatewaysConfig `yaml:"gateways"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Support  SupportConfig  `yaml:"support"`
}

type AppConfig struct {
	Name     string `yaml:"name"`
	Env      string `yaml:"env"`
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"log_level"`
}

type InfraConfig struct {
	MySQL     MySQLConfig     `yaml:"mysql"`
	Redis     RedisConfig     `yaml:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Zookeeper ZookeeperConfig `yaml:"zookeeper"`
	Jaeger    JaegerConfig    `yaml:"jaeger"`
	Nacos     NacosConfig     `yaml:"nacos"`
}

type MySQLConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

type RedisConfig struct {
	Addrs    string `yaml:"addrs"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type KafkaConfig struct {
	Brokers    []string `yaml:"brokers"`
	AuditTopic string   `yaml:"audit_topic"`
	MemoTopic  string   `yaml:"memo_topic"`
}

type ZookeeperConfig struct {
	Servers        []string      `yaml:"servers"`
	SessionTimeout time.Duration `yaml:"session_timeout"`
	LockRoot       string        `yaml:"lock_root"`
}

type JaegerConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

type NacosConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServerAddrs string `yaml:"server_addrs"`
	Namespace   string `yaml:"namespace"`
	Group       string `yaml:"group"`
}

type GatewaysConfig struct {
	Activation GatewayConfig `yaml:"activation"`
	Order      GatewayConfig `yaml:"order"`
}

// GatewayConfig 描述一个外部 HTTP 服务。ServiceName 非空且启用 Nacos 时通过服务发现解析地址。
type GatewayConfig struct {
	BaseURL     string        `yaml:"base_url"`
	ServiceName string        `yaml:"service_name"`
	Timeout     time.Duration `yaml:"timeout"`
	APIKey      string        `yaml:"api_key"`
}

type PipelineConfig struct {
	LockBackend             string        `yaml:"lock_backend"`
	LockTTL                 time.Duration `yaml:"lock_ttl"`
	SweepInterval           time.Duration `yaml:"sweep_interval"`
	OrderPollMaxAttempts    int           `yaml:"order_poll_max_attempts"`
	OrderPollBackoff        time.Duration `yaml:"order_poll_backoff"`
	PasscodePollMaxAttempts int           `yaml:"passcode_poll_max_attempts"`
	PasscodePollBackoff     time.Duration `yaml:"passcode_poll_backoff"`
	MaxOrderQuantity        int           `yaml:"max_order_quantity"`
	EligibilityRule         string        `yaml:"eligibility_rule"`
	SerialCheckConcurrency  int           `yaml:"serial_check_concurrency"`
	StepTimeout             time.Duration `yaml:"step_timeout"`
}

type SupportConfig struct {
	Email         string `yaml:"email"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

var current atomic.Pointer[Config]

// Init 从 CONFIG_FILE（或默认路径）加载配置并设为当前配置。
func Init() (*Config, error) {
	cfg, err := Load(getEnv("CONFIG_FILE", defaultConfigFile))
	if err != nil {
		return nil, err
	}
	current.Store(cfg)
	return cfg, nil
}

// GetCurrentConfig 返回当前配置；未初始化时返回默认配置。
func GetCurrentConfig() *Config {
	if cfg := current.Load(); cfg != nil {
		return cfg
	}
	cfg := Default()
	return &cfg
}

// Load 读取 YAML 文件，依次应用默认值、环境变量覆盖并校验。
// 文件不存在时仅使用默认值和环境变量。
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// 允许只用环境变量运行
	default:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default 返回带有业务默认值的配置
func Default() Config {
	cfg := Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "odf-service"
	}
	if c.App.Port == 0 {
		c.App.Port = 8090
	}
	if c.App.LogLevel == "" {
		c.App.LogLevel = "info"
	}
	if c.Infra.MySQL.MaxOpenConns == 0 {
		c.Infra.MySQL.MaxOpenConns = 20
	}
	if c.Infra.MySQL.MaxIdleConns == 0 {
		c.Infra.MySQL.MaxIdleConns = 5
	}
	if c.Infra.MySQL.ConnMaxLifetime == 0 {
		c.Infra.MySQL.ConnMaxLifetime = 30 * time.Minute
	}
	if c.Infra.Kafka.AuditTopic == "" {
		c.Infra.Kafka.AuditTopic = "odf-api-audit"
	}
	if c.Infra.Kafka.MemoTopic == "" {
		c.Infra.Kafka.MemoTopic = "odf-memos"
	}
	if c.Infra.Zookeeper.SessionTimeout == 0 {
		c.Infra.Zookeeper.SessionTimeout = 10 * time.Second
	}
	if c.Infra.Zookeeper.LockRoot == "" {
		c.Infra.Zookeeper.LockRoot = "/odf_locks"
	}
	if c.Infra.Nacos.Group == "" {
		c.Infra.Nacos.Group = "DEFAULT_GROUP"
	}
	for _, g := range []*GatewayConfig{&c.Gateways.Activation, &c.Gateways.Order} {
		if g.Timeout == 0 {
			g.Timeout = 15 * time.Second
		}
	}
	p := &c.Pipeline
	if p.LockBackend == "" {
		p.LockBackend = LockBackendGorm
	}
	if p.LockTTL == 0 {
		p.LockTTL = 30 * time.Minute
	}
	if p.SweepInterval == 0 {
		p.SweepInterval = time.Minute
	}
	if p.OrderPollMaxAttempts == 0 {
		p.OrderPollMaxAttempts = 80
	}
	if p.OrderPollBackoff == 0 {
		p.OrderPollBackoff = 3 * time.Second
	}
	if p.PasscodePollMaxAttempts == 0 {
		p.PasscodePollMaxAttempts = 20
	}
	if p.PasscodePollBackoff == 0 {
		p.PasscodePollBackoff = 5 * time.Second
	}
	if p.MaxOrderQuantity == 0 {
		p.MaxOrderQuantity = 20
	}
	if p.EligibilityRule == "" {
		p.EligibilityRule = "article.active && article.odf_eligible"
	}
	if p.SerialCheckConcurrency == 0 {
		p.SerialCheckConcurrency = 4
	}
	if p.StepTimeout == 0 {
		p.StepTimeout = 30 * time.Second
	}
	if c.Support.SubjectPrefix == "" {
		c.Support.SubjectPrefix = "[ODF]"
	}
}

func (c *Config) applyEnv() {
	c.App.LogLevel = getEnv("LOG_LEVEL", c.App.LogLevel)
	if port, err := strconv.Atoi(getEnv("PORT", "")); err == nil && port > 0 {
		c.App.Port = port
	}
	c.Infra.MySQL.DSN = getEnv("MYSQL_DSN", c.Infra.MySQL.DSN)
	c.Infra.Redis.Addrs = getEnv("REDIS_ADDRS", c.Infra.Redis.Addrs)
	c.Infra.Redis.Password = getEnv("REDIS_PASSWORD", c.Infra.Redis.Password)
	if brokers := getEnv("KAFKA_BROKERS", ""); brokers != "" {
		c.Infra.Kafka.Brokers = splitList(brokers)
	}
	if servers := getEnv("ZK_SERVERS", ""); servers != "" {
		c.Infra.Zookeeper.Servers = splitList(servers)
	}
	c.Infra.Jaeger.Endpoint = getEnv("JAEGER_ENDPOINT", c.Infra.Jaeger.Endpoint)
	c.Infra.Nacos.ServerAddrs = getEnv("NACOS_SERVER_ADDRS", c.Infra.Nacos.ServerAddrs)
	c.Infra.Nacos.Namespace = getEnv("NACOS_NAMESPACE", c.Infra.Nacos.Namespace)
	c.Gateways.Activation.BaseURL = getEnv("ACTIVATION_BASE_URL", c.Gateways.Activation.BaseURL)
	c.Gateways.Activation.APIKey = getEnv("ACTIVATION_API_KEY", c.Gateways.Activation.APIKey)
	c.Gateways.Order.BaseURL = getEnv("ORDER_BASE_URL", c.Gateways.Order.BaseURL)
	c.Gateways.Order.APIKey = getEnv("ORDER_API_KEY", c.Gateways.Order.APIKey)
	c.Pipeline.LockBackend = getEnv("LOCK_BACKEND", c.Pipeline.LockBackend)
}

// Validate 校验配置的一致性
func (c *Config) Validate() error {
	switch c.Pipeline.LockBackend {
	case LockBackendGorm, LockBackendMemory:
	case LockBackendRedis:
		if c.Infra.Redis.Addrs == "" {
			return fmt.Errorf("config: infra.redis.addrs is required for lock backend %q", c.Pipeline.LockBackend)
		}
	case LockBackendZookeeper:
		if len(c.Infra.Zookeeper.Servers) == 0 {
			return fmt.Errorf("config: infra.zookeeper.servers is required for lock backend %q", c.Pipeline.LockBackend)
		}
	default:
		return fmt.Errorf("config: unknown pipeline.lock_backend %q", c.Pipeline.LockBackend)
	}
	if c.Pipeline.OrderPollMaxAttempts < 1 || c.Pipeline.PasscodePollMaxAttempts < 1 {
		return fmt.Errorf("config: poll max attempts must be positive")
	}
	if c.Pipeline.MaxOrderQuantity < 1 {
		return fmt.Errorf("config: pipeline.max_order_quantity must be positive")
	}
	if c.Pipeline.LockTTL <= 0 {
		return fmt.Errorf("config: pipeline.lock_ttl must be positive")
	}
	if c.Infra.Nacos.Enabled && c.Infra.Nacos.ServerAddrs == "" {
		return fmt.Errorf("config: infra.nacos.server_addrs is required when nacos is enabled")
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// getEnv 从环境变量中读取配置
func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
