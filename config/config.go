package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Log     LogConfig     `mapstructure:"log"`
	Kiosk   KioskConfig   `mapstructure:"kiosk"`
	Session SessionConfig `mapstructure:"session"`
	MySQL   MySQLConfig   `mapstructure:"mysql"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Kafka   KafkaConfig   `mapstructure:"kafka"`
	ETCD    ETCDConfig    `mapstructure:"etcd"`
	GraphQL GraphQLConfig `mapstructure:"graphql"`
}

type ServerConfig struct {
	Port           int    `mapstructure:"port"`
	AdminJWTSecret string `mapstructure:"admin_jwt_secret"`
	AdminJWTIssuer string `mapstructure:"admin_jwt_issuer"`
}

type LogConfig struct {
	Development bool `mapstructure:"development"`
}

// KioskConfig 投票终端的计时与身份配置
type KioskConfig struct {
	ID                   string        `mapstructure:"id"`
	MasterTag            string        `mapstructure:"master_tag"`
	SigningKey           string        `mapstructure:"signing_key"`
	FaceThreshold        float64       `mapstructure:"face_threshold"`
	BaseSessionDuration  time.Duration `mapstructure:"base_session_duration"`
	PerElectionAllowance time.Duration `mapstructure:"per_election_allowance"`
	GraceExtension       time.Duration `mapstructure:"grace_extension"`
	MaxGraceExtensions   int           `mapstructure:"max_grace_extensions"`
	TickInterval         time.Duration `mapstructure:"tick_interval"`
	HeartbeatInterval    time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatSlack       time.Duration `mapstructure:"heartbeat_slack"`
	CompleteResetAfter   time.Duration `mapstructure:"complete_reset_after"`
	ErrorResetAfter      time.Duration `mapstructure:"error_reset_after"`
	ClaimTTL             time.Duration `mapstructure:"claim_ttl"`
	RFIDDevice           string        `mapstructure:"rfid_device"`
}

type SessionConfig struct {
	// 会话互斥后端: redis, etcd 或 memory
	Backend   string `mapstructure:"backend"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

type MySQLConfig struct {
	Master       string `mapstructure:"master"`
	Slave        string `mapstructure:"slave"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	// 数据存储Redis
	DataAddress string        `mapstructure:"data_address"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	PoolSize    int           `mapstructure:"pool_size"`
	MaxRetries  int           `mapstructure:"max_retries"`
	Timeout     time.Duration `mapstructure:"timeout"`
	BallotTTL   time.Duration `mapstructure:"ballot_ttl"`

	// 会话租约使用的独立Redis节点
	LockAddresses []string `mapstructure:"lock_addresses"`
}

type KafkaConfig struct {
	Brokers      []string `mapstructure:"brokers"`
	SessionTopic string   `mapstructure:"session_topic"`
	AnchorTopic  string   `mapstructure:"anchor_topic"`
	GroupID      string   `mapstructure:"group_id"`
}

type ETCDConfig struct {
	Endpoints      []string      `mapstructure:"endpoints"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type GraphQLConfig struct {
	Path string `mapstructure:"path"`
}

var AppConfig Config

// Default 返回默认配置，配置文件和环境变量均未设置的键使用此值
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:           8080,
			AdminJWTIssuer: "kioskvote-admin",
		},
		Kiosk: KioskConfig{
			ID:                   "kiosk-1",
			FaceThreshold:        0.45,
			BaseSessionDuration:  5 * time.Minute,
			PerElectionAllowance: 3 * time.Minute,
			GraceExtension:       90 * time.Second,
			MaxGraceExtensions:   1,
			TickInterval:         time.Second,
			HeartbeatInterval:    15 * time.Second,
			HeartbeatSlack:       30 * time.Second,
			CompleteResetAfter:   30 * time.Second,
			ErrorResetAfter:      5 * time.Second,
			ClaimTTL:             30 * time.Second,
		},
		Session: SessionConfig{
			Backend:   "redis",
			KeyPrefix: "kiosk:voter-session:",
		},
		MySQL: MySQLConfig{
			MaxOpenConns: 10,
			MaxIdleConns: 5,
		},
		Redis: RedisConfig{
			DataAddress: "127.0.0.1:6379",
			PoolSize:    10,
			MaxRetries:  3,
			Timeout:     3 * time.Second,
			BallotTTL:   5 * time.Minute,
		},
		Kafka: KafkaConfig{
			SessionTopic: "kiosk.session-events",
			AnchorTopic:  "kiosk.ballot-anchors",
			GroupID:      "kioskvote-anchor",
		},
		ETCD: ETCDConfig{
			DialTimeout:    5 * time.Second,
			RequestTimeout: 3 * time.Second,
		},
		GraphQL: GraphQLConfig{
			Path: "/graphql",
		},
	}
}

// LoadConfig 加载配置文件，KIOSK_ 前缀的环境变量优先
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetEnvPrefix("KIOSK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, Default())

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	AppConfig = cfg
	return &AppConfig, nil
}

// setDefaults 注册所有叶子键，使AutomaticEnv能覆盖文件中缺失的键
func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.admin_jwt_secret", d.Server.AdminJWTSecret)
	v.SetDefault("server.admin_jwt_issuer", d.Server.AdminJWTIssuer)
	v.SetDefault("log.development", d.Log.Development)

	v.SetDefault("kiosk.id", d.Kiosk.ID)
	v.SetDefault("kiosk.master_tag", d.Kiosk.MasterTag)
	v.SetDefault("kiosk.signing_key", d.Kiosk.SigningKey)
	v.SetDefault("kiosk.face_threshold", d.Kiosk.FaceThreshold)
	v.SetDefault("kiosk.base_session_duration", d.Kiosk.BaseSessionDuration)
	v.SetDefault("kiosk.per_election_allowance", d.Kiosk.PerElectionAllowance)
	v.SetDefault("kiosk.grace_extension", d.Kiosk.GraceExtension)
	v.SetDefault("kiosk.max_grace_extensions", d.Kiosk.MaxGraceExtensions)
	v.SetDefault("kiosk.tick_interval", d.Kiosk.TickInterval)
	v.SetDefault("kiosk.heartbeat_interval", d.Kiosk.HeartbeatInterval)
	v.SetDefault("kiosk.heartbeat_slack", d.Kiosk.HeartbeatSlack)
	v.SetDefault("kiosk.complete_reset_after", d.Kiosk.CompleteResetAfter)
	v.SetDefault("kiosk.error_reset_after", d.Kiosk.ErrorResetAfter)
	v.SetDefault("kiosk.claim_ttl", d.Kiosk.ClaimTTL)
	v.SetDefault("kiosk.rfid_device", d.Kiosk.RFIDDevice)

	v.SetDefault("session.backend", d.Session.Backend)
	v.SetDefault("session.key_prefix", d.Session.KeyPrefix)

	v.SetDefault("mysql.master", d.MySQL.Master)
	v.SetDefault("mysql.slave", d.MySQL.Slave)
	v.SetDefault("mysql.max_open_conns", d.MySQL.MaxOpenConns)
	v.SetDefault("mysql.max_idle_conns", d.MySQL.MaxIdleConns)

	v.SetDefault("redis.data_address", d.Redis.DataAddress)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)
	v.SetDefault("redis.pool_size", d.Redis.PoolSize)
	v.SetDefault("redis.max_retries", d.Redis.MaxRetries)
	v.SetDefault("redis.timeout", d.Redis.Timeout)
	v.SetDefault("redis.ballot_ttl", d.Redis.BallotTTL)
	v.SetDefault("redis.lock_addresses", d.Redis.LockAddresses)

	v.SetDefault("kafka.brokers", d.Kafka.Brokers)
	v.SetDefault("kafka.session_topic", d.Kafka.SessionTopic)
	v.SetDefault("kafka.anchor_topic", d.Kafka.AnchorTopic)
	v.SetDefault("kafka.group_id", d.Kafka.GroupID)

	v.SetDefault("etcd.endpoints", d.ETCD.Endpoints)
	v.SetDefault("etcd.dial_timeout", d.ETCD.DialTimeout)
	v.SetDefault("etcd.request_timeout", d.ETCD.RequestTimeout)

	v.SetDefault("graphql.path", d.GraphQL.Path)
}

// Validate 校验配置
func (c Config) Validate() error {
	k := c.Kiosk
	if k.ID == "" {
		return fmt.Errorf("kiosk.id 不能为空")
	}
	durations := map[string]time.Duration{
		"kiosk.base_session_duration":  k.BaseSessionDuration,
		"kiosk.per_election_allowance": k.PerElectionAllowance,
		"kiosk.grace_extension":        k.GraceExtension,
		"kiosk.tick_interval":          k.TickInterval,
		"kiosk.heartbeat_interval":     k.HeartbeatInterval,
		"kiosk.complete_reset_after":   k.CompleteResetAfter,
		"kiosk.error_reset_after":      k.ErrorResetAfter,
		"kiosk.claim_ttl":              k.ClaimTTL,
	}
	for key, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s 必须为正数，当前值: %s", key, d)
		}
	}
	if k.MaxGraceExtensions < 0 {
		return fmt.Errorf("kiosk.max_grace_extensions 不能为负数")
	}
	if k.FaceThreshold <= 0 {
		return fmt.Errorf("kiosk.face_threshold 必须为正数")
	}
	// 锚定事件由任意终端的消费者处理，任务状态必须放在共享的Redis中
	if len(c.Kafka.Brokers) > 0 && c.Redis.DataAddress == "" {
		return fmt.Errorf("配置了 kafka.brokers 时必须配置 redis.data_address")
	}
	switch c.Session.Backend {
	case "redis":
		if len(c.Redis.LockAddresses) == 0 && c.Redis.DataAddress == "" {
			return fmt.Errorf("redis会话后端需要配置 redis.lock_addresses 或 redis.data_address")
		}
	case "etcd":
		if len(c.ETCD.Endpoints) == 0 {
			return fmt.Errorf("etcd会话后端需要配置 etcd.endpoints")
		}
	case "memory":
	default:
		return fmt.Errorf("未知的会话后端 %q", c.Session.Backend)
	}
	return nil
}
