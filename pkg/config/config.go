// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 应用配置结构体
type Config struct {
	API         APIConfig         `mapstructure:"api"`
	Store       StoreConfig       `mapstructure:"store"`
	Queue       QueueConfig       `mapstructure:"queue"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	Worker      WorkerConfig      `mapstructure:"worker"`
	Reconciler  ReconcilerConfig  `mapstructure:"reconciler"`
	Log         LogConfig         `mapstructure:"log"`
	Monitoring  MonitoringConfig  `mapstructure:"monitoring"`
	Secrets     SecretsConfig     `mapstructure:"secrets"`
}

// APIConfig API 服务配置
type APIConfig struct {
	Port    int    `mapstructure:"port"`
	Host    string `mapstructure:"host"`
	Timeout string `mapstructure:"timeout"`
	// Scheduler 为 true 时 API 进程内置 Worker（单机模式）；分布式部署下由独立 Worker 进程消费
	Scheduler bool `mapstructure:"scheduler"`
}

// StoreConfig 持久化存储配置
type StoreConfig struct {
	Type string `mapstructure:"type"` // memory | postgres
	DSN  string `mapstructure:"dsn"`  // Postgres 连接串，type=postgres 时必填；支持 secret:// 引用
}

// QueueConfig 队列后端配置
type QueueConfig struct {
	Type string `mapstructure:"type"` // memory | postgres | redis
	// Postgres lease 队列
	DSN        string `mapstructure:"dsn"`        // 空则与 store 共用
	Visibility string `mapstructure:"visibility"` // 租约时长，如 "5m"，空则默认 5m
	// Redis broker 队列
	Addr     string `mapstructure:"addr"`
	DB       int    `mapstructure:"db"`
	Password string `mapstructure:"password"` // 支持 secret:// 引用
	Stream   string `mapstructure:"stream"`   // stream 名前缀，空则 "geoetl"
	Group    string `mapstructure:"group"`    // 消费组名，空则 "geoetl-workers"
	// MaxDeliveries 毒消息阈值：投递超过此次数转入 dead-letter；<=0 默认 5
	MaxDeliveries int `mapstructure:"max_deliveries"`
}

// CoordinatorConfig 批量协调配置
type CoordinatorConfig struct {
	// DirectThreshold 低于此任务数跳过批量、逐条发送；<=0 默认 50
	DirectThreshold int `mapstructure:"direct_threshold"`
	// SweepInterval pending_queue 滞留扫描周期（cron 间隔），如 "1m"
	SweepInterval string `mapstructure:"sweep_interval"`
	// SweepMinAge 滞留多久才重试，如 "2m"
	SweepMinAge string `mapstructure:"sweep_min_age"`
	// SweepMaxAttempts 批次重试上限，超过后标记 failed；<=0 默认 5
	SweepMaxAttempts int `mapstructure:"sweep_max_attempts"`
	// SweepRate 每秒批次重发上限，防止雪崩；<=0 默认 10
	SweepRate float64 `mapstructure:"sweep_rate"`
}

// WorkerConfig Worker 服务配置
type WorkerConfig struct {
	Concurrency  int    `mapstructure:"concurrency"`   // 最大并发任务数，<=0 默认 4
	PollInterval string `mapstructure:"poll_interval"` // 队列空时的轮询间隔，如 "500ms"
	RenewEvery   string `mapstructure:"renew_every"`   // 长任务锁续约周期，如 "1m"
	ID           string `mapstructure:"id"`            // Worker 标识，空则随机生成
}

// ReconcilerConfig Stage 完成补偿配置
type ReconcilerConfig struct {
	Interval string `mapstructure:"interval"` // 补偿扫描周期，如 "30s"
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// MonitoringConfig 监控配置
type MonitoringConfig struct {
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
}

// PrometheusConfig Prometheus 配置
type PrometheusConfig struct {
	Enable bool `mapstructure:"enable"`
}

// SecretsConfig Secret Store 配置
type SecretsConfig struct {
	Provider string            `mapstructure:"provider"` // vault | env | memory
	Config   map[string]string `mapstructure:"config"`
}

// LoadConfig 加载配置文件；环境变量 GEOETL_* 可覆盖（如 GEOETL_STORE_DSN）
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetEnvPrefix("GEOETL")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("无法读取配置文件: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("无法解析配置文件: %w", err)
	}
	return &config, nil
}

// LoadAPIConfig 加载 API 配置（configs/api.yaml）
func LoadAPIConfig() (*Config, error) {
	return LoadConfig("configs/api.yaml")
}

// LoadWorkerConfig 加载 Worker 配置（configs/worker.yaml）
func LoadWorkerConfig() (*Config, error) {
	return LoadConfig("configs/worker.yaml")
}

// Duration 解析时长字段，空或非法时回落 fallback
func Duration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
