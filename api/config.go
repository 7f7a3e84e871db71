package api

import "time"

type ServerConfig struct {
	DB    DBConfig
	Redis RedisConfig
	Auth  AuthConfig
	Sweep SweepConfig
}

type DBConfig struct {
	User     string
	Password string
	Host     string
	Port     int
	Database string
	Schema   string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	StreamKeys RedisStreamKeys
}

type RedisStreamKeys struct {
	Bid string
}

type AuthConfig struct {
	Secret   string
	Issuer   string
	Audience string
}

type SweepConfig struct {
	Interval time.Duration
}
