package redisstream

// Settings holds Redis Streams transport configuration for Watermill.
type Settings struct {
	Enabled  bool   `yaml:"enabled" env:"INGESTGW_REDIS_ENABLED"`
	Addr     string `yaml:"addr" env:"INGESTGW_REDIS_ADDR"`
	Group    string `yaml:"group" env:"INGESTGW_REDIS_GROUP"`
	Consumer string `yaml:"consumer" env:"INGESTGW_REDIS_CONSUMER"`
}
