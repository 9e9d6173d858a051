package main

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Port      int             `yaml:"port"`
	Origin    string          `yaml:"origin"`
	Host      string          `yaml:"host"`
	DBFile    string          `yaml:"dbFile"`
	Recording RecordingConfig `yaml:"recording"`
}

type RecordingConfig struct {
	// SettleDelayMs is the default quiescence window before a session is
	// considered settled. Clients may override it per recording.
	SettleDelayMs int `yaml:"settleDelayMs"`
	// ConfirmTimeoutMs is how long to wait for the client's completion
	// confirmation.
	ConfirmTimeoutMs int `yaml:"confirmTimeoutMs"`
	// MaxRecordedBytes caps the bytes buffered by one recording session.
	MaxRecordedBytes int64 `yaml:"maxRecordedBytes"`
}

func (c RecordingConfig) settleDelay() time.Duration {
	return time.Duration(c.SettleDelayMs) * time.Millisecond
}

func (c RecordingConfig) confirmTimeout() time.Duration {
	return time.Duration(c.ConfirmTimeoutMs) * time.Millisecond
}

func getConfig(filename string) (Config, error) {
	var config Config
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return config, err
	}
	err = yaml.Unmarshal(configBytes, &config)
	return config, err
}
