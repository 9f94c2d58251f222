package config

import (
	"os"
	"strconv"
	"strings"
)

type Config struct {
	ListenAddr         string
	Modules            []string
	ChannelsPerModule  int
	WaveformSizeLimit  int
	UploadTimeoutSec   int
	ShutdownTimeoutSec int
	// SimUploadRate throttles the simulated device, in samples per second.
	// Zero means uploads complete instantly.
	SimUploadRate int
}

func Load() *Config {
	return &Config{
		ListenAddr:         getEnv("LISTEN_ADDR", ":9090"),
		Modules:            splitList(getEnv("AWG_MODULES", "awg1")),
		ChannelsPerModule:  getEnvInt("AWG_CHANNELS", 4),
		WaveformSizeLimit:  getEnvInt("WAVEFORM_SIZE_LIMIT", 1_000_000),
		UploadTimeoutSec:   getEnvInt("UPLOAD_TIMEOUT_SEC", 30),
		ShutdownTimeoutSec: getEnvInt("SHUTDOWN_TIMEOUT_SEC", 15),
		SimUploadRate:      getEnvInt("SIM_UPLOAD_RATE", 0),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
