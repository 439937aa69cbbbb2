// Package logging points the standard logger at stdout and a rotating file.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

const defaultPrefix = "BASECTL"

var prefix atomic.Value // string

// EnvPrefix is the prefix of the logging variables read by this process,
// BASECTL until Setup names the app.
func EnvPrefix() string {
	if v, ok := prefix.Load().(string); ok {
		return v
	}
	return defaultPrefix
}

// SetEnvPrefix derives the variable prefix from app: "basesim" reads
// BASESIM_LOG_DIR, BASESIM_DEBUG and so on.
func SetEnvPrefix(app string) {
	p := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		}
		return '_'
	}, app)
	if p == "" {
		p = defaultPrefix
	}
	prefix.Store(p)
}

// Setup writes logs to stdout and logs/<app>.log next to the executable.
// <APP>_LOG_DIR moves the log directory; <APP>_LOG_MAX_SIZE_MB,
// <APP>_LOG_MAX_BACKUPS and <APP>_LOG_MAX_AGE_DAYS size the rotation.
// The returned closer flushes the file.
func Setup(app string) io.Closer {
	SetEnvPrefix(app)
	p := EnvPrefix()
	exe, _ := os.Executable()
	base := filepath.Dir(exe)
	if v := os.Getenv(p + "_LOG_DIR"); v != "" {
		base = v
	}
	dir := filepath.Join(base, "logs")
	_ = os.MkdirAll(dir, 0o755)
	file := filepath.Join(dir, app+".log")
	maxSize := GetEnvInt(p+"_LOG_MAX_SIZE_MB", 20)
	maxBackups := GetEnvInt(p+"_LOG_MAX_BACKUPS", 5)
	maxAge := GetEnvInt(p+"_LOG_MAX_AGE_DAYS", 7)
	w := &lumberjack.Logger{Filename: file, MaxSize: maxSize, MaxBackups: maxBackups, MaxAge: maxAge, Compress: false}
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.SetOutput(io.MultiWriter(os.Stdout, w))
	return w
}

// GetEnvInt reads a positive integer from the environment.
func GetEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil && n > 0 {
			return n
		}
	}
	return def
}

// IsDebug reports whether <APP>_DEBUG is set to a true value.
func IsDebug() bool {
	switch os.Getenv(EnvPrefix() + "_DEBUG") {
	case "1", "true", "TRUE", "yes":
		return true
	}
	return false
}
