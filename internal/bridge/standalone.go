package bridge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/GriffinCanCode/termrelay/internal/infrastructure/config"
	"go.uber.org/zap"
)

// ExtraEnvPrefix marks the session's extra variables in a backend process
// environment, keeping them apart from the process's own.
const ExtraEnvPrefix = "PTYD_ENV_"

// ExportEnv renders cfg as the environment of a standalone backend process.
func ExportEnv(cfg SessionConfig) []string {
	env := []string{
		EnvInstance + "=" + cfg.Target,
		EnvUsername + "=" + cfg.Username,
		EnvPassword + "=" + cfg.Password,
		EnvAPIKey + "=" + cfg.APIKey,
	}
	for _, key := range sortedKeys(cfg.Env) {
		env = append(env, ExtraEnvPrefix+key+"="+cfg.Env[key])
	}
	return env
}

// ImportEnv reads the session configuration written by ExportEnv from the
// process environment and removes it, so the secrets do not linger in the
// backend's own environment.
func ImportEnv(sessionID string) SessionConfig {
	cfg := SessionConfig{
		SessionID: sessionID,
		Target:    os.Getenv(EnvInstance),
		Username:  os.Getenv(EnvUsername),
		Password:  os.Getenv(EnvPassword),
		APIKey:    os.Getenv(EnvAPIKey),
	}
	for _, key := range []string{EnvInstance, EnvUsername, EnvPassword, EnvAPIKey} {
		_ = os.Unsetenv(key)
	}

	var extras []string
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, ExtraEnvPrefix) {
			extras = append(extras, kv)
		}
	}
	sort.Strings(extras)
	for _, kv := range extras {
		key, value, _ := strings.Cut(strings.TrimPrefix(kv, ExtraEnvPrefix), "=")
		if cfg.Env == nil {
			cfg.Env = make(map[string]string)
		}
		cfg.Env[key] = value
		_ = os.Unsetenv(ExtraEnvPrefix + key)
	}
	return cfg
}

// ServeStandalone runs one session backend until ctx is done, as the ptyd
// binary does. The session comes from pc.ConfigFile when set, otherwise
// from the environment.
func ServeStandalone(ctx context.Context, pc *config.PtydConfig, logger *zap.Logger) error {
	var cfg SessionConfig
	if pc.ConfigFile != "" {
		loaded, err := LoadSessionFile(pc.ConfigFile)
		if err != nil {
			return fmt.Errorf("load session file: %w", err)
		}
		cfg = loaded
		if pc.SessionID != "" {
			cfg.SessionID = pc.SessionID
		}
	} else {
		cfg = ImportEnv(pc.SessionID)
	}

	logger.Info("Starting backend", zap.Object("session", cfg))

	b, err := New(cfg, Options{
		Shell:      pc.Shell,
		RuntimeDir: pc.RuntimeDir,
		StopGrace:  pc.StopGrace,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	ln, err := standaloneListener(pc)
	if err != nil {
		_ = b.Close()
		return err
	}

	srv := NewServer(b)
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), pc.StopGrace+5*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		<-served
		return err
	case err := <-served:
		return errors.Join(err, b.Close())
	}
}

func standaloneListener(pc *config.PtydConfig) (net.Listener, error) {
	if pc.ListenFD > 0 {
		f := os.NewFile(uintptr(pc.ListenFD), "listener")
		if f == nil {
			return nil, fmt.Errorf("listen fd %d is not open", pc.ListenFD)
		}
		defer f.Close()
		ln, err := net.FileListener(f)
		if err != nil {
			return nil, fmt.Errorf("inherited listener: %w", err)
		}
		return ln, nil
	}

	ln, err := net.Listen("tcp", pc.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", pc.Addr, err)
	}
	return ln, nil
}
