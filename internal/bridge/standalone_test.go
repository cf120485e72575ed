package bridge

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExportImportEnv(t *testing.T) {
	cfg := validConfig()
	cfg.Env = map[string]string{"EDITOR": "vi", "PAGER": "less -R"}

	for _, kv := range ExportEnv(cfg) {
		key, value, _ := strings.Cut(kv, "=")
		t.Setenv(key, value)
	}

	got := ImportEnv(cfg.SessionID)
	assert.Equal(t, cfg, got)

	_, ok := os.LookupEnv(EnvPassword)
	assert.False(t, ok, "secret left in environment")
	_, ok = os.LookupEnv(ExtraEnvPrefix + "EDITOR")
	assert.False(t, ok)
}

func TestImportEnvWithoutExtras(t *testing.T) {
	t.Setenv(EnvInstance, "dev1.example.com")
	got := ImportEnv("sess_1")
	assert.Equal(t, "dev1.example.com", got.Target)
	assert.Nil(t, got.Env)
}
