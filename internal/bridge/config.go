package bridge

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/GriffinCanCode/termrelay/internal/shared/utils"
	"go.uber.org/zap/zapcore"
)

// ErrValidation marks a session configuration that cannot start a backend.
var ErrValidation = errors.New("invalid session configuration")

// Environment variables through which credentials reach the shell.
const (
	EnvInstance = "SERVICENOW_INSTANCE"
	EnvUsername = "SERVICENOW_USERNAME"
	EnvPassword = "SERVICENOW_PASSWORD"
	EnvAPIKey   = "ANTHROPIC_API_KEY"
)

const redacted = "[redacted]"

// SessionConfig carries what a backend needs to start a session shell.
// Password and APIKey are secrets: they reach the shell through its
// environment and the private session file only.
type SessionConfig struct {
	SessionID string
	Target    string // upstream instance the shell talks to
	Username  string
	Password  string
	APIKey    string
	Env       map[string]string // extra non-secret variables
}

// Validate reports every missing or malformed field at once.
func (c SessionConfig) Validate() error {
	var problems []string

	if err := utils.ValidateID(c.SessionID, "sessionId", true); err != nil {
		problems = append(problems, err.Error())
	}
	if err := utils.ValidateString(c.Target, "instance", 1, utils.MaxCredentialLength, true); err != nil {
		problems = append(problems, err.Error())
	}
	if err := utils.ValidateString(c.Username, "username", 1, utils.MaxCredentialLength, true); err != nil {
		problems = append(problems, err.Error())
	}
	if err := utils.ValidateString(c.Password, "password", 1, utils.MaxCredentialLength, true); err != nil {
		problems = append(problems, err.Error())
	}
	if err := utils.ValidateString(c.APIKey, "anthropicApiKey", 1, utils.MaxCredentialLength, true); err != nil {
		problems = append(problems, err.Error())
	}
	for _, key := range sortedKeys(c.Env) {
		if err := utils.ValidateEnvKey(key); err != nil {
			problems = append(problems, err.Error())
			continue
		}
		if err := utils.ValidateString(c.Env[key], key, 0, utils.MaxEnvValueLength, false); err != nil {
			problems = append(problems, err.Error())
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrValidation, strings.Join(problems, "; "))
	}
	return nil
}

// Environ returns the session variables in KEY=value form. Credential
// variables win over same-named entries in Env.
func (c SessionConfig) Environ() []string {
	reserved := map[string]string{
		EnvInstance: c.Target,
		EnvUsername: c.Username,
		EnvPassword: c.Password,
		EnvAPIKey:   c.APIKey,
	}

	env := make([]string, 0, len(c.Env)+len(reserved))
	for _, key := range sortedKeys(c.Env) {
		if _, ok := reserved[key]; ok {
			continue
		}
		env = append(env, key+"="+c.Env[key])
	}
	for _, key := range sortedKeys(reserved) {
		env = append(env, key+"="+reserved[key])
	}
	return env
}

// MarshalLogObject implements zapcore.ObjectMarshaler. Secrets are redacted.
func (c SessionConfig) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("session_id", c.SessionID)
	enc.AddString("instance", c.Target)
	enc.AddString("username", c.Username)
	enc.AddString("password", redact(c.Password))
	enc.AddString("api_key", redact(c.APIKey))
	enc.AddInt("extra_env", len(c.Env))
	return nil
}

// String keeps fmt verbs from printing secrets.
func (c SessionConfig) String() string {
	return fmt.Sprintf("SessionConfig{session=%s instance=%s username=%s}", c.SessionID, c.Target, c.Username)
}

// GoString is used by %#v.
func (c SessionConfig) GoString() string { return c.String() }

func redact(secret string) string {
	if secret == "" {
		return ""
	}
	return redacted
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
