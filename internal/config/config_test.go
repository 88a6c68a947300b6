package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"repairline/internal/domain"
)

func TestGeneratedDefaultIsValid(t *testing.T) {
	cfg, err := FromYAML([]byte(GenerateDefault()))
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, cfg.Gateway.Timeout)
	assert.Equal(t, 15*time.Second, cfg.Reconcile.FailureInterval)
	assert.Equal(t, PolicyPrecondition, cfg.Audit.Policy)
	p, err := cfg.Property("flat-12")
	require.NoError(t, err)
	assert.Equal(t, "landlord@example.com", p.Landlord)
}

func TestPartialYAMLKeepsDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte("audit:\n  policy: last_write_wins\n"))
	require.NoError(t, err)
	assert.Equal(t, PolicyLastWriteWins, cfg.Audit.Policy)
	assert.Equal(t, 5*time.Second, cfg.Reconcile.SuccessInterval)
	assert.Equal(t, BusyReject, cfg.Gateway.OnBusy)
	assert.Empty(t, cfg.Properties())
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"busy policy":      "gateway:\n  on_busy: wait\n",
		"audit policy":     "audit:\n  policy: merge\n",
		"failure < succ":   "reconcile:\n  success_interval: 10s\n  failure_interval: 5s\n",
		"staleness":        "reconcile:\n  max_staleness: 1s\n",
		"zero timeout":     "gateway:\n  timeout: 0s\n",
		"landlord missing": "properties:\n  p1:\n    address: x\n",
		"webhook url":      "webhooks:\n  - secret: s\n",
		"broker exchange":  "broker:\n  url: amqp://localhost\n  exchange: \"\"\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	_, err = Load(dir)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(GenerateDefault()), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	assert.Len(t, cfg.Properties(), 1)
}

func TestUnknownProperty(t *testing.T) {
	_, err := Default().Property("nope")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}
