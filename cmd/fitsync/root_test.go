package main

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"fitsync/internal/push"
	"fitsync/internal/versioning"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_Subcommands(t *testing.T) {
	cmd := newRootCommand()
	for _, name := range []string{"serve", "enqueue", "list", "flush", "clear", "dead-letters", "vapid-keys", "version"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Equal(t, "", configFlag.DefValue)
}

func TestVersionCommand(t *testing.T) {
	out, err := runCLI(t, "version")
	require.NoError(t, err)

	var info versioning.BuildInfo
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Equal(t, Version, info.Version)
	assert.Equal(t, versioning.CurrentVersion.String(), info.API)
}

func TestVAPIDKeysCommand(t *testing.T) {
	out, err := runCLI(t, "vapid-keys")
	require.NoError(t, err)

	var keys push.VAPIDKeys
	require.NoError(t, json.Unmarshal([]byte(out), &keys))
	assert.NoError(t, push.ValidateVAPIDPublicKey(keys.PublicKey))
	assert.NotEmpty(t, keys.PrivateKey)
}

func TestEnqueueListClear(t *testing.T) {
	backend := newBackend(t, http.StatusNoContent)
	cfgPath := writeTestConfig(t, backend.URL, "")

	out, err := runCLI(t, "--config", cfgPath, "enqueue", "booking.cancel", "--payload", `{"bookingId":"b-7"}`)
	require.NoError(t, err)
	assert.Contains(t, out, `"booking.cancel"`)

	out, err = runCLI(t, "-c", cfgPath, "list")
	require.NoError(t, err)
	var listed struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &listed))
	assert.Equal(t, 1, listed.Count)

	_, err = runCLI(t, "-c", cfgPath, "clear")
	assert.ErrorContains(t, err, "--yes")

	_, err = runCLI(t, "-c", cfgPath, "clear", "--yes")
	require.NoError(t, err)

	out, err = runCLI(t, "-c", cfgPath, "list")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &listed))
	assert.Equal(t, 0, listed.Count)

	assert.Empty(t, backend.Calls())
}

func TestEnqueueFromFileWithFlush(t *testing.T) {
	backend := newBackend(t, http.StatusCreated)
	cfgPath := writeTestConfig(t, backend.URL, "")

	payloadPath := filepath.Join(t.TempDir(), "checkin.json")
	require.NoError(t, os.WriteFile(payloadPath, []byte(`{"userId":"u-1","fecha":"2026-10-16","energia":4}`), 0600))

	out, err := runCLI(t, "-c", cfgPath, "enqueue", "checkin.record", "--payload-file", payloadPath, "--flush")
	require.NoError(t, err, out)

	var result struct {
		Report struct {
			Delivered int `json:"delivered"`
		} `json:"report"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, 1, result.Report.Delivered)
	assert.Equal(t, []string{"POST /rest/v1/checkins_diarios"}, backend.Calls())
}

func TestEnqueueRejectsBadInput(t *testing.T) {
	backend := newBackend(t, http.StatusNoContent)
	cfgPath := writeTestConfig(t, backend.URL, "")

	_, err := runCLI(t, "-c", cfgPath, "enqueue", "booking.cancel", "--payload", `{bookingId`)
	assert.ErrorContains(t, err, "not valid JSON")

	_, err = runCLI(t, "-c", cfgPath, "enqueue", "booking.cancel", "--payload", `{}`)
	assert.Error(t, err)

	_, err = runCLI(t, "-c", cfgPath, "enqueue", "booking.cancel")
	assert.Error(t, err, "a payload flag is required")
}

func TestFlushCommand(t *testing.T) {
	backend := newBackend(t, http.StatusServiceUnavailable)
	cfgPath := writeTestConfig(t, backend.URL, "")

	_, err := runCLI(t, "-c", cfgPath, "enqueue", "booking.cancel", "--payload", `{"bookingId":"b-9"}`)
	require.NoError(t, err)

	out, err := runCLI(t, "-c", cfgPath, "flush")
	assert.ErrorContains(t, err, "remain queued")
	assert.Contains(t, out, `"failed": 1`)

	backend.status.Store(http.StatusNoContent)
	out, err = runCLI(t, "-c", cfgPath, "flush")
	require.NoError(t, err)
	assert.Contains(t, out, `"delivered": 1`)

	out, err = runCLI(t, "-c", cfgPath, "dead-letters")
	require.NoError(t, err)
	assert.Contains(t, out, `"count": 0`)
}

func TestCommands_InvalidConfig(t *testing.T) {
	_, err := runCLI(t, "-c", filepath.Join(t.TempDir(), "missing.json"), "list")
	assert.ErrorContains(t, err, "failed to load config")
}
