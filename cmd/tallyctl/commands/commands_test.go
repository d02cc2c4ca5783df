package commands

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := NewRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCLI_SQLiteRoundTrip(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "tally.db")
	base := []string{"--driver", "sqlite", "--dsn", dsn}
	args := func(a ...string) []string { return append(append([]string{}, a...), base...) }

	out, err := run(t, args("migrate")...)
	require.NoError(t, err)
	assert.Contains(t, out, "migrations applied")

	out, err = run(t, args("credit", "u1", "100", "--external-id", "FT123", "--provider", "telebirr")...)
	require.NoError(t, err)
	assert.Contains(t, out, "credited")

	_, err = run(t, args("credit", "u1", "100", "--external-id", "FT123", "--provider", "telebirr")...)
	assert.Error(t, err, "replayed receipt must be rejected")

	out, err = run(t, args("balance", "u1")...)
	require.NoError(t, err)
	assert.Contains(t, out, "100.00")

	out, err = run(t, args("history", "u1")...)
	require.NoError(t, err)
	assert.Contains(t, out, "telebirr")
	assert.Contains(t, out, "FT123")

	out, err = run(t, args("jobs")...)
	require.NoError(t, err)
	assert.Contains(t, out, "STATUS")
}

func TestCLI_Validation(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"unknown_driver", []string{"balance", "u1", "--driver", "oracle"}},
		{"missing_provider", []string{"credit", "u1", "100", "--external-id", "x", "--driver", "memory"}},
		{"bad_amount", []string{"credit", "u1", "ten", "--external-id", "x", "--provider", "p", "--driver", "memory"}},
		{"not_allowed_amount", []string{"credit", "u1", "7", "--external-id", "x", "--provider", "p", "--driver", "memory"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := run(t, tt.args...)
			assert.Error(t, err)
		})
	}
}

func TestCLI_BalanceUnknownUserIsZero(t *testing.T) {
	out, err := run(t, "balance", "nobody", "--driver", "memory")
	require.NoError(t, err)
	assert.Contains(t, out, "0.00")
}
