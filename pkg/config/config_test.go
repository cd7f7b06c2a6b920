package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/raterudder/srpenergy/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validFile = `
accounts:
  - id: "123456789"
    username: abba
    password: ana
    name: Test Home
    is_tou: true
  - id: "987654321"
    username: cabin@example.com
    password: pw
    window: month
    display: native
`

func TestParse(t *testing.T) {
	accounts, err := Parse(strings.NewReader(validFile))
	require.NoError(t, err)
	require.Len(t, accounts, 2)

	assert.Equal(t, types.AccountConfig{
		AccountID: "123456789",
		Username:  "abba",
		Password:  "ana",
		Name:      "Test Home",
		TimeOfUse: true,
		Window:    types.WindowDay,
		Display:   types.DisplayFixed,
	}, accounts[0])

	assert.Equal(t, types.DefaultName, accounts[1].Name)
	assert.False(t, accounts[1].TimeOfUse)
	assert.Equal(t, types.WindowMonth, accounts[1].Window)
	assert.Equal(t, types.DisplayNative, accounts[1].Display)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		err  string
	}{
		{name: "Empty", body: "", err: "accounts file is empty"},
		{name: "NoAccounts", body: "accounts: []\n", err: "no accounts"},
		{name: "Malformed", body: "accounts: [", err: "parsing accounts file"},
		{name: "UnknownKey", body: "accounts:\n  - id: \"1\"\n    user: a\n", err: "field user not found"},
		{name: "MissingPassword", body: "accounts:\n  - id: \"1\"\n    username: a\n", err: "password is required"},
		{name: "BadWindow", body: "accounts:\n  - id: \"1\"\n    username: a\n    password: b\n    window: year\n", err: "unknown window"},
		{
			name: "Duplicate",
			body: "accounts:\n  - id: \"1\"\n    username: a\n    password: b\n  - id: \"1\"\n    username: c\n    password: d\n",
			err:  `duplicate id "1"`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.body))
			assert.ErrorContains(t, err, tt.err)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accounts.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validFile), 0600))

	accounts, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, accounts, 2)

	a := &Accounts{path: path}
	assert.Equal(t, path, a.Path())
	accounts, err = a.Load()
	require.NoError(t, err)
	assert.Len(t, accounts, 2)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = (&Accounts{}).Load()
	assert.EqualError(t, err, "accounts-file is required")
}
