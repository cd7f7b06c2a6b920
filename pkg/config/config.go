// Package config loads the SRP accounts to poll from a YAML file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/levenlabs/go-lflag"
	"gopkg.in/yaml.v3"

	"github.com/raterudder/srpenergy/pkg/types"
)

// File is the layout of the accounts file.
//
//	accounts:
//	  - id: "123456789"
//	    username: user@example.com
//	    password: secret
//	    name: Home
//	    is_tou: false
//	    window: day
//	    display: fixed
type File struct {
	Accounts []types.AccountConfig `yaml:"accounts"`
}

// Parse decodes and validates an accounts file. Unknown keys and duplicate
// account ids are errors.
func Parse(r io.Reader) ([]types.AccountConfig, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var f File
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("accounts file is empty")
		}
		return nil, fmt.Errorf("parsing accounts file: %w", err)
	}
	if len(f.Accounts) == 0 {
		return nil, errors.New("accounts file has no accounts")
	}

	seen := make(map[string]bool, len(f.Accounts))
	var errs []error
	for i := range f.Accounts {
		a := &f.Accounts[i]
		if err := a.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("account %d: %w", i, err))
			continue
		}
		if seen[a.AccountID] {
			errs = append(errs, fmt.Errorf("account %d: duplicate id %q", i, a.AccountID))
		}
		seen[a.AccountID] = true
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return f.Accounts, nil
}

// Load reads and validates the accounts file at path.
func Load(path string) ([]types.AccountConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading accounts file: %w", err)
	}
	return Parse(bytes.NewReader(b))
}

// Accounts locates the accounts file.
type Accounts struct {
	path string
}

// Configured registers the accounts-file flag.
func Configured() *Accounts {
	path := lflag.String("accounts-file", "accounts.yaml", "Path to the YAML file listing the SRP accounts to poll")

	a := &Accounts{}
	lflag.Do(func() {
		a.path = *path
	})
	return a
}

// Path returns the configured accounts file path.
func (a *Accounts) Path() string {
	return a.path
}

// Load reads the configured accounts file.
func (a *Accounts) Load() ([]types.AccountConfig, error) {
	if a.path == "" {
		return nil, errors.New("accounts-file is required")
	}
	return Load(a.path)
}
