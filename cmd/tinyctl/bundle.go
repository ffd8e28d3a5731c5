package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tinycontainer/supervisor/internal/controller"
	"github.com/tinycontainer/supervisor/internal/runtime"
	"github.com/tinycontainer/supervisor/internal/supervisor"
)

// bundle is a container image laid out on disk as three files under one
// directory: metadata.cbor, code.bin and data.bin. Real firmware would
// carry these as flashed sections; a directory is the host-side stand-in.
type bundle struct {
	dir  string
	uid  []byte
	meta []byte
	code []byte
	data []byte
}

func loadBundle(dir string) (*bundle, error) {
	meta, err := os.ReadFile(filepath.Join(dir, "metadata.cbor"))
	if err != nil {
		return nil, fmt.Errorf("read metadata.cbor: %w", err)
	}
	code, err := os.ReadFile(filepath.Join(dir, "code.bin"))
	if err != nil {
		return nil, fmt.Errorf("read code.bin: %w", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "data.bin"))
	if err != nil {
		return nil, fmt.Errorf("read data.bin: %w", err)
	}
	return &bundle{dir: dir, uid: []byte(filepath.Base(dir)), meta: meta, code: code, data: data}, nil
}

func readIdentityKey(path string) (ed25519.PublicKey, error) {
	if path == "" {
		return nil, fmt.Errorf("--identity-key is required")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read identity key: %w", err)
	}
	decoded, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("decode identity key as hex: %w", err)
	}
	if len(decoded) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("identity key must be %d bytes, got %d", ed25519.PublicKeySize, len(decoded))
	}
	return ed25519.PublicKey(decoded), nil
}

// configFromFlags builds a supervisor.Config from the root command's
// persistent flags, falling back to DefaultConfig's timeouts when the
// duration flags are left at their zero value.
func configFromFlags(cmd *cobra.Command) supervisor.Config {
	cfg := supervisor.DefaultConfig()

	if v, err := cmd.Flags().GetInt("max-slots"); err == nil {
		cfg.MaxSlots = v
	}
	if v, err := cmd.Flags().GetInt("max-fds"); err == nil {
		cfg.MaxFDs = v
	}
	if v, err := cmd.Flags().GetInt("meta-max"); err == nil {
		cfg.MetaMax = v
	}
	if v, err := cmd.Flags().GetInt("code-data-max"); err == nil {
		cfg.CodeDataMax = v
	}
	if v, err := cmd.Flags().GetInt("io-buf"); err == nil {
		cfg.IOBufSize = v
	}
	if v, err := cmd.Flags().GetInt("max-handles-per-engine"); err == nil {
		cfg.MaxHandlesPerEngine = v
	}
	if v, err := cmd.Flags().GetDuration("mailbox-timeout"); err == nil && v > 0 {
		cfg.MailboxTimeout = v
	}
	if v, err := cmd.Flags().GetDuration("io-timeout"); err == nil && v > 0 {
		cfg.IOTimeout = v
	}
	return cfg
}

// newSupervisor wires a Supervisor from CLI flags, registering the
// reference ScriptEngine at runtime_type 1 — the only guest engine this
// repository ships, real guest interpreters (JerryScript/WAMR/rBPF
// equivalents) being out of scope per the Runtime interface's own
// contract.
func newSupervisor(cmd *cobra.Command, driver controller.IODriver) (*supervisor.Supervisor, error) {
	identityPath, _ := cmd.Flags().GetString("identity-key")
	pub, err := readIdentityKey(identityPath)
	if err != nil {
		return nil, err
	}

	cfg := configFromFlags(cmd)
	sup := supervisor.New(cfg, driver, pub)
	sup.RegisterEngine(1, runtime.NewScriptEngine())
	return sup, nil
}
