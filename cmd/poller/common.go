package main

import (
	"fmt"

	"github.com/orderbridge/poller/pkg/config"
	"github.com/orderbridge/poller/pkg/store"
	"github.com/orderbridge/poller/pkg/store/crypto"
)

// openStore loads Config from the environment and opens the BoltStore
// it names, sealing/opening credentials with a Codec built from
// POLLER_ENCRYPTION_KEY. Every subcommand that touches persisted state
// goes through this one path.
func openStore() (store.Store, config.Config, error) {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return nil, cfg, err
	}

	codec, err := crypto.NewCodec(cfg.EncryptionKeyHex)
	if err != nil {
		return nil, cfg, fmt.Errorf("build encryption codec: %w", err)
	}

	st, err := store.NewBoltStore(cfg.DBPath, codec)
	if err != nil {
		return nil, cfg, fmt.Errorf("open store at %s: %w", cfg.DBPath, err)
	}
	return st, cfg, nil
}
