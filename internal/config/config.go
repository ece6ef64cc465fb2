package config

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"log"
	"reflect"

	"github.com/caarlos0/env/v6"

	"github.com/moonguard/moonguard/pkg/core"
)

type Config struct {
	API struct {
		Port int `env:"PORT" envDefault:"8081"`
	}
	App struct {
		LogLevel    string `env:"LOG_LEVEL" envDefault:"INFO"`
		MetricsPort int    `env:"METRICS_PORT" envDefault:"9010"`
	}
	Ledger struct {
		Endpoint   string       `env:"RPC_ENDPOINT" envDefault:"https://api.devnet.solana.com"`
		ProgramID  core.Address `env:"PROGRAM_ID,required"`
		Commitment string       `env:"COMMITMENT" envDefault:"confirmed"`
		// FeePayerSeed is the hex-encoded 32-byte ed25519 seed of the
		// service fee payer.
		FeePayerSeed feePayerSeed `env:"FEE_PAYER_SEED,required"`
	}
	Storage struct {
		BadgerPath string `env:"BADGER_PATH" envDefault:"/var/moonguard/db"`
	}
	Authenticator struct {
		// AgentEndpoint is the authenticator agent holding the user-facing
		// platform authenticator.
		AgentEndpoint string `env:"AUTHENTICATOR_ENDPOINT" envDefault:"http://127.0.0.1:8970"`
	}
}

type feePayerSeed ed25519.PrivateKey

func parseFeePayerSeed(v string) (interface{}, error) {
	raw, err := hex.DecodeString(v)
	if err != nil {
		return nil, fmt.Errorf("decode fee payer seed: %w", err)
	}
	if len(raw) != ed25519.SeedSize {
		return nil, fmt.Errorf("fee payer seed is %d bytes, want %d", len(raw), ed25519.SeedSize)
	}
	return feePayerSeed(ed25519.NewKeyFromSeed(raw)), nil
}

func Load() Config {
	var c Config
	err := env.ParseWithFuncs(&c, map[reflect.Type]env.ParserFunc{
		reflect.TypeOf(core.Address{}): func(v string) (interface{}, error) {
			return core.ParseAddress(v)
		},
		reflect.TypeOf(feePayerSeed{}): parseFeePayerSeed,
	})
	if err != nil {
		log.Panicf("[‼️  Config parsing failed] %+v\n", err)
	}
	return c
}

// FeePayer returns the parsed fee payer signing key.
func (c Config) FeePayer() ed25519.PrivateKey {
	return ed25519.PrivateKey(c.Ledger.FeePayerSeed)
}
