package engine

import (
	"errors"
	"log/slog"

	tendermint "github.com/sig-0/go-tendermint"
	"github.com/sig-0/go-tendermint/types"
	"github.com/sig-0/go-tendermint/vote"
	"github.com/sig-0/go-tendermint/wal"
)

var ErrInvalidConfig = errors.New("invalid engine config")

// Config bundles the engine's collaborators. Everything that touches
// the outside world (network, clock, disk, application) enters
// through here
type Config struct {
	Logger      *slog.Logger
	Signer      types.Signer
	Verifier    types.SignatureVerifier
	Hasher      types.Hasher
	Transport   tendermint.Transport
	Application tendermint.Application
	WAL         wal.WAL
	Scheduler   tendermint.TimeoutScheduler
	Timeouts    TimeoutPolicy
	Thresholds  vote.ThresholdParams
}

// NewConfig builds a Config from the given options, filling in the
// default timeout policy and Tendermint thresholds
func NewConfig(opts ...Option) Config {
	cfg := Config{
		Timeouts:   DefaultTimeoutPolicy(),
		Thresholds: vote.DefaultThresholdParams(),
	}

	for _, opt := range opts {
		opt(&cfg)
	}

	return cfg
}

// IsValid returns an error if a required collaborator is missing
func (cfg Config) IsValid() error {
	if cfg.Signer == nil {
		return errors.New("nil Signer")
	}

	if cfg.Verifier == nil {
		return errors.New("nil SignatureVerifier")
	}

	if cfg.Hasher == nil {
		return errors.New("nil Hasher")
	}

	if !cfg.Transport.IsValid() {
		return errors.New("invalid Transport")
	}

	if cfg.Application == nil {
		return errors.New("nil Application")
	}

	if cfg.WAL == nil {
		return errors.New("nil WAL")
	}

	if cfg.Scheduler == nil {
		return errors.New("nil TimeoutScheduler")
	}

	if !cfg.Timeouts.IsValid() {
		return errors.New("invalid timeout policy")
	}

	return nil
}

type Option func(*Config)

func WithLogger(logger *slog.Logger) Option {
	return func(cfg *Config) {
		cfg.Logger = logger
	}
}

func WithSigner(s types.Signer) Option {
	return func(cfg *Config) {
		cfg.Signer = s
	}
}

func WithVerifier(v types.SignatureVerifier) Option {
	return func(cfg *Config) {
		cfg.Verifier = v
	}
}

func WithHasher(h types.Hasher) Option {
	return func(cfg *Config) {
		cfg.Hasher = h
	}
}

func WithTransport(t tendermint.Transport) Option {
	return func(cfg *Config) {
		cfg.Transport = t
	}
}

func WithApplication(a tendermint.Application) Option {
	return func(cfg *Config) {
		cfg.Application = a
	}
}

func WithWAL(w wal.WAL) Option {
	return func(cfg *Config) {
		cfg.WAL = w
	}
}

func WithScheduler(s tendermint.TimeoutScheduler) Option {
	return func(cfg *Config) {
		cfg.Scheduler = s
	}
}

func WithTimeouts(p TimeoutPolicy) Option {
	return func(cfg *Config) {
		cfg.Timeouts = p
	}
}

func WithThresholds(p vote.ThresholdParams) Option {
	return func(cfg *Config) {
		cfg.Thresholds = p
	}
}
