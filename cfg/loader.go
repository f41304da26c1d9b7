package cfg

import (
	"fmt"
	"sync"
)

var (
	loader     Loader
	loaderOnce sync.Once
)

type Loader interface {
	Load() (*Config, error)
}

func NewLoader(l Loader) (Loader, error) {
	loaderOnce.Do(func() {
		loader = l
	})
	return loader, nil
}

// LoadValid loads the configuration and rejects it when the scheduling knobs are unusable.
func LoadValid(l Loader) (*Config, error) {
	config, err := l.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("[ERROR][CONFIG] invalid config: %w", err)
	}
	return config, nil
}
