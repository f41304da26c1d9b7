package cfg

import "time"

type MockLoader struct{}

func NewMockLoader() (*MockLoader, error) {
	return &MockLoader{}, nil
}

func (yl *MockLoader) Load() (*Config, error) {
	return &Config{
		// App
		App: App{
			Name:    "gitpulse",
			Version: "0.0.1",
		},

		// Database
		Database: Database{
			Driver:                "sqlite",
			Host:                  "127.0.0.1",
			Password:              "root",
			Username:              "root",
			Port:                  "3306",
			Database:              "gitpulse",
			SqlitePath:            "gitpulse.db",
			MaxIdleConnection:     10,
			MaxOpenConnection:     100,
			MaxLifeTimeConnection: 3600,
		},

		// GithubApi
		GithubApi: GithubApi{
			ApiUrl:            "https://api.github.com/",
			RequestsPerSecond: 10,
			RequestTimeout:    30 * time.Second,
			PerPage:           100,
			HttpRetryMax:      2,
			DefaultResetWait:  time.Hour,
		},

		// Indexer
		Indexer: Indexer{
			PageCeiling:          50,
			RetryAttempts:        4,
			RetryInitialInterval: time.Millisecond,
			RetryMaxInterval:     10 * time.Millisecond,
			LeaseTTL:             30 * time.Minute,
			Parallelism:          4,
		},

		// RateLimit
		RateLimit: RateLimit{
			Buffer:        60 * time.Second,
			SweepInterval: 5 * time.Minute,
			MaxRetries:    3,
			Retention:     7 * 24 * time.Hour,
		},

		// Trigger
		Trigger: Trigger{
			TimeOfDay:    "03:00",
			Timezone:     "UTC",
			Mode:         TriggerModeBatched,
			SpreadWindow: 2 * time.Hour,
		},

		// Kafka
		Kafka: Kafka{
			Enabled: false,
			Brokers: []string{"127.0.0.1:9092"},
			Topics: KafkaTopics{
				Index: "gitpulse.index",
				Jobs:  "gitpulse.jobs",
			},
			ConsumerGroup: "gitpulse-score",
		},

		Server: Server{Addr: ":8080"},
		Log:    Log{Level: "debug", Format: "console"},
	}, nil
}
