package config

const (
	defaultWhatsAppAPIBase = "https://graph.facebook.com/v21.0"
	defaultWebhookPath     = "/webhook/whatsapp"
)

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel:   "info",
			DBPath:     "~/.convoflow/convoflow.db",
			MaxHistory: 1000,
		},
		Grouping: GroupingConfig{
			DefaultBufferSeconds: 5,
		},
		Dispatch: DispatchConfig{
			Enabled:             true,
			PollIntervalMs:      500,
			LeaseTimeoutSeconds: 300,
			BatchSize:           50,
			Workers:             8,
			MaxAttempts:         5,
		},
		Scheduler: SchedulerConfig{
			Enabled:         true,
			IntervalSeconds: 60,
			BatchSize:       200,
			MaxPages:        10,
		},
		Executor: ExecutorConfig{
			Enabled:             true,
			IntervalMs:          1000,
			LeaseTimeoutSeconds: 300,
			MaxConcurrent:       16,
			MaxAttempts:         5,
		},
		Delivery: DeliveryConfig{
			TimeoutSeconds:      30,
			MaxRetries:          3,
			InitialBackoffMs:    500,
			MaxBackoffMs:        10000,
			LedgerRetentionDays: 30,
		},
		WhatsApp: WhatsAppConfig{
			Enabled:     false,
			APIBase:     defaultWhatsAppAPIBase,
			WebhookPath: defaultWebhookPath,
			Breaker: BreakerConfig{
				MaxFailures: 5,
				OpenSeconds: 30,
			},
			MessagesPerSecond: 20,
			Burst:             20,
		},
		Responder: EndpointConfig{
			TimeoutSeconds: 30,
		},
		Generator: EndpointConfig{
			TimeoutSeconds: 60,
		},
		API: APIConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    8080,
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Endpoint: "/metrics",
		},
		Kafka: KafkaConfig{
			Enabled:    false,
			Topic:      "convoflow.events",
			BatchSize:  100,
			BufferSize: 1024,
		},
	}
}
