package config

const (
	defaultServiceURL          = "http://localhost:5000"
	defaultRequestTimeout      = 60
	defaultExportDir           = "."
	defaultExportFilename      = "background_removed.png"
	defaultPreviewMaxDimension = 300
	defaultServerAddr          = ":8080"
	defaultShutdownTimeout     = 15
	defaultMaxUploadBytes      = 10 << 20
	defaultSessionTTLMinutes   = 60
	defaultCacheTTLMinutes     = 30
	defaultLogLevel            = "info"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Service: Service{
			BaseURL:               defaultServiceURL,
			RequestTimeoutSeconds: defaultRequestTimeout,
		},
		Export: Export{
			Dir:      defaultExportDir,
			Filename: defaultExportFilename,
		},
		Workflow: Workflow{
			PreviewMaxDimension: defaultPreviewMaxDimension,
		},
		Server: Server{
			Addr:                   defaultServerAddr,
			ShutdownTimeoutSeconds: defaultShutdownTimeout,
			MaxUploadBytes:         defaultMaxUploadBytes,
			SessionTTLMinutes:      defaultSessionTTLMinutes,
		},
		Cache: Cache{
			TTLMinutes: defaultCacheTTLMinutes,
		},
		Log: Log{
			Level: defaultLogLevel,
		},
	}
}
