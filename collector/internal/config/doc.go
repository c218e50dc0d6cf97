// Package config loads the collector's configuration from the `collector:`
// section of its YAML file. An `agent:` key in the same file is ignored, so a
// single file can configure both sides of a development setup.
//
// Config fields:
//   - HTTPPort      : upload endpoint and /health (default 8080)
//   - GRPCPort      : gRPC health service for agent probes (default 50051, 0 disables)
//   - StorageDir    : directory accepted images are written to (default ./uploads)
//   - Retention     : how long a submission stays indexed and on disk (default 24h)
//   - MaxUploadBytes: largest accepted request body (default 32 MiB)
//   - Auth.Mode     : "apikey" or "none"
//   - Auth.KeyEnv   : environment variable holding the expected API key
//   - Auth.Header   : HTTP header / gRPC metadata key (default "x-api-key")
//
// Load(path) applies defaults before unmarshalling, then validates.
package config
