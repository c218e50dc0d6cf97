// Package config loads and watches the agent configuration file (config.yaml).
//
// Top-level types:
//   - Config{Agent}: full config tree parsed from YAML
//   - AgentConfig: data_dir, collector, connectivity, sync, api, notify,
//     log_level
//   - CollectorConfig: endpoint, timeout, auth, tls
//   - ConnectivityConfig: probe {mode tcp|tls|http|grpc, target}, interval,
//     timeout, debounce
//   - SyncConfig: batch_size, max_retries, interval, retry_backoff,
//     retry_backoff_max, auto_sync_default
//   - NotifyConfig: webhooks, mqtt {broker, topic, client_id, qos}
//   - AuthConfig: mode (mtls|apikey|bearer|basic|none), cert/key/ca files,
//     header, key_env, token_env, password_env; Key(), Token() and
//     Password() resolve from environment variables
//
// Load(path) reads the YAML file, applies defaults (5 per batch, 3 retries,
// 30s upload timeout, 5s probe interval), then validates required fields and
// enums.
//
// Watch(ctx, path, onChange) uses fsnotify to detect file changes and calls
// onChange with the newly parsed Config. It handles the rename→create pattern
// used by atomic-save editors (vim, VS Code) by re-adding the watch after
// a rename event.
package config
