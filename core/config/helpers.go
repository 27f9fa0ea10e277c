package config

// GetAllSettings returns a map of the dynamic settings currently loaded in
// memory, used by the status endpoint.
func GetAllSettings() map[string]any {
	if Global == nil {
		return map[string]any{}
	}
	return map[string]any{
		"app_version":                Global.App.Version,
		"app_debug":                  Global.App.Debug,
		"app_env":                    Global.App.Environment,
		"worker_pool_size":           Global.WorkerPool.Size,
		"tokens_eager_buffer":        Global.Tokens.EagerBuffer.String(),
		"tokens_sweep_interval":      Global.Tokens.SweepInterval.String(),
		"sync_group_concurrency":     Global.Sync.GroupConcurrency,
		"sync_avatar_concurrency":    Global.Sync.AvatarConcurrency,
		"webhook_allow_unsigned":     Global.Security.WebhookAllowUnsigned,
		"valkey_enabled":             Global.Database.ValkeyEnabled,
		"nats_enabled":               Global.NATS.Enabled,
		"whatsapp_reconnect_ceiling": Global.Channels.WhatsApp.ReconnectMaxAttempts,
	}
}
