package config

import "github.com/spf13/viper"

// SetDefaults seeds every configuration key so a bare daemon starts with a
// working single-port stack.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "INFO")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.output", "stderr")

	v.SetDefault("network.num_ports", 1)
	v.SetDefault("network.enable_bus_load", true)
	v.SetDefault("network.max_tx_sessions_per_port", 4)
	v.SetDefault("network.rx_batch_per_update", 32)

	v.SetDefault("tc_client.timeout_ms", 6000)
	v.SetDefault("tc_client.retry_on_pool_error", false)
	v.SetDefault("tc_client.boot_delay_ms", 0)

	v.SetDefault("tc_server.tc_number", 0)
	v.SetDefault("tc_server.tc_version", 4)
	v.SetDefault("tc_server.num_booms", 1)
	v.SetDefault("tc_server.num_sections", 16)
	v.SetDefault("tc_server.num_channels", 1)
	v.SetDefault("tc_server.options", []string{"documentation"})
	v.SetDefault("tc_server.status_interval_ms", 2000)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", "127.0.0.1:9450")
}
