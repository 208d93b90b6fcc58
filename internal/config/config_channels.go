package config

// GatewayConfig controls the ingestion gateway's HTTP listener.
type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}
