package storage

import (
	"fmt"
	"os"
)

// Mode selects the storage backend
type Mode string

const (
	ModeMemory   Mode = "memory"
	ModePostgres Mode = "postgres"
	ModeDynamo   Mode = "dynamo"
)

// DynamoMode represents the DynamoDB connection mode
type DynamoMode string

const (
	DynamoModeLocal DynamoMode = "local"
	DynamoModeAWS   DynamoMode = "aws"
)

// Config holds storage configuration
type Config struct {
	Mode        Mode
	DatabaseURL string
	Dynamo      DynamoConfig
}

// DynamoConfig holds DynamoDB configuration
type DynamoConfig struct {
	Mode               DynamoMode
	Endpoint           string // for local mode
	Region             string
	EscalationsTable   string
	PoliciesTable      string
	SectorAgentsTable  string
	PresenceTable      string
	ConversationsTable string
	NotificationsTable string
}

// LoadConfig loads storage config from environment
func LoadConfig() (Config, error) {
	mode := Mode(getEnv("STORE_MODE", string(ModeMemory)))
	switch mode {
	case ModeMemory, ModePostgres, ModeDynamo:
	default:
		return Config{}, fmt.Errorf("invalid STORE_MODE %q (want memory, postgres or dynamo)", mode)
	}

	cfg := Config{
		Mode:        mode,
		DatabaseURL: os.Getenv("DATABASE_URL"),
		Dynamo:      LoadDynamoConfig(),
	}

	if cfg.Mode == ModePostgres && cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL is required when STORE_MODE=postgres")
	}

	return cfg, nil
}

// LoadDynamoConfig loads DynamoDB config from environment
func LoadDynamoConfig() DynamoConfig {
	mode := DynamoMode(getEnv("DYNAMO_MODE", string(DynamoModeAWS)))
	if mode != DynamoModeLocal {
		mode = DynamoModeAWS
	}

	return DynamoConfig{
		Mode:               mode,
		Endpoint:           getEnv("DYNAMO_ENDPOINT", "http://localhost:8000"),
		Region:             getEnv("DYNAMO_REGION", "eu-central-1"),
		EscalationsTable:   getEnv("DYNAMO_ESCALATIONS_TABLE", "handoff-escalations"),
		PoliciesTable:      getEnv("DYNAMO_POLICIES_TABLE", "handoff-distribution-policies"),
		SectorAgentsTable:  getEnv("DYNAMO_SECTOR_AGENTS_TABLE", "handoff-sector-agents"),
		PresenceTable:      getEnv("DYNAMO_PRESENCE_TABLE", "handoff-agent-presence"),
		ConversationsTable: getEnv("DYNAMO_CONVERSATIONS_TABLE", "handoff-conversations"),
		NotificationsTable: getEnv("DYNAMO_NOTIFICATIONS_TABLE", "handoff-notifications"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
