package config

import (
	"flag"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

var (
	roleCmd            = flag.String("role", "standalone", "Node role: primary, backup or standalone")
	httpPortCmd        = flag.Int("http-port", 3000, "HTTP server port")
	tcpPortCmd         = flag.Int("tcp-port", 3001, "TCP ingestion port")
	replicationPortCmd = flag.Int("replication-port", 3002, "Replication listen port (backup role)")
	backupHostCmd      = flag.String("backup-host", "localhost", "Backup host to replicate to (primary role)")
	backupPortCmd      = flag.Int("backup-port", 3002, "Backup replication port (primary role)")
	dataDirCmd         = flag.String("data-dir", "data", "Directory for WAL and SSTable files")
	syncPolicyCmd      = flag.String("sync-policy", "sync", "WAL sync policy: sync, interval or none")
	memtableSizeCmd    = flag.Int("memtable-size", 4<<20, "MemTable size limit in bytes before flush")
)

type Config struct {
	Role                 string
	HTTPPort             int
	TCPPort              int
	ReplicationPort      int
	BackupHost           string
	BackupPort           int
	DataDir              string
	SyncPolicy           string
	SyncIntervalMs       int
	MemtableSize         int
	ReplicationTimeoutMs int
	ReplicationWindow    int
}

func LoadConfig() Config {
	godotenv.Load(".env")
	return Config{
		Role:                 *roleCmd,
		HTTPPort:             *httpPortCmd,
		TCPPort:              *tcpPortCmd,
		ReplicationPort:      *replicationPortCmd,
		BackupHost:           *backupHostCmd,
		BackupPort:           *backupPortCmd,
		DataDir:              envOrDefault("DATA_DIR", *dataDirCmd),
		SyncPolicy:           envOrDefault("SYNC_POLICY", *syncPolicyCmd),
		SyncIntervalMs:       envIntOrDefault("SYNC_INTERVAL_MS", 50),
		MemtableSize:         envIntOrDefault("MEMTABLE_SIZE", *memtableSizeCmd),
		ReplicationTimeoutMs: envIntOrDefault("REPLICATION_TIMEOUT_MS", 5000),
		ReplicationWindow:    envIntOrDefault("REPLICATION_WINDOW", 1024),
	}
}

func envOrDefault(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(name string, def int) int {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
