package backup

import (
	"github.com/lupppig/pgbackup/internal/db"
)

// RestoreOptions controls where and how a backup is restored.
type RestoreOptions struct {
	// TargetDB defaults to the database the backup was taken from.
	TargetDB string
	// FreshCopy restores into a scratch database and swaps it in by rename.
	FreshCopy         bool
	SingleTransaction bool
	Clean             bool
}

func (o RestoreOptions) connectorOptions() db.RestoreOptions {
	return db.RestoreOptions{
		SingleTransaction: o.SingleTransaction,
		Clean:             o.Clean,
	}
}

// ConnectorFactory builds the connector for one database.
type ConnectorFactory func(params db.ConnectionParams) (db.Connector, error)
