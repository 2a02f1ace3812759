package tasks

import (
	"context"
	"errors"

	"github.com/ferrants/ChaasKit-sub001/internal/config"
	"github.com/ferrants/ChaasKit-sub001/internal/connection"
	"github.com/ferrants/ChaasKit-sub001/internal/oauth"
	"github.com/ferrants/ChaasKit-sub001/internal/principal"
	"github.com/ferrants/ChaasKit-sub001/internal/vault"
)

// Connector opens pooled connections. *connection.Manager satisfies it.
type Connector interface {
	Connect(ctx context.Context, server config.MCPServer) (*connection.ManagedConnection, error)
	GetForUser(ctx context.Context, server config.MCPServer, userID string) (*connection.ManagedConnection, error)
	GetForTeam(ctx context.Context, server config.MCPServer, teamID string) (*connection.ManagedConnection, error)
}

// ConnectGlobal returns a task opening the global connection of a none or
// admin server.
func ConnectGlobal(pool Connector, server config.MCPServer) Task {
	return Task{
		Kind: KindConnectGlobal,
		Key:  server.ID,
		Run: func(ctx context.Context) error {
			_, err := pool.Connect(ctx, server)
			return retryable(err)
		},
	}
}

// WarmConnection returns a task opening owner's connection to server so the
// first call does not pay for the connect.
func WarmConnection(pool Connector, server config.MCPServer, owner principal.Owner) Task {
	return Task{
		Kind: KindWarmConnection,
		Key:  owner.String() + "/" + server.ID,
		Run: func(ctx context.Context) error {
			var err error
			switch owner.Kind {
			case principal.KindUser:
				_, err = pool.GetForUser(ctx, server, owner.ID)
			case principal.KindTeam:
				_, err = pool.GetForTeam(ctx, server, owner.ID)
			case principal.KindSystem:
				_, err = pool.Connect(ctx, server)
			default:
				err = Permanent(errors.New("unknown owner kind " + string(owner.Kind)))
			}
			return retryable(err)
		},
	}
}

// retryable marks errors that another attempt cannot fix as permanent.
func retryable(err error) error {
	switch {
	case err == nil:
		return nil
	case config.IsConfigurationError(err),
		errors.Is(err, connection.ErrNotConfigured),
		errors.Is(err, connection.ErrWrongPool),
		errors.Is(err, connection.ErrShutdown),
		errors.Is(err, oauth.ErrReauthorizationRequired),
		errors.Is(err, vault.ErrDecrypt):
		return Permanent(err)
	default:
		return err
	}
}
