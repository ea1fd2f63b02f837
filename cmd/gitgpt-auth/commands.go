package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	oauth "github.com/asamzaman87/Git-GPT-App"
	"github.com/asamzaman87/Git-GPT-App/internal/config"
	"github.com/asamzaman87/Git-GPT-App/server"
)

func newMigrateCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply PostgreSQL schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.Storage.Driver != config.DriverPostgres {
				return fmt.Errorf("migrate needs the postgres driver, configured driver is %q", a.cfg.Storage.Driver)
			}
			store, err := openStore(cmd.Context(), a.cfg, a.logger, nil)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.postgres.Migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}

func newClientCommand(a *app) *cobra.Command {
	clientCmd := &cobra.Command{
		Use:   "client",
		Short: "Manage OAuth clients",
	}

	var req server.RegistrationRequest
	registerCmd := &cobra.Command{
		Use:   "register",
		Short: "Register a client and print its credentials once",
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.Storage.Driver == config.DriverMemory {
				a.logger.Warn("Registering into the memory store; the client is lost when this command exits")
			}
			srv, store, err := a.newServer(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer store.Close()
			defer srv.Sweeper.Stop()

			client, err := srv.Clients.Register(cmd.Context(), req)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(oauth.ClientRegistrationResponse{
				ClientID:                client.ClientID,
				ClientSecret:            client.ClientSecret,
				ClientIDIssuedAt:        client.CreatedAt.Unix(),
				RedirectURIs:            client.RedirectURIs,
				TokenEndpointAuthMethod: client.TokenEndpointAuthMethod,
				GrantTypes:              client.GrantTypes,
				ResponseTypes:           client.ResponseTypes,
				ClientName:              client.ClientName,
			})
		},
	}
	registerCmd.Flags().StringVar(&req.ClientName, "name", "", "human readable client name")
	registerCmd.Flags().StringSliceVar(&req.RedirectURIs, "redirect-uri", nil, "allowed redirect URI (repeatable)")
	registerCmd.Flags().StringVar(&req.TokenEndpointAuthMethod, "auth-method", "", "client_secret_post, client_secret_basic or none")

	clientCmd.AddCommand(registerCmd)
	return clientCmd
}

func newSweepCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete expired codes and tokens once",
		RunE: func(cmd *cobra.Command, args []string) error {
			srv, store, err := a.newServer(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer store.Close()
			defer srv.Sweeper.Stop()

			res, err := srv.Sweeper.Sweep(cmd.Context())
			if err != nil {
				return errors.Join(errors.New("sweep failed"), err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d codes, %d access tokens, %d refresh tokens\n",
				res.Codes, res.AccessTokens, res.RefreshTokens)
			return nil
		},
	}
}
