package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mergeline/internal/app"
	"mergeline/internal/config"
	"mergeline/internal/lock"
	"mergeline/internal/server"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devLogin bool
	cmd := &cobra.Command{
		Use:     "serve",
		Short:   "Run the reaction engine, background loops and HTTP API",
		PreRunE: bindSecret,
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			logger, err := newLogger()
			if err != nil {
				return err
			}
			defer logger.Sync()

			fl := lock.NewFileLock(lockPath(workspace))
			if err := fl.TryLock(); err != nil {
				return err
			}
			defer fl.Unlock()

			ctx := cmd.Context()
			rt, err := app.Open(ctx, app.Options{
				Workspace:  workspace,
				ConfigPath: viper.GetString("config"),
				Logger:     logger,
			})
			if err != nil {
				return err
			}
			defer rt.Close()
			if err := rt.Start(ctx); err != nil {
				return err
			}

			cfg := rt.Config()
			if !cmd.Flags().Changed("addr") && cfg.Server.Addr != "" {
				addr = cfg.Server.Addr
			}
			if !cmd.Flags().Changed("base-path") && cfg.Server.BasePath != "" {
				basePath = cfg.Server.BasePath
			}
			handler, err := server.New(server.Config{
				Sessions:    rt.Sessions,
				Log:         rt.Log,
				Sagas:       rt.Sagas,
				DeadLetters: rt.DeadLetters,
				Breakers:    rt.Breakers,
				BasePath:    basePath,
				Auth: server.AuthConfig{
					JWTSecret:     viper.GetString("jwt-secret"),
					AllowDevLogin: devLogin,
					Logger:        logger.Named("auth"),
				},
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return rt.Run(gctx)
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			g.Go(func() error {
				logger.Info("serving mergeline API",
					zap.String("addr", addr), zap.String("base_path", basePath), zap.String("config", rt.ConfigPath))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens (env MERGELINE_JWT_SECRET)")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "expose POST /auth/dev/login")
	return cmd
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default mergeline.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func tokenCmd() *cobra.Command {
	var subject string
	var roles []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:     "token",
		Short:   "Mint a bearer token for the HTTP API",
		PreRunE: bindSecret,
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := server.SignToken(viper.GetString("jwt-secret"), subject, roles, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "token subject")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "role claim (repeatable)")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	cmd.Flags().String("jwt-secret", "", "HS256 secret (env MERGELINE_JWT_SECRET)")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

// bindSecret binds the running command's --jwt-secret; serve and token
// each declare their own flag.
func bindSecret(cmd *cobra.Command, _ []string) error {
	return viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
}
