package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/neurallog/kek-custody/api/auth"
	"github.com/neurallog/kek-custody/api/handlers"
	"github.com/neurallog/kek-custody/cmd/flags"
	"github.com/neurallog/kek-custody/common"
	"github.com/neurallog/kek-custody/directory"
	"github.com/neurallog/kek-custody/httpserver"
	"github.com/neurallog/kek-custody/interfaces"
	"github.com/neurallog/kek-custody/storage"
	"github.com/urfave/cli/v2"
)

const serviceName = "kek-directory"

var tenantFlag = &cli.StringFlag{
	Name:     "tenant",
	Required: true,
	Usage:    "tenant id",
}

var userFlag = &cli.StringFlag{
	Name:     "user",
	Required: true,
	Usage:    "user id",
}

func main() {
	// A missing .env file is fine; flags and the environment still apply.
	_ = godotenv.Load()

	app := &cli.App{
		Name:  "directoryd",
		Usage: "Serve the tenant directory and coordination API for KEK custody",
		Flags: append(append([]cli.Flag{
			flags.StoreFlag,
			flags.TokenSecretFlag,
			flags.TokenTTLFlag,
			flags.LogServiceFlagFn(serviceName),
		}, flags.LogFlags...), flags.ServerFlags...),
		Action: serve,
		Commands: []*cli.Command{
			{
				Name:   "register-user",
				Usage:  "Add a member to a tenant",
				Flags:  []cli.Flag{tenantFlag, userFlag, &cli.StringFlag{Name: "username", Usage: "display name, defaults to the user id"}, &cli.BoolFlag{Name: "admin", Usage: "register as admin"}},
				Action: registerUser,
			},
			{
				Name:   "issue-token",
				Usage:  "Print a bearer token for a tenant member",
				Flags:  []cli.Flag{tenantFlag, userFlag},
				Action: issueToken,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func openService(cCtx *cli.Context) (*directory.Service, interfaces.RecordStore, error) {
	logger := flags.SetupLogger(cCtx)

	locations := make([]interfaces.StorageBackendLocation, 0)
	for _, s := range cCtx.StringSlice(flags.StoreFlag.Name) {
		locations = append(locations, interfaces.StorageBackendLocation(s))
	}
	store, err := storage.NewStorageBackendFactory(logger).CreateMultiBackend(locations)
	if err != nil {
		return nil, nil, err
	}
	return directory.NewService(store, logger), store, nil
}

func signer(cCtx *cli.Context) (*auth.Signer, error) {
	secret := cCtx.String(flags.TokenSecretFlag.Name)
	if secret == "" {
		return nil, errors.New("--token-secret is required")
	}
	return auth.NewSigner([]byte(secret), "", cCtx.Duration(flags.TokenTTLFlag.Name))
}

func serve(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)

	tp, err := common.InitTracer(cCtx.Context, flags.ConfigureTracing(cCtx, serviceName))
	if err != nil {
		logger.Error("Failed to initialize tracing", "err", err)
		return err
	}
	if tp != nil {
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tp.Shutdown(ctx)
		}()
	}

	tokens, err := signer(cCtx)
	if err != nil {
		logger.Error("Invalid token configuration", "err", err)
		return err
	}

	svc, store, err := openService(cCtx)
	if err != nil {
		logger.Error("Failed to open record store", "err", err)
		return err
	}
	logger.Info("Record store ready", "store", store.Name())

	cfg := flags.ConfigureServer(cCtx, logger)
	server, err := httpserver.New(cfg, handlers.NewDirectoryHandler(svc, logger), tokens, svc.Ready)
	if err != nil {
		logger.Error("Failed to create server", "err", err)
		return err
	}
	server.RunInBackground()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, os.Interrupt, syscall.SIGTERM)

	logger.Info("Server is running, press Ctrl+C to stop")
	<-exit
	logger.Info("Shutdown signal received")

	server.Shutdown()
	logger.Info("Server shutdown complete")
	return nil
}

func registerUser(cCtx *cli.Context) error {
	svc, _, err := openService(cCtx)
	if err != nil {
		return err
	}
	username := cCtx.String("username")
	if username == "" {
		username = cCtx.String(userFlag.Name)
	}
	u, err := svc.RegisterUser(cCtx.Context, cCtx.String(tenantFlag.Name), interfaces.User{
		ID:       cCtx.String(userFlag.Name),
		Username: username,
		IsAdmin:  cCtx.Bool("admin"),
	})
	if err != nil {
		return err
	}
	fmt.Printf("registered %s (admin=%t)\n", u.ID, u.IsAdmin)
	return nil
}

func issueToken(cCtx *cli.Context) error {
	s, err := signer(cCtx)
	if err != nil {
		return err
	}
	token, exp, err := s.IssueToken(cCtx.String(tenantFlag.Name), cCtx.String(userFlag.Name))
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "expires %s\n", exp.Format(time.RFC3339))
	fmt.Println(token)
	return nil
}
